package config

import (
	"fmt"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration read from YAML either as a Go duration string
// ("750ms", "1m") or as a bare number of seconds. An empty or null value
// decodes to zero.
type Duration struct {
	time.Duration
}

// DurationFrom wraps d.
func DurationFrom(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", node.Line)
	}
	switch node.ShortTag() {
	case "!!null":
		d.Duration = 0
	case "!!int":
		secs, err := strconv.ParseInt(node.Value, 0, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		d.Duration = time.Duration(secs) * time.Second
	case "!!float":
		secs, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		d.Duration = time.Duration(secs * float64(time.Second))
	case "!!str":
		if node.Value == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(node.Value)
		if err != nil {
			return fmt.Errorf("line %d: invalid duration %q: %w", node.Line, node.Value, err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("line %d: unsupported duration %s", node.Line, node.ShortTag())
	}
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.Duration.String(), nil
}

// IsZero reports whether the duration is zero.
func (d Duration) IsZero() bool {
	return d.Duration == 0
}

// Or returns the duration, or def when it is not positive.
func (d Duration) Or(def time.Duration) time.Duration {
	if d.Duration <= 0 {
		return def
	}
	return d.Duration
}

// positive fails unless d > 0. field is the dotted config key.
func (d Duration) positive(field string) error {
	if d.Duration <= 0 {
		return fmt.Errorf("%s must be > 0 (got %s)", field, d.Duration)
	}
	return nil
}

// nonNegative fails when d < 0.
func (d Duration) nonNegative(field string) error {
	if d.Duration < 0 {
		return fmt.Errorf("%s must be >= 0 (got %s)", field, d.Duration)
	}
	return nil
}
