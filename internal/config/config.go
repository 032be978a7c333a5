package config

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the full configuration required to run sync pipelines.
type Config struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	Fetch     FetchConfig     `yaml:"fetch"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Walk      WalkConfig      `yaml:"walk"`
	Robots    RobotsConfig    `yaml:"robots"`
	Rendering RenderingConfig `yaml:"rendering"`
	DB        SQLConfig       `yaml:"db"`
	Quota     QuotaConfig     `yaml:"quota"`
	Lock      LockConfig      `yaml:"lock"`
	Server    ServerConfig    `yaml:"server"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ProxyConfig describes the upstream proxying fetch service.
type ProxyConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	Format  string `yaml:"format"`
}

// FetchConfig controls single fetches and the retry policy around them.
type FetchConfig struct {
	// Engine selects the fetch backend: "proxy" or "chromedp".
	Engine       string            `yaml:"engine"`
	UserAgent    string            `yaml:"user_agent"`
	Headers      map[string]string `yaml:"headers"`
	Timeout      Duration          `yaml:"timeout"`
	MaxBodyBytes int64             `yaml:"max_body_bytes"`
	MaxAttempts  int               `yaml:"max_attempts"`
	RetryBackoff Duration          `yaml:"retry_backoff"`
	MinDelay     Duration          `yaml:"min_delay"`
	RateLimit    RateLimitConfig   `yaml:"rate_limit"`
}

// RateLimitConfig applies a token bucket to upstream calls.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Window   Duration `yaml:"window"`
}

// CatalogConfig locates the source catalog site.
type CatalogConfig struct {
	BaseURL string `yaml:"base_url"`
}

// WalkConfig tunes shelf pagination.
type WalkConfig struct {
	PageSize int `yaml:"page_size"`
	MaxPages int `yaml:"max_pages"`
}

// RobotsConfig configures robots.txt handling for catalog URLs.
type RobotsConfig struct {
	Respect   bool     `yaml:"respect"`
	Overrides []string `yaml:"overrides"`
	UserAgent string   `yaml:"user_agent"`
	CacheTTL  Duration `yaml:"cache_ttl"`
}

// RenderingConfig controls the optional headless-browser backend.
type RenderingConfig struct {
	Timeout            Duration `yaml:"timeout"`
	WaitForSelector    string   `yaml:"wait_for_selector"`
	ConcurrentSessions int      `yaml:"concurrent_sessions"`
	DisableHeadless    bool     `yaml:"disable_headless"`
}

// SQLConfig describes a relational database connection used for persistence.
type SQLConfig struct {
	Driver          string   `yaml:"driver"`
	DSN             string   `yaml:"dsn"`
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
	CreateIfMissing bool     `yaml:"create_if_missing"`
	AutoMigrate     bool     `yaml:"auto_migrate"`
}

// QuotaConfig configures the per-user upstream call budget.
type QuotaConfig struct {
	Enabled  bool   `yaml:"enabled"`
	APIClass string `yaml:"api_class"`
	Limit    int    `yaml:"limit"`
}

// LockConfig selects how concurrent syncs for one user are prevented.
type LockConfig struct {
	// Backend is "memory" or "redis".
	Backend string      `yaml:"backend"`
	TTL     Duration    `yaml:"ttl"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig locates the Redis instance backing the sync lock.
type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     string `yaml:"port"`
	DB       int    `yaml:"db"`
	Password string `yaml:"password"`
}

// ServerConfig controls the HTTP transport.
type ServerConfig struct {
	Addr               string   `yaml:"addr"`
	MaxConcurrentSyncs int      `yaml:"max_concurrent_syncs"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	AllowedOrigins     []string `yaml:"allowed_origins"`
}

// LoggingConfig selects log verbosity and format.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Structured bool   `yaml:"structured"`
}

// Default returns a Config populated with sensible defaults.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			BaseURL: "https://api.crawlbase.com/",
			Format:  "raw",
		},
		Fetch: FetchConfig{
			Engine:    "proxy",
			UserAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) Chrome/91.0.4472.124 Safari/537.36",
			Headers: map[string]string{
				"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8",
				"Accept-Language": "en-US,en;q=0.5",
			},
			Timeout:      DurationFrom(90 * time.Second),
			MaxBodyBytes: 8 * 1024 * 1024,
			MaxAttempts:  3,
			RetryBackoff: DurationFrom(2 * time.Second),
		},
		Catalog: CatalogConfig{
			BaseURL: "https://www.goodreads.com",
		},
		Walk: WalkConfig{
			PageSize: 100,
			MaxPages: 500,
		},
		Robots: RobotsConfig{
			Respect:   false,
			Overrides: []string{},
			UserAgent: "shelfsync/1.0",
			CacheTTL:  DurationFrom(6 * time.Hour),
		},
		Rendering: RenderingConfig{
			Timeout:            DurationFrom(60 * time.Second),
			WaitForSelector:    "#booksBody",
			ConcurrentSessions: 1,
		},
		DB: SQLConfig{
			AutoMigrate: true,
		},
		Quota: QuotaConfig{
			Enabled:  true,
			APIClass: "javascript",
			Limit:    100,
		},
		Lock: LockConfig{
			Backend: "memory",
			TTL:     DurationFrom(30 * time.Minute),
			Redis:   RedisConfig{Port: "6379"},
		},
		Server: ServerConfig{
			Addr:               ":3000",
			MaxConcurrentSyncs: 5,
			ShutdownTimeout:    DurationFrom(15 * time.Second),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Structured: true,
		},
	}
}

// Load reads, merges, and validates configuration from a YAML file.
func Load(path string) (*Config, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer fh.Close()
	return LoadFromReader(fh)
}

// LoadFromReader decodes configuration from an arbitrary reader. Environment
// overrides are applied after decoding.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeYAML(r, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

// applyEnv lets secrets stay out of the config file.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SHELFSYNC_PROXY_TOKEN"); ok {
		c.Proxy.Token = v
	}
	if v, ok := lookup("SHELFSYNC_DB_DSN"); ok {
		c.DB.DSN = v
	}
	if v, ok := lookup("SHELFSYNC_DB_DRIVER"); ok {
		c.DB.Driver = v
	}
	if v, ok := lookup("REDIS_HOST"); ok && strings.TrimSpace(v) != "" {
		c.Lock.Backend = "redis"
		c.Lock.Redis.Host = v
	}
	if v, ok := lookup("REDIS_PORT"); ok && strings.TrimSpace(v) != "" {
		c.Lock.Redis.Port = v
	}
	if v, ok := lookup("REDIS_DB"); ok && strings.TrimSpace(v) != "" {
		db, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("REDIS_DB: %w", err)
		}
		c.Lock.Redis.DB = db
	}
	if v, ok := lookup("REDIS_PASSWORD"); ok {
		c.Lock.Redis.Password = v
	}
	return nil
}

// Validate enforces required invariants for the configuration.
func (c Config) Validate() error {
	switch c.Fetch.Engine {
	case "proxy":
		if c.Proxy.BaseURL == "" {
			return errors.New("proxy.base_url must be set when fetch.engine is proxy")
		}
		if _, err := url.Parse(c.Proxy.BaseURL); err != nil {
			return fmt.Errorf("proxy.base_url: %w", err)
		}
	case "chromedp":
		if err := c.Rendering.Timeout.positive("rendering.timeout"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported fetch.engine %q", c.Fetch.Engine)
	}
	if c.Catalog.BaseURL == "" {
		return errors.New("catalog.base_url must be set")
	}
	if u, err := url.Parse(c.Catalog.BaseURL); err != nil || u.Host == "" {
		return fmt.Errorf("catalog.base_url %q is not an absolute url", c.Catalog.BaseURL)
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0 (got %d)", c.Fetch.MaxAttempts)
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0 (got %d)", c.Fetch.MaxBodyBytes)
	}
	if rl := c.Fetch.RateLimit; rl.Requests < 0 {
		return fmt.Errorf("fetch.rate_limit.requests must be >= 0 (got %d)", rl.Requests)
	} else if rl.Requests > 0 {
		if err := rl.Window.positive("fetch.rate_limit.window"); err != nil {
			return err
		}
	}
	if err := errors.Join(
		c.Fetch.Timeout.positive("fetch.timeout"),
		c.Fetch.RetryBackoff.nonNegative("fetch.retry_backoff"),
		c.Fetch.MinDelay.nonNegative("fetch.min_delay"),
		c.DB.ConnMaxLifetime.nonNegative("db.conn_max_lifetime"),
		c.Lock.TTL.positive("lock.ttl"),
		c.Server.ShutdownTimeout.positive("server.shutdown_timeout"),
	); err != nil {
		return err
	}
	if c.Walk.PageSize <= 0 {
		return fmt.Errorf("walk.page_size must be > 0 (got %d)", c.Walk.PageSize)
	}
	if c.Walk.MaxPages <= 0 {
		return fmt.Errorf("walk.max_pages must be > 0 (got %d)", c.Walk.MaxPages)
	}
	if c.Robots.Respect && c.Robots.UserAgent == "" {
		return errors.New("robots.user_agent must be set when robots.respect is true")
	}
	if c.Quota.Enabled {
		if c.Quota.Limit <= 0 {
			return fmt.Errorf("quota.limit must be > 0 (got %d)", c.Quota.Limit)
		}
		if c.Quota.APIClass == "" {
			return errors.New("quota.api_class must be set when quota is enabled")
		}
	}
	switch c.Lock.Backend {
	case "memory":
	case "redis":
		if c.Lock.Redis.Host == "" {
			return errors.New("lock.redis.host must be set when lock.backend is redis")
		}
	default:
		return fmt.Errorf("unsupported lock.backend %q", c.Lock.Backend)
	}
	if c.Server.MaxConcurrentSyncs <= 0 {
		return fmt.Errorf("server.max_concurrent_syncs must be > 0 (got %d)", c.Server.MaxConcurrentSyncs)
	}
	return nil
}

func (c *Config) normalise() {
	c.Proxy.BaseURL = strings.TrimSpace(c.Proxy.BaseURL)
	c.Proxy.Token = strings.TrimSpace(c.Proxy.Token)
	c.Proxy.Format = strings.TrimSpace(c.Proxy.Format)
	c.Fetch.Engine = strings.ToLower(strings.TrimSpace(c.Fetch.Engine))
	c.Fetch.UserAgent = strings.TrimSpace(c.Fetch.UserAgent)
	c.Catalog.BaseURL = strings.TrimRight(strings.TrimSpace(c.Catalog.BaseURL), "/")
	c.Robots.UserAgent = strings.TrimSpace(c.Robots.UserAgent)
	c.DB.Driver = strings.ToLower(strings.TrimSpace(c.DB.Driver))
	c.DB.DSN = strings.TrimSpace(c.DB.DSN)
	c.Quota.APIClass = strings.TrimSpace(c.Quota.APIClass)
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.Lock.Redis.Host = strings.TrimSpace(c.Lock.Redis.Host)
	c.Lock.Redis.Port = strings.TrimSpace(c.Lock.Redis.Port)
	if c.Fetch.Headers == nil {
		c.Fetch.Headers = make(map[string]string)
	}
	if len(c.Robots.Overrides) > 0 {
		c.Robots.Overrides = dedupeLower(c.Robots.Overrides)
	}
	if len(c.Server.AllowedOrigins) > 0 {
		c.Server.AllowedOrigins = dedupeLower(c.Server.AllowedOrigins)
	}
}

func dedupeLower(values []string) []string {
	unique := make(map[string]struct{}, len(values))
	cleaned := make([]string, 0, len(values))
	for _, v := range values {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := unique[v]; ok {
			continue
		}
		unique[v] = struct{}{}
		cleaned = append(cleaned, v)
	}
	sort.Strings(cleaned)
	return cleaned
}

// Enabled reports whether upstream rate limiting is active.
func (r RateLimitConfig) Enabled() bool {
	return r.Requests > 0 && !r.Window.IsZero()
}
