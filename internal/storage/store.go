package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Row is one stored record keyed by column name.
type Row map[string]any

// Filter selects rows whose columns equal every given value.
type Filter map[string]any

// Store is the datastore the sync pipeline writes through.
type Store interface {
	// Upsert inserts row, or updates the row matching key in place. The key
	// columns must form a unique identity of the table.
	Upsert(ctx context.Context, table string, key Filter, row Row) error
	Query(ctx context.Context, table string, filter Filter) ([]Row, error)
	Delete(ctx context.Context, table string, filter Filter) (int64, error)
	Close() error
}

const (
	TableBooks    = "books"
	TableAPIUsage = "api_usage"
	TableProfiles = "profiles"
)

var tableColumns = map[string][]string{
	TableBooks: {
		"id", "user_id", "source_profile_id", "canonical_key",
		"source_id", "title", "author", "isbn", "rating",
		"date_read", "date_read_raw", "review", "cover_url", "page_count",
		"shelves", "format", "publisher", "published_date",
		"created_at", "updated_at",
	},
	TableAPIUsage: {"user_id", "api_class", "call_count", "updated_at"},
	TableProfiles: {"user_id", "source_profile_id", "last_sync"},
}

// ErrUnknownTable is returned for tables outside the shelfsync schema.
var ErrUnknownTable = errors.New("unknown table")

// checkColumns validates table and column names, which are interpolated into
// SQL, against the schema.
func checkColumns(table string, maps ...map[string]any) error {
	cols, ok := tableColumns[table]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownTable, table)
	}
	for _, m := range maps {
		for name := range m {
			if !contains(cols, name) {
				return fmt.Errorf("unknown column %q in table %q", name, table)
			}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// sortedKeys returns the keys of m in lexical order so generated statements
// are stable.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f Filter) matches(r Row) bool {
	for k, want := range f {
		if !sameValue(r[k], want) {
			return false
		}
	}
	return true
}

func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}
