package storage

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store for tests and dry runs.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

func (m *MemoryStore) Upsert(ctx context.Context, table string, key Filter, row Row) error {
	if err := checkColumns(table, key, row); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.tables[table] {
		if key.matches(existing) {
			for k, v := range row {
				existing[k] = v
			}
			return nil
		}
	}
	fresh := make(Row, len(row)+len(key))
	for k, v := range key {
		fresh[k] = v
	}
	for k, v := range row {
		fresh[k] = v
	}
	m.tables[table] = append(m.tables[table], fresh)
	return nil
}

func (m *MemoryStore) Query(ctx context.Context, table string, filter Filter) ([]Row, error) {
	if err := checkColumns(table, filter); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Row
	for _, r := range m.tables[table] {
		if !filter.matches(r) {
			continue
		}
		cp := make(Row, len(r))
		for k, v := range r {
			cp[k] = v
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) Delete(ctx context.Context, table string, filter Filter) (int64, error) {
	if err := checkColumns(table, filter); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.tables[table]
	kept := rows[:0]
	var removed int64
	for _, r := range rows {
		if filter.matches(r) {
			removed++
			continue
		}
		kept = append(kept, r)
	}
	m.tables[table] = kept
	return removed, nil
}

func (m *MemoryStore) Close() error { return nil }
