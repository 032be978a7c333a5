// Package sessionstate keeps cross-request sync state: the per-user sync lock
// and snapshots of runs, in memory or in Redis.
package sessionstate

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Snapshot captures the last known state of a sync run.
type Snapshot struct {
	RunID      string    `json:"run_id"`
	UserID     string    `json:"user_id"`
	ProfileID  string    `json:"source_profile_id"`
	Status     string    `json:"status"`
	State      string    `json:"state"`
	Shelf      string    `json:"shelf,omitempty"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Store persists snapshots so run history survives process restarts.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Remove(ctx context.Context, runID string) error
	Get(ctx context.Context, runID string) (Snapshot, bool, error)
	List(ctx context.Context) ([]Snapshot, error)
	Close() error
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu    sync.RWMutex
	snaps map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: make(map[string]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	m.snaps[snap.RunID] = snap
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Remove(_ context.Context, runID string) error {
	m.mu.Lock()
	delete(m.snaps, runID)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(_ context.Context, runID string) (Snapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snaps[runID]
	return snap, ok, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Snapshot, error) {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.snaps))
	for _, s := range m.snaps {
		out = append(out, s)
	}
	m.mu.RUnlock()
	SortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }

// SortNewestFirst orders snapshots by start time, most recent first.
func SortNewestFirst(snaps []Snapshot) {
	sort.SliceStable(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
}
