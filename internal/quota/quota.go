// Package quota budgets upstream fetch usage per user.
package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"shelfsync/internal/storage"
)

// Checker is consulted once before every sync.
type Checker interface {
	CheckLimit(ctx context.Context, userID, class string) (bool, error)
	IncrementUsage(ctx context.Context, userID, class string) error
}

// ExceededError rejects a sync whose user has spent their budget.
type ExceededError struct {
	UserID string
	Class  string
	Limit  int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("API call limit exceeded for user %s (%s, limit %d)", e.UserID, e.Class, e.Limit)
}

// DefaultLimit is the number of syncs a user may start per class.
const DefaultLimit = 100

// StoreQuota counts usage in the api_usage table of a storage.Store.
type StoreQuota struct {
	store storage.Store
	limit int
	now   func() time.Time
}

// NewStoreQuota returns a StoreQuota allowing limit calls per user and class.
func NewStoreQuota(store storage.Store, limit int) *StoreQuota {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &StoreQuota{store: store, limit: limit, now: time.Now}
}

// Limit reports the per-user budget.
func (q *StoreQuota) Limit() int { return q.limit }

// Usage returns the calls recorded so far.
func (q *StoreQuota) Usage(ctx context.Context, userID, class string) (int, error) {
	rows, err := q.store.Query(ctx, storage.TableAPIUsage, storage.Filter{"user_id": userID, "api_class": class})
	if err != nil {
		return 0, fmt.Errorf("load api usage: %w", err)
	}
	if len(rows) == 0 {
		return 0, nil
	}
	return count(rows[0]["call_count"]), nil
}

func (q *StoreQuota) CheckLimit(ctx context.Context, userID, class string) (bool, error) {
	used, err := q.Usage(ctx, userID, class)
	if err != nil {
		return false, err
	}
	return used < q.limit, nil
}

// IncrementUsage adds one call. Concurrent increments for the same user may
// race; syncs for one user are serialised by the sync lock.
func (q *StoreQuota) IncrementUsage(ctx context.Context, userID, class string) error {
	used, err := q.Usage(ctx, userID, class)
	if err != nil {
		return err
	}
	err = q.store.Upsert(ctx, storage.TableAPIUsage,
		storage.Filter{"user_id": userID, "api_class": class},
		storage.Row{"call_count": used + 1, "updated_at": q.now().UTC()},
	)
	if err != nil {
		return fmt.Errorf("record api usage: %w", err)
	}
	return nil
}

func count(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	}
	return 0
}

// MemoryQuota keeps usage in process memory.
type MemoryQuota struct {
	limit int

	mu   sync.Mutex
	used map[string]int
}

// NewMemoryQuota returns a MemoryQuota allowing limit calls per user and class.
func NewMemoryQuota(limit int) *MemoryQuota {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &MemoryQuota{limit: limit, used: make(map[string]int)}
}

// Limit reports the per-user budget.
func (q *MemoryQuota) Limit() int { return q.limit }

func (q *MemoryQuota) CheckLimit(_ context.Context, userID, class string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.used[userID+"/"+class] < q.limit, nil
}

func (q *MemoryQuota) IncrementUsage(_ context.Context, userID, class string) error {
	q.mu.Lock()
	q.used[userID+"/"+class]++
	q.mu.Unlock()
	return nil
}

// Unlimited never rejects. It backs deployments with quota disabled.
type Unlimited struct{}

func (Unlimited) CheckLimit(context.Context, string, string) (bool, error) { return true, nil }

func (Unlimited) IncrementUsage(context.Context, string, string) error { return nil }
