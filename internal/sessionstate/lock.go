package sessionstate

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLocked means another holder owns the lock.
var ErrLocked = errors.New("lock is held")

// Locker hands out exclusive, expiring locks by key.
type Locker interface {
	// TryLock takes key without waiting and returns the token needed to
	// release it, or ErrLocked.
	TryLock(ctx context.Context, key string) (string, error)
	// Unlock releases key if token still owns it.
	Unlock(ctx context.Context, key, token string) error
}

// DefaultLockTTL bounds how long a crashed holder can block a user.
const DefaultLockTTL = 30 * time.Minute

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	held map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

func NewMemoryLocker(ttl time.Duration) *MemoryLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &MemoryLocker{ttl: ttl, now: time.Now, held: make(map[string]lease)}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if l, ok := m.held[key]; ok && now.Before(l.expires) {
		return "", ErrLocked
	}
	token := uuid.NewString()
	m.held[key] = lease{token: token, expires: now.Add(m.ttl)}
	return token, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.held[key]; ok && l.token == token {
		delete(m.held, key)
	}
	return nil
}
