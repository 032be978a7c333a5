package quota

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"shelfsync/internal/storage"
)

func TestCheckersEnforceLimit(t *testing.T) {
	checkers := map[string]Checker{
		"store":  NewStoreQuota(storage.NewMemoryStore(), 2),
		"memory": NewMemoryQuota(2),
	}
	for name, q := range checkers {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i := 0; i < 2; i++ {
				ok, err := q.CheckLimit(ctx, "u", "javascript")
				require.NoError(t, err)
				require.True(t, ok, "call %d", i)
				require.NoError(t, q.IncrementUsage(ctx, "u", "javascript"))
			}

			ok, err := q.CheckLimit(ctx, "u", "javascript")
			require.NoError(t, err)
			require.False(t, ok)

			ok, err = q.CheckLimit(ctx, "u", "normal")
			require.NoError(t, err)
			require.True(t, ok)

			ok, err = q.CheckLimit(ctx, "someone-else", "javascript")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestStoreQuotaUsage(t *testing.T) {
	ctx := context.Background()
	q := NewStoreQuota(storage.NewMemoryStore(), 0)
	require.Equal(t, DefaultLimit, q.Limit())

	used, err := q.Usage(ctx, "u", "javascript")
	require.NoError(t, err)
	require.Zero(t, used)

	require.NoError(t, q.IncrementUsage(ctx, "u", "javascript"))
	require.NoError(t, q.IncrementUsage(ctx, "u", "javascript"))
	used, err = q.Usage(ctx, "u", "javascript")
	require.NoError(t, err)
	require.Equal(t, 2, used)
}

func TestExceededErrorMessage(t *testing.T) {
	err := &ExceededError{UserID: "u", Class: "javascript", Limit: 100}
	require.Contains(t, err.Error(), "API call limit exceeded")
}
