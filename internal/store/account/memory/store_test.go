package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/store/account/storetest"
	"github.com/stashd/stashd/internal/task"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, root string) account.Store {
		s, err := New(root)
		require.NoError(t, err)
		return s
	})
}

// Workers update usage while still holding the account lock, and
// signups for other accounts run concurrently. Neither may block on
// the held lock, and the next snapshot must see the update.
func TestUpdateUsageUnderHeldAccountLock(t *testing.T) {
	ctx := context.Background()
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Signup(ctx, "alice", "pw", 1000, task.PriorityNormal))

	a, err := s.Acquire(ctx, "alice")
	require.NoError(t, err)

	updated := make(chan error, 1)
	go func() {
		if err := s.UpdateUsage(ctx, "alice", 40); err != nil {
			updated <- err
			return
		}
		updated <- s.Signup(ctx, "bob", "pw", 1000, task.PriorityNormal)
	}()

	select {
	case err := <-updated:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("membership or usage path blocked on a held account lock")
	}
	s.Release(a)

	b, err := s.Acquire(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(40), b.UsedBytes)
	s.Release(b)
}
