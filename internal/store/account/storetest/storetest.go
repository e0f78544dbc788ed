// Package storetest holds the conformance suite every account.Store
// backend must pass. Backend packages call Run from their own tests.
package storetest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/task"
)

// Factory builds a fresh store rooted at the given directory. The
// suite creates one store per subtest.
type Factory func(t *testing.T, root string) account.Store

// Run executes the conformance suite against the backend.
func Run(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("SignupAndLogin", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 1<<20, task.PriorityNormal))
		assert.NoError(t, s.Login(ctx, "alice", "secret"))
	})

	t.Run("SignupCreatesNamespace", func(t *testing.T) {
		root := t.TempDir()
		s := newStore(t, root)
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 1<<20, task.PriorityNormal))

		info, err := os.Stat(filepath.Join(root, "alice"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("SignupDuplicate", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 1<<20, task.PriorityNormal))
		err := s.Signup(ctx, "alice", "other", 1<<20, task.PriorityHigh)
		assert.ErrorIs(t, err, account.ErrExists)

		// The original credentials must survive the losing signup.
		assert.NoError(t, s.Login(ctx, "alice", "secret"))
	})

	t.Run("SignupRace", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		const contenders = 8
		var wg sync.WaitGroup
		errs := make([]error, contenders)
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Signup(ctx, "bob", fmt.Sprintf("pw-%d", i), 1<<20, task.PriorityNormal)
			}(i)
		}
		wg.Wait()

		// Exactly one signup wins.
		var wins int
		for _, err := range errs {
			if err == nil {
				wins++
			} else {
				assert.ErrorIs(t, err, account.ErrExists)
			}
		}
		assert.Equal(t, 1, wins)
	})

	t.Run("LoginUnknownUser", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		err := s.Login(ctx, "ghost", "pw")
		assert.ErrorIs(t, err, account.ErrNotFound)
	})

	t.Run("LoginWrongPassword", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 1<<20, task.PriorityNormal))
		err := s.Login(ctx, "alice", "wrong")
		assert.ErrorIs(t, err, account.ErrBadCredentials)
	})

	t.Run("AcquireSnapshot", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 4096, task.PriorityHigh))

		a, err := s.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer s.Release(a)

		assert.Equal(t, "alice", a.Name)
		assert.Equal(t, task.PriorityHigh, a.Priority)
		assert.Equal(t, int64(4096), a.QuotaBytes)
		assert.Zero(t, a.UsedBytes)
	})

	t.Run("AcquireUnknownUser", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		_, err := s.Acquire(ctx, "ghost")
		assert.ErrorIs(t, err, account.ErrNotFound)
	})

	t.Run("AcquireSerializesSameAccount", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "secret", 1<<20, task.PriorityNormal))

		type window struct{ start, end time.Time }
		const holders = 4
		windows := make([]window, holders)

		var wg sync.WaitGroup
		for i := 0; i < holders; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				a, err := s.Acquire(ctx, "alice")
				require.NoError(t, err)
				windows[i].start = time.Now()
				time.Sleep(20 * time.Millisecond)
				windows[i].end = time.Now()
				s.Release(a)
			}(i)
		}
		wg.Wait()

		// No two hold windows may overlap.
		for i := 0; i < holders; i++ {
			for j := i + 1; j < holders; j++ {
				a, b := windows[i], windows[j]
				overlap := a.start.Before(b.end) && b.start.Before(a.end)
				assert.False(t, overlap, "holders %d and %d overlapped", i, j)
			}
		}
	})

	t.Run("AcquireDifferentAccountsDoNotBlock", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "pw", 1<<20, task.PriorityNormal))
		require.NoError(t, s.Signup(ctx, "bob", "pw", 1<<20, task.PriorityNormal))

		a, err := s.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer s.Release(a)

		done := make(chan struct{})
		go func() {
			b, err := s.Acquire(ctx, "bob")
			assert.NoError(t, err)
			s.Release(b)
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("acquire for a different account blocked")
		}
	})

	t.Run("UpdateUsage", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "pw", 1<<20, task.PriorityNormal))
		require.NoError(t, s.UpdateUsage(ctx, "alice", 500))
		require.NoError(t, s.UpdateUsage(ctx, "alice", -200))

		a, err := s.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer s.Release(a)
		assert.Equal(t, int64(300), a.UsedBytes)
	})

	t.Run("UpdateUsageClampsAtZero", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		require.NoError(t, s.Signup(ctx, "alice", "pw", 1<<20, task.PriorityNormal))
		require.NoError(t, s.UpdateUsage(ctx, "alice", -1000))

		a, err := s.Acquire(ctx, "alice")
		require.NoError(t, err)
		defer s.Release(a)
		assert.Zero(t, a.UsedBytes)
	})

	t.Run("UpdateUsageUnknownUser", func(t *testing.T) {
		s := newStore(t, t.TempDir())
		defer s.Close()

		err := s.UpdateUsage(ctx, "ghost", 100)
		assert.ErrorIs(t, err, account.ErrNotFound)
	})
}
