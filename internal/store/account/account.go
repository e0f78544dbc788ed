// Package account defines the account store contract: per-user
// credentials, quota, priority class, and the two-level locking scheme
// serializing a single user's storage operations.
//
// Backends live in subpackages (memory, sqlite, badger) and are
// selected through pkg/config factories. The per-account lock always
// lives in process memory regardless of backend: it guards in-flight
// storage operations, not the persisted record.
package account

import (
	"context"
	"errors"
	"sync"

	"github.com/stashd/stashd/internal/task"
)

var (
	// ErrExists is returned by Signup when the name is taken.
	ErrExists = errors.New("account: already exists")

	// ErrNotFound is returned when no account matches the name.
	ErrNotFound = errors.New("account: not found")

	// ErrBadCredentials is returned by Login on a password mismatch.
	ErrBadCredentials = errors.New("account: bad credentials")
)

// Account is one signed-up user.
//
// An Account value returned by Acquire is a snapshot of the persisted
// record, valid while the caller holds the per-account lock. Mutations
// go through the store (UpdateUsage), not through the struct.
type Account struct {
	Name       string
	Password   string
	Priority   task.Priority
	UsedBytes  int64
	QuotaBytes int64

	// Mu is the per-account mutex from the store's lock table, held
	// between Acquire and Release. Backends set it; callers never
	// touch it directly.
	Mu *sync.Mutex
}

// Store is the account persistence contract.
//
// Implementations must serialize membership mutations (Signup's
// check-then-insert is atomic) and support concurrent per-account
// access: Acquire holds the store-wide membership lock only long
// enough to resolve the name, then holds only that account's lock, so
// operations for two different users never contend.
type Store interface {
	// Signup creates the account and its storage namespace
	// directory. Returns ErrExists when the name is taken.
	Signup(ctx context.Context, name, password string, quotaBytes int64, class task.Priority) error

	// Login verifies credentials. Returns ErrNotFound or
	// ErrBadCredentials; both collapse to an Err response upstream.
	Login(ctx context.Context, name, password string) error

	// Acquire resolves the account and returns it with its
	// per-account lock held. The caller must Release it.
	Acquire(ctx context.Context, name string) (*Account, error)

	// Release drops the per-account lock taken by Acquire.
	Release(a *Account)

	// UpdateUsage adjusts the account's used byte count. Callers
	// hold the account lock (via Acquire) while invoking it.
	UpdateUsage(ctx context.Context, name string, delta int64) error

	// Root returns the storage root under which per-user namespaces
	// are created.
	Root() string

	Close() error
}

// LockTable hands out the per-account mutexes shared by all backends.
//
// Locks are created on first use and kept for the account's lifetime;
// the table itself is the coarse membership lock of the two-level
// scheme and is never held while an account lock is taken.
type LockTable struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: make(map[string]*sync.Mutex)}
}

// Get returns the mutex for name, creating it if needed. The returned
// mutex is not locked.
func (t *LockTable) Get(name string) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.locks[name]
	if !ok {
		l = &sync.Mutex{}
		t.locks[name] = l
	}
	return l
}
