// Package memory provides the in-memory account store backend.
//
// Accounts live in a map for the process lifetime; suitable for tests
// and ephemeral deployments. Membership is guarded by one RWMutex,
// per-account operations by the shared lock table.
package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/task"
)

// record's immutable fields are written once at signup; the usage
// counter is atomic so snapshots and updates need neither the
// membership lock nor the account lock.
type record struct {
	password   string
	priority   task.Priority
	quotaBytes int64
	usedBytes  atomic.Int64
}

// Store is an in-memory account.Store.
type Store struct {
	mu       sync.RWMutex
	accounts map[string]*record

	locks *account.LockTable
	root  string
}

// New creates the store and ensures the storage root exists.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	return &Store{
		accounts: make(map[string]*record),
		locks:    account.NewLockTable(),
		root:     root,
	}, nil
}

func (s *Store) Signup(ctx context.Context, name, password string, quotaBytes int64, class task.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Membership check and insert stay under one critical section;
	// a racing signup for the same name must lose cleanly.
	s.mu.Lock()
	if _, exists := s.accounts[name]; exists {
		s.mu.Unlock()
		return account.ErrExists
	}
	s.accounts[name] = &record{
		password:   password,
		priority:   class,
		quotaBytes: quotaBytes,
	}
	s.mu.Unlock()

	if err := os.MkdirAll(filepath.Join(s.root, name), 0755); err != nil {
		return fmt.Errorf("create namespace for %q: %w", name, err)
	}
	return nil
}

func (s *Store) Login(ctx context.Context, name, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	rec, ok := s.accounts[name]
	s.mu.RUnlock()

	if !ok {
		return account.ErrNotFound
	}
	if rec.password != password {
		return account.ErrBadCredentials
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name string) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// Resolve membership first, then drop the membership lock before
	// taking the account lock. The two locks are never held together:
	// records are never deleted, so the pointer stays valid, and the
	// usage counter is read atomically after the account lock is won
	// so the snapshot is current.
	s.mu.RLock()
	rec, ok := s.accounts[name]
	s.mu.RUnlock()
	if !ok {
		return nil, account.ErrNotFound
	}

	l := s.locks.Get(name)
	l.Lock()

	return &account.Account{
		Name:       name,
		Password:   rec.password,
		Priority:   rec.priority,
		UsedBytes:  rec.usedBytes.Load(),
		QuotaBytes: rec.quotaBytes,
		Mu:         l,
	}, nil
}

func (s *Store) Release(a *account.Account) {
	if a != nil && a.Mu != nil {
		a.Mu.Unlock()
	}
}

func (s *Store) UpdateUsage(ctx context.Context, name string, delta int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	rec, ok := s.accounts[name]
	s.mu.RUnlock()
	if !ok {
		return account.ErrNotFound
	}

	// CAS loop to clamp at zero; callers hold the account lock here,
	// so the counter itself must not depend on it.
	for {
		cur := rec.usedBytes.Load()
		next := cur + delta
		if next < 0 {
			next = 0
		}
		if rec.usedBytes.CompareAndSwap(cur, next) {
			return nil
		}
	}
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Close() error {
	return nil
}
