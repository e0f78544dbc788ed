// Package badger provides the BadgerDB-backed account store.
//
// Accounts persist as JSON records under "user/<name>" keys in an
// embedded BadgerDB. Signup atomicity comes from running the
// membership check and insert inside one read-write transaction.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/task"
)

const keyPrefix = "user/"

type record struct {
	Password   string        `json:"password"`
	Priority   task.Priority `json:"priority"`
	UsedBytes  int64         `json:"used_bytes"`
	QuotaBytes int64         `json:"quota_bytes"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Store is a BadgerDB-backed account.Store.
type Store struct {
	db    *badger.DB
	locks *account.LockTable
	root  string
}

// New opens the database at dbPath and ensures the storage root
// exists.
func New(root, dbPath string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // badger's own logger is too chatty for a sidecar store

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}

	return &Store{
		db:    db,
		locks: account.NewLockTable(),
		root:  root,
	}, nil
}

func userKey(name string) []byte {
	return []byte(keyPrefix + name)
}

func (s *Store) Signup(ctx context.Context, name, password string, quotaBytes int64, class task.Priority) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// Racing signups for the same name abort each other with
	// ErrConflict; retry until the loser observes the winner's key and
	// reports ErrExists.
	var err error
	for {
		err = s.db.Update(func(txn *badger.Txn) error {
			_, err := txn.Get(userKey(name))
			if err == nil {
				return account.ErrExists
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}

			data, err := json.Marshal(record{
				Password:   password,
				Priority:   class,
				QuotaBytes: quotaBytes,
				CreatedAt:  time.Now().UTC(),
			})
			if err != nil {
				return err
			}
			return txn.Set(userKey(name), data)
		})
		if !errors.Is(err, badger.ErrConflict) {
			break
		}
	}
	if err != nil {
		if errors.Is(err, account.ErrExists) {
			return account.ErrExists
		}
		return fmt.Errorf("signup %q: %w", name, err)
	}

	if err := os.MkdirAll(filepath.Join(s.root, name), 0755); err != nil {
		return fmt.Errorf("create namespace for %q: %w", name, err)
	}
	return nil
}

func (s *Store) get(name string) (*record, error) {
	var rec record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, account.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", name, err)
	}
	return &rec, nil
}

func (s *Store) Login(ctx context.Context, name, password string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	rec, err := s.get(name)
	if err != nil {
		return err
	}
	if rec.Password != password {
		return account.ErrBadCredentials
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name string) (*account.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l := s.locks.Get(name)
	l.Lock()

	rec, err := s.get(name)
	if err != nil {
		l.Unlock()
		return nil, err
	}

	return &account.Account{
		Name:       name,
		Password:   rec.Password,
		Priority:   rec.Priority,
		UsedBytes:  rec.UsedBytes,
		QuotaBytes: rec.QuotaBytes,
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

	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(userKey(name))
		if err != nil {
			return err
		}

		var rec record
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		}); err != nil {
			return err
		}

		rec.UsedBytes += delta
		if rec.UsedBytes < 0 {
			rec.UsedBytes = 0
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return txn.Set(userKey(name), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return account.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update usage for %q: %w", name, err)
	}
	return nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Close() error {
	return s.db.Close()
}
