// Package sqlite provides the SQLite-backed account store.
//
// Accounts persist across restarts in a single database file, accessed
// through database/sql with the pure-Go modernc.org/sqlite driver.
// Membership atomicity is delegated to the UNIQUE constraint on
// username; per-account serialization still uses the in-process lock
// table, since the lock guards storage operations, not rows.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/task"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	username TEXT UNIQUE NOT NULL,
	password TEXT NOT NULL,
	quota_bytes INTEGER NOT NULL DEFAULT 104857600,
	used_bytes INTEGER NOT NULL DEFAULT 0,
	priority INTEGER NOT NULL DEFAULT 1,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Store is a SQLite-backed account.Store.
type Store struct {
	db    *sql.DB
	locks *account.LockTable
	root  string
}

// New opens (creating if needed) the database at dbPath and ensures
// the storage root exists.
func New(root, dbPath string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create users table: %w", err)
	}

	return &Store{
		db:    db,
		locks: account.NewLockTable(),
		root:  root,
	}, nil
}

func (s *Store) Signup(ctx context.Context, name, password string, quotaBytes int64, class task.Priority) error {
	// INSERT OR IGNORE keeps check-and-insert atomic inside the
	// database; zero rows affected means the name was taken.
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (username, password, quota_bytes, priority) VALUES (?, ?, ?, ?)`,
		name, password, quotaBytes, int(class))
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if affected == 0 {
		return account.ErrExists
	}

	if err := os.MkdirAll(filepath.Join(s.root, name), 0755); err != nil {
		return fmt.Errorf("create namespace for %q: %w", name, err)
	}
	return nil
}

func (s *Store) Login(ctx context.Context, name, password string) error {
	var stored string
	err := s.db.QueryRowContext(ctx,
		`SELECT password FROM users WHERE username = ?`, name).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return account.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("query user: %w", err)
	}

	if stored != password {
		return account.ErrBadCredentials
	}
	return nil
}

func (s *Store) Acquire(ctx context.Context, name string) (*account.Account, error) {
	l := s.locks.Get(name)
	l.Lock()

	// Read under the account lock so the usage snapshot is current.
	var rec account.Account
	var prio int
	err := s.db.QueryRowContext(ctx,
		`SELECT username, password, quota_bytes, used_bytes, priority FROM users WHERE username = ?`,
		name).Scan(&rec.Name, &rec.Password, &rec.QuotaBytes, &rec.UsedBytes, &prio)
	if errors.Is(err, sql.ErrNoRows) {
		l.Unlock()
		return nil, account.ErrNotFound
	}
	if err != nil {
		l.Unlock()
		return nil, fmt.Errorf("query user: %w", err)
	}

	rec.Priority = task.Priority(prio)
	rec.Mu = l
	return &rec, nil
}

func (s *Store) Release(a *account.Account) {
	if a != nil && a.Mu != nil {
		a.Mu.Unlock()
	}
}

func (s *Store) UpdateUsage(ctx context.Context, name string, delta int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET used_bytes = MAX(0, used_bytes + ?) WHERE username = ?`,
		delta, name)
	if err != nil {
		return fmt.Errorf("update usage: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update usage: %w", err)
	}
	if affected == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) Close() error {
	return s.db.Close()
}
