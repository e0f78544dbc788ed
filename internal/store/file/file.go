// Package file implements per-user file storage on the local
// filesystem. Contents are stored transformed through the configured
// codec; download paths stream them back through the decoder.
//
// Every operation takes the owning username and resolves paths under
// root/<user>/; names that would escape the namespace are rejected
// before touching the disk.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/stashd/stashd/internal/codec"
	"github.com/stashd/stashd/internal/logger"
)

// ListLimit caps the byte length of a LIST response body. Longer
// listings are cut at the last whole name that fits.
const ListLimit = 4096

var (
	// ErrNotFound is returned when the named file does not exist in
	// the user's namespace.
	ErrNotFound = errors.New("file: not found")

	// ErrInvalidName is returned for names that are empty or would
	// resolve outside the user's namespace.
	ErrInvalidName = errors.New("file: invalid name")
)

// Store reads and writes user files under a common root.
type Store struct {
	root    string
	staging string
	codec   codec.Codec
}

// New creates a store over root, staging downloads under stagingDir.
func New(root, stagingDir string, c codec.Codec) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	if err := os.MkdirAll(stagingDir, 0755); err != nil {
		return nil, fmt.Errorf("create staging dir: %w", err)
	}

	return &Store{root: root, staging: stagingDir, codec: c}, nil
}

// resolve maps (user, name) to a path inside the user's namespace.
func (s *Store) resolve(user, name string) (string, error) {
	if name == "" {
		return "", ErrInvalidName
	}

	clean := filepath.Clean(name)
	if clean == "." || clean == ".." ||
		strings.HasPrefix(clean, "../") || filepath.IsAbs(clean) ||
		strings.ContainsRune(clean, filepath.Separator) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return filepath.Join(s.root, user, clean), nil
}

// Store encodes the staged upload at srcPath into the user's
// namespace under name and removes the staged copy. A partial
// destination file is removed on failure. Returns the stored size.
func (s *Store) Store(ctx context.Context, user, name, srcPath string) (int64, error) {
	defer os.Remove(srcPath)

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	dst, err := s.resolve(user, name)
	if err != nil {
		return 0, err
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return 0, fmt.Errorf("open staged upload: %w", err)
	}
	defer src.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", name, err)
	}

	n, err := io.Copy(s.codec.Encoder(out), src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(dst)
		return 0, fmt.Errorf("store %q: %w", name, err)
	}

	logger.Debug("stored %q for user %q (%d bytes)", name, user, n)
	return n, nil
}

// Stage decodes the user's file into a uniquely named file under the
// staging directory and returns its path and decoded size. The caller
// owns the staged file and removes it after sending.
func (s *Store) Stage(ctx context.Context, user, name string) (string, int64, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}

	src, err := s.open(user, name)
	if err != nil {
		return "", 0, err
	}
	defer src.Close()

	staged := filepath.Join(s.staging, uuid.NewString())
	out, err := os.Create(staged)
	if err != nil {
		return "", 0, fmt.Errorf("create staged download: %w", err)
	}

	n, err := io.Copy(out, s.codec.Decoder(src))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staged)
		return "", 0, fmt.Errorf("stage %q: %w", name, err)
	}
	return staged, n, nil
}

// SendTo streams the decoded file contents directly to w. Returns the
// number of decoded bytes written.
func (s *Store) SendTo(ctx context.Context, user, name string, w io.Writer) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	src, err := s.open(user, name)
	if err != nil {
		return 0, err
	}
	defer src.Close()

	n, err := io.Copy(w, s.codec.Decoder(src))
	if err != nil {
		return n, fmt.Errorf("send %q: %w", name, err)
	}
	return n, nil
}

// Size returns the stored (encoded) size of the user's file. The XOR
// transform is length-preserving, so this equals the decoded size.
func (s *Store) Size(user, name string) (int64, error) {
	path, err := s.resolve(user, name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", name, err)
	}
	return info.Size(), nil
}

// Delete removes the user's file and returns the freed size.
func (s *Store) Delete(ctx context.Context, user, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	path, err := s.resolve(user, name)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return 0, fmt.Errorf("stat %q: %w", name, err)
	}

	if err := os.Remove(path); err != nil {
		return 0, fmt.Errorf("delete %q: %w", name, err)
	}

	logger.Debug("deleted %q for user %q (%d bytes)", name, user, info.Size())
	return info.Size(), nil
}

// List returns the user's file names, one per line in sorted order.
// The result is silently truncated at the last whole name that keeps
// it within ListLimit bytes.
func (s *Store) List(ctx context.Context, user string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	entries, err := os.ReadDir(filepath.Join(s.root, user))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("list for %q: %w", user, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		line := len(name)
		if b.Len() > 0 {
			line++
		}
		if b.Len()+line > ListLimit {
			break
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(name)
	}
	return b.String(), nil
}

func (s *Store) open(user, name string) (*os.File, error) {
	path, err := s.resolve(user, name)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	return f, nil
}

// StagingDir returns the directory uploads and downloads are staged
// in; sessions write incoming upload bodies there.
func (s *Store) StagingDir() string {
	return s.staging
}

// NewStagedPath returns a fresh unique path under the staging
// directory for an incoming upload body.
func (s *Store) NewStagedPath() string {
	return filepath.Join(s.staging, uuid.NewString())
}
