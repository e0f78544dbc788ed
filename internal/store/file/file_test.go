package file

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashd/stashd/internal/codec"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	c, err := codec.NewXOR("test-key")
	require.NoError(t, err)

	s, err := New(t.TempDir(), t.TempDir(), c)
	require.NoError(t, err)
	return s
}

func stageUpload(t *testing.T, s *Store, content []byte) string {
	t.Helper()

	path := s.NewStagedPath()
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func TestStore_StoreAndStage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("important document contents")
	n, err := s.Store(ctx, "alice", "doc.txt", stageUpload(t, s, payload))
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	// Stored bytes must not be the plaintext.
	raw, err := os.ReadFile(filepath.Join(s.root, "alice", "doc.txt"))
	require.NoError(t, err)
	assert.NotEqual(t, payload, raw)

	staged, size, err := s.Stage(ctx, "alice", "doc.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), size)

	got, err := os.ReadFile(staged)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestStore_StoreRemovesStagedSource(t *testing.T) {
	s := newTestStore(t)

	src := stageUpload(t, s, []byte("body"))
	_, err := s.Store(context.Background(), "alice", "f", src)
	require.NoError(t, err)

	_, err = os.Stat(src)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore_SendTo(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("streamed straight to the connection")
	_, err := s.Store(ctx, "alice", "big.bin", stageUpload(t, s, payload))
	require.NoError(t, err)

	var out bytes.Buffer
	n, err := s.SendTo(ctx, "alice", "big.bin", &out)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)
	assert.Equal(t, payload, out.Bytes())
}

func TestStore_Delete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	payload := []byte("to be removed")
	_, err := s.Store(ctx, "alice", "f", stageUpload(t, s, payload))
	require.NoError(t, err)

	freed, err := s.Delete(ctx, "alice", "f")
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), freed)

	_, err = s.Delete(ctx, "alice", "f")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_StageMissingFile(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Stage(context.Background(), "alice", "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_InvalidNames(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, name := range []string{"", "..", "../etc/passwd", "/etc/passwd", "a/b"} {
		t.Run(fmt.Sprintf("%q", name), func(t *testing.T) {
			_, _, err := s.Stage(ctx, "alice", name)
			assert.ErrorIs(t, err, ErrInvalidName)
		})
	}
}

func TestStore_List(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	out, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, out)

	for _, name := range []string{"beta", "alpha", "gamma"} {
		_, err := s.Store(ctx, "alice", name, stageUpload(t, s, []byte("x")))
		require.NoError(t, err)
	}

	out, err = s.List(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alpha\nbeta\ngamma", out)
}

func TestStore_ListTruncates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 200 names of 40 characters each is well past the cap.
	for i := 0; i < 200; i++ {
		name := fmt.Sprintf("file-%03d-%s", i, strings.Repeat("x", 31))
		_, err := s.Store(ctx, "alice", name, stageUpload(t, s, []byte("x")))
		require.NoError(t, err)
	}

	out, err := s.List(ctx, "alice")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(out), ListLimit)

	// Truncation never splits a name.
	last := out[strings.LastIndexByte(out, '\n')+1:]
	assert.Len(t, last, 40)
}

func TestStore_Size(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Store(ctx, "alice", "f", stageUpload(t, s, []byte("12345")))
	require.NoError(t, err)

	size, err := s.Size("alice", "f")
	require.NoError(t, err)
	assert.Equal(t, int64(5), size)

	_, err = s.Size("alice", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
