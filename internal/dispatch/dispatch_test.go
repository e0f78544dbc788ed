package dispatch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stashd/stashd/internal/codec"
	"github.com/stashd/stashd/internal/mailbox"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/queue"
	"github.com/stashd/stashd/internal/store/account/memory"
	"github.com/stashd/stashd/internal/store/file"
	"github.com/stashd/stashd/internal/task"
)

const waitTimeout = 5 * time.Second

type fixture struct {
	tasks    *queue.Queue[*task.Task]
	registry *mailbox.Registry
	files    *file.Store
	d        *Dispatcher
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()

	if cfg.Workers == 0 {
		cfg.Workers = 2
	}
	if cfg.DefaultQuotaBytes == 0 {
		cfg.DefaultQuotaBytes = 1 << 20
	}
	if cfg.LargeFileThreshold == 0 {
		cfg.LargeFileThreshold = 10 << 20
	}

	accounts, err := memory.New(t.TempDir())
	require.NoError(t, err)

	c, err := codec.NewXOR("test-key")
	require.NoError(t, err)

	files, err := file.New(accounts.Root(), t.TempDir(), c)
	require.NoError(t, err)

	f := &fixture{
		tasks:    queue.New(task.Less),
		registry: mailbox.NewRegistry(),
		files:    files,
	}
	f.d = New(cfg, f.tasks, f.registry, accounts, files, metrics.NewServerMetrics())
	f.d.Start(context.Background())

	t.Cleanup(func() {
		f.tasks.Close()
		f.d.Wait()
		accounts.Close()
	})
	return f
}

// submit registers a mailbox for the task's client, pushes the task
// and waits for the response.
func (f *fixture) submit(t *testing.T, tk *task.Task) *task.Response {
	t.Helper()

	box, err := f.registry.Register(tk.ClientID)
	require.NoError(t, err)
	defer f.registry.Deregister(tk.ClientID)

	tk.EnqueuedAt = time.Now()
	require.True(t, f.tasks.Push(tk))

	resp, err := box.Wait(waitTimeout)
	require.NoError(t, err)
	return resp
}

func (f *fixture) stage(t *testing.T, content []byte) string {
	t.Helper()

	path := f.files.NewStagedPath()
	require.NoError(t, os.WriteFile(path, content, 0644))
	return path
}

func (f *fixture) signup(t *testing.T, user, password string, class task.Priority) {
	t.Helper()

	resp := f.submit(t, &task.Task{
		Kind: task.KindSignup, ClientID: 1,
		Username: user, Password: password, Priority: class,
	})
	require.Equal(t, task.StatusOK, resp.Status)
}

func TestDispatcher_SignupAndLogin(t *testing.T) {
	f := newFixture(t, Config{})

	resp := f.submit(t, &task.Task{
		Kind: task.KindSignup, ClientID: 1,
		Username: "alice", Password: "secret", Priority: task.PriorityNormal,
	})
	assert.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "signed_up", resp.Message)

	resp = f.submit(t, &task.Task{
		Kind: task.KindSignup, ClientID: 1,
		Username: "alice", Password: "other", Priority: task.PriorityNormal,
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "user already exists", resp.Message)

	resp = f.submit(t, &task.Task{
		Kind: task.KindLogin, ClientID: 1, Username: "alice", Password: "wrong",
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "wrong password", resp.Message)

	resp = f.submit(t, &task.Task{
		Kind: task.KindLogin, ClientID: 1, Username: "ghost", Password: "x",
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "no such user", resp.Message)

	resp = f.submit(t, &task.Task{
		Kind: task.KindLogin, ClientID: 1, Username: "alice", Password: "secret",
	})
	assert.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "logged_in", resp.Message)
}

func TestDispatcher_UploadListDelete(t *testing.T) {
	f := newFixture(t, Config{})
	f.signup(t, "alice", "pw", task.PriorityNormal)

	payload := []byte("hello")
	resp := f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "alice",
		Path: "notes.txt", Size: int64(len(payload)),
		StagedRef: f.stage(t, payload),
	})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "uploaded", resp.Message)
	assert.Equal(t, int64(len(payload)), resp.Size)

	resp = f.submit(t, &task.Task{Kind: task.KindList, ClientID: 1, Username: "alice"})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "notes.txt", resp.Message)

	resp = f.submit(t, &task.Task{
		Kind: task.KindDelete, ClientID: 1, Username: "alice", Path: "notes.txt",
	})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.Equal(t, "deleted", resp.Message)

	resp = f.submit(t, &task.Task{Kind: task.KindList, ClientID: 1, Username: "alice"})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.Empty(t, resp.Message)
}

func TestDispatcher_LargeUploadGate(t *testing.T) {
	f := newFixture(t, Config{LargeFileThreshold: 10, DefaultQuotaBytes: 1 << 20})
	f.signup(t, "norm", "pw", task.PriorityNormal)
	f.signup(t, "vip", "pw", task.PriorityHigh)

	payload := []byte("twenty bytes exactly")

	// Declared size above the threshold from a Normal account is
	// rejected before any storage I/O; the staged body is removed.
	staged := f.stage(t, payload)
	resp := f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "norm",
		Path: "big.bin", Size: int64(len(payload)), StagedRef: staged,
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "file too large for account class", resp.Message)

	_, err := os.Stat(staged)
	assert.ErrorIs(t, err, os.ErrNotExist)

	resp = f.submit(t, &task.Task{Kind: task.KindList, ClientID: 1, Username: "norm"})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.Empty(t, resp.Message)

	// The same upload from a High account goes through.
	resp = f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "vip",
		Path: "big.bin", Size: int64(len(payload)), StagedRef: f.stage(t, payload),
	})
	assert.Equal(t, task.StatusOK, resp.Status)
}

func TestDispatcher_QuotaExceeded(t *testing.T) {
	f := newFixture(t, Config{DefaultQuotaBytes: 8})
	f.signup(t, "alice", "pw", task.PriorityNormal)

	resp := f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "alice",
		Path: "a", Size: 6, StagedRef: f.stage(t, []byte("sixbyt")),
	})
	require.Equal(t, task.StatusOK, resp.Status)

	resp = f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "alice",
		Path: "b", Size: 6, StagedRef: f.stage(t, []byte("sixbyt")),
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "quota exceeded", resp.Message)

	// Deleting frees quota for the retry.
	resp = f.submit(t, &task.Task{
		Kind: task.KindDelete, ClientID: 1, Username: "alice", Path: "a",
	})
	require.Equal(t, task.StatusOK, resp.Status)

	resp = f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "alice",
		Path: "b", Size: 6, StagedRef: f.stage(t, []byte("sixbyt")),
	})
	assert.Equal(t, task.StatusOK, resp.Status)
}

func TestDispatcher_DownloadStaged(t *testing.T) {
	f := newFixture(t, Config{})
	f.signup(t, "alice", "pw", task.PriorityNormal)

	payload := []byte("document body")
	resp := f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "alice",
		Path: "doc", Size: int64(len(payload)), StagedRef: f.stage(t, payload),
	})
	require.Equal(t, task.StatusOK, resp.Status)

	resp = f.submit(t, &task.Task{
		Kind: task.KindDownload, ClientID: 1, Username: "alice", Path: "doc",
	})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.False(t, resp.Sent)
	assert.Equal(t, int64(len(payload)), resp.Size)

	// The message is a staged path holding the decoded bytes.
	got, err := os.ReadFile(resp.Message)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDispatcher_DownloadInline(t *testing.T) {
	f := newFixture(t, Config{})
	f.signup(t, "vip", "pw", task.PriorityHigh)

	payload := []byte("inline payload bytes")
	resp := f.submit(t, &task.Task{
		Kind: task.KindUpload, ClientID: 1, Username: "vip",
		Path: "fast.bin", Size: int64(len(payload)), StagedRef: f.stage(t, payload),
	})
	require.Equal(t, task.StatusOK, resp.Status)

	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	type wire struct {
		frame  string
		header string
		body   []byte
		err    error
	}
	got := make(chan wire, 1)
	go func() {
		r := bufio.NewReader(client)
		var w wire
		w.frame, w.err = r.ReadString('\n')
		if w.err == nil {
			w.header, w.err = r.ReadString('\n')
		}
		if w.err == nil {
			w.body = make([]byte, len(payload))
			_, w.err = io.ReadFull(r, w.body)
		}
		got <- w
	}()

	resp = f.submit(t, &task.Task{
		Kind: task.KindDownload, ClientID: 1, Username: "vip",
		Path: "fast.bin", Conn: server,
	})
	require.Equal(t, task.StatusOK, resp.Status)
	assert.True(t, resp.Sent, "worker writes the framing itself")

	select {
	case w := <-got:
		require.NoError(t, w.err)
		assert.Equal(t, "OK fast.bin\n", w.frame)
		assert.Equal(t, fmt.Sprintf("FILE_DATA fast.bin %d\n", len(payload)), w.header)
		assert.Equal(t, payload, w.body)
	case <-time.After(waitTimeout):
		t.Fatal("inline download never arrived")
	}
}

func TestDispatcher_DownloadMissingFile(t *testing.T) {
	f := newFixture(t, Config{})
	f.signup(t, "alice", "pw", task.PriorityNormal)

	resp := f.submit(t, &task.Task{
		Kind: task.KindDownload, ClientID: 1, Username: "alice", Path: "nope",
	})
	assert.Equal(t, task.StatusErr, resp.Status)
	assert.Equal(t, "no such file", resp.Message)
}

func TestDispatcher_UnknownUser(t *testing.T) {
	f := newFixture(t, Config{})

	for _, kind := range []task.Kind{task.KindUpload, task.KindDownload, task.KindDelete, task.KindList} {
		t.Run(kind.String(), func(t *testing.T) {
			resp := f.submit(t, &task.Task{
				Kind: kind, ClientID: 1, Username: "ghost", Path: "f",
			})
			assert.Equal(t, task.StatusErr, resp.Status)
			assert.Equal(t, "no such user", resp.Message)
		})
	}
}

func TestDispatcher_ResponseForGoneClientIsDiscarded(t *testing.T) {
	f := newFixture(t, Config{})

	// No mailbox registered for client 99: the worker must complete
	// the task and drop the response without blocking.
	require.True(t, f.tasks.Push(&task.Task{
		Kind: task.KindSignup, ClientID: 99,
		Username: "orphan", Password: "pw", Priority: task.PriorityNormal,
		EnqueuedAt: time.Now(),
	}))

	// The side effect still happened once the queue drains.
	deadline := time.Now().Add(waitTimeout)
	for f.tasks.Len() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	resp := f.submit(t, &task.Task{
		Kind: task.KindLogin, ClientID: 1, Username: "orphan", Password: "pw",
	})
	assert.Equal(t, task.StatusOK, resp.Status)
}

func TestDispatcher_WorkersExitOnClose(t *testing.T) {
	f := newFixture(t, Config{Workers: 4})

	f.tasks.Close()

	done := make(chan struct{})
	go func() {
		f.d.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("workers did not exit after queue close")
	}
}
