// Package dispatch runs the worker pool consuming the shared task
// queue. Each worker pops tasks until the queue is closed and drained,
// executes them against the account and file stores, and routes the
// result to the requesting client's mailbox.
//
// Store failures never kill a worker: every error becomes an Err
// response at the task boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/stashd/stashd/internal/logger"
	"github.com/stashd/stashd/internal/mailbox"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/queue"
	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/store/file"
	"github.com/stashd/stashd/internal/task"
)

// Config carries the dispatcher's tunables.
type Config struct {
	// Workers is the pool size.
	Workers int

	// DefaultQuotaBytes is assigned to accounts at signup.
	DefaultQuotaBytes int64

	// LargeFileThreshold gates uploads: declared sizes above it are
	// rejected for accounts below the High priority class.
	LargeFileThreshold int64
}

// Dispatcher owns the worker pool.
type Dispatcher struct {
	cfg      Config
	tasks    *queue.Queue[*task.Task]
	registry *mailbox.Registry
	accounts account.Store
	files    *file.Store
	metrics  metrics.ServerMetrics

	wg sync.WaitGroup
}

// New wires a dispatcher; Start launches the workers.
func New(cfg Config, tasks *queue.Queue[*task.Task], registry *mailbox.Registry,
	accounts account.Store, files *file.Store, m metrics.ServerMetrics) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		tasks:    tasks,
		registry: registry,
		accounts: accounts,
		files:    files,
		metrics:  m,
	}
}

// Start launches the worker goroutines. They exit when the task queue
// is closed and drained; Wait joins them.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.run(ctx, i)
	}
	logger.Info("dispatcher started with %d workers", d.cfg.Workers)
}

// Wait blocks until every worker has exited.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) run(ctx context.Context, id int) {
	defer d.wg.Done()

	for {
		t, ok := d.tasks.Pop()
		if !ok {
			logger.Debug("worker %d: task queue closed, exiting", id)
			return
		}
		d.metrics.SetQueueDepth(d.tasks.Len())

		resp, err := d.execute(ctx, t)
		d.metrics.RecordRequest(t.Kind.String(), err, time.Since(t.EnqueuedAt))

		if resp == nil {
			// Handler routed (or abandoned) the response itself.
			continue
		}
		if !d.registry.Deliver(resp) {
			logger.Debug("worker %d: client %d gone, response for %s discarded",
				id, t.ClientID, t.Kind)
		}
	}
}

// execute runs one task. The returned response still needs mailbox
// delivery; a nil response means the handler already took care of it.
func (d *Dispatcher) execute(ctx context.Context, t *task.Task) (*task.Response, error) {
	switch t.Kind {
	case task.KindSignup:
		return d.signup(ctx, t)
	case task.KindLogin:
		return d.login(ctx, t)
	case task.KindUpload:
		return d.upload(ctx, t)
	case task.KindDownload:
		return d.download(ctx, t)
	case task.KindDelete:
		return d.delete(ctx, t)
	case task.KindList:
		return d.list(ctx, t)
	default:
		err := fmt.Errorf("unknown task kind %d", t.Kind)
		return task.Err(t.ClientID, "unknown command"), err
	}
}

func (d *Dispatcher) signup(ctx context.Context, t *task.Task) (*task.Response, error) {
	err := d.accounts.Signup(ctx, t.Username, t.Password, d.cfg.DefaultQuotaBytes, t.Priority)
	if errors.Is(err, account.ErrExists) {
		return task.Err(t.ClientID, "user already exists"), err
	}
	if err != nil {
		logger.Error("signup %q failed: %v", t.Username, err)
		return task.Err(t.ClientID, "signup failed"), err
	}

	logger.Info("user %q signed up (class %s)", t.Username, t.Priority)
	return task.OK(t.ClientID, "signed_up"), nil
}

func (d *Dispatcher) login(ctx context.Context, t *task.Task) (*task.Response, error) {
	err := d.accounts.Login(ctx, t.Username, t.Password)
	switch {
	case errors.Is(err, account.ErrNotFound):
		return task.Err(t.ClientID, "no such user"), err
	case errors.Is(err, account.ErrBadCredentials):
		return task.Err(t.ClientID, "wrong password"), err
	case err != nil:
		logger.Error("login %q failed: %v", t.Username, err)
		return task.Err(t.ClientID, "login failed"), err
	}
	return task.OK(t.ClientID, "logged_in"), nil
}

func (d *Dispatcher) upload(ctx context.Context, t *task.Task) (*task.Response, error) {
	a, err := d.accounts.Acquire(ctx, t.Username)
	if err != nil {
		os.Remove(t.StagedRef)
		return d.accountErr(t, err), err
	}
	defer d.accounts.Release(a)

	// Admission gates run on the declared size, before any storage
	// I/O. The staged body is discarded either way.
	if t.Size > d.cfg.LargeFileThreshold && a.Priority < task.PriorityHigh {
		os.Remove(t.StagedRef)
		return task.Err(t.ClientID, "file too large for account class"), nil
	}
	if a.UsedBytes+t.Size > a.QuotaBytes {
		os.Remove(t.StagedRef)
		return task.Err(t.ClientID, "quota exceeded"), nil
	}

	n, err := d.files.Store(ctx, t.Username, t.Path, t.StagedRef)
	if err != nil {
		logger.Error("upload %q for %q failed: %v", t.Path, t.Username, err)
		return task.Err(t.ClientID, "upload failed"), err
	}

	if err := d.accounts.UpdateUsage(ctx, t.Username, n); err != nil {
		logger.Error("usage update for %q failed: %v", t.Username, err)
	}
	d.metrics.RecordBytesStored(n)

	resp := task.OK(t.ClientID, "uploaded")
	resp.Size = n
	return resp, nil
}

func (d *Dispatcher) download(ctx context.Context, t *task.Task) (*task.Response, error) {
	a, err := d.accounts.Acquire(ctx, t.Username)
	if err != nil {
		return d.accountErr(t, err), err
	}

	staged, n, err := d.files.Stage(ctx, t.Username, t.Path)
	if err != nil {
		d.accounts.Release(a)
		return d.fileErr(t, err), err
	}

	privileged := a.Priority >= task.PriorityHigh

	// The account lock never outlives the resolution step: a slow
	// client connection must not stall other operations on the
	// same account.
	d.accounts.Release(a)

	if !privileged {
		resp := task.OK(t.ClientID, staged)
		resp.Size = n
		return resp, nil
	}

	d.sendInline(t, staged, n)
	return nil, nil
}

// sendInline writes the framing line and the bulk payload for a
// high-priority download directly on the client's connection, then
// parks a Sent-marked response in the mailbox so the session's
// request/response cycle stays balanced. Delivery happens first: if
// the client is already gone there is nothing to write to.
func (d *Dispatcher) sendInline(t *task.Task, staged string, size int64) {
	defer os.Remove(staged)

	resp := task.OK(t.ClientID, t.Path)
	resp.Size = size
	resp.Sent = true
	if !d.registry.Deliver(resp) {
		logger.Debug("client %d gone before inline send of %q", t.ClientID, t.Path)
		return
	}

	src, err := os.Open(staged)
	if err != nil {
		logger.Error("inline send of %q for %q: %v", t.Path, t.Username, err)
		return
	}
	defer src.Close()

	if _, err := fmt.Fprintf(t.Conn, "OK %s\nFILE_DATA %s %d\n", t.Path, t.Path, size); err != nil {
		logger.Debug("inline send to client %d aborted: %v", t.ClientID, err)
		return
	}
	if _, err := io.Copy(t.Conn, src); err != nil {
		logger.Debug("inline send to client %d aborted: %v", t.ClientID, err)
	}
}

func (d *Dispatcher) delete(ctx context.Context, t *task.Task) (*task.Response, error) {
	a, err := d.accounts.Acquire(ctx, t.Username)
	if err != nil {
		return d.accountErr(t, err), err
	}
	defer d.accounts.Release(a)

	freed, err := d.files.Delete(ctx, t.Username, t.Path)
	if err != nil {
		return d.fileErr(t, err), err
	}

	if err := d.accounts.UpdateUsage(ctx, t.Username, -freed); err != nil {
		logger.Error("usage update for %q failed: %v", t.Username, err)
	}
	d.metrics.RecordBytesStored(-freed)

	return task.OK(t.ClientID, "deleted"), nil
}

func (d *Dispatcher) list(ctx context.Context, t *task.Task) (*task.Response, error) {
	a, err := d.accounts.Acquire(ctx, t.Username)
	if err != nil {
		return d.accountErr(t, err), err
	}
	defer d.accounts.Release(a)

	listing, err := d.files.List(ctx, t.Username)
	if err != nil {
		logger.Error("list for %q failed: %v", t.Username, err)
		return task.Err(t.ClientID, "list failed"), err
	}
	return task.OK(t.ClientID, listing), nil
}

func (d *Dispatcher) accountErr(t *task.Task, err error) *task.Response {
	if errors.Is(err, account.ErrNotFound) {
		return task.Err(t.ClientID, "no such user")
	}
	logger.Error("%s for %q: account store error: %v", t.Kind, t.Username, err)
	return task.Err(t.ClientID, "internal error")
}

func (d *Dispatcher) fileErr(t *task.Task, err error) *task.Response {
	switch {
	case errors.Is(err, file.ErrNotFound):
		return task.Err(t.ClientID, "no such file")
	case errors.Is(err, file.ErrInvalidName):
		return task.Err(t.ClientID, "invalid file name")
	default:
		logger.Error("%s %q for %q: file store error: %v", t.Kind, t.Path, t.Username, err)
		return task.Err(t.ClientID, "internal error")
	}
}
