// Package server assembles the full pipeline: TCP listener, accepted
// connection queue, session pool, shared work queue, worker pool and
// the response registry, plus the shutdown choreography tying them
// together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stashd/stashd/internal/dispatch"
	"github.com/stashd/stashd/internal/logger"
	"github.com/stashd/stashd/internal/mailbox"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/queue"
	"github.com/stashd/stashd/internal/ratelimiter"
	"github.com/stashd/stashd/internal/session"
	"github.com/stashd/stashd/internal/store/account"
	"github.com/stashd/stashd/internal/store/file"
	"github.com/stashd/stashd/internal/task"
)

// Config carries the assembled server's tunables.
type Config struct {
	// Listen is the TCP address, e.g. ":9090".
	Listen string

	// SessionThreads is the session pool size.
	SessionThreads int

	// Workers is the dispatcher pool size.
	Workers int

	// ResponseTimeout bounds each request's mailbox wait.
	ResponseTimeout time.Duration

	// ShutdownTimeout bounds the graceful drain before remaining
	// connections are force-closed.
	ShutdownTimeout time.Duration

	// LargeFileThreshold gates uploads from sub-High accounts.
	LargeFileThreshold int64

	// DefaultQuotaBytes is assigned to new accounts.
	DefaultQuotaBytes int64

	// AcceptRate and AcceptBurst throttle connection admission.
	// A zero rate disables throttling.
	AcceptRate  uint
	AcceptBurst uint
}

// Server is one assembled instance.
type Server struct {
	cfg Config

	listenerMu sync.Mutex
	listener   net.Listener

	conns    *queue.Queue[*session.Conn]
	tasks    *queue.Queue[*task.Task]
	registry *mailbox.Registry
	sessions *session.Pool
	workers  *dispatch.Dispatcher
	limiter  *ratelimiter.RateLimiter

	nextID atomic.Uint64

	mu   sync.Mutex
	open map[uint64]net.Conn
}

// New wires the pipeline. Serve starts it.
func New(cfg Config, accounts account.Store, files *file.Store, m metrics.ServerMetrics) *Server {
	s := &Server{
		cfg:      cfg,
		conns:    queue.New[*session.Conn](nil),
		tasks:    queue.New(task.Less),
		registry: mailbox.NewRegistry(),
		limiter:  ratelimiter.New(cfg.AcceptRate, cfg.AcceptBurst),
		open:     make(map[uint64]net.Conn),
	}

	s.sessions = session.NewPool(session.Config{
		Threads:         cfg.SessionThreads,
		ResponseTimeout: cfg.ResponseTimeout,
		OnSessionEnd:    s.untrack,
	}, s.conns, s.tasks, s.registry, m)

	s.workers = dispatch.New(dispatch.Config{
		Workers:            cfg.Workers,
		DefaultQuotaBytes:  cfg.DefaultQuotaBytes,
		LargeFileThreshold: cfg.LargeFileThreshold,
	}, s.tasks, s.registry, accounts, files, m)

	return s
}

// Addr returns the bound listen address, or nil before Serve has
// bound the listener.
func (s *Server) Addr() net.Addr {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve listens, starts both pools and accepts connections until ctx
// is cancelled or Stop is called, then drains the pipeline.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to start listener: %w", err)
	}

	s.listenerMu.Lock()
	s.listener = listener
	s.listenerMu.Unlock()

	s.workers.Start(ctx)
	s.sessions.Start()

	logger.Info("server listening on %s", listener.Addr())

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		if err := s.limiter.Wait(ctx); err != nil {
			break
		}

		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					logger.Debug("accept error: %v", err)
					continue
				}
			}
			break
		}

		id := s.nextID.Add(1)
		s.track(id, conn)

		if !s.conns.Push(&session.Conn{ID: id, C: conn}) {
			conn.Close()
			s.untrack(id)
			break
		}
	}

	s.shutdown()
	return nil
}

// Stop closes the listener, unblocking Serve's accept loop and
// triggering the same drain as context cancellation.
func (s *Server) Stop() error {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// track and untrack maintain the open-connection table used by the
// shutdown force-close. An entry lives from accept until its session
// ends; untrack keeps the table from accumulating dead connections.
func (s *Server) track(id uint64, conn net.Conn) {
	s.mu.Lock()
	s.open[id] = conn
	s.mu.Unlock()
}

func (s *Server) untrack(id uint64) {
	s.mu.Lock()
	delete(s.open, id)
	s.mu.Unlock()
}

func (s *Server) openConns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

// shutdown drains the pipeline in dependency order: no new
// connections (listener is already closed), then no new sessions,
// then no new tasks. Sessions mid-request finish their exchange;
// sessions blocked on an idle client are force-closed after the
// grace period.
func (s *Server) shutdown() {
	logger.Info("server shutting down")

	s.conns.Close()
	s.tasks.Close()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		s.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		logger.Warn("graceful drain exceeded %s, force-closing remaining connections",
			s.cfg.ShutdownTimeout)
		s.closeOpenConns()
		<-done
	}

	s.registry.Close()
	logger.Info("server stopped")
}

func (s *Server) closeOpenConns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.open {
		conn.Close()
	}
}
