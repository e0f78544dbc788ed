// Package session runs the client-facing side of the server: a fixed
// pool of goroutines consuming accepted connections from a queue, each
// driving one connection's request/response cycle at a time.
//
// A session registers a mailbox for its client, reads one command line
// at a time, submits the parsed task to the work queue and blocks on
// the mailbox with a deadline. A worker that misses the deadline finds
// no mailbox afterwards and its response is discarded.
package session

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/stashd/stashd/internal/logger"
	"github.com/stashd/stashd/internal/mailbox"
	"github.com/stashd/stashd/internal/metrics"
	"github.com/stashd/stashd/internal/queue"
	"github.com/stashd/stashd/internal/task"
)

// Conn is one accepted connection tagged with its client identity.
type Conn struct {
	ID uint64
	C  net.Conn
}

// Config carries the session pool's tunables.
type Config struct {
	// Threads is the pool size: the maximum number of concurrently
	// served connections.
	Threads int

	// ResponseTimeout bounds the mailbox wait for each request.
	ResponseTimeout time.Duration

	// OnSessionEnd, when set, is called once per connection after its
	// session has finished and the connection is closed. The server
	// uses it to drop the connection from its open-connection table.
	OnSessionEnd func(clientID uint64)
}

// Pool is the fixed-size session pool.
type Pool struct {
	cfg      Config
	conns    *queue.Queue[*Conn]
	tasks    *queue.Queue[*task.Task]
	registry *mailbox.Registry
	metrics  metrics.ServerMetrics

	mu     sync.Mutex
	active int

	wg sync.WaitGroup
}

// NewPool wires a pool; Start launches the session goroutines.
func NewPool(cfg Config, conns *queue.Queue[*Conn], tasks *queue.Queue[*task.Task],
	registry *mailbox.Registry, m metrics.ServerMetrics) *Pool {
	return &Pool{
		cfg:      cfg,
		conns:    conns,
		tasks:    tasks,
		registry: registry,
		metrics:  m,
	}
}

// Start launches the pool. Goroutines exit when the connection queue
// is closed and drained; Wait joins them.
func (p *Pool) Start() {
	for i := 0; i < p.cfg.Threads; i++ {
		p.wg.Add(1)
		go p.run(i)
	}
	logger.Info("session pool started with %d threads", p.cfg.Threads)
}

// Wait blocks until every session goroutine has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(id int) {
	defer p.wg.Done()

	for {
		c, ok := p.conns.Pop()
		if !ok {
			logger.Debug("session thread %d: connection queue closed, exiting", id)
			return
		}
		p.serve(c)
	}
}

func (p *Pool) trackSession(delta int) {
	p.mu.Lock()
	p.active += delta
	n := p.active
	p.mu.Unlock()
	p.metrics.SetActiveSessions(n)
}

// serve drives one connection until QUIT, EOF or shutdown.
func (p *Pool) serve(c *Conn) {
	if p.cfg.OnSessionEnd != nil {
		defer p.cfg.OnSessionEnd(c.ID)
	}
	defer c.C.Close()

	box, err := p.registry.Register(c.ID)
	if err != nil {
		logger.Error("client %d: register mailbox: %v", c.ID, err)
		return
	}
	defer p.registry.Deregister(c.ID)

	p.trackSession(1)
	defer p.trackSession(-1)

	logger.Debug("client %d: session started (%s)", c.ID, c.C.RemoteAddr())

	scanner := bufio.NewScanner(c.C)
	for scanner.Scan() {
		t, err := parseLine(scanner.Text())
		if errors.Is(err, ErrQuit) {
			p.writeLine(c, task.StatusOK, "bye")
			return
		}
		if err != nil {
			p.writeLine(c, task.StatusErr, err.Error())
			continue
		}

		if !p.handle(c, box, t) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debug("client %d: read error: %v", c.ID, err)
	}
	logger.Debug("client %d: session ended", c.ID)
}

// handle submits one task and relays its response. Returns false when
// the session must end.
func (p *Pool) handle(c *Conn, box *mailbox.Mailbox, t *task.Task) bool {
	t.ClientID = c.ID
	t.Conn = c.C
	t.EnqueuedAt = time.Now()

	if !p.tasks.Push(t) {
		p.writeLine(c, task.StatusErr, "server shutting down")
		return false
	}
	p.metrics.SetQueueDepth(p.tasks.Len())

	resp, err := box.Wait(p.cfg.ResponseTimeout)
	switch {
	case errors.Is(err, mailbox.ErrTimeout):
		// The worker may still be running. The session ends here so
		// its deferred deregistration makes the eventual late
		// response a guaranteed discard; a fresh mailbox for the
		// same client could swallow it as the next request's answer.
		p.metrics.RecordTimeout(t.Kind.String())
		logger.Warn("client %d: %s timed out after %s", c.ID, t.Kind, p.cfg.ResponseTimeout)
		p.writeLine(c, task.StatusErr, "request timed out")
		return false
	case err != nil:
		logger.Debug("client %d: mailbox closed, ending session", c.ID)
		return false
	}

	if resp.Sent {
		// Worker wrote the framing and bulk payload itself.
		return true
	}
	return p.writeLine(c, resp.Status, resp.Message)
}

// writeLine emits one "OK ..."/"ERR ..." response line. Returns false
// when the connection is no longer writable.
func (p *Pool) writeLine(c *Conn, status task.Status, message string) bool {
	var err error
	if message == "" {
		_, err = fmt.Fprintf(c.C, "%s\n", status)
	} else {
		_, err = fmt.Fprintf(c.C, "%s %s\n", status, message)
	}
	if err != nil {
		logger.Debug("client %d: write failed: %v", c.ID, err)
		return false
	}
	return true
}
