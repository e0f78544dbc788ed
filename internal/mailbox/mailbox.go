// Package mailbox routes completed task results back to the one session
// goroutine waiting for them.
//
// Each live client owns a Mailbox: a priority queue of responses plus a
// dedicated wakeup path supporting "wait for at least one item with a
// hard deadline", which is distinct from the queue's own blocking pop
// used elsewhere. The Registry maps client ids to mailboxes and
// guarantees that deregistration races safely against in-flight
// deliveries.
package mailbox

import (
	"errors"
	"sync"
	"time"

	"github.com/stashd/stashd/internal/queue"
	"github.com/stashd/stashd/internal/task"
)

var (
	// ErrTimeout is returned by Wait when no response arrived before
	// the deadline.
	ErrTimeout = errors.New("mailbox: wait timed out")

	// ErrClosed is returned by Wait when the mailbox was closed (the
	// owning session deregistered) with nothing left to pop.
	ErrClosed = errors.New("mailbox: closed")
)

// Mailbox is a single-consumer queue of responses for one client.
type Mailbox struct {
	clientID uint64
	q        *queue.Queue[*task.Response]

	// wake carries at most one pending delivery signal; done is
	// closed exactly once when the mailbox is retired.
	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newMailbox(clientID uint64) *Mailbox {
	return &Mailbox{
		clientID: clientID,
		q:        queue.New[*task.Response](nil),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// ClientID returns the owning client's identifier.
func (m *Mailbox) ClientID() uint64 {
	return m.clientID
}

// Deliver places a response into the mailbox and wakes the waiter.
//
// Returns false when the mailbox is already closed; the response is
// discarded in that case. This is the expected outcome when a client
// disconnects or times out between submitting a task and the worker
// finishing it, not an error.
func (m *Mailbox) Deliver(r *task.Response) bool {
	if !m.q.Push(r) {
		return false
	}

	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

// Wait blocks until a response is available, the deadline expires, or
// the mailbox is closed.
//
// Spurious wakeups are absorbed by re-checking the queue before every
// verdict, so an early wake never produces a false timeout.
func (m *Mailbox) Wait(timeout time.Duration) (*task.Response, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if r, ok := m.q.TryPop(); ok {
			return r, nil
		}

		select {
		case <-m.wake:
		case <-m.done:
			// A delivery may have slipped in just before close.
			if r, ok := m.q.TryPop(); ok {
				return r, nil
			}
			return nil, ErrClosed
		case <-timer.C:
			if r, ok := m.q.TryPop(); ok {
				return r, nil
			}
			return nil, ErrTimeout
		}
	}
}

// close retires the mailbox: further deliveries fail and any blocked
// waiter wakes. Pending responses are dropped with the mailbox.
func (m *Mailbox) close() {
	m.closeOnce.Do(func() {
		m.q.Close()
		close(m.done)
	})
}

// Registry is the concurrency-safe association clientID → Mailbox.
//
// A mailbox is reachable through the registry exactly while its owning
// session may still await a response: it is registered when the session
// picks up a connection and deregistered when the session ends.
type Registry struct {
	mu    sync.RWMutex
	boxes map[uint64]*Mailbox
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{boxes: make(map[uint64]*Mailbox)}
}

// Register creates and publishes a new empty mailbox for clientID.
//
// Client ids are never reused while a session is alive, so a duplicate
// registration indicates a bug in the caller.
func (r *Registry) Register(clientID uint64) (*Mailbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.boxes[clientID]; exists {
		return nil, errors.New("mailbox: client id already registered")
	}

	m := newMailbox(clientID)
	r.boxes[clientID] = m
	return m, nil
}

// Lookup returns the mailbox for clientID, if registered.
//
// The returned reference carries no ownership: it stays usable only
// while registered, and a concurrent Deregister makes Deliver a safe
// no-op rather than invalidating the pointer.
func (r *Registry) Lookup(clientID uint64) (*Mailbox, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.boxes[clientID]
	return m, ok
}

// Deregister removes and retires the mailbox for clientID.
//
// The two phases matter: the entry is removed from the map first, then
// the mailbox is closed. A worker holding a Lookup result from before
// the removal observes a closed mailbox and its delivery is discarded;
// a worker looking up afterwards gets not-found. Both outcomes are
// inert.
func (r *Registry) Deregister(clientID uint64) {
	r.mu.Lock()
	m, ok := r.boxes[clientID]
	if ok {
		delete(r.boxes, clientID)
	}
	r.mu.Unlock()

	if ok {
		m.close()
	}
}

// Deliver routes a response to its client's mailbox.
//
// Returns false when the response was discarded because no live
// mailbox exists for the client (disconnected or timed out).
func (r *Registry) Deliver(resp *task.Response) bool {
	m, ok := r.Lookup(resp.ClientID)
	if !ok {
		return false
	}
	return m.Deliver(resp)
}

// Len returns the number of registered mailboxes.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.boxes)
}

// Close retires every registered mailbox. Used during server shutdown
// after the session pool has drained.
func (r *Registry) Close() {
	r.mu.Lock()
	boxes := r.boxes
	r.boxes = make(map[uint64]*Mailbox)
	r.mu.Unlock()

	for _, m := range boxes {
		m.close()
	}
}
