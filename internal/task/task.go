// Package task defines the unit of work flowing through the dispatch
// pipeline: one parsed client request (Task) and one completed result
// (Response), plus the priority model that orders the shared work queue.
package task

import (
	"net"
	"strings"
	"time"
)

// Kind identifies the operation a task performs.
type Kind int

const (
	KindUnknown Kind = iota
	KindSignup
	KindLogin
	KindUpload
	KindDownload
	KindDelete
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindSignup:
		return "SIGNUP"
	case KindLogin:
		return "LOGIN"
	case KindUpload:
		return "UPLOAD"
	case KindDownload:
		return "DOWNLOAD"
	case KindDelete:
		return "DELETE"
	case KindList:
		return "LIST"
	default:
		return "UNKNOWN"
	}
}

// Priority is the admission class of a task and of an account.
// Higher values pop first from the work queue.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "LOW"
	case PriorityNormal:
		return "NORMAL"
	case PriorityHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority maps a wire token to a Priority, ignoring case.
// Unrecognized tokens fall back to Normal, matching the signup
// grammar's lenient optional argument.
func ParsePriority(s string) Priority {
	switch strings.ToUpper(s) {
	case "HIGH":
		return PriorityHigh
	case "LOW":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// PriorityFor returns the fixed per-command submission priority.
//
// Login and Delete preempt bulk traffic; List yields to everything.
// Signup accepts a client override, applied by the session after
// parsing.
func PriorityFor(kind Kind) Priority {
	switch kind {
	case KindLogin, KindDelete:
		return PriorityHigh
	case KindList:
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// Task is one submitted operation.
//
// A task is created by the session goroutine on a successful parse,
// pushed onto the shared work queue, consumed exactly once by exactly
// one worker, and never mutated after the push.
type Task struct {
	Kind     Kind
	ClientID uint64

	Username string
	Password string

	// Path is the user-namespaced relative path (Upload, Download,
	// Delete).
	Path string

	// StagedRef points at already-staged temporary data for uploads.
	StagedRef string

	// Size is the declared byte length. Advisory: it drives the
	// large-upload admission gate but is not verified against the
	// staged data.
	Size int64

	Priority Priority

	// EnqueuedAt is used only as the FIFO tie-break among tasks of
	// equal priority.
	EnqueuedAt time.Time

	// Conn is the requesting session's connection. Workers use it
	// solely for the high-priority inline bulk download send; all
	// other results travel through the mailbox.
	Conn net.Conn
}

// Less orders tasks for the work queue: priority first, then arrival.
// It is the comparator handed to queue.New.
func Less(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.EnqueuedAt.After(b.EnqueuedAt)
}

// Status is the outcome class of a Response.
type Status int

const (
	StatusOK Status = iota
	StatusErr
)

func (s Status) String() string {
	if s == StatusOK {
		return "OK"
	}
	return "ERR"
}

// Response is one completed operation's result.
//
// It is owned by the mailbox until the waiting session pops it, or
// discarded when no session is waiting anymore.
type Response struct {
	ClientID uint64
	Status   Status

	// Message carries the human-readable payload: a short status
	// word, an error description, a directory listing, or a staged
	// file reference for non-privileged downloads.
	Message string

	Size int64

	// Sent marks responses whose framing line and bulk payload the
	// worker already wrote to the connection (high-priority inline
	// downloads). The session consumes the response for flow control
	// but writes nothing.
	Sent bool
}

// OK builds a success response.
func OK(clientID uint64, message string) *Response {
	return &Response{ClientID: clientID, Status: StatusOK, Message: message}
}

// Err builds a failure response.
func Err(clientID uint64, message string) *Response {
	return &Response{ClientID: clientID, Status: StatusErr, Message: message}
}
