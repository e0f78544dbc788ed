package session

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stashd/stashd/internal/task"
)

// ErrQuit is returned by parseLine for a QUIT command; the session
// ends the connection instead of submitting a task.
var ErrQuit = errors.New("session: quit")

// parseError describes a malformed request line. It is answered
// locally with an ERR line; nothing reaches the work queue.
type parseError struct {
	msg string
}

func (e *parseError) Error() string { return e.msg }

func badRequest(format string, args ...any) error {
	return &parseError{msg: fmt.Sprintf(format, args...)}
}

// parseLine turns one request line into a Task.
//
// Grammar, one command per line, space-separated:
//
//	SIGNUP <username> <password> [priority]
//	LOGIN <username> <password>
//	UPLOAD <username> <path> <size> <staged-ref>
//	DOWNLOAD <username> <path>
//	DELETE <username> <path>
//	LIST <username>
//	QUIT
func parseLine(line string) (*task.Task, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, badRequest("empty command")
	}

	cmd := strings.ToUpper(fields[0])
	args := fields[1:]

	switch cmd {
	case "QUIT":
		return nil, ErrQuit

	case "SIGNUP":
		if len(args) < 2 || len(args) > 3 {
			return nil, badRequest("usage: SIGNUP <username> <password> [priority]")
		}
		t := &task.Task{
			Kind:     task.KindSignup,
			Username: args[0],
			Password: args[1],
			Priority: task.PriorityFor(task.KindSignup),
		}
		if len(args) == 3 {
			t.Priority = task.ParsePriority(args[2])
		}
		return t, nil

	case "LOGIN":
		if len(args) != 2 {
			return nil, badRequest("usage: LOGIN <username> <password>")
		}
		return &task.Task{
			Kind:     task.KindLogin,
			Username: args[0],
			Password: args[1],
			Priority: task.PriorityFor(task.KindLogin),
		}, nil

	case "UPLOAD":
		if len(args) != 4 {
			return nil, badRequest("usage: UPLOAD <username> <path> <size> <staged-ref>")
		}
		size, err := strconv.ParseInt(args[2], 10, 64)
		if err != nil || size < 0 {
			return nil, badRequest("invalid size %q", args[2])
		}
		return &task.Task{
			Kind:      task.KindUpload,
			Username:  args[0],
			Path:      args[1],
			Size:      size,
			StagedRef: args[3],
			Priority:  task.PriorityFor(task.KindUpload),
		}, nil

	case "DOWNLOAD", "DELETE":
		if len(args) != 2 {
			return nil, badRequest("usage: %s <username> <path>", cmd)
		}
		kind := task.KindDownload
		if cmd == "DELETE" {
			kind = task.KindDelete
		}
		return &task.Task{
			Kind:     kind,
			Username: args[0],
			Path:     args[1],
			Priority: task.PriorityFor(kind),
		}, nil

	case "LIST":
		if len(args) != 1 {
			return nil, badRequest("usage: LIST <username>")
		}
		return &task.Task{
			Kind:     task.KindList,
			Username: args[0],
			Priority: task.PriorityFor(task.KindList),
		}, nil

	default:
		return nil, badRequest("unknown command %q", fields[0])
	}
}
