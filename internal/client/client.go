// Package client implements the line protocol from the caller's side:
// connect, sign up or log in, then upload, download, delete and list
// files as that user.
//
// Uploads are staged by the client: the local file body is copied into
// the server's staging directory (the deployment shares a filesystem
// with the server) and the UPLOAD command carries the staged ref.
// Downloads handle both delivery modes: a staged-path reference for
// regular accounts and the inline FILE_DATA stream for high-priority
// ones.
package client

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ErrNotLoggedIn is returned when a file operation is attempted before
// a successful SIGNUP or LOGIN.
var ErrNotLoggedIn = errors.New("client: not logged in")

// ServerError carries an ERR response's message verbatim.
type ServerError struct {
	Message string
}

func (e *ServerError) Error() string {
	return "server: " + e.Message
}

// Client is one connection to the server. Not safe for concurrent use;
// the protocol is strictly request/response.
type Client struct {
	conn       net.Conn
	r          *bufio.Reader
	stagingDir string
	username   string
}

// Dial connects to addr. stagingDir is where upload bodies are staged
// for the server to pick up.
func Dial(addr, stagingDir string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", addr, err)
	}

	return &Client{
		conn:       conn,
		r:          bufio.NewReader(conn),
		stagingDir: stagingDir,
	}, nil
}

// Close drops the connection without sending QUIT.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Username returns the account established by Signup or Login, or ""
// before either succeeded.
func (c *Client) Username() string {
	return c.username
}

// roundTrip sends one command line and reads one response line.
// An ERR response becomes a *ServerError; an OK response yields its
// message, which may be empty.
func (c *Client) roundTrip(command string) (string, error) {
	if _, err := fmt.Fprintf(c.conn, "%s\n", command); err != nil {
		return "", fmt.Errorf("send command: %w", err)
	}

	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	line = strings.TrimSuffix(line, "\n")

	switch {
	case line == "OK":
		return "", nil
	case strings.HasPrefix(line, "OK "):
		return line[3:], nil
	case line == "ERR":
		return "", &ServerError{}
	case strings.HasPrefix(line, "ERR "):
		return "", &ServerError{Message: line[4:]}
	default:
		return "", fmt.Errorf("malformed response %q", line)
	}
}

// Signup creates an account and logs the client in. class is HIGH,
// NORMAL, LOW or "" for the server default.
func (c *Client) Signup(username, password, class string) error {
	command := fmt.Sprintf("SIGNUP %s %s", username, password)
	if class != "" {
		command += " " + class
	}

	if _, err := c.roundTrip(command); err != nil {
		return err
	}
	c.username = username
	return nil
}

// Login authenticates against an existing account.
func (c *Client) Login(username, password string) error {
	if _, err := c.roundTrip(fmt.Sprintf("LOGIN %s %s", username, password)); err != nil {
		return err
	}
	c.username = username
	return nil
}

// Upload stores the local file at localPath under name in the
// logged-in user's namespace. Returns the uploaded size.
func (c *Client) Upload(localPath, name string) (int64, error) {
	if c.username == "" {
		return 0, ErrNotLoggedIn
	}

	staged, size, err := c.stage(localPath)
	if err != nil {
		return 0, err
	}

	command := fmt.Sprintf("UPLOAD %s %s %d %s", c.username, name, size, staged)
	if _, err := c.roundTrip(command); err != nil {
		// The server removes the staged body on its own reject
		// paths; clean up here only when the command never landed.
		if !isServerError(err) {
			os.Remove(staged)
		}
		return 0, err
	}
	return size, nil
}

// stage copies the local file into the staging directory under a
// fresh unique name.
func (c *Client) stage(localPath string) (string, int64, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", 0, fmt.Errorf("open %q: %w", localPath, err)
	}
	defer src.Close()

	staged := filepath.Join(c.stagingDir, uuid.NewString())
	out, err := os.Create(staged)
	if err != nil {
		return "", 0, fmt.Errorf("create staged upload: %w", err)
	}

	size, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(staged)
		return "", 0, fmt.Errorf("stage %q: %w", localPath, err)
	}
	return staged, size, nil
}

// Download retrieves name into outPath and returns the byte count.
//
// Regular accounts get a staged-path reference in the OK message; the
// staged file is consumed and removed. High-priority accounts get the
// body inline after a FILE_DATA header.
func (c *Client) Download(name, outPath string) (int64, error) {
	if c.username == "" {
		return 0, ErrNotLoggedIn
	}

	msg, err := c.roundTrip(fmt.Sprintf("DOWNLOAD %s %s", c.username, name))
	if err != nil {
		return 0, err
	}

	// A staged reference is an absolute path; the inline variant
	// echoes the requested (relative) name.
	if filepath.IsAbs(msg) {
		return c.consumeStaged(msg, outPath)
	}
	return c.receiveInline(outPath)
}

func (c *Client) consumeStaged(staged, outPath string) (int64, error) {
	defer os.Remove(staged)

	src, err := os.Open(staged)
	if err != nil {
		return 0, fmt.Errorf("open staged download: %w", err)
	}
	defer src.Close()

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", outPath, err)
	}

	n, err := io.Copy(out, src)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return 0, fmt.Errorf("save download: %w", err)
	}
	return n, nil
}

func (c *Client) receiveInline(outPath string) (int64, error) {
	header, err := c.r.ReadString('\n')
	if err != nil {
		return 0, fmt.Errorf("read file header: %w", err)
	}

	var name string
	var size int64
	if _, err := fmt.Sscanf(header, "FILE_DATA %s %d", &name, &size); err != nil {
		return 0, fmt.Errorf("malformed file header %q", strings.TrimSuffix(header, "\n"))
	}

	out, err := os.Create(outPath)
	if err != nil {
		return 0, fmt.Errorf("create %q: %w", outPath, err)
	}

	n, err := io.CopyN(out, c.r, size)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(outPath)
		return 0, fmt.Errorf("receive file data: %w", err)
	}
	return n, nil
}

// Delete removes name from the logged-in user's namespace.
func (c *Client) Delete(name string) error {
	if c.username == "" {
		return ErrNotLoggedIn
	}

	_, err := c.roundTrip(fmt.Sprintf("DELETE %s %s", c.username, name))
	return err
}

// List returns the user's file names, one per line, in the server's
// sorted order. Empty when the namespace holds no files.
func (c *Client) List() (string, error) {
	if c.username == "" {
		return "", ErrNotLoggedIn
	}

	msg, err := c.roundTrip(fmt.Sprintf("LIST %s", c.username))
	if err != nil {
		return "", err
	}

	// A multi-file listing spans lines but travels in a single server
	// write, so the continuation is already buffered behind the first.
	var b strings.Builder
	b.WriteString(msg)
	for c.r.Buffered() > 0 {
		line, err := c.r.ReadString('\n')
		if err != nil {
			break
		}
		b.WriteByte('\n')
		b.WriteString(strings.TrimSuffix(line, "\n"))
	}
	return b.String(), nil
}

// Quit ends the session cleanly. The connection is closed either way.
func (c *Client) Quit() error {
	_, err := c.roundTrip("QUIT")
	if cerr := c.conn.Close(); err == nil {
		err = cerr
	}
	return err
}

func isServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}
