// Package local implements the core.local transport: the local filesystem
// acting as the remote side. Commands run through /bin/sh.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/transport"
)

// Name is the plugin name stored on a Computer.
const Name = "core.local"

// Transport opens local sessions.
type Transport struct{}

// New returns the core.local transport.
func New() *Transport { return &Transport{} }

// Open returns a session. The Computer's work directory must be creatable.
func (t *Transport) Open(ctx context.Context, c *registry.Computer) (transport.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, &transport.ConnectionError{Op: "open", Err: err}
	}
	if err := os.MkdirAll(c.WorkDir, 0o755); err != nil {
		return nil, classify("open", c.WorkDir, err)
	}
	return &Session{}, nil
}

// Session is a local filesystem session.
type Session struct {
	closed bool
}

var errClosed = errors.New("session closed")

func (s *Session) check(ctx context.Context, op string) error {
	if s.closed {
		return &transport.ConnectionError{Op: op, Err: errClosed}
	}
	if err := ctx.Err(); err != nil {
		return &transport.ConnectionError{Op: op, Err: err}
	}
	return nil
}

// PutFile copies local to remote.
func (s *Session) PutFile(ctx context.Context, local, remote string) error {
	if err := s.check(ctx, "put"); err != nil {
		return err
	}
	if err := copyFile(local, remote); err != nil {
		return classify("put", remote, err)
	}
	return nil
}

// GetFile copies remote to local.
func (s *Session) GetFile(ctx context.Context, remote, local string) error {
	if err := s.check(ctx, "get"); err != nil {
		return err
	}
	if err := copyFile(remote, local); err != nil {
		return classify("get", remote, err)
	}
	return nil
}

// ListDirectory returns entry names in remote, sorted.
func (s *Session) ListDirectory(ctx context.Context, remote string) ([]string, error) {
	if err := s.check(ctx, "list"); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(remote)
	if err != nil {
		return nil, classify("list", remote, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// MakeDirectory creates remote and any missing parents.
func (s *Session) MakeDirectory(ctx context.Context, remote string) error {
	if err := s.check(ctx, "mkdir"); err != nil {
		return err
	}
	if err := os.MkdirAll(remote, 0o755); err != nil {
		return classify("mkdir", remote, err)
	}
	return nil
}

// Run executes command with /bin/sh in dir and returns its stdout.
func (s *Session) Run(ctx context.Context, dir, command string) (string, error) {
	if err := s.check(ctx, "exec"); err != nil {
		return "", err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", &transport.ConnectionError{Op: "exec", Err: ctx.Err()}
		}
		return stdout.String(), &transport.RemoteIOError{
			Op:  "exec",
			Err: fmt.Errorf("%w: %s", err, bytes.TrimSpace(stderr.Bytes())),
		}
	}
	return stdout.String(), nil
}

// Close marks the session unusable.
func (s *Session) Close() error {
	s.closed = true
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.CreateTemp(filepath.Dir(dst), ".put-*")
	if err != nil {
		return err
	}
	tmp := out.Name()
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dst)
}

// classify maps filesystem errors onto the transport taxonomy. Missing files
// and permission problems are permanent; anything else on a local disk is
// treated as permanent too, except interrupted calls.
func classify(op, path string, err error) error {
	if errors.Is(err, syscall.EINTR) || errors.Is(err, syscall.EAGAIN) {
		return &transport.ConnectionError{Op: op, Err: err}
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		err = pathErr.Err
	}
	return &transport.RemoteIOError{Op: op, Path: path, Err: err}
}
