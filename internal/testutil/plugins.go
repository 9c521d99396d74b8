package testutil

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/transport"
)

// StubName is the plugin name the stubs register under.
const StubName = "stub"

// Operation names accepted by StubTransport.FailNext.
const (
	OpOpen  = "open"
	OpPut   = "put"
	OpGet   = "get"
	OpList  = "list"
	OpMkdir = "mkdir"
)

// ExitStatusFile is written by StubScheduler when a job "runs".
const ExitStatusFile = "_exit_status"

// StubFS is an in-memory remote filesystem shared by all stub sessions.
type StubFS struct {
	mu    sync.Mutex
	files map[string][]byte
	dirs  map[string]bool
}

// NewStubFS returns an empty filesystem.
func NewStubFS() *StubFS {
	return &StubFS{files: make(map[string][]byte), dirs: map[string]bool{"/": true}}
}

// Write stores content at p.
func (fs *StubFS) Write(p string, content []byte) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.files[path.Clean(p)] = append([]byte(nil), content...)
}

// Read returns the content at p.
func (fs *StubFS) Read(p string) ([]byte, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	data, ok := fs.files[path.Clean(p)]
	return data, ok
}

// Files returns all file paths, sorted.
func (fs *StubFS) Files() []string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]string, 0, len(fs.files))
	for p := range fs.files {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (fs *StubFS) mkdir(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for p = path.Clean(p); p != "/" && p != "."; p = path.Dir(p) {
		fs.dirs[p] = true
	}
}

func (fs *StubFS) list(dir string) ([]string, bool) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	dir = path.Clean(dir)
	if !fs.dirs[dir] {
		return nil, false
	}
	seen := make(map[string]bool)
	prefix := strings.TrimSuffix(dir, "/") + "/"
	for p := range fs.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	for p := range fs.dirs {
		if rest, ok := strings.CutPrefix(p, prefix); ok && rest != "" {
			seen[strings.SplitN(rest, "/", 2)[0]] = true
		}
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, true
}

// StubTransport is a scriptable transport over a StubFS.
type StubTransport struct {
	FS *StubFS

	mu       sync.Mutex
	failures map[string][]error
	calls    map[string]int
}

// NewStubTransport returns a transport over a fresh filesystem.
func NewStubTransport() *StubTransport {
	return &StubTransport{
		FS:       NewStubFS(),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// FailNext makes the next len(errs) calls of op fail with errs, in order.
func (t *StubTransport) FailNext(op string, errs ...error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failures[op] = append(t.failures[op], errs...)
}

// Calls returns how many times op was attempted.
func (t *StubTransport) Calls(op string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls[op]
}

func (t *StubTransport) attempt(op string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls[op]++
	if errs := t.failures[op]; len(errs) > 0 {
		t.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

// Open implements transport.Transport.
func (t *StubTransport) Open(ctx context.Context, c *registry.Computer) (transport.Session, error) {
	if err := t.attempt(OpOpen); err != nil {
		return nil, err
	}
	t.FS.mkdir(c.WorkDir)
	return &StubSession{t: t}, nil
}

// StubSession is a session of StubTransport. Local paths are real files.
type StubSession struct {
	t *StubTransport
}

// FS returns the remote filesystem.
func (s *StubSession) FS() *StubFS { return s.t.FS }

func (s *StubSession) PutFile(ctx context.Context, local, remote string) error {
	if err := s.t.attempt(OpPut); err != nil {
		return err
	}
	data, err := os.ReadFile(local)
	if err != nil {
		return &transport.RemoteIOError{Op: OpPut, Path: local, Err: err}
	}
	s.t.FS.Write(remote, data)
	return nil
}

func (s *StubSession) GetFile(ctx context.Context, remote, local string) error {
	if err := s.t.attempt(OpGet); err != nil {
		return err
	}
	data, ok := s.t.FS.Read(remote)
	if !ok {
		return &transport.RemoteIOError{Op: OpGet, Path: remote, Err: os.ErrNotExist}
	}
	if err := os.MkdirAll(path.Dir(local), 0o755); err != nil {
		return err
	}
	return os.WriteFile(local, data, 0o644)
}

func (s *StubSession) ListDirectory(ctx context.Context, remote string) ([]string, error) {
	if err := s.t.attempt(OpList); err != nil {
		return nil, err
	}
	names, ok := s.t.FS.list(remote)
	if !ok {
		return nil, &transport.RemoteIOError{Op: OpList, Path: remote, Err: os.ErrNotExist}
	}
	return names, nil
}

func (s *StubSession) MakeDirectory(ctx context.Context, remote string) error {
	if err := s.t.attempt(OpMkdir); err != nil {
		return err
	}
	s.t.FS.mkdir(remote)
	return nil
}

func (s *StubSession) Close() error { return nil }

// JobFunc simulates a job run: it reads inputs from and writes outputs to
// the work directory and returns the script's exit status. A negative status
// leaves no exit status file behind, as when the script dies early.
type JobFunc func(fs *StubFS, workdir string) int

// StubScheduler is a scriptable scheduler. Submit "runs" the job at once by
// calling Job; Status then replays the scripted sequence, repeating the last
// entry. An empty sequence reports DONE.
type StubScheduler struct {
	Job JobFunc

	mu          sync.Mutex
	statuses    []transport.JobInfo
	statusCalls int
	submitErrs  []error
	statusErrs  []error
	cancelErrs  []error
	submitted   []string
	cancelled   []string
}

// NewStubScheduler returns a scheduler that reports statuses in order.
func NewStubScheduler(statuses ...transport.JobStatus) *StubScheduler {
	s := &StubScheduler{}
	for _, st := range statuses {
		s.statuses = append(s.statuses, transport.JobInfo{Status: st})
	}
	return s
}

// Then appends a status with a reason.
func (s *StubScheduler) Then(status transport.JobStatus, reason string) *StubScheduler {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses = append(s.statuses, transport.JobInfo{Status: status, Reason: reason})
	return s
}

// FailSubmit makes the next submissions fail with errs, in order.
func (s *StubScheduler) FailSubmit(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// FailStatus makes the next status queries fail with errs, in order.
func (s *StubScheduler) FailStatus(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statusErrs = append(s.statusErrs, errs...)
}

// FailCancel makes the next cancellations fail with errs, in order.
func (s *StubScheduler) FailCancel(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelErrs = append(s.cancelErrs, errs...)
}

// Submitted returns job ids handed out so far.
func (s *StubScheduler) Submitted() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.submitted...)
}

// Cancelled returns job ids cancelled so far.
func (s *StubScheduler) Cancelled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.cancelled...)
}

// StatusCalls returns the number of successful status queries.
func (s *StubScheduler) StatusCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusCalls
}

func (s *StubScheduler) ScriptHeader(res transport.JobResources) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	fmt.Fprintf(&b, "#STUB --job-name=%s\n", res.JobName)
	fmt.Fprintf(&b, "#STUB --nodes=%d --tasks-per-node=%d\n", res.NumMachines, res.MPIProcsPerMachine)
	if res.Walltime > 0 {
		fmt.Fprintf(&b, "#STUB --time=%d\n", int64(res.Walltime.Seconds()))
	}
	return b.String()
}

func (s *StubScheduler) Submit(ctx context.Context, sess transport.Session, script, workdir string, res transport.JobResources) (string, error) {
	s.mu.Lock()
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		s.mu.Unlock()
		return "", err
	}
	jobID := fmt.Sprintf("job-%d", len(s.submitted)+1)
	s.submitted = append(s.submitted, jobID)
	job := s.Job
	s.mu.Unlock()

	stub, ok := sess.(*StubSession)
	if !ok {
		return "", errors.New("stub scheduler needs a stub session")
	}
	exit := 0
	if job != nil {
		exit = job(stub.FS(), workdir)
	}
	if exit >= 0 {
		stub.FS().Write(path.Join(workdir, ExitStatusFile), []byte(fmt.Sprintf("%d\n", exit)))
	}
	return jobID, nil
}

func (s *StubScheduler) Status(ctx context.Context, sess transport.Session, jobID, workdir string) (transport.JobInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statusErrs) > 0 {
		err := s.statusErrs[0]
		s.statusErrs = s.statusErrs[1:]
		return transport.JobInfo{}, err
	}
	s.statusCalls++
	if len(s.statuses) == 0 {
		return transport.JobInfo{Status: transport.StatusDone}, nil
	}
	idx := min(s.statusCalls, len(s.statuses)) - 1
	return s.statuses[idx], nil
}

func (s *StubScheduler) Cancel(ctx context.Context, sess transport.Session, jobID, workdir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.cancelErrs) > 0 {
		err := s.cancelErrs[0]
		s.cancelErrs = s.cancelErrs[1:]
		return err
	}
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

// StubPlugins registers t and s under StubName.
func StubPlugins(t *StubTransport, s *StubScheduler) *transport.Plugins {
	p := transport.NewPlugins()
	p.RegisterTransport(StubName, t)
	p.RegisterScheduler(StubName, s)
	return p
}
