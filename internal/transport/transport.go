package transport

import (
	"context"
	"time"

	"github.com/roach88/provflow/internal/registry"
)

// Session is an open connection to a Computer. Paths are remote paths.
type Session interface {
	PutFile(ctx context.Context, local, remote string) error
	GetFile(ctx context.Context, remote, local string) error
	ListDirectory(ctx context.Context, remote string) ([]string, error)
	MakeDirectory(ctx context.Context, remote string) error
	Close() error
}

// Runner is implemented by sessions that can run shell commands on the
// remote side. Schedulers that drive a command line need it.
type Runner interface {
	Run(ctx context.Context, dir, command string) (stdout string, err error)
}

// Transport opens sessions to a Computer.
type Transport interface {
	Open(ctx context.Context, c *registry.Computer) (Session, error)
}

// JobStatus is the scheduler's view of a submitted job.
type JobStatus string

const (
	StatusQueued  JobStatus = "QUEUED"
	StatusRunning JobStatus = "RUNNING"
	StatusDone    JobStatus = "DONE"
	StatusFailed  JobStatus = "FAILED"
	// StatusUnknown means "ask again later", never terminal.
	StatusUnknown JobStatus = "UNKNOWN"
)

// IsTerminal reports whether the job will not change status again.
func (s JobStatus) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ReasonWalltime marks a FAILED job that exceeded its walltime.
const ReasonWalltime = "walltime"

// JobInfo is the result of a status query.
type JobInfo struct {
	Status JobStatus
	Reason string
}

// JobResources are the resource requests rendered into the script header.
type JobResources struct {
	JobName            string
	NumMachines        int
	MPIProcsPerMachine int
	Walltime           time.Duration
}

// Scheduler submits and tracks job scripts on a Computer.
type Scheduler interface {
	// ScriptHeader renders the scheduler-specific preamble of a job script.
	// It must be deterministic in res.
	ScriptHeader(res JobResources) string
	Submit(ctx context.Context, sess Session, script, workdir string, res JobResources) (jobID string, err error)
	Status(ctx context.Context, sess Session, jobID, workdir string) (JobInfo, error)
	Cancel(ctx context.Context, sess Session, jobID, workdir string) error
}
