// Package direct implements the core.direct scheduler: the job script runs
// as a detached shell process on the Computer, with no queue. Status is
// derived from the process id and a marker file the wrapper writes when the
// script exits.
package direct

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/roach88/provflow/internal/transport"
)

// Name is the plugin name stored on a Computer.
const Name = "core.direct"

// Files the wrapper leaves in the work directory.
const (
	ExitMarker = ".scheduler_exit"
	StdoutFile = "_scheduler-stdout.txt"
	StderrFile = "_scheduler-stderr.txt"
)

// exit statuses of timeout(1) when the walltime is hit
const (
	timeoutExit = 124
	killedExit  = 137
)

var errNoRunner = errors.New("session cannot run commands")

// Scheduler is the direct scheduler.
type Scheduler struct{}

// New returns the core.direct scheduler.
func New() *Scheduler { return &Scheduler{} }

// ScriptHeader renders the preamble. The direct scheduler has no queue
// directives, so resources are recorded as comments.
func (s *Scheduler) ScriptHeader(res transport.JobResources) string {
	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	if res.JobName != "" {
		fmt.Fprintf(&b, "# job: %s\n", res.JobName)
	}
	fmt.Fprintf(&b, "# machines: %d\n", max(res.NumMachines, 1))
	fmt.Fprintf(&b, "# mpiprocs_per_machine: %d\n", max(res.MPIProcsPerMachine, 1))
	if res.Walltime > 0 {
		fmt.Fprintf(&b, "# walltime: %s\n", res.Walltime)
	}
	return b.String()
}

// Submit starts script detached in workdir and returns its pid.
func (s *Scheduler) Submit(ctx context.Context, sess transport.Session, script, workdir string, res transport.JobResources) (string, error) {
	runner, err := asRunner(sess)
	if err != nil {
		return "", err
	}

	inner := "bash " + shellQuote(script)
	if res.Walltime > 0 {
		secs := int64(math.Ceil(res.Walltime.Seconds()))
		inner = fmt.Sprintf("timeout -s KILL %d %s", secs, inner)
	}
	wrapper := fmt.Sprintf("%s; echo $? > %s", inner, ExitMarker)
	command := fmt.Sprintf("nohup /bin/sh -c %s > %s 2> %s < /dev/null & echo $!",
		shellQuote(wrapper), StdoutFile, StderrFile)

	out, err := runner.Run(ctx, workdir, command)
	if err != nil {
		return "", err
	}
	pid := strings.TrimSpace(out)
	if _, err := strconv.Atoi(pid); err != nil {
		return "", &transport.RemoteIOError{Op: "submit", Path: workdir, Err: fmt.Errorf("unexpected pid %q", pid)}
	}
	return pid, nil
}

// Status reports DONE or FAILED once the exit marker exists, RUNNING while
// the process is alive, and FAILED if it vanished without a marker.
func (s *Scheduler) Status(ctx context.Context, sess transport.Session, jobID, workdir string) (transport.JobInfo, error) {
	runner, err := asRunner(sess)
	if err != nil {
		return transport.JobInfo{}, err
	}

	command := fmt.Sprintf(
		"if [ -f %[1]s ]; then echo exit $(cat %[1]s); elif kill -0 %[2]s 2>/dev/null; then echo running; else echo gone; fi",
		ExitMarker, jobID)
	out, err := runner.Run(ctx, workdir, command)
	if err != nil {
		return transport.JobInfo{}, err
	}
	return parseStatus(out), nil
}

func parseStatus(out string) transport.JobInfo {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return transport.JobInfo{Status: transport.StatusUnknown}
	}
	switch fields[0] {
	case "running":
		return transport.JobInfo{Status: transport.StatusRunning}
	case "gone":
		return transport.JobInfo{Status: transport.StatusFailed, Reason: "process vanished"}
	case "exit":
		if len(fields) < 2 {
			// marker written but not flushed yet
			return transport.JobInfo{Status: transport.StatusUnknown}
		}
		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return transport.JobInfo{Status: transport.StatusUnknown}
		}
		if code == timeoutExit || code == killedExit {
			return transport.JobInfo{Status: transport.StatusFailed, Reason: transport.ReasonWalltime}
		}
		// The script's own exit status is recorded separately by the job
		// script; the scheduler only reports that the job ended.
		return transport.JobInfo{Status: transport.StatusDone}
	}
	return transport.JobInfo{Status: transport.StatusUnknown}
}

// Cancel terminates the job and its children. Cancelling a finished job is a
// no-op.
func (s *Scheduler) Cancel(ctx context.Context, sess transport.Session, jobID, workdir string) error {
	runner, err := asRunner(sess)
	if err != nil {
		return err
	}
	if _, err := strconv.Atoi(jobID); err != nil {
		return &transport.RemoteIOError{Op: "cancel", Err: fmt.Errorf("invalid job id %q", jobID)}
	}
	command := fmt.Sprintf("pkill -TERM -P %[1]s 2>/dev/null; kill -TERM %[1]s 2>/dev/null; true", jobID)
	_, err = runner.Run(ctx, workdir, command)
	return err
}

func asRunner(sess transport.Session) (transport.Runner, error) {
	runner, ok := sess.(transport.Runner)
	if !ok {
		return nil, &transport.RemoteIOError{Op: "exec", Err: errNoRunner}
	}
	return runner, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
