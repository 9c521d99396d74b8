package cli

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/engine"
	"github.com/roach88/provflow/internal/store"
)

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		state string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "status [process]",
		Short: "Show process status",
		Long: `Show the state, stage and exit code of a process. Without an argument,
list processes, optionally filtered by --state.

Example:
  provflow status 42
  provflow status --state WAITING`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()
			f := newFormatter(cmd, rootOpts)

			if len(args) == 1 {
				id, err := resolveNode(ctx, e.store, args[0])
				if err != nil {
					return notFound("process", err)
				}
				st, err := e.engine().Status(ctx, id)
				if err != nil {
					return notFound("process", err)
				}
				return f.Render(st, func(w io.Writer) { writeStatus(w, st) })
			}

			filter := store.ProcessFilter{Limit: limit}
			if state != "" {
				filter.States = []store.ProcessState{store.ProcessState(state)}
			}
			recs, err := e.store.ListProcesses(ctx, filter)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list processes", err)
			}
			rows := make([]ProcessRow, 0, len(recs))
			for _, r := range recs {
				rows = append(rows, processRow(r))
			}
			return f.Render(rows, func(w io.Writer) { writeProcessTable(w, rows) })
		},
	}

	cmd.Flags().StringVar(&state, "state", "", "only list processes in this state")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of processes to list")

	return cmd
}

// ProcessRow is one line of the process listing.
type ProcessRow struct {
	ID       int64              `json:"id"`
	Type     store.Kind         `json:"type"`
	State    store.ProcessState `json:"state"`
	Stage    string             `json:"stage,omitempty"`
	ExitCode *int               `json:"exit_code,omitempty"`
	Updated  time.Time          `json:"updated_at"`
}

func processRow(r store.ProcessRecord) ProcessRow {
	return ProcessRow{
		ID:       r.NodeID,
		Type:     r.Type,
		State:    r.State,
		Stage:    r.Stage,
		ExitCode: r.ExitCode,
		Updated:  r.UpdatedAt,
	}
}

func writeProcessTable(w io.Writer, rows []ProcessRow) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "No processes")
		return
	}
	for _, r := range rows {
		fmt.Fprintf(w, "%6d  %-17s %-9s %-11s %s\n", r.ID, r.Type, r.State, r.Stage, exitText(r.ExitCode))
	}
}

func writeStatus(w io.Writer, st *engine.ProcessStatus) {
	fmt.Fprintf(w, "Process:   %d (%s)\n", st.ID, st.UUID)
	fmt.Fprintf(w, "Type:      %s\n", st.Type)
	if st.Label != "" {
		fmt.Fprintf(w, "Label:     %s\n", st.Label)
	}
	state := string(st.State)
	if st.Stage != "" {
		state += " / " + st.Stage
	}
	fmt.Fprintf(w, "State:     %s\n", state)
	if st.ExitCode != nil {
		fmt.Fprintf(w, "Exit code: %d\n", *st.ExitCode)
	}
	if st.ExitMessage != "" {
		fmt.Fprintf(w, "Message:   %s\n", st.ExitMessage)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Retrying:  %s (attempt %d)\n", st.LastError, st.RetryCount)
	}
	if st.KillRequested && !st.Terminal() {
		fmt.Fprintln(w, "Kill:      requested")
	}
}

func exitText(code *int) string {
	if code == nil {
		return "-"
	}
	return fmt.Sprint(*code)
}

// NewKillCommand creates the kill command.
func NewKillCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "kill <process>",
		Short: "Request cancellation of a process",
		Long: `Request cancellation of a process and, for a workflow, of every process
it called. The request takes effect at the process's next step; a job
already submitted to a scheduler is cancelled there. Killing a finished
process does nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveNode(ctx, e.store, args[0])
			if err != nil {
				return notFound("process", err)
			}
			eng := e.engine()
			if err := eng.Kill(ctx, id); err != nil {
				return notFound("process", err)
			}
			st, err := eng.Status(ctx, id)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			return newFormatter(cmd, rootOpts).Render(st, func(w io.Writer) {
				if st.Terminal() {
					fmt.Fprintf(w, "Process %d already %s\n", id, st.State)
					return
				}
				fmt.Fprintf(w, "Kill requested for process %d\n", id)
			})
		},
	}
}

// NewStepCommand creates the step command.
func NewStepCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "step <process>",
		Short: "Advance a process by one step",
		Long: `Advance a process by one bounded unit of work, regardless of when it is
next due, and print the resulting state. Stepping a finished process does
nothing.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			id, err := resolveNode(ctx, e.store, args[0])
			if err != nil {
				return notFound("process", err)
			}
			eng := e.engine()
			if _, err := eng.Step(ctx, id); err != nil {
				return stepError(err)
			}
			st, err := eng.Status(ctx, id)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to read status", err)
			}
			return newFormatter(cmd, rootOpts).Render(st, func(w io.Writer) { writeStatus(w, st) })
		},
	}
}

func stepError(err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return notFound("process", err)
	case engine.IsLeaseHeld(err):
		return WrapExitError(ExitFailure, "process is being stepped by another worker", err)
	}
	return WrapExitError(ExitFailure, "failed to step process", err)
}
