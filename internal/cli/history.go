package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/store"
)

// HistoryEntry is one persisted step of a process.
type HistoryEntry struct {
	Version    int64              `json:"version"`
	State      store.ProcessState `json:"state"`
	Stage      string             `json:"stage,omitempty"`
	At         time.Time          `json:"at"`
	Checkpoint json.RawMessage    `json:"checkpoint,omitempty"`
}

// HistoryResult is the output of the history command.
type HistoryResult struct {
	Process int64          `json:"process"`
	Entries []HistoryEntry `json:"entries"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "history <process>",
		Short: "Show the checkpoint history of a process",
		Long: `Show every checkpoint a process has persisted, oldest first. Each row is
one completed step: the state and stage it left the process in. With
--verbose the checkpoint payloads are included.

Example:
  provflow history 42
  provflow history 42 --format json --verbose`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(rootOpts, args[0], cmd)
		},
	}
}

func runHistory(opts *RootOptions, ref string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := resolveNode(ctx, e.store, ref)
	if err != nil {
		return notFound("process", err)
	}
	if _, err := e.store.LoadProcess(ctx, id); err != nil {
		return notFound("process", err)
	}
	rows, err := e.store.ListCheckpoints(ctx, id)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to read history", err)
	}

	result := HistoryResult{Process: id, Entries: make([]HistoryEntry, 0, len(rows))}
	for _, r := range rows {
		entry := HistoryEntry{Version: r.Version, State: r.State, Stage: r.Stage, At: r.CreatedAt}
		if opts.Verbose && json.Valid(r.Checkpoint) {
			entry.Checkpoint = r.Checkpoint
		}
		result.Entries = append(result.Entries, entry)
	}

	return newFormatter(cmd, opts).Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "History for process %d (%d checkpoints)\n", id, len(result.Entries))
		for _, en := range result.Entries {
			stage := en.Stage
			if stage == "" {
				stage = "-"
			}
			fmt.Fprintf(w, "  v%-4d %-9s %-11s %s\n", en.Version, en.State, stage, en.At.Format(time.RFC3339))
			if en.Checkpoint != nil {
				fmt.Fprintf(w, "         %s\n", en.Checkpoint)
			}
		}
	})
}
