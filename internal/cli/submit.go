package cli

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/engine"
	"github.com/roach88/provflow/internal/store"
)

// SubmitOptions holds flags for the submit command.
type SubmitOptions struct {
	*RootOptions
	Inputs []string
	Wait   bool
}

// SubmitResult is the output of the submit command.
type SubmitResult struct {
	Process int64                 `json:"process"`
	Status  *engine.ProcessStatus `json:"status,omitempty"`
}

// NewSubmitCommand creates the submit command.
func NewSubmitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SubmitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "submit <definition.yaml>",
		Short: "Submit a CalcJob or Workflow",
		Long: `Validate a process definition against the registry and the given inputs,
then record it as a new process in CREATED. Nothing is written if
validation fails.

Inputs are data node ids or UUIDs. Without --wait the process is picked up
by a running 'provflow run'; with --wait this command drives it to a
terminal state itself.

Exit codes:
  0 - Submitted (with --wait: finished with exit code 0)
  1 - Rejected, or with --wait finished otherwise
  2 - Command error (unreadable file, bad --input, etc.)

Example:
  provflow submit ./double.yaml --input x=12
  provflow submit ./pipeline.yaml --input structure=0192f4b1-... --wait`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSubmit(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringArrayVarP(&opts.Inputs, "input", "i", nil, "input as name=<node id|uuid> (repeatable)")
	cmd.Flags().BoolVar(&opts.Wait, "wait", false, "step the process in-process until it terminates")

	return cmd
}

func runSubmit(opts *SubmitOptions, path string, cmd *cobra.Command) error {
	def, err := engine.LoadDefinition(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read definition", err)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	inputs, err := resolveInputs(ctx, e.store, opts.Inputs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --input", err)
	}

	eng := e.engine()
	id, err := eng.Submit(ctx, def, inputs)
	if err != nil {
		return WrapExitError(ExitFailure, "submission rejected", err)
	}
	e.logger.Info("process submitted", "process", id, "definition", path,
		"inputs", slices.Sorted(maps.Keys(inputs)))

	result := SubmitResult{Process: id}
	if opts.Wait {
		st, err := waitProcess(ctx, e, eng, id)
		if err != nil {
			return WrapExitError(ExitFailure, "failed while waiting", err)
		}
		result.Status = st
	}

	f := newFormatter(cmd, opts.RootOptions)
	if err := f.Render(result, func(w io.Writer) {
		fmt.Fprintf(w, "Submitted process %d\n", id)
		if result.Status != nil {
			writeStatus(w, result.Status)
		}
	}); err != nil {
		return err
	}
	if result.Status != nil && !finishedCleanly(result.Status) {
		return NewExitError(ExitFailure, fmt.Sprintf("process %d ended %s", id, describeEnd(result.Status)))
	}
	return nil
}

// resolveInputs parses name=<id|uuid> pairs.
func resolveInputs(ctx context.Context, st *store.Store, pairs []string) (map[string]int64, error) {
	inputs := make(map[string]int64, len(pairs))
	for _, p := range pairs {
		name, ref, ok := strings.Cut(p, "=")
		if !ok || name == "" || ref == "" {
			return nil, fmt.Errorf("%q: want name=<node id|uuid>", p)
		}
		if _, dup := inputs[name]; dup {
			return nil, fmt.Errorf("input %q given twice", name)
		}
		id, err := resolveNode(ctx, st, ref)
		if err != nil {
			return nil, fmt.Errorf("input %q: %w", name, err)
		}
		inputs[name] = id
	}
	return inputs, nil
}

// resolveNode accepts a numeric node id or a node UUID.
func resolveNode(ctx context.Context, st *store.Store, ref string) (int64, error) {
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return id, nil
	}
	n, err := st.GetNodeByUUID(ctx, ref)
	if err != nil {
		return 0, err
	}
	return n.ID, nil
}

// waitProcess runs due steps until process id is terminal, sleeping until
// the next scheduled step in between.
func waitProcess(ctx context.Context, e *env, eng *engine.Engine, id int64) (*engine.ProcessStatus, error) {
	for {
		st, err := eng.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if st.Terminal() {
			return st, nil
		}
		ran, err := eng.RunOnce(ctx)
		if err != nil {
			e.logger.Warn("step failed", "error", err)
		}
		if ran > 0 {
			continue
		}

		wait := e.cfg.PollInterval
		if next, err := e.store.NextDue(ctx); err == nil && !next.IsZero() {
			wait = min(wait, max(time.Until(next), 10*time.Millisecond))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

func finishedCleanly(st *engine.ProcessStatus) bool {
	return st.State == store.StateFinished && st.ExitCode != nil && *st.ExitCode == 0
}

func describeEnd(st *engine.ProcessStatus) string {
	if st.ExitCode != nil {
		return fmt.Sprintf("%s with exit code %d", st.State, *st.ExitCode)
	}
	return string(st.State)
}
