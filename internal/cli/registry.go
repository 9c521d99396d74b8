package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/transport/direct"
	"github.com/roach88/provflow/internal/transport/local"
)

// NewComputerCommand creates the computer command group.
func NewComputerCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "computer",
		Short: "Register and inspect computers",
	}
	cmd.AddCommand(newComputerAddCommand(rootOpts))
	cmd.AddCommand(newComputerUpdateCommand(rootOpts))
	cmd.AddCommand(newComputerShowCommand(rootOpts))
	cmd.AddCommand(newComputerListCommand(rootOpts))
	return cmd
}

func newComputerAddCommand(rootOpts *RootOptions) *cobra.Command {
	var c registry.Computer

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a computer",
		Long: `Register a computer: where jobs run, the transport plugin that moves
files there and the scheduler plugin that runs them.

Registering the same configuration twice is a no-op; a different
configuration under an existing name fails.

Example:
  provflow computer add localhost --workdir /scratch/provflow
  provflow computer add cluster --transport core.local --scheduler core.direct \
    --workdir /scratch --min-poll-interval 30s`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			c.Name = args[0]
			return runComputerAdd(rootOpts, c, cmd)
		},
	}

	cmd.Flags().StringVar(&c.Hostname, "hostname", "", "host name (default localhost)")
	cmd.Flags().StringVar(&c.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&c.Transport, "transport", local.Name, "transport plugin")
	cmd.Flags().StringVar(&c.Scheduler, "scheduler", direct.Name, "scheduler plugin")
	cmd.Flags().StringVar(&c.WorkDir, "workdir", "", "absolute remote work directory (required)")
	cmd.Flags().DurationVar(&c.MinimumPollInterval, "min-poll-interval", 0, "minimum time between scheduler polls")
	cmd.Flags().IntVar(&c.DefaultMPIProcs, "default-mpiprocs", 0, "MPI processes per machine (default 1)")
	_ = cmd.MarkFlagRequired("workdir")

	return cmd
}

func runComputerAdd(opts *RootOptions, c registry.Computer, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.plugins.Transport(c.Transport); err != nil {
		return WrapExitError(ExitCommandError, "unknown transport", err)
	}
	if _, err := e.plugins.Scheduler(c.Scheduler); err != nil {
		return WrapExitError(ExitCommandError, "unknown scheduler", err)
	}

	saved, err := e.registry.PutComputer(ctx, c)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register computer", err)
	}
	return newFormatter(cmd, opts).Render(saved, func(w io.Writer) {
		fmt.Fprintf(w, "Computer %s registered\n", saved.Name)
	})
}

func newComputerUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var c registry.Computer

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Change the configuration of a computer",
		Long: `Change the configuration of a registered computer. Only the flags given
are changed. Jobs already submitted keep their remote directory; idle
connections opened with the old configuration are not reused.

Example:
  provflow computer update cluster --workdir /scratch2 --min-poll-interval 1m`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runComputerUpdate(rootOpts, args[0], c, cmd)
		},
	}

	cmd.Flags().StringVar(&c.Hostname, "hostname", "", "host name")
	cmd.Flags().StringVar(&c.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&c.Transport, "transport", "", "transport plugin")
	cmd.Flags().StringVar(&c.Scheduler, "scheduler", "", "scheduler plugin")
	cmd.Flags().StringVar(&c.WorkDir, "workdir", "", "absolute remote work directory")
	cmd.Flags().DurationVar(&c.MinimumPollInterval, "min-poll-interval", 0, "minimum time between scheduler polls")
	cmd.Flags().IntVar(&c.DefaultMPIProcs, "default-mpiprocs", 0, "MPI processes per machine")

	return cmd
}

func runComputerUpdate(opts *RootOptions, name string, c registry.Computer, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	existing, err := e.registry.GetComputer(ctx, name)
	if err != nil {
		return notFound("computer", err)
	}
	merged := *existing
	flags := cmd.Flags()
	if flags.Changed("hostname") {
		merged.Hostname = c.Hostname
	}
	if flags.Changed("description") {
		merged.Description = c.Description
	}
	if flags.Changed("transport") {
		merged.Transport = c.Transport
	}
	if flags.Changed("scheduler") {
		merged.Scheduler = c.Scheduler
	}
	if flags.Changed("workdir") {
		merged.WorkDir = c.WorkDir
	}
	if flags.Changed("min-poll-interval") {
		merged.MinimumPollInterval = c.MinimumPollInterval
	}
	if flags.Changed("default-mpiprocs") {
		merged.DefaultMPIProcs = c.DefaultMPIProcs
	}

	if _, err := e.plugins.Transport(merged.Transport); err != nil {
		return WrapExitError(ExitCommandError, "unknown transport", err)
	}
	if _, err := e.plugins.Scheduler(merged.Scheduler); err != nil {
		return WrapExitError(ExitCommandError, "unknown scheduler", err)
	}

	formatter := newFormatter(cmd, opts)
	if merged == *existing {
		return formatter.Render(existing, func(w io.Writer) {
			fmt.Fprintf(w, "Computer %s unchanged\n", name)
		})
	}
	saved, err := e.registry.UpdateComputer(ctx, merged)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to update computer", err)
	}
	return formatter.Render(saved, func(w io.Writer) {
		fmt.Fprintf(w, "Computer %s updated\n", saved.Name)
	})
}

func newComputerShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "show <name>",
		Short:         "Show a computer",
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

			c, err := e.registry.GetComputer(ctx, args[0])
			if err != nil {
				return notFound("computer", err)
			}
			return newFormatter(cmd, rootOpts).Render(c, func(w io.Writer) {
				writeComputer(w, c)
			})
		},
	}
}

func newComputerListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List computers",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx, cmd, rootOpts)
			if err != nil {
				return err
			}
			defer e.Close()

			computers, err := e.registry.ListComputers(ctx)
			if err != nil {
				return WrapExitError(ExitFailure, "failed to list computers", err)
			}
			return newFormatter(cmd, rootOpts).Render(computers, func(w io.Writer) {
				if len(computers) == 0 {
					fmt.Fprintln(w, "No computers registered")
					return
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "NAME\tTRANSPORT\tSCHEDULER\tWORKDIR")
				for _, c := range computers {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.Name, c.Transport, c.Scheduler, c.WorkDir)
				}
				tw.Flush()
			})
		},
	}
}

func writeComputer(w io.Writer, c *registry.Computer) {
	fmt.Fprintf(w, "Name:        %s\n", c.Name)
	fmt.Fprintf(w, "Hostname:    %s\n", c.Hostname)
	if c.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", c.Description)
	}
	fmt.Fprintf(w, "Transport:   %s\n", c.Transport)
	fmt.Fprintf(w, "Scheduler:   %s\n", c.Scheduler)
	fmt.Fprintf(w, "Work dir:    %s\n", c.WorkDir)
	if c.MinimumPollInterval > 0 {
		fmt.Fprintf(w, "Min poll:    %s\n", c.MinimumPollInterval)
	}
	fmt.Fprintf(w, "MPI procs:   %d\n", c.DefaultMPIProcs)
}

// CodeAddOptions holds flags for the code add command.
type CodeAddOptions struct {
	*RootOptions
	Code          registry.Code
	TemplateFile  string
	Outputs       []string
	ErrorPatterns []string
}

// NewCodeCommand creates the code command group.
func NewCodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "code",
		Short: "Register and inspect codes",
	}
	cmd.AddCommand(newCodeAddCommand(rootOpts))
	cmd.AddCommand(newCodeShowCommand(rootOpts))
	return cmd
}

func newCodeAddCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CodeAddOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a code on a computer",
		Long: `Register an executable installed on a computer. The code is stored as a
sealed provenance node so every job that used it can be traced back to it.

Outputs are declared as name=file:format[:required] with format one of
json, yaml, int, float, text. Error patterns are declared as
exit_code=regex and are matched against the job's stdout.

Example:
  provflow code add double --computer localhost --remote-path /opt/bin/double \
    --input-template ./double.tmpl --output result=result.json:json:required \
    --error-pattern '410=CONVERGENCE FAILED'`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Code.Name = args[0]
			return runCodeAdd(opts, cmd)
		},
	}

	c := &opts.Code
	cmd.Flags().StringVar(&c.Computer, "computer", "", "computer the code is installed on (required)")
	cmd.Flags().StringVar(&c.RemotePath, "remote-path", "", "absolute path of the executable (required)")
	cmd.Flags().StringVar(&c.Description, "description", "", "free-form description")
	cmd.Flags().StringVar(&opts.TemplateFile, "input-template", "", "file holding the input file template")
	cmd.Flags().StringVar(&c.InputFilename, "input-filename", "", "name of the rendered input file (default "+registry.DefaultInputFilename+")")
	cmd.Flags().StringVar(&c.OutputFilename, "output-filename", "", "file receiving stdout (default "+registry.DefaultOutputFilename+")")
	cmd.Flags().StringVar(&c.PrependText, "prepend-text", "", "script lines run before the executable")
	cmd.Flags().StringVar(&c.AppendText, "append-text", "", "script lines run after the executable")
	cmd.Flags().StringArrayVar(&opts.Outputs, "output", nil, "output declaration name=file:format[:required] (repeatable)")
	cmd.Flags().StringArrayVar(&opts.ErrorPatterns, "error-pattern", nil, "stdout pattern exit_code=regex (repeatable)")
	_ = cmd.MarkFlagRequired("computer")
	_ = cmd.MarkFlagRequired("remote-path")

	return cmd
}

func runCodeAdd(opts *CodeAddOptions, cmd *cobra.Command) error {
	c := opts.Code
	if opts.TemplateFile != "" {
		data, err := os.ReadFile(opts.TemplateFile)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read input template", err)
		}
		c.InputTemplate = string(data)
	}
	for _, s := range opts.Outputs {
		o, err := parseOutputSpec(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --output", err)
		}
		c.OutputSchema = append(c.OutputSchema, o)
	}
	for _, s := range opts.ErrorPatterns {
		p, err := parseErrorPattern(s)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --error-pattern", err)
		}
		c.ErrorPatterns = append(c.ErrorPatterns, p)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if _, err := e.registry.GetComputer(ctx, c.Computer); err != nil {
		return notFound("computer", err)
	}
	saved, err := e.registry.PutCode(ctx, c)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to register code", err)
	}
	return newFormatter(cmd, opts.RootOptions).Render(codeView(saved), func(w io.Writer) {
		fmt.Fprintf(w, "Code %s registered as node %d\n", saved.FullLabel(), saved.NodeID)
	})
}

// parseOutputSpec parses name=file:format[:required].
func parseOutputSpec(s string) (registry.OutputSpec, error) {
	name, rest, ok := strings.Cut(s, "=")
	if !ok || name == "" {
		return registry.OutputSpec{}, fmt.Errorf("%q: want name=file:format[:required]", s)
	}
	parts := strings.Split(rest, ":")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return registry.OutputSpec{}, fmt.Errorf("%q: want name=file:format[:required]", s)
	}
	o := registry.OutputSpec{Name: name, File: parts[0], Format: parts[1]}
	if len(parts) == 3 {
		if parts[2] != "required" {
			return registry.OutputSpec{}, fmt.Errorf("%q: unknown flag %q", s, parts[2])
		}
		o.Required = true
	}
	return o, nil
}

// parseErrorPattern parses exit_code=regex.
func parseErrorPattern(s string) (registry.ErrorPattern, error) {
	code, pattern, ok := strings.Cut(s, "=")
	if !ok || pattern == "" {
		return registry.ErrorPattern{}, fmt.Errorf("%q: want exit_code=regex", s)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return registry.ErrorPattern{}, fmt.Errorf("%q: exit code: %w", s, err)
	}
	return registry.ErrorPattern{Pattern: pattern, ExitCode: n}, nil
}

// CodeView is a Code as shown to users, with its backing node.
type CodeView struct {
	*registry.Code
	Node int64 `json:"node_id"`
}

func codeView(c *registry.Code) CodeView {
	return CodeView{Code: c, Node: c.NodeID}
}

func newCodeShowCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <name[@computer]>",
		Short: "Show a code",
		Long: `Show a registered code. A bare name works when exactly one computer has
a code of that name.`,
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

			c, err := e.registry.GetCode(ctx, args[0])
			if err != nil {
				return notFound("code", err)
			}
			return newFormatter(cmd, rootOpts).Render(codeView(c), func(w io.Writer) {
				writeCode(w, c)
			})
		},
	}
}

func writeCode(w io.Writer, c *registry.Code) {
	fmt.Fprintf(w, "Code:        %s (node %d)\n", c.FullLabel(), c.NodeID)
	fmt.Fprintf(w, "Executable:  %s\n", c.RemotePath)
	if c.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", c.Description)
	}
	fmt.Fprintf(w, "Input file:  %s\n", c.InputFilename)
	fmt.Fprintf(w, "Stdout:      %s\n", c.OutputFilename)
	for _, o := range c.OutputSchema {
		req := ""
		if o.Required {
			req = " (required)"
		}
		fmt.Fprintf(w, "Output:      %s <- %s [%s]%s\n", o.Name, o.File, o.Format, req)
	}
	for _, p := range c.ErrorPatterns {
		fmt.Fprintf(w, "Error:       %d <- /%s/\n", p.ExitCode, p.Pattern)
	}
}

// NewRegistryCommand creates the registry command group.
func NewRegistryCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Bulk-load computers and codes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "load <file>",
		Short: "Register every computer and code in a YAML, JSON or CUE file",
		Long: `Register every computer and code in a registry file. The file is
validated against the registry schema before anything is written.
Loading the same file twice is a no-op.

Example:
  provflow registry load ./registry.cue`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRegistryLoad(rootOpts, args[0], cmd)
		},
	})
	return cmd
}

func runRegistryLoad(opts *RootOptions, path string, cmd *cobra.Command) error {
	f, err := registry.ParseFile(path)
	if err != nil {
		return WrapExitError(ExitFailure, "invalid registry file", err)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	start := time.Now()
	res, err := e.registry.Load(ctx, f)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to load registry", err)
	}
	e.logger.Debug("registry loaded", "file", path, "computers", len(res.Computers),
		"codes", len(res.Codes), "elapsed", time.Since(start))

	return newFormatter(cmd, opts).Render(res, func(w io.Writer) {
		fmt.Fprintf(w, "Loaded %d computer(s) and %d code(s) from %s\n", len(res.Computers), len(res.Codes), path)
	})
}
