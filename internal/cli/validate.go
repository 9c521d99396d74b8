package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/engine"
)

// Error codes reported by validate.
const (
	ErrCodeUnreadable = "E100" // file missing or not YAML
	ErrCodeStructure  = "E101" // definition shape is wrong
	ErrCodeRegistry   = "E102" // referenced code or computer is not registered
)

// ValidationError is one problem found in a definition.
type ValidationError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	Offline bool
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate <definition.yaml>",
		Short: "Validate a process definition without submitting it",
		Long: `Validate a CalcJob or Workflow definition: its shape (step names,
references, guards, continuations, walltime) and, unless --offline, that
every code it names is registered on a known computer.

Nothing is written to the database.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Offline, "offline", false, "skip registry checks")

	return cmd
}

func runValidate(opts *ValidateOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(cmd, opts.RootOptions)

	def, err := engine.LoadDefinition(path)
	if err != nil {
		return outputValidateError(formatter, ErrCodeUnreadable, err.Error(), nil)
	}
	formatter.VerboseLog("Loaded %s definition from %s", def.Type, path)

	if err := def.Validate(); err != nil {
		return outputValidationErrors(formatter, splitErrors(ErrCodeStructure, err))
	}
	if opts.Offline {
		return outputValidateSuccess(formatter)
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	formatter.VerboseLog("Checking codes against %s", e.cfg.Database)
	if err := e.engine().Validate(ctx, def); err != nil {
		if !engine.IsValidationError(err) {
			return WrapExitError(ExitFailure, "failed to check registry", err)
		}
		return outputValidationErrors(formatter, splitErrors(ErrCodeRegistry, err))
	}
	return outputValidateSuccess(formatter)
}

// splitErrors flattens an engine validation error into one entry per
// joined cause.
func splitErrors(code string, err error) []ValidationError {
	var ee *engine.Error
	if errors.As(err, &ee) && ee.Err != nil {
		err = ee.Err
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []ValidationError
		for _, e := range joined.Unwrap() {
			out = append(out, ValidationError{Code: code, Message: e.Error()})
		}
		return out
	}
	if ee != nil && ee.Err == nil {
		return []ValidationError{{Code: code, Message: ee.Message}}
	}
	return []ValidationError{{Code: code, Message: err.Error()}}
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter) error {
	if formatter.Format == "json" {
		return formatter.Success(ValidationResult{Valid: true})
	}
	fmt.Fprintln(formatter.Writer, "✓ Definition valid")
	return nil
}

// outputValidateError outputs a single error that prevented validation.
func outputValidateError(formatter *OutputFormatter, code, message string, details any) error {
	_ = formatter.Error(code, message, details)
	return NewExitError(ExitCommandError, fmt.Sprintf("%s: %s", code, message))
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []ValidationError) error {
	if formatter.Format == "json" {
		response := CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error: &CLIError{
				Code:    errs[0].Code,
				Message: errs[0].Message,
			},
		}
		encoder := json.NewEncoder(formatter.Writer)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			return err
		}
		return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)
	for _, err := range errs {
		fmt.Fprintf(formatter.Writer, "  %s: %s\n", err.Code, err.Message)
	}

	return NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))
}
