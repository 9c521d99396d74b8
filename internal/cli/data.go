package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

// DataOptions holds flags for the data create command.
type DataOptions struct {
	*RootOptions
	Label string
	Attrs string
	File  string
}

// NewDataCommand creates the data command group.
func NewDataCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Create input data nodes",
	}
	cmd.AddCommand(newDataCreateCommand(rootOpts))
	return cmd
}

func newDataCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DataOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a sealed data node",
		Long: `Create a sealed data node to use as a process input. Attributes are
given as a JSON object; a file may be attached, in which case its content is
stored in the file repository and its hash recorded as attribute "blob".

Example:
  provflow data create --label x --attrs '{"value": 3}'
  provflow data create --label structure --file ./si.cif`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDataCreate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Label, "label", "", "node label")
	cmd.Flags().StringVar(&opts.Attrs, "attrs", "{}", "attributes as a JSON object")
	cmd.Flags().StringVar(&opts.File, "file", "", "file to attach")

	return cmd
}

func runDataCreate(opts *DataOptions, cmd *cobra.Command) error {
	attrs, err := parseAttrs(opts.Attrs)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid --attrs", err)
	}
	var content []byte
	if opts.File != "" {
		if _, taken := attrs["blob"]; taken {
			return NewExitError(ExitCommandError, `--attrs may not set "blob" together with --file`)
		}
		content, err = os.ReadFile(opts.File)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read --file", err)
		}
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	if content != nil {
		hash, err := e.store.PutBlob(ctx, content)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to store file", err)
		}
		attrs["blob"] = ir.String(hash)
	}

	node, err := e.store.CreateNode(ctx, store.NewNode{
		Kind:       store.KindData,
		Label:      opts.Label,
		UserID:     e.user.ID,
		Attributes: attrs,
		Sealed:     true,
	})
	if err != nil {
		return WrapExitError(ExitFailure, "failed to create data node", err)
	}
	return newFormatter(cmd, opts.RootOptions).Render(node, func(w io.Writer) {
		fmt.Fprintf(w, "Created data node %d (%s)\n", node.ID, node.UUID)
	})
}

func parseAttrs(s string) (ir.Object, error) {
	v, err := ir.ParseJSON([]byte(s))
	if err != nil {
		return nil, err
	}
	obj, ok := v.(ir.Object)
	if !ok {
		return nil, fmt.Errorf("want a JSON object, got %s", s)
	}
	return obj, nil
}
