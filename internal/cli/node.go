package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

// NodeView is a node with its provenance neighborhood.
type NodeView struct {
	*store.Node
	Inputs     []Neighbor `json:"inputs,omitempty"`
	Outputs    []Neighbor `json:"outputs,omitempty"`
	Calls      []Neighbor `json:"calls,omitempty"`
	Creator    *Neighbor  `json:"created_by,omitempty"`
	Caller     *Neighbor  `json:"called_by,omitempty"`
	ReturnedBy []Neighbor `json:"returned_by,omitempty"`
	UsedBy     []Neighbor `json:"used_by,omitempty"`
}

// Neighbor is the node at the other end of a link.
type Neighbor struct {
	Role  store.Role `json:"role"`
	Name  string     `json:"name"`
	ID    int64      `json:"id"`
	Kind  store.Kind `json:"kind"`
	Label string     `json:"label,omitempty"`
}

// NewNodeCommand creates the node command group.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "node",
		Short: "Inspect provenance nodes",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id|uuid>",
		Short: "Show a node and its direct provenance",
		Long: `Show a node's attributes and the nodes directly linked to it: for a
process, its inputs, outputs and calls; for data, the process that created
it and the processes that consumed it.

Example:
  provflow node show 42
  provflow node show 42 --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNodeShow(rootOpts, args[0], cmd)
		},
	})
	return cmd
}

func runNodeShow(opts *RootOptions, ref string, cmd *cobra.Command) error {
	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := resolveNode(ctx, e.store, ref)
	if err != nil {
		return notFound("node", err)
	}
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return notFound("node", err)
	}
	view, err := buildNodeView(ctx, e.store, node)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to query links", err)
	}
	return newFormatter(cmd, opts).Render(view, func(w io.Writer) {
		writeNodeView(w, view, opts.Verbose)
	})
}

func buildNodeView(ctx context.Context, st *store.Store, node *store.Node) (*NodeView, error) {
	view := &NodeView{Node: node}
	in, err := st.QueryLinks(ctx, node.ID, "", store.Incoming)
	if err != nil {
		return nil, err
	}
	out, err := st.QueryLinks(ctx, node.ID, "", store.Outgoing)
	if err != nil {
		return nil, err
	}

	for _, l := range in {
		nb, err := neighbor(ctx, st, l, l.SourceID)
		if err != nil {
			return nil, err
		}
		switch l.Role {
		case store.RoleInput:
			view.Inputs = append(view.Inputs, nb)
		case store.RoleCreate:
			view.Creator = &nb
		case store.RoleCall:
			view.Caller = &nb
		case store.RoleReturn:
			view.ReturnedBy = append(view.ReturnedBy, nb)
		}
	}
	for _, l := range out {
		nb, err := neighbor(ctx, st, l, l.TargetID)
		if err != nil {
			return nil, err
		}
		switch l.Role {
		case store.RoleCreate, store.RoleReturn:
			view.Outputs = append(view.Outputs, nb)
		case store.RoleCall:
			view.Calls = append(view.Calls, nb)
		case store.RoleInput:
			view.UsedBy = append(view.UsedBy, nb)
		}
	}
	return view, nil
}

func neighbor(ctx context.Context, st *store.Store, l store.Link, other int64) (Neighbor, error) {
	n, err := st.GetNode(ctx, other)
	if err != nil {
		return Neighbor{}, fmt.Errorf("link %d: %w", l.ID, err)
	}
	return Neighbor{Role: l.Role, Name: l.Name, ID: n.ID, Kind: n.Kind, Label: n.Label}, nil
}

func writeNodeView(w io.Writer, v *NodeView, verbose bool) {
	fmt.Fprintf(w, "Node %d (%s)\n", v.ID, v.UUID)
	fmt.Fprintf(w, "Kind:    %s\n", v.Kind)
	if v.Label != "" {
		fmt.Fprintf(w, "Label:   %s\n", v.Label)
	}
	sealed := "no"
	if v.Sealed {
		sealed = "yes"
	}
	fmt.Fprintf(w, "Sealed:  %s\n", sealed)
	fmt.Fprintf(w, "Created: %s\n", v.CreatedAt.Format("2006-01-02 15:04:05Z07:00"))
	fmt.Fprintln(w)

	fmt.Fprintln(w, "=== Attributes ===")
	if len(v.Attributes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, k := range v.Attributes.SortedKeys() {
		fmt.Fprintf(w, "  %s = %s\n", k, formatValue(v.Attributes[k], verbose))
	}

	section := func(title string, nbs []Neighbor) {
		if len(nbs) == 0 {
			return
		}
		fmt.Fprintln(w)
		fmt.Fprintf(w, "=== %s ===\n", title)
		for _, nb := range nbs {
			fmt.Fprintf(w, "  %-8s %-12s -> %s\n", nb.Role, nb.Name, describeNeighbor(nb))
		}
	}
	if v.Creator != nil {
		section("Created by", []Neighbor{*v.Creator})
	}
	if v.Caller != nil {
		section("Called by", []Neighbor{*v.Caller})
	}
	section("Returned by", v.ReturnedBy)
	section("Inputs", v.Inputs)
	section("Outputs", v.Outputs)
	section("Calls", v.Calls)
	section("Used by", v.UsedBy)
}

func describeNeighbor(nb Neighbor) string {
	s := fmt.Sprintf("%d %s", nb.ID, nb.Kind)
	if nb.Label != "" {
		s += " " + nb.Label
	}
	return s
}

// formatValue renders an attribute in canonical JSON. Long values are
// truncated unless verbose.
func formatValue(v ir.Value, verbose bool) string {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	s := string(data)
	if !verbose && len(s) > 72 {
		return s[:69] + "..."
	}
	return s
}

// LinksOptions holds flags for the links command.
type LinksOptions struct {
	*RootOptions
	Role      string
	Direction string
}

// NewLinksCommand creates the links command.
func NewLinksCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LinksOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "links <id|uuid>",
		Short: "List the links of a node",
		Long: `List provenance links touching a node, optionally filtered by role
(INPUT, CREATE, RETURN, CALL) and direction (in, out, both).

Example:
  provflow links 42 --role CREATE --direction out`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLinks(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Role, "role", "", "only links with this role")
	cmd.Flags().StringVar(&opts.Direction, "direction", "both", "in, out or both")

	return cmd
}

func runLinks(opts *LinksOptions, ref string, cmd *cobra.Command) error {
	role := store.Role(strings.ToUpper(opts.Role))
	if role != "" && !role.Valid() {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid role %q", opts.Role))
	}
	var dirs []store.Direction
	switch opts.Direction {
	case "in":
		dirs = []store.Direction{store.Incoming}
	case "out":
		dirs = []store.Direction{store.Outgoing}
	case "both":
		dirs = []store.Direction{store.Incoming, store.Outgoing}
	default:
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid direction %q: must be in, out or both", opts.Direction))
	}

	ctx := cmd.Context()
	e, err := openEnv(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer e.Close()

	id, err := resolveNode(ctx, e.store, ref)
	if err != nil {
		return notFound("node", err)
	}
	if _, err := e.store.GetNode(ctx, id); err != nil {
		return notFound("node", err)
	}

	links := []store.Link{}
	for _, d := range dirs {
		ls, err := e.store.QueryLinks(ctx, id, role, d)
		if err != nil {
			return WrapExitError(ExitFailure, "failed to query links", err)
		}
		links = append(links, ls...)
	}
	return newFormatter(cmd, opts.RootOptions).Render(links, func(w io.Writer) {
		if len(links) == 0 {
			fmt.Fprintln(w, "No links")
			return
		}
		for _, l := range links {
			fmt.Fprintf(w, "%6d -[%s %s]-> %d\n", l.SourceID, l.Role, l.Name, l.TargetID)
		}
	})
}
