package engine

import (
	"context"
	"errors"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

var errGuard = errors.New("guard")

// evalGuard evaluates a step guard. The expression sees two identifiers:
//
//	inputs: {<name>: <attributes>}
//	steps:  {<name>: {skipped, state, exit_code, outputs: {<name>: <attributes>}}}
//
// where steps holds only the steps before the current one. Errors in the
// expression itself wrap errGuard.
func (e *Engine) evalGuard(ctx context.Context, p *process, cp *workflowCheckpoint, expr string) (bool, error) {
	scope, err := e.guardScope(ctx, p, cp)
	if err != nil {
		return false, err
	}
	return evalCUEBool(expr, scope)
}

func evalCUEBool(expr string, scope map[string]any) (bool, error) {
	cctx := cuecontext.New()
	sv := cctx.Encode(scope)
	if err := sv.Err(); err != nil {
		return false, fmt.Errorf("guard scope: %w", err)
	}
	v := cctx.CompileString(expr, cue.Scope(sv), cue.Filename("guard"))
	if err := v.Err(); err != nil {
		return false, fmt.Errorf("%w: %v", errGuard, err)
	}
	b, err := v.Bool()
	if err != nil {
		return false, fmt.Errorf("%w: %q is not a boolean: %v", errGuard, expr, err)
	}
	return b, nil
}

func (e *Engine) guardScope(ctx context.Context, p *process, cp *workflowCheckpoint) (map[string]any, error) {
	ids, err := e.inputIDs(ctx, p)
	if err != nil {
		return nil, err
	}
	inputs := make(map[string]any, len(ids))
	for name, id := range ids {
		if name == CodeInputName {
			continue
		}
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		inputs[name] = ir.ToAny(node.Attributes)
	}

	steps := make(map[string]any, cp.Current)
	for _, sr := range cp.Steps[:cp.Current] {
		entry := map[string]any{"skipped": sr.Skipped}
		if sr.Child != 0 {
			entry["state"] = sr.State
			if sr.ExitCode != nil {
				entry["exit_code"] = *sr.ExitCode
			}
			outputs, err := e.outputAttributes(ctx, sr.Child)
			if err != nil {
				return nil, err
			}
			entry["outputs"] = outputs
		}
		steps[sr.Name] = entry
	}
	return map[string]any{"inputs": inputs, "steps": steps}, nil
}

// outputAttributes maps the output names of a process to their attributes.
func (e *Engine) outputAttributes(ctx context.Context, id int64) (map[string]any, error) {
	rec, err := e.store.LoadProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	role := store.RoleCreate
	if rec.Type == store.KindWorkflow {
		role = store.RoleReturn
	}
	links, err := e.store.QueryLinks(ctx, id, role, store.Outgoing)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(links))
	for _, l := range links {
		node, err := e.store.GetNode(ctx, l.TargetID)
		if err != nil {
			return nil, err
		}
		out[l.Name] = ir.ToAny(node.Attributes)
	}
	return out, nil
}
