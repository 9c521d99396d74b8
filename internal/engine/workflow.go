package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/roach88/provflow/internal/store"
)

var errUnresolved = errors.New("unresolved reference")

// stepWorkflow advances the workflow as far as it can without waiting:
// skipped steps and finished children are consumed in one call, and the
// call returns once a child is submitted or still running.
func (e *Engine) stepWorkflow(ctx context.Context, p *process) (bool, error) {
	var cp workflowCheckpoint
	if err := decodeCheckpoint(p.rec.Checkpoint, &cp); err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}
	if err := checkVersion(cp.Version); err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}
	if len(cp.Steps) != len(p.def.Steps) {
		return false, faultf(p.node.ID, "checkpoint has %d steps, definition %d", len(cp.Steps), len(p.def.Steps))
	}

	commit := func() (bool, error) {
		data, err := encodeCheckpoint(cp)
		if err != nil {
			return false, err
		}
		p.rec.Checkpoint = data
		return true, nil
	}

	if p.rec.KillRequested {
		done, err := e.killWorkflow(ctx, p)
		if err != nil || !done {
			return false, err
		}
		return commit()
	}

	progressed := false
	if p.rec.State == store.StateCreated {
		p.rec.State = store.StateRunning
		progressed = true
	}

	for {
		if cp.Current >= len(p.def.Steps) {
			if err := e.completeWorkflow(ctx, p, &cp, ExitOK, ""); err != nil {
				return false, err
			}
			return commit()
		}
		st := p.def.Steps[cp.Current]
		sr := &cp.Steps[cp.Current]
		if p.rec.Stage != st.Name {
			p.rec.Stage = st.Name
			progressed = true
		}

		if sr.Child == 0 {
			if st.Guard != "" {
				ok, err := e.evalGuard(ctx, p, &cp, st.Guard)
				if err != nil {
					if errors.Is(err, errGuard) {
						p.except(fmt.Sprintf("step %q: %v", st.Name, err))
						return commit()
					}
					return false, err
				}
				if !ok {
					e.logger.Debug("step skipped by guard", "process", p.node.ID, "step", st.Name)
					sr.Skipped = true
					cp.Current++
					progressed = true
					continue
				}
			}
			child, err := e.startStep(ctx, p, &cp, st)
			if err != nil {
				if IsValidationError(err) {
					p.except(fmt.Sprintf("step %q: %v", st.Name, err))
					return commit()
				}
				return false, err
			}
			sr.Child = child
			p.rec.State = store.StateWaiting
			p.rec.NextRunAt = e.now().Add(e.cfg.PollInterval)
			return commit()
		}

		child, err := e.store.LoadProcess(ctx, sr.Child)
		if err != nil {
			return false, err
		}
		if !child.State.IsTerminal() {
			p.rec.NextRunAt = e.now().Add(e.cfg.PollInterval)
			if !progressed {
				return false, nil
			}
			p.rec.State = store.StateWaiting
			return commit()
		}

		sr.State = string(child.State)
		sr.ExitCode = child.ExitCode
		progressed = true
		p.rec.State = store.StateRunning

		c, msg, err := e.continuation(ctx, st, child)
		if err != nil {
			return false, err
		}
		e.logger.Debug("step completed",
			"process", p.node.ID,
			"step", st.Name,
			"child", sr.Child,
			"child_state", child.State,
			"action", c.kind,
		)
		switch c.kind {
		case contContinue:
			cp.Current++
		case contGoto:
			target := stepIndex(p.def, c.target)
			for k := cp.Current + 1; k < target; k++ {
				cp.Steps[k].Skipped = true
			}
			cp.Current = target
		case contFinish:
			code := *child.ExitCode
			if c.exitCode != nil {
				code = *c.exitCode
			}
			if err := e.completeWorkflow(ctx, p, &cp, code, msg); err != nil {
				return false, err
			}
			return commit()
		case contFail:
			p.except(msg)
			return commit()
		}
	}
}

func stepIndex(def *Definition, name string) int {
	for i, st := range def.Steps {
		if st.Name == name {
			return i
		}
	}
	return len(def.Steps)
}

// startStep submits the step's child with a CALL link named after the step.
// A child already linked under that name is reused, which makes the
// submission idempotent across a lost save.
func (e *Engine) startStep(ctx context.Context, p *process, cp *workflowCheckpoint, st StepDef) (int64, error) {
	link, err := e.store.OutgoingByName(ctx, p.node.ID, store.RoleCall, st.Name)
	if err == nil {
		return link.TargetID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return 0, err
	}

	inputs := make(map[string]int64, len(st.Inputs))
	for _, name := range sortedKeys(st.Inputs) {
		id, err := e.resolveRef(ctx, p, cp, st.Inputs[name])
		if err != nil {
			return 0, wrapValidation(fmt.Errorf("input %q: %w", name, err))
		}
		inputs[name] = id
	}
	child, err := e.submit(ctx, st.Process, inputs, &store.CallLink{ParentID: p.node.ID, Name: st.Name})
	if err != nil {
		return 0, err
	}
	e.logger.Info("step started", "process", p.node.ID, "step", st.Name, "child", child.ID)
	return child.ID, nil
}

// resolveRef returns the Data node a reference points to: a workflow input,
// or an output of an earlier step's child (CREATE for a CalcJob, RETURN for
// a nested Workflow).
func (e *Engine) resolveRef(ctx context.Context, p *process, cp *workflowCheckpoint, s string) (int64, error) {
	r, err := parseRef(s)
	if err != nil {
		return 0, err
	}
	if r.step == "" {
		ids, err := e.inputIDs(ctx, p)
		if err != nil {
			return 0, err
		}
		id, ok := ids[r.name]
		if !ok || r.name == CodeInputName {
			return 0, fmt.Errorf("%s: %w", s, errUnresolved)
		}
		return id, nil
	}

	var child int64
	for _, sr := range cp.Steps {
		if sr.Name == r.step {
			child = sr.Child
		}
	}
	if child == 0 {
		return 0, fmt.Errorf("%s: step did not run: %w", s, errUnresolved)
	}
	return e.childOutput(ctx, child, r.name)
}

func (e *Engine) childOutput(ctx context.Context, child int64, name string) (int64, error) {
	rec, err := e.store.LoadProcess(ctx, child)
	if err != nil {
		return 0, err
	}
	role := store.RoleCreate
	if rec.Type == store.KindWorkflow {
		role = store.RoleReturn
	}
	link, err := e.store.OutgoingByName(ctx, child, role, name)
	if errors.Is(err, store.ErrNotFound) {
		return 0, fmt.Errorf("output %q of process %d: %w", name, child, errUnresolved)
	}
	if err != nil {
		return 0, err
	}
	return link.TargetID, nil
}

// continuation decides what a terminal child means for the workflow.
// Explicit on_exit entries apply to FINISHED children: an exact code first,
// then "*" for any non-zero code. Without one, success continues, a
// recognized failure code finishes the workflow with that code, and
// anything else fails it unless the step is optional.
func (e *Engine) continuation(ctx context.Context, st StepDef, child *store.ProcessRecord) (continuation, string, error) {
	if child.State == store.StateFinished && child.ExitCode != nil {
		code := *child.ExitCode
		action, ok := st.OnExit[strconv.Itoa(code)]
		if !ok && code != ExitOK {
			action, ok = st.OnExit["*"]
		}
		if ok {
			c, err := parseContinuation(action)
			if err != nil {
				return continuation{}, "", faultf(child.NodeID, "step %q: %v", st.Name, err)
			}
			return c, fmt.Sprintf("step %q exited with %d (on_exit %s)", st.Name, code, action), nil
		}
		if code == ExitOK {
			return continuation{kind: contContinue}, "", nil
		}
		recognized, err := e.recognizesExitCode(ctx, child, code)
		if err != nil {
			return continuation{}, "", err
		}
		if recognized {
			return continuation{kind: contFinish}, fmt.Sprintf("step %q exited with %d: %s", st.Name, code, child.ExitMessage), nil
		}
		if st.Optional {
			return continuation{kind: contContinue}, "", nil
		}
		return continuation{kind: contFail}, fmt.Sprintf("step %q: unhandled exit code %d: %s", st.Name, code, child.ExitMessage), nil
	}

	if st.Optional {
		return continuation{kind: contContinue}, "", nil
	}
	return continuation{kind: contFail}, fmt.Sprintf("step %q: child %d %s: %s", st.Name, child.NodeID, child.State, child.ExitMessage), nil
}

// recognizesExitCode reports whether a non-zero code is a declared failure
// mode of the child, as opposed to the generic fallback.
func (e *Engine) recognizesExitCode(ctx context.Context, child *store.ProcessRecord, code int) (bool, error) {
	if code == ExitUnspecified {
		return false, nil
	}
	if isEngineExitCode(code) || child.Type == store.KindWorkflow {
		return true, nil
	}
	link, err := e.store.QueryLinks(ctx, child.NodeID, store.RoleInput, store.Incoming)
	if err != nil {
		return false, err
	}
	for _, l := range link {
		if l.Name != CodeInputName {
			continue
		}
		c, err := e.registry.GetCodeByNode(ctx, l.SourceID)
		if err != nil {
			return false, err
		}
		return c.RecognizesExitCode(code), nil
	}
	return false, nil
}

// completeWorkflow returns the declared outputs and finishes with code. A
// successful workflow must resolve every output; one finishing with a
// failure code returns what it can.
func (e *Engine) completeWorkflow(ctx context.Context, p *process, cp *workflowCheckpoint, code int, msg string) error {
	for _, name := range sortedKeys(p.def.Outputs) {
		id, err := e.resolveRef(ctx, p, cp, p.def.Outputs[name])
		if errors.Is(err, errUnresolved) {
			if code == ExitOK {
				p.except(fmt.Sprintf("output %q: %v", name, err))
				return nil
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := e.store.ReturnOutput(ctx, p.node.ID, id, name); err != nil {
			return err
		}
	}
	p.finish(code, msg)
	return nil
}

// killWorkflow propagates the kill to running children and reports whether
// all of them have stopped, at which point the workflow is KILLED.
func (e *Engine) killWorkflow(ctx context.Context, p *process) (bool, error) {
	calls, err := e.store.QueryLinks(ctx, p.node.ID, store.RoleCall, store.Outgoing)
	if err != nil {
		return false, err
	}
	running := 0
	for _, l := range calls {
		child, err := e.store.LoadProcess(ctx, l.TargetID)
		if err != nil {
			return false, err
		}
		if child.State.IsTerminal() {
			continue
		}
		running++
		if !child.KillRequested {
			if err := e.Kill(ctx, l.TargetID); err != nil {
				return false, err
			}
		}
	}
	if running > 0 {
		p.rec.NextRunAt = e.now().Add(e.cfg.PollInterval)
		return false, nil
	}
	p.killed("killed by request")
	return true, nil
}
