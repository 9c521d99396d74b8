package engine

import (
	"path"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/testutil"
	"github.com/roach88/provflow/internal/transport"
)

func calcStep(name, input string) StepDef {
	return StepDef{
		Name:    name,
		Process: calcJobDef(),
		Inputs:  map[string]string{"parameters": input},
	}
}

func twoStepWorkflow() *Definition {
	return &Definition{
		Type:  TypeWorkflow,
		Label: "two-step",
		Steps: []StepDef{
			calcStep("first", "inputs.a"),
			calcStep("second", "inputs.b"),
		},
		Outputs: map[string]string{
			"first":  "steps.first.outputs.result",
			"second": "steps.second.outputs.result",
		},
	}
}

func (h *harness) twoInputs(a, b int64) map[string]int64 {
	return map[string]int64{
		"a": h.data(ir.Object{"x": ir.Int(a)}),
		"b": h.data(ir.Object{"x": ir.Int(b)}),
	}
}

func callNames(h *harness, id int64) []string {
	var names []string
	for _, l := range h.links(id, store.RoleCall, store.Outgoing) {
		names = append(names, l.Name)
	}
	return names
}

func TestWorkflow_SequentialSteps(t *testing.T) {
	h := newHarness(t)
	id := h.submit(twoStepWorkflow(), h.twoInputs(1, 2))

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, ExitOK, *st.ExitCode)
	assert.ElementsMatch(t, []string{"first", "second"}, callNames(h, id))

	returns := h.links(id, store.RoleReturn, store.Outgoing)
	require.Len(t, returns, 2)
	for _, l := range returns {
		creators := h.links(l.TargetID, store.RoleCreate, store.Incoming)
		require.Len(t, creators, 1, "returned data keeps its single creator")
	}

	node := h.node(id)
	assert.True(t, node.Sealed)
	assert.Equal(t, store.KindWorkflow, node.Kind)
	assert.Len(t, h.sched.Submitted(), 2)
}

func TestWorkflow_RecognizedFailureStopsWorkflow(t *testing.T) {
	h := newHarness(t)
	id := h.submit(twoStepWorkflow(), h.twoInputs(-1, 2))

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	require.NotNil(t, st.ExitCode)
	assert.Equal(t, 410, *st.ExitCode)
	assert.Contains(t, st.ExitMessage, "did not converge")

	assert.Equal(t, []string{"first"}, callNames(h, id))
	assert.Len(t, h.sched.Submitted(), 1)
	assert.Empty(t, h.links(id, store.RoleReturn, store.Outgoing))
}

func TestWorkflow_ExplicitContinuation(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()
	def.Steps[0].OnExit = map[string]string{"410": "continue"}
	def.Outputs = map[string]string{"second": "steps.second.outputs.result"}
	id := h.submit(def, h.twoInputs(-1, 2))

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	assert.Equal(t, ExitOK, *st.ExitCode)
	assert.ElementsMatch(t, []string{"first", "second"}, callNames(h, id))
	assert.Len(t, h.links(id, store.RoleReturn, store.Outgoing), 1)
}

func TestWorkflow_OnExitActions(t *testing.T) {
	tests := []struct {
		name      string
		onExit    map[string]string
		wantState store.ProcessState
		wantCode  *int
		wantCalls []string
	}{
		{
			name:      "finish with override",
			onExit:    map[string]string{"410": "finish:7"},
			wantState: store.StateFinished,
			wantCode:  intPtr(7),
			wantCalls: []string{"first"},
		},
		{
			name:      "wildcard fail",
			onExit:    map[string]string{"*": "fail"},
			wantState: store.StateExcepted,
			wantCalls: []string{"first"},
		},
		{
			name:      "wildcard continue",
			onExit:    map[string]string{"*": "continue"},
			wantState: store.StateFinished,
			wantCode:  intPtr(0),
			wantCalls: []string{"first", "second"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			def := twoStepWorkflow()
			def.Outputs = nil
			def.Steps[0].OnExit = tt.onExit
			id := h.submit(def, h.twoInputs(-1, 2))

			st := h.run(id)
			assert.Equal(t, tt.wantState, st.State)
			assert.Equal(t, tt.wantCode, st.ExitCode)
			assert.ElementsMatch(t, tt.wantCalls, callNames(h, id))
		})
	}
}

func intPtr(n int) *int { return &n }

func TestWorkflow_UnrecognizedFailure(t *testing.T) {
	// x == 1 dies before recording an exit status.
	job := func(fs *testutil.StubFS, dir string) int {
		in, _ := fs.Read(path.Join(dir, "job.in"))
		if strings.TrimSpace(string(in)) == "x = 1" {
			return -1
		}
		return doubleJob(fs, dir)
	}
	for _, optional := range []bool{false, true} {
		name := "required"
		if optional {
			name = "optional"
		}
		t.Run(name, func(t *testing.T) {
			sched := testutil.NewStubScheduler()
			sched.Job = job
			h := newHarness(t, withScheduler(sched))

			def := twoStepWorkflow()
			def.Outputs = nil
			def.Steps[0].Optional = optional
			id := h.submit(def, h.twoInputs(1, 2))

			st := h.run(id)
			first, err := h.store.OutgoingByName(h.ctx, id, store.RoleCall, "first")
			require.NoError(t, err)
			firstSt, err := h.engine.Status(h.ctx, first.TargetID)
			require.NoError(t, err)
			assert.Equal(t, ExitUnspecified, *firstSt.ExitCode)

			if optional {
				assert.Equal(t, store.StateFinished, st.State)
				assert.Equal(t, ExitOK, *st.ExitCode)
				assert.ElementsMatch(t, []string{"first", "second"}, callNames(h, id))
				return
			}
			assert.Equal(t, store.StateExcepted, st.State)
			assert.Contains(t, st.ExitMessage, "unhandled exit code 399")
			assert.Equal(t, []string{"first"}, callNames(h, id))
		})
	}
}

func TestWorkflow_ExceptedChild(t *testing.T) {
	for _, optional := range []bool{false, true} {
		name := "required"
		if optional {
			name = "optional"
		}
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, withConfig(func(c *Config) { c.Backoff.MaxRetries = 0 }))
			h.sched.FailSubmit(connErr("submit"))

			def := twoStepWorkflow()
			def.Outputs = nil
			def.Steps[0].Optional = optional
			id := h.submit(def, h.twoInputs(1, 2))

			st := h.run(id)
			if optional {
				assert.Equal(t, store.StateFinished, st.State)
				assert.Equal(t, ExitOK, *st.ExitCode)
				assert.ElementsMatch(t, []string{"first", "second"}, callNames(h, id))
				return
			}
			assert.Equal(t, store.StateExcepted, st.State)
			assert.Contains(t, st.ExitMessage, `step "first"`)
			assert.Equal(t, []string{"first"}, callNames(h, id))
		})
	}
}

func TestWorkflow_GuardSkipsStep(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()
	def.Steps[0].Guard = "inputs.a.x > 10"
	def.Steps[1].Guard = "steps.first.skipped"
	def.Outputs = map[string]string{"second": "steps.second.outputs.result"}
	id := h.submit(def, h.twoInputs(4, 2))

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	assert.Equal(t, ExitOK, *st.ExitCode)
	assert.Equal(t, []string{"second"}, callNames(h, id))

	rec, err := h.store.LoadProcess(h.ctx, id)
	require.NoError(t, err)
	var cp workflowCheckpoint
	require.NoError(t, decodeCheckpoint(rec.Checkpoint, &cp))
	assert.True(t, cp.Steps[0].Skipped)
	assert.Zero(t, cp.Steps[0].Child)
}

func TestWorkflow_GuardSeesEarlierOutputs(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()
	def.Steps[1].Guard = "steps.first.exit_code == 0 && steps.first.outputs.result.value.y == 8"
	def.Outputs = nil
	id := h.submit(def, h.twoInputs(4, 2))

	h.run(id)
	assert.ElementsMatch(t, []string{"first", "second"}, callNames(h, id))
}

func TestWorkflow_BadGuardExcepts(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()
	def.Steps[0].Guard = "inputs.a.x"
	def.Outputs = nil
	id := h.submit(def, h.twoInputs(4, 2))

	st := h.run(id)
	assert.Equal(t, store.StateExcepted, st.State)
	assert.Contains(t, st.ExitMessage, "not a boolean")
	assert.Empty(t, callNames(h, id))
}

func TestWorkflow_GotoSkipsIntermediateSteps(t *testing.T) {
	h := newHarness(t)
	def := &Definition{
		Type: TypeWorkflow,
		Steps: []StepDef{
			calcStep("a", "inputs.a"),
			calcStep("b", "inputs.a"),
			calcStep("c", "inputs.b"),
		},
		Outputs: map[string]string{"result": "steps.c.outputs.result"},
	}
	def.Steps[0].OnExit = map[string]string{"0": "goto:c"}
	id := h.submit(def, h.twoInputs(1, 2))

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	assert.Equal(t, ExitOK, *st.ExitCode)
	assert.ElementsMatch(t, []string{"a", "c"}, callNames(h, id))

	rec, err := h.store.LoadProcess(h.ctx, id)
	require.NoError(t, err)
	var cp workflowCheckpoint
	require.NoError(t, decodeCheckpoint(rec.Checkpoint, &cp))
	assert.True(t, cp.Steps[1].Skipped)
	assert.Equal(t, 3, cp.Current)
}

func TestWorkflow_MissingOutputExcepts(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()
	def.Steps[0].Guard = "false"
	def.Outputs = map[string]string{"first": "steps.first.outputs.result"}
	id := h.submit(def, h.twoInputs(1, 2))

	st := h.run(id)
	assert.Equal(t, store.StateExcepted, st.State)
	assert.Contains(t, st.ExitMessage, `output "first"`)
}

func TestWorkflow_ChainsOutputsIntoNextStep(t *testing.T) {
	h := newHarness(t)
	_, err := h.reg.PutCode(h.ctx, echoCode())
	require.NoError(t, err)

	def := &Definition{
		Type: TypeWorkflow,
		Steps: []StepDef{
			calcStep("double", "inputs.p"),
			{
				Name:    "echo",
				Process: &Definition{Type: TypeCalcJob, Code: "echo@cluster"},
				Inputs:  map[string]string{"doubled": "steps.double.outputs.result"},
			},
		},
		Outputs: map[string]string{"y": "steps.echo.outputs.y"},
	}
	h.sched.Job = chainJob
	id := h.submit(def, map[string]int64{"p": h.data(ir.Object{"x": ir.Int(21)})})

	st := h.run(id)
	require.Equal(t, store.StateFinished, st.State, st.ExitMessage)

	ret, err := h.store.OutgoingByName(h.ctx, id, store.RoleReturn, "y")
	require.NoError(t, err)
	out := h.node(ret.TargetID)
	assert.Equal(t, ir.Int(42), out.Attributes["value"])
}

func TestWorkflow_Nested(t *testing.T) {
	h := newHarness(t)
	inner := &Definition{
		Type:    TypeWorkflow,
		Label:   "inner",
		Steps:   []StepDef{calcStep("calc", "inputs.p")},
		Outputs: map[string]string{"result": "steps.calc.outputs.result"},
	}
	outer := &Definition{
		Type:  TypeWorkflow,
		Label: "outer",
		Steps: []StepDef{{
			Name:    "inner",
			Process: inner,
			Inputs:  map[string]string{"p": "inputs.p"},
		}},
		Outputs: map[string]string{"result": "steps.inner.outputs.result"},
	}
	id := h.submit(outer, map[string]int64{"p": h.data(ir.Object{"x": ir.Int(3)})})

	st := h.run(id)
	require.Equal(t, store.StateFinished, st.State, st.ExitMessage)

	calls := h.links(id, store.RoleCall, store.Outgoing)
	require.Len(t, calls, 1)
	innerID := calls[0].TargetID
	assert.Equal(t, store.KindWorkflow, h.node(innerID).Kind)

	outerRet, err := h.store.OutgoingByName(h.ctx, id, store.RoleReturn, "result")
	require.NoError(t, err)
	innerRet, err := h.store.OutgoingByName(h.ctx, innerID, store.RoleReturn, "result")
	require.NoError(t, err)
	assert.Equal(t, innerRet.TargetID, outerRet.TargetID)

	want := ir.Object{"y": ir.Int(6)}
	assert.True(t, ir.Equal(want, h.node(outerRet.TargetID).Attributes["value"]))
}

func TestWorkflow_NestedFailurePropagates(t *testing.T) {
	h := newHarness(t)
	inner := &Definition{
		Type:  TypeWorkflow,
		Steps: []StepDef{calcStep("calc", "inputs.p")},
	}
	outer := &Definition{
		Type: TypeWorkflow,
		Steps: []StepDef{
			{Name: "inner", Process: inner, Inputs: map[string]string{"p": "inputs.p"}},
			calcStep("after", "inputs.p"),
		},
	}
	id := h.submit(outer, map[string]int64{"p": h.data(ir.Object{"x": ir.Int(-5)})})

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
	assert.Equal(t, 410, *st.ExitCode)
	assert.Equal(t, []string{"inner"}, callNames(h, id))
}

func TestWorkflow_IdleWaitDoesNotGrowHistory(t *testing.T) {
	sched := testutil.NewStubScheduler(transport.StatusQueued)
	h := newHarness(t, withScheduler(sched))
	def := twoStepWorkflow()
	def.Outputs = nil
	id := h.submit(def, h.twoInputs(1, 2))

	for range 6 {
		_, err := h.engine.RunOnce(h.ctx)
		require.NoError(t, err)
		next, err := h.store.NextDue(h.ctx)
		require.NoError(t, err)
		if next.After(h.clock.Now()) {
			h.clock.Set(next)
		}
	}
	before := len(h.history(id))
	for range 5 {
		h.step(id)
	}
	assert.Len(t, h.history(id), before)
}

func TestWorkflow_Kill(t *testing.T) {
	sched := testutil.NewStubScheduler(transport.StatusQueued)
	h := newHarness(t, withScheduler(sched))
	def := twoStepWorkflow()
	def.Outputs = nil
	id := h.submit(def, h.twoInputs(1, 2))

	for range 5 {
		_, err := h.engine.RunOnce(h.ctx)
		require.NoError(t, err)
	}
	calls := h.links(id, store.RoleCall, store.Outgoing)
	require.Len(t, calls, 1)
	child := calls[0].TargetID
	childSt, err := h.engine.Status(h.ctx, child)
	require.NoError(t, err)
	require.Equal(t, StageWaitingOnScheduler, childSt.Stage)

	require.NoError(t, h.engine.Kill(h.ctx, id))
	childSt, err = h.engine.Status(h.ctx, child)
	require.NoError(t, err)
	assert.True(t, childSt.KillRequested)

	st := h.run(id)
	assert.Equal(t, store.StateKilled, st.State)
	childSt, err = h.engine.Status(h.ctx, child)
	require.NoError(t, err)
	assert.Equal(t, store.StateKilled, childSt.State)
	assert.Equal(t, []string{"job-1"}, sched.Cancelled())
	assert.Equal(t, []string{"first"}, callNames(h, id))
}

func TestWorkflow_InputValidation(t *testing.T) {
	h := newHarness(t)
	def := twoStepWorkflow()

	_, err := h.engine.Submit(h.ctx, def, map[string]int64{"a": h.data(ir.Object{"x": ir.Int(1)})})
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
	assert.Contains(t, err.Error(), `"b"`)

	procs, err := h.store.ListProcesses(h.ctx, store.ProcessFilter{})
	require.NoError(t, err)
	assert.Empty(t, procs)
}

// echoCode reads "y = N" and writes N to y.txt.
func echoCode() registry.Code {
	return registry.Code{
		Name:          "echo",
		Computer:      testComputer,
		RemotePath:    "/opt/bin/echo",
		InputTemplate: "y = {{.doubled.value.y}}\n",
		OutputSchema: []registry.OutputSpec{
			{Name: "y", File: "y.txt", Format: registry.FormatInt, Required: true},
		},
	}
}

func chainJob(fs *testutil.StubFS, dir string) int {
	in, _ := fs.Read(path.Join(dir, registry.DefaultInputFilename))
	rest, ok := strings.CutPrefix(strings.TrimSpace(string(in)), "y =")
	if !ok {
		return doubleJob(fs, dir)
	}
	n, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 2
	}
	fs.Write(path.Join(dir, "y.txt"), []byte(strconv.Itoa(n)+"\n"))
	return 0
}
