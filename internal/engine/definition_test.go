package engine

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
)

const workflowYAML = `
type: workflow
label: relax-then-scf
steps:
  - name: relax
    process:
      type: calcjob
      code: double@cluster
      resources:
        num_machines: 2
        walltime: 30m
    inputs:
      parameters: inputs.p
    on_exit:
      "410": finish
  - name: scf
    guard: steps.relax.exit_code == 0
    optional: true
    process:
      type: calcjob
      code: double
    inputs:
      parameters: inputs.p
outputs:
  result: steps.scf.outputs.result
`

func TestParseDefinition(t *testing.T) {
	def, err := ParseDefinition([]byte(workflowYAML))
	require.NoError(t, err)
	require.NoError(t, def.Validate())

	assert.Equal(t, TypeWorkflow, def.Type)
	assert.Equal(t, "relax-then-scf", def.Label)
	require.Len(t, def.Steps, 2)

	relax := def.Steps[0]
	assert.Equal(t, "double@cluster", relax.Process.Code)
	assert.Equal(t, 2, relax.Process.Resources.NumMachines)
	assert.Equal(t, "30m", relax.Process.Resources.Walltime)
	assert.Equal(t, map[string]string{"410": "finish"}, relax.OnExit)

	scf := def.Steps[1]
	assert.True(t, scf.Optional)
	assert.Equal(t, "steps.relax.exit_code == 0", scf.Guard)
	assert.Equal(t, []string{"p"}, def.inputNames())
}

func TestParseDefinition_BadYAML(t *testing.T) {
	_, err := ParseDefinition([]byte("type: [unclosed"))
	require.Error(t, err)
	assert.True(t, IsValidationError(err))
}

func TestLoadDefinition(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wf.yaml")
	require.NoError(t, os.WriteFile(path, []byte(workflowYAML), 0o644))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Len(t, def.Steps, 2)

	_, err = LoadDefinition(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestDefinition_Validate(t *testing.T) {
	step := func(name string, mod func(*StepDef)) StepDef {
		s := calcStep(name, "inputs.p")
		if mod != nil {
			mod(&s)
		}
		return s
	}
	wf := func(steps ...StepDef) *Definition {
		return &Definition{Type: TypeWorkflow, Steps: steps}
	}

	tests := []struct {
		name    string
		def     *Definition
		wantErr string
	}{
		{"unknown type", &Definition{Type: "script"}, "unknown process type"},
		{"calcjob without code", &Definition{Type: TypeCalcJob}, "needs a code"},
		{"calcjob with steps", &Definition{Type: TypeCalcJob, Code: "c", Steps: []StepDef{step("a", nil)}}, "cannot declare steps"},
		{"negative resources", &Definition{Type: TypeCalcJob, Code: "c", Resources: Resources{NumMachines: -1}}, "negative"},
		{"workflow with code", &Definition{Type: TypeWorkflow, Code: "c", Steps: []StepDef{step("a", nil)}}, "cannot declare a code"},
		{"empty workflow", wf(), "at least one step"},
		{"unnamed step", wf(step("", nil)), "has no name"},
		{"duplicate step", wf(step("a", nil), step("a", nil)), `duplicate step "a"`},
		{"missing process", wf(step("a", func(s *StepDef) { s.Process = nil })), "missing process"},
		{"nested error is located", wf(step("a", func(s *StepDef) { s.Process.Code = "" })), `step "a": calcjob needs a code`},
		{"bad ref", wf(step("a", func(s *StepDef) { s.Inputs["parameters"] = "p" })), `bad reference "p"`},
		{"forward ref", wf(
			step("a", func(s *StepDef) { s.Inputs["parameters"] = "steps.b.outputs.result" }),
			step("b", nil),
		), "does not run earlier"},
		{"unknown step ref", wf(step("a", func(s *StepDef) { s.Inputs["parameters"] = "steps.z.outputs.r" })), `unknown step "z"`},
		{"reserved input", wf(step("a", func(s *StepDef) { s.Inputs["code"] = "inputs.p" })), "reserved"},
		{"bad guard", wf(step("a", func(s *StepDef) { s.Guard = "inputs.(" })), "guard"},
		{"bad on_exit key", wf(step("a", func(s *StepDef) { s.OnExit = map[string]string{"oops": "continue"} })), "not an exit code"},
		{"bad on_exit action", wf(step("a", func(s *StepDef) { s.OnExit = map[string]string{"1": "retry"} })), "unknown action"},
		{"backward goto", wf(
			step("a", nil),
			step("b", func(s *StepDef) { s.OnExit = map[string]string{"*": "goto:a"} }),
		), "must jump forward"},
		{"goto unknown", wf(step("a", func(s *StepDef) { s.OnExit = map[string]string{"*": "goto:z"} })), `goto unknown step "z"`},
		{"output unknown step", &Definition{
			Type:    TypeWorkflow,
			Steps:   []StepDef{step("a", nil)},
			Outputs: map[string]string{"r": "steps.b.outputs.r"},
		}, `output "r"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			require.Error(t, err)
			assert.True(t, IsValidationError(err))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefinition_ValidateCollectsAllErrors(t *testing.T) {
	def := &Definition{Type: TypeWorkflow, Steps: []StepDef{
		{Name: "a"},
		{Name: "a", Process: calcJobDef(), Inputs: map[string]string{"x": "nope"}},
	}}
	err := def.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate step")
	assert.Contains(t, err.Error(), "missing process")
	assert.Contains(t, err.Error(), "bad reference")
}

func TestDefinition_AttributeRoundTrip(t *testing.T) {
	def, err := ParseDefinition([]byte(workflowYAML))
	require.NoError(t, err)

	v, err := def.attribute()
	require.NoError(t, err)
	got, err := definitionFromAttributes(ir.Object{attrDefinition: v})
	require.NoError(t, err)
	assert.Equal(t, def, got)
}

func TestParseContinuation(t *testing.T) {
	c, err := parseContinuation("finish:12")
	require.NoError(t, err)
	assert.Equal(t, contFinish, c.kind)
	require.NotNil(t, c.exitCode)
	assert.Equal(t, 12, *c.exitCode)

	c, err = parseContinuation("goto:scf")
	require.NoError(t, err)
	assert.Equal(t, "scf", c.target)

	for _, bad := range []string{"", "continue:1", "finish:-1", "finish:x", "goto:", "jump"} {
		_, err := parseContinuation(bad)
		assert.Error(t, err, bad)
	}
}
