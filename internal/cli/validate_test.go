package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runValidateCommand(t *testing.T, format string, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	cmd := NewValidateCommand(&RootOptions{Format: format, Database: filepath.Join(t.TempDir(), "provflow.db")})
	cmd.SetOut(buf)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func writeDefinition(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "def.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const workflowYAML = `type: workflow
label: chain
steps:
  - name: first
    process: {type: calcjob, code: double@cluster}
    inputs: {parameters: inputs.a}
  - name: second
    process: {type: calcjob, code: double@cluster}
    inputs: {parameters: steps.first.outputs.result}
    on_exit: {"410": continue}
outputs:
  result: steps.second.outputs.result
`

func TestValidateOfflineValid(t *testing.T) {
	out, err := runValidateCommand(t, "text", writeDefinition(t, workflowYAML), "--offline")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Definition valid")
}

func TestValidateOfflineValidJSON(t *testing.T) {
	out, err := runValidateCommand(t, "json", writeDefinition(t, workflowYAML), "--offline")
	require.NoError(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.True(t, resp.Data.Valid)
}

func TestValidateNonExistentFile(t *testing.T) {
	_, err := runValidateCommand(t, "text", filepath.Join(t.TempDir(), "missing.yaml"), "--offline")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeUnreadable)
}

func TestValidateStructureErrors(t *testing.T) {
	def := `type: workflow
steps:
  - name: first
    process: {type: calcjob}
    inputs: {parameters: steps.second.outputs.result}
    on_exit: {"abc": continue, "1": "goto:first"}
  - name: first
    process: {type: calcjob, code: x@y}
    guard: "inputs.a >"
`
	out, err := runValidateCommand(t, "text", writeDefinition(t, def), "--offline")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, ErrCodeStructure)
	assert.Contains(t, out, "calcjob needs a code")
	assert.Contains(t, out, `duplicate step "first"`)
	assert.Contains(t, out, "is not an exit code")
}

func TestValidateStructureErrorsJSON(t *testing.T) {
	out, err := runValidateCommand(t, "json", writeDefinition(t, "type: calcjob\nresources: {walltime: soon}\n"), "--offline")
	require.Error(t, err)

	var resp struct {
		Status string           `json:"status"`
		Data   ValidationResult `json:"data"`
		Error  *CLIError        `json:"error"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.False(t, resp.Data.Valid)
	assert.Len(t, resp.Data.Errors, 2)
	assert.Equal(t, ErrCodeStructure, resp.Error.Code)
}

func TestValidateAgainstRegistry(t *testing.T) {
	c := newCLIEnv(t)
	c.setup()
	def := c.writeFile("wf.yaml", workflowYAML)
	out := c.mustRun("validate", def)
	assert.Contains(t, out, "✓ Definition valid")

	missing := c.writeFile("missing.yaml", "type: calcjob\ncode: nope@cluster\n")
	out, err := c.run("validate", missing)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, ErrCodeRegistry)
}

func TestSplitErrors(t *testing.T) {
	errs := splitErrors("E1", assert.AnError)
	require.Len(t, errs, 1)
	assert.Equal(t, ValidationError{Code: "E1", Message: assert.AnError.Error()}, errs[0])
}
