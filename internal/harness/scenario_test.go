package harness

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScenario_Valid(t *testing.T) {
	sc, err := LoadScenario("testdata/scenarios/calcjob_success.yaml")
	require.NoError(t, err)

	assert.Equal(t, "calcjob_success", sc.Name)
	assert.Equal(t, filepath.Join("testdata", "registry.yaml"), sc.resolve(sc.Registry))
	assert.Equal(t, "parameters", sc.Inputs["parameters"])
	require.Len(t, sc.Data, 1)
	assert.Equal(t, 3, sc.Data[0].Attributes["x"])
	assert.Contains(t, sc.Jobs["/opt/bin/double"].Files, "result.json")
	assert.Len(t, sc.Assertions, 5)
}

// writeScenario writes body next to copies of the fixture registry and
// definition, so relative paths resolve.
func writeScenario(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	for _, name := range []string{"registry.yaml", "double.yaml"} {
		data, err := os.ReadFile(filepath.Join("testdata", name))
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
	}
	p := filepath.Join(dir, "scenario.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

const scenarioHeader = `name: s
description: d
registry: registry.yaml
process: double.yaml
`

func TestLoadScenario_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "unknown field",
			body: scenarioHeader + "assertion:\n  - type: final_state\n",
			want: "field assertion not found",
		},
		{
			name: "missing name",
			body: "description: d\nregistry: registry.yaml\nprocess: double.yaml\nassertions: [{type: final_state, state: FINISHED}]\n",
			want: "name is required",
		},
		{
			name: "missing registry file",
			body: "name: s\ndescription: d\nregistry: nope.yaml\nprocess: double.yaml\nassertions: [{type: final_state, state: FINISHED}]\n",
			want: "file not found: nope.yaml",
		},
		{
			name: "no assertions",
			body: scenarioHeader,
			want: "assertions list is required",
		},
		{
			name: "unknown input data",
			body: scenarioHeader + "inputs: {parameters: missing}\nassertions: [{type: final_state, state: FINISHED}]\n",
			want: `unknown data "missing"`,
		},
		{
			name: "unknown failure op",
			body: scenarioHeader + "failures: {delete: 1}\nassertions: [{type: final_state, state: FINISHED}]\n",
			want: `unknown operation "delete"`,
		},
		{
			name: "bad status",
			body: scenarioHeader + "scheduler: {statuses: [PENDING]}\nassertions: [{type: final_state, state: FINISHED}]\n",
			want: `unknown job status "PENDING"`,
		},
		{
			name: "final_state without state",
			body: scenarioHeader + "assertions: [{type: final_state}]\n",
			want: "state is required",
		},
		{
			name: "bad role",
			body: scenarioHeader + "assertions: [{type: link_count, role: OWNS}]\n",
			want: `invalid role "OWNS"`,
		},
		{
			name: "not_called root",
			body: scenarioHeader + "assertions: [{type: not_called}]\n",
			want: "process is required for not_called",
		},
		{
			name: "unknown assertion",
			body: scenarioHeader + "assertions: [{type: trace_order}]\n",
			want: `unknown assertion type "trace_order"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadScenario(writeScenario(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario("testdata/scenarios/nope.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}
