package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFile_YAML(t *testing.T) {
	f, err := ParseFile("testdata/registry.yaml")
	require.NoError(t, err)

	require.Len(t, f.Computers, 1)
	c := f.Computers[0]
	assert.Equal(t, "localhost", c.Name)
	assert.Equal(t, "localhost", c.Hostname, "schema default")
	assert.Equal(t, 2*time.Second, c.MinimumPollInterval)

	require.Len(t, f.Codes, 1)
	assert.Equal(t, "int", f.Codes[0].OutputSchema[0].Format)
	assert.Contains(t, f.Codes[0].InputTemplate, "{{.x}}")
}

func TestParseFile_CUE(t *testing.T) {
	f, err := ParseFile("testdata/registry.cue")
	require.NoError(t, err)

	require.Len(t, f.Computers, 1)
	assert.Equal(t, "login.example.org", f.Computers[0].Hostname)
	require.Len(t, f.Codes, 1)
	require.Len(t, f.Codes[0].ErrorPatterns, 1)
	assert.Equal(t, 410, f.Codes[0].ErrorPatterns[0].ExitCode)
}

func TestParse_SchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"relative work dir", `
computers:
  - {name: a, transport: core.local, scheduler: core.direct, work_dir: rel}
`},
		{"unknown field", `
computers:
  - {name: a, transport: core.local, scheduler: core.direct, work_dir: /w, color: red}
`},
		{"bad output format", `
codes:
  - name: x
    computer: a
    remote_path: /x
    output_schema: [{name: o, file: f, format: xml}]
`},
		{"reserved exit code", `
codes:
  - name: x
    computer: a
    remote_path: /x
    error_patterns: [{pattern: p, exit_code: 120}]
`},
		{"bad duration", `
computers:
  - {name: a, transport: core.local, scheduler: core.direct, work_dir: /w, minimum_poll_interval: soon}
`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), "reg.yaml")
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestParse_UnsupportedExtension(t *testing.T) {
	_, err := Parse([]byte("{}"), "reg.toml")
	assert.Error(t, err)
}

func TestLoadFile_Idempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	res, err := r.LoadFile(ctx, "testdata/registry.yaml")
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost"}, res.Computers)
	assert.Equal(t, []string{"add@localhost"}, res.Codes)

	first, err := r.GetCode(ctx, "add")
	require.NoError(t, err)

	_, err = r.LoadFile(ctx, "testdata/registry.yaml")
	require.NoError(t, err)

	again, err := r.GetCode(ctx, "add")
	require.NoError(t, err)
	assert.Equal(t, first.NodeID, again.NodeID)
}
