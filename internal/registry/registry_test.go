package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	user, err := s.EnsureUser(context.Background(), "test@example.com")
	require.NoError(t, err)
	return New(s, user), s
}

func localComputer() Computer {
	return Computer{
		Name:      "localhost",
		Transport: "core.local",
		Scheduler: "core.direct",
		WorkDir:   "/tmp/work",
	}
}

func TestPutComputer_Defaults(t *testing.T) {
	r, _ := newTestRegistry(t)

	c, err := r.PutComputer(context.Background(), localComputer())
	require.NoError(t, err)
	assert.Equal(t, "localhost", c.Hostname)
	assert.Equal(t, 1, c.DefaultMPIProcs)
}

func TestPutComputer_Validation(t *testing.T) {
	r, _ := newTestRegistry(t)

	bad := localComputer()
	bad.WorkDir = "relative/dir"
	bad.Scheduler = ""
	_, err := r.PutComputer(context.Background(), bad)
	require.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "work_dir")
	assert.Contains(t, err.Error(), "scheduler is required")
}

func TestPutComputer_UniqueName(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.PutComputer(ctx, localComputer())
	require.NoError(t, err)
	_, err = r.PutComputer(ctx, localComputer())
	require.NoError(t, err)

	other := localComputer()
	other.WorkDir = "/elsewhere"
	_, err = r.PutComputer(ctx, other)
	assert.ErrorIs(t, err, store.ErrDuplicateName)
}

func TestUpdateComputer(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.UpdateComputer(ctx, localComputer())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = r.PutComputer(ctx, localComputer())
	require.NoError(t, err)

	changed := localComputer()
	changed.WorkDir = "/elsewhere"
	changed.Hostname = ""
	got, err := r.UpdateComputer(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", got.WorkDir)
	assert.Equal(t, "localhost", got.Hostname)

	loaded, err := r.GetComputer(ctx, changed.Name)
	require.NoError(t, err)
	assert.Equal(t, *got, *loaded)

	changed.WorkDir = "relative"
	_, err = r.UpdateComputer(ctx, changed)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestGetOrCreateComputer(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, created, err := r.GetOrCreateComputer(ctx, localComputer())
	require.NoError(t, err)
	assert.True(t, created)

	other := localComputer()
	other.WorkDir = "/elsewhere"
	got, created, err := r.GetOrCreateComputer(ctx, other)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "/tmp/work", got.WorkDir)
}

func TestGetComputer_NotFound(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.GetComputer(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCode_RoundTrip(t *testing.T) {
	r, s := newTestRegistry(t)
	ctx := context.Background()
	_, err := r.PutComputer(ctx, localComputer())
	require.NoError(t, err)

	put, err := r.PutCode(ctx, Code{
		Name:          "add",
		Computer:      "localhost",
		RemotePath:    "/bin/sh",
		InputTemplate: "echo {{.x}}",
		OutputSchema:  []OutputSpec{{Name: "sum", File: "job.out", Format: FormatInt, Required: true}},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultInputFilename, put.InputFilename)

	node, err := s.GetNode(ctx, put.NodeID)
	require.NoError(t, err)
	assert.True(t, node.Sealed)
	assert.Equal(t, store.KindCode, node.Kind)

	byName, err := r.GetCode(ctx, "add")
	require.NoError(t, err)
	byLabel, err := r.GetCode(ctx, "add@localhost")
	require.NoError(t, err)
	assert.Equal(t, put.NodeID, byName.NodeID)
	assert.Equal(t, put.NodeID, byLabel.NodeID)
	assert.Equal(t, "echo {{.x}}", byName.InputTemplate)
	require.Len(t, byName.OutputSchema, 1)
	assert.True(t, byName.OutputSchema[0].Required)

	_, err = r.GetCode(ctx, "add@other")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestGetCode_Ambiguous(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, name := range []string{"a", "b"} {
		c := localComputer()
		c.Name = name
		_, err := r.PutComputer(ctx, c)
		require.NoError(t, err)
		_, err = r.PutCode(ctx, Code{Name: "sim", Computer: name, RemotePath: "/bin/true"})
		require.NoError(t, err)
	}

	_, err := r.GetCode(ctx, "sim")
	assert.ErrorIs(t, err, ErrAmbiguousCode)

	c, err := r.GetCode(ctx, "sim@b")
	require.NoError(t, err)
	assert.Equal(t, "b", c.Computer)
}

func TestCode_Validation(t *testing.T) {
	tests := []struct {
		name string
		code Code
	}{
		{"missing remote path", Code{Name: "x", Computer: "c"}},
		{"bad format", Code{Name: "x", Computer: "c", RemotePath: "/x",
			OutputSchema: []OutputSpec{{Name: "o", File: "f", Format: "xml"}}}},
		{"reserved exit code", Code{Name: "x", Computer: "c", RemotePath: "/x",
			ErrorPatterns: []ErrorPattern{{Pattern: "boom", ExitCode: 300}}}},
		{"bad regexp", Code{Name: "x", Computer: "c", RemotePath: "/x",
			ErrorPatterns: []ErrorPattern{{Pattern: "(", ExitCode: 400}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.code.Validate(), ErrInvalid)
		})
	}
}

func TestSplitCodeRef(t *testing.T) {
	name, computer := SplitCodeRef("pw.x@local_direct")
	assert.Equal(t, "pw.x", name)
	assert.Equal(t, "local_direct", computer)

	name, computer = SplitCodeRef("add")
	assert.Equal(t, "add", name)
	assert.Empty(t, computer)
}

func TestRecognizesExitCode(t *testing.T) {
	c := Code{ErrorPatterns: []ErrorPattern{{Pattern: "x", ExitCode: 410}}}
	assert.True(t, c.RecognizesExitCode(410))
	assert.False(t, c.RecognizesExitCode(411))
}

func TestDuration(t *testing.T) {
	c := localComputer()
	c.MinimumPollInterval = -time.Second
	assert.ErrorIs(t, c.Validate(), ErrInvalid)
}
