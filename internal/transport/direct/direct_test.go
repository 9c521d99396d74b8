package direct

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/transport"
	"github.com/roach88/provflow/internal/transport/local"
)

func TestScriptHeader_Deterministic(t *testing.T) {
	s := New()
	res := transport.JobResources{JobName: "add", NumMachines: 1, MPIProcsPerMachine: 2, Walltime: time.Hour}

	h1 := s.ScriptHeader(res)
	h2 := s.ScriptHeader(res)
	assert.Equal(t, h1, h2)
	assert.Equal(t, "#!/bin/bash\n# job: add\n# machines: 1\n# mpiprocs_per_machine: 2\n# walltime: 1h0m0s\n", h1)
}

func TestParseStatus(t *testing.T) {
	tests := []struct {
		out    string
		status transport.JobStatus
		reason string
	}{
		{"running\n", transport.StatusRunning, ""},
		{"exit 0\n", transport.StatusDone, ""},
		{"exit 1\n", transport.StatusDone, ""},
		{"exit 137\n", transport.StatusFailed, transport.ReasonWalltime},
		{"exit\n", transport.StatusUnknown, ""},
		{"gone\n", transport.StatusFailed, "process vanished"},
		{"", transport.StatusUnknown, ""},
	}
	for _, tt := range tests {
		info := parseStatus(tt.out)
		assert.Equal(t, tt.status, info.Status, "output %q", tt.out)
		assert.Equal(t, tt.reason, info.Reason, "output %q", tt.out)
	}
}

func TestSubmitAndPoll(t *testing.T) {
	ctx := context.Background()
	work := t.TempDir()
	sess, err := local.New().Open(ctx, &registry.Computer{Name: "localhost", WorkDir: work})
	require.NoError(t, err)
	defer sess.Close()

	script := filepath.Join(work, "_job.sh")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/bash\necho 42 > out.txt\n"), 0o755))

	s := New()
	jobID, err := s.Submit(ctx, sess, script, work, transport.JobResources{})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	require.Eventually(t, func() bool {
		info, err := s.Status(ctx, sess, jobID, work)
		return err == nil && info.Status == transport.StatusDone
	}, 10*time.Second, 50*time.Millisecond)

	data, err := os.ReadFile(filepath.Join(work, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	assert.NoError(t, s.Cancel(ctx, sess, jobID, work), "cancelling a finished job is a no-op")
}

type plainSession struct{ transport.Session }

func TestSubmit_RequiresRunner(t *testing.T) {
	_, err := New().Submit(context.Background(), plainSession{}, "x", "/tmp", transport.JobResources{})
	assert.True(t, transport.IsRemoteIO(err))
}
