package engine

import (
	"bytes"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/store"
)

func TestRunOnce_StepsDueProcesses(t *testing.T) {
	h := newHarness(t)
	a := h.submit(calcJobDef(), h.params(1))
	b := h.submit(calcJobDef(), h.params(2))

	n, err := h.engine.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []int64{a, b} {
		st, err := h.engine.Status(h.ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StageUploading, st.Stage)
	}
}

func TestRunOnce_SkipsLeasedProcess(t *testing.T) {
	h := newHarness(t)
	id := h.submit(calcJobDef(), h.params(1))

	ok, err := h.store.AcquireLease(h.ctx, id, "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.engine.RunOnce(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	st, err := h.engine.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateCreated, st.State)
}

func TestRunLogged_ReportsLeaseErrors(t *testing.T) {
	h := newHarness(t)
	id := h.submit(calcJobDef(), h.params(1))

	var buf bytes.Buffer
	h.engine.logger = slog.New(slog.NewTextHandler(&buf, nil))
	_, err := h.store.DB().ExecContext(h.ctx, `
		CREATE TRIGGER refuse_lease BEFORE UPDATE OF lease_owner ON process_state
		BEGIN SELECT RAISE(ABORT, 'lease refused'); END`)
	require.NoError(t, err)

	h.engine.runLogged(h.ctx, id, "worker-test/0")
	assert.Contains(t, buf.String(), "step failed")
	assert.Contains(t, buf.String(), "lease refused")

	st, err := h.engine.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateCreated, st.State)
}

func TestRunOnce_ReleasesLease(t *testing.T) {
	h := newHarness(t)
	id := h.submit(calcJobDef(), h.params(1))

	_, err := h.engine.RunOnce(h.ctx)
	require.NoError(t, err)

	rec, err := h.store.LoadProcess(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.LeaseOwner)
}

func TestRecover_ClearsExpiredLeases(t *testing.T) {
	h := newHarness(t)
	id := h.submit(calcJobDef(), h.params(1))

	ok, err := h.store.AcquireLease(h.ctx, id, "crashed-worker", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	n, err := h.engine.Recover(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "lease still live")

	h.clock.Advance(2 * time.Minute)
	n, err = h.engine.Recover(h.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec, err := h.store.LoadProcess(h.ctx, id)
	require.NoError(t, err)
	assert.Empty(t, rec.LeaseOwner)

	st := h.run(id)
	assert.Equal(t, store.StateFinished, st.State)
}

func TestRun_DrivesWorkflowToCompletion(t *testing.T) {
	h := newHarness(t, withConfig(func(c *Config) {
		c.PollInterval = 20 * time.Millisecond
	}))
	id := h.submit(twoStepWorkflow(), h.twoInputs(1, 2))

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()

	// The fake clock does not move on its own; nudge it so the
	// workflow's wait on its children elapses.
	assert.Eventually(t, func() bool {
		h.clock.Advance(time.Second)
		st, err := h.engine.Status(h.ctx, id)
		return err == nil && st.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}

	st, err := h.engine.Status(h.ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateFinished, st.State)
	assert.Equal(t, ExitOK, *st.ExitCode)
	assert.Len(t, h.links(id, store.RoleReturn, store.Outgoing), 2)
}

func TestRun_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(h.ctx)
	cancel()

	err := h.engine.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
