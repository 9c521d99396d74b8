package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/testutil"
	"github.com/roach88/provflow/internal/transport"
)

const (
	testComputer = "cluster"
	testCode     = "double@cluster"
)

// harness wires an engine to a real SQLite store and stub plugins.
type harness struct {
	t      *testing.T
	ctx    context.Context
	store  *store.Store
	clock  *testutil.FakeClock
	reg    *registry.Registry
	user   *store.User
	tr     *testutil.StubTransport
	sched  *testutil.StubScheduler
	engine *Engine
}

type harnessOption func(*harnessConfig)

type harnessConfig struct {
	cfg     Config
	sched   *testutil.StubScheduler
	metrics *Metrics
}

func withConfig(fn func(*Config)) harnessOption {
	return func(hc *harnessConfig) { fn(&hc.cfg) }
}

func withScheduler(s *testutil.StubScheduler) harnessOption {
	return func(hc *harnessConfig) { hc.sched = s }
}

func withEngineMetrics(m *Metrics) harnessOption {
	return func(hc *harnessConfig) { hc.metrics = m }
}

func testConfig(t *testing.T) Config {
	return Config{
		Sandbox:      t.TempDir(),
		Workers:      2,
		PollInterval: 10 * time.Second,
		LeaseTimeout: time.Minute,
		StepTimeout:  5 * time.Second,
		Backoff: Backoff{
			Base:       20 * time.Second,
			Cap:        24 * time.Hour,
			Jitter:     0.2,
			MaxRetries: 5,
		},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	ctx := context.Background()

	hc := harnessConfig{cfg: testConfig(t), sched: testutil.NewStubScheduler()}
	for _, opt := range opts {
		opt(&hc)
	}
	if hc.sched.Job == nil {
		hc.sched.Job = doubleJob
	}

	clock := testutil.NewFakeClock()
	ids := testutil.NewSequentialIDs()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"),
		store.WithClock(clock.Now),
		store.WithUUIDGenerator(ids.Generate),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	user, err := s.EnsureUser(ctx, "test@example.com")
	require.NoError(t, err)
	reg := registry.New(s, user)

	_, err = reg.PutComputer(ctx, registry.Computer{
		Name:      testComputer,
		Hostname:  "cluster.example.com",
		Transport: testutil.StubName,
		Scheduler: testutil.StubName,
		WorkDir:   "/scratch",
	})
	require.NoError(t, err)
	_, err = reg.PutCode(ctx, doubleCode())
	require.NoError(t, err)

	tr := testutil.NewStubTransport()
	pool := transport.NewPool(testutil.StubPlugins(tr, hc.sched), transport.PoolConfig{MaxSessions: 2}, discardLogger())
	t.Cleanup(func() { pool.Close() })

	opts2 := []Option{
		WithClock(clock),
		WithIDGenerator(NewFixedGenerator("test")),
		WithRand(func() float64 { return 0.5 }),
		WithLogger(discardLogger()),
	}
	if hc.metrics != nil {
		opts2 = append(opts2, WithMetrics(hc.metrics))
	}
	e := New(s, reg, pool, user, hc.cfg, opts2...)

	return &harness{
		t:      t,
		ctx:    ctx,
		store:  s,
		clock:  clock,
		reg:    reg,
		user:   user,
		tr:     tr,
		sched:  hc.sched,
		engine: e,
	}
}

// doubleCode reads "x = N" and writes {"y": 2N}. Negative inputs make it
// print a convergence failure and exit 1.
func doubleCode() registry.Code {
	return registry.Code{
		Name:          "double",
		Computer:      testComputer,
		RemotePath:    "/opt/bin/double",
		InputTemplate: "x = {{.parameters.x}}\n",
		OutputSchema: []registry.OutputSpec{
			{Name: "result", File: "result.json", Format: registry.FormatJSON, Required: true},
		},
		ErrorPatterns: []registry.ErrorPattern{
			{Pattern: "CONVERGENCE FAILED", ExitCode: 410, Message: "did not converge"},
		},
	}
}

func doubleJob(fs *testutil.StubFS, workdir string) int {
	in, _ := fs.Read(path.Join(workdir, registry.DefaultInputFilename))
	x, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(string(in), "x =")))
	if err != nil {
		fs.Write(path.Join(workdir, registry.DefaultOutputFilename), []byte("bad input\n"))
		return 2
	}
	if x < 0 {
		fs.Write(path.Join(workdir, registry.DefaultOutputFilename), []byte("CONVERGENCE FAILED\n"))
		return 1
	}
	out, _ := json.Marshal(map[string]int{"y": 2 * x})
	fs.Write(path.Join(workdir, "result.json"), out)
	fs.Write(path.Join(workdir, registry.DefaultOutputFilename), []byte("done\n"))
	return 0
}

func (h *harness) data(attrs ir.Object) int64 {
	h.t.Helper()
	n, err := h.store.CreateNode(h.ctx, store.NewNode{
		Kind:       store.KindData,
		UserID:     h.user.ID,
		Attributes: attrs,
		Sealed:     true,
	})
	require.NoError(h.t, err)
	return n.ID
}

func (h *harness) params(x int64) map[string]int64 {
	return map[string]int64{"parameters": h.data(ir.Object{"x": ir.Int(x)})}
}

func calcJobDef() *Definition {
	return &Definition{Type: TypeCalcJob, Code: testCode}
}

func (h *harness) submit(def *Definition, inputs map[string]int64) int64 {
	h.t.Helper()
	id, err := h.engine.Submit(h.ctx, def, inputs)
	require.NoError(h.t, err)
	return id
}

func (h *harness) step(id int64) *store.ProcessRecord {
	h.t.Helper()
	rec, err := h.engine.Step(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

// run drives all processes with RunOnce, jumping the clock to the next due
// time, until id is terminal.
func (h *harness) run(id int64) *ProcessStatus {
	h.t.Helper()
	for range 200 {
		st, err := h.engine.Status(h.ctx, id)
		require.NoError(h.t, err)
		if st.Terminal() {
			return st
		}
		_, err = h.engine.RunOnce(h.ctx)
		require.NoError(h.t, err)

		next, err := h.store.NextDue(h.ctx)
		require.NoError(h.t, err)
		if next.After(h.clock.Now()) {
			h.clock.Set(next)
		}
	}
	h.t.Fatalf("process %d did not terminate", id)
	return nil
}

func (h *harness) links(id int64, role store.Role, dir store.Direction) []store.Link {
	h.t.Helper()
	links, err := h.store.QueryLinks(h.ctx, id, role, dir)
	require.NoError(h.t, err)
	return links
}

func (h *harness) node(id int64) *store.Node {
	h.t.Helper()
	n, err := h.store.GetNode(h.ctx, id)
	require.NoError(h.t, err)
	return n
}

func (h *harness) history(id int64) []store.CheckpointEntry {
	h.t.Helper()
	entries, err := h.store.ListCheckpoints(h.ctx, id)
	require.NoError(h.t, err)
	return entries
}

func (h *harness) stages(id int64) []string {
	var out []string
	for _, e := range h.history(id) {
		s := string(e.State)
		if e.Stage != "" {
			s += "/" + e.Stage
		}
		out = append(out, s)
	}
	return out
}
