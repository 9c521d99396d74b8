package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"os"
	"path"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/roach88/provflow/internal/engine"
	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/testutil"
	"github.com/roach88/provflow/internal/transport"
)

// DefaultMaxRounds bounds a scenario that sets no max_rounds.
const DefaultMaxRounds = 200

// errInjected is the cause of every injected connection failure.
var errInjected = errors.New("injected failure")

// Harness holds one scenario run: a private store, stub plugins and an
// engine stepping on a fake clock.
type Harness struct {
	scenario *Scenario
	store    *store.Store
	clock    *testutil.FakeClock
	user     *store.User
	sched    *testutil.StubScheduler
	pool     *transport.Pool
	engine   *engine.Engine
	logger   *slog.Logger
	nodes    map[int64]*store.Node
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs against a fresh database in a temporary directory that
// is removed afterwards. Sequential UUIDs, a fake clock and fixed backoff
// jitter make the trace reproducible.
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario, nil)
}

// RunContext is Run with a context and a logger for engine output. A nil
// logger discards it.
func RunContext(ctx context.Context, scenario *Scenario, logger *slog.Logger) (*Result, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	dir, err := os.MkdirTemp("", "provflow-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("create scenario dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := setup(ctx, scenario, dir, logger)
	if err != nil {
		return nil, err
	}
	defer h.close()

	inputs, err := h.createData(ctx)
	if err != nil {
		return nil, err
	}
	def, err := engine.LoadDefinition(scenario.resolve(scenario.Process))
	if err != nil {
		return nil, err
	}
	id, err := h.engine.Submit(ctx, def, inputs)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}

	rounds, err := h.drive(ctx, id)
	if err != nil {
		return nil, err
	}
	trace, err := h.trace(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("collect trace: %w", err)
	}

	result := NewResult()
	result.Trace = trace
	result.Rounds = rounds
	for _, msg := range EvaluateAssertions(trace, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func setup(ctx context.Context, sc *Scenario, dir string, logger *slog.Logger) (*Harness, error) {
	clock := testutil.NewFakeClock()
	ids := testutil.NewSequentialIDs()
	s, err := store.Open(filepath.Join(dir, "scenario.db"),
		store.WithClock(clock.Now),
		store.WithUUIDGenerator(ids.Generate),
	)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	h := &Harness{scenario: sc, store: s, clock: clock, logger: logger, nodes: make(map[int64]*store.Node)}
	if err := h.init(ctx, dir); err != nil {
		h.close()
		return nil, err
	}
	return h, nil
}

func (h *Harness) close() {
	if h.pool != nil {
		if err := h.pool.Close(); err != nil {
			h.logger.Warn("close pool", "error", err)
		}
	}
	if err := h.store.Close(); err != nil {
		h.logger.Warn("close store", "error", err)
	}
}

func (h *Harness) init(ctx context.Context, dir string) error {
	sc := h.scenario
	user, err := h.store.EnsureUser(ctx, "harness@localhost")
	if err != nil {
		return err
	}
	h.user = user

	reg := registry.New(h.store, user)
	if _, err := reg.LoadFile(ctx, sc.resolve(sc.Registry)); err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	computers, err := reg.ListComputers(ctx)
	if err != nil {
		return err
	}
	for _, c := range computers {
		if c.Transport != testutil.StubName || c.Scheduler != testutil.StubName {
			return fmt.Errorf("computer %q must use the %q transport and scheduler", c.Name, testutil.StubName)
		}
	}

	tr := testutil.NewStubTransport()
	for _, op := range slices.Sorted(maps.Keys(sc.Failures)) {
		tr.FailNext(op, injected(op, sc.Failures[op])...)
	}
	h.sched = newScheduler(sc.Scheduler)
	h.sched.Job = h.job

	h.pool = transport.NewPool(testutil.StubPlugins(tr, h.sched), transport.PoolConfig{MaxSessions: 1}, h.logger)

	cfg := engine.DefaultConfig()
	cfg.Sandbox = filepath.Join(dir, "sandbox")
	cfg.Workers = 1
	h.engine = engine.New(h.store, reg, h.pool, user, cfg,
		engine.WithClock(h.clock),
		engine.WithIDGenerator(engine.NewFixedGenerator(sc.Name)),
		engine.WithRand(func() float64 { return 0.5 }),
		engine.WithLogger(h.logger),
	)
	return nil
}

func newScheduler(script SchedulerScript) *testutil.StubScheduler {
	statuses := make([]transport.JobStatus, 0, len(script.Statuses))
	for _, st := range script.Statuses {
		status, _ := parseStatus(st)
		statuses = append(statuses, status)
	}
	var sched *testutil.StubScheduler
	switch {
	case script.Reason == "":
		sched = testutil.NewStubScheduler(statuses...)
	case len(statuses) == 0:
		sched = testutil.NewStubScheduler().Then(transport.StatusDone, script.Reason)
	default:
		last := len(statuses) - 1
		sched = testutil.NewStubScheduler(statuses[:last]...).Then(statuses[last], script.Reason)
	}
	if script.SubmitFailures > 0 {
		sched.FailSubmit(injected("submit", script.SubmitFailures)...)
	}
	return sched
}

func injected(op string, n int) []error {
	errs := make([]error, n)
	for i := range errs {
		errs[i] = &transport.ConnectionError{Op: op, Err: errInjected}
	}
	return errs
}

// job runs the simulated job whose key appears in the job script. The
// longest matching key wins; "*" matches when nothing else does.
func (h *Harness) job(fs *testutil.StubFS, workdir string) int {
	script, _ := fs.Read(path.Join(workdir, engine.JobScriptName))
	key := ""
	for k := range h.scenario.Jobs {
		if k != "*" && strings.Contains(string(script), k) && len(k) > len(key) {
			key = k
		}
	}
	if key == "" {
		key = "*"
	}
	job, ok := h.scenario.Jobs[key]
	if !ok {
		return 0
	}
	for _, name := range slices.Sorted(maps.Keys(job.Files)) {
		fs.Write(path.Join(workdir, name), []byte(job.Files[name]))
	}
	return job.ExitCode
}

// createData stores the scenario's data nodes and returns the process
// inputs by id.
func (h *Harness) createData(ctx context.Context) (map[string]int64, error) {
	byName := make(map[string]int64, len(h.scenario.Data))
	for _, d := range h.scenario.Data {
		attrs, err := ir.ObjectFromAny(d.Attributes)
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", d.Name, err)
		}
		label := d.Label
		if label == "" {
			label = d.Name
		}
		n, err := h.store.CreateNode(ctx, store.NewNode{
			Kind:       store.KindData,
			Label:      label,
			UserID:     h.user.ID,
			Attributes: attrs,
			Sealed:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("data %q: %w", d.Name, err)
		}
		byName[d.Name] = n.ID
	}
	inputs := make(map[string]int64, len(h.scenario.Inputs))
	for input, name := range h.scenario.Inputs {
		inputs[input] = byName[name]
	}
	return inputs, nil
}

// drive steps every due process until id is terminal, jumping the clock to
// the next due time between rounds.
func (h *Harness) drive(ctx context.Context, id int64) (int, error) {
	maxRounds := h.scenario.MaxRounds
	if maxRounds == 0 {
		maxRounds = DefaultMaxRounds
	}
	for rounds := 0; ; rounds++ {
		st, err := h.engine.Status(ctx, id)
		if err != nil {
			return rounds, err
		}
		if st.Terminal() {
			return rounds, nil
		}
		if rounds >= maxRounds {
			return rounds, fmt.Errorf("process %d still %s after %d rounds", id, st.State, rounds)
		}
		if h.scenario.KillAfter > 0 && rounds == h.scenario.KillAfter {
			if err := h.engine.Kill(ctx, id); err != nil {
				return rounds, fmt.Errorf("kill: %w", err)
			}
		}
		if _, err := h.engine.RunOnce(ctx); err != nil {
			return rounds, err
		}
		next, err := h.store.NextDue(ctx)
		if err != nil {
			return rounds, err
		}
		if next.After(h.clock.Now()) {
			h.clock.Set(next)
		}
	}
}

// trace walks CALL links from root and collects processes and links.
func (h *Harness) trace(ctx context.Context, root int64) (*Trace, error) {
	t := &Trace{Scenario: h.scenario.Name, JobsSubmitted: len(h.sched.Submitted())}
	links := make(map[int64]store.Link)

	type item struct {
		id   int64
		path string
	}
	queue := []item{{id: root}}
	for len(queue) > 0 {
		it := queue[0]
		queue = queue[1:]

		pt, err := h.process(ctx, it.id, it.path)
		if err != nil {
			return nil, err
		}
		for _, dir := range []store.Direction{store.Incoming, store.Outgoing} {
			ls, err := h.store.QueryLinks(ctx, it.id, "", dir)
			if err != nil {
				return nil, err
			}
			for _, l := range ls {
				links[l.ID] = l
			}
		}
		out, err := h.store.QueryLinks(ctx, it.id, "", store.Outgoing)
		if err != nil {
			return nil, err
		}
		for _, l := range out {
			switch l.Role {
			case store.RoleCall:
				queue = append(queue, item{id: l.TargetID, path: joinPath(it.path, l.Name)})
			case store.RoleCreate, store.RoleReturn:
				n, err := h.node(ctx, l.TargetID)
				if err != nil {
					return nil, err
				}
				if pt.Outputs == nil {
					pt.Outputs = make(map[string]ir.Object)
				}
				pt.Outputs[l.Name] = n.Attributes
			}
		}
		t.Processes = append(t.Processes, *pt)
	}

	ids := make([]int64, 0, len(links))
	for id := range links {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		l := links[id]
		src, err := h.ref(ctx, l.SourceID)
		if err != nil {
			return nil, err
		}
		dst, err := h.ref(ctx, l.TargetID)
		if err != nil {
			return nil, err
		}
		t.Links = append(t.Links, LinkTrace{Source: src, Target: dst, Role: l.Role, Name: l.Name})
	}
	return t, nil
}

func (h *Harness) process(ctx context.Context, id int64, p string) (*ProcessTrace, error) {
	st, err := h.engine.Status(ctx, id)
	if err != nil {
		return nil, err
	}
	entries, err := h.store.ListCheckpoints(ctx, id)
	if err != nil {
		return nil, err
	}
	pt := &ProcessTrace{
		Path:        p,
		ID:          id,
		Kind:        st.Type,
		Label:       st.Label,
		State:       st.State,
		ExitCode:    st.ExitCode,
		ExitMessage: st.ExitMessage,
		History:     make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		pt.History = append(pt.History, stageString(e.State, e.Stage))
	}
	return pt, nil
}

func (h *Harness) node(ctx context.Context, id int64) (*store.Node, error) {
	if n, ok := h.nodes[id]; ok {
		return n, nil
	}
	n, err := h.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	h.nodes[id] = n
	return n, nil
}

func (h *Harness) ref(ctx context.Context, id int64) (string, error) {
	n, err := h.node(ctx, id)
	if err != nil {
		return "", err
	}
	return nodeRef(n.Kind, n.ID), nil
}

func nodeRef(kind store.Kind, id int64) string {
	return fmt.Sprintf("%s#%d", kind, id)
}

func stageString(state store.ProcessState, stage string) string {
	if stage == "" {
		return string(state)
	}
	return string(state) + "/" + stage
}

func joinPath(parent, name string) string {
	if parent == "" {
		return name
	}
	return parent + "/" + name
}
