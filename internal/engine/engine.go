package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/transport"
)

// maxConflictRetries bounds how often Step reloads and re-runs after losing
// an optimistic version race.
const maxConflictRetries = 3

// Config tunes the engine. Zero durations, Workers and Sandbox take their
// DefaultConfig values; Backoff.Jitter and Backoff.MaxRetries are used as
// given.
type Config struct {
	// Sandbox is the local directory where job files are staged for upload
	// and retrieved into.
	Sandbox string
	Workers int
	// PollInterval is the scheduler polling period and the dispatcher's
	// idle wake-up period.
	PollInterval time.Duration
	LeaseTimeout time.Duration
	// StepTimeout bounds every remote operation performed inside a step.
	StepTimeout time.Duration
	Backoff     Backoff
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Sandbox:      filepath.Join(os.TempDir(), "provflow", "sandbox"),
		Workers:      4,
		PollInterval: 10 * time.Second,
		LeaseTimeout: 5 * time.Minute,
		StepTimeout:  30 * time.Second,
		Backoff: Backoff{
			Base:       20 * time.Second,
			Cap:        24 * time.Hour,
			Jitter:     0.2,
			MaxRetries: 5,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Sandbox == "" {
		c.Sandbox = d.Sandbox
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = d.LeaseTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = d.StepTimeout
	}
	if c.Backoff.Base <= 0 {
		c.Backoff.Base = d.Backoff.Base
	}
	if c.Backoff.Cap <= 0 {
		c.Backoff.Cap = d.Backoff.Cap
	}
	return c
}

// Engine submits processes and advances them step by step.
//
// Thread-safety model:
//   - Submit, Step, Kill, Status: safe from any goroutine. Concurrent steps
//     of the same process are resolved by the store's version check.
//   - Run: at most one call per Engine.
type Engine struct {
	store    *store.Store
	registry *registry.Registry
	pool     *transport.Pool
	owner    *store.User
	cfg      Config

	logger  *slog.Logger
	clock   Clock
	ids     IDGenerator
	metrics *Metrics
	rand    func() float64

	workerID string
	stepSeq  atomic.Int64
	kick     chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock sets the wall clock used for scheduling.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator sets the generator for worker lease owner ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithMetrics records step and transition metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRand sets the source of backoff jitter, returning values in [0, 1).
func WithRand(r func() float64) Option {
	return func(e *Engine) { e.rand = r }
}

// New creates an Engine. Nodes it creates are owned by owner; remote work
// goes through pool.
func New(s *store.Store, reg *registry.Registry, pool *transport.Pool, owner *store.User, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		store:    s,
		registry: reg,
		pool:     pool,
		owner:    owner,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		clock:    systemClock{},
		ids:      UUIDv7Generator{},
		rand:     rand.Float64,
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.workerID = "worker-" + e.ids.Generate()
	return e
}

// Config returns the effective configuration.
func (e *Engine) Config() Config { return e.cfg }

func (e *Engine) now() time.Time { return e.clock.Now().UTC() }

// notify wakes the Run dispatcher, if any.
func (e *Engine) notify() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// process is the working copy of one ProcessNode during a step.
type process struct {
	node *store.Node
	rec  *store.ProcessRecord
	def  *Definition

	inputs map[string]int64 // lazily loaded INPUT links, by name
}

func (p *process) finish(code int, msg string) {
	p.rec.State = store.StateFinished
	p.rec.ExitCode = &code
	p.rec.ExitMessage = msg
}

func (p *process) except(msg string) {
	p.rec.State = store.StateExcepted
	p.rec.ExitCode = nil
	p.rec.ExitMessage = msg
}

func (p *process) killed(msg string) {
	p.rec.State = store.StateKilled
	p.rec.ExitCode = nil
	p.rec.ExitMessage = msg
}

// Submit validates def against the registry and inputs, then creates the
// ProcessNode in CREATED with its INPUT links. Validation failures return an
// error satisfying IsValidationError and write nothing.
func (e *Engine) Submit(ctx context.Context, def *Definition, inputs map[string]int64) (int64, error) {
	node, err := e.submit(ctx, def, inputs, nil)
	if err != nil {
		return 0, err
	}
	return node.ID, nil
}

// Validate checks def and everything it references in the registry without
// submitting it.
func (e *Engine) Validate(ctx context.Context, def *Definition) error {
	if def == nil {
		return validationErrorf("no definition")
	}
	if err := def.Validate(); err != nil {
		return err
	}
	return e.checkTree(ctx, def)
}

func (e *Engine) submit(ctx context.Context, def *Definition, inputs map[string]int64, caller *store.CallLink) (*store.Node, error) {
	if err := e.Validate(ctx, def); err != nil {
		return nil, err
	}
	if _, ok := inputs[CodeInputName]; ok {
		return nil, validationErrorf("input name %q is reserved", CodeInputName)
	}
	in, err := e.loadSubmitInputs(ctx, inputs)
	if err != nil {
		return nil, err
	}

	defAttr, err := def.attribute()
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	hash, err := inputsHash(in)
	if err != nil {
		return nil, fmt.Errorf("hash inputs: %w", err)
	}
	attrs := ir.Object{
		attrDefinition: defAttr,
		attrInputsHash: ir.String(hash),
	}
	np := store.NewProcess{
		Node: store.NewNode{
			Label:      def.Label,
			UserID:     e.owner.ID,
			Attributes: attrs,
		},
		Caller:    caller,
		NextRunAt: e.now(),
	}

	switch def.Type {
	case TypeCalcJob:
		job, err := e.resolveCalcJob(ctx, def.Code)
		if err != nil {
			return nil, err
		}
		if _, err := renderInput(job.code, in); err != nil {
			return nil, wrapValidation(err)
		}
		attrs[attrComputer] = ir.String(job.computer.Name)
		attrs[attrCode] = ir.String(job.code.FullLabel())
		if np.Node.Label == "" {
			np.Node.Label = job.code.FullLabel()
		}
		np.Node.Kind = store.KindCalcJob
		np.Inputs = append(np.Inputs, store.InputLink{Name: CodeInputName, NodeID: job.code.NodeID})
		np.Checkpoint, err = encodeCheckpoint(calcCheckpoint{Version: checkpointVersion})
		if err != nil {
			return nil, err
		}
	case TypeWorkflow:
		for _, name := range def.inputNames() {
			if _, ok := in[name]; !ok {
				return nil, validationErrorf("workflow input %q not provided", name)
			}
		}
		np.Node.Kind = store.KindWorkflow
		np.Checkpoint, err = encodeCheckpoint(newWorkflowCheckpoint(def))
		if err != nil {
			return nil, err
		}
	}
	for _, name := range sortedKeys(in) {
		np.Inputs = append(np.Inputs, store.InputLink{Name: name, NodeID: in[name].ID})
	}

	node, rec, err := e.store.CreateProcess(ctx, np)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	e.metrics.transition(rec.State)
	e.logger.Info("process submitted",
		"process", node.ID,
		"uuid", node.UUID,
		"type", node.Kind,
		"label", node.Label,
		"state", rec.State,
	)
	e.notify()
	return node, nil
}

// checkTree resolves every code a definition refers to, recursively.
func (e *Engine) checkTree(ctx context.Context, def *Definition) error {
	switch def.Type {
	case TypeCalcJob:
		_, err := e.resolveCalcJob(ctx, def.Code)
		return err
	case TypeWorkflow:
		for _, st := range def.Steps {
			if err := e.checkTree(ctx, st.Process); err != nil {
				return fmt.Errorf("step %q: %w", st.Name, err)
			}
			if st.Process.Type != TypeWorkflow {
				continue
			}
			for _, name := range st.Process.inputNames() {
				if _, ok := st.Inputs[name]; !ok {
					return validationErrorf("step %q: nested workflow input %q not wired", st.Name, name)
				}
			}
		}
	}
	return nil
}

func (e *Engine) loadSubmitInputs(ctx context.Context, inputs map[string]int64) (map[string]*store.Node, error) {
	out := make(map[string]*store.Node, len(inputs))
	for _, name := range sortedKeys(inputs) {
		if name == "" {
			return nil, validationErrorf("input with empty name")
		}
		node, err := e.store.GetNode(ctx, inputs[name])
		if errors.Is(err, store.ErrNotFound) {
			return nil, validationErrorf("input %q: node %d not found", name, inputs[name])
		}
		if err != nil {
			return nil, err
		}
		if !node.Kind.IsData() {
			return nil, validationErrorf("input %q: node %d is %s, not data", name, node.ID, node.Kind)
		}
		if !node.Sealed {
			return nil, validationErrorf("input %q: node %d is not sealed", name, node.ID)
		}
		out[name] = node
	}
	return out, nil
}

func inputsHash(in map[string]*store.Node) (string, error) {
	obj := make(ir.Object, len(in))
	for name, node := range in {
		obj[name] = node.Attributes
	}
	return ir.ValueHash(ir.DomainInputs, obj)
}

// inputIDs returns the process's INPUT links by name, including the code.
func (e *Engine) inputIDs(ctx context.Context, p *process) (map[string]int64, error) {
	if p.inputs != nil {
		return p.inputs, nil
	}
	links, err := e.store.QueryLinks(ctx, p.node.ID, store.RoleInput, store.Incoming)
	if err != nil {
		return nil, err
	}
	p.inputs = make(map[string]int64, len(links))
	for _, l := range links {
		p.inputs[l.Name] = l.SourceID
	}
	return p.inputs, nil
}

// ProcessStatus is the externally visible state of a process.
type ProcessStatus struct {
	ID            int64              `json:"id"`
	UUID          string             `json:"uuid"`
	Type          store.Kind         `json:"type"`
	Label         string             `json:"label,omitempty"`
	State         store.ProcessState `json:"state"`
	Stage         string             `json:"stage,omitempty"`
	ExitCode      *int               `json:"exit_code,omitempty"`
	ExitMessage   string             `json:"exit_message,omitempty"`
	LastError     string             `json:"last_error,omitempty"`
	RetryCount    int                `json:"retry_count"`
	KillRequested bool               `json:"kill_requested,omitempty"`
	NextRunAt     time.Time          `json:"next_run_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Terminal reports whether the process has finished for good.
func (s *ProcessStatus) Terminal() bool { return s.State.IsTerminal() }

// Status returns the current state of a process. The last transient error
// is reported only while the process is still running.
func (e *Engine) Status(ctx context.Context, id int64) (*ProcessStatus, error) {
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	rec, err := e.store.LoadProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	st := &ProcessStatus{
		ID:            node.ID,
		UUID:          node.UUID,
		Type:          node.Kind,
		Label:         node.Label,
		State:         rec.State,
		Stage:         rec.Stage,
		ExitCode:      rec.ExitCode,
		ExitMessage:   rec.ExitMessage,
		RetryCount:    rec.RetryCount,
		KillRequested: rec.KillRequested,
		NextRunAt:     rec.NextRunAt,
		UpdatedAt:     rec.UpdatedAt,
	}
	if !rec.State.IsTerminal() {
		st.LastError = rec.LastError
	}
	return st, nil
}

// Kill requests cancellation of a process and, for a workflow, of every
// child it called. The request is observed by the next step. Killing a
// terminal process is a no-op.
func (e *Engine) Kill(ctx context.Context, id int64) error {
	rec, err := e.store.LoadProcess(ctx, id)
	if err != nil {
		return err
	}
	if rec.State.IsTerminal() {
		return nil
	}
	if err := e.store.RequestKill(ctx, id); err != nil {
		return err
	}
	e.logger.Info("kill requested", "process", id, "state", rec.State, "stage", rec.Stage)

	if rec.Type == store.KindWorkflow {
		calls, err := e.store.QueryLinks(ctx, id, store.RoleCall, store.Outgoing)
		if err != nil {
			return err
		}
		for _, l := range calls {
			if err := e.Kill(ctx, l.TargetID); err != nil {
				return err
			}
		}
	}
	e.notify()
	return nil
}

// Step advances a process by one bounded unit of work and returns the
// record as persisted. Stepping a terminal process is a no-op that returns
// the terminal record. Step holds the process lease for the duration of the
// step and fails with a LEASE_HELD error if another worker holds it.
func (e *Engine) Step(ctx context.Context, id int64) (*store.ProcessRecord, error) {
	owner := fmt.Sprintf("%s/step-%d", e.workerID, e.stepSeq.Add(1))
	ok, err := e.store.AcquireLease(ctx, id, owner, e.cfg.LeaseTimeout)
	if err != nil {
		return nil, err
	}
	if !ok {
		if _, err := e.store.LoadProcess(ctx, id); err != nil {
			return nil, err
		}
		return nil, &Error{Code: ErrCodeLeaseHeld, ProcessID: id, Message: "process is being stepped by another worker"}
	}
	defer e.releaseLease(ctx, id, owner)
	return e.stepLeased(ctx, id)
}

// stepLeased runs one step for a process whose lease the caller holds,
// reloading and re-running when the save loses a version race.
func (e *Engine) stepLeased(ctx context.Context, id int64) (*store.ProcessRecord, error) {
	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		rec, err := e.step(ctx, id)
		if !errors.Is(err, store.ErrConflict) {
			return rec, err
		}
		lastErr = err
		e.logger.Debug("step lost version race, reloading", "process", id, "attempt", attempt+1)
	}
	return nil, &Error{Code: ErrCodeConflict, ProcessID: id, Err: lastErr}
}

func (e *Engine) releaseLease(ctx context.Context, id int64, owner string) {
	if err := e.store.ReleaseLease(context.WithoutCancel(ctx), id, owner); err != nil {
		e.logger.Error("release lease", "process", id, "owner", owner, "error", err)
	}
}

func (e *Engine) step(ctx context.Context, id int64) (*store.ProcessRecord, error) {
	rec, err := e.store.LoadProcess(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.State.IsTerminal() {
		return rec, nil
	}
	node, err := e.store.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}

	p := &process{node: node, rec: rec}
	before := *rec
	start := time.Now()

	progressed, err := e.dispatchStep(ctx, p)
	e.metrics.observeStep(rec.Type, time.Since(start))
	if err != nil {
		// Keep the version: a submit claim may already have been saved.
		version := p.rec.Version
		*p.rec = before
		p.rec.Version = version
		return e.handleStepError(ctx, p, err)
	}
	if !progressed {
		if err := e.store.Defer(ctx, id, rec.Version, rec.NextRunAt); err != nil {
			return nil, err
		}
		e.metrics.stepDone(rec.Type, "idle")
		return rec, nil
	}
	rec.FailureStreak = 0
	if err := e.save(ctx, p, before.State, before.Stage); err != nil {
		return nil, err
	}
	e.metrics.stepDone(rec.Type, "progress")
	return rec, nil
}

func (e *Engine) dispatchStep(ctx context.Context, p *process) (bool, error) {
	def, err := definitionFromAttributes(p.node.Attributes)
	if err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}
	p.def = def

	switch p.rec.Type {
	case store.KindCalcJob:
		return e.stepCalcJob(ctx, p)
	case store.KindWorkflow:
		return e.stepWorkflow(ctx, p)
	}
	return false, faultf(p.node.ID, "cannot step a %s", p.rec.Type)
}

func (e *Engine) handleStepError(ctx context.Context, p *process, err error) (*store.ProcessRecord, error) {
	switch {
	case errors.Is(err, store.ErrConflict):
		return nil, err
	case ctx.Err() != nil:
		// Shutting down: leave the process for the next worker.
		return nil, ctx.Err()
	case transport.IsTransient(err):
		return e.retry(ctx, p, err)
	}
	return e.fault(ctx, p, err)
}

// retry records a transient failure and reschedules with backoff, or gives
// up once the failure streak exceeds the retry budget. Giving up ends a
// process that was asked to die as KILLED, any other as EXCEPTED.
func (e *Engine) retry(ctx context.Context, p *process, cause error) (*store.ProcessRecord, error) {
	rec := p.rec
	from, fromStage := rec.State, rec.Stage
	rec.RetryCount++
	rec.FailureStreak++
	rec.LastError = cause.Error()
	e.metrics.retried(rec.Type)

	if e.cfg.Backoff.Exhausted(rec.FailureStreak) {
		e.logger.Warn("giving up after transient errors",
			"process", rec.NodeID,
			"streak", rec.FailureStreak,
			"error", cause,
		)
		msg := fmt.Sprintf("giving up after %d consecutive transient errors: %v", rec.FailureStreak, cause)
		if rec.KillRequested {
			p.killed("killed by request; " + msg)
		} else {
			p.except(msg)
		}
	} else {
		delay := e.cfg.Backoff.Delay(rec.FailureStreak, e.rand())
		rec.NextRunAt = e.now().Add(delay)
		e.logger.Warn("transient remote error, will retry",
			"process", rec.NodeID,
			"stage", rec.Stage,
			"retry", rec.RetryCount,
			"delay", delay,
			"error", cause,
		)
	}
	if err := e.save(ctx, p, from, fromStage); err != nil {
		return nil, err
	}
	e.metrics.stepDone(rec.Type, "retry")
	return rec, nil
}

// fault moves a process to EXCEPTED after an engine-internal error.
func (e *Engine) fault(ctx context.Context, p *process, cause error) (*store.ProcessRecord, error) {
	rec := p.rec
	from, fromStage := rec.State, rec.Stage
	e.logger.Error("engine fault",
		"process", rec.NodeID,
		"state", rec.State,
		"stage", rec.Stage,
		"version", rec.Version,
		"checkpoint", string(rec.Checkpoint),
		"error", cause,
	)
	p.except(cause.Error())
	if err := e.save(ctx, p, from, fromStage); err != nil {
		return nil, errors.Join(cause, err)
	}
	e.metrics.stepDone(rec.Type, "fault")
	return rec, nil
}

// save persists p.rec and announces state changes.
func (e *Engine) save(ctx context.Context, p *process, from store.ProcessState, fromStage string) error {
	rec := p.rec
	if rec.State.IsTerminal() {
		rec.Stage = ""
	}
	if err := e.store.SaveProcess(ctx, rec); err != nil {
		return err
	}

	if rec.State != from {
		e.metrics.transition(rec.State)
		attrs := []any{"process", rec.NodeID, "state", rec.State, "stage", rec.Stage}
		if rec.ExitCode != nil {
			attrs = append(attrs, "exit_code", *rec.ExitCode)
		}
		if rec.State.IsTerminal() && rec.ExitMessage != "" {
			attrs = append(attrs, "exit_message", rec.ExitMessage)
		}
		e.logger.Info("process transition", attrs...)
	} else if rec.Stage != fromStage {
		e.logger.Debug("process stage", "process", rec.NodeID, "state", rec.State, "stage", rec.Stage)
	}

	if rec.State.IsTerminal() {
		if err := e.wakeCaller(ctx, rec.NodeID); err != nil {
			return err
		}
	}
	return nil
}

// wakeCaller makes the workflow that called id runnable now.
func (e *Engine) wakeCaller(ctx context.Context, id int64) error {
	calls, err := e.store.QueryLinks(ctx, id, store.RoleCall, store.Incoming)
	if err != nil {
		return err
	}
	for _, l := range calls {
		if err := e.store.Wake(ctx, l.SourceID); err != nil {
			return err
		}
	}
	if len(calls) > 0 {
		e.notify()
	}
	return nil
}
