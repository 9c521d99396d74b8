package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/registry"
	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/transport"
)

// calcJob binds a Code to the Computer and plugins that run it.
type calcJob struct {
	code     *registry.Code
	computer *registry.Computer
	sched    transport.Scheduler
}

// resolveCalcJob looks up a code reference for submission. Lookup failures
// are validation errors.
func (e *Engine) resolveCalcJob(ctx context.Context, ref string) (*calcJob, error) {
	code, err := e.registry.GetCode(ctx, ref)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, registry.ErrAmbiguousCode) {
			return nil, wrapValidation(err)
		}
		return nil, err
	}
	return e.bindComputer(ctx, code)
}

func (e *Engine) bindComputer(ctx context.Context, code *registry.Code) (*calcJob, error) {
	comp, err := e.registry.GetComputer(ctx, code.Computer)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, wrapValidation(err)
		}
		return nil, err
	}
	plugins := e.pool.Plugins()
	if _, err := plugins.Transport(comp.Transport); err != nil {
		return nil, wrapValidation(fmt.Errorf("computer %q: %w", comp.Name, err))
	}
	sched, err := plugins.Scheduler(comp.Scheduler)
	if err != nil {
		return nil, wrapValidation(fmt.Errorf("computer %q: %w", comp.Name, err))
	}
	return &calcJob{code: code, computer: comp, sched: sched}, nil
}

// loadCalcJob resolves the Code a running CalcJob was submitted with. The
// code comes from the sealed node behind the "code" INPUT link, so later
// registry changes cannot alter a running job.
func (e *Engine) loadCalcJob(ctx context.Context, p *process) (*calcJob, error) {
	ids, err := e.inputIDs(ctx, p)
	if err != nil {
		return nil, err
	}
	codeID, ok := ids[CodeInputName]
	if !ok {
		return nil, faultf(p.node.ID, "calcjob has no %q input", CodeInputName)
	}
	code, err := e.registry.GetCodeByNode(ctx, codeID)
	if err != nil {
		return nil, err
	}
	job, err := e.bindComputer(ctx, code)
	if err != nil {
		return nil, faultf(p.node.ID, "%v", err)
	}
	return job, nil
}

// stepCalcJob runs the action of the current stage. Every stage except a
// submission already in flight either advances or fails.
func (e *Engine) stepCalcJob(ctx context.Context, p *process) (bool, error) {
	job, err := e.loadCalcJob(ctx, p)
	if err != nil {
		return false, err
	}
	var cp calcCheckpoint
	if err := decodeCheckpoint(p.rec.Checkpoint, &cp); err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}
	if err := checkVersion(cp.Version); err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}

	progressed := true
	if p.rec.KillRequested {
		err = e.killCalcJob(ctx, p, job, &cp)
	} else {
		switch {
		case p.rec.State == store.StateCreated:
			err = e.prepareJob(ctx, p, job, &cp)
		case p.rec.Stage == StageUploading:
			err = e.uploadJob(ctx, p, job, &cp)
		case p.rec.Stage == StageSubmitting:
			progressed, err = e.submitJob(ctx, p, job, &cp)
		case p.rec.Stage == StageWaitingOnScheduler:
			err = e.pollJob(ctx, p, job, &cp)
		case p.rec.Stage == StageRetrieving:
			err = e.retrieveJob(ctx, p, job, &cp)
		case p.rec.Stage == StageParsing:
			err = e.parseJob(ctx, p, job, &cp)
		default:
			err = faultf(p.node.ID, "unknown calcjob stage %q in state %s", p.rec.Stage, p.rec.State)
		}
	}
	if err != nil {
		if transport.IsRemoteIO(err) && !transport.IsTransient(err) {
			p.rec.AddAttributes = nil
			p.finish(ExitRemoteIO, err.Error())
			return true, nil
		}
		return false, err
	}
	if !progressed {
		return false, nil
	}

	data, err := encodeCheckpoint(cp)
	if err != nil {
		return false, err
	}
	p.rec.Checkpoint = data
	return true, nil
}

func (e *Engine) remoteDir(comp *registry.Computer, uuid string) string {
	return path.Join(comp.WorkDir, uuid[:2], uuid[2:4], uuid[4:])
}

func (e *Engine) sandboxDir(uuid, sub string) (string, error) {
	dir := filepath.Join(e.cfg.Sandbox, uuid, sub)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("sandbox: %w", err)
	}
	return dir, nil
}

func (e *Engine) pollInterval(comp *registry.Computer) time.Duration {
	return max(e.cfg.PollInterval, comp.MinimumPollInterval)
}

// withSession borrows a pooled session to comp with every remote call
// bounded by StepTimeout.
func (e *Engine) withSession(ctx context.Context, comp *registry.Computer, fn func(context.Context, transport.Session) error) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	defer cancel()
	return e.pool.WithSession(ctx, comp, func(sess transport.Session) error {
		return fn(ctx, sess)
	})
}

// prepareJob renders the job script and input file and stores both as
// blobs. No remote I/O happens here.
func (e *Engine) prepareJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	ids, err := e.inputIDs(ctx, p)
	if err != nil {
		return err
	}
	inputs := make(map[string]*store.Node, len(ids))
	for name, id := range ids {
		if name == CodeInputName {
			continue
		}
		node, err := e.store.GetNode(ctx, id)
		if err != nil {
			return err
		}
		inputs[name] = node
	}

	input, err := renderInput(job.code, inputs)
	if err != nil {
		return faultf(p.node.ID, "%v", err)
	}
	res, err := jobResources(p.def, job.code, job.computer)
	if err != nil {
		return faultf(p.node.ID, "%v", err)
	}
	script := renderScript(job.sched, p.def, job.code, res, input != nil)

	scriptHash, err := e.store.PutBlob(ctx, script)
	if err != nil {
		return err
	}
	add := ir.Object{attrJobScript: ir.String(scriptHash)}
	if input != nil {
		inputHash, err := e.store.PutBlob(ctx, input)
		if err != nil {
			return err
		}
		add[attrInputFile] = ir.String(inputHash)
	}
	cp.RemoteDir = e.remoteDir(job.computer, p.node.UUID)
	add[attrRemoteDir] = ir.String(cp.RemoteDir)

	p.rec.AddAttributes = add
	p.rec.State = store.StateRunning
	p.rec.Stage = StageUploading
	p.rec.NextRunAt = e.now()
	return nil
}

// uploadJob stages the script and input from the blob store into the
// sandbox and copies them to the remote job directory.
func (e *Engine) uploadJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	dir, err := e.sandboxDir(p.node.UUID, "upload")
	if err != nil {
		return err
	}
	files := []struct{ attr, name string }{
		{attrJobScript, JobScriptName},
		{attrInputFile, job.code.InputFilename},
	}
	var staged [][2]string // local, remote
	for _, f := range files {
		hash, ok := p.node.Attributes[f.attr].(ir.String)
		if !ok {
			continue
		}
		blob, err := e.store.GetBlob(ctx, string(hash))
		if err != nil {
			return err
		}
		local := filepath.Join(dir, f.name)
		if err := os.WriteFile(local, blob.Content, 0o644); err != nil {
			return fmt.Errorf("stage %s: %w", f.name, err)
		}
		staged = append(staged, [2]string{local, path.Join(cp.RemoteDir, f.name)})
	}

	err = e.withSession(ctx, job.computer, func(ctx context.Context, sess transport.Session) error {
		if err := sess.MakeDirectory(ctx, cp.RemoteDir); err != nil {
			return err
		}
		for _, f := range staged {
			if err := sess.PutFile(ctx, f[0], f[1]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	p.rec.Stage = StageSubmitting
	p.rec.NextRunAt = e.now()
	return nil
}

// submitJob hands the script to the scheduler and probes its status once,
// so a job that completes at once skips the waiting stage. A failed probe
// is not an error: the job id must be recorded regardless.
//
// The submission is claimed in the stored checkpoint first, so a step that
// loses a version race cannot submit the same job again. A claim without a
// job id means another submit is in flight; once it is older than
// StepTimeout that submit died, and whether the job exists is unknown.
func (e *Engine) submitJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) (bool, error) {
	if cp.SubmitStarted != nil {
		deadline := cp.SubmitStarted.Add(e.cfg.StepTimeout)
		if e.now().Before(deadline) {
			p.rec.NextRunAt = deadline
			return false, nil
		}
		e.logger.Warn("abandoned submission", "process", p.node.ID, "started", *cp.SubmitStarted, "remote_dir", cp.RemoteDir)
		p.finish(ExitSchedulerFailed, fmt.Sprintf(
			"submission started at %s never recorded a job id; a job may be left in %s",
			cp.SubmitStarted.Format(time.RFC3339), cp.RemoteDir))
		return true, nil
	}

	res, err := jobResources(p.def, job.code, job.computer)
	if err != nil {
		return false, faultf(p.node.ID, "%v", err)
	}
	if err := e.claimSubmit(ctx, p, cp); err != nil {
		return false, err
	}

	var info transport.JobInfo
	err = e.withSession(ctx, job.computer, func(ctx context.Context, sess transport.Session) error {
		id, err := job.sched.Submit(ctx, sess, JobScriptName, cp.RemoteDir, res)
		if err != nil {
			return err
		}
		cp.JobID = id
		info, err = job.sched.Status(ctx, sess, id, cp.RemoteDir)
		if err != nil {
			e.logger.Debug("status probe after submit failed", "process", p.node.ID, "job", id, "error", err)
			info = transport.JobInfo{Status: transport.StatusUnknown}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	cp.SubmitStarted = nil
	e.logger.Info("job submitted", "process", p.node.ID, "computer", job.computer.Name, "job", cp.JobID)
	p.rec.AddAttributes = ir.Object{attrJobID: ir.String(cp.JobID)}
	e.applyJobStatus(p, job, cp, info)
	return true, nil
}

// claimSubmit saves cp with SubmitStarted set under the current version.
func (e *Engine) claimSubmit(ctx context.Context, p *process, cp *calcCheckpoint) error {
	now := e.now()
	cp.SubmitStarted = &now
	data, err := encodeCheckpoint(cp)
	if err != nil {
		return err
	}
	return e.store.ClaimCheckpoint(ctx, p.rec, data)
}

func (e *Engine) pollJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	var info transport.JobInfo
	err := e.withSession(ctx, job.computer, func(ctx context.Context, sess transport.Session) error {
		var err error
		info, err = job.sched.Status(ctx, sess, cp.JobID, cp.RemoteDir)
		return err
	})
	if err != nil {
		return err
	}
	e.applyJobStatus(p, job, cp, info)
	return nil
}

// applyJobStatus records one status observation. Every observation is
// persisted, so the history shows each poll.
func (e *Engine) applyJobStatus(p *process, job *calcJob, cp *calcCheckpoint, info transport.JobInfo) {
	cp.Polls++
	cp.JobStatus = string(info.Status)
	cp.Reason = info.Reason
	if info.Status.IsTerminal() {
		p.rec.State = store.StateRunning
		p.rec.Stage = StageRetrieving
		p.rec.NextRunAt = e.now()
		return
	}
	p.rec.State = store.StateWaiting
	p.rec.Stage = StageWaitingOnScheduler
	p.rec.NextRunAt = e.now().Add(e.pollInterval(job.computer))
}

// retrieveJob copies the files the parser needs from the remote job
// directory into the sandbox and the blob store. Missing files are not an
// error here; the parser decides what their absence means.
func (e *Engine) retrieveJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	dir, err := e.sandboxDir(p.node.UUID, "retrieved")
	if err != nil {
		return err
	}
	wanted := []string{job.code.OutputFilename, JobStderrName, ExitStatusName}
	for _, o := range job.code.OutputSchema {
		wanted = append(wanted, o.File)
	}

	retrieved := make(map[string]string)
	err = e.withSession(ctx, job.computer, func(ctx context.Context, sess transport.Session) error {
		listings := make(map[string]map[string]bool)
		exists := func(rel string) (bool, error) {
			sub := path.Dir(rel)
			names, ok := listings[sub]
			if !ok {
				list, err := sess.ListDirectory(ctx, path.Join(cp.RemoteDir, sub))
				if err != nil && !(sub != "." && transport.IsRemoteIO(err)) {
					return false, err
				}
				names = make(map[string]bool, len(list))
				for _, n := range list {
					names[n] = true
				}
				listings[sub] = names
			}
			return names[path.Base(rel)], nil
		}

		for _, rel := range wanted {
			rel = path.Clean(rel)
			if _, done := retrieved[rel]; done {
				continue
			}
			ok, err := exists(rel)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			local := filepath.Join(dir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(local), 0o755); err != nil {
				return fmt.Errorf("sandbox: %w", err)
			}
			if err := sess.GetFile(ctx, path.Join(cp.RemoteDir, rel), local); err != nil {
				return err
			}
			content, err := os.ReadFile(local)
			if err != nil {
				return fmt.Errorf("read retrieved %s: %w", rel, err)
			}
			hash, err := e.store.PutBlob(ctx, content)
			if err != nil {
				return err
			}
			retrieved[rel] = hash
		}
		return nil
	})
	if err != nil {
		return err
	}

	cp.Retrieved = retrieved
	attr := make(ir.Object, len(retrieved))
	for name, hash := range retrieved {
		attr[name] = ir.String(hash)
	}
	p.rec.AddAttributes = ir.Object{attrRetrieved: attr}
	p.rec.Stage = StageParsing
	p.rec.NextRunAt = e.now()
	return nil
}

// parseJob judges the retrieved files and materializes outputs as sealed
// Data nodes with CREATE links. Output creation is idempotent by link name,
// so a re-run after a lost save does not duplicate provenance.
func (e *Engine) parseJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	v, err := judge(ctx, job.code, cp, &blobFiles{store: e.store, hashes: cp.Retrieved})
	if err != nil {
		return err
	}
	if v.exitCode != ExitOK {
		p.finish(v.exitCode, v.message)
		return nil
	}
	for _, name := range sortedKeys(v.outputs) {
		_, created, err := e.store.CreateOutput(ctx, p.node.ID, name, store.NewNode{
			Kind:       store.KindData,
			Label:      name,
			UserID:     p.node.UserID,
			Attributes: v.outputs[name],
		})
		if err != nil {
			return err
		}
		if created {
			e.logger.Debug("output created", "process", p.node.ID, "output", name)
		}
	}
	p.finish(ExitOK, "")
	return nil
}

// killCalcJob cancels a submitted job that may still be running, then
// records KILLED. A transient cancel failure is retried until the retry
// budget runs out; a permanent one is recorded in the exit message.
func (e *Engine) killCalcJob(ctx context.Context, p *process, job *calcJob, cp *calcCheckpoint) error {
	msg := "killed by request"
	if cp.JobID != "" && !transport.JobStatus(cp.JobStatus).IsTerminal() {
		err := e.withSession(ctx, job.computer, func(ctx context.Context, sess transport.Session) error {
			return job.sched.Cancel(ctx, sess, cp.JobID, cp.RemoteDir)
		})
		switch {
		case err == nil:
			e.logger.Info("job cancelled", "process", p.node.ID, "job", cp.JobID)
		case transport.IsTransient(err):
			return err
		default:
			msg = fmt.Sprintf("killed by request; cancelling job %s failed: %v", cp.JobID, err)
		}
	}
	p.killed(msg)
	return nil
}

type blobFiles struct {
	store  *store.Store
	hashes map[string]string
}

func (f *blobFiles) file(ctx context.Context, name string) ([]byte, bool, error) {
	hash, ok := f.hashes[path.Clean(name)]
	if !ok {
		return nil, false, nil
	}
	blob, err := f.store.GetBlob(ctx, hash)
	if err != nil {
		return nil, false, err
	}
	return blob.Content, true, nil
}

func (f *blobFiles) blobHash(name string) string {
	return f.hashes[path.Clean(name)]
}
