// Package engine implements the provflow Process Engine.
//
// A Process (a CalcJob or a Workflow) is a resumable state machine whose
// only durable state is its ProcessNode and process record in the store.
// The engine never holds a process in memory between steps.
//
// LIFECYCLE:
//
//	CREATED -> [WAITING] -> RUNNING -> FINISHED | EXCEPTED | KILLED
//
// CalcJobs move through the RUNNING sub-stages UPLOADING, SUBMITTING,
// WAITING_ON_SCHEDULER (state WAITING), RETRIEVING and PARSING. Workflows
// record the step they are on as their stage.
//
// STEPPING:
//
// Step loads a process, executes one bounded unit of work, and writes the
// result back through store.SaveProcess, which fails with store.ErrConflict
// if another writer got there first. Step never blocks on a remote operation
// for longer than Config.StepTimeout; a job still in the remote queue is
// represented by the WAITING state and a next_run_at in the future.
//
// Step and the workers of Run hold a lease on a process for the duration of
// one step, so a crashed worker strands a process for at most
// Config.LeaseTimeout. A Step that finds the lease taken fails with
// LEASE_HELD. Before a job is handed to the scheduler the engine saves a
// submit claim; a process reloaded with a claim but no job id is never
// submitted again.
//
// ERRORS:
//
//   - Transient remote errors are retried with capped exponential backoff.
//   - Permanent remote errors finish a CalcJob with ExitRemoteIO.
//   - Provenance conflicts re-run the step against reloaded state.
//   - Anything else is an engine fault and moves the process to EXCEPTED.
//   - Invalid submissions are rejected before any node is written.
package engine
