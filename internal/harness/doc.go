// Package harness runs conformance scenarios against the process engine.
//
// A scenario is a YAML file naming a registry file, the data nodes to
// create, a process definition to submit, and how the simulated remote
// side behaves: what each job writes and exits with, the sequence of
// scheduler states, and transient transport failures to inject. The
// harness submits the process to a real engine over a fresh SQLite store,
// with stub transport and scheduler plugins, a fake clock and sequential
// UUIDs, and steps it until it terminates.
//
// The result is a provenance trace: every process reached from the
// submitted one through CALL links, with its checkpoint history, plus every
// link between them and their data. Assertions are evaluated against the
// trace and the trace can be compared with a golden file.
//
// Example scenario:
//
//	name: double_success
//	description: a CalcJob whose job succeeds on first submission
//	registry: registry.yaml
//	process: double.yaml
//	data:
//	  - name: parameters
//	    attributes: {x: 3}
//	inputs:
//	  parameters: parameters
//	jobs:
//	  /opt/bin/double:
//	    exit_code: 0
//	    files:
//	      result.json: '{"y": 6}'
//	assertions:
//	  - type: final_state
//	    state: FINISHED
//	    exit_code: 0
//
// Computers in the registry file must use the "stub" transport and
// scheduler.
package harness
