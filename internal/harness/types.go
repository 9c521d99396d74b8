package harness

import (
	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if all assertions hold.
	Pass bool `json:"pass"`

	// Trace is the provenance recorded by the run.
	Trace *Trace `json:"trace"`

	// Rounds is the number of engine rounds the run took.
	Rounds int `json:"rounds"`

	// Errors contains failed assertion messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Errors: []string{},
	}
}

// AddError adds an assertion failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Trace is everything a scenario run left in the provenance graph, in a
// form that does not depend on wall time.
type Trace struct {
	Scenario string `json:"scenario"`

	// Processes are the submitted process and every process it called,
	// breadth first in call order.
	Processes []ProcessTrace `json:"processes"`

	// Links are all links touching a traced process, in creation order.
	Links []LinkTrace `json:"links"`

	// JobsSubmitted counts jobs the scheduler accepted.
	JobsSubmitted int `json:"jobs_submitted"`
}

// ProcessTrace is one process of a trace.
type ProcessTrace struct {
	// Path is the chain of CALL link names leading to the process; empty
	// for the submitted process.
	Path        string             `json:"path"`
	ID          int64              `json:"id"`
	Kind        store.Kind         `json:"kind"`
	Label       string             `json:"label,omitempty"`
	State       store.ProcessState `json:"state"`
	ExitCode    *int               `json:"exit_code,omitempty"`
	ExitMessage string             `json:"exit_message,omitempty"`

	// History is the checkpoint sequence as "STATE" or "STATE/STAGE".
	History []string `json:"history"`

	// Outputs are the attributes of CREATE and RETURN targets, by link name.
	Outputs map[string]ir.Object `json:"outputs,omitempty"`
}

// LinkTrace is one link of a trace. Endpoints are rendered as
// "<kind>#<id>".
type LinkTrace struct {
	Source string     `json:"source"`
	Target string     `json:"target"`
	Role   store.Role `json:"role"`
	Name   string     `json:"name"`
}

// Process returns the traced process at path, or nil.
func (t *Trace) Process(path string) *ProcessTrace {
	for i := range t.Processes {
		if t.Processes[i].Path == path {
			return &t.Processes[i]
		}
	}
	return nil
}
