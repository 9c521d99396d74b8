package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"

	"github.com/roach88/provflow/internal/store"
	"github.com/roach88/provflow/internal/transport"
)

// Scenario defines a conformance test scenario.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Registry is the registry file to load, relative to the scenario.
	Registry string `yaml:"registry"`

	// Process is the definition file to submit, relative to the scenario.
	Process string `yaml:"process"`

	// Data lists data nodes to create before submitting.
	Data []DataNode `yaml:"data,omitempty"`

	// Inputs maps process input names to names in Data.
	Inputs map[string]string `yaml:"inputs,omitempty"`

	// Jobs maps an executable path, as it appears in the job script, to
	// what the simulated job does. The key "*" matches any job.
	Jobs map[string]Job `yaml:"jobs,omitempty"`

	// Scheduler scripts the simulated scheduler.
	Scheduler SchedulerScript `yaml:"scheduler,omitempty"`

	// Failures injects transient connection errors: the next N calls of a
	// transport operation (open, put, get, list, mkdir) fail.
	Failures map[string]int `yaml:"failures,omitempty"`

	// KillAfter requests a kill of the submitted process after this many
	// engine rounds. Zero never kills.
	KillAfter int `yaml:"kill_after,omitempty"`

	// MaxRounds bounds the engine rounds before the scenario fails as
	// stuck. Default 200.
	MaxRounds int `yaml:"max_rounds,omitempty"`

	// Assertions validate the resulting trace.
	Assertions []Assertion `yaml:"assertions"`

	// dir is the directory paths are resolved against.
	dir string
}

// DataNode is a sealed data node created before submission.
type DataNode struct {
	Name       string         `yaml:"name"`
	Label      string         `yaml:"label,omitempty"`
	Attributes map[string]any `yaml:"attributes"`
}

// Job is the behavior of a simulated job.
type Job struct {
	// ExitCode is the script's exit status. Negative leaves no exit status
	// behind, as when the script is killed.
	ExitCode int `yaml:"exit_code"`

	// Files are written to the job's work directory, by name.
	Files map[string]string `yaml:"files,omitempty"`
}

// SchedulerScript is the scheduler's side of a scenario.
type SchedulerScript struct {
	// Statuses are reported by successive status polls; the last repeats.
	// Empty reports DONE at once.
	Statuses []string `yaml:"statuses,omitempty"`

	// Reason accompanies the final status, e.g. "walltime".
	Reason string `yaml:"reason,omitempty"`

	// SubmitFailures makes the first N submissions fail transiently.
	SubmitFailures int `yaml:"submit_failures,omitempty"`
}

// Assertion validates the trace.
type Assertion struct {
	// Type specifies the assertion type:
	// - "final_state": state and exit code of a process
	// - "history": the exact STATE/STAGE checkpoint sequence of a process
	// - "output": attributes of an output data node (subset match)
	// - "link_count": number of links of a role leaving or entering a process
	// - "not_called": no process was called under the given step path
	Type string `yaml:"type"`

	// Process selects a process by its CALL path from the submitted one:
	// "" is the submitted process, "first" the child called as step
	// "first", "first/inner" a grandchild.
	Process string `yaml:"process,omitempty"`

	State    string   `yaml:"state,omitempty"`
	ExitCode *int     `yaml:"exit_code,omitempty"`
	Stages   []string `yaml:"stages,omitempty"`

	// Output names an output link (used by output).
	Output string         `yaml:"output,omitempty"`
	Expect map[string]any `yaml:"expect,omitempty"`

	// Role and Direction select links (used by link_count). Direction is
	// "out" (default) or "in".
	Role      string `yaml:"role,omitempty"`
	Direction string `yaml:"direction,omitempty"`
	Count     int    `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState = "final_state"
	AssertHistory    = "history"
	AssertOutput     = "output"
	AssertLinkCount  = "link_count"
	AssertNotCalled  = "not_called"
)

var transportOps = []string{"open", "put", "get", "list", "mkdir"}

// LoadScenario reads and parses a scenario YAML file. Registry and process
// paths are resolved relative to the file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Parse YAML with strict field validation (catches typos like "assertion:" vs "assertions:")
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	scenario.dir = filepath.Dir(path)

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// resolve returns p relative to the scenario's directory.
func (s *Scenario) resolve(p string) string {
	if filepath.IsAbs(p) || s.dir == "" {
		return p
	}
	return filepath.Join(s.dir, p)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Registry == "" {
		return fmt.Errorf("registry is required")
	}
	if s.Process == "" {
		return fmt.Errorf("process is required")
	}
	for _, p := range []string{s.Registry, s.Process} {
		if _, err := os.Stat(s.resolve(p)); os.IsNotExist(err) {
			return fmt.Errorf("file not found: %s", p)
		}
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	names := make(map[string]bool, len(s.Data))
	for i, d := range s.Data {
		if d.Name == "" {
			return fmt.Errorf("data[%d]: name is required", i)
		}
		if names[d.Name] {
			return fmt.Errorf("data[%d]: duplicate name %q", i, d.Name)
		}
		names[d.Name] = true
	}
	for input, ref := range s.Inputs {
		if !names[ref] {
			return fmt.Errorf("inputs.%s: unknown data %q", input, ref)
		}
	}
	for op, n := range s.Failures {
		if !slices.Contains(transportOps, op) {
			return fmt.Errorf("failures: unknown operation %q", op)
		}
		if n < 0 {
			return fmt.Errorf("failures.%s: must be non-negative", op)
		}
	}
	for i, st := range s.Scheduler.Statuses {
		if _, err := parseStatus(st); err != nil {
			return fmt.Errorf("scheduler.statuses[%d]: %w", i, err)
		}
	}
	if s.KillAfter < 0 || s.MaxRounds < 0 {
		return fmt.Errorf("kill_after and max_rounds must be non-negative")
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertFinalState:
		if a.State == "" {
			return fmt.Errorf("assertions[%d]: state is required for final_state", index)
		}
	case AssertHistory:
		if len(a.Stages) == 0 {
			return fmt.Errorf("assertions[%d]: stages is required for history", index)
		}
	case AssertOutput:
		if a.Output == "" {
			return fmt.Errorf("assertions[%d]: output is required for output", index)
		}
	case AssertLinkCount:
		if !store.Role(a.Role).Valid() {
			return fmt.Errorf("assertions[%d]: invalid role %q for link_count", index, a.Role)
		}
		if a.Direction != "" && a.Direction != "in" && a.Direction != "out" {
			return fmt.Errorf("assertions[%d]: direction must be in or out", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for link_count", index)
		}
	case AssertNotCalled:
		if a.Process == "" {
			return fmt.Errorf("assertions[%d]: process is required for not_called", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func parseStatus(s string) (transport.JobStatus, error) {
	st := transport.JobStatus(s)
	switch st {
	case transport.StatusQueued, transport.StatusRunning, transport.StatusDone:
		return st, nil
	}
	return "", fmt.Errorf("unknown job status %q", s)
}
