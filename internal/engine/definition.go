package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"cuelang.org/go/cue/parser"
	"gopkg.in/yaml.v3"

	"github.com/roach88/provflow/internal/ir"
)

// Process types of a Definition.
const (
	TypeCalcJob  = "calcjob"
	TypeWorkflow = "workflow"
)

// CodeInputName is the INPUT link name under which a CalcJob receives its
// Code node. Callers may not use it.
const CodeInputName = "code"

// Definition describes a Process to submit. It is stored verbatim on the
// ProcessNode so a step can be resumed from the store alone.
type Definition struct {
	Type  string `json:"type" yaml:"type"`
	Label string `json:"label,omitempty" yaml:"label,omitempty"`

	// CalcJob fields.
	Code      string    `json:"code,omitempty" yaml:"code,omitempty"`
	Resources Resources `json:"resources,omitzero" yaml:"resources,omitempty"`

	// Workflow fields.
	Steps   []StepDef         `json:"steps,omitempty" yaml:"steps,omitempty"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// Resources are the scheduler resource requests of a CalcJob.
type Resources struct {
	NumMachines        int    `json:"num_machines,omitempty" yaml:"num_machines,omitempty"`
	MPIProcsPerMachine int    `json:"mpiprocs_per_machine,omitempty" yaml:"mpiprocs_per_machine,omitempty"`
	Walltime           string `json:"walltime,omitempty" yaml:"walltime,omitempty"`
	WithMPI            bool   `json:"with_mpi,omitempty" yaml:"with_mpi,omitempty"`
}

// StepDef is one step of a Workflow.
type StepDef struct {
	Name    string            `json:"name" yaml:"name"`
	Process *Definition       `json:"process" yaml:"process"`
	Inputs  map[string]string `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	// Guard is a CUE boolean expression over {inputs, steps}. A false guard
	// skips the step.
	Guard    string `json:"guard,omitempty" yaml:"guard,omitempty"`
	Optional bool   `json:"optional,omitempty" yaml:"optional,omitempty"`
	// OnExit maps a child exit code, or "*", to a continuation.
	OnExit map[string]string `json:"on_exit,omitempty" yaml:"on_exit,omitempty"`
}

// ParseDefinition decodes a YAML (or JSON) process definition.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, validationErrorf("parse definition: %v", err)
	}
	return &def, nil
}

// LoadDefinition reads and decodes a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	return ParseDefinition(data)
}

// Validate checks the definition's shape. It does not consult the registry.
func (d *Definition) Validate() error {
	var errs []error
	d.validate("", &errs)
	if err := errors.Join(errs...); err != nil {
		return &Error{Code: ErrCodeValidation, Message: "invalid definition", Err: err}
	}
	return nil
}

func (d *Definition) validate(at string, errs *[]error) {
	fail := func(format string, args ...any) {
		*errs = append(*errs, fmt.Errorf("%s%s", at, fmt.Sprintf(format, args...)))
	}
	switch d.Type {
	case TypeCalcJob:
		if d.Code == "" {
			fail("calcjob needs a code")
		}
		if len(d.Steps) > 0 || len(d.Outputs) > 0 {
			fail("calcjob cannot declare steps or outputs")
		}
		if d.Resources.NumMachines < 0 || d.Resources.MPIProcsPerMachine < 0 {
			fail("resources must not be negative")
		}
		if _, err := d.Resources.walltime(); err != nil {
			fail("%v", err)
		}
	case TypeWorkflow:
		if d.Code != "" {
			fail("workflow cannot declare a code")
		}
		if len(d.Steps) == 0 {
			fail("workflow needs at least one step")
		}
		d.validateSteps(at, errs)
	default:
		fail("unknown process type %q", d.Type)
	}
}

func (d *Definition) validateSteps(at string, errs *[]error) {
	fail := func(format string, args ...any) {
		*errs = append(*errs, fmt.Errorf("%s%s", at, fmt.Sprintf(format, args...)))
	}
	index := make(map[string]int, len(d.Steps))
	for i, st := range d.Steps {
		if st.Name == "" {
			fail("step %d has no name", i)
			continue
		}
		if _, dup := index[st.Name]; dup {
			fail("duplicate step %q", st.Name)
		}
		index[st.Name] = i
	}

	for i, st := range d.Steps {
		where := fmt.Sprintf("step %q: ", st.Name)
		if st.Process == nil {
			fail("%smissing process", where)
		} else {
			st.Process.validate(at+where, errs)
		}
		for name, ref := range st.Inputs {
			if name == CodeInputName {
				fail("%sinput name %q is reserved", where, name)
			}
			if err := checkRef(ref, index, i); err != nil {
				fail("%sinput %q: %v", where, name, err)
			}
		}
		if st.Guard != "" {
			if _, err := parser.ParseExpr("guard", st.Guard); err != nil {
				fail("%sguard: %v", where, err)
			}
		}
		for key, action := range st.OnExit {
			if key != "*" {
				if _, err := strconv.Atoi(key); err != nil {
					fail("%son_exit key %q is not an exit code", where, key)
				}
			}
			c, err := parseContinuation(action)
			if err != nil {
				fail("%son_exit %q: %v", where, key, err)
				continue
			}
			if c.kind == contGoto {
				j, ok := index[c.target]
				if !ok {
					fail("%sgoto unknown step %q", where, c.target)
				} else if j <= i {
					fail("%sgoto %q must jump forward", where, c.target)
				}
			}
		}
	}
	for name, ref := range d.Outputs {
		if err := checkRef(ref, index, len(d.Steps)); err != nil {
			fail("output %q: %v", name, err)
		}
	}
}

// checkRef validates "inputs.<name>" or "steps.<step>.outputs.<name>", where
// the step must come before position before.
func checkRef(ref string, index map[string]int, before int) error {
	r, err := parseRef(ref)
	if err != nil {
		return err
	}
	if r.step == "" {
		return nil
	}
	j, ok := index[r.step]
	if !ok {
		return fmt.Errorf("unknown step %q", r.step)
	}
	if j >= before {
		return fmt.Errorf("step %q does not run earlier", r.step)
	}
	return nil
}

type ref struct {
	step string // empty for workflow inputs
	name string
}

func parseRef(s string) (ref, error) {
	parts := strings.Split(s, ".")
	switch {
	case len(parts) == 2 && parts[0] == "inputs" && parts[1] != "":
		return ref{name: parts[1]}, nil
	case len(parts) == 4 && parts[0] == "steps" && parts[2] == "outputs" && parts[1] != "" && parts[3] != "":
		return ref{step: parts[1], name: parts[3]}, nil
	}
	return ref{}, fmt.Errorf("bad reference %q", s)
}

// inputNames returns the workflow inputs the definition refers to.
func (d *Definition) inputNames() []string {
	seen := make(map[string]bool)
	var names []string
	add := func(s string) {
		if r, err := parseRef(s); err == nil && r.step == "" && !seen[r.name] {
			seen[r.name] = true
			names = append(names, r.name)
		}
	}
	for _, st := range d.Steps {
		for _, k := range sortedKeys(st.Inputs) {
			add(st.Inputs[k])
		}
	}
	for _, k := range sortedKeys(d.Outputs) {
		add(d.Outputs[k])
	}
	return names
}

func (r Resources) walltime() (time.Duration, error) {
	if r.Walltime == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Walltime)
	if err != nil {
		return 0, fmt.Errorf("walltime: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("walltime must not be negative")
	}
	return d, nil
}

// attribute encodes the definition for storage on the ProcessNode.
func (d *Definition) attribute() (ir.Value, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return ir.ParseJSON(data)
}

func definitionFromAttributes(attrs ir.Object) (*Definition, error) {
	v, ok := attrs[attrDefinition]
	if !ok {
		return nil, errors.New("process node has no definition")
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return nil, err
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	return &def, nil
}

// Continuation kinds of on_exit actions.
const (
	contContinue = "continue"
	contFinish   = "finish"
	contFail     = "fail"
	contGoto     = "goto"
)

type continuation struct {
	kind     string
	exitCode *int   // finish:<n>
	target   string // goto:<step>
}

func parseContinuation(s string) (continuation, error) {
	kind, arg, hasArg := strings.Cut(s, ":")
	switch kind {
	case contContinue, contFail:
		if hasArg {
			return continuation{}, fmt.Errorf("%s takes no argument", kind)
		}
		return continuation{kind: kind}, nil
	case contFinish:
		c := continuation{kind: kind}
		if hasArg {
			n, err := strconv.Atoi(arg)
			if err != nil || n < 0 {
				return continuation{}, fmt.Errorf("bad exit code %q", arg)
			}
			c.exitCode = &n
		}
		return c, nil
	case contGoto:
		if arg == "" {
			return continuation{}, errors.New("goto needs a step name")
		}
		return continuation{kind: kind, target: arg}, nil
	}
	return continuation{}, fmt.Errorf("unknown action %q", s)
}
