package harness

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/provflow/internal/ir"
	"github.com/roach88/provflow/internal/store"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Process  string // Process path the assertion was about
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
	Trace    *Trace // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s (process %s)\n", e.Type, displayPath(e.Process))
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if e.Trace != nil {
		fmt.Fprintf(&buf, "\nProcesses:\n")
		for _, p := range e.Trace.Processes {
			fmt.Fprintf(&buf, "  %-20s %s %s\n", displayPath(p.Path), p.State, exitString(p.ExitCode))
		}
	}
	return buf.String()
}

// EvaluateAssertions evaluates all assertions against the trace.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(trace *Trace, assertions []Assertion) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertFinalState:
			err = assertFinalState(trace, assertion)
		case AssertHistory:
			err = assertHistory(trace, assertion)
		case AssertOutput:
			err = assertOutput(trace, assertion)
		case AssertLinkCount:
			err = assertLinkCount(trace, assertion)
		case AssertNotCalled:
			err = assertNotCalled(trace, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func lookup(trace *Trace, a Assertion) (*ProcessTrace, error) {
	p := trace.Process(a.Process)
	if p == nil {
		return nil, &AssertionError{
			Type:     a.Type,
			Process:  a.Process,
			Expected: "process to have been called",
			Actual:   "no such process",
			Trace:    trace,
		}
	}
	return p, nil
}

// assertFinalState checks a process's terminal state and, when given, its
// exit code.
func assertFinalState(trace *Trace, a Assertion) error {
	p, err := lookup(trace, a)
	if err != nil {
		return err
	}
	stateOK := string(p.State) == a.State
	exitOK := a.ExitCode == nil || (p.ExitCode != nil && *p.ExitCode == *a.ExitCode)
	if stateOK && exitOK {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Process:  a.Process,
		Expected: strings.TrimSpace(a.State + " " + exitString(a.ExitCode)),
		Actual:   strings.TrimSpace(fmt.Sprintf("%s %s %s", p.State, exitString(p.ExitCode), p.ExitMessage)),
		Trace:    trace,
	}
}

// assertHistory checks the exact checkpoint sequence.
func assertHistory(trace *Trace, a Assertion) error {
	p, err := lookup(trace, a)
	if err != nil {
		return err
	}
	if slices.Equal(p.History, a.Stages) {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Process:  a.Process,
		Expected: strings.Join(a.Stages, " -> "),
		Actual:   strings.Join(p.History, " -> "),
		Trace:    trace,
	}
}

// assertOutput checks that every expected attribute of an output node has
// the expected value. Attributes not mentioned are ignored.
func assertOutput(trace *Trace, a Assertion) error {
	p, err := lookup(trace, a)
	if err != nil {
		return err
	}
	attrs, ok := p.Outputs[a.Output]
	if !ok {
		return &AssertionError{
			Type:     a.Type,
			Process:  a.Process,
			Expected: fmt.Sprintf("output %q", a.Output),
			Actual:   fmt.Sprintf("outputs %v", slices.Sorted(maps.Keys(p.Outputs))),
			Trace:    trace,
		}
	}
	want, err := ir.ObjectFromAny(a.Expect)
	if err != nil {
		return fmt.Errorf("output %q: expect: %w", a.Output, err)
	}
	for _, k := range want.SortedKeys() {
		if got, ok := attrs[k]; !ok || !ir.Equal(got, want[k]) {
			return &AssertionError{
				Type:     a.Type,
				Process:  a.Process,
				Expected: fmt.Sprintf("%s.%s = %s", a.Output, k, canonical(want[k])),
				Actual:   fmt.Sprintf("%s.%s = %s", a.Output, k, canonical(got)),
				Trace:    trace,
			}
		}
	}
	return nil
}

// assertLinkCount counts links of a role leaving (or entering) a process.
func assertLinkCount(trace *Trace, a Assertion) error {
	p, err := lookup(trace, a)
	if err != nil {
		return err
	}
	ref := nodeRef(p.Kind, p.ID)
	count := 0
	for _, l := range trace.Links {
		if l.Role != store.Role(a.Role) {
			continue
		}
		if (a.Direction == "in" && l.Target == ref) || (a.Direction != "in" && l.Source == ref) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	dir := a.Direction
	if dir == "" {
		dir = "out"
	}
	return &AssertionError{
		Type:     a.Type,
		Process:  a.Process,
		Expected: fmt.Sprintf("%d %s link(s) %s", a.Count, a.Role, dir),
		Actual:   fmt.Sprintf("%d", count),
		Trace:    trace,
	}
}

// assertNotCalled checks that no process was called at the path.
func assertNotCalled(trace *Trace, a Assertion) error {
	if p := trace.Process(a.Process); p != nil {
		return &AssertionError{
			Type:     a.Type,
			Process:  a.Process,
			Expected: "not called",
			Actual:   fmt.Sprintf("called, %s", p.State),
			Trace:    trace,
		}
	}
	return nil
}

func exitString(code *int) string {
	if code == nil {
		return ""
	}
	return fmt.Sprintf("exit=%d", *code)
}

func displayPath(p string) string {
	if p == "" {
		return "<root>"
	}
	return p
}

func canonical(v ir.Value) string {
	if v == nil {
		return "<missing>"
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
