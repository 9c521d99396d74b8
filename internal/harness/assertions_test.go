package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/provflow/internal/store"
)

func intp(n int) *int { return &n }

func TestEvaluateAssertions_Pass(t *testing.T) {
	trace := handmadeTrace()
	errs := EvaluateAssertions(trace, []Assertion{
		{Type: AssertFinalState, State: "FINISHED", ExitCode: intp(0)},
		{Type: AssertFinalState, State: "FINISHED"},
		{Type: AssertHistory, Stages: []string{"CREATED", "FINISHED"}},
		{Type: AssertOutput, Output: "result", Expect: map[string]any{"value": map[string]any{"y": 6}}},
		{Type: AssertOutput, Output: "result", Expect: map[string]any{"format": "json"}},
		{Type: AssertLinkCount, Role: "INPUT", Direction: "in", Count: 1},
		{Type: AssertLinkCount, Role: "INPUT", Count: 0},
		{Type: AssertNotCalled, Process: "second"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	trace := handmadeTrace()
	tests := []struct {
		name      string
		assertion Assertion
		contains  string
	}{
		{"wrong state", Assertion{Type: AssertFinalState, State: "KILLED"}, "Expected: KILLED"},
		{"wrong exit", Assertion{Type: AssertFinalState, State: "FINISHED", ExitCode: intp(410)}, "exit=410"},
		{"unknown process", Assertion{Type: AssertFinalState, Process: "first", State: "FINISHED"}, "no such process"},
		{"history", Assertion{Type: AssertHistory, Stages: []string{"CREATED"}}, "CREATED -> FINISHED"},
		{"missing output", Assertion{Type: AssertOutput, Output: "other"}, "outputs [result]"},
		{"wrong value", Assertion{Type: AssertOutput, Output: "result", Expect: map[string]any{"value": map[string]any{"y": 7}}}, `{"y":7}`},
		{"missing attribute", Assertion{Type: AssertOutput, Output: "result", Expect: map[string]any{"size": 1}}, "<missing>"},
		{"link count", Assertion{Type: AssertLinkCount, Role: "CREATE", Count: 1}, "1 CREATE link(s) out"},
		{"called", Assertion{Type: AssertNotCalled, Process: ""}, "called, FINISHED"},
		{"unknown type", Assertion{Type: "bogus"}, "unknown assertion type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(trace, []Assertion{tt.assertion})
			if assert.Len(t, errs, 1) {
				assert.Contains(t, errs[0], tt.contains)
			}
		})
	}
}

func TestAssertionError_ListsProcesses(t *testing.T) {
	err := &AssertionError{
		Type:     AssertFinalState,
		Expected: "FINISHED",
		Actual:   "KILLED",
		Trace: &Trace{Processes: []ProcessTrace{
			{Path: "", State: store.StateKilled},
			{Path: "first", State: store.StateKilled},
		}},
	}
	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: final_state (process <root>)")
	assert.Contains(t, msg, "first")
	assert.Contains(t, msg, "Actual: KILLED")
}
