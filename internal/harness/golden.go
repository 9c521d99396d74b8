package harness

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// GoldenDir is where golden traces live, relative to the test's package.
const GoldenDir = "testdata/golden"

// MarshalTrace renders a trace as indented JSON with a trailing newline.
// Attribute objects are written with sorted keys, so the output is stable.
func MarshalTrace(trace *Trace) ([]byte, error) {
	data, err := json.MarshalIndent(trace, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// RunWithGolden executes a scenario and compares the trace against a golden file.
// The golden file is stored in testdata/golden/{scenario.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns error if scenario execution fails.
// Test failure (via goldie) occurs if the trace doesn't match the golden file.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares the given result's trace against a golden file.
// This is useful when you've already run a scenario and want to compare
// the result against a golden file without re-running.
func AssertGolden(t *testing.T, scenarioName string, result *Result) error {
	t.Helper()

	data, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}

	g := goldie.New(t,
		goldie.WithFixtureDir(GoldenDir),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, scenarioName, data)
	return nil
}

// CompareGolden checks a result against the golden file in dir outside of
// go test. A missing golden file is an error.
func CompareGolden(dir, scenarioName string, result *Result) (bool, error) {
	want, err := os.ReadFile(goldenPath(dir, scenarioName))
	if err != nil {
		return false, fmt.Errorf("read golden: %w", err)
	}
	got, err := MarshalTrace(result.Trace)
	if err != nil {
		return false, err
	}
	return string(got) == string(want), nil
}

// UpdateGolden writes the result's trace as the golden file in dir.
func UpdateGolden(dir, scenarioName string, result *Result) error {
	data, err := MarshalTrace(result.Trace)
	if err != nil {
		return err
	}
	p := goldenPath(dir, scenarioName)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func goldenPath(dir, scenarioName string) string {
	return filepath.Join(dir, scenarioName+".golden")
}
