package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalCUEBool(t *testing.T) {
	scope := map[string]any{
		"inputs": map[string]any{"p": map[string]any{"x": int64(4), "mode": "fast"}},
		"steps": map[string]any{
			"relax": map[string]any{"skipped": false, "state": "FINISHED", "exit_code": 0},
			"skip":  map[string]any{"skipped": true},
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"true", true},
		{"inputs.p.x > 3", true},
		{`inputs.p.mode == "slow"`, false},
		{"steps.relax.exit_code == 0 && !steps.skip.skipped", false},
		{`steps.relax.state == "FINISHED" || inputs.p.x < 0`, true},
		{`inputs.p.mode =~ "^fa"`, true},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := evalCUEBool(tt.expr, scope)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalCUEBool_Errors(t *testing.T) {
	scope := map[string]any{"inputs": map[string]any{"p": map[string]any{"x": int64(4)}}}

	for _, expr := range []string{
		"inputs.p.x",
		"inputs.q.x > 1",
		"nope == 1",
	} {
		t.Run(expr, func(t *testing.T) {
			_, err := evalCUEBool(expr, scope)
			require.Error(t, err)
			assert.ErrorIs(t, err, errGuard)
		})
	}
}
