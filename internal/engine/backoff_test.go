package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 20 * time.Second, Cap: 24 * time.Hour, Jitter: 0.2, MaxRetries: 5}

	tests := []struct {
		name   string
		streak int
		r      float64
		want   time.Duration
	}{
		{"first retry no jitter", 1, 0.5, 20 * time.Second},
		{"second retry doubles", 2, 0.5, 40 * time.Second},
		{"low jitter", 1, 0, 16 * time.Second},
		{"high jitter", 1, 1, 24 * time.Second},
		{"zero streak treated as first", 0, 0.5, 20 * time.Second},
		{"capped", 30, 0.5, 24 * time.Hour},
		{"capped after jitter", 30, 1, 24 * time.Hour},
		{"huge streak does not overflow", 5000, 0.5, 24 * time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, b.Delay(tt.streak, tt.r))
		})
	}
}

func TestBackoff_Exhausted(t *testing.T) {
	b := Backoff{MaxRetries: 2}
	assert.False(t, b.Exhausted(1))
	assert.False(t, b.Exhausted(2))
	assert.True(t, b.Exhausted(3))
}
