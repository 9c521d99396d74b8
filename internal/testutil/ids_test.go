package testutil

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs()
	first := g.Generate()
	second := g.Generate()

	assert.Equal(t, "00000000-0000-7000-8000-000000000001", first)
	assert.Equal(t, "00000000-0000-7000-8000-000000000002", second)

	_, err := uuid.Parse(first)
	require.NoError(t, err, "ids must parse as UUIDs")
}

func TestSequentialIDs_Fresh(t *testing.T) {
	assert.Equal(t, NewSequentialIDs().Generate(), NewSequentialIDs().Generate())
}
