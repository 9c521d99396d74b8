package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
)

func testComputer() ComputerRecord {
	return ComputerRecord{
		Name:                "localhost",
		Hostname:            "localhost",
		Transport:           "core.local",
		Scheduler:           "core.direct",
		WorkDir:             "/tmp/work",
		MinimumPollInterval: 5 * time.Second,
		DefaultMPIProcs:     1,
	}
}

func TestPutComputer(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	c, err := s.PutComputer(ctx, testComputer())
	require.NoError(t, err)
	assert.Equal(t, testEpoch, c.CreatedAt)

	_, err = s.PutComputer(ctx, testComputer())
	require.NoError(t, err, "identical configuration is idempotent")

	changed := testComputer()
	changed.WorkDir = "/elsewhere"
	_, err = s.PutComputer(ctx, changed)
	assert.ErrorIs(t, err, ErrDuplicateName)

	got, err := s.GetComputer(ctx, "localhost")
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, got.MinimumPollInterval)

	list, err := s.ListComputers(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = s.GetComputer(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateComputer(t *testing.T) {
	s, clock := createTestStore(t)
	ctx := context.Background()
	_, err := s.PutComputer(ctx, testComputer())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	changed := testComputer()
	changed.WorkDir = "/elsewhere"
	changed.MinimumPollInterval = 30 * time.Second
	got, err := s.UpdateComputer(ctx, changed)
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", got.WorkDir)
	assert.Equal(t, 30*time.Second, got.MinimumPollInterval)
	assert.Equal(t, testEpoch, got.CreatedAt)
	assert.Equal(t, testEpoch.Add(time.Minute), got.UpdatedAt)

	loaded, err := s.GetComputer(ctx, "localhost")
	require.NoError(t, err)
	assert.Equal(t, "/elsewhere", loaded.WorkDir)

	missing := testComputer()
	missing.Name = "nope"
	_, err = s.UpdateComputer(ctx, missing)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPutCode(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)
	_, err := s.PutComputer(ctx, testComputer())
	require.NoError(t, err)

	attrs := ir.Object{"executable": ir.String("/bin/sh")}
	n, err := s.PutCode(ctx, "add", "localhost", NewNode{UserID: user.ID, Attributes: attrs})
	require.NoError(t, err)
	assert.Equal(t, KindCode, n.Kind)
	assert.True(t, n.Sealed)
	assert.Equal(t, "add@localhost", n.Label)

	again, err := s.PutCode(ctx, "add", "localhost", NewNode{UserID: user.ID, Attributes: attrs})
	require.NoError(t, err)
	assert.Equal(t, n.ID, again.ID)

	_, err = s.PutCode(ctx, "add", "localhost", NewNode{
		UserID:     user.ID,
		Attributes: ir.Object{"executable": ir.String("/bin/bash")},
	})
	assert.ErrorIs(t, err, ErrDuplicateName)

	_, err = s.PutCode(ctx, "add", "missing", NewNode{UserID: user.ID, Attributes: attrs})
	assert.ErrorIs(t, err, ErrNotFound)

	rows, err := s.FindCodes(ctx, "add", "")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, n.ID, rows[0].NodeID)

	all, err := s.ListCodes(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
