package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
)

func TestCreateNode_RoundTrip(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	n, err := s.CreateNode(ctx, NewNode{
		Kind:       KindData,
		Label:      "x",
		UserID:     user.ID,
		Attributes: ir.Object{"value": ir.Int(4)},
	})
	require.NoError(t, err)
	assert.Equal(t, "00000000-0000-7000-8000-000000000001", n.UUID)
	assert.False(t, n.Sealed)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, KindData, got.Kind)
	assert.Equal(t, "x", got.Label)
	assert.True(t, ir.Equal(ir.Object{"value": ir.Int(4)}, got.Attributes))
	assert.Equal(t, testEpoch, got.CreatedAt)

	byUUID, err := s.GetNodeByUUID(ctx, n.UUID)
	require.NoError(t, err)
	assert.Equal(t, n.ID, byUUID.ID)
}

func TestCreateNode_RejectsUnknownKind(t *testing.T) {
	s, _ := createTestStore(t)
	user := createTestUser(t, s)

	_, err := s.CreateNode(context.Background(), NewNode{Kind: "bogus", UserID: user.ID})
	assert.Error(t, err)
}

func TestGetNode_NotFound(t *testing.T) {
	s, _ := createTestStore(t)

	_, err := s.GetNode(context.Background(), 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetAttributes_Monotonic(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	n, err := s.CreateNode(ctx, NewNode{Kind: KindData, UserID: user.ID})
	require.NoError(t, err)

	require.NoError(t, s.SetAttributes(ctx, n.ID, ir.Object{"a": ir.Int(1)}))
	require.NoError(t, s.SetAttributes(ctx, n.ID, ir.Object{"a": ir.Int(1), "b": ir.String("x")}))

	err = s.SetAttributes(ctx, n.ID, ir.Object{"a": ir.Int(2)})
	assert.ErrorIs(t, err, ErrAttributeRewrite)

	got, err := s.GetNode(ctx, n.ID)
	require.NoError(t, err)
	assert.Len(t, got.Attributes, 2)
}

func TestSealNode_Immutability(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	n, err := s.CreateNode(ctx, NewNode{
		Kind:       KindData,
		UserID:     user.ID,
		Attributes: ir.Object{"x": ir.Int(4), "name": ir.String("café")},
	})
	require.NoError(t, err)
	require.NoError(t, s.SealNode(ctx, n.ID))
	require.NoError(t, s.SealNode(ctx, n.ID), "sealing twice is a no-op")

	err = s.SetAttributes(ctx, n.ID, ir.Object{"y": ir.Int(5)})
	assert.ErrorIs(t, err, ErrSealed)

	var first string
	require.NoError(t, s.db.QueryRow(`SELECT attributes FROM nodes WHERE id = ?`, n.ID).Scan(&first))
	for i := 0; i < 3; i++ {
		var again string
		require.NoError(t, s.db.QueryRow(`SELECT attributes FROM nodes WHERE id = ?`, n.ID).Scan(&again))
		assert.Equal(t, first, again)
	}
}

func TestSealedTrigger_BlocksRawUpdate(t *testing.T) {
	s, _ := createTestStore(t)
	user := createTestUser(t, s)
	n := createSealedData(t, s, user, ir.Object{"x": ir.Int(1)})

	_, err := s.db.Exec(`UPDATE nodes SET attributes = '{"x":2}' WHERE id = ?`, n.ID)
	assert.Error(t, err)

	_, err = s.db.Exec(`UPDATE nodes SET sealed = 0 WHERE id = ?`, n.ID)
	assert.Error(t, err)

	_, err = s.db.Exec(`DELETE FROM nodes WHERE id = ?`, n.ID)
	assert.Error(t, err)
}

func TestListNodes_FilterAndOrder(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	user := createTestUser(t, s)

	createSealedData(t, s, user, ir.Object{"i": ir.Int(1)})
	createTestProcess(t, s, user, KindCalcJob)
	createSealedData(t, s, user, ir.Object{"i": ir.Int(2)})

	data, err := s.ListNodes(ctx, NodeFilter{Kind: KindData})
	require.NoError(t, err)
	require.Len(t, data, 2)
	assert.Less(t, data[0].ID, data[1].ID)

	all, err := s.ListNodes(ctx, NodeFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestBlobs_ContentAddressed(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	h1, err := s.PutBlob(ctx, []byte("#!/bin/bash\n"))
	require.NoError(t, err)
	h2, err := s.PutBlob(ctx, []byte("#!/bin/bash\n"))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	b, err := s.GetBlob(ctx, h1)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/bash\n", string(b.Content))
	assert.EqualValues(t, 12, b.Size)

	_, err = s.GetBlob(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEnsureUser_Idempotent(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	u1, err := s.EnsureUser(ctx, "a@example.com")
	require.NoError(t, err)
	u2, err := s.EnsureUser(ctx, "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, u1.ID, u2.ID)

	got, err := s.GetUser(ctx, u1.ID)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
}
