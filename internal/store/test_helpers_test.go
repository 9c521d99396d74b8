package store

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/provflow/internal/ir"
)

var testEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock is a settable clock for store tests.
type testClock struct {
	nanos atomic.Int64
}

func newTestClock() *testClock {
	c := &testClock{}
	c.nanos.Store(testEpoch.UnixNano())
	return c
}

func (c *testClock) Now() time.Time          { return time.Unix(0, c.nanos.Load()).UTC() }
func (c *testClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

// createTestStore opens a store in a temp dir with a deterministic clock and
// sequential UUIDs.
func createTestStore(t *testing.T) (*Store, *testClock) {
	t.Helper()
	clock := newTestClock()
	var seq atomic.Int64
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path,
		WithClock(clock.Now),
		WithUUIDGenerator(func() string {
			return fmt.Sprintf("00000000-0000-7000-8000-%012d", seq.Add(1))
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clock
}

func createTestUser(t *testing.T, s *Store) *User {
	t.Helper()
	u, err := s.EnsureUser(context.Background(), "test@example.com")
	require.NoError(t, err)
	return u
}

func createSealedData(t *testing.T, s *Store, user *User, attrs ir.Object) *Node {
	t.Helper()
	n, err := s.CreateNode(context.Background(), NewNode{
		Kind:       KindData,
		UserID:     user.ID,
		Attributes: attrs,
		Sealed:     true,
	})
	require.NoError(t, err)
	return n
}

func createTestProcess(t *testing.T, s *Store, user *User, kind Kind, inputs ...InputLink) (*Node, *ProcessRecord) {
	t.Helper()
	n, rec, err := s.CreateProcess(context.Background(), NewProcess{
		Node:       NewNode{Kind: kind, UserID: user.ID},
		Checkpoint: []byte(`{"step":0}`),
		Inputs:     inputs,
	})
	require.NoError(t, err)
	return n, rec
}

// getTableColumns returns column names for a table.
func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	require.NoError(t, err)
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var (
			cid       int
			name      string
			ctype     string
			notnull   int
			dfltValue sql.NullString
			pk        int
		)
		require.NoError(t, rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk))
		columns = append(columns, name)
	}
	require.NoError(t, rows.Err())
	return columns
}
