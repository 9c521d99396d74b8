package testutil

import (
	"fmt"
	"sync"
)

// SequentialIDs generates UUID-shaped ids with an increasing counter:
// "00000000-0000-7000-8000-000000000001", then ...002 and so on.
//
// The same scenario with a fresh SequentialIDs produces byte-identical node
// UUIDs and therefore identical remote work directories.
//
// Thread-safety: safe for concurrent use via internal mutex.
type SequentialIDs struct {
	mu  sync.Mutex
	seq int64
}

// NewSequentialIDs creates a generator starting at 1.
func NewSequentialIDs() *SequentialIDs {
	return &SequentialIDs{}
}

// Generate returns the next id.
func (g *SequentialIDs) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	return fmt.Sprintf("00000000-0000-7000-8000-%012d", g.seq)
}
