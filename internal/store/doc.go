// Package store provides SQLite-backed durable storage for the provenance graph.
//
// The store holds:
//   - Nodes: Data, Code and ProcessNode records with a JSON attribute map
//   - Links: append-only directed edges (INPUT, CREATE, RETURN, CALL)
//   - Process state: lifecycle state, exit status and a versioned checkpoint
//     per ProcessNode, plus an append-only checkpoint history
//   - Blobs: a content-addressed file repository (job scripts, retrieved files)
//   - Users, Computers and Codes
//
// # Invariants
//
// Append-only links: UPDATE and DELETE on links abort via triggers.
//
// Single creator: a partial UNIQUE index allows at most one CREATE link per
// target; a second attempt fails with ErrDuplicateLink.
//
// Sealing: once a node is sealed its attributes can no longer change; a
// trigger rejects the update even if a caller bypasses the Store API.
//
// Optimistic concurrency: SaveProcess compares the record version and fails
// with ErrConflict instead of overwriting a concurrent transition.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=FULL: a write is durable once the call returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON: enforce referential integrity
//
// All reads order by id so results are deterministic.
package store
