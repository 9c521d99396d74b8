package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const processColumns = `node_id, process_type, state, stage, exit_code, exit_message, checkpoint,
	version, retry_count, failure_streak, last_error, kill_requested, next_run_at,
	lease_owner, lease_expires_at, updated_at`

// CreateProcess creates a ProcessNode in CREATED together with its INPUT
// links, its optional CALL link and the first checkpoint, atomically.
func (s *Store) CreateProcess(ctx context.Context, p NewProcess) (*Node, *ProcessRecord, error) {
	if !p.Node.Kind.IsProcess() {
		return nil, nil, fmt.Errorf("create process: kind %q is not a process", p.Node.Kind)
	}
	p.Node.Sealed = false

	var (
		node *Node
		rec  *ProcessRecord
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		node, err = s.createNode(ctx, tx, p.Node)
		if err != nil {
			return err
		}

		now := s.nowNanos()
		next := toNanos(p.NextRunAt)
		if next == 0 {
			next = now
		}
		checkpoint := string(p.Checkpoint)
		if checkpoint == "" {
			checkpoint = "{}"
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO process_state (node_id, process_type, state, checkpoint, version, next_run_at, updated_at)
			VALUES (?, ?, ?, ?, 1, ?, ?)
		`, node.ID, string(p.Node.Kind), string(StateCreated), checkpoint, next, now)
		if err != nil {
			return fmt.Errorf("create process: %w", err)
		}
		if err := appendCheckpoint(ctx, tx, node.ID, 1, StateCreated, "", checkpoint, now); err != nil {
			return err
		}

		for _, in := range p.Inputs {
			if _, err := s.createLink(ctx, tx, in.NodeID, node.ID, RoleInput, in.Name); err != nil {
				return err
			}
		}
		if p.Caller != nil {
			if _, err := s.createLink(ctx, tx, p.Caller.ParentID, node.ID, RoleCall, p.Caller.Name); err != nil {
				return err
			}
		}

		rec = &ProcessRecord{
			NodeID:     node.ID,
			Type:       p.Node.Kind,
			State:      StateCreated,
			Checkpoint: []byte(checkpoint),
			Version:    1,
			NextRunAt:  fromNanos(next),
			UpdatedAt:  fromNanos(now),
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return node, rec, nil
}

// LoadProcess returns the current process record of a ProcessNode.
func (s *Store) LoadProcess(ctx context.Context, nodeID int64) (*ProcessRecord, error) {
	return loadProcess(ctx, s.db, nodeID)
}

func loadProcess(ctx context.Context, q dbtx, nodeID int64) (*ProcessRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+processColumns+` FROM process_state WHERE node_id = ?`, nodeID)
	rec, err := scanProcess(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("load process %d: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load process %d: %w", nodeID, err)
	}
	return rec, nil
}

// SaveProcess persists rec if its Version still matches the stored one.
// On success the version is incremented, a checkpoint history row is
// appended, AddAttributes are merged into the node, and the node is sealed
// when the new state is terminal. A stale Version fails with ErrConflict.
func (s *Store) SaveProcess(ctx context.Context, rec *ProcessRecord) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var (
			current string
			version int64
		)
		err := tx.QueryRowContext(ctx, `
			SELECT state, version FROM process_state WHERE node_id = ?
		`, rec.NodeID).Scan(&current, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("save process %d: %w", rec.NodeID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("save process %d: %w", rec.NodeID, err)
		}
		if version != rec.Version {
			return fmt.Errorf("save process %d: have version %d, stored %d: %w",
				rec.NodeID, rec.Version, version, ErrConflict)
		}
		from := ProcessState(current)
		if !CanTransition(from, rec.State) {
			return fmt.Errorf("save process %d: %s -> %s: %w", rec.NodeID, from, rec.State, ErrInvalidTransition)
		}

		if err := s.setAttributes(ctx, tx, rec.NodeID, rec.AddAttributes); err != nil {
			return err
		}

		now := s.nowNanos()
		var exitCode any
		if rec.ExitCode != nil {
			exitCode = *rec.ExitCode
		}
		checkpoint := string(rec.Checkpoint)
		if checkpoint == "" {
			checkpoint = "{}"
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE process_state SET
				state = ?, stage = ?, exit_code = ?, exit_message = ?, checkpoint = ?,
				version = version + 1, retry_count = ?, failure_streak = ?, last_error = ?,
				next_run_at = ?, updated_at = ?
			WHERE node_id = ? AND version = ?
		`, string(rec.State), rec.Stage, exitCode, rec.ExitMessage, checkpoint,
			rec.RetryCount, rec.FailureStreak, rec.LastError,
			toNanos(rec.NextRunAt), now, rec.NodeID, rec.Version)
		if err != nil {
			return fmt.Errorf("save process %d: %w", rec.NodeID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("save process %d: %w", rec.NodeID, err)
		}
		if n == 0 {
			return fmt.Errorf("save process %d: %w", rec.NodeID, ErrConflict)
		}

		if err := appendCheckpoint(ctx, tx, rec.NodeID, rec.Version+1, rec.State, rec.Stage, checkpoint, now); err != nil {
			return err
		}
		if rec.State.IsTerminal() {
			if err := sealNode(ctx, tx, rec.NodeID, now); err != nil {
				return err
			}
		}
		rec.UpdatedAt = fromNanos(now)
		return nil
	})
	if err != nil {
		return err
	}
	rec.Version++
	rec.AddAttributes = nil
	return nil
}

// ClaimCheckpoint replaces the checkpoint of a process and bumps its version
// without a state change or history entry. It fails with ErrConflict unless
// the stored version is rec.Version. On success rec carries the new version.
func (s *Store) ClaimCheckpoint(ctx context.Context, rec *ProcessRecord, checkpoint []byte) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_state SET checkpoint = ?, version = version + 1, updated_at = ?
		WHERE node_id = ? AND version = ?
	`, string(checkpoint), s.nowNanos(), rec.NodeID, rec.Version)
	if err != nil {
		return fmt.Errorf("claim checkpoint %d: %w", rec.NodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim checkpoint %d: %w", rec.NodeID, err)
	}
	if n == 0 {
		return fmt.Errorf("claim checkpoint %d: %w", rec.NodeID, ErrConflict)
	}
	rec.Version++
	rec.Checkpoint = checkpoint
	return nil
}

func appendCheckpoint(ctx context.Context, q dbtx, nodeID, version int64, state ProcessState, stage, checkpoint string, now int64) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO process_checkpoints (node_id, version, state, stage, checkpoint, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, nodeID, version, string(state), stage, checkpoint, now)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("append checkpoint %d@%d: %w", nodeID, version, ErrConflict)
		}
		return fmt.Errorf("append checkpoint %d@%d: %w", nodeID, version, err)
	}
	return nil
}

// ListCheckpoints returns the checkpoint history of a process, oldest first.
func (s *Store) ListCheckpoints(ctx context.Context, nodeID int64) ([]CheckpointEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, version, state, stage, checkpoint, created_at
		FROM process_checkpoints WHERE node_id = ?
		ORDER BY version ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var entries []CheckpointEntry
	for rows.Next() {
		var (
			e          CheckpointEntry
			state      string
			checkpoint string
			created    int64
		)
		if err := rows.Scan(&e.NodeID, &e.Version, &state, &e.Stage, &checkpoint, &created); err != nil {
			return nil, fmt.Errorf("list checkpoints: %w", err)
		}
		e.State = ProcessState(state)
		e.Checkpoint = []byte(checkpoint)
		e.CreatedAt = fromNanos(created)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return entries, nil
}

// RequestKill flags the process for cooperative cancellation and makes it
// runnable now. The flag does not bump the version, so an in-flight step
// is not invalidated.
func (s *Store) RequestKill(ctx context.Context, nodeID int64) error {
	now := s.nowNanos()
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_state
		SET kill_requested = 1, next_run_at = MIN(next_run_at, ?)
		WHERE node_id = ?
	`, now, nodeID)
	if err != nil {
		return fmt.Errorf("request kill %d: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("request kill %d: %w", nodeID, err)
	}
	if n == 0 {
		return fmt.Errorf("request kill %d: %w", nodeID, ErrNotFound)
	}
	return nil
}

// CreateOutput creates a sealed Data node and the CREATE link from process to
// it in one transaction. If the process already has a CREATE link with this
// name, the existing node is returned and nothing is written.
func (s *Store) CreateOutput(ctx context.Context, processID int64, name string, n NewNode) (*Node, bool, error) {
	var (
		node    *Node
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := outgoingByName(ctx, tx, processID, RoleCreate, name)
		if err == nil {
			node, err = getNode(ctx, tx, `WHERE id = ?`, existing.TargetID)
			return err
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		n.Sealed = true
		node, err = s.createNode(ctx, tx, n)
		if err != nil {
			return err
		}
		if _, err := s.createLink(ctx, tx, processID, node.ID, RoleCreate, name); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return node, created, nil
}

// ReturnOutput links an existing Data node as a workflow result. Returning the
// same node under the same name again is a no-op.
func (s *Store) ReturnOutput(ctx context.Context, workflowID, dataID int64, name string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := outgoingByName(ctx, tx, workflowID, RoleReturn, name)
		if err == nil {
			if existing.TargetID != dataID {
				return fmt.Errorf("return %q from %d: %w", name, workflowID, ErrDuplicateLink)
			}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		_, err = s.createLink(ctx, tx, workflowID, dataID, RoleReturn, name)
		return err
	})
}

// ProcessFilter narrows ListProcesses. Zero fields match everything.
type ProcessFilter struct {
	States []ProcessState
	Type   Kind
	Limit  int
}

// ListProcesses returns process records ordered by node id.
func (s *Store) ListProcesses(ctx context.Context, f ProcessFilter) ([]ProcessRecord, error) {
	var (
		clauses []string
		args    []any
	)
	if len(f.States) > 0 {
		placeholders := make([]string, len(f.States))
		for i, st := range f.States {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		clauses = append(clauses, "state IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.Type != "" {
		clauses = append(clauses, "process_type = ?")
		args = append(args, string(f.Type))
	}
	query := `SELECT ` + processColumns + ` FROM process_state`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY node_id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}
	return s.queryProcesses(ctx, query, args...)
}

func (s *Store) queryProcesses(ctx context.Context, query string, args ...any) ([]ProcessRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	defer rows.Close()

	var recs []ProcessRecord
	for rows.Next() {
		rec, err := scanProcess(rows)
		if err != nil {
			return nil, fmt.Errorf("list processes: %w", err)
		}
		recs = append(recs, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}
	return recs, nil
}

func scanProcess(row rowScanner) (*ProcessRecord, error) {
	var (
		rec        ProcessRecord
		ptype      string
		state      string
		exitCode   sql.NullInt64
		checkpoint string
		kill       int
		nextRun    int64
		owner      sql.NullString
		expires    sql.NullInt64
		updated    int64
	)
	err := row.Scan(&rec.NodeID, &ptype, &state, &rec.Stage, &exitCode, &rec.ExitMessage, &checkpoint,
		&rec.Version, &rec.RetryCount, &rec.FailureStreak, &rec.LastError, &kill, &nextRun,
		&owner, &expires, &updated)
	if err != nil {
		return nil, err
	}
	rec.Type = Kind(ptype)
	rec.State = ProcessState(state)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.Checkpoint = []byte(checkpoint)
	rec.KillRequested = kill != 0
	rec.NextRunAt = fromNanos(nextRun)
	rec.LeaseOwner = owner.String
	rec.LeaseExpires = nullableNanos(expires)
	rec.UpdatedAt = fromNanos(updated)
	return &rec, nil
}
