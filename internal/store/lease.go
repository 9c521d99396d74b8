package store

import (
	"context"
	"fmt"
	"time"
)

// AcquireLease claims the right to step nodeID until ttl elapses. It succeeds
// when no lease is held, the held lease expired, or owner already holds it.
func (s *Store) AcquireLease(ctx context.Context, nodeID int64, owner string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_state
		SET lease_owner = ?, lease_expires_at = ?
		WHERE node_id = ?
		  AND (lease_owner IS NULL OR lease_expires_at <= ? OR lease_owner = ?)
	`, owner, toNanos(now.Add(ttl)), nodeID, toNanos(now), owner)
	if err != nil {
		return false, fmt.Errorf("acquire lease %d: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lease %d: %w", nodeID, err)
	}
	return n == 1, nil
}

// ReleaseLease drops a lease held by owner. Releasing a lease that has been
// taken over by someone else is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, nodeID int64, owner string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_state
		SET lease_owner = NULL, lease_expires_at = NULL
		WHERE node_id = ? AND lease_owner = ?
	`, nodeID, owner)
	if err != nil {
		return fmt.Errorf("release lease %d: %w", nodeID, err)
	}
	return nil
}

// ListRunnable returns ids of non-terminal processes due at now whose lease
// is free or expired, oldest due first.
func (s *Store) ListRunnable(ctx context.Context, now time.Time, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 100
	}
	n := toNanos(now)
	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id FROM process_state
		WHERE state NOT IN ('FINISHED', 'EXCEPTED', 'KILLED')
		  AND next_run_at <= ?
		  AND (lease_owner IS NULL OR lease_expires_at <= ?)
		ORDER BY next_run_at ASC, node_id ASC
		LIMIT ?
	`, n, n, limit)
	if err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list runnable: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runnable: %w", err)
	}
	return ids, nil
}

// ListStranded returns non-terminal processes whose lease expired before
// now, meaning a worker died mid-step.
func (s *Store) ListStranded(ctx context.Context, now time.Time) ([]ProcessRecord, error) {
	return s.queryProcesses(ctx, `
		SELECT `+processColumns+` FROM process_state
		WHERE state NOT IN ('FINISHED', 'EXCEPTED', 'KILLED')
		  AND lease_owner IS NOT NULL
		  AND lease_expires_at <= ?
		ORDER BY node_id ASC
	`, toNanos(now))
}

// NextDue returns the earliest next_run_at among non-terminal processes, or
// the zero time if none remain.
func (s *Store) NextDue(ctx context.Context) (time.Time, error) {
	var next *int64
	err := s.db.QueryRowContext(ctx, `
		SELECT MIN(next_run_at) FROM process_state
		WHERE state NOT IN ('FINISHED', 'EXCEPTED', 'KILLED')
	`).Scan(&next)
	if err != nil {
		return time.Time{}, fmt.Errorf("next due: %w", err)
	}
	if next == nil {
		return time.Time{}, nil
	}
	return fromNanos(*next), nil
}

// Wake makes a non-terminal process runnable now. It does not bump the
// version, so it never conflicts with an in-flight step.
func (s *Store) Wake(ctx context.Context, nodeID int64) error {
	now := s.nowNanos()
	_, err := s.db.ExecContext(ctx, `
		UPDATE process_state SET next_run_at = MIN(next_run_at, ?)
		WHERE node_id = ? AND state NOT IN ('FINISHED', 'EXCEPTED', 'KILLED')
	`, now, nodeID)
	if err != nil {
		return fmt.Errorf("wake %d: %w", nodeID, err)
	}
	return nil
}

// Defer reschedules a process whose step made no progress. The version is
// checked but not bumped and no checkpoint is appended, so idle polling does
// not grow the history.
func (s *Store) Defer(ctx context.Context, nodeID, version int64, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_state SET next_run_at = ?
		WHERE node_id = ? AND version = ?
	`, toNanos(at), nodeID, version)
	if err != nil {
		return fmt.Errorf("defer %d: %w", nodeID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("defer %d: %w", nodeID, err)
	}
	if n == 0 {
		return fmt.Errorf("defer %d: %w", nodeID, ErrConflict)
	}
	return nil
}

// ClearExpiredLease drops an expired lease and makes the process runnable.
// It reports whether a lease was cleared.
func (s *Store) ClearExpiredLease(ctx context.Context, nodeID int64, now time.Time) (bool, error) {
	n := toNanos(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_state
		SET lease_owner = NULL, lease_expires_at = NULL, next_run_at = MIN(next_run_at, ?)
		WHERE node_id = ? AND lease_owner IS NOT NULL AND lease_expires_at <= ?
	`, n, nodeID, n)
	if err != nil {
		return false, fmt.Errorf("clear lease %d: %w", nodeID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("clear lease %d: %w", nodeID, err)
	}
	return rows == 1, nil
}
