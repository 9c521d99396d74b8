package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const computerColumns = `name, hostname, description, transport, scheduler, work_dir,
	min_poll_interval_ms, default_mpiprocs, created_at, updated_at`

// PutComputer inserts a computer. An existing computer with the same name
// and identical configuration is left untouched; a different configuration
// fails with ErrDuplicateName.
func (s *Store) PutComputer(ctx context.Context, c ComputerRecord) (*ComputerRecord, error) {
	var out *ComputerRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getComputer(ctx, tx, c.Name)
		if err == nil {
			if !sameComputer(*existing, c) {
				return fmt.Errorf("put computer %q: %w", c.Name, ErrDuplicateName)
			}
			out = existing
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		now := s.nowNanos()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO computers (`+computerColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, c.Name, c.Hostname, c.Description, c.Transport, c.Scheduler, c.WorkDir,
			c.MinimumPollInterval.Milliseconds(), c.DefaultMPIProcs, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("put computer %q: %w", c.Name, ErrDuplicateName)
			}
			return fmt.Errorf("put computer %q: %w", c.Name, err)
		}
		c.CreatedAt = fromNanos(now)
		c.UpdatedAt = fromNanos(now)
		out = &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateComputer replaces the configuration of an existing computer and
// stamps updated_at. Codes registered on it are kept.
func (s *Store) UpdateComputer(ctx context.Context, c ComputerRecord) (*ComputerRecord, error) {
	var out *ComputerRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE computers SET
				hostname = ?, description = ?, transport = ?, scheduler = ?, work_dir = ?,
				min_poll_interval_ms = ?, default_mpiprocs = ?, updated_at = ?
			WHERE name = ?
		`, c.Hostname, c.Description, c.Transport, c.Scheduler, c.WorkDir,
			c.MinimumPollInterval.Milliseconds(), c.DefaultMPIProcs, s.nowNanos(), c.Name)
		if err != nil {
			return fmt.Errorf("update computer %q: %w", c.Name, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update computer %q: %w", c.Name, err)
		}
		if n == 0 {
			return fmt.Errorf("update computer %q: %w", c.Name, ErrNotFound)
		}
		out, err = getComputer(ctx, tx, c.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func sameComputer(a, b ComputerRecord) bool {
	return a.Hostname == b.Hostname &&
		a.Description == b.Description &&
		a.Transport == b.Transport &&
		a.Scheduler == b.Scheduler &&
		a.WorkDir == b.WorkDir &&
		a.MinimumPollInterval == b.MinimumPollInterval &&
		a.DefaultMPIProcs == b.DefaultMPIProcs
}

// GetComputer returns the named computer.
func (s *Store) GetComputer(ctx context.Context, name string) (*ComputerRecord, error) {
	return getComputer(ctx, s.db, name)
}

func getComputer(ctx context.Context, q dbtx, name string) (*ComputerRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+computerColumns+` FROM computers WHERE name = ?`, name)
	c, err := scanComputer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get computer %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get computer %q: %w", name, err)
	}
	return c, nil
}

// ListComputers returns all computers ordered by name.
func (s *Store) ListComputers(ctx context.Context) ([]ComputerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+computerColumns+` FROM computers ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list computers: %w", err)
	}
	defer rows.Close()

	var out []ComputerRecord
	for rows.Next() {
		c, err := scanComputer(rows)
		if err != nil {
			return nil, fmt.Errorf("list computers: %w", err)
		}
		out = append(out, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list computers: %w", err)
	}
	return out, nil
}

func scanComputer(row rowScanner) (*ComputerRecord, error) {
	var (
		c       ComputerRecord
		pollMS  int64
		created int64
		updated int64
	)
	err := row.Scan(&c.Name, &c.Hostname, &c.Description, &c.Transport, &c.Scheduler, &c.WorkDir,
		&pollMS, &c.DefaultMPIProcs, &created, &updated)
	if err != nil {
		return nil, err
	}
	c.MinimumPollInterval = time.Duration(pollMS) * time.Millisecond
	c.CreatedAt = fromNanos(created)
	c.UpdatedAt = fromNanos(updated)
	return &c, nil
}

// PutCode creates the sealed data.code node for name on computer and
// registers it. If the code exists with byte-identical attributes the
// existing node is returned; otherwise ErrDuplicateName.
func (s *Store) PutCode(ctx context.Context, name, computer string, n NewNode) (*Node, error) {
	var node *Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := getComputer(ctx, tx, computer); err != nil {
			return fmt.Errorf("put code %s@%s: %w", name, computer, err)
		}

		var nodeID int64
		err := tx.QueryRowContext(ctx, `
			SELECT node_id FROM codes WHERE name = ? AND computer = ?
		`, name, computer).Scan(&nodeID)
		if err == nil {
			existing, err := getNode(ctx, tx, `WHERE id = ?`, nodeID)
			if err != nil {
				return err
			}
			want, err := marshalAttributes(n.Attributes)
			if err != nil {
				return err
			}
			have, err := marshalAttributes(existing.Attributes)
			if err != nil {
				return err
			}
			if want != have {
				return fmt.Errorf("put code %s@%s: %w", name, computer, ErrDuplicateName)
			}
			node = existing
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("put code %s@%s: %w", name, computer, err)
		}

		n.Kind = KindCode
		n.Sealed = true
		if n.Label == "" {
			n.Label = name + "@" + computer
		}
		node, err = s.createNode(ctx, tx, n)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO codes (name, computer, node_id, created_at) VALUES (?, ?, ?, ?)
		`, name, computer, node.ID, s.nowNanos())
		if err != nil {
			return fmt.Errorf("put code %s@%s: %w", name, computer, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

// FindCodes returns codes named name. An empty computer matches any computer.
func (s *Store) FindCodes(ctx context.Context, name, computer string) ([]CodeRow, error) {
	query := `SELECT name, computer, node_id FROM codes WHERE name = ?`
	args := []any{name}
	if computer != "" {
		query += ` AND computer = ?`
		args = append(args, computer)
	}
	query += ` ORDER BY computer ASC`
	return s.queryCodes(ctx, query, args...)
}

// ListCodes returns all registered codes ordered by name then computer.
func (s *Store) ListCodes(ctx context.Context) ([]CodeRow, error) {
	return s.queryCodes(ctx, `SELECT name, computer, node_id FROM codes ORDER BY name ASC, computer ASC`)
}

func (s *Store) queryCodes(ctx context.Context, query string, args ...any) ([]CodeRow, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query codes: %w", err)
	}
	defer rows.Close()

	var out []CodeRow
	for rows.Next() {
		var c CodeRow
		if err := rows.Scan(&c.Name, &c.Computer, &c.NodeID); err != nil {
			return nil, fmt.Errorf("query codes: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query codes: %w", err)
	}
	return out, nil
}
