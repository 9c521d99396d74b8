package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/provflow/internal/ir"
)

const nodeColumns = `id, uuid, kind, label, user_id, attributes, sealed, created_at, modified_at`

// CreateNode inserts a node. A zero UUID gets a generated one.
func (s *Store) CreateNode(ctx context.Context, n NewNode) (*Node, error) {
	var node *Node
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		node, err = s.createNode(ctx, tx, n)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *Store) createNode(ctx context.Context, q dbtx, n NewNode) (*Node, error) {
	if !n.Kind.Valid() {
		return nil, fmt.Errorf("create node: unknown kind %q", n.Kind)
	}
	if n.UUID == "" {
		n.UUID = s.newID()
	}
	attrs, err := marshalAttributes(n.Attributes)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	now := s.nowNanos()

	res, err := q.ExecContext(ctx, `
		INSERT INTO nodes (uuid, kind, label, user_id, attributes, sealed, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.UUID, string(n.Kind), n.Label, n.UserID, attrs, boolToInt(n.Sealed), now, now)
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create node: %w", err)
	}

	stored := n.Attributes
	if stored == nil {
		stored = ir.Object{}
	}
	return &Node{
		ID:         id,
		UUID:       n.UUID,
		Kind:       n.Kind,
		Label:      n.Label,
		UserID:     n.UserID,
		Attributes: stored.Clone(),
		Sealed:     n.Sealed,
		CreatedAt:  fromNanos(now),
		ModifiedAt: fromNanos(now),
	}, nil
}

// GetNode returns the node with the given id.
func (s *Store) GetNode(ctx context.Context, id int64) (*Node, error) {
	return getNode(ctx, s.db, `WHERE id = ?`, id)
}

// GetNodeByUUID returns the node with the given UUID.
func (s *Store) GetNodeByUUID(ctx context.Context, uuid string) (*Node, error) {
	return getNode(ctx, s.db, `WHERE uuid = ?`, uuid)
}

func getNode(ctx context.Context, q dbtx, where string, arg any) (*Node, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes `+where, arg)
	n, err := scanNode(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get node %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get node %v: %w", arg, err)
	}
	return n, nil
}

// NodeFilter narrows ListNodes. Zero fields match everything.
type NodeFilter struct {
	Kind  Kind
	Label string
	Limit int
}

// ListNodes returns nodes ordered by id.
func (s *Store) ListNodes(ctx context.Context, f NodeFilter) ([]Node, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if f.Label != "" {
		clauses = append(clauses, "label = ?")
		args = append(args, f.Label)
	}
	query := `SELECT ` + nodeColumns + ` FROM nodes`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY id ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer rows.Close()

	var nodes []Node
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		nodes = append(nodes, *n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	return nodes, nil
}

// SetAttributes merges attrs into an unsealed node. Existing keys may only be
// re-set to an identical value.
func (s *Store) SetAttributes(ctx context.Context, id int64, attrs ir.Object) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.setAttributes(ctx, tx, id, attrs)
	})
}

func (s *Store) setAttributes(ctx context.Context, q dbtx, id int64, attrs ir.Object) error {
	if len(attrs) == 0 {
		return nil
	}
	node, err := getNode(ctx, q, `WHERE id = ?`, id)
	if err != nil {
		return err
	}
	merged, changed, err := mergeAttributes(node.Attributes, attrs)
	if err != nil {
		return fmt.Errorf("set attributes on node %d: %w", id, err)
	}
	if !changed {
		return nil
	}
	if node.Sealed {
		return fmt.Errorf("set attributes on node %d: %w", id, ErrSealed)
	}
	data, err := marshalAttributes(merged)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		UPDATE nodes SET attributes = ?, modified_at = ? WHERE id = ?
	`, data, s.nowNanos(), id)
	if err != nil {
		if isTriggerAbort(err) {
			return fmt.Errorf("set attributes on node %d: %w", id, ErrSealed)
		}
		return fmt.Errorf("set attributes on node %d: %w", id, err)
	}
	return nil
}

// SealNode makes the node's attributes immutable. Sealing twice is a no-op.
func (s *Store) SealNode(ctx context.Context, id int64) error {
	return sealNode(ctx, s.db, id, s.nowNanos())
}

func sealNode(ctx context.Context, q dbtx, id int64, now int64) error {
	res, err := q.ExecContext(ctx, `
		UPDATE nodes SET sealed = 1, modified_at = ? WHERE id = ? AND sealed = 0
	`, now, id)
	if err != nil {
		return fmt.Errorf("seal node %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("seal node %d: %w", id, err)
	}
	if n == 0 {
		var exists int
		err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM nodes WHERE id = ?`, id).Scan(&exists)
		if err != nil {
			return fmt.Errorf("seal node %d: %w", id, err)
		}
		if exists == 0 {
			return fmt.Errorf("seal node %d: %w", id, ErrNotFound)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNode(row rowScanner) (*Node, error) {
	var (
		n        Node
		kind     string
		attrs    string
		sealed   int
		created  int64
		modified int64
	)
	if err := row.Scan(&n.ID, &n.UUID, &kind, &n.Label, &n.UserID, &attrs, &sealed, &created, &modified); err != nil {
		return nil, err
	}
	obj, err := unmarshalAttributes(attrs)
	if err != nil {
		return nil, err
	}
	n.Kind = Kind(kind)
	n.Attributes = obj
	n.Sealed = sealed != 0
	n.CreatedAt = fromNanos(created)
	n.ModifiedAt = fromNanos(modified)
	return &n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
