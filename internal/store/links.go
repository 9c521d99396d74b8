package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateLink records a directed edge. Role and endpoint kinds must agree:
//
//	INPUT   sealed data      -> process
//	CREATE  process          -> data
//	RETURN  workflow         -> data
//	CALL    workflow         -> process
//
// A second CREATE link into the same target fails with ErrDuplicateLink, as
// does a repeated (role, target, name) triple.
func (s *Store) CreateLink(ctx context.Context, source, target int64, role Role, name string) (*Link, error) {
	var link *Link
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		link, err = s.createLink(ctx, tx, source, target, role, name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

func (s *Store) createLink(ctx context.Context, q dbtx, source, target int64, role Role, name string) (*Link, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("create link: %w: unknown role %q", ErrInvalidLink, role)
	}
	if name == "" {
		return nil, fmt.Errorf("create link: %w: empty name", ErrInvalidLink)
	}
	src, err := getNode(ctx, q, `WHERE id = ?`, source)
	if err != nil {
		return nil, fmt.Errorf("create link: source: %w", err)
	}
	dst, err := getNode(ctx, q, `WHERE id = ?`, target)
	if err != nil {
		return nil, fmt.Errorf("create link: target: %w", err)
	}
	if err := checkLinkKinds(src, dst, role); err != nil {
		return nil, fmt.Errorf("create link %s %q: %w", role, name, err)
	}

	if role == RoleCreate {
		var existing int
		err := q.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM links WHERE target_id = ? AND role = 'CREATE'
		`, target).Scan(&existing)
		if err != nil {
			return nil, fmt.Errorf("create link: %w", err)
		}
		if existing > 0 {
			return nil, fmt.Errorf("create link: node %d already has a creator: %w", target, ErrDuplicateLink)
		}
	}

	now := s.nowNanos()
	res, err := q.ExecContext(ctx, `
		INSERT INTO links (source_id, target_id, role, name, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, source, target, string(role), name, now)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("create link %s %q -> %d: %w", role, name, target, ErrDuplicateLink)
		}
		return nil, fmt.Errorf("create link: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("create link: %w", err)
	}
	return &Link{
		ID:        id,
		SourceID:  source,
		TargetID:  target,
		Role:      role,
		Name:      name,
		CreatedAt: fromNanos(now),
	}, nil
}

func checkLinkKinds(src, dst *Node, role Role) error {
	switch role {
	case RoleInput:
		if !src.Kind.IsData() || !dst.Kind.IsProcess() {
			return fmt.Errorf("%w: INPUT must connect data to a process", ErrInvalidLink)
		}
		if !src.Sealed {
			return fmt.Errorf("%w: INPUT source %d is not sealed", ErrInvalidLink, src.ID)
		}
	case RoleCreate:
		if !src.Kind.IsProcess() || !dst.Kind.IsData() {
			return fmt.Errorf("%w: CREATE must connect a process to data", ErrInvalidLink)
		}
	case RoleReturn:
		if src.Kind != KindWorkflow || !dst.Kind.IsData() {
			return fmt.Errorf("%w: RETURN must connect a workflow to data", ErrInvalidLink)
		}
	case RoleCall:
		if src.Kind != KindWorkflow || !dst.Kind.IsProcess() {
			return fmt.Errorf("%w: CALL must connect a workflow to a process", ErrInvalidLink)
		}
	}
	return nil
}

// QueryLinks returns links touching nodeID in the given direction, ordered by
// id. An empty role matches all roles.
func (s *Store) QueryLinks(ctx context.Context, nodeID int64, role Role, dir Direction) ([]Link, error) {
	return queryLinks(ctx, s.db, nodeID, role, dir)
}

func queryLinks(ctx context.Context, q dbtx, nodeID int64, role Role, dir Direction) ([]Link, error) {
	var column string
	switch dir {
	case Incoming:
		column = "target_id"
	case Outgoing:
		column = "source_id"
	default:
		return nil, fmt.Errorf("query links: invalid direction %d", dir)
	}

	query := `SELECT id, source_id, target_id, role, name, created_at FROM links WHERE ` + column + ` = ?`
	args := []any{nodeID}
	if role != "" {
		query += ` AND role = ?`
		args = append(args, string(role))
	}
	query += ` ORDER BY id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	defer rows.Close()

	var links []Link
	for rows.Next() {
		var (
			l       Link
			r       string
			created int64
		)
		if err := rows.Scan(&l.ID, &l.SourceID, &l.TargetID, &r, &l.Name, &created); err != nil {
			return nil, fmt.Errorf("query links: %w", err)
		}
		l.Role = Role(r)
		l.CreatedAt = fromNanos(created)
		links = append(links, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query links: %w", err)
	}
	return links, nil
}

// OutgoingByName returns the outgoing link with the given role and name.
func (s *Store) OutgoingByName(ctx context.Context, source int64, role Role, name string) (*Link, error) {
	return outgoingByName(ctx, s.db, source, role, name)
}

func outgoingByName(ctx context.Context, q dbtx, source int64, role Role, name string) (*Link, error) {
	var (
		l       Link
		r       string
		created int64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, role, name, created_at
		FROM links WHERE source_id = ? AND role = ? AND name = ?
		ORDER BY id ASC LIMIT 1
	`, source, string(role), name).Scan(&l.ID, &l.SourceID, &l.TargetID, &r, &l.Name, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("link %s %q from %d: %w", role, name, source, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("link %s %q from %d: %w", role, name, source, err)
	}
	l.Role = Role(r)
	l.CreatedAt = fromNanos(created)
	return &l, nil
}
