package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureUser returns the user with the given email, creating it if needed.
func (s *Store) EnsureUser(ctx context.Context, email string) (*User, error) {
	if email == "" {
		return nil, fmt.Errorf("ensure user: empty email")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (email, created_at) VALUES (?, ?)
		ON CONFLICT(email) DO NOTHING
	`, email, s.nowNanos())
	if err != nil {
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return s.getUser(ctx, `email = ?`, email)
}

// GetUser returns the user with the given id.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, `id = ?`, id)
}

func (s *Store) getUser(ctx context.Context, where string, arg any) (*User, error) {
	var (
		u       User
		created int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE `+where, arg).
		Scan(&u.ID, &u.Email, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get user %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get user %v: %w", arg, err)
	}
	u.CreatedAt = fromNanos(created)
	return &u, nil
}
