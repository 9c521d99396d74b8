package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/provflow/internal/ir"
)

// PutBlob stores content in the file repository and returns its hash.
// Storing the same content twice is a no-op.
func (s *Store) PutBlob(ctx context.Context, content []byte) (string, error) {
	hash := ir.ContentHash(ir.DomainBlob, content)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blobs (hash, content, size, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(hash) DO NOTHING
	`, hash, content, len(content), s.nowNanos())
	if err != nil {
		return "", fmt.Errorf("put blob: %w", err)
	}
	return hash, nil
}

// GetBlob returns the blob with the given hash.
func (s *Store) GetBlob(ctx context.Context, hash string) (*Blob, error) {
	var b Blob
	err := s.db.QueryRowContext(ctx, `
		SELECT hash, content, size FROM blobs WHERE hash = ?
	`, hash).Scan(&b.Hash, &b.Content, &b.Size)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get blob %s: %w", hash, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}
	return &b, nil
}
