package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ossmail/ingestor/internal/domain"
)

type BlobRepo struct{}

func NewBlobRepo() *BlobRepo { return &BlobRepo{} }

// Upsert inserts a blobs row, updating only storage_key on conflict —
// the conflict target (tenant, kind, sha256) makes repeated uploads of
// identical content idempotent.
func (r *BlobRepo) Upsert(ctx context.Context, tx pgx.Tx, tenant uuid.UUID, kind domain.BlobKind, sha256Hex, storageKey string, sizeBytes int64, contentType *string) (uuid.UUID, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO blobs (id, tenant, kind, sha256, size_bytes, storage_key, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (tenant, kind, sha256) DO UPDATE SET storage_key = EXCLUDED.storage_key
		RETURNING id
	`, uuid.New(), tenant, string(kind), sha256Hex, sizeBytes, storageKey, contentType)

	var id uuid.UUID
	if err := row.Scan(&id); err != nil {
		return uuid.Nil, fmt.Errorf("postgres: upsert blob: %w", err)
	}
	return id, nil
}

// Get loads a blob row's storage key and kind for retrieval from the
// object store.
func (r *BlobRepo) Get(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Blob, error) {
	row := tx.QueryRow(ctx, `SELECT id, tenant, kind, sha256, size_bytes, storage_key, content_type, created_at FROM blobs WHERE id = $1`, id)
	var b domain.Blob
	var kind string
	if err := row.Scan(&b.ID, &b.Tenant, &kind, &b.SHA256, &b.SizeBytes, &b.StorageKey, &b.ContentType, &b.CreatedAt); err != nil {
		return nil, fmt.Errorf("postgres: get blob: %w", err)
	}
	b.Kind = domain.BlobKind(kind)
	return &b, nil
}
