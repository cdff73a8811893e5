package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ossmail/ingestor/internal/domain"
)

type OAuthCredentialRepo struct {
	pool *pgxpool.Pool
}

func NewOAuthCredentialRepo(pool *pgxpool.Pool) *OAuthCredentialRepo {
	return &OAuthCredentialRepo{pool: pool}
}

func (r *OAuthCredentialRepo) Get(ctx context.Context, id uuid.UUID) (*domain.OAuthCredential, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant, provider, subject, scopes, encrypted_refresh_token,
			encrypted_access_token, access_token_expires_at, created_at, updated_at
		FROM oauth_credentials WHERE id = $1
	`, id)

	var c domain.OAuthCredential
	if err := row.Scan(&c.ID, &c.Tenant, &c.Provider, &c.Subject, &c.Scopes, &c.EncryptedRefreshToken,
		&c.EncryptedAccessToken, &c.AccessTokenExpiresAt, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, fmt.Errorf("postgres: get oauth credential: %w", err)
	}
	return &c, nil
}

func (r *OAuthCredentialRepo) UpdateAccessToken(ctx context.Context, id uuid.UUID, encryptedAccessToken string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE oauth_credentials SET encrypted_access_token = $2, access_token_expires_at = $3, updated_at = now()
		WHERE id = $1
	`, id, encryptedAccessToken, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: update access token: %w", err)
	}
	return nil
}
