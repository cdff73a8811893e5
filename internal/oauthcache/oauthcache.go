// Package oauthcache caches and refreshes OAuth credentials: refresh
// and access tokens are persisted AES-GCM encrypted with tenant-scoped
// associated data, and a live access token is served from a decrypt-or-
// refresh path, with a Redis hot cache in front of the decrypted value.
package oauthcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/pkg/apperr"
	"github.com/ossmail/ingestor/pkg/crypto"
)

// Refresher performs the provider-specific refresh-token exchange.
// Implemented by internal/provider/gmail.
type Refresher interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// CredentialStore reads/writes the oauth_credentials row.
type CredentialStore interface {
	Get(ctx context.Context, id uuid.UUID) (*domain.OAuthCredential, error)
	UpdateAccessToken(ctx context.Context, id uuid.UUID, encryptedAccessToken string, expiresAt time.Time) error
}

// CredentialUnavailableError surfaces when the refresh token cannot be
// decrypted; callers should degrade connectivity rather than abort.
type CredentialUnavailableError struct {
	CredentialID uuid.UUID
	Err          error
}

func (e *CredentialUnavailableError) Error() string {
	return fmt.Sprintf("oauthcache: credential %s unavailable: %v", e.CredentialID, e.Err)
}
func (e *CredentialUnavailableError) Unwrap() error { return e.Err }

const nearExpiryWindow = 30 * time.Second

type Cache struct {
	store     CredentialStore
	encryptor *crypto.Encryptor
	redis     *redis.Client
	refresher Refresher
}

func New(store CredentialStore, encryptor *crypto.Encryptor, redisClient *redis.Client, refresher Refresher) *Cache {
	return &Cache{store: store, encryptor: encryptor, redis: redisClient, refresher: refresher}
}

type cachedToken struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func redisKey(credentialID uuid.UUID) string {
	return "oauth:access_token:" + credentialID.String()
}

// LiveAccessToken returns a currently-valid plaintext access token,
// decrypting the cached one if it has more than 30s left, otherwise
// refreshing from the provider and re-encrypting the result.
func (c *Cache) LiveAccessToken(ctx context.Context, tenant uuid.UUID, provider, subject string, credentialID uuid.UUID) (string, error) {
	if c.redis != nil {
		if raw, err := c.redis.Get(ctx, redisKey(credentialID)).Result(); err == nil {
			var cached cachedToken
			if json.Unmarshal([]byte(raw), &cached) == nil && cached.ExpiresAt.After(time.Now().Add(nearExpiryWindow)) {
				return cached.AccessToken, nil
			}
		}
	}

	cred, err := c.store.Get(ctx, credentialID)
	if err != nil {
		return "", apperr.RetryableWrap(apperr.CodeDatabaseError, "load oauth credential", err)
	}

	aad := crypto.OAuthCredentialAAD(tenant.String(), provider, subject)

	if cred.EncryptedAccessToken != nil && cred.AccessTokenExpiresAt != nil && cred.AccessTokenExpiresAt.After(time.Now().Add(nearExpiryWindow)) {
		token, err := c.encryptor.DecryptWithAAD(*cred.EncryptedAccessToken, aad)
		if err == nil {
			c.cacheHot(ctx, credentialID, token, *cred.AccessTokenExpiresAt)
			return token, nil
		}
		// Decrypt failure on a cached access token: downgrade silently
		// and fall through to a fresh refresh rather than aborting.
	}

	refreshToken, err := c.encryptor.DecryptWithAAD(cred.EncryptedRefreshToken, aad)
	if err != nil {
		return "", &CredentialUnavailableError{CredentialID: credentialID, Err: err}
	}

	tok, err := c.refresher.RefreshAccessToken(ctx, refreshToken)
	if err != nil {
		return "", apperr.RetryableWrap(apperr.CodeOAuthFailed, "refresh access token", err)
	}

	encryptedAccess, err := c.encryptor.EncryptWithAAD(tok.AccessToken, aad)
	if err != nil {
		return "", apperr.RetryableWrap(apperr.CodeInternalError, "encrypt access token", err)
	}

	if err := c.store.UpdateAccessToken(ctx, credentialID, encryptedAccess, tok.Expiry); err != nil {
		return "", apperr.RetryableWrap(apperr.CodeDatabaseError, "persist access token", err)
	}

	c.cacheHot(ctx, credentialID, tok.AccessToken, tok.Expiry)
	return tok.AccessToken, nil
}

func (c *Cache) cacheHot(ctx context.Context, credentialID uuid.UUID, token string, expiresAt time.Time) {
	if c.redis == nil {
		return
	}
	body, err := json.Marshal(cachedToken{AccessToken: token, ExpiresAt: expiresAt})
	if err != nil {
		return
	}
	ttl := time.Until(expiresAt) - nearExpiryWindow
	if ttl <= 0 {
		return
	}
	c.redis.Set(ctx, redisKey(credentialID), body, ttl)
}
