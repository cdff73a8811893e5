package oauthcache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	"github.com/ossmail/ingestor/internal/domain"
	"github.com/ossmail/ingestor/pkg/crypto"
)

const testEncryptionKey = "0123456789abcdef0123456789abcdef"

type fakeStore struct {
	cred       *domain.OAuthCredential
	getCalls   int
	updateCalls int
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (*domain.OAuthCredential, error) {
	f.getCalls++
	return f.cred, nil
}

func (f *fakeStore) UpdateAccessToken(ctx context.Context, id uuid.UUID, encryptedAccessToken string, expiresAt time.Time) error {
	f.updateCalls++
	f.cred.EncryptedAccessToken = &encryptedAccessToken
	f.cred.AccessTokenExpiresAt = &expiresAt
	return nil
}

type fakeRefresher struct {
	calls int
	token *oauth2.Token
	err   error
}

func (f *fakeRefresher) RefreshAccessToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.token, nil
}

func newTestCache(t *testing.T, store CredentialStore, refresher Refresher) (*Cache, *crypto.Encryptor, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	redisClient := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	enc, err := crypto.NewEncryptor([]byte(testEncryptionKey))
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	return New(store, enc, redisClient, refresher), enc, mr
}

func TestLiveAccessToken_RefreshesWhenNoCachedToken(t *testing.T) {
	tenant := uuid.New()
	credentialID := uuid.New()

	store := &fakeStore{cred: &domain.OAuthCredential{
		ID:       credentialID,
		Tenant:   tenant,
		Provider: "gmail",
		Subject:  "mbx@example.com",
	}}
	refresher := &fakeRefresher{token: &oauth2.Token{
		AccessToken: "fresh-access-token",
		Expiry:      time.Now().Add(time.Hour),
	}}

	cache, enc, mr := newTestCache(t, store, refresher)
	defer mr.Close()

	aad := crypto.OAuthCredentialAAD(tenant.String(), "gmail", "mbx@example.com")
	encRefresh, err := enc.EncryptWithAAD("refresh-token-plaintext", aad)
	if err != nil {
		t.Fatalf("encrypt refresh token: %v", err)
	}
	store.cred.EncryptedRefreshToken = encRefresh

	token, err := cache.LiveAccessToken(context.Background(), tenant, "gmail", "mbx@example.com", credentialID)
	if err != nil {
		t.Fatalf("LiveAccessToken: %v", err)
	}
	if token != "fresh-access-token" {
		t.Errorf("token = %q, want fresh-access-token", token)
	}
	if refresher.calls != 1 {
		t.Errorf("expected exactly one refresh call, got %d", refresher.calls)
	}
	if store.updateCalls != 1 {
		t.Errorf("expected the refreshed token to be persisted, got %d updates", store.updateCalls)
	}
}

func TestLiveAccessToken_ServesFromRedisHotCacheWithoutHittingStore(t *testing.T) {
	tenant := uuid.New()
	credentialID := uuid.New()

	store := &fakeStore{cred: &domain.OAuthCredential{ID: credentialID, Tenant: tenant}}
	refresher := &fakeRefresher{}

	cache, _, mr := newTestCache(t, store, refresher)
	defer mr.Close()

	cached := cachedToken{AccessToken: "hot-cached-token", ExpiresAt: time.Now().Add(time.Hour)}
	body, err := json.Marshal(cached)
	if err != nil {
		t.Fatalf("marshal cached token: %v", err)
	}
	if err := cache.redis.Set(context.Background(), redisKey(credentialID), body, time.Hour).Err(); err != nil {
		t.Fatalf("seed redis: %v", err)
	}

	token, err := cache.LiveAccessToken(context.Background(), tenant, "gmail", "mbx@example.com", credentialID)
	if err != nil {
		t.Fatalf("LiveAccessToken: %v", err)
	}
	if token != "hot-cached-token" {
		t.Errorf("token = %q, want hot-cached-token", token)
	}
	if store.getCalls != 0 {
		t.Errorf("expected the redis hit to short-circuit the store lookup, got %d calls", store.getCalls)
	}
	if refresher.calls != 0 {
		t.Errorf("expected no refresh call when the hot cache is fresh, got %d", refresher.calls)
	}
}
