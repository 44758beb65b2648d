package vault

import (
	"context"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

// fakeCredentialRepo keeps one credential per tenant in memory and counts
// lookups so cache behavior is observable.
type fakeCredentialRepo struct {
	creds     map[string]model.Credential
	findCalls int
	failNext  error
}

func newFakeCredentialRepo() *fakeCredentialRepo {
	return &fakeCredentialRepo{creds: make(map[string]model.Credential)}
}

func (r *fakeCredentialRepo) Upsert(_ context.Context, cred model.Credential) error {
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	cred.Active = true
	r.creds[cred.TenantID] = cred
	return nil
}

func (r *fakeCredentialRepo) FindActiveByTenant(_ context.Context, tenantID string) (*model.Credential, error) {
	r.findCalls++
	cred, ok := r.creds[tenantID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &cred, nil
}

func (r *fakeCredentialRepo) RotateCiphertext(_ context.Context, tenantID string, ciphertext []byte, tokenKind string, expiresAt *time.Time) error {
	if r.failNext != nil {
		err := r.failNext
		r.failNext = nil
		return err
	}
	cred, ok := r.creds[tenantID]
	if !ok {
		return apperrors.ErrNotFound
	}
	cred.Ciphertext = ciphertext
	cred.TokenKind = tokenKind
	cred.ExpiresAt = expiresAt
	r.creds[tenantID] = cred
	return nil
}

func (r *fakeCredentialRepo) Deactivate(_ context.Context, tenantID string) error {
	if _, ok := r.creds[tenantID]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.creds, tenantID)
	return nil
}

func (r *fakeCredentialRepo) Close(_ context.Context) error { return nil }

func newTestVault(t *testing.T) (*Vault, *fakeCredentialRepo) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	repo := newFakeCredentialRepo()
	v, err := New(testMasterKey, repo, time.Minute)
	require.NoError(t, err)
	t.Cleanup(v.Close)
	return v, repo
}

func TestNewRejectsBadMasterKey(t *testing.T) {
	repo := newFakeCredentialRepo()

	_, err := New("not-hex", repo, time.Minute)
	assert.Error(t, err)

	_, err = New(hex.EncodeToString(make([]byte, 16)), repo, time.Minute)
	assert.ErrorContains(t, err, "32 bytes")
}

func TestStoreAndRetrieve(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	err := v.Store(ctx, "tenant-a", "EAAGm0PX4ZCpsBO-token", model.TokenKindSystem, nil)
	require.NoError(t, err)

	// Ciphertext at rest never contains the plaintext.
	stored := repo.creds["tenant-a"]
	assert.NotContains(t, string(stored.Ciphertext), "EAAGm0PX4ZCpsBO-token")

	token, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "EAAGm0PX4ZCpsBO-token", token)
}

func TestStoreValidatesInput(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	err := v.Store(ctx, "", "token", model.TokenKindSystem, nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	err = v.Store(ctx, "tenant-a", "", model.TokenKindSystem, nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	err = v.Store(ctx, "tenant-a", "token", "session", nil)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
}

func TestRetrieveServesFromCache(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "token-1", model.TokenKindUser, nil))

	_, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	_, err = v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)

	assert.Equal(t, 1, repo.findCalls)
}

func TestRetrieveExpiredCredential(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, v.Store(ctx, "tenant-a", "token-1", model.TokenKindUser, &past))

	_, err := v.Retrieve(ctx, "tenant-a")
	assert.ErrorIs(t, err, apperrors.ErrExpired)
}

func TestRetrieveCachedTokenNeverOutlivesExpiry(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	expiresAt := time.Now().UTC().Add(100 * time.Millisecond)
	require.NoError(t, v.Store(ctx, "tenant-a", "short-lived-token", model.TokenKindUser, &expiresAt))

	// Warm the cache while the credential is still valid.
	token, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "short-lived-token", token)

	time.Sleep(150 * time.Millisecond)

	// The cached entry expired with the credential; the lookup must fail
	// with Expired, not serve the stale token.
	_, err = v.Retrieve(ctx, "tenant-a")
	assert.ErrorIs(t, err, apperrors.ErrExpired)
}

func TestRetrieveUnknownTenant(t *testing.T) {
	v, _ := newTestVault(t)

	_, err := v.Retrieve(context.Background(), "tenant-ghost")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRetrieveRejectsTamperedBlob(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "token-1", model.TokenKindUser, nil))

	cred := repo.creds["tenant-a"]
	cred.Ciphertext[len(cred.Ciphertext)-1] ^= 0xFF
	repo.creds["tenant-a"] = cred

	_, err := v.Retrieve(ctx, "tenant-a")
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestRetrieveRejectsUnknownBlobVersion(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "token-1", model.TokenKindUser, nil))

	cred := repo.creds["tenant-a"]
	cred.Ciphertext[0] = 0x7F
	repo.creds["tenant-a"] = cred

	_, err := v.Retrieve(ctx, "tenant-a")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestRotateEvictsCache(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "old-token", model.TokenKindUser, nil))
	token, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	require.Equal(t, "old-token", token)

	require.NoError(t, v.Rotate(ctx, "tenant-a", "new-token", model.TokenKindUser, nil))

	token, err = v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, "new-token", token)
}

func TestRotateWithoutActiveCredential(t *testing.T) {
	v, _ := newTestVault(t)

	err := v.Rotate(context.Background(), "tenant-ghost", "new-token", model.TokenKindUser, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestRotateFailureStillEvicts(t *testing.T) {
	v, repo := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "old-token", model.TokenKindUser, nil))
	_, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	callsBefore := repo.findCalls

	repo.failNext = apperrors.ErrDatabase
	err = v.Rotate(ctx, "tenant-a", "new-token", model.TokenKindUser, nil)
	assert.ErrorIs(t, err, apperrors.ErrDatabase)

	// The cached token was evicted, so the next read goes to storage.
	_, err = v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, callsBefore+1, repo.findCalls)
}

func TestDeactivate(t *testing.T) {
	v, _ := newTestVault(t)
	ctx := context.Background()

	require.NoError(t, v.Store(ctx, "tenant-a", "token-1", model.TokenKindUser, nil))
	_, err := v.Retrieve(ctx, "tenant-a")
	require.NoError(t, err)

	require.NoError(t, v.Deactivate(ctx, "tenant-a"))

	_, err = v.Retrieve(ctx, "tenant-a")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}
