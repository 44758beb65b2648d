package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Ciphertext blob layout: one version byte, one nonce-length byte, the
// nonce, then the AES-GCM ciphertext with its appended tag. The blob is
// self-describing so the key or nonce size can change without a migration.
const blobVersion = 0x01

// Vault stores provider access tokens encrypted at rest and hands out
// plaintext only to in-process callers. Decrypted tokens are cached with a
// short TTL; rotation and deactivation evict immediately.
type Vault struct {
	repo       storage.CredentialRepo
	aead       cipher.AEAD
	tokenCache *cache.ExpiringCache
	cacheTTL   time.Duration

	// Per-tenant rotation locks so Rotate read-modify-write cycles for the
	// same tenant serialize without blocking other tenants.
	rotateMu sync.Map // tenantID -> *sync.Mutex
}

// New creates a Vault from a hex-encoded 32-byte master key.
func New(masterKeyHex string, repo storage.CredentialRepo, tokenCacheTTL time.Duration) (*Vault, error) {
	key, err := hex.DecodeString(masterKeyHex)
	if err != nil {
		return nil, fmt.Errorf("master key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize GCM: %w", err)
	}

	return &Vault{
		repo:       repo,
		aead:       aead,
		tokenCache: cache.NewExpiringCache("vault_tokens", tokenCacheTTL, tokenCacheTTL, nil),
		cacheTTL:   tokenCacheTTL,
	}, nil
}

// Store encrypts and persists a new active credential for the tenant,
// replacing any previous one. A nil expiresAt means the token never expires.
func (v *Vault) Store(ctx context.Context, tenantID, token, tokenKind string, expiresAt *time.Time) error {
	if tenantID == "" || token == "" {
		return fmt.Errorf("%w: tenant ID and token are required", apperrors.ErrBadRequest)
	}
	if tokenKind != model.TokenKindUser && tokenKind != model.TokenKindSystem {
		return fmt.Errorf("%w: unknown token kind %q", apperrors.ErrBadRequest, tokenKind)
	}

	blob, err := v.seal([]byte(token))
	if err != nil {
		observer.IncVaultOperation("store", err)
		return err
	}

	err = v.repo.Upsert(ctx, model.Credential{
		TenantID:   tenantID,
		Ciphertext: blob,
		TokenKind:  tokenKind,
		ExpiresAt:  expiresAt,
	})
	observer.IncVaultOperation("store", err)
	if err != nil {
		return err
	}

	v.tokenCache.Delete(tenantID)
	logger.FromContext(ctx).Info("Stored credential",
		zap.String("tenant_id", tenantID),
		zap.String("token_kind", tokenKind))
	return nil
}

// Retrieve returns the decrypted active token for the tenant. Expired
// credentials return apperrors.ErrExpired without ever decrypting.
func (v *Vault) Retrieve(ctx context.Context, tenantID string) (string, error) {
	if cached, ok := v.tokenCache.Get(tenantID); ok {
		return cached.(string), nil
	}

	cred, err := v.repo.FindActiveByTenant(ctx, tenantID)
	if err != nil {
		observer.IncVaultOperation("retrieve", err)
		return "", err
	}

	if cred.IsExpired(utils.Now()) {
		err = fmt.Errorf("%w: credential for tenant %s expired at %s",
			apperrors.ErrExpired, tenantID, cred.ExpiresAt.Format(time.RFC3339))
		observer.IncVaultOperation("retrieve", err)
		return "", err
	}

	token, err := v.open(cred.Ciphertext)
	observer.IncVaultOperation("retrieve", err)
	if err != nil {
		logger.FromContext(ctx).Error("Failed to decrypt credential",
			zap.String("tenant_id", tenantID), zap.Error(err))
		return "", err
	}

	// The cache entry must not outlive the credential: cap its TTL at the
	// expiry so a token is never served past expires_at.
	ttl := v.cacheTTL
	if cred.ExpiresAt != nil {
		if remaining := cred.ExpiresAt.Sub(utils.Now()); remaining < ttl {
			ttl = remaining
		}
	}
	v.tokenCache.SetWithTTL(tenantID, string(token), ttl)
	return string(token), nil
}

// Rotate replaces the tenant's active token in place. Concurrent rotations
// for the same tenant serialize; the loser's write lands after the winner's
// and the cache is evicted on both paths.
func (v *Vault) Rotate(ctx context.Context, tenantID, newToken, tokenKind string, expiresAt *time.Time) error {
	if newToken == "" {
		return fmt.Errorf("%w: new token is required", apperrors.ErrBadRequest)
	}

	muIface, _ := v.rotateMu.LoadOrStore(tenantID, &sync.Mutex{})
	mu := muIface.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	blob, err := v.seal([]byte(newToken))
	if err != nil {
		observer.IncVaultOperation("rotate", err)
		return err
	}

	err = v.repo.RotateCiphertext(ctx, tenantID, blob, tokenKind, expiresAt)
	observer.IncVaultOperation("rotate", err)

	// Evict regardless of outcome so a failed rotation cannot leave a
	// half-updated token serving from cache.
	v.tokenCache.Delete(tenantID)

	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("Rotated credential", zap.String("tenant_id", tenantID))
	return nil
}

// Deactivate disables the tenant's active credential and evicts its cached
// token. Subsequent Retrieve calls return apperrors.ErrNotFound.
func (v *Vault) Deactivate(ctx context.Context, tenantID string) error {
	err := v.repo.Deactivate(ctx, tenantID)
	observer.IncVaultOperation("deactivate", err)

	v.tokenCache.Delete(tenantID)

	if err != nil {
		return err
	}

	logger.FromContext(ctx).Info("Deactivated credential", zap.String("tenant_id", tenantID))
	return nil
}

// Close stops the token cache sweeper.
func (v *Vault) Close() {
	v.tokenCache.Stop()
}

func (v *Vault) seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	blob := make([]byte, 0, 2+len(nonce)+len(plaintext)+v.aead.Overhead())
	blob = append(blob, blobVersion, byte(len(nonce)))
	blob = append(blob, nonce...)
	blob = v.aead.Seal(blob, nonce, plaintext, nil)
	return blob, nil
}

func (v *Vault) open(blob []byte) ([]byte, error) {
	if len(blob) < 2 {
		return nil, fmt.Errorf("%w: ciphertext blob too short", apperrors.ErrValidation)
	}
	if blob[0] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported ciphertext version %d", apperrors.ErrValidation, blob[0])
	}
	nonceLen := int(blob[1])
	if len(blob) < 2+nonceLen {
		return nil, fmt.Errorf("%w: ciphertext blob truncated", apperrors.ErrValidation)
	}

	nonce := blob[2 : 2+nonceLen]
	ciphertext := blob[2+nonceLen:]

	plaintext, err := v.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %w", apperrors.ErrUnauthorized, err)
	}
	return plaintext, nil
}
