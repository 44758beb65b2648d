package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Credential rows are written by onboarding and rotation flows, which carry
// an explicit tenant ID rather than a tenant-scoped request context.

// UpsertCredential stores a new active credential for a tenant. Any existing
// active row is deactivated first so the partial unique index on
// (tenant_id) WHERE active is never violated.
func (r *PostgresRepo) UpsertCredential(ctx context.Context, cred model.Credential) error {
	cred.Active = true
	cred.LastRotatedAt = utils.Now()
	cred.UpdatedAt = utils.Now()

	operation := func() error {
		return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Model(&model.Credential{}).
				Where("tenant_id = ? AND active", cred.TenantID).
				Updates(map[string]interface{}{"active": false, "updated_at": utils.Now()}).Error; err != nil {
				return checkConstraintViolation(err)
			}
			if err := tx.Create(&cred).Error; err != nil {
				return checkConstraintViolation(err)
			}
			return nil
		})
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpsertCredential Commit", operation)
	observer.ObserveDbOperationDuration("upsert", "credential", cred.TenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to upsert credential after retries", zap.String("tenant_id", cred.TenantID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindActiveCredentialByTenant returns the single active credential row for
// a tenant, or apperrors.ErrNotFound.
func (r *PostgresRepo) FindActiveCredentialByTenant(ctx context.Context, tenantID string) (*model.Credential, error) {
	var cred model.Credential

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ? AND active", tenantID).
			First(&cred)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: no active credential for tenant %s", apperrors.ErrNotFound, tenantID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindActiveCredentialByTenant", operation)
	observer.ObserveDbOperationDuration("select", "credential", tenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &cred, nil
}

// RotateCredentialCiphertext replaces the ciphertext of the active credential
// in place. The old ciphertext is overwritten in the same row so superseded
// secrets do not linger in dead tuples any longer than vacuum allows.
func (r *PostgresRepo) RotateCredentialCiphertext(ctx context.Context, tenantID string, ciphertext []byte, tokenKind string, expiresAt *time.Time) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Credential{}).
			Where("tenant_id = ? AND active", tenantID).
			Updates(map[string]interface{}{
				"ciphertext":      ciphertext,
				"token_kind":      tokenKind,
				"expires_at":      expiresAt,
				"last_rotated_at": utils.Now(),
				"updated_at":      utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return backoff.Permanent(fmt.Errorf("%w: no active credential for tenant %s", apperrors.ErrNotFound, tenantID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "RotateCredentialCiphertext Commit", operation)
	observer.ObserveDbOperationDuration("update", "credential", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to rotate credential after retries", zap.String("tenant_id", tenantID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// DeactivateCredential marks the tenant's active credential inactive. No-op
// error (ErrNotFound) when there is nothing active to deactivate.
func (r *PostgresRepo) DeactivateCredential(ctx context.Context, tenantID string) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Credential{}).
			Where("tenant_id = ? AND active", tenantID).
			Updates(map[string]interface{}{"active": false, "updated_at": utils.Now()})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return backoff.Permanent(fmt.Errorf("%w: no active credential for tenant %s", apperrors.ErrNotFound, tenantID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "DeactivateCredential Commit", operation)
	observer.ObserveDbOperationDuration("update", "credential", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to deactivate credential after retries", zap.String("tenant_id", tenantID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}
