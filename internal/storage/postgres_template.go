package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// SaveTemplate inserts a new template. A name collision within the tenant
// surfaces as apperrors.ErrDuplicate; names are never reused, even after
// rejection.
func (r *PostgresRepo) SaveTemplate(ctx context.Context, template model.Template) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	if tenantID != template.TenantID {
		return fmt.Errorf("%w: template TenantID %s does not match tenant ID %s", apperrors.ErrBadRequest, template.TenantID, tenantID)
	}

	template.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Create(&template)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveTemplate Commit", operation)
	observer.ObserveDbOperationDuration("insert", "template", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save template after retries",
			zap.String("template_name", template.Name), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// TransitionTemplateStatus moves a template through its lifecycle under a row
// lock. Invalid edges return apperrors.ErrConflict. APPROVED stamps
// approved_at; REJECTED records the provider's reason verbatim.
func (r *PostgresRepo) TransitionTemplateStatus(ctx context.Context, tenantID, name, toStatus, providerTemplateID, rejectionReason string) (*model.Template, error) {
	var updated model.Template

	operation := func() error {
		tx := r.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return fmt.Errorf("%w: failed to begin transaction: %w", apperrors.ErrDatabase, tx.Error)
		}
		var txErr error
		defer func() {
			if rec := recover(); rec != nil {
				tx.Rollback()
				panic(rec)
			} else if txErr != nil {
				if rbErr := tx.Rollback().Error; rbErr != nil {
					logger.FromContext(ctx).Error("Failed to rollback transaction after error", zap.Error(rbErr), zap.NamedError("originalTxError", txErr))
				}
			}
		}()

		var existing model.Template
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("tenant_id = ? AND name = ?", tenantID, name).
			First(&existing)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				txErr = fmt.Errorf("%w: template %s for tenant %s", apperrors.ErrNotFound, name, tenantID)
				return backoff.Permanent(txErr)
			}
			txErr = fmt.Errorf("%w: failed to lock template row: %w", apperrors.ErrDatabase, result.Error)
			return txErr
		}

		if !model.CanTransitionTemplate(existing.Status, toStatus) {
			txErr = fmt.Errorf("%w: template %s cannot move %s -> %s", apperrors.ErrConflict, name, existing.Status, toStatus)
			return backoff.Permanent(txErr)
		}

		existing.Status = toStatus
		if providerTemplateID != "" {
			existing.ProviderTemplateID = providerTemplateID
		}
		switch toStatus {
		case model.TemplateStatusApproved:
			now := utils.Now()
			existing.ApprovedAt = &now
		case model.TemplateStatusRejected:
			existing.RejectionReason = rejectionReason
		}
		existing.UpdatedAt = utils.Now()

		if updateErr := tx.Select("status", "provider_template_id", "rejection_reason", "approved_at", "updated_at").
			Where("id = ?", existing.ID).
			Updates(&existing).Error; updateErr != nil {
			txErr = checkConstraintViolation(updateErr)
			return txErr
		}

		if commitErr := tx.Commit().Error; commitErr != nil {
			txErr = checkConstraintViolation(commitErr)
			return txErr
		}

		updated = existing
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "TransitionTemplateStatus Commit", operation)
	observer.ObserveDbOperationDuration("update", "template", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		return nil, commitErr
	}
	return &updated, nil
}

// FindTemplateByName retrieves a template by name within the calling tenant.
func (r *PostgresRepo) FindTemplateByName(ctx context.Context, name string) (*model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	var template model.Template

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ? AND name = ?", tenantID, name).
			First(&template)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: template %s", apperrors.ErrNotFound, name))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindTemplateByName", operation)
	observer.ObserveDbOperationDuration("select", "template", tenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &template, nil
}

// FindTemplateByProviderID retrieves a template by the provider-assigned
// template ID. Used on the webhook path, where only the provider's
// identifiers are available.
func (r *PostgresRepo) FindTemplateByProviderID(ctx context.Context, providerTemplateID string) (*model.Template, error) {
	var template model.Template

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("provider_template_id = ?", providerTemplateID).
			First(&template)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: provider template ID %s", apperrors.ErrNotFound, providerTemplateID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindTemplateByProviderID", operation)
	observer.ObserveDbOperationDuration("select", "template", template.TenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &template, nil
}

// FindTemplatesByTenant lists all templates for the calling tenant, newest
// first.
func (r *PostgresRepo) FindTemplatesByTenant(ctx context.Context, limit, offset int) ([]model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	var templates []model.Template

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ?", tenantID).
			Order("created_at DESC").
			Limit(limit).Offset(offset).
			Find(&templates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindTemplatesByTenant", operation)
	observer.ObserveDbOperationDuration("select", "template", tenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return templates, nil
}
