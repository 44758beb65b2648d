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

// UpsertOptIn records the latest consent signal for a recipient. A newer
// signal for the same (tenant, msisdn, channel) triple overwrites the old
// one; there is no consent history.
func (r *PostgresRepo) UpsertOptIn(ctx context.Context, optIn model.OptIn) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	if tenantID != optIn.TenantID {
		return fmt.Errorf("%w: opt-in TenantID %s does not match tenant ID %s", apperrors.ErrBadRequest, optIn.TenantID, tenantID)
	}

	optIn.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "msisdn"}, {Name: "channel"}},
			DoUpdates: clause.AssignmentColumns(model.OptInUpdatableFields()),
		}).Create(&optIn)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpsertOptIn Commit", operation)
	observer.ObserveDbOperationDuration("upsert", "opt_in", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to upsert opt-in after retries",
			zap.String("msisdn", optIn.Msisdn), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindOptIn returns the consent row for a recipient and channel within the
// calling tenant, or apperrors.ErrNotFound when no explicit signal exists.
func (r *PostgresRepo) FindOptIn(ctx context.Context, msisdn, channel string) (*model.OptIn, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	var optIn model.OptIn

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("tenant_id = ? AND msisdn = ? AND channel = ?", tenantID, msisdn, channel).
			First(&optIn)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: no opt-in for %s on %s", apperrors.ErrNotFound, msisdn, channel))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindOptIn", operation)
	observer.ObserveDbOperationDuration("select", "opt_in", tenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &optIn, nil
}
