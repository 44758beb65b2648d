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
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// SaveTenantChannel registers or re-points a provider phone number at a
// tenant. The upsert keys on phone_number_id, which is globally unique.
func (r *PostgresRepo) SaveTenantChannel(ctx context.Context, channel model.TenantChannel) error {
	channel.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "phone_number_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"tenant_id", "waba_id", "active", "updated_at"}),
		}).Create(&channel)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveTenantChannel Commit", operation)
	observer.ObserveDbOperationDuration("upsert", "tenant_channel", channel.TenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save tenant channel after retries",
			zap.String("phone_number_id", channel.PhoneNumberID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindChannelByPhoneNumberID resolves a provider phone-number ID to its
// owning tenant mapping. Inactive mappings are not returned.
func (r *PostgresRepo) FindChannelByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.TenantChannel, error) {
	var channel model.TenantChannel

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("phone_number_id = ? AND active", phoneNumberID).
			First(&channel)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: phone number ID %s", apperrors.ErrUnresolvedTenant, phoneNumberID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindChannelByPhoneNumberID", operation)
	observer.ObserveDbOperationDuration("select", "tenant_channel", channel.TenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &channel, nil
}
