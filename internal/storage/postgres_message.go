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

// SaveMessage inserts a new outbound message row, normally in QUEUED state.
func (r *PostgresRepo) SaveMessage(ctx context.Context, message model.Message) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	if tenantID != message.TenantID {
		return fmt.Errorf("%w: message TenantID %s does not match tenant ID %s", apperrors.ErrBadRequest, message.TenantID, tenantID)
	}

	message.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Create(&message)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveMessage Commit", operation)
	observer.ObserveDbOperationDuration("insert", "message", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to save message after retries", zap.String("message_id", message.MessageID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// UpdateMessageDispatchResult records the provider response for a freshly
// dispatched message. Only the status machine columns are written.
func (r *PostgresRepo) UpdateMessageDispatchResult(ctx context.Context, message model.Message) error {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	if tenantID != message.TenantID {
		return fmt.Errorf("%w: message TenantID %s does not match tenant ID %s", apperrors.ErrBadRequest, message.TenantID, tenantID)
	}

	message.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.Message{}).
			Where("message_id = ? AND tenant_id = ?", message.MessageID, message.TenantID).
			Select(model.MessageStatusUpdatableFields()).
			Updates(message)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return backoff.Permanent(fmt.Errorf("%w: message not found for dispatch result (MessageID: %s)", apperrors.ErrNotFound, message.MessageID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "UpdateMessageDispatchResult Commit", operation)
	observer.ObserveDbOperationDuration("update", "message", tenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to record dispatch result after retries", zap.String("message_id", message.MessageID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// AdvanceMessageStatus applies a provider delivery-status notification to the
// message identified by its provider message ID. The transition is checked
// and applied under a row lock so concurrent notifications serialize; the
// status machine only moves forward and timestamps are written exactly once,
// on the transition that first reaches each state.
//
// Returns the updated message on success, apperrors.ErrNotFound when no row
// matches, and apperrors.ErrStaleStatus when the update does not advance the
// stored status.
func (r *PostgresRepo) AdvanceMessageStatus(ctx context.Context, providerMessageID, toStatus string, occurredAt time.Time, errorCode, errorMessage string) (*model.Message, error) {
	var updated model.Message

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

		var existing model.Message
		result := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider_message_id = ?", providerMessageID).
			First(&existing)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				txErr = fmt.Errorf("%w: no message for provider message ID %s", apperrors.ErrNotFound, providerMessageID)
				return backoff.Permanent(txErr)
			}
			txErr = fmt.Errorf("%w: failed to lock message row: %w", apperrors.ErrDatabase, result.Error)
			return txErr
		}

		if !model.CanAdvanceStatus(existing.Status, toStatus) {
			txErr = fmt.Errorf("%w: %s -> %s (provider message ID %s)", apperrors.ErrStaleStatus, existing.Status, toStatus, providerMessageID)
			return backoff.Permanent(txErr)
		}

		if occurredAt.IsZero() {
			occurredAt = utils.Now()
		}

		existing.Status = toStatus
		switch toStatus {
		case model.MessageStatusSent:
			existing.SentAt = &occurredAt
		case model.MessageStatusDelivered:
			existing.DeliveredAt = &occurredAt
		case model.MessageStatusRead:
			existing.ReadAt = &occurredAt
		case model.MessageStatusFailed:
			existing.FailedAt = &occurredAt
			existing.ErrorCode = errorCode
			existing.ErrorMessage = errorMessage
		}
		existing.UpdatedAt = utils.Now()

		if updateErr := tx.Select(model.MessageStatusUpdatableFields()).
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
	commitErr := retryableOperation(ctx, commitPolicy, "AdvanceMessageStatus Commit", operation)
	observer.ObserveDbOperationDuration("update", "message", updated.TenantID, time.Since(startTime), commitErr)

	if commitErr != nil {
		return nil, commitErr
	}

	return &updated, nil
}

// FindMessageByMessageID retrieves a message by its external ID within the
// calling tenant.
func (r *PostgresRepo) FindMessageByMessageID(ctx context.Context, messageID string) (*model.Message, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	var message model.Message

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("message_id = ? AND tenant_id = ?", messageID, tenantID).
			First(&message)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: message %s", apperrors.ErrNotFound, messageID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindMessageByMessageID", operation)
	observer.ObserveDbOperationDuration("select", "message", tenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &message, nil
}

// FindMessageByProviderMessageID retrieves a message by the provider-assigned
// ID. Used on the webhook path, where no tenant is in context yet.
func (r *PostgresRepo) FindMessageByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	var message model.Message

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("provider_message_id = ?", providerMessageID).
			First(&message)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: provider message ID %s", apperrors.ErrNotFound, providerMessageID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindMessageByProviderMessageID", operation)
	observer.ObserveDbOperationDuration("select", "message", message.TenantID, time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &message, nil
}
