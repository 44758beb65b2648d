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

// Webhook events are persisted before any processing, so these writes run
// without a tenant in context. Tenant attribution is best-effort and may be
// NULL for payloads no mapping resolves.

// SaveWebhookEvent appends a received provider callback. A duplicate event ID
// surfaces as apperrors.ErrDuplicate so redelivered callbacks are ignored
// without reprocessing.
func (r *PostgresRepo) SaveWebhookEvent(ctx context.Context, event model.WebhookEvent) error {
	event.UpdatedAt = utils.Now()

	operation := func() error {
		result := r.db.WithContext(ctx).Create(&event)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "SaveWebhookEvent Commit", operation)
	tenantLabel := ""
	if event.TenantID != nil {
		tenantLabel = *event.TenantID
	}
	observer.ObserveDbOperationDuration("insert", "webhook_event", tenantLabel, time.Since(startTime), commitErr)

	if commitErr != nil {
		if apperrors.IsDuplicateError(commitErr) {
			return commitErr // Caller treats redelivery as success
		}
		logger.FromContext(ctx).Error("Failed to save webhook event after retries",
			zap.String("event_id", event.EventID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// MarkEventProcessed flags an event as successfully handled and clears any
// prior processing error.
func (r *PostgresRepo) MarkEventProcessed(ctx context.Context, eventID string, tenantID *string) error {
	now := utils.Now()

	operation := func() error {
		updates := map[string]interface{}{
			"processed":        true,
			"processed_at":     now,
			"processing_error": "",
			"updated_at":       now,
		}
		if tenantID != nil {
			updates["tenant_id"] = *tenantID
		}
		result := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
			Where("event_id = ?", eventID).
			Updates(updates)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return backoff.Permanent(fmt.Errorf("%w: webhook event %s", apperrors.ErrNotFound, eventID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "MarkEventProcessed Commit", operation)
	observer.ObserveDbOperationDuration("update", "webhook_event", "", time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to mark webhook event processed",
			zap.String("event_id", eventID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// RecordEventError stores the latest processing failure and bumps the retry
// counter. The event stays unprocessed and is picked up by the replay pass.
func (r *PostgresRepo) RecordEventError(ctx context.Context, eventID, processingError string) error {
	operation := func() error {
		result := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
			Where("event_id = ?", eventID).
			Updates(map[string]interface{}{
				"processing_error": processingError,
				"retry_count":      gorm.Expr("retry_count + 1"),
				"updated_at":       utils.Now(),
			})
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		if result.RowsAffected == 0 {
			return backoff.Permanent(fmt.Errorf("%w: webhook event %s", apperrors.ErrNotFound, eventID))
		}
		return nil
	}

	commitPolicy := newRetryPolicy(ctx, commitRetryMaxElapsedTime)
	startTime := utils.Now()
	commitErr := retryableOperation(ctx, commitPolicy, "RecordEventError Commit", operation)
	observer.ObserveDbOperationDuration("update", "webhook_event", "", time.Since(startTime), commitErr)

	if commitErr != nil {
		logger.FromContext(ctx).Error("Failed to record webhook event error",
			zap.String("event_id", eventID), zap.Error(commitErr))
		return commitErr
	}

	return nil
}

// FindUnprocessedEvents returns the oldest unprocessed events, bounded by
// limit, for the replay pass.
func (r *PostgresRepo) FindUnprocessedEvents(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	var events []model.WebhookEvent

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("NOT processed").
			Order("received_at ASC").
			Limit(limit).
			Find(&events)
		if result.Error != nil {
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindUnprocessedEvents", operation)
	observer.ObserveDbOperationDuration("select", "webhook_event", "", time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return events, nil
}

// FindWebhookEventByEventID retrieves one stored event by its external ID.
func (r *PostgresRepo) FindWebhookEventByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent

	operation := func() error {
		result := r.db.WithContext(ctx).
			Where("event_id = ?", eventID).
			First(&event)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return backoff.Permanent(fmt.Errorf("%w: webhook event %s", apperrors.ErrNotFound, eventID))
			}
			return checkConstraintViolation(result.Error)
		}
		return nil
	}

	readPolicy := newRetryPolicy(ctx, readRetryMaxElapsedTime)
	startTime := utils.Now()
	readErr := retryableOperation(ctx, readPolicy, "FindWebhookEventByEventID", operation)
	observer.ObserveDbOperationDuration("select", "webhook_event", "", time.Since(startTime), readErr)

	if readErr != nil {
		return nil, readErr
	}
	return &event, nil
}
