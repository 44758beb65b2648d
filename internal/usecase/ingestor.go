package usecase

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/resolver"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// RetryEnqueuer queues a delivery-status update for bounded retry when its
// message row has not been observed yet.
type RetryEnqueuer interface {
	EnqueueStatusRetry(eventID string, update StatusUpdate) bool
}

// Ingestor turns raw provider webhook payloads into stored events and routed
// state changes. Every payload is persisted before any processing; a
// processing failure is recorded on the event row, never propagated back to
// the webhook transport.
type Ingestor struct {
	events     storage.WebhookEventRepo
	resolver   *resolver.Resolver
	dispatcher *Dispatcher
	registry   *TemplateRegistry
	publisher  EventPublisher
	retry      RetryEnqueuer
}

// NewIngestor wires an ingestor. publisher and retry may be nil.
func NewIngestor(events storage.WebhookEventRepo, res *resolver.Resolver, dispatcher *Dispatcher, registry *TemplateRegistry, publisher EventPublisher, retry RetryEnqueuer) *Ingestor {
	return &Ingestor{
		events:     events,
		resolver:   res,
		dispatcher: dispatcher,
		registry:   registry,
		publisher:  publisher,
		retry:      retry,
	}
}

// Ingest parses one raw webhook delivery, persists each extracted event and
// routes it. Returns an error only when the event store itself is down; all
// processing failures are recorded on the event rows instead.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) error {
	log := logger.FromContext(ctx)

	normalized, parseErr := model.ParseWebhookPayload(raw)
	if parseErr != nil {
		// Persist the undecodable payload so nothing is lost, then stop.
		event := model.WebhookEvent{
			EventID:         uuid.NewString(),
			EventType:       model.WebhookEventUnknown,
			Payload:         datatypes.JSON(raw),
			ProcessingError: parseErr.Error(),
			ReceivedAt:      utils.Now(),
		}
		observer.IncWebhookEventReceived(model.WebhookEventUnknown, "")
		observer.IncWebhookEventFailed(model.WebhookEventUnknown, "")
		if err := i.events.Save(ctx, event); err != nil && !apperrors.IsDuplicateError(err) {
			return err
		}
		log.Warn("Persisted undecodable webhook payload", zap.Error(parseErr))
		return nil
	}

	for _, ev := range normalized {
		tenantID := i.resolveTenant(ctx, ev.PhoneNumberID)

		event := model.WebhookEvent{
			EventID:           uuid.NewString(),
			TenantID:          tenantID,
			EventType:         ev.EventType,
			PhoneNumberID:     ev.PhoneNumberID,
			ProviderMessageID: ev.ProviderMessageID,
			Payload:           datatypes.JSON(raw),
			ReceivedAt:        utils.Now(),
		}
		observer.IncWebhookEventReceived(ev.EventType, deref(tenantID))

		if err := i.events.Save(ctx, event); err != nil {
			if apperrors.IsDuplicateError(err) {
				continue // Redelivery of an event we already hold
			}
			return err
		}

		i.Process(ctx, event.EventID, ev, tenantID)
	}

	return nil
}

// Process routes one normalized event and updates the event row's processing
// bookkeeping. Exposed so the replay pass can re-drive stored events.
func (i *Ingestor) Process(ctx context.Context, eventID string, ev model.NormalizedEvent, tenantID *string) {
	log := logger.FromContext(ctx)

	procErr := i.route(ctx, eventID, ev, tenantID)
	if procErr != nil {
		observer.IncWebhookEventFailed(ev.EventType, deref(tenantID))
		if err := i.events.RecordError(ctx, eventID, procErr.Error()); err != nil {
			log.Error("Failed to record webhook processing error",
				zap.String("event_id", eventID), zap.Error(err))
		}
		log.Warn("Webhook event processing failed",
			zap.String("event_id", eventID),
			zap.String("event_type", ev.EventType),
			zap.Error(procErr))
		return
	}

	if err := i.events.MarkProcessed(ctx, eventID, tenantID); err != nil {
		log.Error("Failed to mark webhook event processed",
			zap.String("event_id", eventID), zap.Error(err))
	}
}

func (i *Ingestor) route(ctx context.Context, eventID string, ev model.NormalizedEvent, tenantID *string) error {
	switch ev.EventType {
	case model.WebhookEventMessageStatus:
		return i.routeStatus(ctx, eventID, ev)

	case model.WebhookEventTemplateStatus:
		_, err := i.registry.ApplyProviderDecisionByProviderID(ctx, ev.ProviderTemplateID, ev.TemplateDecision, ev.RejectionReason)
		if apperrors.IsConflictError(err) {
			// Redelivered decision; the transition already happened.
			return nil
		}
		return err

	case model.WebhookEventInboundMessage:
		if tenantID == nil {
			return fmt.Errorf("%w: inbound message on unmapped phone number %s", apperrors.ErrUnresolvedTenant, ev.PhoneNumberID)
		}
		if i.publisher != nil {
			return i.publisher.PublishInboundMessage(ctx, *tenantID, ev)
		}
		return nil

	default:
		return fmt.Errorf("unsupported event type %q", ev.EventType)
	}
}

func (i *Ingestor) routeStatus(ctx context.Context, eventID string, ev model.NormalizedEvent) error {
	internalStatus, ok := model.MapProviderStatus(ev.Status)
	if !ok {
		return fmt.Errorf("unknown provider status %q", ev.Status)
	}

	update := StatusUpdate{
		ProviderMessageID: ev.ProviderMessageID,
		Status:            internalStatus,
		OccurredAt:        ev.OccurredAt,
		ErrorCode:         ev.ErrorCode,
		ErrorMessage:      ev.ErrorMessage,
	}

	result, err := i.dispatcher.ApplyStatusUpdate(ctx, update)
	if err != nil {
		return err
	}

	if result == ResultNotFound {
		// The local message write may not have committed yet. Queue a
		// bounded retry instead of dropping the update.
		if i.retry != nil && i.retry.EnqueueStatusRetry(eventID, update) {
			return fmt.Errorf("message row not found yet, queued for retry")
		}
		return fmt.Errorf("%w: no message for provider message ID %s", apperrors.ErrNotFound, ev.ProviderMessageID)
	}

	return nil
}

func (i *Ingestor) resolveTenant(ctx context.Context, phoneNumberID string) *string {
	if phoneNumberID == "" {
		return nil
	}
	tenantID, err := i.resolver.Resolve(ctx, phoneNumberID)
	if err != nil {
		if !apperrors.IsUnresolvedTenantError(err) {
			logger.FromContext(ctx).Warn("Tenant resolution failed",
				zap.String("phone_number_id", phoneNumberID), zap.Error(err))
		}
		return nil
	}
	return &tenantID
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
