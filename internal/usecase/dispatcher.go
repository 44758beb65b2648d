package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/consent"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/vault"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// ProviderClient is the slice of the provider API the dispatcher needs.
type ProviderClient interface {
	SendText(ctx context.Context, token, phoneNumberID, to, body string) (*provider.SendResult, error)
	SendTemplate(ctx context.Context, token, phoneNumberID, to, templateName, language string, components []provider.TemplateComponent) (*provider.SendResult, error)
	SendMedia(ctx context.Context, token, phoneNumberID, to, mediaType, link, caption string) (*provider.SendResult, error)
}

// TokenSource hands out decrypted provider tokens.
type TokenSource interface {
	Retrieve(ctx context.Context, tenantID string) (string, error)
}

// EventPublisher emits domain events for downstream consumers.
type EventPublisher interface {
	PublishMessageUpdate(ctx context.Context, message *model.Message) error
	PublishInboundMessage(ctx context.Context, tenantID string, event model.NormalizedEvent) error
}

// SendRequest describes one outbound message. The tenant comes from the
// request context, not the struct.
type SendRequest struct {
	ToMsisdn       string `validate:"required"`
	PhoneNumberID  string `validate:"required"`
	Kind           string `validate:"required,oneof=text template media"`
	ClientRef      string
	AppointmentRef string

	// Kind text
	Text string

	// Kind template
	TemplateName       string
	TemplateLanguage   string
	TemplateComponents []provider.TemplateComponent

	// Kind media
	MediaType    string
	MediaLink    string
	MediaCaption string
}

// ApplyResult is the outcome of a delivery-status update.
type ApplyResult int

const (
	ResultApplied ApplyResult = iota
	ResultStale
	ResultNotFound
)

func (r ApplyResult) String() string {
	switch r {
	case ResultApplied:
		return "applied"
	case ResultStale:
		return "stale"
	case ResultNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// StatusUpdate is one provider delivery-status notification, already mapped
// to the internal status vocabulary.
type StatusUpdate struct {
	ProviderMessageID string
	Status            string
	OccurredAt        time.Time
	ErrorCode         string
	ErrorMessage      string
}

// Dispatcher sends outbound messages and reconciles provider delivery
// callbacks against stored message rows.
type Dispatcher struct {
	messages  storage.MessageRepo
	templates storage.TemplateRepo
	gate      *consent.Gate
	tokens    TokenSource
	client    ProviderClient
	publisher EventPublisher
}

// NewDispatcher wires a dispatcher. publisher may be nil when no event bus
// is configured.
func NewDispatcher(messages storage.MessageRepo, templates storage.TemplateRepo, gate *consent.Gate, tokens TokenSource, client ProviderClient, publisher EventPublisher) *Dispatcher {
	return &Dispatcher{
		messages:  messages,
		templates: templates,
		gate:      gate,
		tokens:    tokens,
		client:    client,
		publisher: publisher,
	}
}

var _ TokenSource = (*vault.Vault)(nil)

// Send runs the dispatch sequence: consent gate, credential lookup, template
// approval check, persist QUEUED, provider call, record outcome. No database
// transaction spans the provider call; a transport failure leaves the row
// QUEUED and surfaces a retryable error, because the provider-side outcome
// is unknown and retrying blindly could message the recipient twice.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*model.Message, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	log := logger.FromContext(ctx)

	if err := validateSendRequest(req); err != nil {
		return nil, err
	}

	allowed, err := d.gate.IsAllowed(ctx, req.ToMsisdn, model.ChannelWhatsApp)
	if err != nil {
		return nil, err
	}
	if !allowed {
		observer.IncMessageSent(tenantID, req.Kind, "consent_denied")
		return nil, fmt.Errorf("%w: recipient %s", apperrors.ErrConsentDenied, req.ToMsisdn)
	}

	token, err := d.tokens.Retrieve(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	if req.Kind == model.MessageKindTemplate {
		// Template names are stored lowercase; accept any casing here.
		req.TemplateName = strings.ToLower(req.TemplateName)
		tpl, err := d.templates.FindByName(ctx, req.TemplateName)
		if err != nil {
			return nil, err
		}
		if tpl.Status != model.TemplateStatusApproved {
			return nil, fmt.Errorf("%w: template %s is %s, not APPROVED", apperrors.ErrConflict, req.TemplateName, tpl.Status)
		}
		if req.TemplateLanguage == "" {
			req.TemplateLanguage = tpl.Language
		}
	}

	payload, err := json.Marshal(req)
	if err != nil {
		return nil, apperrors.NewFatal(err, "failed to marshal send request payload")
	}

	message := model.Message{
		MessageID:      uuid.NewString(),
		TenantID:       tenantID,
		ClientRef:      req.ClientRef,
		AppointmentRef: req.AppointmentRef,
		ToMsisdn:       req.ToMsisdn,
		PhoneNumberID:  req.PhoneNumberID,
		Kind:           req.Kind,
		TemplateName:   req.TemplateName,
		Payload:        datatypes.JSON(payload),
		Status:         model.MessageStatusQueued,
		CreatedAt:      utils.Now(),
	}
	if err := d.messages.Save(ctx, message); err != nil {
		return nil, err
	}

	result, sendErr := d.callProvider(ctx, token, req)
	now := utils.Now()

	switch {
	case sendErr == nil:
		message.Status = model.MessageStatusSent
		message.ProviderMessageID = result.ProviderMessageID
		message.SentAt = &now
		observer.IncMessageSent(tenantID, req.Kind, "sent")

	case apperrors.IsProviderRejectedError(sendErr):
		var rejection *provider.RejectionError
		message.Status = model.MessageStatusFailed
		message.FailedAt = &now
		if errors.As(sendErr, &rejection) {
			message.ErrorCode = rejection.Code
			message.ErrorMessage = rejection.Message
		} else {
			message.ErrorMessage = sendErr.Error()
		}
		observer.IncMessageSent(tenantID, req.Kind, "rejected")

	default:
		// Outcome unknown: leave the row QUEUED and let the caller decide.
		observer.IncMessageSent(tenantID, req.Kind, "transport_error")
		log.Warn("Provider call failed with unknown outcome, message stays QUEUED",
			zap.String("message_id", message.MessageID), zap.Error(sendErr))
		return &message, sendErr
	}

	if err := d.messages.UpdateDispatchResult(ctx, message); err != nil {
		log.Error("Failed to record dispatch result",
			zap.String("message_id", message.MessageID),
			zap.String("status", message.Status),
			zap.Error(err))
		return &message, err
	}

	d.publishUpdate(ctx, &message)

	if message.Status == model.MessageStatusFailed {
		return &message, fmt.Errorf("%w: code %s: %s", apperrors.ErrProviderRejected, message.ErrorCode, message.ErrorMessage)
	}
	return &message, nil
}

func (d *Dispatcher) callProvider(ctx context.Context, token string, req SendRequest) (*provider.SendResult, error) {
	switch req.Kind {
	case model.MessageKindText:
		return d.client.SendText(ctx, token, req.PhoneNumberID, req.ToMsisdn, req.Text)
	case model.MessageKindTemplate:
		return d.client.SendTemplate(ctx, token, req.PhoneNumberID, req.ToMsisdn, req.TemplateName, req.TemplateLanguage, req.TemplateComponents)
	case model.MessageKindMedia:
		return d.client.SendMedia(ctx, token, req.PhoneNumberID, req.ToMsisdn, req.MediaType, req.MediaLink, req.MediaCaption)
	default:
		return nil, fmt.Errorf("%w: unknown message kind %q", apperrors.ErrBadRequest, req.Kind)
	}
}

// ApplyStatusUpdate applies one delivery-status notification. Duplicate and
// out-of-order callbacks return Stale; a callback for a message row that has
// not committed yet returns NotFound so the caller can queue a bounded retry.
func (d *Dispatcher) ApplyStatusUpdate(ctx context.Context, update StatusUpdate) (ApplyResult, error) {
	if update.ProviderMessageID == "" {
		return ResultNotFound, fmt.Errorf("%w: provider message ID is required", apperrors.ErrBadRequest)
	}
	if model.StatusRank(update.Status) < 0 && update.Status != model.MessageStatusFailed {
		return ResultStale, fmt.Errorf("%w: unknown status %q", apperrors.ErrBadRequest, update.Status)
	}

	message, err := d.messages.AdvanceStatus(ctx, update.ProviderMessageID, update.Status, update.OccurredAt, update.ErrorCode, update.ErrorMessage)
	if err != nil {
		switch {
		case apperrors.IsStaleStatusError(err):
			observer.IncStatusTransition("", update.Status, ResultStale.String())
			return ResultStale, nil
		case apperrors.IsNotFoundError(err):
			observer.IncStatusTransition("", update.Status, ResultNotFound.String())
			return ResultNotFound, nil
		default:
			return ResultNotFound, err
		}
	}

	observer.IncStatusTransition(message.TenantID, update.Status, ResultApplied.String())
	d.publishUpdate(ctx, message)
	return ResultApplied, nil
}

func (d *Dispatcher) publishUpdate(ctx context.Context, message *model.Message) {
	if d.publisher == nil {
		return
	}
	if err := d.publisher.PublishMessageUpdate(ctx, message); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish message update event",
			zap.String("message_id", message.MessageID), zap.Error(err))
	}
}

func validateSendRequest(req SendRequest) error {
	if err := validator.Validate(req); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}
	switch req.Kind {
	case model.MessageKindText:
		if req.Text == "" {
			return fmt.Errorf("%w: text body is required for text messages", apperrors.ErrBadRequest)
		}
	case model.MessageKindTemplate:
		if req.TemplateName == "" {
			return fmt.Errorf("%w: template name is required for template messages", apperrors.ErrBadRequest)
		}
	case model.MessageKindMedia:
		if req.MediaType == "" || req.MediaLink == "" {
			return fmt.Errorf("%w: media type and link are required for media messages", apperrors.ErrBadRequest)
		}
	default:
		return fmt.Errorf("%w: unknown message kind %q", apperrors.ErrBadRequest, req.Kind)
	}
	return nil
}
