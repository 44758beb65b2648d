package model

import (
	"fmt"
	"strconv"
	"time"

	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Meta-standard webhook envelope. The provider pushes one payload per
// delivery; each payload may fan out to several changes and each change to
// several statuses or inbound messages.

// WebhookPayload is the top-level webhook delivery.
type WebhookPayload struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry" validate:"required,min=1"`
}

// WebhookEntry represents one business-account entry.
type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

// WebhookChange wraps a single change notification.
type WebhookChange struct {
	Field string      `json:"field"`
	Value ChangeValue `json:"value"`
}

// ChangeValue holds the change data. Message and status fields are populated
// for "messages" changes; the template fields for template status updates.
type ChangeValue struct {
	MessagingProduct string               `json:"messaging_product,omitempty"`
	Metadata         ChangeMetadata       `json:"metadata,omitempty"`
	Contacts         []WebhookContact     `json:"contacts,omitempty"`
	Messages         []InboundMessage     `json:"messages,omitempty"`
	Statuses         []StatusNotification `json:"statuses,omitempty"`

	// Template status update fields (field == "message_template_status_update")
	Event                   string `json:"event,omitempty"`
	MessageTemplateID       int64  `json:"message_template_id,omitempty"`
	MessageTemplateName     string `json:"message_template_name,omitempty"`
	MessageTemplateLanguage string `json:"message_template_language,omitempty"`
	Reason                  string `json:"reason,omitempty"`
}

// ChangeMetadata describes the receiving phone number.
type ChangeMetadata struct {
	DisplayPhoneNumber string `json:"display_phone_number,omitempty"`
	PhoneNumberID      string `json:"phone_number_id,omitempty"`
}

// WebhookContact is a WhatsApp contact attached to inbound messages.
type WebhookContact struct {
	Profile struct {
		Name string `json:"name"`
	} `json:"profile"`
	WaID string `json:"wa_id"`
}

// InboundMessage represents an incoming consumer message.
type InboundMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
}

// StatusNotification reports a delivery-status change for an outbound message.
type StatusNotification struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id,omitempty"`
	Errors      []struct {
		Code    int    `json:"code"`
		Title   string `json:"title"`
		Message string `json:"message"`
	} `json:"errors,omitempty"`
}

// NormalizedEvent is one routable unit extracted from a webhook payload.
type NormalizedEvent struct {
	EventType         string
	PhoneNumberID     string
	ProviderMessageID string

	// message_status fields
	Status       string
	OccurredAt   time.Time
	ErrorCode    string
	ErrorMessage string

	// template_status fields
	TemplateName       string
	TemplateDecision   string
	ProviderTemplateID string
	RejectionReason    string

	// inbound_message fields
	FromMsisdn string
	Text       string
}

// providerStatusMap maps Meta status strings onto the internal delivery
// state machine.
var providerStatusMap = map[string]string{
	"sent":      MessageStatusSent,
	"delivered": MessageStatusDelivered,
	"read":      MessageStatusRead,
	"failed":    MessageStatusFailed,
}

// MapProviderStatus converts a provider status string to an internal status.
func MapProviderStatus(providerStatus string) (string, bool) {
	status, ok := providerStatusMap[providerStatus]
	return status, ok
}

// ParseWebhookPayload decodes a raw provider callback and flattens it into
// normalized events. Unrecognized change fields produce a single unknown
// event so the raw payload is still persisted and replayable.
func ParseWebhookPayload(raw []byte) ([]NormalizedEvent, error) {
	var payload WebhookPayload
	if err := utils.UnmarshalJSON(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode webhook payload: %w", err)
	}

	var events []NormalizedEvent
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			switch change.Field {
			case "messages":
				events = append(events, normalizeMessagesChange(change.Value)...)
			case "message_template_status_update":
				events = append(events, NormalizedEvent{
					EventType:          WebhookEventTemplateStatus,
					TemplateName:       change.Value.MessageTemplateName,
					TemplateDecision:   change.Value.Event,
					ProviderTemplateID: strconv.FormatInt(change.Value.MessageTemplateID, 10),
					RejectionReason:    change.Value.Reason,
				})
			default:
				events = append(events, NormalizedEvent{
					EventType:     WebhookEventUnknown,
					PhoneNumberID: change.Value.Metadata.PhoneNumberID,
				})
			}
		}
	}

	if len(events) == 0 {
		return nil, fmt.Errorf("webhook payload contained no entries or changes")
	}
	return events, nil
}

func normalizeMessagesChange(value ChangeValue) []NormalizedEvent {
	events := make([]NormalizedEvent, 0, len(value.Statuses)+len(value.Messages))

	for _, status := range value.Statuses {
		event := NormalizedEvent{
			EventType:         WebhookEventMessageStatus,
			PhoneNumberID:     value.Metadata.PhoneNumberID,
			ProviderMessageID: status.ID,
			Status:            status.Status,
			OccurredAt:        parseProviderTimestamp(status.Timestamp),
		}
		if len(status.Errors) > 0 {
			event.ErrorCode = strconv.Itoa(status.Errors[0].Code)
			event.ErrorMessage = status.Errors[0].Message
			if event.ErrorMessage == "" {
				event.ErrorMessage = status.Errors[0].Title
			}
		}
		events = append(events, event)
	}

	for _, msg := range value.Messages {
		event := NormalizedEvent{
			EventType:         WebhookEventInboundMessage,
			PhoneNumberID:     value.Metadata.PhoneNumberID,
			ProviderMessageID: msg.ID,
			FromMsisdn:        msg.From,
			OccurredAt:        parseProviderTimestamp(msg.Timestamp),
		}
		if msg.Text != nil {
			event.Text = msg.Text.Body
		}
		events = append(events, event)
	}

	return events
}

// parseProviderTimestamp decodes the provider's unix-seconds string. A zero
// time is returned for missing or malformed values; callers fall back to the
// receive time.
func parseProviderTimestamp(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return utils.UnixToTime(seconds)
}
