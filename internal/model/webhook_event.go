package model

import (
	"time"

	"gorm.io/datatypes"
)

// Webhook event types this service understands. Anything else is persisted
// with TypeUnknown so it stays replayable once the parser learns about it.
const (
	WebhookEventMessageStatus  = "message_status"
	WebhookEventTemplateStatus = "template_status"
	WebhookEventInboundMessage = "inbound_message"
	WebhookEventUnknown        = "unknown"
)

// WebhookEvent is one row per received provider callback. Rows are immutable
// once written except for the processing bookkeeping fields, which the
// ingestion pipeline owns.
type WebhookEvent struct {
	ID                int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	EventID           string         `json:"id" gorm:"column:event_id;uniqueIndex"`
	TenantID          *string        `json:"tenant_id,omitempty" gorm:"column:tenant_id;index"`
	EventType         string         `json:"event_type" gorm:"column:event_type;index"`
	PhoneNumberID     string         `json:"phone_number_id,omitempty" gorm:"column:phone_number_id;index"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" gorm:"column:provider_message_id;index"`
	Payload           datatypes.JSON `json:"payload" gorm:"type:jsonb;column:payload"`
	Processed         bool           `json:"processed" gorm:"column:processed;default:false;index"`
	ProcessedAt       *time.Time     `json:"processed_at,omitempty" gorm:"column:processed_at"`
	ProcessingError   string         `json:"processing_error,omitempty" gorm:"column:processing_error"`
	RetryCount        int            `json:"retry_count" gorm:"column:retry_count;default:0"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"column:received_at"`
	CreatedAt         time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}
