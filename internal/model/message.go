package model

import (
	"time"

	"gorm.io/datatypes"
)

// Outbound message kinds.
const (
	MessageKindText     = "text"
	MessageKindTemplate = "template"
	MessageKindMedia    = "media"
)

// Delivery statuses for an outbound message.
const (
	MessageStatusQueued    = "QUEUED"
	MessageStatusSent      = "SENT"
	MessageStatusDelivered = "DELIVERED"
	MessageStatusRead      = "READ"
	MessageStatusFailed    = "FAILED"
)

// statusRanks orders the forward-only delivery state machine. FAILED is not
// ranked; it is terminal and reachable only from QUEUED or SENT.
var statusRanks = map[string]int{
	MessageStatusQueued:    0,
	MessageStatusSent:      1,
	MessageStatusDelivered: 2,
	MessageStatusRead:      3,
}

// StatusRank returns the rank of a delivery status, or -1 for unknown or
// unranked statuses.
func StatusRank(status string) int {
	rank, ok := statusRanks[status]
	if !ok {
		return -1
	}
	return rank
}

// CanAdvanceStatus reports whether a stored status may move to the incoming
// one. FAILED never advances; a message may fail only before it is delivered.
func CanAdvanceStatus(from, to string) bool {
	if from == MessageStatusFailed {
		return false
	}
	if to == MessageStatusFailed {
		return from == MessageStatusQueued || from == MessageStatusSent
	}
	fromRank, toRank := StatusRank(from), StatusRank(to)
	if fromRank < 0 || toRank < 0 {
		return false
	}
	return toRank > fromRank
}

// Message represents one outbound communication attempt. Rows are append-only
// from the caller's point of view: the status machine only ever moves
// forward and rows are never deleted.
type Message struct {
	ID                int64          `json:"-" gorm:"column:id;primaryKey;autoIncrement"`
	MessageID         string         `json:"id" gorm:"column:message_id;uniqueIndex"`
	TenantID          string         `json:"tenant_id" gorm:"column:tenant_id;index"`
	ClientRef         string         `json:"client_ref,omitempty" gorm:"column:client_ref;index"`
	AppointmentRef    string         `json:"appointment_ref,omitempty" gorm:"column:appointment_ref;index"`
	ToMsisdn          string         `json:"to_msisdn" gorm:"column:to_msisdn;index"`
	PhoneNumberID     string         `json:"phone_number_id" gorm:"column:phone_number_id"`
	Kind              string         `json:"kind" gorm:"column:kind;not null"`
	TemplateName      string         `json:"template_name,omitempty" gorm:"column:template_name"`
	Payload           datatypes.JSON `json:"payload,omitempty" gorm:"type:jsonb;column:payload"`
	ProviderMessageID string         `json:"provider_message_id,omitempty" gorm:"column:provider_message_id;index:idx_messages_provider_message_id,unique,where:provider_message_id <> ''"`
	Status            string         `json:"status" gorm:"column:status;not null;default:'QUEUED'"`
	ErrorCode         string         `json:"error_code,omitempty" gorm:"column:error_code"`
	ErrorMessage      string         `json:"error_message,omitempty" gorm:"column:error_message"`
	SentAt            *time.Time     `json:"sent_at,omitempty" gorm:"column:sent_at"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty" gorm:"column:delivered_at"`
	ReadAt            *time.Time     `json:"read_at,omitempty" gorm:"column:read_at"`
	FailedAt          *time.Time     `json:"failed_at,omitempty" gorm:"column:failed_at"`
	CreatedAt         time.Time      `json:"created_at,omitempty" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time      `json:"updated_at,omitempty" gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (Message) TableName() string {
	return "messages"
}

// MessageStatusUpdatableFields returns the column names a status transition
// may touch. Everything else on a message row is immutable after dispatch.
func MessageStatusUpdatableFields() []string {
	return []string{
		"status", "provider_message_id", "error_code", "error_message",
		"sent_at", "delivered_at", "read_at", "failed_at", "updated_at",
	}
}
