package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
)

// CredentialRepo defines encrypted credential storage operations
type CredentialRepo interface {
	Upsert(ctx context.Context, cred model.Credential) error
	FindActiveByTenant(ctx context.Context, tenantID string) (*model.Credential, error)
	RotateCiphertext(ctx context.Context, tenantID string, ciphertext []byte, tokenKind string, expiresAt *time.Time) error
	Deactivate(ctx context.Context, tenantID string) error
	Close(ctx context.Context) error
}

// TenantChannelRepo defines phone-number to tenant mapping operations
type TenantChannelRepo interface {
	Save(ctx context.Context, channel model.TenantChannel) error
	FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.TenantChannel, error)
	Close(ctx context.Context) error
}

// MessageRepo defines outbound message storage operations
type MessageRepo interface {
	Save(ctx context.Context, message model.Message) error
	UpdateDispatchResult(ctx context.Context, message model.Message) error
	AdvanceStatus(ctx context.Context, providerMessageID, toStatus string, occurredAt time.Time, errorCode, errorMessage string) (*model.Message, error)
	FindByMessageID(ctx context.Context, messageID string) (*model.Message, error)
	FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error)
	Close(ctx context.Context) error
}

// TemplateRepo defines template storage operations
type TemplateRepo interface {
	Save(ctx context.Context, template model.Template) error
	TransitionStatus(ctx context.Context, tenantID, name, toStatus, providerTemplateID, rejectionReason string) (*model.Template, error)
	FindByName(ctx context.Context, name string) (*model.Template, error)
	FindByProviderID(ctx context.Context, providerTemplateID string) (*model.Template, error)
	FindByTenant(ctx context.Context, limit, offset int) ([]model.Template, error)
	Close(ctx context.Context) error
}

// WebhookEventRepo defines webhook event store operations
type WebhookEventRepo interface {
	Save(ctx context.Context, event model.WebhookEvent) error
	MarkProcessed(ctx context.Context, eventID string, tenantID *string) error
	RecordError(ctx context.Context, eventID, processingError string) error
	FindUnprocessed(ctx context.Context, limit int) ([]model.WebhookEvent, error)
	FindByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	Close(ctx context.Context) error
}

// OptInRepo defines consent storage operations
type OptInRepo interface {
	Upsert(ctx context.Context, optIn model.OptIn) error
	Find(ctx context.Context, msisdn, channel string) (*model.OptIn, error)
	Close(ctx context.Context) error
}
