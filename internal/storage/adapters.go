package storage

import (
	"context"
	"time"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
)

// CredentialRepoAdapter adapts the PostgresRepo to the CredentialRepo interface
type CredentialRepoAdapter struct {
	postgres *PostgresRepo
}

// NewCredentialRepoAdapter creates a new credential repository adapter
func NewCredentialRepoAdapter(postgres *PostgresRepo) CredentialRepo {
	return &CredentialRepoAdapter{postgres: postgres}
}

func (a *CredentialRepoAdapter) Upsert(ctx context.Context, cred model.Credential) error {
	return a.postgres.UpsertCredential(ctx, cred)
}

func (a *CredentialRepoAdapter) FindActiveByTenant(ctx context.Context, tenantID string) (*model.Credential, error) {
	return a.postgres.FindActiveCredentialByTenant(ctx, tenantID)
}

func (a *CredentialRepoAdapter) RotateCiphertext(ctx context.Context, tenantID string, ciphertext []byte, tokenKind string, expiresAt *time.Time) error {
	return a.postgres.RotateCredentialCiphertext(ctx, tenantID, ciphertext, tokenKind, expiresAt)
}

func (a *CredentialRepoAdapter) Deactivate(ctx context.Context, tenantID string) error {
	return a.postgres.DeactivateCredential(ctx, tenantID)
}

func (a *CredentialRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// TenantChannelRepoAdapter adapts the PostgresRepo to the TenantChannelRepo interface
type TenantChannelRepoAdapter struct {
	postgres *PostgresRepo
}

// NewTenantChannelRepoAdapter creates a new tenant channel repository adapter
func NewTenantChannelRepoAdapter(postgres *PostgresRepo) TenantChannelRepo {
	return &TenantChannelRepoAdapter{postgres: postgres}
}

func (a *TenantChannelRepoAdapter) Save(ctx context.Context, channel model.TenantChannel) error {
	return a.postgres.SaveTenantChannel(ctx, channel)
}

func (a *TenantChannelRepoAdapter) FindByPhoneNumberID(ctx context.Context, phoneNumberID string) (*model.TenantChannel, error) {
	return a.postgres.FindChannelByPhoneNumberID(ctx, phoneNumberID)
}

func (a *TenantChannelRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// MessageRepoAdapter adapts the PostgresRepo to the MessageRepo interface
type MessageRepoAdapter struct {
	postgres *PostgresRepo
}

// NewMessageRepoAdapter creates a new message repository adapter
func NewMessageRepoAdapter(postgres *PostgresRepo) MessageRepo {
	return &MessageRepoAdapter{postgres: postgres}
}

func (a *MessageRepoAdapter) Save(ctx context.Context, message model.Message) error {
	return a.postgres.SaveMessage(ctx, message)
}

func (a *MessageRepoAdapter) UpdateDispatchResult(ctx context.Context, message model.Message) error {
	return a.postgres.UpdateMessageDispatchResult(ctx, message)
}

func (a *MessageRepoAdapter) AdvanceStatus(ctx context.Context, providerMessageID, toStatus string, occurredAt time.Time, errorCode, errorMessage string) (*model.Message, error) {
	return a.postgres.AdvanceMessageStatus(ctx, providerMessageID, toStatus, occurredAt, errorCode, errorMessage)
}

func (a *MessageRepoAdapter) FindByMessageID(ctx context.Context, messageID string) (*model.Message, error) {
	return a.postgres.FindMessageByMessageID(ctx, messageID)
}

func (a *MessageRepoAdapter) FindByProviderMessageID(ctx context.Context, providerMessageID string) (*model.Message, error) {
	return a.postgres.FindMessageByProviderMessageID(ctx, providerMessageID)
}

func (a *MessageRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// TemplateRepoAdapter adapts the PostgresRepo to the TemplateRepo interface
type TemplateRepoAdapter struct {
	postgres *PostgresRepo
}

// NewTemplateRepoAdapter creates a new template repository adapter
func NewTemplateRepoAdapter(postgres *PostgresRepo) TemplateRepo {
	return &TemplateRepoAdapter{postgres: postgres}
}

func (a *TemplateRepoAdapter) Save(ctx context.Context, template model.Template) error {
	return a.postgres.SaveTemplate(ctx, template)
}

func (a *TemplateRepoAdapter) TransitionStatus(ctx context.Context, tenantID, name, toStatus, providerTemplateID, rejectionReason string) (*model.Template, error) {
	return a.postgres.TransitionTemplateStatus(ctx, tenantID, name, toStatus, providerTemplateID, rejectionReason)
}

func (a *TemplateRepoAdapter) FindByName(ctx context.Context, name string) (*model.Template, error) {
	return a.postgres.FindTemplateByName(ctx, name)
}

func (a *TemplateRepoAdapter) FindByProviderID(ctx context.Context, providerTemplateID string) (*model.Template, error) {
	return a.postgres.FindTemplateByProviderID(ctx, providerTemplateID)
}

func (a *TemplateRepoAdapter) FindByTenant(ctx context.Context, limit, offset int) ([]model.Template, error) {
	return a.postgres.FindTemplatesByTenant(ctx, limit, offset)
}

func (a *TemplateRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// WebhookEventRepoAdapter adapts the PostgresRepo to the WebhookEventRepo interface
type WebhookEventRepoAdapter struct {
	postgres *PostgresRepo
}

// NewWebhookEventRepoAdapter creates a new webhook event repository adapter
func NewWebhookEventRepoAdapter(postgres *PostgresRepo) WebhookEventRepo {
	return &WebhookEventRepoAdapter{postgres: postgres}
}

func (a *WebhookEventRepoAdapter) Save(ctx context.Context, event model.WebhookEvent) error {
	return a.postgres.SaveWebhookEvent(ctx, event)
}

func (a *WebhookEventRepoAdapter) MarkProcessed(ctx context.Context, eventID string, tenantID *string) error {
	return a.postgres.MarkEventProcessed(ctx, eventID, tenantID)
}

func (a *WebhookEventRepoAdapter) RecordError(ctx context.Context, eventID, processingError string) error {
	return a.postgres.RecordEventError(ctx, eventID, processingError)
}

func (a *WebhookEventRepoAdapter) FindUnprocessed(ctx context.Context, limit int) ([]model.WebhookEvent, error) {
	return a.postgres.FindUnprocessedEvents(ctx, limit)
}

func (a *WebhookEventRepoAdapter) FindByEventID(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	return a.postgres.FindWebhookEventByEventID(ctx, eventID)
}

func (a *WebhookEventRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}

// OptInRepoAdapter adapts the PostgresRepo to the OptInRepo interface
type OptInRepoAdapter struct {
	postgres *PostgresRepo
}

// NewOptInRepoAdapter creates a new opt-in repository adapter
func NewOptInRepoAdapter(postgres *PostgresRepo) OptInRepo {
	return &OptInRepoAdapter{postgres: postgres}
}

func (a *OptInRepoAdapter) Upsert(ctx context.Context, optIn model.OptIn) error {
	return a.postgres.UpsertOptIn(ctx, optIn)
}

func (a *OptInRepoAdapter) Find(ctx context.Context, msisdn, channel string) (*model.OptIn, error) {
	return a.postgres.FindOptIn(ctx, msisdn, channel)
}

func (a *OptInRepoAdapter) Close(ctx context.Context) error {
	return a.postgres.Close(ctx)
}
