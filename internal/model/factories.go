package model

import (
	"encoding/json"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// init ensures gofakeit is seeded.
func init() {
	gofakeit.Seed(time.Now().UnixNano())
}

// RandomJSONBMap generates JSON data from a map for testing.
func RandomJSONBMap(data map[string]interface{}) datatypes.JSON {
	bytes, _ := json.Marshal(data)
	return datatypes.JSON(bytes)
}

// NewMessage creates a Message instance with default fake data for tests.
func NewMessage(overrideDefaults ...*Message) *Message {
	base := &Message{
		MessageID:     uuid.NewString(),
		TenantID:      "tenant_" + gofakeit.LetterN(10),
		ToMsisdn:      gofakeit.Phone(),
		PhoneNumberID: gofakeit.DigitN(15),
		Kind:          MessageKindText,
		Status:        MessageStatusQueued,
		Payload:       RandomJSONBMap(map[string]interface{}{"text": gofakeit.Sentence(4)}),
		CreatedAt:     utils.Now(),
		UpdatedAt:     utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.MessageID != "" {
			base.MessageID = ovr.MessageID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.ToMsisdn != "" {
			base.ToMsisdn = ovr.ToMsisdn
		}
		if ovr.PhoneNumberID != "" {
			base.PhoneNumberID = ovr.PhoneNumberID
		}
		if ovr.Kind != "" {
			base.Kind = ovr.Kind
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
		if ovr.ProviderMessageID != "" {
			base.ProviderMessageID = ovr.ProviderMessageID
		}
		if ovr.TemplateName != "" {
			base.TemplateName = ovr.TemplateName
		}
	}
	return base
}

// NewTemplate creates a Template instance with default fake data for tests.
func NewTemplate(overrideDefaults ...*Template) *Template {
	base := &Template{
		TemplateID: uuid.NewString(),
		TenantID:   "tenant_" + gofakeit.LetterN(10),
		Name:       gofakeit.Word() + "_" + gofakeit.LetterN(6),
		Language:   "en_US",
		Category:   "UTILITY",
		Body:       "Hello {{1}}, your appointment is at {{2}}.",
		Status:     TemplateStatusDraft,
		CreatedAt:  utils.Now(),
		UpdatedAt:  utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.TemplateID != "" {
			base.TemplateID = ovr.TemplateID
		}
		if ovr.TenantID != "" {
			base.TenantID = ovr.TenantID
		}
		if ovr.Name != "" {
			base.Name = ovr.Name
		}
		if ovr.Language != "" {
			base.Language = ovr.Language
		}
		if ovr.Status != "" {
			base.Status = ovr.Status
		}
	}
	return base
}

// NewWebhookEvent creates a WebhookEvent instance with default fake data for tests.
func NewWebhookEvent(overrideDefaults ...*WebhookEvent) *WebhookEvent {
	base := &WebhookEvent{
		EventID:       uuid.NewString(),
		EventType:     WebhookEventMessageStatus,
		PhoneNumberID: gofakeit.DigitN(15),
		Payload:       RandomJSONBMap(map[string]interface{}{"object": "whatsapp_business_account"}),
		ReceivedAt:    utils.Now(),
		CreatedAt:     utils.Now(),
		UpdatedAt:     utils.Now(),
	}

	if len(overrideDefaults) > 0 && overrideDefaults[0] != nil {
		ovr := overrideDefaults[0]
		if ovr.EventID != "" {
			base.EventID = ovr.EventID
		}
		if ovr.EventType != "" {
			base.EventType = ovr.EventType
		}
		if ovr.TenantID != nil {
			base.TenantID = ovr.TenantID
		}
		if ovr.ProviderMessageID != "" {
			base.ProviderMessageID = ovr.ProviderMessageID
		}
	}
	return base
}
