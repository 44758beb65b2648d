package usecase

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/validator"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

// TemplateSubmitter registers a template with the provider for review.
type TemplateSubmitter interface {
	SubmitTemplate(ctx context.Context, token, wabaID string, payload map[string]interface{}) (string, error)
}

// CreateTemplateInput carries the fields of a new draft template.
type CreateTemplateInput struct {
	Name     string `validate:"required"`
	Language string `validate:"required"`
	Category string
	Body     string `validate:"required"`
	Header   datatypes.JSON
	Footer   datatypes.JSON
	Buttons  datatypes.JSON
}

// TemplateRegistry owns the template lifecycle. Provider review decisions
// arrive via webhooks and are applied through ApplyProviderDecision.
type TemplateRegistry struct {
	templates storage.TemplateRepo
	tokens    TokenSource
	submitter TemplateSubmitter
}

// NewTemplateRegistry wires a template registry. submitter may be nil when
// provider-side submission is handled out of band.
func NewTemplateRegistry(templates storage.TemplateRepo, tokens TokenSource, submitter TemplateSubmitter) *TemplateRegistry {
	return &TemplateRegistry{templates: templates, tokens: tokens, submitter: submitter}
}

// Create stores a new DRAFT template. The (tenant, name) pair is unique for
// all time; a rejected name cannot be reused.
func (s *TemplateRegistry) Create(ctx context.Context, input CreateTemplateInput) (*model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	if err := validator.Validate(input); err != nil {
		return nil, fmt.Errorf("%w: %w", apperrors.ErrBadRequest, err)
	}

	template := model.Template{
		TemplateID: uuid.NewString(),
		TenantID:   tenantID,
		Name:       strings.ToLower(input.Name),
		Language:   input.Language,
		Category:   input.Category,
		Body:       input.Body,
		Header:     input.Header,
		Footer:     input.Footer,
		Buttons:    input.Buttons,
		Status:     model.TemplateStatusDraft,
	}

	if err := s.templates.Save(ctx, template); err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Created draft template",
		zap.String("template_name", template.Name),
		zap.String("language", template.Language))
	return &template, nil
}

// Submit moves a draft to PENDING and, when a submitter is configured,
// registers it with the provider. wabaID identifies the business account the
// template belongs to on the provider side.
func (s *TemplateRegistry) Submit(ctx context.Context, name, wabaID string) (*model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}

	name = strings.ToLower(name)
	tpl, err := s.templates.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}

	providerTemplateID := ""
	if s.submitter != nil {
		token, err := s.tokens.Retrieve(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		providerTemplateID, err = s.submitter.SubmitTemplate(ctx, token, wabaID, providerTemplatePayload(tpl))
		if err != nil {
			return nil, err
		}
	}

	updated, err := s.templates.TransitionStatus(ctx, tenantID, name, model.TemplateStatusPending, providerTemplateID, "")
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Submitted template for review",
		zap.String("template_name", name),
		zap.String("provider_template_id", providerTemplateID))
	return updated, nil
}

// ApplyProviderDecision applies the provider's review verdict. decision is
// the provider's event string (APPROVED or REJECTED, case-insensitive).
// Duplicate decisions surface the ErrConflict from the transition check.
func (s *TemplateRegistry) ApplyProviderDecision(ctx context.Context, tenantID, name, decision, providerTemplateID, rejectionReason string) (*model.Template, error) {
	var toStatus string
	switch strings.ToUpper(decision) {
	case model.TemplateStatusApproved:
		toStatus = model.TemplateStatusApproved
	case model.TemplateStatusRejected:
		toStatus = model.TemplateStatusRejected
	default:
		return nil, fmt.Errorf("%w: unknown provider decision %q", apperrors.ErrBadRequest, decision)
	}

	updated, err := s.templates.TransitionStatus(ctx, tenantID, name, toStatus, providerTemplateID, rejectionReason)
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("Applied provider template decision",
		zap.String("tenant_id", tenantID),
		zap.String("template_name", name),
		zap.String("status", toStatus))
	return updated, nil
}

// ApplyProviderDecisionByProviderID resolves the owning tenant through the
// provider-assigned template ID before applying the decision. Used on the
// webhook path, where no tenant is in context.
func (s *TemplateRegistry) ApplyProviderDecisionByProviderID(ctx context.Context, providerTemplateID, decision, rejectionReason string) (*model.Template, error) {
	if providerTemplateID == "" {
		return nil, fmt.Errorf("%w: provider template ID is required", apperrors.ErrBadRequest)
	}
	tpl, err := s.templates.FindByProviderID(ctx, providerTemplateID)
	if err != nil {
		return nil, err
	}
	return s.ApplyProviderDecision(ctx, tpl.TenantID, tpl.Name, decision, providerTemplateID, rejectionReason)
}

// Disable retires an approved template. Only APPROVED -> DISABLED is legal.
func (s *TemplateRegistry) Disable(ctx context.Context, name string) (*model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get tenant ID: %w", apperrors.ErrUnauthorized, err)
	}
	return s.templates.TransitionStatus(ctx, tenantID, strings.ToLower(name), model.TemplateStatusDisabled, "", "")
}

// FindApproved returns the named template only when it is APPROVED. Lookups
// accept any casing; names are stored lowercase.
func (s *TemplateRegistry) FindApproved(ctx context.Context, name string) (*model.Template, error) {
	name = strings.ToLower(name)
	tpl, err := s.templates.FindByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if tpl.Status != model.TemplateStatusApproved {
		return nil, fmt.Errorf("%w: template %s is %s, not APPROVED", apperrors.ErrConflict, name, tpl.Status)
	}
	return tpl, nil
}

// List returns the tenant's templates, newest first.
func (s *TemplateRegistry) List(ctx context.Context, limit, offset int) ([]model.Template, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.templates.FindByTenant(ctx, limit, offset)
}

// providerTemplatePayload shapes a template row into the provider's template
// creation request.
func providerTemplatePayload(tpl *model.Template) map[string]interface{} {
	components := []map[string]interface{}{
		{"type": "BODY", "text": tpl.Body},
	}
	payload := map[string]interface{}{
		"name":       tpl.Name,
		"language":   tpl.Language,
		"category":   tpl.Category,
		"components": components,
	}
	return payload
}
