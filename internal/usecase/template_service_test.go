package usecase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
)

func newRegistryFixture(t *testing.T, submitter TemplateSubmitter) (*TemplateRegistry, *fakeTemplateRepo) {
	t.Helper()
	templates := newFakeTemplateRepo()
	registry := NewTemplateRegistry(templates, &fakeTokens{token: "decrypted-token"}, submitter)
	return registry, templates
}

func draftInput() CreateTemplateInput {
	return CreateTemplateInput{
		Name:     "Appointment_Reminder",
		Language: "en_US",
		Category: "UTILITY",
		Body:     "Hello {{1}}, your appointment is at {{2}}.",
	}
}

func TestCreateTemplate(t *testing.T) {
	registry, templates := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	tpl, err := registry.Create(ctx, draftInput())
	require.NoError(t, err)

	assert.Equal(t, model.TemplateStatusDraft, tpl.Status)
	assert.Equal(t, "appointment_reminder", tpl.Name, "names are normalized to lowercase")
	assert.Equal(t, testTenantID, tpl.TenantID)
	assert.NotEmpty(t, tpl.TemplateID)
	assert.Contains(t, templates.templates, testTenantID+"|appointment_reminder")
}

func TestCreateTemplateValidation(t *testing.T) {
	registry, _ := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	input := draftInput()
	input.Body = ""
	_, err := registry.Create(ctx, input)
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = registry.Create(context.Background(), draftInput())
	assert.ErrorIs(t, err, apperrors.ErrUnauthorized)
}

func TestCreateTemplateNameIsUniqueForever(t *testing.T) {
	registry, _ := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	_, err := registry.Create(ctx, draftInput())
	require.NoError(t, err)

	// The same name cannot come back, regardless of its current status.
	_, err = registry.Create(ctx, draftInput())
	assert.ErrorIs(t, err, apperrors.ErrDuplicate)
}

func TestSubmitTemplate(t *testing.T) {
	submitter := &fakeProviderClient{submitID: "1231234"}
	registry, templates := newRegistryFixture(t, submitter)
	ctx := testCtx(t)

	_, err := registry.Create(ctx, draftInput())
	require.NoError(t, err)

	tpl, err := registry.Submit(ctx, "appointment_reminder", "102290129340398")
	require.NoError(t, err)

	assert.Equal(t, model.TemplateStatusPending, tpl.Status)
	assert.Equal(t, "1231234", tpl.ProviderTemplateID)
	assert.Equal(t, model.TemplateStatusPending,
		templates.templates[testTenantID+"|appointment_reminder"].Status)
}

func TestTemplateLookupsAcceptAnyCasing(t *testing.T) {
	submitter := &fakeProviderClient{submitID: "1231234"}
	registry, templates := newRegistryFixture(t, submitter)
	ctx := testCtx(t)

	_, err := registry.Create(ctx, draftInput())
	require.NoError(t, err)

	// Submit, FindApproved and Disable all normalize like Create does.
	tpl, err := registry.Submit(ctx, "Appointment_Reminder", "102290129340398")
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusPending, tpl.Status)

	templates.templates[testTenantID+"|appointment_reminder"].Status = model.TemplateStatusApproved

	_, err = registry.FindApproved(ctx, "APPOINTMENT_REMINDER")
	require.NoError(t, err)

	tpl, err = registry.Disable(ctx, "Appointment_Reminder")
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusDisabled, tpl.Status)
}

func TestSubmitUnknownTemplate(t *testing.T) {
	registry, _ := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	_, err := registry.Submit(ctx, "no_such_template", "102290129340398")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestApplyProviderDecision(t *testing.T) {
	t.Run("approval", func(t *testing.T) {
		registry, templates := newRegistryFixture(t, nil)
		ctx := testCtx(t)
		templates.put(model.Template{
			TenantID: testTenantID,
			Name:     "appointment_reminder",
			Status:   model.TemplateStatusPending,
		})

		tpl, err := registry.ApplyProviderDecision(ctx, testTenantID, "appointment_reminder",
			"APPROVED", "1231234", "")
		require.NoError(t, err)
		assert.Equal(t, model.TemplateStatusApproved, tpl.Status)
		assert.Equal(t, "1231234", tpl.ProviderTemplateID)
	})

	t.Run("rejection keeps the reason", func(t *testing.T) {
		registry, templates := newRegistryFixture(t, nil)
		ctx := testCtx(t)
		templates.put(model.Template{
			TenantID: testTenantID,
			Name:     "appointment_reminder",
			Status:   model.TemplateStatusPending,
		})

		tpl, err := registry.ApplyProviderDecision(ctx, testTenantID, "appointment_reminder",
			"rejected", "1231234", "INVALID_FORMAT")
		require.NoError(t, err)
		assert.Equal(t, model.TemplateStatusRejected, tpl.Status)
		assert.Equal(t, "INVALID_FORMAT", tpl.RejectionReason)
	})

	t.Run("unknown decision", func(t *testing.T) {
		registry, _ := newRegistryFixture(t, nil)
		ctx := testCtx(t)

		_, err := registry.ApplyProviderDecision(ctx, testTenantID, "appointment_reminder",
			"ESCALATED", "", "")
		assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	})

	t.Run("duplicate decision conflicts", func(t *testing.T) {
		registry, templates := newRegistryFixture(t, nil)
		ctx := testCtx(t)
		templates.put(model.Template{
			TenantID: testTenantID,
			Name:     "appointment_reminder",
			Status:   model.TemplateStatusApproved,
		})

		_, err := registry.ApplyProviderDecision(ctx, testTenantID, "appointment_reminder",
			"APPROVED", "1231234", "")
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})
}

func TestApplyProviderDecisionByProviderID(t *testing.T) {
	registry, templates := newRegistryFixture(t, nil)
	ctx := testCtx(t)
	templates.put(model.Template{
		TenantID:           testTenantID,
		Name:               "appointment_reminder",
		Status:             model.TemplateStatusPending,
		ProviderTemplateID: "1231234",
	})

	tpl, err := registry.ApplyProviderDecisionByProviderID(ctx, "1231234", "APPROVED", "")
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusApproved, tpl.Status)

	_, err = registry.ApplyProviderDecisionByProviderID(ctx, "", "APPROVED", "")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)

	_, err = registry.ApplyProviderDecisionByProviderID(ctx, "999", "APPROVED", "")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestDisableTemplate(t *testing.T) {
	registry, templates := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	templates.put(model.Template{
		TenantID: testTenantID,
		Name:     "appointment_reminder",
		Status:   model.TemplateStatusApproved,
	})

	tpl, err := registry.Disable(ctx, "appointment_reminder")
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusDisabled, tpl.Status)

	// Disabling anything but an approved template is illegal.
	templates.put(model.Template{
		TenantID: testTenantID,
		Name:     "draft_only",
		Status:   model.TemplateStatusDraft,
	})
	_, err = registry.Disable(ctx, "draft_only")
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestFindApproved(t *testing.T) {
	registry, templates := newRegistryFixture(t, nil)
	ctx := testCtx(t)

	templates.put(model.Template{
		TenantID: testTenantID,
		Name:     "appointment_reminder",
		Status:   model.TemplateStatusPending,
	})

	_, err := registry.FindApproved(ctx, "appointment_reminder")
	assert.ErrorIs(t, err, apperrors.ErrConflict)

	templates.put(model.Template{
		TenantID: testTenantID,
		Name:     "order_update",
		Status:   model.TemplateStatusApproved,
	})
	tpl, err := registry.FindApproved(ctx, "order_update")
	require.NoError(t, err)
	assert.Equal(t, model.TemplateStatusApproved, tpl.Status)
}
