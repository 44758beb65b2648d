package usecase

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/provider"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

const (
	testTenantID      = "tenant-test-123"
	testMsisdn        = "6281234567890"
	testPhoneNumberID = "106540352242922"
)

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	return tenant.WithTenantID(context.Background(), testTenantID)
}

// fakeMessageRepo records saves and updates and serves AdvanceStatus from an
// in-memory row keyed by provider message ID.
type fakeMessageRepo struct {
	mu         sync.Mutex
	saved      []model.Message
	updated    []model.Message
	rows       map[string]*model.Message // provider message ID -> row
	saveErr    error
	updateErr  error
	advanceErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{rows: make(map[string]*model.Message)}
}

func (r *fakeMessageRepo) Save(_ context.Context, message model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.saveErr != nil {
		return r.saveErr
	}
	r.saved = append(r.saved, message)
	return nil
}

func (r *fakeMessageRepo) UpdateDispatchResult(_ context.Context, message model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return r.updateErr
	}
	r.updated = append(r.updated, message)
	return nil
}

func (r *fakeMessageRepo) AdvanceStatus(_ context.Context, providerMessageID, toStatus string, occurredAt time.Time, errorCode, errorMessage string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.advanceErr != nil {
		return nil, r.advanceErr
	}
	row, ok := r.rows[providerMessageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !model.CanAdvanceStatus(row.Status, toStatus) {
		return nil, apperrors.ErrStaleStatus
	}
	row.Status = toStatus
	row.ErrorCode = errorCode
	row.ErrorMessage = errorMessage
	return row, nil
}

func (r *fakeMessageRepo) FindByMessageID(_ context.Context, messageID string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.saved {
		if r.saved[i].MessageID == messageID {
			return &r.saved[i], nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeMessageRepo) FindByProviderMessageID(_ context.Context, providerMessageID string) (*model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[providerMessageID]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return row, nil
}

func (r *fakeMessageRepo) Close(_ context.Context) error { return nil }

func (r *fakeMessageRepo) lastSaved() model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.saved[len(r.saved)-1]
}

func (r *fakeMessageRepo) lastUpdated() model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.updated[len(r.updated)-1]
}

// fakeTemplateRepo serves templates keyed by (tenant, name) and records
// transitions using the domain transition table.
type fakeTemplateRepo struct {
	templates     map[string]*model.Template // tenantID|name
	transitionErr error
}

func newFakeTemplateRepo() *fakeTemplateRepo {
	return &fakeTemplateRepo{templates: make(map[string]*model.Template)}
}

func (r *fakeTemplateRepo) put(tpl model.Template) {
	r.templates[tpl.TenantID+"|"+tpl.Name] = &tpl
}

func (r *fakeTemplateRepo) Save(_ context.Context, template model.Template) error {
	key := template.TenantID + "|" + template.Name
	if _, exists := r.templates[key]; exists {
		return apperrors.ErrDuplicate
	}
	r.templates[key] = &template
	return nil
}

func (r *fakeTemplateRepo) TransitionStatus(_ context.Context, tenantID, name, toStatus, providerTemplateID, rejectionReason string) (*model.Template, error) {
	if r.transitionErr != nil {
		return nil, r.transitionErr
	}
	tpl, ok := r.templates[tenantID+"|"+name]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	if !model.CanTransitionTemplate(tpl.Status, toStatus) {
		return nil, apperrors.ErrConflict
	}
	tpl.Status = toStatus
	if providerTemplateID != "" {
		tpl.ProviderTemplateID = providerTemplateID
	}
	if rejectionReason != "" {
		tpl.RejectionReason = rejectionReason
	}
	return tpl, nil
}

func (r *fakeTemplateRepo) FindByName(ctx context.Context, name string) (*model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, apperrors.ErrUnauthorized
	}
	tpl, ok := r.templates[tenantID+"|"+name]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return tpl, nil
}

func (r *fakeTemplateRepo) FindByProviderID(_ context.Context, providerTemplateID string) (*model.Template, error) {
	for _, tpl := range r.templates {
		if tpl.ProviderTemplateID == providerTemplateID {
			return tpl, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (r *fakeTemplateRepo) FindByTenant(ctx context.Context, limit, offset int) ([]model.Template, error) {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return nil, apperrors.ErrUnauthorized
	}
	var out []model.Template
	for _, tpl := range r.templates {
		if tpl.TenantID == tenantID {
			out = append(out, *tpl)
		}
	}
	return out, nil
}

func (r *fakeTemplateRepo) Close(_ context.Context) error { return nil }

// fakeOptInRepo backs the consent gate in dispatcher tests.
type fakeOptInRepo struct {
	rows map[string]model.OptIn
}

func newFakeOptInRepo() *fakeOptInRepo {
	return &fakeOptInRepo{rows: make(map[string]model.OptIn)}
}

func (r *fakeOptInRepo) Upsert(_ context.Context, optIn model.OptIn) error {
	r.rows[optIn.Msisdn+"|"+optIn.Channel] = optIn
	return nil
}

func (r *fakeOptInRepo) Find(_ context.Context, msisdn, channel string) (*model.OptIn, error) {
	row, ok := r.rows[msisdn+"|"+channel]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &row, nil
}

func (r *fakeOptInRepo) Close(_ context.Context) error { return nil }

// fakeTokens hands out a fixed token or a configured error.
type fakeTokens struct {
	token string
	err   error
}

func (f *fakeTokens) Retrieve(_ context.Context, _ string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.token, nil
}

// fakeProviderClient records calls and returns the configured result.
type fakeProviderClient struct {
	result    *provider.SendResult
	err       error
	calls     int
	lastKind  string
	submitID  string
	submitErr error
}

func (f *fakeProviderClient) SendText(_ context.Context, _, _, _, _ string) (*provider.SendResult, error) {
	f.calls++
	f.lastKind = model.MessageKindText
	return f.result, f.err
}

func (f *fakeProviderClient) SendTemplate(_ context.Context, _, _, _, _, _ string, _ []provider.TemplateComponent) (*provider.SendResult, error) {
	f.calls++
	f.lastKind = model.MessageKindTemplate
	return f.result, f.err
}

func (f *fakeProviderClient) SendMedia(_ context.Context, _, _, _, _, _, _ string) (*provider.SendResult, error) {
	f.calls++
	f.lastKind = model.MessageKindMedia
	return f.result, f.err
}

func (f *fakeProviderClient) SubmitTemplate(_ context.Context, _, _ string, _ map[string]interface{}) (string, error) {
	return f.submitID, f.submitErr
}

// fakePublisher records everything published.
type fakePublisher struct {
	mu      sync.Mutex
	updates []model.Message
	inbound []model.NormalizedEvent
	tenants []string
	pubErr  error
}

func (f *fakePublisher) PublishMessageUpdate(_ context.Context, message *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.updates = append(f.updates, *message)
	return nil
}

func (f *fakePublisher) PublishInboundMessage(_ context.Context, tenantID string, event model.NormalizedEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubErr != nil {
		return f.pubErr
	}
	f.tenants = append(f.tenants, tenantID)
	f.inbound = append(f.inbound, event)
	return nil
}
