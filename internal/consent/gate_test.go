package consent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/config"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

type fakeOptInRepo struct {
	rows    map[string]model.OptIn // msisdn|channel
	findErr error
	saved   []model.OptIn
}

func newFakeOptInRepo() *fakeOptInRepo {
	return &fakeOptInRepo{rows: make(map[string]model.OptIn)}
}

func (r *fakeOptInRepo) Upsert(_ context.Context, optIn model.OptIn) error {
	r.saved = append(r.saved, optIn)
	r.rows[optIn.Msisdn+"|"+optIn.Channel] = optIn
	return nil
}

func (r *fakeOptInRepo) Find(_ context.Context, msisdn, channel string) (*model.OptIn, error) {
	if r.findErr != nil {
		return nil, r.findErr
	}
	row, ok := r.rows[msisdn+"|"+channel]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return &row, nil
}

func (r *fakeOptInRepo) Close(_ context.Context) error { return nil }

func testCtx(t *testing.T) context.Context {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	return tenant.WithTenantID(context.Background(), "tenant-test-123")
}

func TestNewGateValidatesPolicy(t *testing.T) {
	repo := newFakeOptInRepo()

	_, err := NewGate(repo, "MAYBE")
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = NewGate(repo, config.ConsentPolicyAllow)
	assert.NoError(t, err)
}

func TestIsAllowedDefaultPolicy(t *testing.T) {
	t.Run("deny by default", func(t *testing.T) {
		gate, err := NewGate(newFakeOptInRepo(), config.ConsentPolicyDeny)
		require.NoError(t, err)

		allowed, err := gate.IsAllowed(testCtx(t), "6281234567890", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.False(t, allowed)
	})

	t.Run("allow by default", func(t *testing.T) {
		gate, err := NewGate(newFakeOptInRepo(), config.ConsentPolicyAllow)
		require.NoError(t, err)

		allowed, err := gate.IsAllowed(testCtx(t), "6281234567890", model.ChannelWhatsApp)
		require.NoError(t, err)
		assert.True(t, allowed)
	})
}

func TestIsAllowedExplicitSignalWins(t *testing.T) {
	repo := newFakeOptInRepo()
	gate, err := NewGate(repo, config.ConsentPolicyAllow)
	require.NoError(t, err)
	ctx := testCtx(t)

	// An explicit opt-out beats a permissive default.
	require.NoError(t, gate.Record(ctx, model.OptIn{
		TenantID: "tenant-test-123",
		Msisdn:   "6281234567890",
		Channel:  model.ChannelWhatsApp,
		OptedIn:  false,
		Method:   "keyword",
	}))

	allowed, err := gate.IsAllowed(ctx, "6281234567890", model.ChannelWhatsApp)
	require.NoError(t, err)
	assert.False(t, allowed)

	// And an explicit opt-in beats a restrictive default.
	denyGate, err := NewGate(repo, config.ConsentPolicyDeny)
	require.NoError(t, err)
	require.NoError(t, denyGate.Record(ctx, model.OptIn{
		TenantID: "tenant-test-123",
		Msisdn:   "6289998887777",
		Channel:  model.ChannelWhatsApp,
		OptedIn:  true,
		Method:   "web_form",
	}))

	allowed, err = denyGate.IsAllowed(ctx, "6289998887777", model.ChannelWhatsApp)
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestIsAllowedPropagatesStorageErrors(t *testing.T) {
	repo := newFakeOptInRepo()
	repo.findErr = apperrors.ErrDatabase
	gate, err := NewGate(repo, config.ConsentPolicyAllow)
	require.NoError(t, err)

	_, err = gate.IsAllowed(testCtx(t), "6281234567890", model.ChannelWhatsApp)
	assert.ErrorIs(t, err, apperrors.ErrDatabase)
}

func TestRecord(t *testing.T) {
	repo := newFakeOptInRepo()
	gate, err := NewGate(repo, config.ConsentPolicyDeny)
	require.NoError(t, err)
	ctx := testCtx(t)

	t.Run("requires msisdn", func(t *testing.T) {
		err := gate.Record(ctx, model.OptIn{TenantID: "tenant-test-123"})
		assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	})

	t.Run("defaults channel to whatsapp", func(t *testing.T) {
		err := gate.Record(ctx, model.OptIn{
			TenantID: "tenant-test-123",
			Msisdn:   "6281234567890",
			OptedIn:  true,
		})
		require.NoError(t, err)
		require.NotEmpty(t, repo.saved)
		assert.Equal(t, model.ChannelWhatsApp, repo.saved[len(repo.saved)-1].Channel)
	})
}
