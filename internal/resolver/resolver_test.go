package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

type fakeChannelRepo struct {
	channels  map[string]model.TenantChannel
	findCalls int
}

func newFakeChannelRepo() *fakeChannelRepo {
	return &fakeChannelRepo{channels: make(map[string]model.TenantChannel)}
}

func (r *fakeChannelRepo) Save(_ context.Context, channel model.TenantChannel) error {
	r.channels[channel.PhoneNumberID] = channel
	return nil
}

func (r *fakeChannelRepo) FindByPhoneNumberID(_ context.Context, phoneNumberID string) (*model.TenantChannel, error) {
	r.findCalls++
	channel, ok := r.channels[phoneNumberID]
	if !ok || !channel.Active {
		return nil, apperrors.ErrUnresolvedTenant
	}
	return &channel, nil
}

func (r *fakeChannelRepo) Close(_ context.Context) error { return nil }

func newTestResolver(t *testing.T) (*Resolver, *fakeChannelRepo) {
	t.Helper()
	logger.Log = zaptest.NewLogger(t)
	repo := newFakeChannelRepo()
	r := New(repo, time.Minute)
	t.Cleanup(r.Close)
	return r, repo
}

func TestResolve(t *testing.T) {
	r, repo := newTestResolver(t)
	ctx := context.Background()

	repo.channels["106540352242922"] = model.TenantChannel{
		TenantID:      "tenant-a",
		PhoneNumberID: "106540352242922",
		Active:        true,
	}

	tenantID, err := r.Resolve(ctx, "106540352242922")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)

	// Second lookup is served from cache.
	tenantID, err = r.Resolve(ctx, "106540352242922")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)
	assert.Equal(t, 1, repo.findCalls)
}

func TestResolveUnknownNumber(t *testing.T) {
	r, repo := newTestResolver(t)

	_, err := r.Resolve(context.Background(), "999999999")
	assert.ErrorIs(t, err, apperrors.ErrUnresolvedTenant)

	// Misses are never cached, so the next call hits storage again.
	_, err = r.Resolve(context.Background(), "999999999")
	assert.ErrorIs(t, err, apperrors.ErrUnresolvedTenant)
	assert.Equal(t, 2, repo.findCalls)
}

func TestRegisterPrimesCache(t *testing.T) {
	r, repo := newTestResolver(t)
	ctx := context.Background()

	err := r.Register(ctx, model.TenantChannel{
		TenantID:      "tenant-a",
		PhoneNumberID: "106540352242922",
		WabaID:        "102290129340398",
		Active:        true,
	})
	require.NoError(t, err)

	tenantID, err := r.Resolve(ctx, "106540352242922")
	require.NoError(t, err)
	assert.Equal(t, "tenant-a", tenantID)
	assert.Equal(t, 0, repo.findCalls)
}

func TestRegisterInactiveInvalidatesCache(t *testing.T) {
	r, repo := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, model.TenantChannel{
		TenantID:      "tenant-a",
		PhoneNumberID: "106540352242922",
		Active:        true,
	}))

	// Deactivating the number must stop it resolving immediately, not after
	// the cache TTL.
	require.NoError(t, r.Register(ctx, model.TenantChannel{
		TenantID:      "tenant-a",
		PhoneNumberID: "106540352242922",
		Active:        false,
	}))

	_, err := r.Resolve(ctx, "106540352242922")
	assert.ErrorIs(t, err, apperrors.ErrUnresolvedTenant)
	assert.Equal(t, 1, repo.findCalls)
}

func TestRegisterRepoints(t *testing.T) {
	r, _ := newTestResolver(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, model.TenantChannel{
		TenantID: "tenant-a", PhoneNumberID: "106540352242922", Active: true,
	}))
	require.NoError(t, r.Register(ctx, model.TenantChannel{
		TenantID: "tenant-b", PhoneNumberID: "106540352242922", Active: true,
	}))

	tenantID, err := r.Resolve(ctx, "106540352242922")
	require.NoError(t, err)
	assert.Equal(t, "tenant-b", tenantID)
}
