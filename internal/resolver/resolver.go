package resolver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/cache"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

// Resolver maps provider phone-number IDs to tenants. Lookups are cached
// positively only; a miss always goes to the database so a freshly onboarded
// number resolves on the next webhook rather than after a TTL.
type Resolver struct {
	repo  storage.TenantChannelRepo
	cache *cache.ExpiringCache
}

// New creates a Resolver with the given positive-cache TTL.
func New(repo storage.TenantChannelRepo, cacheTTL time.Duration) *Resolver {
	return &Resolver{
		repo:  repo,
		cache: cache.NewExpiringCache("tenant_resolver", cacheTTL, cacheTTL, nil),
	}
}

// Resolve returns the tenant ID owning the given provider phone-number ID.
// Returns apperrors.ErrUnresolvedTenant when no active mapping exists.
func (r *Resolver) Resolve(ctx context.Context, phoneNumberID string) (string, error) {
	if cached, ok := r.cache.Get(phoneNumberID); ok {
		return cached.(string), nil
	}

	channel, err := r.repo.FindByPhoneNumberID(ctx, phoneNumberID)
	if err != nil {
		return "", err
	}

	r.cache.Set(phoneNumberID, channel.TenantID)
	return channel.TenantID, nil
}

// Register creates or re-points a phone-number mapping and primes the cache.
func (r *Resolver) Register(ctx context.Context, channel model.TenantChannel) error {
	if err := r.repo.Save(ctx, channel); err != nil {
		return err
	}

	// Invalidate rather than prime: an inactive mapping must not resolve.
	r.cache.Delete(channel.PhoneNumberID)
	if channel.Active {
		r.cache.Set(channel.PhoneNumberID, channel.TenantID)
	}

	logger.FromContext(ctx).Info("Registered tenant channel",
		zap.String("phone_number_id", channel.PhoneNumberID),
		zap.String("tenant_id", channel.TenantID),
		zap.Bool("active", channel.Active))
	return nil
}

// Close stops the resolver cache sweeper.
func (r *Resolver) Close() {
	r.cache.Stop()
}
