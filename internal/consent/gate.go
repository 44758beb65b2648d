package consent

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/config"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/tenant"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
)

// Gate answers whether a business-initiated message may be sent to a
// recipient. An explicit opt-in or opt-out row always wins; without one the
// configured default policy applies.
type Gate struct {
	repo          storage.OptInRepo
	defaultPolicy string
}

// NewGate creates a consent gate. defaultPolicy must be ALLOW or DENY.
func NewGate(repo storage.OptInRepo, defaultPolicy string) (*Gate, error) {
	if defaultPolicy != config.ConsentPolicyAllow && defaultPolicy != config.ConsentPolicyDeny {
		return nil, fmt.Errorf("%w: default consent policy must be %s or %s, got %q",
			apperrors.ErrValidation, config.ConsentPolicyAllow, config.ConsentPolicyDeny, defaultPolicy)
	}
	return &Gate{repo: repo, defaultPolicy: defaultPolicy}, nil
}

// IsAllowed reports whether the tenant in context may message the recipient
// on the given channel. The tenant comes from the request context.
func (g *Gate) IsAllowed(ctx context.Context, msisdn, channel string) (bool, error) {
	optIn, err := g.repo.Find(ctx, msisdn, channel)
	if err != nil {
		if apperrors.IsNotFoundError(err) {
			allowed := g.defaultPolicy == config.ConsentPolicyAllow
			observer.IncConsentDecision(tenantLabel(ctx), allowed, false)
			return allowed, nil
		}
		return false, err
	}

	observer.IncConsentDecision(optIn.TenantID, optIn.OptedIn, true)
	return optIn.OptedIn, nil
}

// Record stores an explicit consent signal, overwriting any previous signal
// for the same recipient and channel.
func (g *Gate) Record(ctx context.Context, optIn model.OptIn) error {
	if optIn.Msisdn == "" {
		return fmt.Errorf("%w: msisdn is required", apperrors.ErrBadRequest)
	}
	if optIn.Channel == "" {
		optIn.Channel = model.ChannelWhatsApp
	}

	if err := g.repo.Upsert(ctx, optIn); err != nil {
		return err
	}

	logger.FromContext(ctx).Info("Recorded consent signal",
		zap.String("msisdn", optIn.Msisdn),
		zap.String("channel", optIn.Channel),
		zap.Bool("opted_in", optIn.OptedIn),
		zap.String("method", optIn.Method))
	return nil
}

func tenantLabel(ctx context.Context) string {
	tenantID, err := tenant.FromContext(ctx)
	if err != nil {
		return ""
	}
	return tenantID
}
