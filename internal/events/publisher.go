package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	apperrors "gitlab.com/timkado/api/daisi-wa-business-service/internal/apperrors"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/logger"
	"gitlab.com/timkado/api/daisi-wa-business-service/pkg/utils"
)

// Publisher emits domain events onto JetStream for downstream consumers
// (notification senders, analytics, CRM sync). Subjects are per tenant:
//
//	<prefix>.dispatch.<tenant_id>   outbound message status changes
//	<prefix>.inbound.<tenant_id>    inbound consumer messages
type Publisher struct {
	nc            *nats.Conn
	js            nats.JetStreamContext
	subjectPrefix string
}

// Config holds the stream settings for the publisher.
type Config struct {
	URL             string
	Stream          string
	SubjectPrefix   string
	StreamMaxAgeDay int
}

// NewPublisher connects to NATS and ensures the outbound events stream
// exists.
func NewPublisher(ctx context.Context, cfg Config) (*Publisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				logger.Log.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Info("NATS reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ErrorHandler(func(nc *nats.Conn, s *nats.Subscription, err error) {
			logger.Log.Error("NATS error", zap.Error(err))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to NATS: %w", apperrors.ErrNATS, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: failed to create JetStream context: %w", apperrors.ErrNATS, err)
	}

	p := &Publisher{nc: nc, js: js, subjectPrefix: cfg.SubjectPrefix}
	if err := p.setupStream(ctx, cfg); err != nil {
		nc.Close()
		return nil, err
	}

	return p, nil
}

func (p *Publisher) setupStream(ctx context.Context, cfg Config) error {
	log := logger.FromContext(ctx)

	streamConfig := &nats.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{cfg.SubjectPrefix + ".>"},
		Storage:   nats.FileStorage,
		Retention: nats.LimitsPolicy,
		MaxAge:    time.Duration(cfg.StreamMaxAgeDay) * 24 * time.Hour,
	}

	stream, err := p.js.StreamInfo(streamConfig.Name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("%w: failed to get stream info for '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
	}

	if stream == nil {
		if _, err := p.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("%w: failed to add stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Created stream",
			zap.String("name", streamConfig.Name),
			zap.Any("subjects", streamConfig.Subjects))
		return nil
	}

	if stream.Config.MaxAge != streamConfig.MaxAge {
		if _, err := p.js.UpdateStream(streamConfig); err != nil {
			return fmt.Errorf("%w: failed to update stream '%s': %w", apperrors.ErrNATS, streamConfig.Name, err)
		}
		log.Info("Updated stream", zap.String("name", streamConfig.Name))
	}

	return nil
}

// PublishMessageUpdate emits the current state of an outbound message.
func (p *Publisher) PublishMessageUpdate(ctx context.Context, message *model.Message) error {
	subject := fmt.Sprintf("%s.dispatch.%s", p.subjectPrefix, message.TenantID)
	return p.publish(ctx, subject, utils.MustMarshalJSON(message))
}

// PublishInboundMessage emits an inbound consumer message for the tenant's
// downstream consumers.
func (p *Publisher) PublishInboundMessage(ctx context.Context, tenantID string, event model.NormalizedEvent) error {
	subject := fmt.Sprintf("%s.inbound.%s", p.subjectPrefix, tenantID)
	payload := map[string]interface{}{
		"tenant_id":           tenantID,
		"phone_number_id":     event.PhoneNumberID,
		"provider_message_id": event.ProviderMessageID,
		"from_msisdn":         event.FromMsisdn,
		"text":                event.Text,
		"occurred_at":         utils.FormatISO8601(event.OccurredAt),
	}
	return p.publish(ctx, subject, utils.MustMarshalJSON(payload))
}

func (p *Publisher) publish(ctx context.Context, subject string, data []byte) error {
	_, err := p.js.Publish(subject, data, nats.Context(ctx))
	if err != nil {
		logger.FromContext(ctx).Error("Failed to publish event",
			zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("%w: publish to %s failed: %w", apperrors.ErrNATS, subject, err)
	}
	return nil
}

// Close drains the connection.
func (p *Publisher) Close() {
	if p.nc != nil && !p.nc.IsClosed() {
		if err := p.nc.Drain(); err != nil {
			logger.Log.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}
}
