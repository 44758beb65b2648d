package usecase

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc/iter"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
)

// Replayer periodically re-drives unprocessed webhook events through the
// ingestor's routing. Events keep their original rows; only the processing
// bookkeeping changes. Events that have burned through maxAttempts retries
// are left for manual reconciliation.
type Replayer struct {
	events      storage.WebhookEventRepo
	ingestor    *Ingestor
	interval    time.Duration
	batchSize   int
	maxAttempts int
	log         *zap.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewReplayer creates a replay pass over the webhook event store.
func NewReplayer(events storage.WebhookEventRepo, ingestor *Ingestor, interval time.Duration, batchSize, maxAttempts int, log *zap.Logger) *Replayer {
	return &Replayer{
		events:      events,
		ingestor:    ingestor,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		done:        make(chan struct{}),
		log:         log,
	}
}

// Start launches the replay loop.
func (r *Replayer) Start(ctx context.Context) {
	r.startOnce.Do(func() {
		r.wg.Add(1)
		go r.loop(ctx)
		r.log.Info("Replay pass started",
			zap.Duration("interval", r.interval),
			zap.Int("batch_size", r.batchSize))
	})
}

// Stop terminates the replay loop and waits for an in-flight pass.
func (r *Replayer) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.log.Info("Replay pass stopped")
	})
}

func (r *Replayer) loop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce executes one replay pass. Exposed for tests and operational
// tooling.
func (r *Replayer) RunOnce(ctx context.Context) {
	pending, err := r.events.FindUnprocessed(ctx, r.batchSize)
	if err != nil {
		r.log.Error("Failed to fetch unprocessed events for replay", zap.Error(err))
		return
	}
	if len(pending) == 0 {
		return
	}

	r.log.Info("Replaying unprocessed webhook events", zap.Int("count", len(pending)))

	iter.ForEach(pending, func(event *model.WebhookEvent) {
		if event.RetryCount >= r.maxAttempts {
			observer.IncReplayEvent("skipped")
			return
		}

		normalized, err := model.ParseWebhookPayload(event.Payload)
		if err != nil {
			observer.IncReplayEvent("unparsable")
			return
		}

		match, ok := matchNormalizedEvent(normalized, event)
		if !ok {
			observer.IncReplayEvent("unmatched")
			return
		}

		r.ingestor.Process(ctx, event.EventID, match, event.TenantID)
		observer.IncReplayEvent("replayed")
	})
}

// matchNormalizedEvent finds the normalized event belonging to a stored row.
// One raw payload can fan out to several rows; the pair (event type,
// provider message ID) identifies the right one.
func matchNormalizedEvent(normalized []model.NormalizedEvent, event *model.WebhookEvent) (model.NormalizedEvent, bool) {
	for _, ev := range normalized {
		if ev.EventType != event.EventType {
			continue
		}
		if ev.ProviderMessageID == event.ProviderMessageID {
			return ev, true
		}
	}
	return model.NormalizedEvent{}, false
}
