package usecase

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/config"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/observer"
	"gitlab.com/timkado/api/daisi-wa-business-service/internal/storage"
)

type statusRetryTask struct {
	eventID string
	update  StatusUpdate
	attempt int
}

// StatusRetryWorker retries delivery-status updates whose message row was
// not visible when the webhook arrived. Each task gets a bounded number of
// attempts with exponential backoff; exhausted tasks are dropped and the
// drop is recorded on the webhook event row.
type StatusRetryWorker struct {
	cfg        config.StatusRetryPoolConfig
	dispatcher *Dispatcher
	events     storage.WebhookEventRepo
	log        *zap.Logger

	pool  *ants.Pool
	tasks chan statusRetryTask

	startOnce sync.Once
	stopOnce  sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewStatusRetryWorker creates the worker and its ants pool. Start must be
// called before tasks are drained.
func NewStatusRetryWorker(cfg config.StatusRetryPoolConfig, dispatcher *Dispatcher, events storage.WebhookEventRepo, log *zap.Logger) (*StatusRetryWorker, error) {
	pool, err := ants.NewPool(cfg.PoolSize,
		ants.WithLogger(newAntsLoggerAdapter(log.Named("ants_pool"))),
		ants.WithPanicHandler(func(r interface{}) {
			log.Error("Panic in status retry task", zap.Any("panic", r))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create ants pool: %w", err)
	}

	return &StatusRetryWorker{
		cfg:        cfg,
		dispatcher: dispatcher,
		events:     events,
		log:        log,
		pool:       pool,
		tasks:      make(chan statusRetryTask, cfg.QueueSize),
		done:       make(chan struct{}),
	}, nil
}

// Start launches the drain loop.
func (w *StatusRetryWorker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.drainLoop(ctx)
		w.log.Info("Status retry worker started",
			zap.Int("pool_size", w.cfg.PoolSize),
			zap.Int("queue_size", w.cfg.QueueSize),
			zap.Int("max_attempts", w.cfg.MaxAttempts))
	})
}

// Stop closes the intake, waits for the drain loop and releases the pool.
// Queued tasks that have not started are abandoned; their events stay
// unprocessed and the replay pass picks them up.
func (w *StatusRetryWorker) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		w.wg.Wait()
		w.pool.Release()
		w.log.Info("Status retry worker stopped")
	})
}

// EnqueueStatusRetry queues a status update for retry. Returns false when
// the queue is full; the caller records the event as unprocessed and the
// replay pass takes over.
func (w *StatusRetryWorker) EnqueueStatusRetry(eventID string, update StatusUpdate) bool {
	select {
	case w.tasks <- statusRetryTask{eventID: eventID, update: update, attempt: 1}:
		observer.IncRetryTaskSubmitted("")
		observer.SetRetryQueueLength(len(w.tasks))
		return true
	default:
		w.log.Warn("Status retry queue full, dropping task",
			zap.String("event_id", eventID),
			zap.String("provider_message_id", update.ProviderMessageID))
		observer.IncRetryTaskDropped("")
		return false
	}
}

func (w *StatusRetryWorker) drainLoop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case task := <-w.tasks:
			observer.SetRetryQueueLength(len(w.tasks))
			t := task
			if err := w.pool.Submit(func() { w.runTask(ctx, t) }); err != nil {
				w.log.Error("Failed to submit retry task to pool",
					zap.String("event_id", t.eventID), zap.Error(err))
			}
		}
	}
}

// runTask attempts one queued status update. NotFound re-queues with
// backoff until the attempt budget is spent.
func (w *StatusRetryWorker) runTask(ctx context.Context, task statusRetryTask) {
	delay := w.backoffDelay(task.attempt)
	select {
	case <-w.done:
		return
	case <-ctx.Done():
		return
	case <-time.After(delay):
	}

	result, err := w.dispatcher.ApplyStatusUpdate(ctx, task.update)
	if err != nil {
		w.log.Warn("Status retry attempt errored",
			zap.String("event_id", task.eventID),
			zap.Int("attempt", task.attempt),
			zap.Error(err))
	}

	switch {
	case err == nil && result == ResultApplied:
		if markErr := w.events.MarkProcessed(ctx, task.eventID, nil); markErr != nil {
			w.log.Error("Failed to mark event processed after retry",
				zap.String("event_id", task.eventID), zap.Error(markErr))
		}
		return

	case err == nil && result == ResultStale:
		// Another delivery won the race; the event is settled.
		if markErr := w.events.MarkProcessed(ctx, task.eventID, nil); markErr != nil {
			w.log.Error("Failed to mark event processed after stale retry",
				zap.String("event_id", task.eventID), zap.Error(markErr))
		}
		return
	}

	if task.attempt >= w.cfg.MaxAttempts {
		w.log.Warn("Dropping status update after exhausting attempts",
			zap.String("event_id", task.eventID),
			zap.String("provider_message_id", task.update.ProviderMessageID),
			zap.Int("attempts", task.attempt))
		observer.IncRetryTaskDropped("")
		if recErr := w.events.RecordError(ctx, task.eventID,
			fmt.Sprintf("status update dropped after %d attempts: message row never appeared", task.attempt)); recErr != nil {
			w.log.Error("Failed to record retry exhaustion",
				zap.String("event_id", task.eventID), zap.Error(recErr))
		}
		return
	}

	task.attempt++
	select {
	case w.tasks <- task:
		observer.SetRetryQueueLength(len(w.tasks))
	default:
		observer.IncRetryTaskDropped("")
		w.log.Warn("Status retry queue full on re-queue, dropping task",
			zap.String("event_id", task.eventID))
	}
}

// backoffDelay returns the exponential delay for the given attempt, capped
// at MaxDelay.
func (w *StatusRetryWorker) backoffDelay(attempt int) time.Duration {
	delay := w.cfg.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= w.cfg.MaxDelay {
			return w.cfg.MaxDelay
		}
	}
	if delay > w.cfg.MaxDelay {
		return w.cfg.MaxDelay
	}
	return delay
}

// antsLoggerAdapter adapts zap to the ants logger interface.
type antsLoggerAdapter struct {
	logger *zap.Logger
}

func newAntsLoggerAdapter(logger *zap.Logger) *antsLoggerAdapter {
	return &antsLoggerAdapter{logger: logger}
}

func (a *antsLoggerAdapter) Printf(format string, args ...interface{}) {
	a.logger.Info(fmt.Sprintf(format, args...))
}

var _ RetryEnqueuer = (*StatusRetryWorker)(nil)
