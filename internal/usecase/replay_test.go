package usecase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/datatypes"

	"gitlab.com/timkado/api/daisi-wa-business-service/internal/model"
)

func newReplayer(t *testing.T, f *ingestorFixture, maxAttempts int) *Replayer {
	t.Helper()
	r := NewReplayer(f.events, f.ingestor, time.Minute, 50, maxAttempts, zaptest.NewLogger(t))
	t.Cleanup(r.Stop)
	return r
}

func TestReplayRunOnce(t *testing.T) {
	f := newIngestorFixture(t)
	ctx := testCtx(t)

	// A status event landed before its message row committed and was left
	// unprocessed.
	f.retry.accept = false
	require.NoError(t, f.ingestor.Ingest(ctx, []byte(deliveredStatusPayload)))
	require.Len(t, f.events.saved, 1)
	eventID := f.events.saved[0].EventID
	require.NotContains(t, f.events.done, eventID)

	// By replay time the row exists, so the pass settles the event.
	f.messages.rows["wamid.out1"] = &model.Message{
		TenantID:          testTenantID,
		ProviderMessageID: "wamid.out1",
		Status:            model.MessageStatusSent,
	}

	newReplayer(t, f, 5).RunOnce(ctx)

	assert.Contains(t, f.events.done, eventID)
	assert.Equal(t, model.MessageStatusDelivered, f.messages.rows["wamid.out1"].Status)
}

func TestReplaySkipsExhaustedEvents(t *testing.T) {
	f := newIngestorFixture(t)
	ctx := testCtx(t)

	f.events.saved = append(f.events.saved, model.WebhookEvent{
		EventID:           "event-exhausted",
		EventType:         model.WebhookEventMessageStatus,
		ProviderMessageID: "wamid.out1",
		Payload:           datatypes.JSON(deliveredStatusPayload),
		RetryCount:        5,
	})

	newReplayer(t, f, 5).RunOnce(ctx)

	assert.NotContains(t, f.events.done, "event-exhausted")
	assert.Empty(t, f.events.errors["event-exhausted"])
}

func TestReplayLeavesUnparsableEventsAlone(t *testing.T) {
	f := newIngestorFixture(t)
	ctx := testCtx(t)

	f.events.saved = append(f.events.saved, model.WebhookEvent{
		EventID:   "event-garbage",
		EventType: model.WebhookEventUnknown,
		Payload:   datatypes.JSON(`{nope`),
	})

	newReplayer(t, f, 5).RunOnce(ctx)

	assert.NotContains(t, f.events.done, "event-garbage")
}

func TestMatchNormalizedEvent(t *testing.T) {
	normalized := []model.NormalizedEvent{
		{EventType: model.WebhookEventMessageStatus, ProviderMessageID: "wamid.a"},
		{EventType: model.WebhookEventMessageStatus, ProviderMessageID: "wamid.b"},
		{EventType: model.WebhookEventInboundMessage, ProviderMessageID: "wamid.c"},
	}

	match, ok := matchNormalizedEvent(normalized, &model.WebhookEvent{
		EventType:         model.WebhookEventMessageStatus,
		ProviderMessageID: "wamid.b",
	})
	require.True(t, ok)
	assert.Equal(t, "wamid.b", match.ProviderMessageID)

	_, ok = matchNormalizedEvent(normalized, &model.WebhookEvent{
		EventType:         model.WebhookEventMessageStatus,
		ProviderMessageID: "wamid.zzz",
	})
	assert.False(t, ok)
}
