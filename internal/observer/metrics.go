package observer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricsEnabled = true // Flag to control metric collection

	sendLabels    = []string{"tenant_id", "kind", "outcome"}
	statusLabels  = []string{"tenant_id", "to_status", "result"}
	webhookLabels = []string{"event_type", "tenant_id"}

	// Outbound dispatch counters
	MessagesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_messages_sent_total",
			Help: "Total number of outbound send attempts, labeled by final outcome.",
		},
		sendLabels,
	)

	// Delivery status transition counter
	StatusTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_status_transitions_total",
			Help: "Total number of delivery-status updates applied, labeled by result (applied, stale, not_found).",
		},
		statusLabels,
	)

	// Webhook ingestion counters
	WebhookEventsReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_webhook_events_received_total",
			Help: "Total number of webhook events persisted.",
		},
		webhookLabels,
	)
	WebhookEventsFailedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_webhook_events_failed_total",
			Help: "Total number of webhook events whose processing failed and was recorded for replay.",
		},
		webhookLabels,
	)

	// Consent gate counter
	ConsentDecisionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_consent_decisions_total",
			Help: "Total number of consent checks, labeled by decision and whether an explicit row existed.",
		},
		[]string{"tenant_id", "decision", "explicit"},
	)

	// Vault operation counter
	VaultOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_vault_operations_total",
			Help: "Total number of vault operations, labeled by operation and status.",
		},
		[]string{"operation", "status"},
	)

	// Provider API call histogram
	ProviderCallDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_business_service_provider_call_duration_seconds",
			Help:    "Histogram of outbound provider API call durations.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		},
		[]string{"operation", "status"},
	)

	// Database operation histogram
	DatabaseOperationDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wa_business_service_db_operation_duration_seconds",
			Help:    "Histogram of database operation durations.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		},
		[]string{"operation", "entity", "tenant_id", "status"},
	)

	// In-process cache counters
	cacheCheckTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_cache_checks_total",
			Help: "Total number of cache lookups, labeled by cache name and result.",
		},
		[]string{"cache", "result"},
	)
	cacheSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wa_business_service_cache_entries",
			Help: "Current number of entries held per cache.",
		},
		[]string{"cache"},
	)
)

// Metrics related to the status-retry worker and replay pass
var (
	retryTasksSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_status_retry_tasks_submitted_total",
			Help: "Total number of status updates queued for bounded retry.",
		},
		[]string{"tenant_id"},
	)
	retryTasksDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_status_retry_tasks_dropped_total",
			Help: "Total number of status updates dropped after exceeding max attempts.",
		},
		[]string{"tenant_id"},
	)
	retryQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wa_business_service_status_retry_queue_length",
		Help: "Current number of status updates waiting in the retry worker channel.",
	})
	replayEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wa_business_service_replay_events_total",
			Help: "Total number of unprocessed webhook events picked up by the replay pass, labeled by outcome.",
		},
		[]string{"outcome"},
	)
)

// InitMetrics initializes Prometheus metric collection if enabled.
// Call this function during application startup.
func InitMetrics(enabled bool) {
	metricsEnabled = enabled
}

// sanitizeTenant ensures the tenant label is valid or returns a default value.
func sanitizeTenant(tenant string) string {
	if tenant == "" {
		return "unknown"
	}
	return tenant
}

// IncMessageSent increments the outbound send counter.
func IncMessageSent(tenantID, kind, outcome string) {
	if !metricsEnabled {
		return
	}
	MessagesSentTotal.WithLabelValues(sanitizeTenant(tenantID), kind, outcome).Inc()
}

// IncStatusTransition increments the delivery-status transition counter.
func IncStatusTransition(tenantID, toStatus, result string) {
	if !metricsEnabled {
		return
	}
	StatusTransitionsTotal.WithLabelValues(sanitizeTenant(tenantID), toStatus, result).Inc()
}

// IncWebhookEventReceived increments the webhook received counter.
func IncWebhookEventReceived(eventType, tenantID string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsReceivedTotal.WithLabelValues(eventType, sanitizeTenant(tenantID)).Inc()
}

// IncWebhookEventFailed increments the webhook processing-failure counter.
func IncWebhookEventFailed(eventType, tenantID string) {
	if !metricsEnabled {
		return
	}
	WebhookEventsFailedTotal.WithLabelValues(eventType, sanitizeTenant(tenantID)).Inc()
}

// IncConsentDecision increments the consent decision counter.
func IncConsentDecision(tenantID string, allowed, explicit bool) {
	if !metricsEnabled {
		return
	}
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	explicitLabel := "default"
	if explicit {
		explicitLabel = "explicit"
	}
	ConsentDecisionsTotal.WithLabelValues(sanitizeTenant(tenantID), decision, explicitLabel).Inc()
}

// IncVaultOperation increments the vault operation counter.
func IncVaultOperation(operation string, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	VaultOperationsTotal.WithLabelValues(operation, status).Inc()
}

// ObserveProviderCallDuration records the duration of a provider API call.
func ObserveProviderCallDuration(operation string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	ProviderCallDurationSeconds.WithLabelValues(operation, status).Observe(duration.Seconds())
}

// ObserveDbOperationDuration records the duration for a database operation.
func ObserveDbOperationDuration(operation, entity, tenantID string, duration time.Duration, err error) {
	if !metricsEnabled {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	DatabaseOperationDurationSeconds.WithLabelValues(operation, entity, sanitizeTenant(tenantID), status).Observe(duration.Seconds())
}

// IncCacheCheck increments the cache lookup counter.
func IncCacheCheck(cache, result string) {
	if !metricsEnabled {
		return
	}
	cacheCheckTotal.WithLabelValues(cache, result).Inc()
}

// SetCacheSize sets the current entry count for a cache.
func SetCacheSize(cache string, size int) {
	if !metricsEnabled {
		return
	}
	cacheSize.WithLabelValues(cache).Set(float64(size))
}

// IncRetryTaskSubmitted increments the retry-task submission counter.
func IncRetryTaskSubmitted(tenantID string) {
	if !metricsEnabled {
		return
	}
	retryTasksSubmittedTotal.WithLabelValues(sanitizeTenant(tenantID)).Inc()
}

// IncRetryTaskDropped increments the retry-task drop counter.
func IncRetryTaskDropped(tenantID string) {
	if !metricsEnabled {
		return
	}
	retryTasksDroppedTotal.WithLabelValues(sanitizeTenant(tenantID)).Inc()
}

// SetRetryQueueLength sets the current retry queue length.
func SetRetryQueueLength(length int) {
	if !metricsEnabled {
		return
	}
	retryQueueLength.Set(float64(length))
}

// IncReplayEvent increments the replay pass counter by outcome.
func IncReplayEvent(outcome string) {
	if !metricsEnabled {
		return
	}
	replayEventsTotal.WithLabelValues(outcome).Inc()
}
