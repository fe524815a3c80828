package panelmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SubscriptionsByStatus tracks the number of subscriptions in each status.
	SubscriptionsByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "botpanel",
		Subsystem: "billing",
		Name:      "subscriptions_by_status",
		Help:      "Number of subscriptions by status.",
	}, []string{"status"})

	// WebhookRequestsTotal counts billing webhook requests by event type and status.
	WebhookRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botpanel",
		Subsystem: "billing",
		Name:      "webhook_requests_total",
		Help:      "Total billing webhook requests by event type and HTTP status.",
	}, []string{"event_type", "status"})

	// WebhookDuration tracks billing webhook processing latency.
	WebhookDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "botpanel",
		Subsystem: "billing",
		Name:      "webhook_duration_seconds",
		Help:      "Billing webhook processing duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"event_type"})

	// WebhookDuplicatesTotal counts redelivered webhook events skipped by the
	// idempotency ledger.
	WebhookDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "botpanel",
		Subsystem: "billing",
		Name:      "webhook_duplicates_total",
		Help:      "Webhook events skipped because they were already processed.",
	})

	// ResyncTotal counts pull-reconciliation attempts by outcome.
	ResyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botpanel",
		Subsystem: "billing",
		Name:      "resync_total",
		Help:      "Total subscription resync attempts by outcome.",
	}, []string{"outcome"})

	// TrialStartsTotal counts trial issuance attempts by outcome.
	TrialStartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botpanel",
		Subsystem: "trials",
		Name:      "starts_total",
		Help:      "Total trial start attempts by outcome.",
	}, []string{"outcome"})

	// BotConfigRequestsTotal counts allow-list polls by bot key and HTTP status.
	BotConfigRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "botpanel",
		Subsystem: "api",
		Name:      "bot_config_requests_total",
		Help:      "Total bot allow-list requests by bot key and HTTP status.",
	}, []string{"bot_key", "status"})
)
