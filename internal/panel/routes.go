package panel

import (
	"net/http"
	"time"

	"github.com/persona-labs/botpanel/internal/billing"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/persona-labs/botpanel/internal/trial"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps holds shared dependencies injected into HTTP handlers.
type Deps struct {
	Config     *Config
	Store      *store.Store
	Trials     *trial.Service
	Reconciler *billing.Reconciler
	Version    string
}

// RegisterRoutes wires all HTTP handlers onto the given ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps *Deps) {
	adminAuth := func(next http.Handler) http.Handler {
		return AdminKeyMiddleware(deps.Config.AdminKey, next)
	}
	botAuth := func(next http.Handler) http.Handler {
		return BotTokenMiddleware(deps.Config.APIToken, next)
	}

	// Health / readiness are unauthenticated liveness/readiness probes.
	mux.HandleFunc("/healthz", HandleHealthz)
	mux.HandleFunc("/readyz", HandleReadyz(deps.Store))

	// Metrics are private by default.
	metricsHandler := promhttp.Handler()
	if deps.Config.PublicMetrics {
		mux.Handle("/metrics", metricsHandler)
	} else {
		mux.Handle("/metrics", adminAuth(metricsHandler))
	}

	// Bot polling API (shared-token authenticated)
	mux.Handle("/api/bot/config/{bot_key}", botAuth(HandleBotConfig(deps.Store)))
	mux.Handle("/api/bot/tasks/{bot_key}", botAuth(HandleBotTasks(deps.Store)))

	// Billing webhook (signature-authenticated, rate-limited)
	webhookHandler := billing.NewWebhookHandler(deps.Config.StripeWebhookSecret, deps.Store, deps.Reconciler)
	webhookLimiter := NewRateLimiter(120, time.Minute)
	mux.Handle("/api/stripe/webhook", webhookLimiter.Middleware(webhookHandler))

	// Self-service trial (public, rate-limited)
	trialLimiter := NewRateLimiter(30, time.Minute)
	mux.Handle("/api/trial/start", trialLimiter.Middleware(HandleTrialStart(deps.Trials, deps.Config.TrialDays)))

	// Checkout redirect (public)
	checkout := billing.NewCheckoutHandler(billing.CheckoutConfig{
		APIKey:   deps.Config.StripeAPIKey,
		BaseURL:  deps.Config.BaseURL,
		PriceIDs: deps.Config.StripePriceIDs,
	})
	mux.Handle("/api/checkout/{bot_key}/{tenant}", checkout)

	// Admin API (key-authenticated)
	mux.Handle("/admin/subscriptions", adminAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			HandleAdminListSubscriptions(deps.Store)(w, r)
		case http.MethodPost:
			HandleAdminCreateSubscription(deps.Store, deps.Config.TrialDays)(w, r)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})))
	mux.Handle("/admin/subscriptions/{id}", adminAuth(HandleAdminDeleteSubscription(deps.Store)))
	mux.Handle("/admin/subscriptions/{id}/status", adminAuth(HandleAdminSetStatus(deps.Store, deps.Config.TrialDays)))
	mux.Handle("/admin/subscriptions/{id}/prolong", adminAuth(HandleAdminProlongTrial(deps.Store)))
	mux.Handle("/admin/subscriptions/{id}/link", adminAuth(HandleAdminLinkSubscription(deps.Store, deps.Reconciler)))
	mux.Handle("/admin/subscriptions/{id}/resync", adminAuth(HandleAdminResyncSubscription(deps.Store, deps.Reconciler)))
	mux.Handle("/admin/trial-locks", adminAuth(HandleAdminListTrialLocks(deps.Store)))
	mux.Handle("/admin/trial-locks/{id}", adminAuth(HandleAdminReleaseTrialLock(deps.Store)))
	mux.Handle("/admin/tasks", adminAuth(HandleAdminCreateTask(deps.Store)))
	mux.Handle("/admin/tasks/{id}", adminAuth(HandleAdminDeleteTask(deps.Store)))
	mux.Handle("/admin/tenants", adminAuth(HandleAdminTenants(deps.Store)))
}
