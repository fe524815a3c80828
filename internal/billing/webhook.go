package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/panel/panelmetrics"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming billing provider webhook events.
type WebhookHandler struct {
	secret     string
	store      *store.Store
	reconciler *Reconciler
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates a billing webhook HTTP handler.
func NewWebhookHandler(secret string, st *store.Store, rec *Reconciler) *WebhookHandler {
	return &WebhookHandler{
		secret:     secret,
		store:      st,
		reconciler: rec,
	}
}

// ServeHTTP verifies the provider signature, dedupes the event against the
// durable ledger, and dispatches it.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		panelmetrics.WebhookRequestsTotal.WithLabelValues(eventType, strconv.Itoa(status)).Inc()
		panelmetrics.WebhookDuration.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusServiceUnavailable
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sigHeader) == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing signature"})
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, sigHeader, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}
	eventType = string(event.Type)

	seen, err := h.store.SeenWebhookEvent(event.ID)
	if err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Webhook ledger lookup failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}
	if seen {
		panelmetrics.WebhookDuplicatesTotal.Inc()
		log.Info().
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook event already processed, skipping")
		writeJSON(w, http.StatusOK, webhookReceivedResponse{Received: true})
		return
	}

	if err := h.handleEvent(r, &event); err != nil {
		// The event stays out of the ledger so the provider's redelivery
		// retries processing instead of short-circuiting as a duplicate.
		log.Error().Err(err).
			Str("event_id", event.ID).
			Str("type", eventType).
			Msg("Webhook processing failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	if _, err := h.store.MarkWebhookEvent(event.ID, eventType); err != nil {
		log.Error().Err(err).Str("event_id", event.ID).Msg("Webhook ledger write failed")
	}

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

func (h *WebhookHandler) handleEvent(r *http.Request, event *stripelib.Event) error {
	switch event.Type {
	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted":
		var sub SubscriptionEvent
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("decode subscription event: %w", err)
		}
		snap := sub.toSnapshot()
		if event.Type == "customer.subscription.deleted" {
			// Deletion is terminal regardless of the embedded status field.
			snap.Status = "canceled"
		}
		return h.reconciler.Apply(r.Context(), snap)

	case "checkout.session.completed":
		var session CheckoutSessionEvent
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("decode checkout.session event: %w", err)
		}
		return h.handleCheckoutCompleted(r, session)

	case "invoice.paid", "invoice.payment_succeeded", "invoice.payment_failed":
		var invoice InvoiceEvent
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return fmt.Errorf("decode invoice event: %w", err)
		}
		return h.handleInvoice(r, event.Type, invoice)

	default:
		log.Info().
			Str("type", string(event.Type)).
			Str("event_id", event.ID).
			Msg("Webhook ignored (unhandled type)")
		return nil
	}
}

// handleCheckoutCompleted links a fresh checkout to its subscription row. A
// one-time payment checkout grants lifetime; a subscription checkout applies
// the identity metadata so the follow-up subscription events resolve.
func (h *WebhookHandler) handleCheckoutCompleted(r *http.Request, session CheckoutSessionEvent) error {
	if session.Mode == "payment" {
		return h.applyLifetimePurchase(session)
	}

	snap := &Snapshot{
		SubscriptionID: session.Subscription,
		CustomerID:     session.Customer,
		Status:         "active",
		Metadata:       session.Metadata,
	}
	if snap.SubscriptionID == "" {
		log.Warn().
			Str("session_id", session.ID).
			Msg("Checkout completed without subscription id, dropping")
		return nil
	}
	return h.reconciler.Apply(r.Context(), snap)
}

func (h *WebhookHandler) applyLifetimePurchase(session CheckoutSessionEvent) error {
	externalID := strings.TrimSpace(session.Metadata[MetaTenantExternalID])
	botKey := strings.TrimSpace(session.Metadata[MetaBotKey])
	if externalID == "" || botKey == "" {
		log.Warn().Str("session_id", session.ID).Msg("Lifetime checkout missing identity metadata, dropping")
		return nil
	}
	platform, err := store.ParsePlatform(session.Metadata[MetaPlatform])
	if err != nil {
		log.Warn().Str("session_id", session.ID).Msg("Lifetime checkout has invalid platform, dropping")
		return nil
	}

	tenant, err := h.store.UpsertTenant(externalID, platform, "")
	if err != nil {
		return fmt.Errorf("upsert tenant for lifetime purchase: %w", err)
	}
	botType, err := h.store.GetBotType(botKey)
	if err != nil {
		return fmt.Errorf("resolve bot type for lifetime purchase: %w", err)
	}

	sub, err := h.store.GetSubscription(tenant.ID, botType.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("load subscription for lifetime purchase: %w", err)
		}
		sub = &store.Subscription{TenantID: tenant.ID, BotTypeID: botType.ID}
	}
	sub.SetLifetime()
	if session.Customer != "" {
		sub.ExternalCustomerID = session.Customer
	}

	if sub.ID == 0 {
		if err := h.store.CreateSubscription(sub); err != nil {
			return fmt.Errorf("create lifetime subscription: %w", err)
		}
	} else if err := h.store.SaveSubscription(sub); err != nil {
		return fmt.Errorf("save lifetime subscription: %w", err)
	}

	log.Info().
		Int64("subscription_id", sub.ID).
		Str("tenant", externalID).
		Str("bot_key", botKey).
		Msg("Lifetime purchase applied")
	return nil
}

// handleInvoice treats payment outcomes as status signals on the linked
// subscription. No timestamps are carried, so stored deadlines survive.
func (h *WebhookHandler) handleInvoice(r *http.Request, eventType stripelib.EventType, invoice InvoiceEvent) error {
	subID := invoice.SubscriptionID()
	if subID == "" {
		log.Debug().Str("invoice_id", invoice.ID).Msg("Invoice without subscription, ignoring")
		return nil
	}

	status := "active"
	if eventType == "invoice.payment_failed" {
		status = "past_due"
	}
	return h.reconciler.Apply(r.Context(), &Snapshot{
		SubscriptionID: subID,
		CustomerID:     invoice.Customer,
		Status:         status,
	})
}

// CheckoutSessionEvent is a minimal representation of a checkout.session event.
type CheckoutSessionEvent struct {
	ID           string            `json:"id"`
	Mode         string            `json:"mode"`
	Customer     string            `json:"customer"`
	Subscription string            `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// SubscriptionEvent is a minimal representation of a customer.subscription event.
type SubscriptionEvent struct {
	ID                string `json:"id"`
	Customer          string `json:"customer"`
	Status            string `json:"status"`
	CancelAtPeriodEnd bool   `json:"cancel_at_period_end"`
	TrialEnd          int64  `json:"trial_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Metadata map[string]string `json:"metadata"`
}

func (s *SubscriptionEvent) toSnapshot() *Snapshot {
	snap := &Snapshot{
		SubscriptionID:    s.ID,
		CustomerID:        s.Customer,
		Status:            s.Status,
		CancelAtPeriodEnd: s.CancelAtPeriodEnd,
		Metadata:          s.Metadata,
	}
	if s.TrialEnd > 0 {
		ts := time.Unix(s.TrialEnd, 0).UTC()
		snap.TrialEnd = &ts
	}
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > 0 {
			ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
			snap.CurrentPeriodEnd = &ts
			break
		}
	}
	return snap
}

// InvoiceEvent is a minimal representation of an invoice event.
type InvoiceEvent struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       struct {
		SubscriptionDetails struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

// SubscriptionID returns the linked subscription id, covering both the flat
// field older API versions use and the nested parent field newer ones use.
func (i *InvoiceEvent) SubscriptionID() string {
	if s := strings.TrimSpace(i.Subscription); s != "" {
		return s
	}
	return strings.TrimSpace(i.Parent.SubscriptionDetails.Subscription)
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("billing: encode webhook response")
	}
}
