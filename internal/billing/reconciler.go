package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/panel/panelmetrics"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
)

// Metadata keys the checkout flow stamps onto provider objects so that
// webhook events and resync results can be tied back to a tenant/bot pair.
const (
	MetaTenantExternalID = "tenant_external_id"
	MetaPlatform         = "platform"
	MetaBotKey           = "bot_key"
)

// Reconciler applies provider subscription snapshots to the local store.
// Apply is idempotent and last-writer-wins: replaying the same snapshot, or
// receiving snapshots out of order, converges to whatever arrived last, and
// the periodic pull resync repairs any divergence that leaves behind.
type Reconciler struct {
	store    *store.Store
	provider Provider
	interval time.Duration
}

// NewReconciler creates a Reconciler. provider may be nil, which disables
// pull resync but leaves webhook apply working.
func NewReconciler(st *store.Store, provider Provider, interval time.Duration) *Reconciler {
	return &Reconciler{store: st, provider: provider, interval: interval}
}

// Apply folds one provider snapshot into the store.
//
// Resolution order: by linked external subscription id first, then by the
// identity metadata stamped at checkout (creating the tenant and subscription
// row when needed). A snapshot that resolves to neither is logged and
// dropped; provider retries and resync make that safe.
func (r *Reconciler) Apply(ctx context.Context, snap *Snapshot) error {
	if snap == nil || strings.TrimSpace(snap.SubscriptionID) == "" {
		return fmt.Errorf("snapshot subscription id is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	sub, err := r.store.FindSubscriptionByExternalID(snap.SubscriptionID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("resolve subscription: %w", err)
	}
	if sub == nil {
		sub, err = r.resolveByMetadata(snap)
		if err != nil {
			return err
		}
	}
	if sub == nil {
		log.Warn().
			Str("external_subscription_id", snap.SubscriptionID).
			Str("provider_status", snap.Status).
			Msg("Billing event did not resolve to a subscription, dropping")
		return nil
	}

	// Lifetime is a sink state: automated billing traffic never moves a
	// subscription out of it.
	if !entitlement.CanAutoTransition(sub.Status) {
		log.Debug().
			Int64("subscription_id", sub.ID).
			Str("provider_status", snap.Status).
			Msg("Ignoring billing event for lifetime subscription")
		return nil
	}

	sub.Status = entitlement.FromProviderStatus(snap.Status)
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	sub.ExternalSubscriptionID = snap.SubscriptionID
	if snap.CustomerID != "" {
		sub.ExternalCustomerID = snap.CustomerID
	}
	// Billing traffic never yields a trial status, so the trial deadline
	// follows the snapshot outright and is cleared when absent. The period
	// end keeps its stored value on a sparse event so a grace window
	// survives.
	sub.TrialUntil = snap.TrialEnd
	if snap.CurrentPeriodEnd != nil {
		sub.CurrentPeriodEnd = snap.CurrentPeriodEnd
	}

	if sub.ID == 0 {
		if err := r.store.CreateSubscription(sub); err != nil {
			return fmt.Errorf("create subscription from billing event: %w", err)
		}
	} else if err := r.store.SaveSubscription(sub); err != nil {
		return fmt.Errorf("save subscription from billing event: %w", err)
	}

	log.Info().
		Int64("subscription_id", sub.ID).
		Str("external_subscription_id", snap.SubscriptionID).
		Str("provider_status", snap.Status).
		Str("status", string(sub.Status)).
		Bool("cancel_at_period_end", sub.CancelAtPeriodEnd).
		Msg("Billing snapshot applied")
	return nil
}

func (r *Reconciler) resolveByMetadata(snap *Snapshot) (*store.Subscription, error) {
	externalID := strings.TrimSpace(snap.Metadata[MetaTenantExternalID])
	botKey := strings.TrimSpace(snap.Metadata[MetaBotKey])
	if externalID == "" || botKey == "" {
		return nil, nil
	}
	platform, err := store.ParsePlatform(snap.Metadata[MetaPlatform])
	if err != nil {
		return nil, nil
	}

	tenant, err := r.store.UpsertTenant(externalID, platform, "")
	if err != nil {
		return nil, fmt.Errorf("upsert tenant from billing metadata: %w", err)
	}
	botType, err := r.store.GetBotType(botKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("resolve bot type from billing metadata: %w", err)
	}

	sub, err := r.store.GetSubscription(tenant.ID, botType.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &store.Subscription{TenantID: tenant.ID, BotTypeID: botType.ID}, nil
		}
		return nil, fmt.Errorf("load subscription by billing metadata: %w", err)
	}
	return sub, nil
}

// Resync pulls the authoritative record for one linked subscription from the
// provider and applies it. Upstream failures leave stored state untouched.
func (r *Reconciler) Resync(ctx context.Context, externalID string) error {
	if r.provider == nil {
		return fmt.Errorf("%w: no provider configured", ErrUpstreamUnavailable)
	}
	snap, err := r.provider.FetchSubscription(ctx, externalID)
	if err != nil {
		panelmetrics.ResyncTotal.WithLabelValues("fetch_error").Inc()
		return err
	}
	if err := r.Apply(ctx, snap); err != nil {
		panelmetrics.ResyncTotal.WithLabelValues("apply_error").Inc()
		return err
	}
	panelmetrics.ResyncTotal.WithLabelValues("ok").Inc()
	return nil
}

// ResyncPair resyncs the subscription for a (tenant, bot key) pair. It is
// the admin-facing variant of Resync and fails when the pair has no linked
// provider subscription.
func (r *Reconciler) ResyncPair(ctx context.Context, tenantExternalID string, platform store.Platform, botKey string) error {
	tenant, err := r.store.FindTenant(tenantExternalID, platform)
	if err != nil {
		return fmt.Errorf("resolve tenant: %w", err)
	}
	botType, err := r.store.GetBotType(botKey)
	if err != nil {
		return fmt.Errorf("resolve bot type: %w", err)
	}
	sub, err := r.store.GetSubscription(tenant.ID, botType.ID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}
	if strings.TrimSpace(sub.ExternalSubscriptionID) == "" {
		return fmt.Errorf("subscription %d has no linked provider subscription", sub.ID)
	}
	return r.Resync(ctx, sub.ExternalSubscriptionID)
}

// Run starts the periodic pull-resync loop. It blocks until ctx is cancelled.
// Every linked subscription is refetched each interval; webhook delivery is
// the fast path and this loop is the convergence backstop.
func (r *Reconciler) Run(ctx context.Context) {
	if r.provider == nil || r.interval <= 0 {
		log.Info().Msg("Billing resync loop disabled")
		return
	}
	log.Info().Dur("interval", r.interval).Msg("Billing resync loop started")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Billing resync loop stopped")
			return
		case <-ticker.C:
			r.resyncAll(ctx)
		}
	}
}

func (r *Reconciler) resyncAll(ctx context.Context) {
	subs, err := r.store.ListSubscriptions()
	if err != nil {
		log.Error().Err(err).Msg("Billing resync: failed to list subscriptions")
		return
	}

	for _, sub := range subs {
		if ctx.Err() != nil {
			return
		}
		if sub == nil || strings.TrimSpace(sub.ExternalSubscriptionID) == "" {
			continue
		}
		// Only rows the provider currently governs are refetched. A trial
		// that rewrote a lapsed paid subscription keeps the old provider
		// link; refetching it would overwrite the running trial with the
		// provider's canceled record.
		if sub.Status != entitlement.StatusActive {
			continue
		}
		if err := r.Resync(ctx, sub.ExternalSubscriptionID); err != nil {
			log.Warn().Err(err).
				Int64("subscription_id", sub.ID).
				Str("external_subscription_id", sub.ExternalSubscriptionID).
				Msg("Billing resync failed for subscription")
		}
	}
}
