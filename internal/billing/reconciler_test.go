package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.SeedBotTypes(store.DefaultBotCatalog); err != nil {
		t.Fatalf("SeedBotTypes: %v", err)
	}
	return st
}

func identityMetadata(tenant, botKey string) map[string]string {
	return map[string]string{
		MetaTenantExternalID: tenant,
		MetaPlatform:         "discord",
		MetaBotKey:           botKey,
	}
}

func TestApplyCreatesSubscriptionFromMetadata(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID:   "sub_1",
		CustomerID:       "cus_1",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
		Metadata:         identityMetadata("guild-1", "homer"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sub, err := st.FindSubscriptionByExternalID("sub_1")
	if err != nil {
		t.Fatalf("FindSubscriptionByExternalID: %v", err)
	}
	if sub.Status != entitlement.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("current_period_end = %v, want %v", sub.CurrentPeriodEnd, periodEnd)
	}
	if sub.ExternalCustomerID != "cus_1" {
		t.Errorf("external_customer_id = %q", sub.ExternalCustomerID)
	}
}

func TestApplyIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	snap := &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "active",
		Metadata:       identityMetadata("guild-1", "homer"),
	}
	for i := 0; i < 3; i++ {
		if err := rec.Apply(context.Background(), snap); err != nil {
			t.Fatalf("Apply #%d: %v", i+1, err)
		}
	}

	subs, err := st.ListSubscriptions()
	if err != nil {
		t.Fatalf("ListSubscriptions: %v", err)
	}
	if len(subs) != 1 {
		t.Fatalf("got %d subscriptions after replays, want 1", len(subs))
	}
	if subs[0].Status != entitlement.StatusActive {
		t.Errorf("status = %s, want active", subs[0].Status)
	}
}

func TestApplyLastWriterWins(t *testing.T) {
	// Out-of-order delivery: whatever arrives last sticks; the pull resync
	// is the mechanism that repairs it, not event ordering.
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	cancelEvent := &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "canceled",
		Metadata:       identityMetadata("guild-1", "homer"),
	}
	activeEvent := &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "active",
		Metadata:       identityMetadata("guild-1", "homer"),
	}

	if err := rec.Apply(context.Background(), cancelEvent); err != nil {
		t.Fatalf("Apply cancel: %v", err)
	}
	if err := rec.Apply(context.Background(), activeEvent); err != nil {
		t.Fatalf("Apply active: %v", err)
	}

	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusActive {
		t.Errorf("status = %s, want active (last writer)", sub.Status)
	}

	if err := rec.Apply(context.Background(), cancelEvent); err != nil {
		t.Fatalf("Apply cancel again: %v", err)
	}
	sub, _ = st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusCanceled {
		t.Errorf("status = %s, want canceled (last writer)", sub.Status)
	}
}

func TestApplyNeverTouchesLifetime(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	tenant, _ := st.UpsertTenant("guild-1", store.PlatformDiscord, "")
	bot, _ := st.GetBotType("homer")
	sub := &store.Subscription{
		TenantID:               tenant.ID,
		BotTypeID:              bot.ID,
		Status:                 entitlement.StatusLifetime,
		ExternalSubscriptionID: "sub_1",
	}
	if err := st.CreateSubscription(sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "canceled",
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := st.GetSubscriptionByID(sub.ID)
	if got.Status != entitlement.StatusLifetime {
		t.Errorf("status = %s, lifetime must be sticky", got.Status)
	}
}

func TestApplyFailsClosedOnUnknownStatus(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "some_future_provider_state",
		Metadata:       identityMetadata("guild-1", "homer"),
	})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusCanceled {
		t.Errorf("status = %s, unknown provider status must map to canceled", sub.Status)
	}
}

func TestApplyPreservesTimestampsWhenAbsent(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	periodEnd := time.Now().UTC().Add(30 * 24 * time.Hour).Truncate(time.Second)
	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID:   "sub_1",
		Status:           "active",
		CurrentPeriodEnd: &periodEnd,
		Metadata:         identityMetadata("guild-1", "homer"),
	}); err != nil {
		t.Fatalf("Apply with period end: %v", err)
	}

	// A sparse follow-up event (no timestamps) must not erase the deadline.
	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "canceled",
	}); err != nil {
		t.Fatalf("Apply sparse: %v", err)
	}

	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusCanceled {
		t.Errorf("status = %s, want canceled", sub.Status)
	}
	if sub.CurrentPeriodEnd == nil || !sub.CurrentPeriodEnd.Equal(periodEnd) {
		t.Errorf("current_period_end = %v, want preserved %v", sub.CurrentPeriodEnd, periodEnd)
	}
}

func TestApplyDropsUnresolvableSnapshot(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	// No linked row, no metadata: dropped without error so the provider
	// does not retry forever.
	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_orphan",
		Status:         "active",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := st.FindSubscriptionByExternalID("sub_orphan"); !errors.Is(err, store.ErrNotFound) {
		t.Error("orphan snapshot must not create a subscription")
	}
}

type fakeProvider struct {
	snapshots map[string]*Snapshot
	err       error
	calls     int
}

func (f *fakeProvider) FetchSubscription(ctx context.Context, externalID string) (*Snapshot, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap, ok := f.snapshots[externalID]
	if !ok {
		return nil, ErrUpstreamUnavailable
	}
	return snap, nil
}

func TestResyncAppliesProviderState(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{snapshots: map[string]*Snapshot{
		"sub_1": {SubscriptionID: "sub_1", Status: "canceled"},
	}}
	rec := NewReconciler(st, provider, time.Hour)

	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "active",
		Metadata:       identityMetadata("guild-1", "homer"),
	}); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	if err := rec.Resync(context.Background(), "sub_1"); err != nil {
		t.Fatalf("Resync: %v", err)
	}
	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusCanceled {
		t.Errorf("status = %s, want canceled after resync", sub.Status)
	}
}

func TestResyncUpstreamFailureLeavesStateUntouched(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{err: ErrUpstreamUnavailable}
	rec := NewReconciler(st, provider, time.Hour)

	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "active",
		Metadata:       identityMetadata("guild-1", "homer"),
	}); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	err := rec.Resync(context.Background(), "sub_1")
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want ErrUpstreamUnavailable", err)
	}
	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusActive {
		t.Errorf("status = %s, upstream failure must not change stored state", sub.Status)
	}
}

func TestApplyClearsTrialDeadlineOnStatusChange(t *testing.T) {
	st := newTestStore(t)
	rec := NewReconciler(st, nil, 0)

	tenant, _ := st.UpsertTenant("guild-1", store.PlatformDiscord, "")
	bot, _ := st.GetBotType("homer")
	until := time.Now().UTC().Add(3 * 24 * time.Hour)
	sub := &store.Subscription{
		TenantID:               tenant.ID,
		BotTypeID:              bot.ID,
		Status:                 entitlement.StatusTrial,
		TrialUntil:             &until,
		ExternalSubscriptionID: "sub_1",
	}
	if err := st.CreateSubscription(sub); err != nil {
		t.Fatalf("CreateSubscription: %v", err)
	}

	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "canceled",
	}); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	got, _ := st.GetSubscriptionByID(sub.ID)
	if got.Status != entitlement.StatusCanceled {
		t.Errorf("status = %s, want canceled", got.Status)
	}
	if got.TrialUntil != nil {
		t.Errorf("trial_until = %v, a status change out of trial must clear it", got.TrialUntil)
	}
}

func TestResyncLoopLeavesRunningTrialAlone(t *testing.T) {
	// A trial that rewrites a lapsed paid subscription keeps the old
	// provider link. The backstop loop must not refetch that link and
	// revoke the trial with the provider's canceled record.
	st := newTestStore(t)
	provider := &fakeProvider{snapshots: map[string]*Snapshot{
		"sub_old": {SubscriptionID: "sub_old", Status: "canceled"},
	}}
	rec := NewReconciler(st, provider, time.Hour)

	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_old",
		Status:         "canceled",
		Metadata:       identityMetadata("guild-1", "homer"),
	}); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	sub, err := st.FindSubscriptionByExternalID("sub_old")
	if err != nil {
		t.Fatalf("FindSubscriptionByExternalID: %v", err)
	}
	until := time.Now().UTC().Add(5 * 24 * time.Hour)
	sub.TrialUntil = &until
	lock := &store.TrialLock{EndUserID: "user-1", BotTypeKey: "homer", TenantExternalID: "guild-1", ExpiresAt: until}
	if err := st.StartTrialTxn(sub, lock); err != nil {
		t.Fatalf("StartTrialTxn: %v", err)
	}

	rec.resyncAll(context.Background())

	got, _ := st.GetSubscriptionByID(sub.ID)
	if got.Status != entitlement.StatusTrial {
		t.Errorf("status = %s, the resync loop revoked a running trial", got.Status)
	}
	if got.TrialUntil == nil || !got.TrialUntil.After(time.Now()) {
		t.Errorf("trial_until = %v, want future deadline", got.TrialUntil)
	}
	if provider.calls != 0 {
		t.Errorf("provider fetched %d times, want 0 for non-active rows", provider.calls)
	}
}

func TestResyncPair(t *testing.T) {
	st := newTestStore(t)
	provider := &fakeProvider{snapshots: map[string]*Snapshot{
		"sub_1": {SubscriptionID: "sub_1", Status: "active"},
	}}
	rec := NewReconciler(st, provider, time.Hour)

	if err := rec.Apply(context.Background(), &Snapshot{
		SubscriptionID: "sub_1",
		Status:         "canceled",
		Metadata:       identityMetadata("guild-1", "homer"),
	}); err != nil {
		t.Fatalf("seed Apply: %v", err)
	}

	if err := rec.ResyncPair(context.Background(), "guild-1", store.PlatformDiscord, "homer"); err != nil {
		t.Fatalf("ResyncPair: %v", err)
	}
	sub, _ := st.FindSubscriptionByExternalID("sub_1")
	if sub.Status != entitlement.StatusActive {
		t.Errorf("status = %s, want active", sub.Status)
	}
}
