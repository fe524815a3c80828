// Package billing reconciles the local subscription store against the billing
// provider, via pushed webhook events and a periodic pull resync.
package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	stripelib "github.com/stripe/stripe-go/v82"
	stripesub "github.com/stripe/stripe-go/v82/subscription"
)

// ErrUpstreamUnavailable indicates the billing provider could not be reached
// or refused the request. Stored state is left untouched when this happens.
var ErrUpstreamUnavailable = errors.New("billing provider unavailable")

// Snapshot is the provider-neutral view of a remote subscription used by the
// reconciler. Nil timestamps mean the provider did not report a value.
type Snapshot struct {
	SubscriptionID    string
	CustomerID        string
	Status            string
	CancelAtPeriodEnd bool
	CurrentPeriodEnd  *time.Time
	TrialEnd          *time.Time
	Metadata          map[string]string
}

// Provider fetches the authoritative subscription record from the billing
// provider during pull resync.
type Provider interface {
	FetchSubscription(ctx context.Context, externalID string) (*Snapshot, error)
}

const providerFetchTimeout = 15 * time.Second

// StripeProvider fetches subscriptions from the Stripe API.
type StripeProvider struct {
	apiKey string

	getSubscription func(id string, params *stripelib.SubscriptionParams) (*stripelib.Subscription, error)
}

// NewStripeProvider creates a Stripe-backed Provider.
func NewStripeProvider(apiKey string) *StripeProvider {
	return &StripeProvider{
		apiKey:          strings.TrimSpace(apiKey),
		getSubscription: stripesub.Get,
	}
}

// FetchSubscription retrieves one subscription from Stripe.
func (p *StripeProvider) FetchSubscription(ctx context.Context, externalID string) (*Snapshot, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("%w: api key not configured", ErrUpstreamUnavailable)
	}
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("external subscription id is required")
	}

	stripelib.Key = p.apiKey
	ctx, cancel := context.WithTimeout(ctx, providerFetchTimeout)
	defer cancel()

	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := p.getSubscription(externalID, params)
	if err != nil {
		var stripeErr *stripelib.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode == 404 {
			// A deleted subscription is a definitive answer, not an outage.
			return &Snapshot{SubscriptionID: externalID, Status: "canceled"}, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	if sub == nil {
		return nil, fmt.Errorf("%w: empty response", ErrUpstreamUnavailable)
	}
	return snapshotFromStripe(sub), nil
}

func snapshotFromStripe(sub *stripelib.Subscription) *Snapshot {
	snap := &Snapshot{
		SubscriptionID:    sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		Metadata:          sub.Metadata,
	}
	if sub.Customer != nil {
		snap.CustomerID = sub.Customer.ID
	}
	if sub.TrialEnd > 0 {
		ts := time.Unix(sub.TrialEnd, 0).UTC()
		snap.TrialEnd = &ts
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item != nil && item.CurrentPeriodEnd > 0 {
				ts := time.Unix(item.CurrentPeriodEnd, 0).UTC()
				snap.CurrentPeriodEnd = &ts
				break
			}
		}
	}
	return snap
}
