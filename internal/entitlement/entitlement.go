// Package entitlement holds the canonical subscription state machine and the
// pure evaluation rules that decide whether a tenant may use a bot. It has no
// I/O; the store persists Status values and the panel evaluates them against
// wall-clock time.
package entitlement

import (
	"fmt"
	"strings"
	"time"
)

// Status is the canonical subscription state.
type Status string

const (
	StatusTrial    Status = "trial"
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusLifetime Status = "lifetime"
)

// ParseStatus validates a raw status string.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusTrial, StatusActive, StatusCanceled, StatusLifetime:
		return s, nil
	default:
		return "", fmt.Errorf("unknown subscription status %q", raw)
	}
}

// CanAutoTransition reports whether automated processes (webhook apply, pull
// reconciliation) may change a subscription in the given state. Lifetime is a
// sink state reserved for explicit admin action.
func CanAutoTransition(from Status) bool {
	return from != StatusLifetime
}

// FromProviderStatus translates the payment provider's status vocabulary into
// the canonical four-state model. Unknown statuses map to canceled: an
// unrecognized provider state must never grant access.
func FromProviderStatus(providerStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(providerStatus)) {
	case "active", "trialing", "past_due":
		return StatusActive
	default:
		// canceled, unpaid, incomplete_expired, and anything new.
		return StatusCanceled
	}
}

// Entitled evaluates the access rule for a subscription row at the given
// instant. It is a pure function of its inputs.
//
// An "active" row is honored even when currentPeriodEnd looks stale ("trust
// mode"): a missed cancellation webhook is corrected by reconciliation, not by
// the read path. A "canceled" row keeps access while currentPeriodEnd lies in
// the future (paid through end of period).
func Entitled(status Status, trialUntil, currentPeriodEnd *time.Time, now time.Time) bool {
	switch status {
	case StatusLifetime:
		return true
	case StatusActive:
		return true
	case StatusTrial:
		return trialUntil != nil && trialUntil.After(now)
	case StatusCanceled:
		return currentPeriodEnd != nil && currentPeriodEnd.After(now)
	default:
		return false
	}
}
