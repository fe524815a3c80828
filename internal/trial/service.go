// Package trial enforces the one-free-trial-ever-per-person policy and issues
// trial subscriptions.
package trial

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
)

var (
	// ErrAlreadyClaimed: the end user has consumed their free trial, on any
	// tenant and any bot, at any point in the past.
	ErrAlreadyClaimed = errors.New("free trial already claimed")
	// ErrTenantOrBotUnknown: the tenant/bot pair does not resolve to records.
	ErrTenantOrBotUnknown = errors.New("tenant or bot type unknown")
	// ErrAlreadyEntitled: the target subscription is active or lifetime.
	ErrAlreadyEntitled = errors.New("subscription already entitled")
	// ErrTrialAlreadyRunning: an unexpired trial exists for the pair.
	ErrTrialAlreadyRunning = errors.New("trial already running")
)

// Service issues trials against the entitlement store.
type Service struct {
	store *store.Store
	now   func() time.Time
}

// NewService creates a trial service.
func NewService(st *store.Store) *Service {
	return &Service{
		store: st,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Start issues a free trial of the given length for (tenant, bot) on behalf
// of endUserID. Preconditions are checked in order; the first failure wins.
// The subscription write and the lock append happen in one transaction.
func (s *Service) Start(ctx context.Context, endUserID, tenantExternalID string, platform store.Platform, botKey string, length time.Duration) (*store.Subscription, error) {
	if endUserID == "" {
		return nil, fmt.Errorf("end user id is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	claimed, err := s.store.AnyTrialLockForUser(endUserID)
	if err != nil {
		return nil, fmt.Errorf("check trial lock: %w", err)
	}
	if claimed {
		return nil, ErrAlreadyClaimed
	}

	tenant, err := s.store.FindTenant(tenantExternalID, platform)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTenantOrBotUnknown
		}
		return nil, fmt.Errorf("resolve tenant: %w", err)
	}
	botType, err := s.store.GetBotType(botKey)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrTenantOrBotUnknown
		}
		return nil, fmt.Errorf("resolve bot type: %w", err)
	}

	now := s.now()
	sub, err := s.store.GetSubscription(tenant.ID, botType.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("load subscription: %w", err)
	}
	if sub != nil {
		switch sub.Status {
		case entitlement.StatusActive, entitlement.StatusLifetime:
			return nil, ErrAlreadyEntitled
		case entitlement.StatusTrial:
			if sub.TrialUntil != nil && sub.TrialUntil.After(now) {
				return nil, ErrTrialAlreadyRunning
			}
		}
	} else {
		sub = &store.Subscription{TenantID: tenant.ID, BotTypeID: botType.ID}
	}

	until := now.Add(length)
	sub.TrialUntil = &until
	lock := &store.TrialLock{
		EndUserID:        endUserID,
		BotTypeKey:       botKey,
		TenantExternalID: tenantExternalID,
		ExpiresAt:        until,
	}
	if err := s.store.StartTrialTxn(sub, lock); err != nil {
		return nil, fmt.Errorf("start trial: %w", err)
	}

	log.Info().
		Str("end_user_id", endUserID).
		Str("tenant", tenantExternalID).
		Str("bot_key", botKey).
		Time("trial_until", until).
		Msg("Trial started")
	return sub, nil
}
