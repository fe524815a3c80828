package store

import (
	"fmt"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
)

// Platform identifies where a tenant lives.
type Platform string

const (
	PlatformDiscord Platform = "discord"
	PlatformTwitch  Platform = "twitch"
)

// ParsePlatform validates a raw platform string.
func ParsePlatform(raw string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(raw)))
	switch p {
	case PlatformDiscord, PlatformTwitch:
		return p, nil
	default:
		return "", fmt.Errorf("unknown platform %q", raw)
	}
}

// Tenant is a Discord guild or Twitch channel that can hold independent
// subscriptions per bot persona.
type Tenant struct {
	ID          int64     `json:"id"`
	ExternalID  string    `json:"external_id"`
	Platform    Platform  `json:"platform"`
	DisplayName string    `json:"display_name"`
	CreatedAt   time.Time `json:"created_at"`
}

// BotType is a catalog entry for one chat-bot persona.
type BotType struct {
	ID          int64  `json:"id"`
	Key         string `json:"key"`
	DisplayName string `json:"display_name"`
}

// DefaultBotCatalog seeds the bot_types table on first startup.
var DefaultBotCatalog = []BotType{
	{Key: "homer", DisplayName: "Homer"},
	{Key: "cartman", DisplayName: "Cartman"},
	{Key: "deadpool", DisplayName: "Deadpool"},
	{Key: "yoda", DisplayName: "Yoda"},
}

// Subscription is the entitlement record for one (tenant, bot type) pair.
type Subscription struct {
	ID                     int64              `json:"id"`
	TenantID               int64              `json:"tenant_id"`
	BotTypeID              int64              `json:"bot_type_id"`
	Status                 entitlement.Status `json:"status"`
	TrialUntil             *time.Time         `json:"trial_until,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	ExternalSubscriptionID string             `json:"external_subscription_id,omitempty"`
	ExternalCustomerID     string             `json:"external_customer_id,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SetLifetime marks the subscription as a permanent entitlement. Deadlines
// and the cancellation flag are cleared since they no longer apply.
func (s *Subscription) SetLifetime() {
	s.Status = entitlement.StatusLifetime
	s.TrialUntil = nil
	s.CurrentPeriodEnd = nil
	s.CancelAtPeriodEnd = false
}

// SubscriptionRow is a subscription joined with its tenant and bot identity,
// as served to the allow-list query and the admin listing.
type SubscriptionRow struct {
	Subscription
	TenantExternalID  string   `json:"tenant_external_id"`
	TenantPlatform    Platform `json:"tenant_platform"`
	TenantDisplayName string   `json:"tenant_display_name"`
	BotKey            string   `json:"bot_key"`
}

// TrialLock permanently disqualifies an end user from starting a second free
// trial. Rows are append-only; expiry of the trial does not expire the lock.
type TrialLock struct {
	ID               int64     `json:"id"`
	EndUserID        string    `json:"end_user_id"`
	BotTypeKey       string    `json:"bot_type_key"`
	TenantExternalID string    `json:"tenant_external_id"`
	ExpiresAt        time.Time `json:"expires_at"`
	CreatedAt        time.Time `json:"created_at"`
}

// ScheduledTask is an admin-created recurring action consumed by bot agents.
// Entitlement is checked at delivery time, not here.
type ScheduledTask struct {
	ID         int64     `json:"id"`
	TenantID   int64     `json:"tenant_id"`
	BotTypeKey string    `json:"bot_type_key"`
	TaskType   string    `json:"task_type"`
	TaskParam  string    `json:"task_param,omitempty"`
	Frequency  string    `json:"frequency"`
	DayOfWeek  string    `json:"day_of_week,omitempty"`
	TimeOfDay  string    `json:"time_of_day"`
	ChannelRef string    `json:"channel_ref"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

// TaskRow is a scheduled task joined with its tenant identity.
type TaskRow struct {
	ScheduledTask
	TenantExternalID string   `json:"tenant_external_id"`
	TenantPlatform   Platform `json:"tenant_platform"`
}

func nullableTimeUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}
