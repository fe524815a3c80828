package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/billing"
	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
)

// HandleAdminListSubscriptions lists every subscription with tenant and bot
// identity attached.
func HandleAdminListSubscriptions(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		subs, err := st.ListSubscriptions()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if subs == nil {
			subs = []*store.SubscriptionRow{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subscriptions": subs,
			"count":         len(subs),
		})
	}
}

type adminCreateSubscriptionRequest struct {
	Tenant      string `json:"tenant"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
	BotKey      string `json:"bot_key"`
	Status      string `json:"status"`
	Days        int    `json:"days"`
}

// HandleAdminCreateSubscription creates (or resets) a subscription for a
// (tenant, bot) pair. The tenant is created when absent. With status=active
// and days>0 the subscription expires after that many days; with status=trial
// the days override the default trial length.
func HandleAdminCreateSubscription(st *store.Store, trialDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req adminCreateSubscriptionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		platform, err := store.ParsePlatform(req.Platform)
		if err != nil {
			platform = store.PlatformDiscord
		}
		status, err := entitlement.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		if strings.TrimSpace(req.Tenant) == "" || strings.TrimSpace(req.BotKey) == "" {
			writeError(w, http.StatusBadRequest, "tenant and bot_key are required")
			return
		}

		tenant, err := st.UpsertTenant(req.Tenant, platform, req.DisplayName)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		botType, err := st.GetBotType(strings.TrimSpace(req.BotKey))
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown bot key")
			return
		}

		sub, err := st.GetSubscription(tenant.ID, botType.ID)
		if err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			sub = &store.Subscription{TenantID: tenant.ID, BotTypeID: botType.ID}
		}

		now := time.Now().UTC()
		applyAdminStatus(sub, status, req.Days, trialDays, now)

		if sub.ID == 0 {
			err = st.CreateSubscription(sub)
		} else {
			err = st.SaveSubscription(sub)
		}
		if err != nil {
			log.Error().Err(err).Str("tenant", req.Tenant).Str("bot_key", req.BotKey).Msg("Admin subscription write failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, sub)
	}
}

type adminSetStatusRequest struct {
	Status string `json:"status"`
	Days   int    `json:"days"`
}

// HandleAdminSetStatus force-sets a subscription's status, bypassing the
// lifetime stickiness that automated writers honor.
func HandleAdminSetStatus(st *store.Store, trialDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sub, ok := subscriptionFromPath(w, r, st)
		if !ok {
			return
		}
		var req adminSetStatusRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		status, err := entitlement.ParseStatus(req.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid status")
			return
		}

		applyAdminStatus(sub, status, req.Days, trialDays, time.Now().UTC())
		if err := st.SaveSubscription(sub); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

// applyAdminStatus implements the console's status semantics: trial gets a
// fresh trial_until; active with days>0 gets a bounded period that cancels at
// the end; lifetime clears deadlines; canceled keeps existing deadlines so a
// paid-through grace period survives.
func applyAdminStatus(sub *store.Subscription, status entitlement.Status, days, trialDays int, now time.Time) {
	sub.Status = status
	switch status {
	case entitlement.StatusTrial:
		if days <= 0 {
			days = trialDays
		}
		until := now.Add(time.Duration(days) * 24 * time.Hour)
		sub.TrialUntil = &until
		sub.CurrentPeriodEnd = nil
		sub.CancelAtPeriodEnd = false
	case entitlement.StatusActive:
		sub.TrialUntil = nil
		if days > 0 {
			end := now.Add(time.Duration(days) * 24 * time.Hour)
			sub.CurrentPeriodEnd = &end
			sub.CancelAtPeriodEnd = true
		}
	case entitlement.StatusLifetime:
		sub.SetLifetime()
	case entitlement.StatusCanceled:
		sub.TrialUntil = nil
		sub.CancelAtPeriodEnd = false
	}
}

type adminProlongRequest struct {
	Days int `json:"days"`
}

// HandleAdminProlongTrial extends a running (or lapsed) trial. Only valid on
// subscriptions whose status is trial.
func HandleAdminProlongTrial(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sub, ok := subscriptionFromPath(w, r, st)
		if !ok {
			return
		}
		var req adminProlongRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		if sub.Status != entitlement.StatusTrial {
			writeError(w, http.StatusConflict, "subscription is not in trial")
			return
		}

		base := time.Now().UTC()
		if sub.TrialUntil != nil && sub.TrialUntil.After(base) {
			base = *sub.TrialUntil
		}
		until := base.Add(time.Duration(req.Days) * 24 * time.Hour)
		sub.TrialUntil = &until

		if err := st.SaveSubscription(sub); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, sub)
	}
}

type adminLinkRequest struct {
	ExternalSubscriptionID string `json:"external_subscription_id"`
	ExternalCustomerID     string `json:"external_customer_id"`
}

// HandleAdminLinkSubscription attaches provider identifiers to a subscription
// and immediately resyncs it from the provider when one is configured.
func HandleAdminLinkSubscription(st *store.Store, rec *billing.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sub, ok := subscriptionFromPath(w, r, st)
		if !ok {
			return
		}
		var req adminLinkRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.ExternalSubscriptionID = strings.TrimSpace(req.ExternalSubscriptionID)
		if req.ExternalSubscriptionID == "" {
			writeError(w, http.StatusBadRequest, "external_subscription_id is required")
			return
		}

		sub.ExternalSubscriptionID = req.ExternalSubscriptionID
		if v := strings.TrimSpace(req.ExternalCustomerID); v != "" {
			sub.ExternalCustomerID = v
		}
		if err := st.SaveSubscription(sub); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		if err := rec.Resync(r.Context(), sub.ExternalSubscriptionID); err != nil {
			if errors.Is(err, billing.ErrUpstreamUnavailable) {
				// Linked but not yet synced; the periodic loop will catch up.
				log.Warn().Err(err).Int64("subscription_id", sub.ID).Msg("Post-link resync deferred")
			} else {
				log.Error().Err(err).Int64("subscription_id", sub.ID).Msg("Post-link resync failed")
			}
		}

		refreshed, err := st.GetSubscriptionByID(sub.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, refreshed)
	}
}

// HandleAdminResyncSubscription forces a pull resync of one subscription.
func HandleAdminResyncSubscription(st *store.Store, rec *billing.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		sub, ok := subscriptionFromPath(w, r, st)
		if !ok {
			return
		}
		if strings.TrimSpace(sub.ExternalSubscriptionID) == "" {
			writeError(w, http.StatusConflict, "no linked provider subscription")
			return
		}
		if err := rec.Resync(r.Context(), sub.ExternalSubscriptionID); err != nil {
			if errors.Is(err, billing.ErrUpstreamUnavailable) {
				writeError(w, http.StatusBadGateway, "billing provider unavailable")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		refreshed, err := st.GetSubscriptionByID(sub.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, refreshed)
	}
}

// HandleAdminDeleteSubscription removes a subscription row. Trial locks are
// untouched: deleting the subscription does not re-arm the free trial.
func HandleAdminDeleteSubscription(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := idFromPath(w, r)
		if !ok {
			return
		}
		if err := st.DeleteSubscription(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// HandleAdminListTrialLocks lists the trial lock ledger.
func HandleAdminListTrialLocks(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		locks, err := st.ListTrialLocks()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		if locks == nil {
			locks = []*store.TrialLock{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"trial_locks": locks,
			"count":       len(locks),
		})
	}
}

// HandleAdminReleaseTrialLock deletes one lock row, re-arming the free trial
// for that user. This is the only writer that ever removes a lock.
func HandleAdminReleaseTrialLock(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := idFromPath(w, r)
		if !ok {
			return
		}
		if err := st.ReleaseTrialLock(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "released"})
	}
}

type adminCreateTaskRequest struct {
	Tenant     string `json:"tenant"`
	Platform   string `json:"platform"`
	BotKey     string `json:"bot_key"`
	TaskType   string `json:"task_type"`
	TaskParam  string `json:"task_param"`
	Frequency  string `json:"frequency"`
	DayOfWeek  string `json:"day_of_week"`
	TimeOfDay  string `json:"time_of_day"`
	ChannelRef string `json:"channel_ref"`
}

// HandleAdminCreateTask creates a scheduled task for a tenant.
func HandleAdminCreateTask(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		var req adminCreateTaskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		platform, err := store.ParsePlatform(req.Platform)
		if err != nil {
			platform = store.PlatformDiscord
		}
		if strings.TrimSpace(req.Tenant) == "" || strings.TrimSpace(req.BotKey) == "" ||
			strings.TrimSpace(req.TaskType) == "" || strings.TrimSpace(req.TimeOfDay) == "" {
			writeError(w, http.StatusBadRequest, "tenant, bot_key, task_type and time_of_day are required")
			return
		}

		tenant, err := st.FindTenant(req.Tenant, platform)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown tenant")
			return
		}
		if _, err := st.GetBotType(strings.TrimSpace(req.BotKey)); err != nil {
			writeError(w, http.StatusNotFound, "unknown bot key")
			return
		}

		task := &store.ScheduledTask{
			TenantID:   tenant.ID,
			BotTypeKey: strings.TrimSpace(req.BotKey),
			TaskType:   strings.TrimSpace(req.TaskType),
			TaskParam:  strings.TrimSpace(req.TaskParam),
			Frequency:  strings.TrimSpace(req.Frequency),
			DayOfWeek:  strings.TrimSpace(req.DayOfWeek),
			TimeOfDay:  strings.TrimSpace(req.TimeOfDay),
			ChannelRef: strings.TrimSpace(req.ChannelRef),
		}
		if err := st.CreateTask(task); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusCreated, task)
	}
}

// HandleAdminDeleteTask deletes a scheduled task.
func HandleAdminDeleteTask(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		id, ok := idFromPath(w, r)
		if !ok {
			return
		}
		if err := st.DeleteTask(id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

type adminUpsertTenantRequest struct {
	ExternalID  string `json:"external_id"`
	Platform    string `json:"platform"`
	DisplayName string `json:"display_name"`
}

// HandleAdminTenants lists tenants or registers one.
func HandleAdminTenants(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			tenants, err := st.ListTenants()
			if err != nil {
				writeError(w, http.StatusInternalServerError, "internal error")
				return
			}
			if tenants == nil {
				tenants = []*store.Tenant{}
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"tenants": tenants,
				"count":   len(tenants),
			})
		case http.MethodPost:
			var req adminUpsertTenantRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeError(w, http.StatusBadRequest, "invalid request body")
				return
			}
			platform, err := store.ParsePlatform(req.Platform)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid platform")
				return
			}
			tenant, err := st.UpsertTenant(req.ExternalID, platform, strings.TrimSpace(req.DisplayName))
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid tenant")
				return
			}
			writeJSON(w, http.StatusCreated, tenant)
		default:
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	}
}

func idFromPath(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func subscriptionFromPath(w http.ResponseWriter, r *http.Request, st *store.Store) (*store.Subscription, bool) {
	id, ok := idFromPath(w, r)
	if !ok {
		return nil, false
	}
	sub, err := st.GetSubscriptionByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "internal error")
		return nil, false
	}
	return sub, true
}
