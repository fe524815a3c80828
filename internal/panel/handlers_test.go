package panel

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/persona-labs/botpanel/internal/billing"
	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/persona-labs/botpanel/internal/trial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDeps(t *testing.T) *Deps {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	require.NoError(t, st.SeedBotTypes(store.DefaultBotCatalog))

	return &Deps{
		Config: &Config{
			APIToken:          "bot-token",
			AdminKey:          "admin-key",
			TrialDays:         5,
			ReconcileInterval: time.Hour,
		},
		Store:      st,
		Trials:     trial.NewService(st),
		Reconciler: billing.NewReconciler(st, nil, 0),
		Version:    "test",
	}
}

func newTestServer(t *testing.T) (*httptest.Server, *Deps) {
	t.Helper()
	deps := newTestDeps(t)
	mux := http.NewServeMux()
	RegisterRoutes(mux, deps)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, deps
}

func seedSubscription(t *testing.T, st *store.Store, externalID string, platform store.Platform, botKey string, status entitlement.Status, trialUntil, periodEnd *time.Time) *store.Subscription {
	t.Helper()
	tenant, err := st.UpsertTenant(externalID, platform, "")
	require.NoError(t, err)
	bot, err := st.GetBotType(botKey)
	require.NoError(t, err)
	sub := &store.Subscription{
		TenantID:         tenant.ID,
		BotTypeID:        bot.ID,
		Status:           status,
		TrialUntil:       trialUntil,
		CurrentPeriodEnd: periodEnd,
	}
	require.NoError(t, st.CreateSubscription(sub))
	return sub
}

func TestBotConfigRequiresToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/bot/config/homer")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/bot/config/homer", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)
}

func TestBotConfigPartitionsPlatforms(t *testing.T) {
	srv, deps := newTestServer(t)

	future := time.Now().UTC().Add(time.Hour)
	past := time.Now().UTC().Add(-time.Hour)
	seedSubscription(t, deps.Store, "guild-active", store.PlatformDiscord, "homer", entitlement.StatusActive, nil, nil)
	seedSubscription(t, deps.Store, "guild-trial", store.PlatformDiscord, "homer", entitlement.StatusTrial, &future, nil)
	seedSubscription(t, deps.Store, "guild-expired-trial", store.PlatformDiscord, "homer", entitlement.StatusTrial, &past, nil)
	seedSubscription(t, deps.Store, "guild-grace", store.PlatformDiscord, "homer", entitlement.StatusCanceled, nil, &future)
	seedSubscription(t, deps.Store, "guild-lapsed", store.PlatformDiscord, "homer", entitlement.StatusCanceled, nil, &past)
	seedSubscription(t, deps.Store, "streamer", store.PlatformTwitch, "homer", entitlement.StatusLifetime, nil, nil)
	// Entitled on a different bot: must not leak into homer's list.
	seedSubscription(t, deps.Store, "guild-other-bot", store.PlatformDiscord, "yoda", entitlement.StatusActive, nil, nil)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/bot/config/homer", nil)
	req.Header.Set("Authorization", "Bearer bot-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body botConfigResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "homer", body.BotKey)
	assert.ElementsMatch(t, []string{"guild-active", "guild-trial", "guild-grace"}, body.AllowedGuildIDs)
	assert.ElementsMatch(t, []string{"streamer"}, body.AllowedTwitchChannels)
}

func TestBotConfigAcceptsQueryToken(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/bot/config/homer?token=bot-token")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBotConfigUnknownBotKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/bot/config/nope", nil)
	req.Header.Set("Authorization", "Bearer bot-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBotTasksServedWithTenantIdentity(t *testing.T) {
	srv, deps := newTestServer(t)

	tenant, err := deps.Store.UpsertTenant("guild-1", store.PlatformDiscord, "")
	require.NoError(t, err)
	require.NoError(t, deps.Store.CreateTask(&store.ScheduledTask{
		TenantID:   tenant.ID,
		BotTypeKey: "homer",
		TaskType:   "joke",
		TimeOfDay:  "18:00",
		DayOfWeek:  "Friday",
		ChannelRef: "general",
	}))

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/bot/tasks/homer", nil)
	req.Header.Set("Authorization", "Bearer bot-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		BotKey string            `json:"bot_key"`
		Tasks  []botTaskResponse `json:"tasks"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Tasks, 1)
	assert.Equal(t, "guild-1", body.Tasks[0].TenantExternalID)
	assert.Equal(t, "discord", body.Tasks[0].Platform)
	assert.Equal(t, "weekly", body.Tasks[0].Frequency)
}

func postJSON(t *testing.T, url string, headers map[string]string, payload any) *http.Response {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestTrialStartEndToEnd(t *testing.T) {
	srv, deps := newTestServer(t)
	_, err := deps.Store.UpsertTenant("guild-1", store.PlatformDiscord, "")
	require.NoError(t, err)

	resp := postJSON(t, srv.URL+"/api/trial/start", nil, map[string]string{
		"end_user_id": "user-1",
		"tenant":      "guild-1",
		"platform":    "discord",
		"bot_key":     "homer",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// Same user, anywhere: refused with a stable reason code.
	resp2 := postJSON(t, srv.URL+"/api/trial/start", nil, map[string]string{
		"end_user_id": "user-1",
		"tenant":      "guild-1",
		"platform":    "discord",
		"bot_key":     "yoda",
	})
	require.Equal(t, http.StatusConflict, resp2.StatusCode)
	var errBody map[string]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&errBody))
	assert.Equal(t, "trial_already_claimed", errBody["error"])
}

func TestTrialStartErrorStatusCodes(t *testing.T) {
	srv, deps := newTestServer(t)
	_, err := deps.Store.UpsertTenant("guild-1", store.PlatformDiscord, "")
	require.NoError(t, err)
	future := time.Now().UTC().Add(time.Hour)
	seedSubscription(t, deps.Store, "guild-trialing", store.PlatformDiscord, "homer", entitlement.StatusTrial, &future, nil)
	seedSubscription(t, deps.Store, "guild-paying", store.PlatformDiscord, "homer", entitlement.StatusActive, nil, nil)

	tests := []struct {
		name       string
		payload    map[string]string
		wantStatus int
		wantReason string
	}{
		{
			name:       "unknown tenant",
			payload:    map[string]string{"end_user_id": "u1", "tenant": "missing", "platform": "discord", "bot_key": "homer"},
			wantStatus: http.StatusNotFound,
			wantReason: "tenant_or_bot_unknown",
		},
		{
			name:       "unknown bot",
			payload:    map[string]string{"end_user_id": "u2", "tenant": "guild-1", "platform": "discord", "bot_key": "nope"},
			wantStatus: http.StatusNotFound,
			wantReason: "tenant_or_bot_unknown",
		},
		{
			name:       "already entitled",
			payload:    map[string]string{"end_user_id": "u3", "tenant": "guild-paying", "platform": "discord", "bot_key": "homer"},
			wantStatus: http.StatusConflict,
			wantReason: "already_entitled",
		},
		{
			name:       "trial already running",
			payload:    map[string]string{"end_user_id": "u4", "tenant": "guild-trialing", "platform": "discord", "bot_key": "homer"},
			wantStatus: http.StatusConflict,
			wantReason: "trial_already_running",
		},
		{
			name:       "missing fields",
			payload:    map[string]string{"end_user_id": "u5"},
			wantStatus: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, srv.URL+"/api/trial/start", nil, tt.payload)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			if tt.wantReason != "" {
				var body map[string]string
				require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
				assert.Equal(t, tt.wantReason, body["error"])
			}
		})
	}
}

func TestAdminEndpointsRequireKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/admin/subscriptions")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAdminCreateSubscriptionActiveWithDays(t *testing.T) {
	srv, deps := newTestServer(t)

	resp := postJSON(t, srv.URL+"/admin/subscriptions", map[string]string{"X-Admin-Key": "admin-key"}, map[string]any{
		"tenant":   "guild-1",
		"platform": "discord",
		"bot_key":  "cartman",
		"status":   "active",
		"days":     30,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var sub store.Subscription
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&sub))
	assert.Equal(t, entitlement.StatusActive, sub.Status)
	require.NotNil(t, sub.CurrentPeriodEnd)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.WithinDuration(t, time.Now().UTC().Add(30*24*time.Hour), *sub.CurrentPeriodEnd, time.Minute)

	// The tenant was created as a side effect.
	_, err := deps.Store.FindTenant("guild-1", store.PlatformDiscord)
	assert.NoError(t, err)
}

func TestAdminSetStatusOverridesLifetime(t *testing.T) {
	// Unlike billing traffic, the console may move a lifetime subscription.
	srv, deps := newTestServer(t)
	sub := seedSubscription(t, deps.Store, "guild-1", store.PlatformDiscord, "homer", entitlement.StatusLifetime, nil, nil)

	resp := postJSON(t, srv.URL+"/admin/subscriptions/"+itoa(sub.ID)+"/status",
		map[string]string{"X-Admin-Key": "admin-key"},
		map[string]any{"status": "canceled"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := deps.Store.GetSubscriptionByID(sub.ID)
	require.NoError(t, err)
	assert.Equal(t, entitlement.StatusCanceled, got.Status)
}

func TestAdminProlongTrial(t *testing.T) {
	srv, deps := newTestServer(t)
	until := time.Now().UTC().Add(24 * time.Hour).Truncate(time.Second)
	sub := seedSubscription(t, deps.Store, "guild-1", store.PlatformDiscord, "homer", entitlement.StatusTrial, &until, nil)

	resp := postJSON(t, srv.URL+"/admin/subscriptions/"+itoa(sub.ID)+"/prolong",
		map[string]string{"X-Admin-Key": "admin-key"},
		map[string]any{"days": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got, err := deps.Store.GetSubscriptionByID(sub.ID)
	require.NoError(t, err)
	require.NotNil(t, got.TrialUntil)
	assert.WithinDuration(t, until.Add(3*24*time.Hour), *got.TrialUntil, time.Minute)

	// Prolonging a non-trial subscription is refused.
	active := seedSubscription(t, deps.Store, "guild-2", store.PlatformDiscord, "homer", entitlement.StatusActive, nil, nil)
	resp2 := postJSON(t, srv.URL+"/admin/subscriptions/"+itoa(active.ID)+"/prolong",
		map[string]string{"X-Admin-Key": "admin-key"},
		map[string]any{"days": 3})
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestAdminDeleteSubscriptionKeepsTrialLock(t *testing.T) {
	srv, deps := newTestServer(t)
	tenant, err := deps.Store.UpsertTenant("guild-1", store.PlatformDiscord, "")
	require.NoError(t, err)
	bot, err := deps.Store.GetBotType("homer")
	require.NoError(t, err)

	until := time.Now().UTC().Add(time.Hour)
	sub := &store.Subscription{TenantID: tenant.ID, BotTypeID: bot.ID, TrialUntil: &until}
	lock := &store.TrialLock{EndUserID: "user-1", BotTypeKey: "homer", TenantExternalID: "guild-1", ExpiresAt: until}
	require.NoError(t, deps.Store.StartTrialTxn(sub, lock))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/admin/subscriptions/"+itoa(sub.ID), nil)
	req.Header.Set("X-Admin-Key", "admin-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	claimed, err := deps.Store.AnyTrialLockForUser("user-1")
	require.NoError(t, err)
	assert.True(t, claimed, "deleting the subscription must not re-arm the trial")
}

func TestAdminReleaseTrialLock(t *testing.T) {
	srv, deps := newTestServer(t)
	tenant, err := deps.Store.UpsertTenant("guild-1", store.PlatformDiscord, "")
	require.NoError(t, err)
	bot, err := deps.Store.GetBotType("homer")
	require.NoError(t, err)
	until := time.Now().UTC().Add(time.Hour)
	sub := &store.Subscription{TenantID: tenant.ID, BotTypeID: bot.ID, TrialUntil: &until}
	lock := &store.TrialLock{EndUserID: "user-1", BotTypeKey: "homer", TenantExternalID: "guild-1", ExpiresAt: until}
	require.NoError(t, deps.Store.StartTrialTxn(sub, lock))

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/admin/trial-locks/"+itoa(lock.ID), nil)
	req.Header.Set("X-Admin-Key", "admin-key")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	claimed, err := deps.Store.AnyTrialLockForUser("user-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestHealthAndReadiness(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestMetricsGatedBehindAdminKey(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/metrics", nil)
	req.Header.Set("X-Admin-Key", "admin-key")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
