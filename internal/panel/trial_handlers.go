package panel

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/panel/panelmetrics"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/persona-labs/botpanel/internal/trial"
	"github.com/rs/zerolog/log"
)

type trialStartRequest struct {
	EndUserID string `json:"end_user_id"`
	Tenant    string `json:"tenant"`
	Platform  string `json:"platform"`
	BotKey    string `json:"bot_key"`
}

// HandleTrialStart issues a free trial for a (tenant, bot) pair on behalf of
// an end user. The one-trial-ever rule and the other preconditions map to
// stable reason codes so callers can render a meaningful refusal.
func HandleTrialStart(svc *trial.Service, trialDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		var req trialStartRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64*1024)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		req.EndUserID = strings.TrimSpace(req.EndUserID)
		req.Tenant = strings.TrimSpace(req.Tenant)
		req.BotKey = strings.TrimSpace(req.BotKey)
		if req.EndUserID == "" || req.Tenant == "" || req.BotKey == "" {
			writeError(w, http.StatusBadRequest, "end_user_id, tenant and bot_key are required")
			return
		}
		platform, err := store.ParsePlatform(req.Platform)
		if err != nil {
			platform = store.PlatformDiscord
		}

		length := time.Duration(trialDays) * 24 * time.Hour
		sub, err := svc.Start(r.Context(), req.EndUserID, req.Tenant, platform, req.BotKey, length)
		if err != nil {
			outcome, status, reason := classifyTrialError(err)
			panelmetrics.TrialStartsTotal.WithLabelValues(outcome).Inc()
			if status == http.StatusInternalServerError {
				log.Error().Err(err).
					Str("tenant", req.Tenant).
					Str("bot_key", req.BotKey).
					Msg("Trial start failed")
			}
			writeError(w, status, reason)
			return
		}

		panelmetrics.TrialStartsTotal.WithLabelValues("ok").Inc()
		writeJSON(w, http.StatusCreated, map[string]any{
			"status":      string(sub.Status),
			"trial_until": sub.TrialUntil,
		})
	}
}

func classifyTrialError(err error) (outcome string, status int, reason string) {
	switch {
	case errors.Is(err, trial.ErrAlreadyClaimed):
		return "already_claimed", http.StatusConflict, "trial_already_claimed"
	case errors.Is(err, trial.ErrTenantOrBotUnknown):
		return "unknown_target", http.StatusNotFound, "tenant_or_bot_unknown"
	case errors.Is(err, trial.ErrAlreadyEntitled):
		return "already_entitled", http.StatusConflict, "already_entitled"
	case errors.Is(err, trial.ErrTrialAlreadyRunning):
		return "trial_running", http.StatusConflict, "trial_already_running"
	default:
		return "error", http.StatusInternalServerError, "internal error"
	}
}
