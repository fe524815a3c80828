package panel

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
	"github.com/persona-labs/botpanel/internal/panel/panelmetrics"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
)

type botConfigResponse struct {
	BotKey                string   `json:"bot_key"`
	AllowedGuildIDs       []string `json:"allowed_guild_ids"`
	AllowedTwitchChannels []string `json:"allowed_twitch_channels"`
}

// HandleBotConfig serves the allow-list for one bot persona: the tenant
// external ids whose subscription is currently entitled, partitioned by
// platform. Agents poll this and cache the result.
func HandleBotConfig(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		botKey := strings.TrimSpace(r.PathValue("bot_key"))
		status := http.StatusOK
		defer func() {
			panelmetrics.BotConfigRequestsTotal.WithLabelValues(botKey, strconv.Itoa(status)).Inc()
		}()

		if r.Method != http.MethodGet {
			status = http.StatusMethodNotAllowed
			writeError(w, status, "method not allowed")
			return
		}
		if _, err := st.GetBotType(botKey); err != nil {
			status = http.StatusNotFound
			writeError(w, status, "unknown bot key")
			return
		}

		rows, err := st.ListByBotKey(botKey)
		if err != nil {
			log.Error().Err(err).Str("bot_key", botKey).Msg("Allow-list query failed")
			status = http.StatusInternalServerError
			writeError(w, status, "internal error")
			return
		}

		now := time.Now().UTC()
		resp := botConfigResponse{
			BotKey:                botKey,
			AllowedGuildIDs:       []string{},
			AllowedTwitchChannels: []string{},
		}
		for _, row := range rows {
			if !entitlement.Entitled(row.Status, row.TrialUntil, row.CurrentPeriodEnd, now) {
				continue
			}
			switch row.TenantPlatform {
			case store.PlatformTwitch:
				resp.AllowedTwitchChannels = append(resp.AllowedTwitchChannels, row.TenantExternalID)
			default:
				resp.AllowedGuildIDs = append(resp.AllowedGuildIDs, row.TenantExternalID)
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

type botTaskResponse struct {
	ID               int64  `json:"id"`
	TenantExternalID string `json:"tenant_external_id"`
	Platform         string `json:"platform"`
	TaskType         string `json:"task_type"`
	TaskParam        string `json:"task_param,omitempty"`
	Frequency        string `json:"frequency"`
	DayOfWeek        string `json:"day_of_week,omitempty"`
	TimeOfDay        string `json:"time_of_day"`
	ChannelRef       string `json:"channel_ref"`
}

// HandleBotTasks serves the active scheduled tasks for one bot persona.
// Entitlement is not filtered here; agents cross-check the allow-list at
// delivery time so a lapsed tenant's tasks go quiet without a write.
func HandleBotTasks(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		botKey := strings.TrimSpace(r.PathValue("bot_key"))
		if _, err := st.GetBotType(botKey); err != nil {
			writeError(w, http.StatusNotFound, "unknown bot key")
			return
		}

		rows, err := st.ListActiveTasks(botKey)
		if err != nil {
			log.Error().Err(err).Str("bot_key", botKey).Msg("Task query failed")
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		tasks := make([]botTaskResponse, 0, len(rows))
		for _, row := range rows {
			tasks = append(tasks, botTaskResponse{
				ID:               row.ID,
				TenantExternalID: row.TenantExternalID,
				Platform:         string(row.TenantPlatform),
				TaskType:         row.TaskType,
				TaskParam:        row.TaskParam,
				Frequency:        row.Frequency,
				DayOfWeek:        row.DayOfWeek,
				TimeOfDay:        row.TimeOfDay,
				ChannelRef:       row.ChannelRef,
			})
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"bot_key": botKey,
			"tasks":   tasks,
		})
	}
}
