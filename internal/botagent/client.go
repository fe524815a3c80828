// Package botagent implements the bot-side entitlement cache: it polls the
// panel's allow-list and task endpoints and keeps the last successful answer
// when the panel is unreachable.
package botagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const clientTimeout = 10 * time.Second

// Client is a token-authenticated HTTP client for the panel's bot API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates a panel API client.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    &http.Client{Timeout: clientTimeout},
	}
}

// Allowlist is the panel's answer to an allow-list poll.
type Allowlist struct {
	BotKey                string   `json:"bot_key"`
	AllowedGuildIDs       []string `json:"allowed_guild_ids"`
	AllowedTwitchChannels []string `json:"allowed_twitch_channels"`
}

// Task is one scheduled task as served by the panel.
type Task struct {
	ID               int64  `json:"id"`
	TenantExternalID string `json:"tenant_external_id"`
	Platform         string `json:"platform"`
	TaskType         string `json:"task_type"`
	TaskParam        string `json:"task_param"`
	Frequency        string `json:"frequency"`
	DayOfWeek        string `json:"day_of_week"`
	TimeOfDay        string `json:"time_of_day"`
	ChannelRef       string `json:"channel_ref"`
}

type tasksResponse struct {
	BotKey string `json:"bot_key"`
	Tasks  []Task `json:"tasks"`
}

// FetchAllowlist retrieves the current allow-list for botKey.
func (c *Client) FetchAllowlist(ctx context.Context, botKey string) (*Allowlist, error) {
	var out Allowlist
	if err := c.get(ctx, "/api/bot/config/"+url.PathEscape(botKey), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchTasks retrieves the active scheduled tasks for botKey.
func (c *Client) FetchTasks(ctx context.Context, botKey string) ([]Task, error) {
	var out tasksResponse
	if err := c.get(ctx, "/api/bot/tasks/"+url.PathEscape(botKey), &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("panel request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("panel returned status %d for %s", resp.StatusCode, path)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode panel response: %w", err)
	}
	return nil
}
