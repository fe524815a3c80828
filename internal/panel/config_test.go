package panel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PANEL_API_TOKEN", "bot-token")
	t.Setenv("PANEL_ADMIN_KEY", "admin-key")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("PANEL_PORT", "")
	t.Setenv("PANEL_TRIAL_DAYS", "")
	t.Setenv("PANEL_RECONCILE_INTERVAL", "")
	t.Setenv("STRIPE_API_KEY", "")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "")
	t.Setenv("STRIPE_PRICE_MAP", "")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 5, cfg.TrialDays)
	assert.Equal(t, time.Hour, cfg.ReconcileInterval)
	assert.Empty(t, cfg.StripeAPIKey)
	assert.False(t, cfg.PublicMetrics)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing api token",
			env:     map[string]string{"PANEL_API_TOKEN": "", "PANEL_ADMIN_KEY": "admin-key"},
			wantErr: "PANEL_API_TOKEN",
		},
		{
			name:    "missing admin key",
			env:     map[string]string{"PANEL_API_TOKEN": "bot-token", "PANEL_ADMIN_KEY": ""},
			wantErr: "PANEL_ADMIN_KEY",
		},
		{
			name:    "port out of range",
			env:     map[string]string{"PANEL_PORT": "70000"},
			wantErr: "PANEL_PORT",
		},
		{
			name:    "port not a number",
			env:     map[string]string{"PANEL_PORT": "eighty"},
			wantErr: "PANEL_PORT",
		},
		{
			name:    "trial days below one",
			env:     map[string]string{"PANEL_TRIAL_DAYS": "0"},
			wantErr: "PANEL_TRIAL_DAYS",
		},
		{
			name:    "reconcile interval too short",
			env:     map[string]string{"PANEL_RECONCILE_INTERVAL": "10s"},
			wantErr: "PANEL_RECONCILE_INTERVAL",
		},
		{
			name:    "base url without scheme",
			env:     map[string]string{"PANEL_BASE_URL": "panel.example.com"},
			wantErr: "PANEL_BASE_URL",
		},
		{
			name: "valid base url",
			env:  map[string]string{"PANEL_BASE_URL": "https://panel.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv("PANEL_PORT", "")
			t.Setenv("PANEL_TRIAL_DAYS", "")
			t.Setenv("PANEL_RECONCILE_INTERVAL", "")
			t.Setenv("PANEL_BASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := LoadConfig()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePriceMap(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want map[string]string
	}{
		{
			name: "empty",
			raw:  "",
			want: map[string]string{},
		},
		{
			name: "single pair",
			raw:  "homer=price_123",
			want: map[string]string{"homer": "price_123"},
		},
		{
			name: "multiple pairs with whitespace",
			raw:  " homer=price_123 , cartman = price_456 ",
			want: map[string]string{"homer": "price_123", "cartman": "price_456"},
		},
		{
			name: "malformed entries skipped",
			raw:  "homer=price_123,garbage,=price_456,yoda=",
			want: map[string]string{"homer": "price_123"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parsePriceMap(tt.raw))
		})
	}
}

func TestStoreDir(t *testing.T) {
	cfg := &Config{DataDir: "/var/lib/botpanel"}
	assert.Equal(t, "/var/lib/botpanel/panel", cfg.StoreDir())
}
