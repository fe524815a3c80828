package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/persona-labs/botpanel/internal/botagent"
	"github.com/persona-labs/botpanel/internal/logging"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

type agentConfig struct {
	PanelURL string
	Token    string
	BotKeys  []string
	Interval time.Duration
	LogLevel string
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Getenv); err != nil {
		if err == flag.ErrHelp {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string) error {
	cfg, err := loadConfig(args, getenv)
	if err != nil {
		return err
	}

	logging.Init(logging.Config{
		Format:    "auto",
		Level:     cfg.LogLevel,
		Component: "botpanel-agent",
	})
	log.Info().
		Str("version", Version).
		Str("panel_url", cfg.PanelURL).
		Strs("bot_keys", cfg.BotKeys).
		Msg("Starting BotPanel agent")

	client := botagent.NewClient(cfg.PanelURL, cfg.Token)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, botKey := range cfg.BotKeys {
		agent := botagent.NewAgent(client, botKey, cfg.Interval)
		group.Go(func() error {
			agent.Run(groupCtx)
			return nil
		})
	}
	return group.Wait()
}

func loadConfig(args []string, getenv func(string) string) (*agentConfig, error) {
	fs := flag.NewFlagSet("botpanel-agent", flag.ContinueOnError)
	panelURL := fs.String("panel-url", getenv("AGENT_PANEL_URL"), "Base URL of the panel server")
	token := fs.String("token", getenv("AGENT_API_TOKEN"), "Bot API token")
	botKeys := fs.String("bots", envOrDefault(getenv, "AGENT_BOT_KEYS", ""), "Comma-separated bot keys to poll")
	interval := fs.Duration("interval", 60*time.Second, "Poll interval")
	logLevel := fs.String("log-level", envOrDefault(getenv, "AGENT_LOG_LEVEL", "info"), "Log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &agentConfig{
		PanelURL: strings.TrimSpace(*panelURL),
		Token:    strings.TrimSpace(*token),
		Interval: *interval,
		LogLevel: *logLevel,
	}
	for _, key := range strings.Split(*botKeys, ",") {
		if key = strings.TrimSpace(key); key != "" {
			cfg.BotKeys = append(cfg.BotKeys, key)
		}
	}

	if cfg.PanelURL == "" {
		return nil, fmt.Errorf("--panel-url (or AGENT_PANEL_URL) is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("--token (or AGENT_API_TOKEN) is required")
	}
	if len(cfg.BotKeys) == 0 {
		return nil, fmt.Errorf("--bots (or AGENT_BOT_KEYS) is required")
	}
	return cfg, nil
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}
