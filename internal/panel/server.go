package panel

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/persona-labs/botpanel/internal/billing"
	"github.com/persona-labs/botpanel/internal/logging"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/persona-labs/botpanel/internal/trial"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Run starts the panel HTTP server with graceful shutdown.
func Run(ctx context.Context, version string) error {
	logging.Init(logging.Config{
		Format:    "auto",
		Level:     "info",
		Component: "panel",
	})

	log.Info().Str("version", version).Msg("Starting BotPanel")

	cfg, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := os.MkdirAll(cfg.StoreDir(), 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}

	st, err := store.Open(cfg.StoreDir())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	if err := st.SeedBotTypes(store.DefaultBotCatalog); err != nil {
		return fmt.Errorf("seed bot catalog: %w", err)
	}

	var provider billing.Provider
	if cfg.StripeAPIKey != "" {
		provider = billing.NewStripeProvider(cfg.StripeAPIKey)
	} else {
		log.Warn().Msg("No billing API key configured; pull resync disabled")
	}
	reconciler := billing.NewReconciler(st, provider, cfg.ReconcileInterval)

	mux := http.NewServeMux()
	deps := &Deps{
		Config:     cfg,
		Store:      st,
		Trials:     trial.NewService(st),
		Reconciler: reconciler,
		Version:    version,
	}
	RegisterRoutes(mux, deps)

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           RequestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		reconciler.Run(groupCtx)
		return nil
	})
	group.Go(func() error {
		runSubscriptionMetrics(groupCtx, st)
		return nil
	})
	group.Go(func() error {
		runWebhookLedgerPruner(groupCtx, st)
		return nil
	})

	go func() {
		log.Info().Str("addr", addr).Msg("Panel listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		log.Info().Msg("Context cancelled, shutting down...")
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received signal, shutting down...")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	cancel()
	_ = group.Wait()
	log.Info().Msg("Panel stopped")
	return nil
}

// runWebhookLedgerPruner trims old entries from the webhook idempotency
// ledger once a day. The provider stops retrying events long before the
// retention window closes.
func runWebhookLedgerPruner(ctx context.Context, st *store.Store) {
	const retention = 30 * 24 * time.Hour

	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := st.PruneWebhookEvents(retention)
			if err != nil {
				log.Warn().Err(err).Msg("Webhook ledger prune failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("pruned", n).Msg("Webhook ledger pruned")
			}
		}
	}
}
