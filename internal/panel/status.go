package panel

import (
	"context"
	"net/http"
	"time"

	"github.com/persona-labs/botpanel/internal/panel/panelmetrics"
	"github.com/persona-labs/botpanel/internal/store"
	"github.com/rs/zerolog/log"
)

// HandleHealthz is a basic liveness probe.
func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz returns a handler that checks database connectivity.
func HandleReadyz(st *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := st.Ping(); err != nil {
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	}
}

// runSubscriptionMetrics keeps the subscriptions-by-status gauge current.
func runSubscriptionMetrics(ctx context.Context, st *store.Store) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	update := func() {
		subs, err := st.ListSubscriptions()
		if err != nil {
			log.Warn().Err(err).Msg("Subscription metrics update failed")
			return
		}
		counts := map[string]int{
			"trial": 0, "active": 0, "canceled": 0, "lifetime": 0,
		}
		for _, sub := range subs {
			counts[string(sub.Status)]++
		}
		for status, c := range counts {
			panelmetrics.SubscriptionsByStatus.WithLabelValues(status).Set(float64(c))
		}
	}

	update()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
