package store

import (
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// MarkWebhookEvent records a provider event id in the idempotency ledger.
// It returns already=true when the event was seen before, in which case the
// caller must skip processing. The provider retries webhooks, so without this
// ledger a redelivered event would re-apply side effects.
func (s *Store) MarkWebhookEvent(providerEventID, eventType string) (already bool, err error) {
	providerEventID = strings.TrimSpace(providerEventID)
	if providerEventID == "" {
		return false, fmt.Errorf("provider event id is required")
	}

	now := time.Now().UTC()
	id := ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()

	res, err := s.db.Exec(`
		INSERT INTO webhook_events (id, provider_event_id, event_type, processed_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(provider_event_id) DO NOTHING`,
		id, providerEventID, eventType, now.Unix(),
	)
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark webhook event: %w", err)
	}
	return affected == 0, nil
}

// SeenWebhookEvent reports whether a provider event id is already in the
// ledger. Only successfully processed events are recorded, so a redelivery of
// a failed event is processed again.
func (s *Store) SeenWebhookEvent(providerEventID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT id FROM webhook_events WHERE provider_event_id = ?`,
		strings.TrimSpace(providerEventID)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup webhook event: %w", err)
	}
	return true, nil
}

// PruneWebhookEvents deletes ledger entries at least maxAge old. Timestamps
// have second resolution, so the cutoff is inclusive: an entry aged exactly
// maxAge is pruned.
func (s *Store) PruneWebhookEvents(maxAge time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-maxAge).Unix()
	res, err := s.db.Exec(`DELETE FROM webhook_events WHERE processed_at <= ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune webhook events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
