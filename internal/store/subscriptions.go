package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
)

const subscriptionCols = `
	s.id, s.tenant_id, s.bot_type_id, s.status, s.trial_until,
	s.current_period_end, s.cancel_at_period_end,
	s.external_subscription_id, s.external_customer_id,
	s.created_at, s.updated_at`

// CreateSubscription inserts a new subscription row. The UNIQUE(tenant_id,
// bot_type_id) constraint rejects a second row for the same pair.
func (s *Store) CreateSubscription(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	if sub.Status == "" {
		sub.Status = entitlement.StatusTrial
	}

	res, err := s.db.Exec(`
		INSERT INTO subscriptions (
			tenant_id, bot_type_id, status, trial_until, current_period_end,
			cancel_at_period_end, external_subscription_id, external_customer_id,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.TenantID, sub.BotTypeID, string(sub.Status),
		nullableTimeUnix(sub.TrialUntil), nullableTimeUnix(sub.CurrentPeriodEnd),
		boolToInt(sub.CancelAtPeriodEnd), sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("create subscription id: %w", err)
	}
	sub.ID = id
	return nil
}

// SaveSubscription updates an existing subscription row by primary key.
func (s *Store) SaveSubscription(sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("subscription is nil")
	}
	sub.UpdatedAt = time.Now().UTC()

	res, err := s.db.Exec(`
		UPDATE subscriptions SET
			status = ?, trial_until = ?, current_period_end = ?,
			cancel_at_period_end = ?, external_subscription_id = ?,
			external_customer_id = ?, updated_at = ?
		WHERE id = ?`,
		string(sub.Status), nullableTimeUnix(sub.TrialUntil), nullableTimeUnix(sub.CurrentPeriodEnd),
		boolToInt(sub.CancelAtPeriodEnd), sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		sub.UpdatedAt.Unix(), sub.ID,
	)
	if err != nil {
		return fmt.Errorf("save subscription: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription %d: %w", sub.ID, ErrNotFound)
	}
	return nil
}

// GetSubscription retrieves the subscription for a (tenant, bot type) pair.
func (s *Store) GetSubscription(tenantID, botTypeID int64) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+`
		FROM subscriptions s WHERE s.tenant_id = ? AND s.bot_type_id = ?`,
		tenantID, botTypeID)
	return scanSubscription(row)
}

// FindSubscriptionByExternalID retrieves the subscription linked to a billing
// provider subscription id.
func (s *Store) FindSubscriptionByExternalID(externalID string) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+`
		FROM subscriptions s WHERE s.external_subscription_id = ?`, externalID)
	return scanSubscription(row)
}

// GetSubscriptionByID retrieves a subscription by primary key.
func (s *Store) GetSubscriptionByID(id int64) (*Subscription, error) {
	row := s.db.QueryRow(`SELECT `+subscriptionCols+` FROM subscriptions s WHERE s.id = ?`, id)
	return scanSubscription(row)
}

// ListByBotKey returns all subscriptions for the given bot key joined with
// tenant identity. The allow-list query calls this on every poll, so it scans
// only rows for one bot type.
func (s *Store) ListByBotKey(botKey string) ([]*SubscriptionRow, error) {
	rows, err := s.db.Query(`SELECT `+subscriptionCols+`,
			t.external_id, t.platform, t.display_name, b.key
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		JOIN bot_types b ON b.id = s.bot_type_id
		WHERE b.key = ?`, botKey)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions by bot key: %w", err)
	}
	defer rows.Close()
	return scanSubscriptionRows(rows)
}

// ListSubscriptions returns every subscription joined with tenant and bot
// identity, newest first (admin listing).
func (s *Store) ListSubscriptions() ([]*SubscriptionRow, error) {
	rows, err := s.db.Query(`SELECT ` + subscriptionCols + `,
			t.external_id, t.platform, t.display_name, b.key
		FROM subscriptions s
		JOIN tenants t ON t.id = s.tenant_id
		JOIN bot_types b ON b.id = s.bot_type_id
		ORDER BY s.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptionRows(rows)
}

// DeleteSubscription removes a subscription row.
func (s *Store) DeleteSubscription(id int64) error {
	res, err := s.db.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("subscription %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanSubscription(sc scanner) (*Subscription, error) {
	var sub Subscription
	var status string
	var trialUntil, periodEnd sql.NullInt64
	var cancelFlag int
	var createdAt, updatedAt int64

	err := sc.Scan(
		&sub.ID, &sub.TenantID, &sub.BotTypeID, &status, &trialUntil,
		&periodEnd, &cancelFlag,
		&sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan subscription: %w", err)
	}

	sub.Status = entitlement.Status(status)
	if trialUntil.Valid {
		ts := time.Unix(trialUntil.Int64, 0).UTC()
		sub.TrialUntil = &ts
	}
	if periodEnd.Valid {
		ts := time.Unix(periodEnd.Int64, 0).UTC()
		sub.CurrentPeriodEnd = &ts
	}
	sub.CancelAtPeriodEnd = cancelFlag != 0
	sub.CreatedAt = time.Unix(createdAt, 0).UTC()
	sub.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &sub, nil
}

func scanSubscriptionRows(rows *sql.Rows) ([]*SubscriptionRow, error) {
	var out []*SubscriptionRow
	for rows.Next() {
		var r SubscriptionRow
		var status string
		var trialUntil, periodEnd sql.NullInt64
		var cancelFlag int
		var createdAt, updatedAt int64
		var platform string

		err := rows.Scan(
			&r.ID, &r.TenantID, &r.BotTypeID, &status, &trialUntil,
			&periodEnd, &cancelFlag,
			&r.ExternalSubscriptionID, &r.ExternalCustomerID,
			&createdAt, &updatedAt,
			&r.TenantExternalID, &platform, &r.TenantDisplayName, &r.BotKey,
		)
		if err != nil {
			return nil, fmt.Errorf("scan subscription row: %w", err)
		}

		r.Status = entitlement.Status(status)
		if trialUntil.Valid {
			ts := time.Unix(trialUntil.Int64, 0).UTC()
			r.TrialUntil = &ts
		}
		if periodEnd.Valid {
			ts := time.Unix(periodEnd.Int64, 0).UTC()
			r.CurrentPeriodEnd = &ts
		}
		r.CancelAtPeriodEnd = cancelFlag != 0
		r.CreatedAt = time.Unix(createdAt, 0).UTC()
		r.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		r.TenantPlatform = Platform(platform)
		out = append(out, &r)
	}
	return out, rows.Err()
}
