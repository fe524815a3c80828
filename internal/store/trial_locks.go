package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/persona-labs/botpanel/internal/entitlement"
)

// AnyTrialLockForUser reports whether the end user has ever consumed a free
// trial. Expiry is irrelevant: the existence of any row disqualifies.
func (s *Store) AnyTrialLockForUser(endUserID string) (bool, error) {
	var id int64
	err := s.db.QueryRow(
		`SELECT id FROM trial_locks WHERE end_user_id = ? LIMIT 1`, endUserID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("lookup trial lock: %w", err)
	}
	return true, nil
}

// StartTrialTxn writes the trial subscription and the trial lock in one
// transaction. Partial application would let a user re-claim a trial, so
// either both rows land or neither does.
//
// If sub.ID is zero a new subscription row is inserted, otherwise the
// existing row is rewritten to trial state.
func (s *Store) StartTrialTxn(sub *Subscription, lock *TrialLock) error {
	if sub == nil || lock == nil {
		return fmt.Errorf("subscription and lock are required")
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trial txn: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	sub.Status = entitlement.StatusTrial
	sub.CurrentPeriodEnd = nil
	sub.CancelAtPeriodEnd = false
	sub.UpdatedAt = now

	if sub.ID == 0 {
		sub.CreatedAt = now
		res, err := tx.Exec(`
			INSERT INTO subscriptions (
				tenant_id, bot_type_id, status, trial_until, current_period_end,
				cancel_at_period_end, external_subscription_id, external_customer_id,
				created_at, updated_at
			) VALUES (?, ?, ?, ?, NULL, 0, '', '', ?, ?)`,
			sub.TenantID, sub.BotTypeID, string(sub.Status),
			nullableTimeUnix(sub.TrialUntil), sub.CreatedAt.Unix(), sub.UpdatedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("insert trial subscription: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("trial subscription id: %w", err)
		}
		sub.ID = id
	} else {
		if _, err := tx.Exec(`
			UPDATE subscriptions SET
				status = ?, trial_until = ?, current_period_end = NULL,
				cancel_at_period_end = 0, updated_at = ?
			WHERE id = ?`,
			string(sub.Status), nullableTimeUnix(sub.TrialUntil), sub.UpdatedAt.Unix(), sub.ID,
		); err != nil {
			return fmt.Errorf("update trial subscription: %w", err)
		}
	}

	lock.CreatedAt = now
	res, err := tx.Exec(`
		INSERT INTO trial_locks (end_user_id, bot_type_key, tenant_external_id, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		lock.EndUserID, lock.BotTypeKey, lock.TenantExternalID,
		lock.ExpiresAt.Unix(), lock.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("insert trial lock: %w", err)
	}
	lockID, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("trial lock id: %w", err)
	}
	lock.ID = lockID

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trial txn: %w", err)
	}
	return nil
}

// ReleaseTrialLock removes a lock row (admin escape hatch).
func (s *Store) ReleaseTrialLock(id int64) error {
	res, err := s.db.Exec(`DELETE FROM trial_locks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("release trial lock: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("trial lock %d: %w", id, ErrNotFound)
	}
	return nil
}

// ListTrialLocks returns the full lock ledger, newest first.
func (s *Store) ListTrialLocks() ([]*TrialLock, error) {
	rows, err := s.db.Query(`
		SELECT id, end_user_id, bot_type_key, tenant_external_id, expires_at, created_at
		FROM trial_locks ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list trial locks: %w", err)
	}
	defer rows.Close()

	var locks []*TrialLock
	for rows.Next() {
		var l TrialLock
		var expiresAt, createdAt int64
		if err := rows.Scan(&l.ID, &l.EndUserID, &l.BotTypeKey, &l.TenantExternalID, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan trial lock: %w", err)
		}
		l.ExpiresAt = time.Unix(expiresAt, 0).UTC()
		l.CreatedAt = time.Unix(createdAt, 0).UTC()
		locks = append(locks, &l)
	}
	return locks, rows.Err()
}
