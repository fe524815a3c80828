package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a required row does not exist.
var ErrNotFound = errors.New("not found")

// UpsertTenant returns the tenant for (externalID, platform), creating it if
// absent. An existing row is returned unchanged; the name is only used on
// first sight.
func (s *Store) UpsertTenant(externalID string, platform Platform, name string) (*Tenant, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, fmt.Errorf("tenant external id is required")
	}

	existing, err := s.FindTenant(externalID, platform)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	now := time.Now().UTC()
	res, err := s.db.Exec(
		`INSERT INTO tenants (external_id, platform, display_name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(external_id, platform) DO NOTHING`,
		externalID, string(platform), name, now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert tenant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Lost a race with a concurrent insert; the row exists now.
		return s.FindTenant(externalID, platform)
	}
	return s.FindTenant(externalID, platform)
}

// FindTenant looks up a tenant by its platform-scoped external id.
func (s *Store) FindTenant(externalID string, platform Platform) (*Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, external_id, platform, display_name, created_at
		 FROM tenants WHERE external_id = ? AND platform = ?`,
		strings.TrimSpace(externalID), string(platform),
	)
	return scanTenant(row)
}

// GetTenant retrieves a tenant by primary key.
func (s *Store) GetTenant(id int64) (*Tenant, error) {
	row := s.db.QueryRow(
		`SELECT id, external_id, platform, display_name, created_at FROM tenants WHERE id = ?`, id)
	return scanTenant(row)
}

// ListTenants returns all tenants, newest first.
func (s *Store) ListTenants() ([]*Tenant, error) {
	rows, err := s.db.Query(
		`SELECT id, external_id, platform, display_name, created_at FROM tenants ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

func scanTenant(s scanner) (*Tenant, error) {
	var t Tenant
	var platform string
	var createdAt int64

	err := s.Scan(&t.ID, &t.ExternalID, &platform, &t.DisplayName, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.Platform = Platform(platform)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return &t, nil
}
