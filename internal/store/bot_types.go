package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// SeedBotTypes inserts the given catalog if the bot_types table is empty.
func (s *Store) SeedBotTypes(catalog []BotType) error {
	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM bot_types`).Scan(&count); err != nil {
		return fmt.Errorf("count bot types: %w", err)
	}
	if count > 0 {
		return nil
	}
	for _, bt := range catalog {
		if _, err := s.db.Exec(
			`INSERT INTO bot_types (key, display_name) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
			bt.Key, bt.DisplayName,
		); err != nil {
			return fmt.Errorf("seed bot type %q: %w", bt.Key, err)
		}
	}
	return nil
}

// EnsureBotType returns the bot type for key, creating it if absent. Used by
// admin subscription creation, which may reference a persona before seeding.
func (s *Store) EnsureBotType(key, displayName string) (*BotType, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("bot type key is required")
	}
	if displayName == "" {
		displayName = strings.ToUpper(key[:1]) + key[1:]
	}
	if _, err := s.db.Exec(
		`INSERT INTO bot_types (key, display_name) VALUES (?, ?) ON CONFLICT(key) DO NOTHING`,
		key, displayName,
	); err != nil {
		return nil, fmt.Errorf("ensure bot type: %w", err)
	}
	return s.GetBotType(key)
}

// GetBotType looks up a bot type by its stable key.
func (s *Store) GetBotType(key string) (*BotType, error) {
	row := s.db.QueryRow(
		`SELECT id, key, display_name FROM bot_types WHERE key = ?`, strings.TrimSpace(key))
	var bt BotType
	if err := row.Scan(&bt.ID, &bt.Key, &bt.DisplayName); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan bot type: %w", err)
	}
	return &bt, nil
}

// ListBotTypes returns the full catalog.
func (s *Store) ListBotTypes() ([]*BotType, error) {
	rows, err := s.db.Query(`SELECT id, key, display_name FROM bot_types ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list bot types: %w", err)
	}
	defer rows.Close()

	var types []*BotType
	for rows.Next() {
		var bt BotType
		if err := rows.Scan(&bt.ID, &bt.Key, &bt.DisplayName); err != nil {
			return nil, fmt.Errorf("scan bot type: %w", err)
		}
		types = append(types, &bt)
	}
	return types, rows.Err()
}
