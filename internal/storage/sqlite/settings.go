package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/verdantlabs/canopy/internal/storage"
)

// SaveSetting upserts a user setting. Last write wins.
func (db *DB) SaveSetting(ctx context.Context, key, value string) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.db.ExecContext(ctx,
		`INSERT INTO user_settings (key, value, updated_at)
		 VALUES (?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP`,
		key, value,
	)
	if err != nil {
		return fmt.Errorf("sqlite: save setting %s: %w", key, err)
	}
	return nil
}

// Setting retrieves one setting value.
func (db *DB) Setting(ctx context.Context, key string) (string, error) {
	var value string
	err := db.db.QueryRowContext(ctx,
		`SELECT value FROM user_settings WHERE key = ?`, key,
	).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", fmt.Errorf("sqlite: setting %s: %w", key, storage.ErrNotFound)
		}
		return "", fmt.Errorf("sqlite: get setting: %w", err)
	}
	return value, nil
}

// AllSettings returns every stored setting.
func (db *DB) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.db.QueryContext(ctx, `SELECT key, value FROM user_settings`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("sqlite: scan setting: %w", err)
		}
		settings[k] = v
	}
	return settings, rows.Err()
}
