package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandboxctl/backend/internal/store"
)

// GetSetting fetches one setting row by key.
func (r *Repository) GetSetting(ctx context.Context, key store.SettingKey) (*store.Setting, error) {
	var s store.Setting
	err := r.ro.GetContext(ctx, &s, r.ro.Rebind(`SELECT * FROM settings WHERE key = ?`), key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return &s, nil
}

// ListSettings returns all setting rows.
func (r *Repository) ListSettings(ctx context.Context) ([]*store.Setting, error) {
	var settings []*store.Setting
	err := r.ro.SelectContext(ctx, &settings, `SELECT * FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	return settings, nil
}

// SetSetting upserts a setting. Keys outside the allow-list are rejected
// before touching the database.
func (r *Repository) SetSetting(ctx context.Context, key store.SettingKey, value string) error {
	if !store.AllowedSettingKeys[key] {
		return store.ErrInvalidSettingKey
	}

	now := time.Now().UTC()
	if r.isPostgres() {
		_, err := r.db.ExecContext(ctx, r.db.Rebind(`
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`),
			key, value, now)
		if err != nil {
			return fmt.Errorf("failed to set setting: %w", err)
		}
		return nil
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(
		`INSERT OR REPLACE INTO settings (key, value, updated_at) VALUES (?, ?, ?)`),
		key, value, now)
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}
