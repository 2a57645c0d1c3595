package sqlite

import (
	"context"
	"database/sql"
	"errors"

	"github.com/artpar/quotagate/domain/quota"
	"github.com/artpar/quotagate/ports"
)

// SettingsStore implements ports.SettingsStore using SQLite.
type SettingsStore struct {
	db *DB
}

// NewSettingsStore creates a new settings store.
func NewSettingsStore(db *DB) *SettingsStore {
	return &SettingsStore{db: db}
}

// LoadSettings returns the saved settings or ports.ErrNotFound.
func (s *SettingsStore) LoadSettings(ctx context.Context) (quota.Settings, error) {
	var q quota.Settings
	err := s.db.DB.QueryRowContext(ctx,
		`SELECT daily_limit, hourly_limit, monthly_limit, per_action_limit, cooldown_minutes
		FROM quota_settings WHERE id = 1`,
	).Scan(&q.DailyLimit, &q.HourlyLimit, &q.MonthlyLimit, &q.PerActionLimit, &q.CooldownMinutes)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return quota.Settings{}, ports.ErrNotFound
		}
		return quota.Settings{}, err
	}
	return q, nil
}

// SaveSettings stores or replaces the settings row.
func (s *SettingsStore) SaveSettings(ctx context.Context, q quota.Settings) error {
	_, err := s.db.DB.ExecContext(ctx,
		`INSERT INTO quota_settings (id, daily_limit, hourly_limit, monthly_limit, per_action_limit, cooldown_minutes, updated_at)
		VALUES (1, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			hourly_limit = excluded.hourly_limit,
			monthly_limit = excluded.monthly_limit,
			per_action_limit = excluded.per_action_limit,
			cooldown_minutes = excluded.cooldown_minutes,
			updated_at = CURRENT_TIMESTAMP`,
		q.DailyLimit, q.HourlyLimit, q.MonthlyLimit, q.PerActionLimit, q.CooldownMinutes,
	)
	return err
}

// Ensure interface compliance.
var _ ports.SettingsStore = (*SettingsStore)(nil)
