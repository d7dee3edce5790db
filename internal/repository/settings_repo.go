package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// SettingsRepository persists runtime settings that override env
// defaults without a restart. Values are JSON documents.
type SettingsRepository struct {
	db *sql.DB
}

// NewSettingsRepository creates a new SettingsRepository.
func NewSettingsRepository(db *sql.DB) *SettingsRepository {
	return &SettingsRepository{db: db}
}

// Get returns the raw JSON value for a key, or "" when unset.
func (r *SettingsRepository) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := r.db.QueryRowContext(ctx,
		`SELECT value_json FROM runtime_settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return v, err
}

// Set upserts a key with a JSON value and records who set it.
func (r *SettingsRepository) Set(ctx context.Context, key, valueJSON, updatedBy string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO runtime_settings (key, value_json, updated_at, updated_by)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json,
		     updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		key, valueJSON, FormatTime(time.Now()), nullStr(strOrNil(updatedBy)))
	return err
}

// Delete removes a key, reverting it to the env default.
func (r *SettingsRepository) Delete(ctx context.Context, key string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM runtime_settings WHERE key = ?`, key)
	return err
}

// All returns every setting, ascending by key.
func (r *SettingsRepository) All(ctx context.Context) ([]models.RuntimeSetting, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT key, value_json, updated_at, updated_by FROM runtime_settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RuntimeSetting
	for rows.Next() {
		var s models.RuntimeSetting
		var updatedAt string
		var updatedBy sql.NullString
		if err := rows.Scan(&s.Key, &s.ValueJSON, &updatedAt, &updatedBy); err != nil {
			return nil, err
		}
		s.UpdatedAt, _ = ParseTime(updatedAt)
		s.UpdatedBy = strPtr(updatedBy)
		out = append(out, s)
	}
	return out, rows.Err()
}

func strOrNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
