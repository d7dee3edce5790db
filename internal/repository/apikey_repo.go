package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// APIKeyRepository persists public API keys. Key material is never
// stored; rows hold an HMAC plus a short display hint.
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository.
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

const apiKeyColumns = `id, name, key_hmac, key_hint, enabled, rpm, burst, last_used_at, created_at`

// Insert stores a new key record.
func (r *APIKeyRepository) Insert(ctx context.Context, name, keyHMAC, keyHint string, rpm, burst *int) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO public_api_keys (name, key_hmac, key_hint, enabled, rpm, burst, created_at)
		 VALUES (?, ?, ?, 1, ?, ?, ?)`,
		name, keyHMAC, keyHint, nullIntFromPtr(rpm), nullIntFromPtr(burst), FormatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FindByHMAC looks up an enabled key by its HMAC; nil when absent.
func (r *APIKeyRepository) FindByHMAC(ctx context.Context, keyHMAC string) (*models.PublicAPIKey, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM public_api_keys WHERE key_hmac = ? AND enabled = 1`, keyHMAC)
	k, err := scanAPIKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return k, err
}

// List returns every key, ascending by id.
func (r *APIKeyRepository) List(ctx context.Context) ([]*models.PublicAPIKey, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+apiKeyColumns+` FROM public_api_keys ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PublicAPIKey
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// SetEnabled toggles a key.
func (r *APIKeyRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE public_api_keys SET enabled = ? WHERE id = ?`, boolToInt(enabled), id)
	return err
}

// TouchUsed records the last use time.
func (r *APIKeyRepository) TouchUsed(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE public_api_keys SET last_used_at = ? WHERE id = ?`, FormatTime(time.Now()), id)
	return err
}

// Delete removes a key.
func (r *APIKeyRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM public_api_keys WHERE id = ?`, id)
	return err
}

func scanAPIKey(row rowScanner) (*models.PublicAPIKey, error) {
	var k models.PublicAPIKey
	var enabled int
	var rpm, burst sql.NullInt64
	var lastUsed sql.NullString
	var createdAt string

	err := row.Scan(&k.ID, &k.Name, &k.KeyHMAC, &k.KeyHint, &enabled, &rpm, &burst, &lastUsed, &createdAt)
	if err != nil {
		return nil, err
	}

	k.Enabled = enabled == 1
	k.RPM = intPtr(rpm)
	k.Burst = intPtr(burst)
	k.LastUsedAt = timePtr(lastUsed)
	k.CreatedAt, _ = ParseTime(createdAt)
	return &k, nil
}

func nullIntFromPtr(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}
