package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// TokenRepository implements upstream credential persistence. Refresh
// tokens are stored as ciphertext; only the outbound path reads them.
type TokenRepository struct {
	db *sql.DB
}

// NewTokenRepository creates a new TokenRepository.
func NewTokenRepository(db *sql.DB) *TokenRepository {
	return &TokenRepository{db: db}
}

const tokenColumns = `id, label, refresh_token_enc, refresh_token_masked, enabled, weight,
	error_count, backoff_until, last_ok_at, last_fail_at, last_error, created_at, updated_at`

// Insert stores a new credential with ciphertext refresh token.
func (r *TokenRepository) Insert(ctx context.Context, label, refreshTokenEnc string, weight int) (int64, error) {
	now := FormatTime(time.Now())
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO pixiv_tokens (label, refresh_token_enc, refresh_token_masked, enabled, weight, created_at, updated_at)
		 VALUES (?, ?, '***', 1, ?, ?, ?)`,
		label, refreshTokenEnc, weight, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FindByID returns one credential including its ciphertext.
func (r *TokenRepository) FindByID(ctx context.Context, id int64) (*models.PixivToken, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM pixiv_tokens WHERE id = ?`, id)
	return scanToken(row)
}

// FindAll returns every credential, ascending by id.
func (r *TokenRepository) FindAll(ctx context.Context) ([]*models.PixivToken, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM pixiv_tokens ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tokens []*models.PixivToken
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, t)
	}
	return tokens, rows.Err()
}

// Candidates returns the selector's view of every credential,
// ascending by id for deterministic rotation.
func (r *TokenRepository) Candidates(ctx context.Context) ([]models.TokenCandidate, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, enabled, weight, error_count, backoff_until FROM pixiv_tokens ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.TokenCandidate
	for rows.Next() {
		var c models.TokenCandidate
		var enabled int
		var backoff sql.NullString
		if err := rows.Scan(&c.ID, &enabled, &c.Weight, &c.ErrorCount, &backoff); err != nil {
			return nil, err
		}
		c.Enabled = enabled == 1
		c.BackoffUntil = timePtr(backoff)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetEnabled toggles a credential.
func (r *TokenRepository) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pixiv_tokens SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled), FormatTime(time.Now()), id)
	return err
}

// MarkOK records a successful upstream call and clears backoff state.
func (r *TokenRepository) MarkOK(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pixiv_tokens
		 SET error_count = 0, backoff_until = NULL, last_ok_at = ?, last_error = NULL, updated_at = ?
		 WHERE id = ?`,
		FormatTime(time.Now()), FormatTime(time.Now()), id)
	return err
}

// MarkFailure records a failed upstream call, optionally installing a
// backoff window. redactedMsg must already be redacted.
func (r *TokenRepository) MarkFailure(ctx context.Context, id int64, redactedMsg string, backoffUntil *time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE pixiv_tokens
		 SET error_count = error_count + 1, backoff_until = ?, last_fail_at = ?, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		nullTime(backoffUntil), FormatTime(time.Now()), truncate(redactedMsg, 500), FormatTime(time.Now()), id)
	return err
}

// Delete removes a credential.
func (r *TokenRepository) Delete(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM pixiv_tokens WHERE id = ?`, id)
	return err
}

// CountEnabled returns the number of enabled credentials.
func (r *TokenRepository) CountEnabled(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pixiv_tokens WHERE enabled = 1`).Scan(&n)
	return n, err
}

func scanToken(row rowScanner) (*models.PixivToken, error) {
	var t models.PixivToken
	var enabled int
	var backoff, lastOk, lastFail, lastErr sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&t.ID, &t.Label, &t.RefreshTokenEnc, &t.RefreshTokenMasked, &enabled, &t.Weight,
		&t.ErrorCount, &backoff, &lastOk, &lastFail, &lastErr, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	t.Enabled = enabled == 1
	t.BackoffUntil = timePtr(backoff)
	t.LastOkAt = timePtr(lastOk)
	t.LastFailAt = timePtr(lastFail)
	t.LastError = strPtr(lastErr)
	t.CreatedAt, _ = ParseTime(createdAt)
	t.UpdatedAt, _ = ParseTime(updatedAt)
	return &t, nil
}
