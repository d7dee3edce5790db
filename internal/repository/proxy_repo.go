package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// ProxyRepository implements proxy endpoints, pools, memberships, and
// token→pool bindings with their time-boxed overrides.
type ProxyRepository struct {
	db *sql.DB
}

// NewProxyRepository creates a new ProxyRepository.
func NewProxyRepository(db *sql.DB) *ProxyRepository {
	return &ProxyRepository{db: db}
}

const endpointColumns = `id, scheme, host, port, username, password_enc, enabled, source,
	last_latency_ms, last_ok_at, last_fail_at, success_count, failure_count,
	blacklisted_until, last_error, created_at, updated_at`

// UpsertOutcome reports what an import upsert did.
type UpsertOutcome int

const (
	UpsertCreated UpsertOutcome = iota
	UpsertUpdated
	UpsertSkipped
)

// UpsertEndpoint inserts an endpoint, applying the conflict policy when
// the (scheme, host, port, username) identity already exists:
// overwrite replaces the password and source, skip leaves the row.
func (r *ProxyRepository) UpsertEndpoint(ctx context.Context, ep *models.ProxyEndpoint, overwrite bool) (int64, UpsertOutcome, error) {
	now := FormatTime(time.Now())

	var existingID int64
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM proxy_endpoints WHERE scheme = ? AND host = ? AND port = ? AND username IS ?`,
		ep.Scheme, ep.Host, ep.Port, nullStr(ep.Username)).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := r.db.ExecContext(ctx,
			`INSERT INTO proxy_endpoints (scheme, host, port, username, password_enc, enabled, source, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)`,
			ep.Scheme, ep.Host, ep.Port, nullStr(ep.Username), nullStr(ep.PasswordEnc), ep.Source, now, now)
		if err != nil {
			return 0, UpsertSkipped, err
		}
		id, err := res.LastInsertId()
		return id, UpsertCreated, err
	case err != nil:
		return 0, UpsertSkipped, err
	}

	if !overwrite {
		return existingID, UpsertSkipped, nil
	}
	_, err = r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET password_enc = ?, source = ?, enabled = 1, updated_at = ? WHERE id = ?`,
		nullStr(ep.PasswordEnc), ep.Source, now, existingID)
	if err != nil {
		return 0, UpsertSkipped, err
	}
	return existingID, UpsertUpdated, nil
}

// FindEndpoint returns one endpoint by id, ciphertext included.
func (r *ProxyRepository) FindEndpoint(ctx context.Context, id int64) (*models.ProxyEndpoint, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints WHERE id = ?`, id)
	return scanEndpoint(row)
}

// ListEndpoints returns every endpoint, ascending by id.
func (r *ProxyRepository) ListEndpoints(ctx context.Context) ([]*models.ProxyEndpoint, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+endpointColumns+` FROM proxy_endpoints ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*models.ProxyEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// MarkProbe records one health probe result.
func (r *ProxyRepository) MarkProbe(ctx context.Context, id int64, ok bool, latencyMS int, redactedErr string) error {
	now := FormatTime(time.Now())
	if ok {
		_, err := r.db.ExecContext(ctx,
			`UPDATE proxy_endpoints
			 SET last_latency_ms = ?, last_ok_at = ?, success_count = success_count + 1,
			     last_error = NULL, updated_at = ?
			 WHERE id = ?`,
			latencyMS, now, now, id)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints
		 SET last_fail_at = ?, failure_count = failure_count + 1, last_error = ?, updated_at = ?
		 WHERE id = ?`,
		now, truncate(redactedErr, 500), now, id)
	return err
}

// SetEndpointEnabled toggles an endpoint, clearing any blacklist when
// re-enabling.
func (r *ProxyRepository) SetEndpointEnabled(ctx context.Context, id int64, enabled bool) error {
	now := FormatTime(time.Now())
	if enabled {
		_, err := r.db.ExecContext(ctx,
			`UPDATE proxy_endpoints SET enabled = 1, blacklisted_until = NULL, updated_at = ? WHERE id = ?`,
			now, id)
		return err
	}
	_, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET enabled = 0, updated_at = ? WHERE id = ?`,
		now, id)
	return err
}

// Blacklist keeps an endpoint out of selection until the given time.
func (r *ProxyRepository) Blacklist(ctx context.Context, id int64, until time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE proxy_endpoints SET blacklisted_until = ?, updated_at = ? WHERE id = ?`,
		FormatTime(until), FormatTime(time.Now()), id)
	return err
}

// --- Pools ---

// CreatePool inserts a named pool; returns the existing id when the
// name is already taken.
func (r *ProxyRepository) CreatePool(ctx context.Context, name, description string) (int64, error) {
	var existing int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM proxy_pools WHERE name = ?`, name).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pools (name, description, created_at) VALUES (?, ?, ?)`,
		name, description, FormatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// AddPoolEndpoint links an endpoint into a pool.
func (r *ProxyRepository) AddPoolEndpoint(ctx context.Context, poolID, endpointID int64, weight int) error {
	if weight < 1 {
		weight = 1
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO proxy_pool_endpoints (pool_id, endpoint_id, enabled, weight)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(pool_id, endpoint_id) DO UPDATE SET enabled = 1, weight = excluded.weight`,
		poolID, endpointID, weight)
	return err
}

// IsPoolMember reports whether the endpoint is an enabled member of
// the pool.
func (r *ProxyRepository) IsPoolMember(ctx context.Context, poolID, endpointID int64) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proxy_pool_endpoints WHERE pool_id = ? AND endpoint_id = ? AND enabled = 1`,
		poolID, endpointID).Scan(&n)
	return n > 0, err
}

// PoolEndpoints returns the enabled members of a pool joined with
// their endpoint rows, ascending by endpoint id.
func (r *ProxyRepository) PoolEndpoints(ctx context.Context, poolID int64) ([]*models.ProxyEndpoint, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+qualify(endpointColumns, "pe")+`
		 FROM proxy_endpoints pe
		 JOIN proxy_pool_endpoints pp ON pp.endpoint_id = pe.id
		 WHERE pp.pool_id = ? AND pp.enabled = 1
		 ORDER BY pe.id ASC`, poolID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var eps []*models.ProxyEndpoint
	for rows.Next() {
		ep, err := scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

// --- Bindings ---

const bindingColumns = `id, token_id, pool_id, primary_proxy_id, override_proxy_id,
	override_expires_at, override_attempt, updated_at`

// GetBinding returns the binding for (token, pool), or nil.
func (r *ProxyRepository) GetBinding(ctx context.Context, tokenID, poolID int64) (*models.TokenProxyBinding, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+bindingColumns+` FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`,
		tokenID, poolID)
	b, err := scanBinding(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return b, err
}

// UpsertBinding creates or repoints the binding's primary endpoint.
func (r *ProxyRepository) UpsertBinding(ctx context.Context, tokenID, poolID, primaryProxyID int64) (int64, error) {
	now := FormatTime(time.Now())
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO token_proxy_bindings (token_id, pool_id, primary_proxy_id, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(token_id, pool_id) DO UPDATE SET primary_proxy_id = excluded.primary_proxy_id, updated_at = excluded.updated_at`,
		tokenID, poolID, primaryProxyID, now)
	if err != nil {
		return 0, err
	}
	var id int64
	err = r.db.QueryRowContext(ctx,
		`SELECT id FROM token_proxy_bindings WHERE token_id = ? AND pool_id = ?`,
		tokenID, poolID).Scan(&id)
	return id, err
}

// SetOverride installs a time-boxed proxy override and bumps the
// per-binding attempt counter that drives the TTL schedule.
func (r *ProxyRepository) SetOverride(ctx context.Context, bindingID, overrideProxyID int64, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings
		 SET override_proxy_id = ?, override_expires_at = ?,
		     override_attempt = override_attempt + 1, updated_at = ?
		 WHERE id = ?`,
		overrideProxyID, FormatTime(expiresAt), FormatTime(time.Now()), bindingID)
	return err
}

// ClearOverride drops the override and resets the attempt counter.
func (r *ProxyRepository) ClearOverride(ctx context.Context, bindingID int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE token_proxy_bindings
		 SET override_proxy_id = NULL, override_expires_at = NULL, override_attempt = 0, updated_at = ?
		 WHERE id = ?`,
		FormatTime(time.Now()), bindingID)
	return err
}

func scanEndpoint(row rowScanner) (*models.ProxyEndpoint, error) {
	var ep models.ProxyEndpoint
	var username, passwordEnc sql.NullString
	var enabled int
	var latency sql.NullInt64
	var lastOk, lastFail, blacklisted, lastErr sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&ep.ID, &ep.Scheme, &ep.Host, &ep.Port, &username, &passwordEnc, &enabled, &ep.Source,
		&latency, &lastOk, &lastFail, &ep.SuccessCount, &ep.FailureCount,
		&blacklisted, &lastErr, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	ep.Username = strPtr(username)
	ep.PasswordEnc = strPtr(passwordEnc)
	ep.Enabled = enabled == 1
	ep.LastLatencyMs = intPtr(latency)
	ep.LastOkAt = timePtr(lastOk)
	ep.LastFailAt = timePtr(lastFail)
	ep.BlacklistedUntil = timePtr(blacklisted)
	ep.LastError = strPtr(lastErr)
	ep.CreatedAt, _ = ParseTime(createdAt)
	ep.UpdatedAt, _ = ParseTime(updatedAt)
	return &ep, nil
}

func scanBinding(row rowScanner) (*models.TokenProxyBinding, error) {
	var b models.TokenProxyBinding
	var overrideID sql.NullInt64
	var overrideExpires sql.NullString
	var updatedAt string

	err := row.Scan(&b.ID, &b.TokenID, &b.PoolID, &b.PrimaryProxyID,
		&overrideID, &overrideExpires, &b.OverrideAttempt, &updatedAt)
	if err != nil {
		return nil, err
	}

	b.OverrideProxyID = int64Ptr(overrideID)
	b.OverrideExpiresAt = timePtr(overrideExpires)
	b.UpdatedAt, _ = ParseTime(updatedAt)
	return &b, nil
}

// qualify prefixes each column in a comma list with an alias.
func qualify(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = alias + "." + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}
