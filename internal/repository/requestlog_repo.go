package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// RequestLogRepository persists per-request access records and serves
// the retention cleanup job.
type RequestLogRepository struct {
	db *sql.DB
}

// NewRequestLogRepository creates a new RequestLogRepository.
func NewRequestLogRepository(db *sql.DB) *RequestLogRepository {
	return &RequestLogRepository{db: db}
}

// Insert stores one access record.
func (r *RequestLogRepository) Insert(ctx context.Context, e *models.RequestLogEntry) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO request_logs (request_id, method, path, status, latency_ms, client_ip, api_key_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.Method, e.Path, e.Status, e.LatencyMs, e.ClientIP,
		nullInt64FromPtr(e.APIKeyID), FormatTime(time.Now()))
	return err
}

// DeleteBefore removes records older than the cutoff and returns the
// number deleted.
func (r *RequestLogRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM request_logs WHERE created_at < ?`, FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Recent returns the newest records, descending by id.
func (r *RequestLogRepository) Recent(ctx context.Context, limit int) ([]models.RequestLogEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, request_id, method, path, status, latency_ms, client_ip, api_key_id, created_at
		 FROM request_logs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.RequestLogEntry
	for rows.Next() {
		var e models.RequestLogEntry
		var apiKeyID sql.NullInt64
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Method, &e.Path, &e.Status,
			&e.LatencyMs, &e.ClientIP, &apiKeyID, &createdAt); err != nil {
			return nil, err
		}
		e.APIKeyID = int64Ptr(apiKeyID)
		e.CreatedAt, _ = ParseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

func nullInt64FromPtr(p *int64) any {
	if p == nil {
		return nil
	}
	return *p
}
