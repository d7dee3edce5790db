package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// AuditRepository records admin mutations. Detail strings must be
// redacted before they reach this layer.
type AuditRepository struct {
	db *sql.DB
}

// NewAuditRepository creates a new AuditRepository.
func NewAuditRepository(db *sql.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record stores one audit entry.
func (r *AuditRepository) Record(ctx context.Context, actor, action, target, detail string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO admin_audit (actor, action, target, detail, created_at) VALUES (?, ?, ?, ?, ?)`,
		actor, action, target, truncate(detail, 2000), FormatTime(time.Now()))
	return err
}

// Recent returns the newest entries, descending by id.
func (r *AuditRepository) Recent(ctx context.Context, limit int) ([]models.AdminAudit, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, actor, action, target, detail, created_at FROM admin_audit ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.AdminAudit
	for rows.Next() {
		var a models.AdminAudit
		var createdAt string
		if err := rows.Scan(&a.ID, &a.Actor, &a.Action, &a.Target, &a.Detail, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt, _ = ParseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
