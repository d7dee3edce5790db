package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// ImportRepository records URL import batches for the admin history.
type ImportRepository struct {
	db *sql.DB
}

// NewImportRepository creates a new ImportRepository.
func NewImportRepository(db *sql.DB) *ImportRepository {
	return &ImportRepository{db: db}
}

// Record stores one finished import batch.
func (r *ImportRepository) Record(ctx context.Context, imp *models.Import) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO imports (source, total_count, created_count, skipped_count, error_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		imp.Source, imp.TotalCount, imp.CreatedCount, imp.SkippedCount, imp.ErrorCount, FormatTime(time.Now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// List returns the newest batches, descending by id.
func (r *ImportRepository) List(ctx context.Context, limit int) ([]models.Import, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, source, total_count, created_count, skipped_count, error_count, created_at
		 FROM imports ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Import
	for rows.Next() {
		var imp models.Import
		var createdAt string
		if err := rows.Scan(&imp.ID, &imp.Source, &imp.TotalCount, &imp.CreatedCount,
			&imp.SkippedCount, &imp.ErrorCount, &createdAt); err != nil {
			return nil, err
		}
		imp.CreatedAt, _ = ParseTime(createdAt)
		out = append(out, imp)
	}
	return out, rows.Err()
}
