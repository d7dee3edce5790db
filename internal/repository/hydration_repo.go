package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// HydrationRepository tracks metadata backfill batches.
type HydrationRepository struct {
	db *sql.DB
}

// NewHydrationRepository creates a new HydrationRepository.
func NewHydrationRepository(db *sql.DB) *HydrationRepository {
	return &HydrationRepository{db: db}
}

// Create opens a new run covering total illustrations.
func (r *HydrationRepository) Create(ctx context.Context, total int) (int64, error) {
	now := FormatTime(time.Now())
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO hydration_runs (status, total_count, done_count, failed_count, started_at, created_at)
		 VALUES ('running', ?, 0, 0, ?, ?)`, total, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Progress adds to the done and failed counters.
func (r *HydrationRepository) Progress(ctx context.Context, id int64, done, failed int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET done_count = done_count + ?, failed_count = failed_count + ? WHERE id = ?`,
		done, failed, id)
	return err
}

// Finish closes the run with a terminal status.
func (r *HydrationRepository) Finish(ctx context.Context, id int64, status string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE hydration_runs SET status = ?, finished_at = ? WHERE id = ?`,
		status, FormatTime(time.Now()), id)
	return err
}

// Get returns one run, or nil when absent.
func (r *HydrationRepository) Get(ctx context.Context, id int64) (*models.HydrationRun, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, status, total_count, done_count, failed_count, started_at, finished_at, created_at
		 FROM hydration_runs WHERE id = ?`, id)
	run, err := scanHydrationRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return run, err
}

// List returns the newest runs, descending by id.
func (r *HydrationRepository) List(ctx context.Context, limit int) ([]*models.HydrationRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, status, total_count, done_count, failed_count, started_at, finished_at, created_at
		 FROM hydration_runs ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.HydrationRun
	for rows.Next() {
		run, err := scanHydrationRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanHydrationRun(row rowScanner) (*models.HydrationRun, error) {
	var run models.HydrationRun
	var started, finished sql.NullString
	var createdAt string

	err := row.Scan(&run.ID, &run.Status, &run.TotalCount, &run.DoneCount, &run.FailedCount,
		&started, &finished, &createdAt)
	if err != nil {
		return nil, err
	}

	run.StartedAt = timePtr(started)
	run.FinishedAt = timePtr(finished)
	run.CreatedAt, _ = ParseTime(createdAt)
	return &run, nil
}
