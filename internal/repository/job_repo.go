package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/user/pixrand-go/internal/models"
)

// ErrLockLost is returned when a renew/finalize no longer holds the
// claim (lock expired and another worker took over, or the job was
// canceled underneath us).
var ErrLockLost = errors.New("job lock lost")

const maxLastErrorLen = 2000

// JobRepository implements the durable queue and its state machine.
type JobRepository struct {
	db *sql.DB
}

// NewJobRepository creates a new JobRepository.
func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// EnqueueParams describes one enqueue request.
type EnqueueParams struct {
	Type        string
	PayloadJSON string
	Priority    int
	RefType     string
	RefID       string
	MaxAttempts int
	RunAfter    *time.Time
}

// Enqueue inserts a pending job and returns its id. When RefType and
// RefID are set and a job with the same (type, ref_type, ref_id)
// already sits in pending or running, the enqueue is a no-op and
// returns nil.
func (r *JobRepository) Enqueue(ctx context.Context, p EnqueueParams) (*int64, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.PayloadJSON == "" {
		p.PayloadJSON = "{}"
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if p.RefType != "" && p.RefID != "" {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM jobs
			 WHERE type = ? AND ref_type = ? AND ref_id = ? AND status IN ('pending', 'running')
			 LIMIT 1`,
			p.Type, p.RefType, p.RefID).Scan(&existing)
		if err == nil {
			return nil, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}

	now := FormatTime(time.Now())
	var refType, refID any
	if p.RefType != "" {
		refType = p.RefType
	}
	if p.RefID != "" {
		refID = p.RefID
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (type, status, priority, run_after, attempt, max_attempts, payload_json, ref_type, ref_id, created_at, updated_at)
		 VALUES (?, 'pending', ?, ?, 0, ?, ?, ?, ?, ?, ?)`,
		p.Type, p.Priority, nullTime(p.RunAfter), p.MaxAttempts, p.PayloadJSON, refType, refID, now, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &id, nil
}

const jobColumns = `id, type, status, priority, run_after, attempt, max_attempts,
	payload_json, last_error, locked_by, locked_at, ref_type, ref_id, created_at, updated_at`

// Claim atomically takes one eligible job for workerID. Eligible means
// status in {pending, failed, running}, run_after due, and any previous
// lock older than lockTTL. Highest priority first, then lowest id.
// Returns nil when the queue is idle.
func (r *JobRepository) Claim(ctx context.Context, workerID string, lockTTL time.Duration, now time.Time) (*models.Job, error) {
	nowStr := FormatTime(now)
	staleBefore := FormatTime(now.Add(-lockTTL))

	// Single UPDATE with RETURNING: SQLite serializes writers, so two
	// concurrent claims can never return the same row.
	row := r.db.QueryRowContext(ctx,
		`UPDATE jobs
		 SET status = 'running', locked_by = ?, locked_at = ?, updated_at = ?
		 WHERE id = (
			SELECT id FROM jobs
			WHERE status IN ('pending', 'failed', 'running')
			  AND (run_after IS NULL OR run_after <= ?)
			  AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY priority DESC, id ASC
			LIMIT 1
		 )
		 RETURNING `+jobColumns,
		workerID, nowStr, nowStr, nowStr, staleBefore)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Renew refreshes the claim's locked_at. Fails with ErrLockLost when
// the caller no longer holds the job.
func (r *JobRepository) Renew(ctx context.Context, jobID int64, workerID string, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET locked_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		FormatTime(now), FormatTime(now), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// MarkCompleted finalizes running → completed under the live claim.
func (r *JobRepository) MarkCompleted(ctx context.Context, jobID int64, workerID string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'completed', locked_by = NULL, locked_at = NULL,
		     run_after = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		FormatTime(time.Now()), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// MarkFailedRetry finalizes running → failed with attempt+1 and a
// scheduled retry. lastError must already be redacted by the caller.
func (r *JobRepository) MarkFailedRetry(ctx context.Context, jobID int64, workerID string, runAfter time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', attempt = attempt + 1, run_after = ?,
		     locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		FormatTime(runAfter), truncate(lastError, maxLastErrorLen), FormatTime(time.Now()), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// MarkDLQ finalizes running → dlq when retries are exhausted.
func (r *JobRepository) MarkDLQ(ctx context.Context, jobID int64, workerID string, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'dlq', attempt = attempt + 1, run_after = NULL,
		     locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		truncate(lastError, maxLastErrorLen), FormatTime(time.Now()), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// MarkPermanent short-circuits to dlq without waiting out retries by
// forcing max_attempts to the current attempt. Used for unknown job
// types and other unrecoverable failures.
func (r *JobRepository) MarkPermanent(ctx context.Context, jobID int64, workerID string, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'dlq', max_attempts = attempt + 1, attempt = attempt + 1,
		     run_after = NULL, locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		truncate(lastError, maxLastErrorLen), FormatTime(time.Now()), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// Defer finalizes running → failed with a delayed retry and no attempt
// increment. Used for storage-busy and handler-requested delays.
func (r *JobRepository) Defer(ctx context.Context, jobID int64, workerID string, runAfter time.Time, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'failed', run_after = ?,
		     locked_by = NULL, locked_at = NULL, last_error = ?, updated_at = ?
		 WHERE id = ? AND status = 'running' AND locked_by = ?`,
		FormatTime(runAfter), truncate(lastError, maxLastErrorLen), FormatTime(time.Now()), jobID, workerID)
	if err != nil {
		return err
	}
	return requireClaimed(res)
}

// Pause moves pending → paused.
func (r *JobRepository) Pause(ctx context.Context, jobID int64) (bool, error) {
	return r.transition(ctx, jobID, []string{models.JobStatusPending}, models.JobStatusPaused)
}

// Resume moves paused → pending.
func (r *JobRepository) Resume(ctx context.Context, jobID int64) (bool, error) {
	return r.transition(ctx, jobID, []string{models.JobStatusPaused}, models.JobStatusPending)
}

// Cancel moves {pending, paused, failed} → canceled.
func (r *JobRepository) Cancel(ctx context.Context, jobID int64) (bool, error) {
	return r.transition(ctx, jobID,
		[]string{models.JobStatusPending, models.JobStatusPaused, models.JobStatusFailed},
		models.JobStatusCanceled)
}

// Retry moves {failed, dlq, canceled} back to pending with a reset
// attempt counter.
func (r *JobRepository) Retry(ctx context.Context, jobID int64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs
		 SET status = 'pending', attempt = 0, run_after = NULL, last_error = NULL, updated_at = ?
		 WHERE id = ? AND status IN ('failed', 'dlq', 'canceled')`,
		FormatTime(time.Now()), jobID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (r *JobRepository) transition(ctx context.Context, jobID int64, from []string, to string) (bool, error) {
	placeholders := ""
	args := []any{to, FormatTime(time.Now()), jobID}
	for i, s := range from {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, s)
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Get returns one job by id.
func (r *JobRepository) Get(ctx context.Context, id int64) (*models.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// List returns jobs filtered by optional status and type, newest first.
func (r *JobRepository) List(ctx context.Context, status, jobType string, limit, offset int) ([]*models.Job, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	if jobType != "" {
		query += ` AND type = ?`
		args = append(args, jobType)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// CountsByStatus returns job counts keyed by status.
func (r *JobRepository) CountsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// DeleteCompletedBefore prunes completed/canceled jobs older than cutoff.
func (r *JobRepository) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE status IN ('completed', 'canceled') AND updated_at < ?`,
		FormatTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*models.Job, error) {
	var j models.Job
	var runAfter, lastError, lockedBy, lockedAt, refType, refID sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&j.ID, &j.Type, &j.Status, &j.Priority, &runAfter, &j.Attempt, &j.MaxAttempts,
		&j.PayloadJSON, &lastError, &lockedBy, &lockedAt, &refType, &refID, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	j.RunAfter = timePtr(runAfter)
	j.LastError = strPtr(lastError)
	j.LockedBy = strPtr(lockedBy)
	j.LockedAt = timePtr(lockedAt)
	j.RefType = strPtr(refType)
	j.RefID = strPtr(refID)
	j.CreatedAt, _ = ParseTime(createdAt)
	j.UpdatedAt, _ = ParseTime(updatedAt)
	return &j, nil
}

func requireClaimed(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
