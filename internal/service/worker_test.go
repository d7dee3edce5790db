package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/tests/testutil"
)

func newTestWorker(t *testing.T) (*Worker, *repository.JobRepository, *sql.DB) {
	t.Helper()

	db := testutil.NewTestDB(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	jobs := repository.NewJobRepository(db)
	settings := NewSettingsService(repository.NewSettingsRepository(db), cfg, zap.NewNop())
	return NewWorker(cfg, jobs, settings, zap.NewNop()), jobs, db
}

func enqueueTest(t *testing.T, jobs *repository.JobRepository, jobType string, maxAttempts int) int64 {
	t.Helper()
	id, err := jobs.Enqueue(context.Background(), repository.EnqueueParams{
		Type:        jobType,
		PayloadJSON: `{}`,
		MaxAttempts: maxAttempts,
	})
	require.NoError(t, err)
	require.NotNil(t, id)
	return *id
}

func TestWorkerDispatch_Completes(t *testing.T) {
	w, jobs, _ := newTestWorker(t)
	ctx := context.Background()

	calls := 0
	w.Register("noop", func(ctx context.Context, job *models.Job) error {
		calls++
		return nil
	})
	id := enqueueTest(t, jobs, "noop", 3)

	assert.Equal(t, 1, w.claimAndDispatch(ctx))
	assert.Equal(t, 1, calls)

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Nil(t, job.LockedBy)
}

func TestWorkerDispatch_UnknownTypeGoesToDLQ(t *testing.T) {
	w, jobs, _ := newTestWorker(t)
	ctx := context.Background()

	id := enqueueTest(t, jobs, "nope", 5)
	assert.Equal(t, 1, w.claimAndDispatch(ctx))

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDLQ, job.Status)
	// permanent failures close the retry window immediately
	assert.Equal(t, job.Attempt, job.MaxAttempts)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "unknown job type")
}

func TestWorkerDispatch_RetryThenDLQ(t *testing.T) {
	w, jobs, db := newTestWorker(t)
	ctx := context.Background()

	w.Register("flaky", func(ctx context.Context, job *models.Job) error {
		return errors.New("boom")
	})
	id := enqueueTest(t, jobs, "flaky", 2)

	assert.Equal(t, 1, w.claimAndDispatch(ctx))
	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 1, job.Attempt)
	require.NotNil(t, job.RunAfter)
	assert.True(t, job.RunAfter.After(time.Now()))

	// make the retry due now
	_, err = db.Exec(`UPDATE jobs SET run_after = '2020-01-01T00:00:00.000Z' WHERE id = ?`, id)
	require.NoError(t, err)

	assert.Equal(t, 1, w.claimAndDispatch(ctx))
	job, err = jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDLQ, job.Status)
	assert.Equal(t, 2, job.Attempt)
}

func TestWorkerDispatch_DeferKeepsAttempt(t *testing.T) {
	w, jobs, _ := newTestWorker(t)
	ctx := context.Background()

	until := time.Now().Add(time.Hour)
	w.Register("busy", func(ctx context.Context, job *models.Job) error {
		return &DeferError{RunAfter: until, Reason: "waiting on upstream"}
	})
	id := enqueueTest(t, jobs, "busy", 3)

	assert.Equal(t, 1, w.claimAndDispatch(ctx))

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Equal(t, 0, job.Attempt)
	require.NotNil(t, job.RunAfter)
	assert.WithinDuration(t, until, *job.RunAfter, time.Second)
}

func TestWorkerClaim_SkipsFutureRunAfter(t *testing.T) {
	w, jobs, _ := newTestWorker(t)
	ctx := context.Background()

	future := time.Now().Add(time.Hour)
	_, err := jobs.Enqueue(ctx, repository.EnqueueParams{
		Type:        "noop",
		PayloadJSON: `{}`,
		RunAfter:    &future,
	})
	require.NoError(t, err)

	w.Register("noop", func(ctx context.Context, job *models.Job) error { return nil })
	assert.Equal(t, 0, w.claimAndDispatch(ctx))
}

func TestWorkerClaim_ReclaimsExpiredLock(t *testing.T) {
	w, jobs, db := newTestWorker(t)
	ctx := context.Background()

	id := enqueueTest(t, jobs, "noop", 3)

	// simulate a dead worker holding a stale lock
	stale := repository.FormatTime(time.Now().Add(-time.Hour))
	_, err := db.Exec(`UPDATE jobs SET status = 'running', locked_by = 'dead-worker', locked_at = ? WHERE id = ?`, stale, id)
	require.NoError(t, err)

	w.Register("noop", func(ctx context.Context, job *models.Job) error { return nil })
	assert.Equal(t, 1, w.claimAndDispatch(ctx))

	job, err := jobs.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

func TestWorkerPeriodicEnqueues_RefDedup(t *testing.T) {
	w, jobs, _ := newTestWorker(t)
	ctx := context.Background()

	w.periodicEnqueues(ctx)
	w.mu.Lock()
	w.lastProbe = time.Time{}
	w.lastCleanup = time.Time{}
	w.mu.Unlock()
	w.periodicEnqueues(ctx)

	probes, err := jobs.List(ctx, "", models.JobTypeProxyProbe, 10, 0)
	require.NoError(t, err)
	assert.Len(t, probes, 1)

	cleanups, err := jobs.List(ctx, "", models.JobTypeCleanupRequestLog, 10, 0)
	require.NoError(t, err)
	assert.Len(t, cleanups, 1)
}
