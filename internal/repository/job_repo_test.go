package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/tests/testutil"
)

func newJobRepo(t *testing.T) *JobRepository {
	return NewJobRepository(testutil.NewTestDB(t))
}

func TestEnqueueDeduplicatesByRef(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHydrateMetadata,
		RefType: models.JobRefHydrationRun,
		RefID:   "123",
	})
	require.NoError(t, err)
	require.NotNil(t, id)

	// Same identity while pending is a no-op.
	dup, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHydrateMetadata,
		RefType: models.JobRefHydrationRun,
		RefID:   "123",
	})
	require.NoError(t, err)
	assert.Nil(t, dup)

	// Different ref id is a fresh job.
	other, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHydrateMetadata,
		RefType: models.JobRefHydrationRun,
		RefID:   "124",
	})
	require.NoError(t, err)
	require.NotNil(t, other)
	assert.NotEqual(t, *id, *other)

	// Ref-less jobs never dedup.
	a, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeCleanupRequestLog})
	require.NoError(t, err)
	b, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeCleanupRequestLog})
	require.NoError(t, err)
	require.NotNil(t, a)
	require.NotNil(t, b)
}

func TestEnqueueDedupReleasedOnCompletion(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	id, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHealURL,
		RefType: models.JobRefBrokenImage,
		RefID:   "55",
	})
	require.NoError(t, err)
	require.NotNil(t, id)

	job, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Still running: identity blocked.
	dup, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHealURL,
		RefType: models.JobRefBrokenImage,
		RefID:   "55",
	})
	require.NoError(t, err)
	assert.Nil(t, dup)

	require.NoError(t, repo.MarkCompleted(ctx, job.ID, "w1"))

	// Completed jobs release the identity.
	again, err := repo.Enqueue(ctx, EnqueueParams{
		Type:    models.JobTypeHealURL,
		RefType: models.JobRefBrokenImage,
		RefID:   "55",
	})
	require.NoError(t, err)
	assert.NotNil(t, again)
}

func TestClaimOrdersByPriorityThenID(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	low, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs, Priority: 0})
	require.NoError(t, err)
	high, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs, Priority: 10})
	require.NoError(t, err)

	first, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, *high, first.ID)

	second, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, *low, second.ID)
}

func TestClaimSkipsFutureRunAfterAndLockedRows(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	future := now.Add(time.Hour)
	_, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs, RunAfter: &future})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	assert.Nil(t, job)

	// Due job gets claimed once; the second worker sees nothing.
	_, err = repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeProxyProbe})
	require.NoError(t, err)

	job, err = repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, job)

	stolen, err := repo.Claim(ctx, "w2", 5*time.Minute, now)
	require.NoError(t, err)
	assert.Nil(t, stolen)
}

func TestClaimConcurrentSingleWinner(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	id, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs})
	require.NoError(t, err)
	require.NotNil(t, id)

	type claimResult struct {
		job *models.Job
		err error
	}
	results := make(chan claimResult, 2)
	var start sync.WaitGroup
	start.Add(1)
	for _, worker := range []string{"w1", "w2"} {
		go func(worker string) {
			start.Wait()
			job, err := repo.Claim(ctx, worker, 5*time.Minute, now)
			results <- claimResult{job: job, err: err}
		}(worker)
	}
	start.Done()

	var winners []*models.Job
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		if r.job != nil {
			winners = append(winners, r.job)
		}
	}
	require.Len(t, winners, 1)

	got, err := repo.Get(ctx, *id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusRunning, got.Status)
	require.NotNil(t, got.LockedBy)
	require.NotNil(t, winners[0].LockedBy)
	assert.Equal(t, *winners[0].LockedBy, *got.LockedBy)
}

func TestClaimReclaimsExpiredLockAndOldOwnerLosesIt(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	_, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeProxyProbe})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Past the lock TTL another worker takes over.
	later := now.Add(10 * time.Minute)
	reclaimed, err := repo.Claim(ctx, "w2", 5*time.Minute, later)
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	assert.Equal(t, job.ID, reclaimed.ID)

	// The original owner can no longer renew or finalize.
	assert.ErrorIs(t, repo.Renew(ctx, job.ID, "w1", later), ErrLockLost)
	assert.ErrorIs(t, repo.MarkCompleted(ctx, job.ID, "w1"), ErrLockLost)

	require.NoError(t, repo.MarkCompleted(ctx, job.ID, "w2"))
}

func TestFailRetryIncrementsAttemptDeferDoesNot(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	id, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs, MaxAttempts: 5})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkFailedRetry(ctx, job.ID, "w1", now.Add(time.Minute), "boom"))

	got, err := repo.Get(ctx, *id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "boom", *got.LastError)

	// Defer reschedules without burning an attempt.
	job, err = repo.Claim(ctx, "w1", 5*time.Minute, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, job)
	require.NoError(t, repo.Defer(ctx, job.ID, "w1", now.Add(time.Hour), "no token"))

	got, err = repo.Get(ctx, *id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 1, got.Attempt)
}

func TestMarkPermanentForcesDLQ(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()
	now := time.Now()

	id, err := repo.Enqueue(ctx, EnqueueParams{Type: "bogus_type", MaxAttempts: 5})
	require.NoError(t, err)

	job, err := repo.Claim(ctx, "w1", 5*time.Minute, now)
	require.NoError(t, err)
	require.NoError(t, repo.MarkPermanent(ctx, job.ID, "w1", "unknown job type"))

	got, err := repo.Get(ctx, *id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusDLQ, got.Status)
	assert.Equal(t, got.Attempt, got.MaxAttempts)
}

func TestAdminTransitions(t *testing.T) {
	repo := newJobRepo(t)
	ctx := context.Background()

	id, err := repo.Enqueue(ctx, EnqueueParams{Type: models.JobTypeImportURLs})
	require.NoError(t, err)

	moved, err := repo.Pause(ctx, *id)
	require.NoError(t, err)
	assert.True(t, moved)

	// Pausing a paused job is not an eligible transition.
	moved, err = repo.Pause(ctx, *id)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = repo.Resume(ctx, *id)
	require.NoError(t, err)
	assert.True(t, moved)

	moved, err = repo.Cancel(ctx, *id)
	require.NoError(t, err)
	assert.True(t, moved)

	// Retry resets the attempt counter and requeues.
	moved, err = repo.Retry(ctx, *id)
	require.NoError(t, err)
	assert.True(t, moved)

	got, err := repo.Get(ctx, *id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusPending, got.Status)
	assert.Equal(t, 0, got.Attempt)
	assert.Nil(t, got.RunAfter)
}
