package service

import (
	"context"
	"database/sql"
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

type testHandlerRepos struct {
	db        *sql.DB
	images    *repository.ImageRepository
	imports   *repository.ImportRepository
	proxies   *repository.ProxyRepository
	logs      *repository.RequestLogRepository
	jobs      *repository.JobRepository
	hydration *repository.HydrationRepository
}

func newTestHandlers(t *testing.T) (*JobHandlers, *testHandlerRepos) {
	t.Helper()

	db := testutil.NewTestDB(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	repos := &testHandlerRepos{
		db:        db,
		images:    repository.NewImageRepository(db),
		imports:   repository.NewImportRepository(db),
		proxies:   repository.NewProxyRepository(db),
		logs:      repository.NewRequestLogRepository(db),
		jobs:      repository.NewJobRepository(db),
		hydration: repository.NewHydrationRepository(db),
	}
	settings := NewSettingsService(repository.NewSettingsRepository(db), cfg, zap.NewNop())

	h := NewJobHandlers(cfg,
		repos.images, repos.imports, repos.proxies, repos.logs, repos.jobs, repos.hydration,
		nil, nil, nil, NewOutboundClients(5*time.Second), settings, zap.NewNop())
	return h, repos
}

func TestImportURLs_CreatedSkippedErrors(t *testing.T) {
	h, repos := newTestHandlers(t)
	ctx := context.Background()

	_, err := repos.images.Insert(ctx, &models.Image{
		IllustID:    500,
		PageIndex:   0,
		Extension:   "jpg",
		OriginalURL: "https://i.pximg.net/img-original/img/2023/01/01/00/00/00/500_p0.jpg",
		ProxyPath:   "/img-original/img/2023/01/01/00/00/00/500_p0.jpg",
		RandomKey:   0.5,
		Status:      models.ImageStatusActive,
	})
	require.NoError(t, err)

	result := h.ImportURLs(ctx, []string{
		"https://i.pximg.net/img-original/img/2023/01/01/00/00/00/500_p0.jpg",
		"https://i.pximg.net/img-original/img/2023/01/01/00/00/00/501_p0.png",
		"https://example.com/not-pixiv.jpg",
	})

	assert.Equal(t, 3, result.Total)
	assert.Equal(t, 1, result.Created)
	assert.Equal(t, 1, result.Skipped)
	assert.Equal(t, 1, result.Errors)

	created, err := repos.images.FindByIdentity(ctx, 501, 0)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "png", created.Extension)
	assert.GreaterOrEqual(t, created.RandomKey, 0.0)
	assert.Less(t, created.RandomKey, 1.0)
}

func TestHandleImportURLs_RecordsBatch(t *testing.T) {
	h, repos := newTestHandlers(t)
	ctx := context.Background()

	job := &models.Job{
		ID:          1,
		Type:        models.JobTypeImportURLs,
		PayloadJSON: `{"urls":["https://i.pximg.net/img-original/img/2023/01/01/00/00/00/600_p0.jpg"],"source":"admin"}`,
	}
	require.NoError(t, h.HandleImportURLs(ctx, job))

	batches, err := repos.imports.List(ctx, 10)
	require.NoError(t, err)
	require.Len(t, batches, 1)
	assert.Equal(t, "admin", batches[0].Source)
	assert.Equal(t, 1, batches[0].TotalCount)
	assert.Equal(t, 1, batches[0].CreatedCount)
}

func TestHandleImportURLs_BadPayload(t *testing.T) {
	h, _ := newTestHandlers(t)

	job := &models.Job{ID: 1, Type: models.JobTypeImportURLs, PayloadJSON: `not json`}
	assert.Error(t, h.HandleImportURLs(context.Background(), job))
}

func TestHandleHealURL_NoPagesIsNoop(t *testing.T) {
	h, _ := newTestHandlers(t)

	job := &models.Job{ID: 1, Type: models.JobTypeHealURL, PayloadJSON: `{"illust_id":999}`}
	assert.NoError(t, h.HandleHealURL(context.Background(), job))
}

func TestHandleHealURL_MissingIllustID(t *testing.T) {
	h, _ := newTestHandlers(t)

	job := &models.Job{ID: 1, Type: models.JobTypeHealURL, PayloadJSON: `{}`}
	assert.Error(t, h.HandleHealURL(context.Background(), job))
}

func TestIllustPayload_RefIDFallback(t *testing.T) {
	h, _ := newTestHandlers(t)

	refID := "12345"
	job := &models.Job{ID: 1, Type: models.JobTypeHydrateMetadata, PayloadJSON: `{}`, RefID: &refID}
	payload, err := h.illustPayload(job)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), payload.IllustID)
}

func TestHandleProxyProbe_NoEndpoints(t *testing.T) {
	h, _ := newTestHandlers(t)

	job := &models.Job{ID: 1, Type: models.JobTypeProxyProbe, PayloadJSON: `{}`}
	assert.NoError(t, h.HandleProxyProbe(context.Background(), job))
}

func TestHandleCleanupRequestLogs(t *testing.T) {
	h, repos := newTestHandlers(t)
	ctx := context.Background()

	exec := func(query string, args ...any) {
		t.Helper()
		_, err := repos.db.Exec(query, args...)
		require.NoError(t, err)
	}

	// one stale record, one fresh
	exec(`INSERT INTO request_logs (request_id, method, path, status, latency_ms, client_ip, created_at)
	      VALUES ('req_old', 'GET', '/random', 200, 12, '127.0.0.1', '2020-01-01T00:00:00.000Z')`)
	require.NoError(t, repos.logs.Insert(ctx, &models.RequestLogEntry{
		RequestID: "req_new", Method: "GET", Path: "/random", Status: 200, LatencyMs: 5, ClientIP: "127.0.0.1",
	}))

	// one ancient completed job, one recent pending
	exec(`INSERT INTO jobs (type, status, priority, attempt, max_attempts, payload_json, created_at, updated_at)
	      VALUES ('import_urls', 'completed', 0, 1, 3, '{}', '2020-01-01T00:00:00.000Z', '2020-01-01T00:00:00.000Z')`)
	_, err := repos.jobs.Enqueue(ctx, repository.EnqueueParams{Type: models.JobTypeImportURLs})
	require.NoError(t, err)

	job := &models.Job{ID: 99, Type: models.JobTypeCleanupRequestLog, PayloadJSON: `{}`}
	require.NoError(t, h.HandleCleanupRequestLogs(ctx, job))

	remaining, err := repos.logs.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "req_new", remaining[0].RequestID)

	counts, err := repos.jobs.CountsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts[models.JobStatusCompleted])
	assert.Equal(t, 1, counts[models.JobStatusPending])
}
