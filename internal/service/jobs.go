package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
)

// JobHandlers implements the background job types and registers them
// on a worker.
type JobHandlers struct {
	cfg       *config.Config
	images    *repository.ImageRepository
	imports   *repository.ImportRepository
	proxies   *repository.ProxyRepository
	logs      *repository.RequestLogRepository
	jobs      *repository.JobRepository
	hydration *repository.HydrationRepository
	selector  *Selector
	cache     *TokenCache
	pixiv     *PixivClient
	clients   *OutboundClients
	settings  *SettingsService
	logger    *zap.Logger
}

// NewJobHandlers creates the handler set.
func NewJobHandlers(
	cfg *config.Config,
	images *repository.ImageRepository,
	imports *repository.ImportRepository,
	proxies *repository.ProxyRepository,
	logs *repository.RequestLogRepository,
	jobs *repository.JobRepository,
	hydration *repository.HydrationRepository,
	selector *Selector,
	cache *TokenCache,
	pixiv *PixivClient,
	clients *OutboundClients,
	settings *SettingsService,
	logger *zap.Logger,
) *JobHandlers {
	return &JobHandlers{
		cfg:       cfg,
		images:    images,
		imports:   imports,
		proxies:   proxies,
		logs:      logs,
		jobs:      jobs,
		hydration: hydration,
		selector:  selector,
		cache:     cache,
		pixiv:     pixiv,
		clients:   clients,
		settings:  settings,
		logger:    logger,
	}
}

// RegisterAll binds every handler to its job type.
func (h *JobHandlers) RegisterAll(w *Worker) {
	w.Register(models.JobTypeImportURLs, h.HandleImportURLs)
	w.Register(models.JobTypeHydrateMetadata, h.HandleHydrateMetadata)
	w.Register(models.JobTypeHealURL, h.HandleHealURL)
	w.Register(models.JobTypeProxyProbe, h.HandleProxyProbe)
	w.Register(models.JobTypeCleanupRequestLog, h.HandleCleanupRequestLogs)
}

// ImportURLsPayload is the import_urls job payload.
type ImportURLsPayload struct {
	URLs   []string `json:"urls"`
	Source string   `json:"source"`
}

// ImportResult is the per-batch outcome persisted to imports.
type ImportResult struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// HandleImportURLs parses original-image URLs and inserts image rows.
// Duplicates count as skipped, malformed URLs as errors; the batch
// never fails on individual rows.
func (h *JobHandlers) HandleImportURLs(ctx context.Context, job *models.Job) error {
	var payload ImportURLsPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}

	result := h.ImportURLs(ctx, payload.URLs)

	source := payload.Source
	if source == "" {
		source = "job"
	}
	if _, err := h.imports.Record(ctx, &models.Import{
		Source:       source,
		TotalCount:   result.Total,
		CreatedCount: result.Created,
		SkippedCount: result.Skipped,
		ErrorCount:   result.Errors,
	}); err != nil {
		h.logger.Warn("record import batch failed", zap.Error(err))
	}

	h.logger.Info("import finished",
		zap.Int64("job_id", job.ID),
		zap.Int("total", result.Total),
		zap.Int("created", result.Created),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", result.Errors))
	return nil
}

// ImportURLs inserts one image row per parseable URL. Shared with the
// synchronous admin import endpoint.
func (h *JobHandlers) ImportURLs(ctx context.Context, urls []string) ImportResult {
	result := ImportResult{Total: len(urls)}
	for _, raw := range urls {
		parsed, err := ParseImageURL(raw)
		if err != nil {
			result.Errors++
			h.logger.Debug("skipping unsupported url", zap.String("error", redact.Error(err)))
			continue
		}
		_, err = h.images.Insert(ctx, &models.Image{
			IllustID:    parsed.IllustID,
			PageIndex:   parsed.PageIndex,
			Extension:   parsed.Extension,
			OriginalURL: parsed.OriginalURL,
			ProxyPath:   parsed.ProxyPath,
			RandomKey:   randFloat(),
			Status:      models.ImageStatusActive,
		})
		switch {
		case err == nil:
			result.Created++
		case repository.IsUniqueViolation(err):
			result.Skipped++
		default:
			result.Errors++
			h.logger.Warn("image insert failed", zap.Int64("illust_id", parsed.IllustID), zap.Error(err))
		}
	}
	return result
}

// hydratePayload covers hydrate_metadata and heal_url jobs, both
// keyed on the illustration.
type hydratePayload struct {
	IllustID int64 `json:"illust_id"`
	RunID    int64 `json:"run_id,omitempty"`
}

// HandleHydrateMetadata fetches illust metadata upstream and persists
// it across every page of the illustration.
func (h *JobHandlers) HandleHydrateMetadata(ctx context.Context, job *models.Job) error {
	payload, err := h.illustPayload(job)
	if err != nil {
		return err
	}

	detail, err := h.fetchDetail(ctx, payload.IllustID)
	if err != nil {
		h.trackRun(ctx, payload.RunID, false)
		return err
	}

	update := repository.HydrationUpdate{
		Width:          detail.Width,
		Height:         detail.Height,
		XRestrict:      detail.XRestrict,
		AIType:         detail.AIType,
		IllustType:     detail.IllustType,
		UserID:         detail.UserID,
		UserName:       detail.UserName,
		Title:          detail.Title,
		CreatedAtPixiv: detail.CreateDate,
		BookmarkCount:  detail.TotalBookmarks,
		ViewCount:      detail.TotalView,
		CommentCount:   detail.TotalComments,
	}
	for _, tag := range detail.Tags {
		update.TagNames = append(update.TagNames, tag.Name)
	}

	if err := h.images.ApplyHydration(ctx, payload.IllustID, update); err != nil {
		h.trackRun(ctx, payload.RunID, false)
		return err
	}
	h.trackRun(ctx, payload.RunID, true)
	return nil
}

// HandleHealURL re-resolves a broken image's original URL upstream.
// The row only transitions back to active when the refreshed URL
// differs or a verification fetch succeeds.
func (h *JobHandlers) HandleHealURL(ctx context.Context, job *models.Job) error {
	payload, err := h.illustPayload(job)
	if err != nil {
		return err
	}

	pages, err := h.images.FindByIllust(ctx, payload.IllustID)
	if err != nil {
		return err
	}
	if len(pages) == 0 {
		h.logger.Warn("heal target vanished", zap.Int64("illust_id", payload.IllustID))
		return nil
	}

	detail, err := h.fetchDetail(ctx, payload.IllustID)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) && appErr.Code == models.CodeUpstream404 {
			// gone upstream, nothing to heal
			h.logger.Info("illust deleted upstream", zap.Int64("illust_id", payload.IllustID))
			return nil
		}
		return err
	}

	healed := 0
	for _, page := range pages {
		if page.Status != models.ImageStatusBroken {
			continue
		}
		if page.PageIndex >= len(detail.PageURLs) {
			continue
		}
		freshURL := detail.PageURLs[page.PageIndex]
		if freshURL == page.OriginalURL && !h.verifyFetch(ctx, freshURL) {
			continue
		}
		ok, err := h.images.HealURL(ctx, page.ID, freshURL)
		if err != nil {
			return err
		}
		if ok {
			healed++
		}
	}

	h.logger.Info("heal finished",
		zap.Int64("illust_id", payload.IllustID),
		zap.Int("healed", healed),
		zap.Int("pages", len(pages)))
	return nil
}

// verifyFetch confirms the URL is servable again with a ranged probe.
func (h *JobHandlers) verifyFetch(ctx context.Context, rawURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false
	}
	SetImageHeaders(req)
	req.Header.Set("Range", "bytes=0-0")

	client, err := h.clients.ClientFor("")
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent
}

// HandleProxyProbe health-checks every enabled endpoint through a
// lightweight upstream request.
func (h *JobHandlers) HandleProxyProbe(ctx context.Context, job *models.Job) error {
	endpoints, err := h.proxies.ListEndpoints(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	for _, ep := range endpoints {
		if !ep.Usable(now) {
			continue
		}
		url, err := h.selector.proxyURL(ep)
		if err != nil {
			h.logger.Warn("probe skipped, bad endpoint", zap.Int64("proxy_id", ep.ID), zap.Error(err))
			continue
		}
		latency, probeErr := h.probeOnce(ctx, url)
		if probeErr != nil {
			if err := h.proxies.MarkProbe(ctx, ep.ID, false, 0, redact.Error(probeErr)); err != nil {
				h.logger.Error("mark probe failed", zap.Error(err))
			}
			continue
		}
		if err := h.proxies.MarkProbe(ctx, ep.ID, true, int(latency.Milliseconds()), ""); err != nil {
			h.logger.Error("mark probe ok failed", zap.Error(err))
		}
	}
	return nil
}

func (h *JobHandlers) probeOnce(ctx context.Context, proxyURL string) (time.Duration, error) {
	client, err := h.clients.ClientFor(proxyURL)
	if err != nil {
		return 0, err
	}

	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, "https://www.pixiv.net/", nil)
	if err != nil {
		return 0, err
	}
	SetImageHeaders(req)

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	resp.Body.Close()
	if resp.StatusCode >= 500 {
		return 0, fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return time.Since(start), nil
}

// HandleCleanupRequestLogs trims request logs past retention and
// completed jobs past a fixed week.
func (h *JobHandlers) HandleCleanupRequestLogs(ctx context.Context, job *models.Job) error {
	days := h.settings.LogRetentionDays(ctx)
	cutoff := time.Now().AddDate(0, 0, -days)

	deleted, err := h.logs.DeleteBefore(ctx, cutoff)
	if err != nil {
		return err
	}

	jobCutoff := time.Now().AddDate(0, 0, -7)
	prunedJobs, err := h.jobs.DeleteCompletedBefore(ctx, jobCutoff)
	if err != nil {
		return err
	}

	h.logger.Info("cleanup finished",
		zap.Int64("request_logs_deleted", deleted),
		zap.Int64("jobs_pruned", prunedJobs),
		zap.Int("retention_days", days))
	return nil
}

// fetchDetail resolves credential + proxy + access token and loads
// illust metadata, applying the selector's recovery policy.
func (h *JobHandlers) fetchDetail(ctx context.Context, illustID int64) (*IllustDetail, error) {
	sel, err := h.selector.Pick(ctx)
	if err != nil {
		var noTok *NoTokenError
		if errors.As(err, &noTok) && noTok.NextRetryAt != nil {
			return nil, &DeferError{RunAfter: *noTok.NextRetryAt, Reason: "no credential available"}
		}
		return nil, err
	}

	accessToken, err := h.cache.Get(ctx, sel.Token.ID)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			h.cache.Invalidate(sel.Token.ID)
			h.selector.ReportFailure(ctx, sel, FailAuth, err)
		} else {
			h.selector.ReportFailure(ctx, sel, FailTransient, err)
		}
		return nil, fmt.Errorf("token refresh: %s", redact.Error(err))
	}

	detail, err := h.pixiv.FetchIllust(ctx, accessToken, sel.ProxyURL, illustID)
	if err != nil {
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			class := FailureClass(appErr)
			if class != FailTransient || appErr.Code == models.CodeUpstream403 {
				h.selector.ReportFailure(ctx, sel, class, err)
			}
			if appErr.Code == models.CodeUpstream403 {
				h.cache.Invalidate(sel.Token.ID)
			}
		}
		return nil, err
	}

	h.selector.ReportSuccess(ctx, sel)
	return detail, nil
}

func (h *JobHandlers) illustPayload(job *models.Job) (*hydratePayload, error) {
	var payload hydratePayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("bad payload: %w", err)
		}
	}
	if payload.IllustID == 0 && job.RefID != nil {
		if id, err := strconv.ParseInt(*job.RefID, 10, 64); err == nil {
			payload.IllustID = id
		}
	}
	if payload.IllustID == 0 {
		return nil, fmt.Errorf("missing illust_id")
	}
	return &payload, nil
}

func (h *JobHandlers) trackRun(ctx context.Context, runID int64, ok bool) {
	if runID == 0 {
		return
	}
	done, failed := 0, 1
	if ok {
		done, failed = 1, 0
	}
	if err := h.hydration.Progress(ctx, runID, done, failed); err != nil {
		h.logger.Warn("hydration run progress failed", zap.Int64("run_id", runID), zap.Error(err))
	}
}
