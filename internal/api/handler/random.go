package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/config"
	"github.com/user/pixrand-go/internal/i18n"
	"github.com/user/pixrand-go/internal/metrics"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
)

// RandomHandler serves GET /random.
type RandomHandler struct {
	cfg      *config.Config
	images   *repository.ImageRepository
	jobs     *repository.JobRepository
	picker   *service.Picker
	fetcher  *service.Fetcher
	selector *service.Selector
	signer   *service.ImgproxySigner
	stats    *service.RandomStats
	settings *service.SettingsService
	logger   *zap.Logger
}

// NewRandomHandler creates a RandomHandler. signer may be nil when
// imgproxy is unconfigured.
func NewRandomHandler(
	cfg *config.Config,
	images *repository.ImageRepository,
	jobs *repository.JobRepository,
	picker *service.Picker,
	fetcher *service.Fetcher,
	selector *service.Selector,
	signer *service.ImgproxySigner,
	stats *service.RandomStats,
	settings *service.SettingsService,
	logger *zap.Logger,
) *RandomHandler {
	return &RandomHandler{
		cfg:      cfg,
		images:   images,
		jobs:     jobs,
		picker:   picker,
		fetcher:  fetcher,
		selector: selector,
		signer:   signer,
		stats:    stats,
		settings: settings,
		logger:   logger,
	}
}

// Random implements GET /random.
func (h *RandomHandler) Random(c *gin.Context) {
	start := time.Now()
	ctx := c.Request.Context()

	filters, applied, err := parseFilters(c, h.settings)
	if err != nil {
		h.record(ctx, service.ResultError, start)
		respondError(c, err)
		return
	}

	format := c.DefaultQuery("format", "binary")
	switch format {
	case "binary", "json", "simple_json":
	default:
		h.record(ctx, service.ResultError, start)
		badRequest(c, "unknown format %q", format)
		return
	}

	seed := c.Query("seed")
	strategy := c.Query("strategy")
	redirect := c.Query("redirect") == "1"

	attempts := h.settings.Attempts(ctx)
	if raw := c.Query("attempts"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			h.record(ctx, service.ResultError, start)
			badRequest(c, "attempts must be a positive integer")
			return
		}
		attempts = n
	}

	pick, err := h.picker.Pick(ctx, *filters, seed, strategy)
	if err != nil {
		h.record(ctx, service.ResultError, start)
		respondError(c, err)
		return
	}
	if pick == nil {
		h.record(ctx, service.ResultNoMatch, start)
		respondError(c, models.Errf(models.CodeNoMatch, "no image matched").WithDetails(map[string]any{
			"applied": applied,
			"hints":   i18n.NoMatchHints(applied),
		}))
		return
	}

	if format == "json" || format == "simple_json" {
		h.respondJSON(c, pick, format)
		h.maybeHydrate(ctx, pick.Image)
		h.record(ctx, service.ResultOK, start)
		return
	}

	if redirect {
		c.Header("Cache-Control", "no-store")
		c.Redirect(http.StatusFound, proxyPath(pick.Image))
		h.maybeHydrate(ctx, pick.Image)
		h.record(ctx, service.ResultOK, start)
		return
	}

	h.streamWithRetries(c, pick, *filters, seed, attempts, start)
}

// streamWithRetries streams the picked image, repicking on upstream
// failure until attempts run out.
func (h *RandomHandler) streamWithRetries(c *gin.Context, pick *service.PickResult,
	filters models.RandomFilters, seed string, attempts int, start time.Time) {
	ctx := c.Request.Context()

	var lastErr error
	for i := 0; i < attempts; i++ {
		if pick == nil {
			break
		}
		img := pick.Image

		err := streamImage(c, h.selector, h.fetcher, h.images, h.jobs, img, "no-store")
		if err == nil {
			h.maybeHydrate(ctx, img)
			h.record(ctx, service.ResultOK, start)
			return
		}
		lastErr = err

		if i+1 < attempts {
			// repick with a perturbed seed so the failed image's cooldown
			// takes effect
			nextSeed := ""
			if seed != "" {
				nextSeed = fmt.Sprintf("%s:retry%d", seed, i+1)
			}
			pick, err = h.picker.Pick(ctx, filters, nextSeed, pick.Strategy)
			if err != nil {
				lastErr = err
				break
			}
		}
	}

	h.record(ctx, service.ResultError, start)
	if lastErr == nil {
		lastErr = models.Errf(models.CodeNoMatch, "no image matched")
	}
	respondError(c, lastErr)
}

// respondJSON emits the image descriptor. The upstream origin URL is
// omitted when hide-origin is on; the imgproxy URL always signs the
// proxy-served URL.
func (h *RandomHandler) respondJSON(c *gin.Context, pick *service.PickResult, format string) {
	ctx := c.Request.Context()
	img := pick.Image

	servedURL := requestBaseURL(c) + proxyPath(img)

	var imgproxyURL string
	if h.signer != nil {
		imgproxyURL = h.signer.URLFor(servedURL, img.Extension)
	}

	if format == "simple_json" {
		c.JSON(http.StatusOK, gin.H{
			"id":     img.ID,
			"url":    servedURL,
			"width":  img.Width,
			"height": img.Height,
		})
		return
	}

	record := gin.H{
		"id":             img.ID,
		"illust_id":      img.IllustID,
		"page_index":     img.PageIndex,
		"extension":      img.Extension,
		"proxy_path":     proxyPath(img),
		"width":          img.Width,
		"height":         img.Height,
		"orientation":    img.Orientation,
		"x_restrict":     img.XRestrict,
		"ai_type":        img.AIType,
		"illust_type":    img.IllustType,
		"user_id":        img.UserID,
		"user_name":      img.UserName,
		"title":          img.Title,
		"bookmark_count": img.BookmarkCount,
		"view_count":     img.ViewCount,
		"comment_count":  img.CommentCount,
	}
	if !h.settings.HideOrigin(ctx) {
		record["original_url"] = img.OriginalURL
	}

	tags, err := h.images.TagsFor(ctx, img.ID)
	if err != nil {
		h.logger.Warn("load tags failed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	respondOK(c, gin.H{
		"image": record,
		"tags":  tagNames,
		"urls": gin.H{
			"proxy":    servedURL,
			"imgproxy": nullableStr(imgproxyURL),
		},
		"debug": gin.H{
			"strategy":        pick.Strategy,
			"strategy_source": pick.Source,
		},
	})
}

// maybeHydrate enqueues a low-priority metadata hydrate when the image
// is missing metadata and upstream credentials are configured.
func (h *RandomHandler) maybeHydrate(ctx context.Context, img *models.Image) {
	if img.HasCompleteMetadata() || !h.cfg.HasOAuthCredentials() {
		return
	}
	_, err := h.jobs.Enqueue(ctx, repository.EnqueueParams{
		Type:        models.JobTypeHydrateMetadata,
		PayloadJSON: fmt.Sprintf(`{"illust_id":%d}`, img.IllustID),
		Priority:    -10,
		RefType:     models.JobRefOpportunisticHydrate,
		RefID:       strconv.FormatInt(img.IllustID, 10),
	})
	if err != nil {
		h.logger.Warn("opportunistic hydrate enqueue failed",
			zap.Int64("illust_id", img.IllustID), zap.Error(err))
	}
}

func (h *RandomHandler) record(ctx context.Context, result string, start time.Time) {
	metrics.RandomRequestsTotal.WithLabelValues(result).Inc()
	metrics.RandomLatencySeconds.Observe(time.Since(start).Seconds())
	h.stats.Record(ctx, result)
}

// parseFilters builds RandomFilters from the query string, returning
// the applied-filter map used in NO_MATCH hints.
func parseFilters(c *gin.Context, settings *service.SettingsService) (*models.RandomFilters, map[string]any, error) {
	ctx := c.Request.Context()
	applied := map[string]any{}

	f := &models.RandomFilters{
		R18:          2,
		R18Strict:    settings.R18Strict(ctx),
		FailCooldown: settings.FailCooldown(ctx),
	}

	if raw := c.Query("r18"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 2 {
			return nil, nil, models.Errf(models.CodeBadRequest, "r18 must be 0, 1 or 2")
		}
		f.R18 = n
		applied["r18"] = n
	} else {
		f.R18 = 0
		applied["r18"] = 0
	}
	if raw := c.Query("r18_strict"); raw != "" {
		f.R18Strict = raw == "1" || strings.EqualFold(raw, "true")
	}

	intFilter := func(name string, assign func(int)) error {
		raw := c.Query(name)
		if raw == "" {
			return nil
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return models.Errf(models.CodeBadRequest, "%s must be a non-negative integer", name)
		}
		assign(n)
		applied[name] = n
		return nil
	}

	if err := intFilter("min_width", func(n int) { f.MinWidth = n }); err != nil {
		return nil, nil, err
	}
	if err := intFilter("min_height", func(n int) { f.MinHeight = n }); err != nil {
		return nil, nil, err
	}
	if err := intFilter("min_pixels", func(n int) { f.MinPixels = int64(n) }); err != nil {
		return nil, nil, err
	}
	if err := intFilter("min_bookmarks", func(n int) { f.MinBookmarks = n }); err != nil {
		return nil, nil, err
	}
	if err := intFilter("min_views", func(n int) { f.MinViews = n }); err != nil {
		return nil, nil, err
	}
	if err := intFilter("min_comments", func(n int) { f.MinComments = n }); err != nil {
		return nil, nil, err
	}

	if raw := c.Query("orientation"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 3 {
			return nil, nil, models.Errf(models.CodeBadRequest, "orientation must be 1, 2 or 3")
		}
		f.Orientation = &n
		applied["orientation"] = n
	}
	if raw := c.Query("ai_type"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 || n > 1 {
			return nil, nil, models.Errf(models.CodeBadRequest, "ai_type must be 0 or 1")
		}
		f.AIType = &n
		applied["ai_type"] = n
	}
	if raw := c.Query("illust_type"); raw != "" {
		n := models.IllustTypeFromName(raw)
		if n < 0 {
			return nil, nil, models.Errf(models.CodeBadRequest, "unknown illust_type %q", raw)
		}
		f.IllustType = &n
		applied["illust_type"] = n
	}

	if raw := c.Query("user_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, models.Errf(models.CodeBadRequest, "user_id must be an integer")
		}
		f.UserID = &n
		applied["user_id"] = n
	}
	if raw := c.Query("illust_id"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, nil, models.Errf(models.CodeBadRequest, "illust_id must be an integer")
		}
		f.IllustID = &n
		applied["illust_id"] = n
	}

	if tags := splitTags(c.Query("included_tags")); len(tags) > 0 {
		if len(tags) > models.MaxIncludedTags {
			return nil, nil, models.Errf(models.CodeBadRequest, "at most %d included tags", models.MaxIncludedTags)
		}
		f.IncludedTags = tags
		applied["included_tags"] = tags
	}
	if tags := splitTags(c.Query("excluded_tags")); len(tags) > 0 {
		if len(tags) > models.MaxExcludedTags {
			return nil, nil, models.Errf(models.CodeBadRequest, "at most %d excluded tags", models.MaxExcludedTags)
		}
		f.ExcludedTags = tags
		applied["excluded_tags"] = tags
	}

	if raw := c.Query("created_from"); raw != "" {
		f.CreatedFrom = raw
		applied["created_from"] = raw
	}
	if raw := c.Query("created_to"); raw != "" {
		f.CreatedTo = raw
		applied["created_to"] = raw
	}

	return f, applied, nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

func proxyPath(img *models.Image) string {
	return fmt.Sprintf("/i/%d.%s", img.ID, img.Extension)
}

func requestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil || c.GetHeader("X-Forwarded-Proto") == "https" {
		scheme = "https"
	}
	return scheme + "://" + c.Request.Host
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
