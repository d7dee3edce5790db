package handler

import (
	"database/sql"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/metrics"
	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/redact"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
)

const immutableCacheControl = "public, max-age=31536000, immutable"

// notFoundOrInternal maps a missing row onto NOT_FOUND.
func notFoundOrInternal(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return models.Errf(models.CodeNotFound, "not found")
	}
	return err
}

var (
	// /{illust_id}.{ext} and /{illust_id}-{page}.{ext}, page 1-based
	legacyServeRe = regexp.MustCompile(`^/(\d+)(?:-(\d+))?\.([a-z0-9]+)$`)
)

// ServeHandler streams stored images to clients by id or legacy
// identity paths.
type ServeHandler struct {
	images   *repository.ImageRepository
	jobs     *repository.JobRepository
	fetcher  *service.Fetcher
	selector *service.Selector
	logger   *zap.Logger
}

// NewServeHandler creates a ServeHandler.
func NewServeHandler(images *repository.ImageRepository, jobs *repository.JobRepository,
	fetcher *service.Fetcher, selector *service.Selector, logger *zap.Logger) *ServeHandler {
	return &ServeHandler{images: images, jobs: jobs, fetcher: fetcher, selector: selector, logger: logger}
}

// ServeByID implements GET /i/{image_id}.{ext}.
func (h *ServeHandler) ServeByID(c *gin.Context) {
	file := c.Param("file")
	dot := strings.LastIndexByte(file, '.')
	if dot <= 0 {
		respondError(c, models.Errf(models.CodeNotFound, "not found"))
		return
	}
	id, err := strconv.ParseInt(file[:dot], 10, 64)
	if err != nil {
		respondError(c, models.Errf(models.CodeNotFound, "not found"))
		return
	}
	ext := file[dot+1:]

	img, err := h.images.FindByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, notFoundOrInternal(err))
		return
	}
	h.serve(c, img, ext)
}

// ServeLegacy handles /{illust_id}.{ext} and /{illust_id}-{page}.{ext}
// from the NoRoute fallback. Returns false when the path is not a
// legacy serve path.
func (h *ServeHandler) ServeLegacy(c *gin.Context) bool {
	m := legacyServeRe.FindStringSubmatch(c.Request.URL.Path)
	if m == nil {
		return false
	}

	illustID, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return false
	}
	pageIndex := 0
	if m[2] != "" {
		page, err := strconv.Atoi(m[2])
		if err != nil || page < 1 {
			respondError(c, models.Errf(models.CodeNotFound, "not found"))
			return true
		}
		pageIndex = page - 1
	}

	img, err := h.images.FindByIdentity(c.Request.Context(), illustID, pageIndex)
	if err != nil {
		respondError(c, notFoundOrInternal(err))
		return true
	}
	h.serve(c, img, m[3])
	return true
}

func (h *ServeHandler) serve(c *gin.Context, img *models.Image, ext string) {
	if img == nil || img.Status == models.ImageStatusDeleted || !strings.EqualFold(ext, img.Extension) {
		respondError(c, models.Errf(models.CodeNotFound, "not found"))
		return
	}
	if err := streamImage(c, h.selector, h.fetcher, h.images, h.jobs, img, immutableCacheControl); err != nil {
		respondError(c, err)
	}
}

// streamImage fetches the image's upstream bytes through the selected
// credential's proxy and forwards them. On upstream failure the image's
// fail stamps are updated and, for 404/403, the row is marked broken
// and a heal job is enqueued.
func streamImage(c *gin.Context, selector *service.Selector, fetcher *service.Fetcher,
	images *repository.ImageRepository, jobs *repository.JobRepository,
	img *models.Image, cacheControl string) error {
	ctx := c.Request.Context()

	// serving raw image bytes needs the proxy route but no access
	// token, so an empty credential pool degrades to a direct fetch
	proxyURL := ""
	sel, err := selector.Pick(ctx)
	if err != nil {
		var noTok *service.NoTokenError
		if !errors.As(err, &noTok) {
			return err
		}
		sel = nil
	} else {
		proxyURL = sel.ProxyURL
	}

	res, err := fetcher.Stream(ctx, img.OriginalURL, proxyURL, c.GetHeader("Range"))
	if err != nil {
		var appErr *models.AppError
		if !errors.As(err, &appErr) {
			return err
		}
		metrics.UpstreamFetchTotal.WithLabelValues(string(appErr.Code)).Inc()

		if markErr := images.MarkServeFailure(ctx, img.ID, string(appErr.Code), redact.Error(err)); markErr != nil {
			return markErr
		}
		if appErr.Code == models.CodeUpstream404 || appErr.Code == models.CodeUpstream403 {
			if markErr := images.MarkBroken(ctx, img.ID, string(appErr.Code), redact.Error(err)); markErr == nil {
				_, _ = jobs.Enqueue(ctx, repository.EnqueueParams{
					Type:        models.JobTypeHealURL,
					PayloadJSON: `{"illust_id":` + strconv.FormatInt(img.IllustID, 10) + `}`,
					RefType:     models.JobRefBrokenImage,
					RefID:       strconv.FormatInt(img.IllustID, 10),
				})
			}
		}
		if sel != nil {
			selector.ReportFailure(ctx, sel, service.FailureClass(appErr), err)
		}
		return appErr
	}
	defer res.Close()

	metrics.UpstreamFetchTotal.WithLabelValues("ok").Inc()
	if sel != nil {
		selector.ReportSuccess(ctx, sel)
	}
	_ = images.MarkServeOK(ctx, img.ID)

	for key, vals := range res.Header {
		for _, v := range vals {
			c.Header(key, v)
		}
	}
	if cacheControl != "" {
		c.Header("Cache-Control", cacheControl)
	}
	c.Status(res.StatusCode)

	// consumer disconnect cancels ctx, which aborts the copy and the
	// deferred close releases the upstream connection
	_, _ = io.Copy(c.Writer, res.Body)
	return nil
}
