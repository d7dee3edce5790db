package handler

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
)

// ImageAdminHandler covers imports and metadata hydration batches.
type ImageAdminHandler struct {
	images    *repository.ImageRepository
	imports   *repository.ImportRepository
	jobs      *repository.JobRepository
	hydration *repository.HydrationRepository
	handlers  *service.JobHandlers
	audit     *repository.AuditRepository
	logger    *zap.Logger
}

// NewImageAdminHandler creates an ImageAdminHandler.
func NewImageAdminHandler(
	images *repository.ImageRepository,
	imports *repository.ImportRepository,
	jobs *repository.JobRepository,
	hydration *repository.HydrationRepository,
	handlers *service.JobHandlers,
	audit *repository.AuditRepository,
	logger *zap.Logger,
) *ImageAdminHandler {
	return &ImageAdminHandler{
		images:    images,
		imports:   imports,
		jobs:      jobs,
		hydration: hydration,
		handlers:  handlers,
		audit:     audit,
		logger:    logger,
	}
}

type importImagesRequest struct {
	URLs  []string `json:"urls"`
	Async bool     `json:"async"`
}

// Import implements POST /admin/api/images/import. Synchronous by
// default; async enqueues an import_urls job instead.
func (h *ImageAdminHandler) Import(c *gin.Context) {
	var req importImagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid import body")
		return
	}
	if len(req.URLs) == 0 {
		badRequest(c, "urls is required")
		return
	}
	ctx := c.Request.Context()

	if req.Async {
		payload, err := json.Marshal(service.ImportURLsPayload{URLs: req.URLs, Source: "admin"})
		if err != nil {
			respondError(c, err)
			return
		}
		jobID, err := h.jobs.Enqueue(ctx, repository.EnqueueParams{
			Type:        models.JobTypeImportURLs,
			PayloadJSON: string(payload),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		h.auditRecord(c, "image.import_async", "", fmt.Sprintf("urls=%d", len(req.URLs)))
		respondOK(c, gin.H{"job_id": jobID})
		return
	}

	result := h.handlers.ImportURLs(ctx, req.URLs)
	if _, err := h.imports.Record(ctx, &models.Import{
		Source:       "admin",
		TotalCount:   result.Total,
		CreatedCount: result.Created,
		SkippedCount: result.Skipped,
		ErrorCount:   result.Errors,
	}); err != nil {
		h.logger.Warn("record import batch failed", zap.Error(err))
	}

	h.auditRecord(c, "image.import", "",
		fmt.Sprintf("total=%d created=%d skipped=%d errors=%d",
			result.Total, result.Created, result.Skipped, result.Errors))
	respondOK(c, result)
}

// ListImports implements GET /admin/api/images/imports.
func (h *ImageAdminHandler) ListImports(c *gin.Context) {
	batches, err := h.imports.List(c.Request.Context(), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": batches})
}

type hydrateRequest struct {
	IllustIDs []int64 `json:"illust_ids"`
}

// StartHydration implements POST /admin/api/images/hydrate: creates a
// hydration run and enqueues one job per illustration, de-duplicated
// against in-flight hydrates.
func (h *ImageAdminHandler) StartHydration(c *gin.Context) {
	var req hydrateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid hydrate body")
		return
	}
	if len(req.IllustIDs) == 0 {
		badRequest(c, "illust_ids is required")
		return
	}
	ctx := c.Request.Context()

	runID, err := h.hydration.Create(ctx, len(req.IllustIDs))
	if err != nil {
		respondError(c, err)
		return
	}

	enqueued := 0
	for _, illustID := range req.IllustIDs {
		payload := fmt.Sprintf(`{"illust_id":%d,"run_id":%d}`, illustID, runID)
		id, err := h.jobs.Enqueue(ctx, repository.EnqueueParams{
			Type:        models.JobTypeHydrateMetadata,
			PayloadJSON: payload,
			RefType:     models.JobRefHydrationRun,
			RefID:       strconv.FormatInt(illustID, 10),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		if id != nil {
			enqueued++
		}
	}

	h.auditRecord(c, "image.hydrate", strconv.FormatInt(runID, 10),
		fmt.Sprintf("illusts=%d enqueued=%d", len(req.IllustIDs), enqueued))
	respondOK(c, gin.H{"run_id": runID, "enqueued": enqueued})
}

// ListHydrationRuns implements GET /admin/api/images/hydrate.
func (h *ImageAdminHandler) ListHydrationRuns(c *gin.Context) {
	runs, err := h.hydration.List(c.Request.Context(), parseLimit(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": runs})
}

// GetHydrationRun implements GET /admin/api/images/hydrate/{id}.
func (h *ImageAdminHandler) GetHydrationRun(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	run, err := h.hydration.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if run == nil {
		respondError(c, models.Errf(models.CodeNotFound, "not found"))
		return
	}
	respondOK(c, run)
}

func (h *ImageAdminHandler) auditRecord(c *gin.Context, action, target, detail string) {
	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, target, detail); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
}
