package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
)

// JobAdminHandler exposes the queue's admin controls.
type JobAdminHandler struct {
	jobs   *repository.JobRepository
	audit  *repository.AuditRepository
	logger *zap.Logger
}

// NewJobAdminHandler creates a JobAdminHandler.
func NewJobAdminHandler(jobs *repository.JobRepository, audit *repository.AuditRepository, logger *zap.Logger) *JobAdminHandler {
	return &JobAdminHandler{jobs: jobs, audit: audit, logger: logger}
}

// List implements GET /admin/api/jobs with optional status and type
// filters.
func (h *JobAdminHandler) List(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	offset, _ := strconv.Atoi(c.Query("offset"))
	if offset < 0 {
		offset = 0
	}

	jobs, err := h.jobs.List(c.Request.Context(), c.Query("status"), c.Query("type"), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}

	counts, err := h.jobs.CountsByStatus(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": jobs, "counts": counts})
}

// Get implements GET /admin/api/jobs/{id}.
func (h *JobAdminHandler) Get(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	job, err := h.jobs.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, notFoundOrInternal(err))
		return
	}
	respondOK(c, job)
}

// Pause implements POST /admin/api/jobs/{id}/pause.
func (h *JobAdminHandler) Pause(c *gin.Context) {
	h.transition(c, "job.pause", h.jobs.Pause)
}

// Resume implements POST /admin/api/jobs/{id}/resume.
func (h *JobAdminHandler) Resume(c *gin.Context) {
	h.transition(c, "job.resume", h.jobs.Resume)
}

// Cancel implements POST /admin/api/jobs/{id}/cancel.
func (h *JobAdminHandler) Cancel(c *gin.Context) {
	h.transition(c, "job.cancel", h.jobs.Cancel)
}

// Retry implements POST /admin/api/jobs/{id}/retry, resetting the
// attempt counter of a failed, dlq or canceled job.
func (h *JobAdminHandler) Retry(c *gin.Context) {
	h.transition(c, "job.retry", h.jobs.Retry)
}

func (h *JobAdminHandler) transition(c *gin.Context, action string,
	op func(ctx context.Context, id int64) (bool, error)) {
	id, ok := pathID(c)
	if !ok {
		return
	}

	moved, err := op(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !moved {
		respondError(c, models.Errf(models.CodeBadRequest, "job is not in an eligible state"))
		return
	}

	actor := c.GetString("admin_user")
	if err := h.audit.Record(c.Request.Context(), actor, action, strconv.FormatInt(id, 10), ""); err != nil {
		h.logger.Warn("audit record failed", zap.String("action", action), zap.Error(err))
	}
	respondOK(c, gin.H{"id": id})
}
