package handler

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/user/pixrand-go/internal/models"
	"github.com/user/pixrand-go/internal/repository"
	"github.com/user/pixrand-go/internal/service"
)

const defaultPageSize = 50

// PublicHandler serves the read-only public list endpoints.
type PublicHandler struct {
	images   *repository.ImageRepository
	tags     *repository.TagRepository
	settings *service.SettingsService
	logger   *zap.Logger
}

// NewPublicHandler creates a PublicHandler.
func NewPublicHandler(images *repository.ImageRepository, tags *repository.TagRepository,
	settings *service.SettingsService, logger *zap.Logger) *PublicHandler {
	return &PublicHandler{images: images, tags: tags, settings: settings, logger: logger}
}

// ListImages implements GET /images with cursor pagination.
func (h *PublicHandler) ListImages(c *gin.Context) {
	cursor := parseCursor(c)
	limit := parseLimit(c)

	items, err := h.images.ListAfter(c.Request.Context(), cursor, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	hideOrigin := h.settings.HideOrigin(c.Request.Context())
	out := make([]gin.H, 0, len(items))
	var nextCursor any
	for _, img := range items {
		out = append(out, h.imageSummary(img, hideOrigin))
	}
	if len(items) == limit && len(items) > 0 {
		nextCursor = items[len(items)-1].ID
	}

	respondOK(c, gin.H{"items": out, "next_cursor": nextCursor})
}

// GetImage implements GET /images/{id}.
func (h *PublicHandler) GetImage(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		badRequest(c, "id must be an integer")
		return
	}

	img, err := h.images.FindByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, notFoundOrInternal(err))
		return
	}

	tags, err := h.images.TagsFor(c.Request.Context(), img.ID)
	if err != nil {
		h.logger.Warn("load tags failed", zap.Int64("image_id", img.ID), zap.Error(err))
	}
	tagNames := make([]string, 0, len(tags))
	for _, t := range tags {
		tagNames = append(tagNames, t.Name)
	}

	summary := h.imageSummary(img, h.settings.HideOrigin(c.Request.Context()))
	summary["tags"] = tagNames
	respondOK(c, summary)
}

// ListTags implements GET /tags. With q it searches by name, otherwise
// it returns the most used tags.
func (h *PublicHandler) ListTags(c *gin.Context) {
	limit := parseLimit(c)

	if q := c.Query("q"); q != "" {
		tags, err := h.tags.Search(c.Request.Context(), q, limit)
		if err != nil {
			respondError(c, err)
			return
		}
		respondOK(c, gin.H{"items": tags})
		return
	}

	tags, err := h.tags.TopByUsage(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, gin.H{"items": tags})
}

// ListAuthors implements GET /authors with cursor pagination.
func (h *PublicHandler) ListAuthors(c *gin.Context) {
	cursor := parseCursor(c)
	limit := parseLimit(c)

	authors, err := h.images.ListAuthors(c.Request.Context(), cursor, limit)
	if err != nil {
		respondError(c, err)
		return
	}

	var nextCursor any
	if len(authors) == limit && len(authors) > 0 {
		nextCursor = authors[len(authors)-1]["user_id"]
	}
	respondOK(c, gin.H{"items": authors, "next_cursor": nextCursor})
}

func (h *PublicHandler) imageSummary(img *models.Image, hideOrigin bool) gin.H {
	out := gin.H{
		"id":             img.ID,
		"illust_id":      img.IllustID,
		"page_index":     img.PageIndex,
		"extension":      img.Extension,
		"proxy_path":     proxyPath(img),
		"width":          img.Width,
		"height":         img.Height,
		"orientation":    img.Orientation,
		"x_restrict":     img.XRestrict,
		"user_id":        img.UserID,
		"user_name":      img.UserName,
		"title":          img.Title,
		"bookmark_count": img.BookmarkCount,
		"view_count":     img.ViewCount,
		"status":         img.Status,
	}
	if !hideOrigin {
		out["original_url"] = img.OriginalURL
	}
	return out
}

func parseCursor(c *gin.Context) int64 {
	cursor, _ := strconv.ParseInt(c.Query("cursor"), 10, 64)
	if cursor < 0 {
		cursor = 0
	}
	return cursor
}

func parseLimit(c *gin.Context) int {
	limit, _ := strconv.Atoi(c.Query("limit"))
	if limit < 1 || limit > 200 {
		limit = defaultPageSize
	}
	return limit
}
