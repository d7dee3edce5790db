// Package handler implements the public and admin HTTP endpoints.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/user/pixrand-go/internal/api/middleware"
	"github.com/user/pixrand-go/internal/i18n"
	"github.com/user/pixrand-go/internal/models"
)

// respondOK sends the success envelope {ok:true, data, request_id}.
func respondOK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"ok":         true,
		"data":       data,
		"request_id": middleware.GetRequestID(c),
	})
}

// respondError sends the error envelope with a localized message. Any
// non-AppError collapses to INTERNAL_ERROR.
func respondError(c *gin.Context, err error) {
	var appErr *models.AppError
	if !errors.As(err, &appErr) {
		appErr = models.Errf(models.CodeInternalError, "internal error").WithErr(err)
	}

	status := appErr.HTTPStatus
	if status == 0 {
		status = http.StatusInternalServerError
	}

	c.JSON(status, gin.H{
		"ok":         false,
		"code":       appErr.Code,
		"message":    i18n.Message(appErr),
		"request_id": middleware.GetRequestID(c),
		"details":    appErr.Details,
	})
}

// abortError is respondError plus request abort, for use before the
// handler body runs to completion.
func abortError(c *gin.Context, err error) {
	respondError(c, err)
	c.Abort()
}

func badRequest(c *gin.Context, format string, args ...any) {
	respondError(c, models.Errf(models.CodeBadRequest, format, args...))
}
