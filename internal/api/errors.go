package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"kids-checkin-backend/internal/distributor"
	"kids-checkin-backend/internal/model"
	"kids-checkin-backend/internal/parse"
	"kids-checkin-backend/internal/remote"
)

// writeError maps an error onto a status code and the JSON error envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(err error) (int, gin.H) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument), errors.Is(err, parse.ErrInvalidToken):
		return http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()}
	case errors.Is(err, remote.ErrUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "try again"}
	case errors.Is(err, distributor.ErrClosed):
		return http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": "shutting down"}
	}
	if be, ok := model.AsBusiness(err); ok {
		status := http.StatusConflict
		if errors.Is(be, model.ErrNotFound) {
			status = http.StatusNotFound
		}
		return status, gin.H{"error": be.Code, "message": be.Message}
	}
	return http.StatusInternalServerError, gin.H{"error": "internal", "message": "internal error"}
}

func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid_argument", "message": err.Error()})
}
