package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/fabienpiette/speedlayer/internal/middleware"
	"github.com/fabienpiette/speedlayer/internal/models"
)

// respondError writes err as an RFC 7807 problem document
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status, title := classify(err)

	apiErr := models.NewAPIError(status, title, err.Error(), c.Request.URL.Path)
	apiErr.RequestID = middleware.GetRequestID(c)

	var verrs models.ValidationErrors
	if errors.As(err, &verrs) {
		for _, v := range verrs {
			apiErr.AddValidationError(v.Field, v.Code, v.Message)
		}
	}

	if status >= http.StatusInternalServerError {
		logger.WithError(err).WithField("request_id", apiErr.RequestID).Error("Request failed")
	}
	_ = c.Error(err)
	c.AbortWithStatusJSON(status, apiErr)
}

// badRequest rejects a malformed parameter
func badRequest(c *gin.Context, logger *logrus.Logger, field, message string) {
	var verrs models.ValidationErrors
	verrs.Add(field, "invalid", message)
	respondError(c, logger, verrs)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrInvalidInput), errors.Is(err, models.ErrUnknownEntityType):
		return http.StatusBadRequest, "Bad Request"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "Not Found"
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrCacheDisabled):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, models.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, "Too Many Requests"
	case errors.Is(err, models.ErrServiceUnavailable):
		return http.StatusServiceUnavailable, "Service Unavailable"
	default:
		return http.StatusInternalServerError, "Internal Server Error"
	}
}
