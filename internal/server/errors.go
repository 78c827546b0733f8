package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/publica/internal/account/domain"
	webhookdomain "github.com/smallbiznis/publica/internal/billingwebhook/domain"
	connectiondomain "github.com/smallbiznis/publica/internal/connection/domain"
	creditdomain "github.com/smallbiznis/publica/internal/credit/domain"
	notificationdomain "github.com/smallbiznis/publica/internal/notification/domain"
	postdomain "github.com/smallbiznis/publica/internal/post/domain"
	publisherdomain "github.com/smallbiznis/publica/internal/publisher/domain"
	usagedomain "github.com/smallbiznis/publica/internal/usage/domain"
	"gorm.io/gorm"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrInvalidRequest = errors.New("invalid_request")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func mapError(err error) (int, errorPayload) {
	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, creditdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "not enough credits available",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, postdomain.ErrInvalidTransition),
		errors.Is(err, creditdomain.ErrReservationExists),
		errors.Is(err, creditdomain.ErrReservationNotPending):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, postdomain.ErrQuotaExceeded):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: err.Error(),
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, postdomain.ErrInvalidPlatform),
		errors.Is(err, postdomain.ErrInvalidContent),
		errors.Is(err, postdomain.ErrInvalidSchedule),
		errors.Is(err, accountdomain.ErrInvalidTier),
		errors.Is(err, connectiondomain.ErrInvalidPlatform),
		errors.Is(err, usagedomain.ErrInvalidMetric),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent),
		errors.Is(err, creditdomain.ErrInvalidCredits):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, postdomain.ErrPostNotFound),
		errors.Is(err, accountdomain.ErrUserNotFound),
		errors.Is(err, notificationdomain.ErrNotificationNotFound),
		errors.Is(err, connectiondomain.ErrConnectionNotFound),
		errors.Is(err, connectiondomain.ErrNotConnected),
		errors.Is(err, publisherdomain.ErrPlatformNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}
