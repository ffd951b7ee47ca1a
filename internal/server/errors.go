package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
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
	ErrNotFound       = errors.New("not_found")
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
		c.Header("Content-Type", "application/json")
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
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, licensedomain.ErrInvalidLicenseFormat),
		errors.Is(err, licensedomain.ErrInvalidTier),
		errors.Is(err, licensedomain.ErrInvalidOwner),
		errors.Is(err, licensedomain.ErrInvalidExpiry),
		errors.Is(err, machinedomain.ErrInvalidFingerprint),
		errors.Is(err, usagedomain.ErrInvalidLicenseRef),
		errors.Is(err, webhook.ErrMalformedEvent):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, webhook.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, licensedomain.ErrSigningSecretMissing):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "license generation requires a signing secret",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, licensedomain.ErrLicenseNotFound),
		errors.Is(err, machinedomain.ErrMachineNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, machinedomain.ErrMachineLimitExceeded):
		return http.StatusConflict, errorPayload{
			Type:    "machine_limit_exceeded",
			Message: "machine limit reached",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}
