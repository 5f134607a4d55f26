package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	commet "github.com/smallbiznis/hookline/internal/commet"
	entitlementdomain "github.com/smallbiznis/hookline/internal/entitlement/domain"
	webhookdomain "github.com/smallbiznis/hookline/internal/webhook/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrInvalidRequest  = errors.New("invalid_request")
	ErrTooManyRequests = errors.New("too_many_requests")
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
		errors.Is(err, webhookdomain.ErrMalformedPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent),
		errors.Is(err, entitlementdomain.ErrInvalidAccountKey):
		return http.StatusBadRequest, errorPayload{
			Type:    "invalid_request",
			Message: "invalid request",
		}
	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "signature verification failed",
		}
	case errors.Is(err, webhookdomain.ErrUnknownProvider):
		return http.StatusNotFound, errorPayload{
			Type:    "unknown_provider",
			Message: "no webhook adapter for provider",
		}
	case errors.Is(err, webhookdomain.ErrEventNotFound),
		errors.Is(err, entitlementdomain.ErrEntitlementNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, webhookdomain.ErrNotReplayable):
		return http.StatusConflict, errorPayload{
			Type:    "not_replayable",
			Message: "event has not finished its first delivery",
		}
	case errors.Is(err, ErrTooManyRequests):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "too_many_requests",
			Message: "rate limit exceeded",
		}
	case errors.Is(err, commet.ErrClientNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "provider_unavailable",
			Message: "billing provider client is not configured",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger; it must never allocate a
// response.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal", payload.Type
	}
	return "client", payload.Type
}
