package server

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/hookline/internal/webhook/domain"
	"go.uber.org/zap"
)

// HandleWebhook accepts one provider delivery. Anything the pipeline already
// settled (duplicates, handler failures) still returns 200 so the provider
// stops redelivering; only signature, payload, and routing problems push back.
func (s *Server) HandleWebhook(c *gin.Context) {
	provider := strings.TrimSpace(c.Param("provider"))

	if s.ingestLimiter.Enabled() {
		allowed, err := s.ingestLimiter.AllowProvider(c.Request.Context(), provider)
		if err != nil {
			// Fail open: a broken limiter must not drop billable events.
			s.log.Warn("webhook rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), provider, "provider_rate")
			AbortWithError(c, ErrTooManyRequests)
			return
		}
	}

	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.webhookSvc.Ingest(c.Request.Context(), provider, payload, c.Request.Header)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrDuplicateDelivery) {
			c.JSON(http.StatusOK, gin.H{"status": "ok"})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
