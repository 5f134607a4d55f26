package server

import (
	"net/http"
	"strconv"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func (s *Server) ListEvents(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		limit = parsed
	}

	events, err := s.webhookSvc.ListRecent(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) ReplayEvent(c *gin.Context) {
	rawID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	id := snowflake.ID(rawID)

	if s.ingestLimiter.Enabled() {
		token, acquired, lockErr := s.ingestLimiter.TryLockReplay(c.Request.Context(), rawID)
		if lockErr != nil {
			s.log.Warn("replay lock unavailable", zap.Error(lockErr))
		} else if !acquired {
			AbortWithError(c, ErrTooManyRequests)
			return
		} else {
			defer func() {
				if releaseErr := s.ingestLimiter.ReleaseReplay(c.Request.Context(), rawID, token); releaseErr != nil {
					s.log.Warn("failed to release replay lock", zap.Error(releaseErr))
				}
			}()
		}
	}

	if err := s.webhookSvc.Replay(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
