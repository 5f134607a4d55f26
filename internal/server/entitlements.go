package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) GetEntitlement(c *gin.Context) {
	accountKey := strings.TrimSpace(c.Param("accountKey"))
	if accountKey == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entitlement, err := s.entitlementSvc.Get(c.Request.Context(), accountKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entitlement)
}

// RefreshEntitlement pulls the provider's current truth for one account and
// reconciles it, covering gaps from missed deliveries.
func (s *Server) RefreshEntitlement(c *gin.Context) {
	accountKey := strings.TrimSpace(c.Param("accountKey"))
	if accountKey == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	entitlement, err := s.entitlementSvc.Refresh(c.Request.Context(), accountKey)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, entitlement)
}
