package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/entitlement/domain"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
)

type checkRequest struct {
	Tool string `json:"tool"`
}

// CheckTool is the tool-dispatch contract: every gated tool call asks
// here before running. Denials are 200 responses carrying the denial
// code, never HTTP errors.
func (s *Server) CheckTool(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Tool) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	result, err := s.entitlementsvc.CheckFeatureAccess(c.Request.Context(), req.Tool)
	if err != nil {
		if code, ok := licenseDenialCode(err); ok {
			c.JSON(http.StatusOK, entitlementdomain.CheckResult{
				Allowed:    false,
				Tier:       licensedomain.TierFree,
				Code:       code,
				Reason:     err.Error(),
				UpgradeURL: s.cfg.License.UpgradeURL,
			})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func licenseDenialCode(err error) (string, bool) {
	switch {
	case errors.Is(err, licensedomain.ErrLicenseExpired):
		return "LICENSE_EXPIRED", true
	case errors.Is(err, licensedomain.ErrLicenseRevoked):
		return "LICENSE_REVOKED", true
	case errors.Is(err, licensedomain.ErrInvalidLicenseFormat):
		return "INVALID_LICENSE", true
	default:
		return "", false
	}
}

// RecordToolUsage is invoked exactly once after a gated tool call
// completes.
func (s *Server) RecordToolUsage(c *gin.Context) {
	var req checkRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Tool) == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.entitlementsvc.RecordUsage(c.Request.Context(), req.Tool); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}
