package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	licensedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/license/domain"
	machinedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/machine/domain"
	usagedomain "github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/usage/domain"
	"go.uber.org/zap"
)

type validateErrorResponse struct {
	Valid bool   `json:"valid"`
	Error string `json:"error"`
}

// ValidateLicense is the authoritative check called by installed clients.
// Definitive denials are 200 responses with valid=false so clients can
// cache them; only infrastructure failures surface as 5xx.
func (s *Server) ValidateLicense(c *gin.Context) {
	var req licensedomain.ValidateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if s.limiter.Enabled() {
		allowed, err := s.limiter.AllowKey(c.Request.Context(), req.LicenseKey)
		if err != nil {
			s.log.Warn("rate limiter unavailable", zap.Error(err))
		} else if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate_limited"})
			return
		}
	}

	resp, err := s.licensesvc.Validate(c.Request.Context(), req)
	if err != nil {
		if isDefinitiveDenial(err) {
			c.JSON(http.StatusOK, validateErrorResponse{Valid: false, Error: err.Error()})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func isDefinitiveDenial(err error) bool {
	return errors.Is(err, licensedomain.ErrInvalidLicenseFormat) ||
		errors.Is(err, licensedomain.ErrLicenseNotFound) ||
		errors.Is(err, licensedomain.ErrLicenseExpired) ||
		errors.Is(err, licensedomain.ErrLicenseRevoked) ||
		errors.Is(err, machinedomain.ErrMachineLimitExceeded)
}

func (s *Server) GenerateLicense(c *gin.Context) {
	var req licensedomain.GenerateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	resp, err := s.licensesvc.Generate(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

func (s *Server) RevokeLicense(c *gin.Context) {
	key := strings.TrimSpace(c.Param("key"))
	if key == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.licensesvc.Revoke(c.Request.Context(), key); err != nil {
		AbortWithError(c, err)
		return
	}
	// Cached validations for the key are now lies.
	if err := s.entitlementsvc.Invalidate(c.Request.Context(), key); err != nil {
		s.log.Warn("cache invalidation after revoke failed", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{"status": "revoked"})
}

type usageReport struct {
	LicenseID string `json:"license_id"`
	Day       string `json:"day"`
	Count     int64  `json:"count"`
	Limit     int    `json:"limit"`
}

func (s *Server) GetLicenseUsage(c *gin.Context) {
	license, err := s.resolveLicense(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	usage, err := s.usagesvc.GetDailyUsage(c.Request.Context(), license.ID.String(), license.DailyCallLimit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, usageReport{
		LicenseID: license.ID.String(),
		Day:       usagedomain.DayOf(s.clock.Now()),
		Count:     usage.Count,
		Limit:     usage.Limit,
	})
}

// resolveLicense accepts either a license id or a license key in the
// path parameter.
func (s *Server) resolveLicense(c *gin.Context) (licensedomain.License, error) {
	param := strings.TrimSpace(c.Param("key"))
	if param == "" {
		return licensedomain.License{}, ErrInvalidRequest
	}

	if id, err := snowflake.ParseString(param); err == nil && !strings.Contains(param, "-") {
		return s.licensesvc.GetByID(c.Request.Context(), id)
	}
	return s.licensesvc.GetByKey(c.Request.Context(), param)
}
