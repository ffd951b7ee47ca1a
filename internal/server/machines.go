package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListMachines(c *gin.Context) {
	license, err := s.resolveLicense(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	machines, err := s.machinesvc.List(c.Request.Context(), license.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"license_id":    license.ID.String(),
		"machine_limit": license.MachineLimit,
		"machines":      machines,
	})
}

func (s *Server) DeactivateMachine(c *gin.Context) {
	license, err := s.resolveLicense(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	fingerprint := strings.TrimSpace(c.Param("fingerprint"))
	if fingerprint == "" {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	if err := s.machinesvc.Deactivate(c.Request.Context(), license.ID, fingerprint); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}
