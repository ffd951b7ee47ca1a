package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/thefoundary7-star/cursor-context-mcp-sub002/internal/webhook"
)

// HandleBillingWebhook accepts one billing-provider delivery. Duplicate
// deliveries return 200 so the provider stops retrying them.
func (s *Server) HandleBillingWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err = s.reconciler.Ingest(c.Request.Context(), webhook.IngestRequest{
		Provider:  c.Param("provider"),
		Signature: c.GetHeader(webhook.SignatureHeader),
		Body:      body,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}
