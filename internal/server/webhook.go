package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/subledger/internal/appcontext"
	webhookdomain "github.com/smallbiznis/subledger/internal/webhook/domain"
)

func (s *Server) CreateWebhookEndpoint(c *gin.Context) {
	var req webhookdomain.CreateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	endpoint, err := s.webhookSvc.CreateEndpoint(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": endpoint})
}

func (s *Server) ListWebhookEndpoints(c *gin.Context) {
	endpoints, err := s.webhookSvc.ListEndpoints(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": endpoints})
}

func (s *Server) UpdateWebhookEndpoint(c *gin.Context) {
	var req webhookdomain.UpdateEndpointRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.EndpointID = strings.TrimSpace(c.Param("id"))

	endpoint, err := s.webhookSvc.UpdateEndpoint(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": endpoint})
}

func (s *Server) WebhookDeliveryStats(c *gin.Context) {
	appID, ok := appcontext.AppIDFromContext(c.Request.Context())
	if !ok || appID == 0 {
		AbortWithError(c, newValidationError("app_id", "invalid_app_id", "invalid app_id"))
		return
	}

	window := 24 * time.Hour
	if raw := strings.TrimSpace(c.Query("window")); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, newValidationError("window", "invalid_window", "invalid window"))
			return
		}
		window = parsed
	}

	stats, err := s.webhookSvc.Stats(c.Request.Context(), appID, window, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": stats})
}
