package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	appdomain "github.com/smallbiznis/subledger/internal/app/domain"
)

func (s *Server) CreateApp(c *gin.Context) {
	var req appdomain.CreateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	app, err := s.appSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": app})
}

func (s *Server) ListApps(c *gin.Context) {
	orgID := strings.TrimSpace(c.Query("org_id"))

	apps, err := s.appSvc.List(c.Request.Context(), orgID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": apps})
}

func (s *Server) GetApp(c *gin.Context) {
	app, err := s.appSvc.GetByID(c.Request.Context(), strings.TrimSpace(c.Param("app_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": app})
}

func (s *Server) UpdateApp(c *gin.Context) {
	var req appdomain.UpdateAppRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.AppID = strings.TrimSpace(c.Param("app_id"))

	app, err := s.appSvc.Update(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": app})
}
