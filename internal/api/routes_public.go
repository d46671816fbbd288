package api

import (
	"net/http"
	"runtime"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/rcond/internal/host"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "rcond",
	})
}

// handleVersion returns the rcond build.
func (s *Server) handleVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version":    host.Version,
		"go_version": runtime.Version(),
	})
}
