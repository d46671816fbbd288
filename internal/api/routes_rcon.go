package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/energizer-project/rcond/internal/host"
)

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.backend.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleConnections(c *gin.Context) {
	conns, err := s.backend.Connections(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"total":       len(conns),
	})
}

func (s *Server) handleListeners(c *gin.Context) {
	listeners, err := s.backend.Listeners(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"listeners": listeners,
		"total":     len(listeners),
	})
}

// handleExec runs a console command as the admin identity.
func (s *Server) handleExec(c *gin.Context) {
	var body struct {
		Command string `json:"command" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	out, err := s.backend.AdminExec(c.Request.Context(), body.Command)
	if err != nil {
		c.JSON(adminErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"command": body.Command,
		"output":  out,
	})
}

func (s *Server) handleGetValue(c *gin.Context) {
	name := c.Param("name")
	value, err := s.backend.AdminGetValue(c.Request.Context(), name)
	if err != nil {
		c.JSON(adminErrorStatus(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"name":  name,
		"value": value,
	})
}

func (s *Server) handleSetValue(c *gin.Context) {
	var body struct {
		Value *string `json:"value" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := c.Param("name")
	if err := s.backend.AdminSetValue(c.Request.Context(), name, *body.Value); err != nil {
		status := adminErrorStatus(err)
		if status == http.StatusInternalServerError {
			// The dispatcher reports rejected writes as text.
			status = http.StatusUnprocessableEntity
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "updated", "name": name})
}

func (s *Server) handleVars(c *gin.Context) {
	vars := s.backend.Vars()
	c.JSON(http.StatusOK, gin.H{
		"vars":  vars,
		"total": len(vars),
	})
}

// handleConsole returns the newest console lines.
func (s *Server) handleConsole(c *gin.Context) {
	count := queryInt(c, "count", 200, 1, 2000)
	lines := s.backend.ConsoleLines()
	if len(lines) > count {
		lines = lines[len(lines)-count:]
	}
	c.JSON(http.StatusOK, gin.H{
		"lines": lines,
		"count": len(lines),
	})
}

func adminErrorStatus(err error) int {
	switch {
	case errors.Is(err, host.ErrAdminTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, host.ErrLoopStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// queryInt reads an integer query parameter clamped to [min, max].
func queryInt(c *gin.Context, key string, def, min, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery(key, strconv.Itoa(def)))
	if err != nil || n < min {
		return def
	}
	if n > max {
		return max
	}
	return n
}
