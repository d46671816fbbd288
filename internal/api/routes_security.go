package api

import (
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleListBans(c *gin.Context) {
	bans := s.backend.ActiveBans()
	c.JSON(http.StatusOK, gin.H{
		"bans":  bans,
		"total": len(bans),
	})
}

// handleAddBan bans an address and drops its live connections. Minutes of
// zero or less make the ban permanent.
func (s *Server) handleAddBan(c *gin.Context) {
	var body struct {
		Address string `json:"address" binding:"required"`
		Minutes int    `json:"minutes"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if net.ParseIP(body.Address) == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "address must be an IP"})
		return
	}
	if body.Reason == "" {
		body.Reason = "banned through admin API"
	}

	var penalty time.Duration
	if body.Minutes > 0 {
		penalty = time.Duration(body.Minutes) * time.Minute
	}

	dropped, err := s.backend.Ban(c.Request.Context(), body.Address, penalty, body.Reason)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().
		Str("address", body.Address).
		Int("minutes", body.Minutes).
		Str("client_ip", c.ClientIP()).
		Msg("API: address banned")

	c.JSON(http.StatusOK, gin.H{
		"status":    "banned",
		"address":   body.Address,
		"permanent": penalty == 0,
		"dropped":   dropped,
	})
}

func (s *Server) handleRemoveBan(c *gin.Context) {
	addr := c.Param("address")
	removed, err := s.backend.Unban(addr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "address not banned", "address": addr})
		return
	}
	s.logger.Info().Str("address", addr).Str("client_ip", c.ClientIP()).Msg("API: ban removed")
	c.JSON(http.StatusOK, gin.H{"status": "removed", "address": addr})
}

// handleFailures lists addresses with failed authentication attempts.
func (s *Server) handleFailures(c *gin.Context) {
	records := s.backend.Failures()
	c.JSON(http.StatusOK, gin.H{
		"failures": records,
		"total":    len(records),
	})
}

func (s *Server) handleAudit(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1, 1000)
	entries, err := s.backend.RecentAudit(limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// handleGetConfig returns the configuration with secrets blanked.
func (s *Server) handleGetConfig(c *gin.Context) {
	rc := s.cfg.GetRcon()
	app := s.cfg.GetApplicationData()
	rc.Password = redact(rc.Password)
	app.API.Token = redact(app.API.Token)

	c.JSON(http.StatusOK, gin.H{
		"rcon":             rc,
		"application_data": app,
	})
}

// handleSetRconField updates one rcon setting by its JSON key.
func (s *Server) handleSetRconField(c *gin.Context) {
	var body struct {
		Key   string `json:"key" binding:"required"`
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.backend.UpdateSetting(c.Request.Context(), body.Key, body.Value); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.logger.Info().Str("key", body.Key).Str("client_ip", c.ClientIP()).Msg("API: rcon setting updated")
	c.JSON(http.StatusOK, gin.H{"status": "updated", "key": body.Key})
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
