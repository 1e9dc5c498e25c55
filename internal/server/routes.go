package server

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/you/pong/backend/internal/history"
	"github.com/you/pong/backend/internal/protocol"
	"github.com/you/pong/backend/internal/transport"
)

func (s *Server) routes() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	// simple CORS
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusOK)
			return
		}
		c.Next()
	})
	r.GET("/health", s.healthHandler)
	r.GET("/stats", s.statsHandler)
	r.GET("/matches/recent", s.recentHandler)
	r.GET("/ws", s.wsHandler)
	return r
}

func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"ok":          true,
		"serverId":    s.serverID,
		"connections": s.registry.Len(),
		"matches":     s.relay.Matches(),
	})
}

func (s *Server) statsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, struct {
		Global protocol.GlobalStats `json:"global"`
		Server protocol.ServerStats `json:"server"`
	}{
		Global: s.stats.Global(),
		Server: s.stats.Server(),
	})
}

func (s *Server) recentHandler(c *gin.Context) {
	if s.deps.History == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "match history is disabled"})
		return
	}

	limit := history.DefaultLimit
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= history.MaxLimit {
			limit = n
		}
	}

	matches, err := s.deps.History.RecentMatches(c.Request.Context(), limit)
	if err != nil {
		s.logger.Error("Could not load recent matches", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not load recent matches"})
		return
	}
	c.JSON(http.StatusOK, matches)
}

func (s *Server) wsHandler(c *gin.Context) {
	conn, err := transport.Upgrade(c.Writer, c.Request, s.logger, transport.Options{
		InputRate:  s.cfg.InputRate,
		InputBurst: s.cfg.InputBurst,
	})
	if err != nil {
		// The upgrader has already answered the request.
		s.logger.Warn("Websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	s.registry.Add(conn, firstHop(c.Request.Header.Get("X-Forwarded-For")))
}

// firstHop returns the client address from an X-Forwarded-For header.
func firstHop(h string) string {
	return strings.TrimSpace(strings.Split(h, ",")[0])
}
