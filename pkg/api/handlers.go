package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/agentlens/agentlens/pkg/query"
	"github.com/gin-gonic/gin"
)

func (s *Server) handlePeriodStats(c *gin.Context) {
	days := 7
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 3650 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "days must be a positive integer"})
			return
		}
		days = n
	}
	c.JSON(http.StatusOK, s.queries.PeriodStats(c.Request.Context(), days))
}

func (s *Server) handleGlobalStats(c *gin.Context) {
	start, ok := parseTimeParam(c, "start")
	if !ok {
		return
	}
	end, ok := parseTimeParam(c, "end")
	if !ok {
		return
	}

	stats, err := s.queries.GlobalStats(c.Request.Context(), start, end)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleSessionSummary(c *gin.Context) {
	summary, err := s.queries.SessionSummary(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondQueryError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) handleSessionTree(c *gin.Context) {
	tree, err := s.queries.SessionTree(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondQueryError(c, err)
		return
	}
	c.JSON(http.StatusOK, tree)
}

func (s *Server) handleTraceTree(c *gin.Context) {
	traces, err := s.queries.TraceTree(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondQueryError(c, err)
		return
	}
	c.JSON(http.StatusOK, traces)
}

func (s *Server) handleSyncStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.queries.SyncStatus())
}

func (s *Server) handleRefreshInfo(c *gin.Context) {
	c.JSON(http.StatusOK, s.queries.RefreshInfo(c.Request.Context()))
}

func parseTimeParam(c *gin.Context, name string) (*time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be RFC3339"})
		return nil, false
	}
	return &t, true
}

func respondQueryError(c *gin.Context, err error) {
	if errors.Is(err, query.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
