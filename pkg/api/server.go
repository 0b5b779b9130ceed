// Package api exposes the read-only query surface over HTTP. It is the
// contract point for dashboards and report generators; nothing here writes
// to the store.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/query"
	"github.com/gin-gonic/gin"
)

// Server is the HTTP front of the query service.
type Server struct {
	db      *database.Client
	queries *query.Service
	engine  *gin.Engine
	httpSrv *http.Server
}

// NewServer builds the router.
func NewServer(db *database.Client, queries *query.Service) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		db:      db,
		queries: queries,
		engine:  engine,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/api/v1")
	{
		v1.GET("/stats/period", s.handlePeriodStats)
		v1.GET("/stats/global", s.handleGlobalStats)
		v1.GET("/sessions/:id", s.handleSessionSummary)
		v1.GET("/sessions/:id/tree", s.handleSessionTree)
		v1.GET("/sessions/:id/traces", s.handleTraceTree)
		v1.GET("/sync/status", s.handleSyncStatus)
		v1.GET("/sync/refresh", s.handleRefreshInfo)
	}
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens on addr; blocks until the server stops.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := s.queries.SyncStatus()
	if err := s.db.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "unhealthy",
			"error":  err.Error(),
			"phase":  status.Phase,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"phase":  status.Phase,
		"ready":  status.IsReady,
	})
}
