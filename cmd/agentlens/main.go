// AgentLens server — ingests agent session storage into the embedded
// analytical store and serves the read-only query API.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/agentlens/agentlens/pkg/api"
	"github.com/agentlens/agentlens/pkg/cleanup"
	"github.com/agentlens/agentlens/pkg/config"
	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/ingest"
	"github.com/agentlens/agentlens/pkg/query"
	"github.com/agentlens/agentlens/pkg/version"
)

func main() {
	ctx := context.Background()

	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting AgentLens",
		"version", version.Full(),
		"storage_path", cfg.StoragePath,
		"database_path", cfg.DatabasePath,
		"http_port", cfg.HTTPPort)

	// 2. Open the embedded store
	dbClient, err := database.NewClient(ctx, database.Config{
		Path:        cfg.DatabasePath,
		MemoryLimit: cfg.BulkMemoryLimit,
	})
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			slog.Error("Error closing database", "error", err)
		}
	}()
	slog.Info("Database ready")

	// 3. Start the ingestion engine
	coordinator := ingest.NewCoordinator(dbClient, ingest.Options{
		StoragePath:               cfg.StoragePath,
		ReconcilerInterval:        cfg.ReconcilerInterval,
		ReconcilerMaxFilesPerScan: cfg.ReconcilerMaxFilesPerScan,
		WatcherDebounce:           cfg.WatcherDebounce,
		IngestWorkers:             cfg.IngestWorkers,
	})
	if err := coordinator.Start(ctx); err != nil {
		slog.Error("Failed to start ingestion", "error", err)
		os.Exit(1)
	}
	slog.Info("Ingestion started", "workers", cfg.IngestWorkers)

	// 4. Start ledger retention maintenance
	cleanupService := cleanup.NewService(dbClient, cfg.CleanupInterval, cfg.FailedRetention)
	cleanupService.Start(ctx)

	// 5. Build the query service and HTTP server
	deriver := derive.NewDeriver(dbClient)
	queries := query.NewService(dbClient, deriver, coordinator.Ledger(), coordinator)
	httpServer := api.NewServer(dbClient, queries)

	// 6. Start HTTP server (non-blocking)
	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			errCh <- err
		}
	}()

	// 7. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 8. Graceful shutdown: ingestion first so the final checkpoint lands,
	// then the HTTP server with its own budget.
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.GracefulShutdownTimeout)
	defer cancel()

	cleanupService.Stop()

	done := make(chan struct{})
	go func() {
		coordinator.Stop()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Ingestion stopped gracefully")
	case <-shutdownCtx.Done():
		slog.Warn("Ingestion shutdown timeout exceeded")
	}

	httpCtx, httpCancel := context.WithTimeout(ctx, 5*time.Second)
	defer httpCancel()
	if err := httpServer.Shutdown(httpCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
