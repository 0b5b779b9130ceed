// Package query is the read-only surface over the analytical schema:
// period statistics, session hierarchies, trace trees, global aggregates,
// and the sync-status view consumers poll.
package query

import (
	"context"
	"time"

	"github.com/agentlens/agentlens/pkg/database"
	"github.com/agentlens/agentlens/pkg/derive"
	"github.com/agentlens/agentlens/pkg/ingest"
	"github.com/agentlens/agentlens/pkg/models"
)

// SyncStatusProvider supplies the live sync status. Satisfied by
// ingest.Coordinator.
type SyncStatusProvider interface {
	Status() models.SyncStatus
}

// Service answers all consumer queries. Every method is read-only and safe
// against empty tables, zero rows, and null timestamps; in PeriodStats,
// sub-query failures degrade the affected field rather than the aggregate.
type Service struct {
	client  *database.Client
	deriver *derive.Deriver
	ledger  *ingest.Ledger
	sync    SyncStatusProvider
}

// NewService creates the query service over the shared store client.
func NewService(client *database.Client, deriver *derive.Deriver, ledger *ingest.Ledger, sync SyncStatusProvider) *Service {
	return &Service{
		client:  client,
		deriver: deriver,
		ledger:  ledger,
		sync:    sync,
	}
}

// SyncStatus returns the consumer-facing ingestion status.
func (s *Service) SyncStatus() models.SyncStatus {
	if s.sync == nil {
		return models.SyncStatus{Phase: models.PhaseInit}
	}
	return s.sync.Status()
}

// RefreshInfo reports ingestion time and source-data time separately.
// Ingestion time comes from the ledger (when the pipeline last wrote);
// source time from the newest session update in the data. The two diverge
// whenever the source host's clock differs from ours, so staleness checks
// must use the former.
func (s *Service) RefreshInfo(ctx context.Context) models.RefreshInfo {
	var info models.RefreshInfo
	if s.ledger != nil {
		if t, err := s.ledger.LastIngestAt(ctx); err == nil {
			info.LastIngestAt = t
		}
	}
	var sessionAt *time.Time
	if err := s.client.QueryRow(ctx, `SELECT max(updated_at) FROM sessions`).Scan(&sessionAt); err == nil {
		info.LastSessionActivityAt = sessionAt
	}
	return info
}

// NeedsRefresh reports whether the pipeline has gone longer than maxAge
// without ingesting anything.
func (s *Service) NeedsRefresh(ctx context.Context, maxAge time.Duration) bool {
	info := s.RefreshInfo(ctx)
	if info.LastIngestAt == nil {
		return true
	}
	return time.Since(*info.LastIngestAt) > maxAge
}
