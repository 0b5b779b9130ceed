package models

import "time"

// Ingestion phases, ordered. REALTIME is terminal until an explicit reset.
type SyncPhase string

const (
	PhaseInit            SyncPhase = "INIT"
	PhaseBulkSessions    SyncPhase = "BULK_SESSIONS"
	PhaseBulkMessages    SyncPhase = "BULK_MESSAGES"
	PhaseBulkParts       SyncPhase = "BULK_PARTS"
	PhaseProcessingQueue SyncPhase = "PROCESSING_QUEUE"
	PhaseRealtime        SyncPhase = "REALTIME"
)

// Rank returns the position of the phase in the state machine ordering.
// Unknown phases rank below INIT.
func (p SyncPhase) Rank() int {
	switch p {
	case PhaseInit:
		return 0
	case PhaseBulkSessions:
		return 1
	case PhaseBulkMessages:
		return 2
	case PhaseBulkParts:
		return 3
	case PhaseProcessingQueue:
		return 4
	case PhaseRealtime:
		return 5
	default:
		return -1
	}
}

// SyncStatus is the consumer-facing view of ingestion progress.
type SyncStatus struct {
	Phase       SyncPhase  `json:"phase"`
	T0          int64      `json:"t0"` // epoch seconds
	Progress    float64    `json:"progress"`
	FilesTotal  int64      `json:"files_total"`
	FilesDone   int64      `json:"files_done"`
	QueueSize   int        `json:"queue_size"`
	ETASeconds  *float64   `json:"eta_seconds,omitempty"`
	LastIndexed *time.Time `json:"last_indexed,omitempty"`
	IsReady     bool       `json:"is_ready"`
}

// TokenStats aggregates token counters over a query window.
type TokenStats struct {
	Input         int64   `json:"input"`
	Output        int64   `json:"output"`
	Reasoning     int64   `json:"reasoning"`
	CacheRead     int64   `json:"cache_read"`
	CacheWrite    int64   `json:"cache_write"`
	Total         int64   `json:"total"`
	CacheHitRatio float64 `json:"cache_hit_ratio"` // percent, [0, 100]
}

// ComputeDerived fills Total and CacheHitRatio from the raw counters.
func (t *TokenStats) ComputeDerived() {
	t.Total = t.Input + t.Output + t.Reasoning + t.CacheRead + t.CacheWrite
	if denom := t.Input + t.CacheRead; denom > 0 {
		t.CacheHitRatio = 100 * float64(t.CacheRead) / float64(denom)
	} else {
		t.CacheHitRatio = 0
	}
}

// SessionTokens is one entry of the top-sessions-by-tokens list.
type SessionTokens struct {
	SessionID   string  `json:"session_id"`
	Title       string  `json:"title"`
	Directory   string  `json:"directory"`
	TotalTokens int64   `json:"total_tokens"`
	Cost        float64 `json:"cost"`
}

// AgentStats is the per-agent breakdown entry.
type AgentStats struct {
	Agent        string  `json:"agent"`
	MessageCount int64   `json:"message_count"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// ToolStats is the per-tool breakdown entry.
type ToolStats struct {
	Tool          string  `json:"tool"`
	Invocations   int64   `json:"invocations"`
	Errors        int64   `json:"errors"`
	FailureRate   float64 `json:"failure_rate"` // percent
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// SkillStats is the per-skill breakdown entry.
type SkillStats struct {
	Skill       string `json:"skill"`
	Invocations int64  `json:"invocations"`
}

// DelegationStats aggregates delegation activity over the window.
type DelegationStats struct {
	Total                   int64   `json:"total"`
	SessionsWithDelegations int64   `json:"sessions_with_delegations"`
	UniquePairs             int64   `json:"unique_pairs"`
	RecursiveCount          int64   `json:"recursive_count"`
	MaxChainDepth           int64   `json:"max_chain_depth"`
	AvgPerSession           float64 `json:"avg_per_session"`
}

// DayStats is one bucket of the per-day time series.
type DayStats struct {
	Day          string  `json:"day"` // YYYY-MM-DD
	Sessions     int64   `json:"sessions"`
	Messages     int64   `json:"messages"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`
	Delegations  int64   `json:"delegations"`
	FilesChanged int64   `json:"files_changed"`
}

// HourBucket is one bucket of an hourly histogram (hour 0-23).
type HourBucket struct {
	Hour  int   `json:"hour"`
	Count int64 `json:"count"`
}

// ModelStats is the per-model breakdown entry.
type ModelStats struct {
	ModelID      string  `json:"model_id"`
	ProviderID   string  `json:"provider_id"`
	MessageCount int64   `json:"message_count"`
	TotalTokens  int64   `json:"total_tokens"`
	Cost         float64 `json:"cost"`
}

// DirectoryStats is the per-working-directory breakdown entry.
type DirectoryStats struct {
	Directory    string `json:"directory"`
	SessionCount int64  `json:"session_count"`
	TotalTokens  int64  `json:"total_tokens"`
}

// PeriodStats is the exhaustive aggregate returned for a trailing window.
// Any sub-query failure degrades the corresponding field to its zero value;
// it never fails the whole aggregate.
type PeriodStats struct {
	Days               int              `json:"days"`
	Tokens             TokenStats       `json:"tokens"`
	TotalCost          float64          `json:"total_cost"`
	SessionCount       int64            `json:"session_count"`
	MessageCount       int64            `json:"message_count"`
	TopSessions        []SessionTokens  `json:"top_sessions"`
	Agents             []AgentStats     `json:"agents"`
	Tools              []ToolStats      `json:"tools"`
	Skills             []SkillStats     `json:"skills"`
	Delegations        DelegationStats  `json:"delegations"`
	Daily              []DayStats       `json:"daily"`
	HourlyUsage        []HourBucket     `json:"hourly_usage"`
	HourlyDelegations  []HourBucket     `json:"hourly_delegations"`
	Models             []ModelStats     `json:"models"`
	Directories        []DirectoryStats `json:"directories"`
	Anomalies          []string         `json:"anomalies"`
}

// SessionSummary is the single-session aggregate.
type SessionSummary struct {
	Session      Session    `json:"session"`
	MessageCount int64      `json:"message_count"`
	PartCount    int64      `json:"part_count"`
	Tokens       TokenStats `json:"tokens"`
	TotalCost    float64    `json:"total_cost"`
	Delegations  int64      `json:"delegations"`
	Agents       []string   `json:"agents"`
	FirstAt      *time.Time `json:"first_at,omitempty"`
	LastAt       *time.Time `json:"last_at,omitempty"`
}

// SessionNode is a node of the session hierarchy tree.
type SessionNode struct {
	Session  Session        `json:"session"`
	Children []*SessionNode `json:"children,omitempty"`
}

// TraceNode is a node of the delegation trace tree.
type TraceNode struct {
	Trace    AgentTrace   `json:"trace"`
	Depth    int          `json:"depth"`
	Children []*TraceNode `json:"children,omitempty"`
}

// GlobalStats is the all-time (or bounded-range) aggregate.
type GlobalStats struct {
	Start        *time.Time `json:"start,omitempty"`
	End          *time.Time `json:"end,omitempty"`
	SessionCount int64      `json:"session_count"`
	MessageCount int64      `json:"message_count"`
	PartCount    int64      `json:"part_count"`
	Delegations  int64      `json:"delegations"`
	Tokens       TokenStats `json:"tokens"`
	TotalCost    float64    `json:"total_cost"`
	FirstSession *time.Time `json:"first_session,omitempty"`
	LastSession  *time.Time `json:"last_session,omitempty"`
}

// RefreshInfo separates ingestion time from source-data time. LastIngestAt
// is the newest ledger write; LastSessionActivityAt is the newest session
// update seen in the data itself. Staleness decisions use LastIngestAt so a
// skewed source clock cannot mask a stalled pipeline.
type RefreshInfo struct {
	LastIngestAt          *time.Time `json:"last_ingest_at,omitempty"`
	LastSessionActivityAt *time.Time `json:"last_session_activity_at,omitempty"`
}
