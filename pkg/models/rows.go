package models

import "time"

// Row types mirror the analytical schema. Nullable columns are pointers.

// Session is a row of the sessions table.
type Session struct {
	ID           string     `json:"id"`
	ParentID     *string    `json:"parent_id,omitempty"`
	ProjectID    string     `json:"project_id"`
	Directory    string     `json:"directory"`
	Title        string     `json:"title"`
	Additions    int        `json:"additions"`
	Deletions    int        `json:"deletions"`
	FilesChanged int        `json:"files_changed"`
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	UpdatedAt    *time.Time `json:"updated_at,omitempty"`
}

// Message is a row of the messages table.
type Message struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	ParentID         *string    `json:"parent_id,omitempty"`
	Role             string     `json:"role"`
	Agent            *string    `json:"agent,omitempty"`
	ModelID          string     `json:"model_id"`
	ProviderID       string     `json:"provider_id"`
	Mode             string     `json:"mode"`
	Cost             float64    `json:"cost"`
	Finish           string     `json:"finish"`
	Cwd              string     `json:"cwd"`
	TokensInput      int64      `json:"tokens_input"`
	TokensOutput     int64      `json:"tokens_output"`
	TokensReasoning  int64      `json:"tokens_reasoning"`
	TokensCacheRead  int64      `json:"tokens_cache_read"`
	TokensCacheWrite int64      `json:"tokens_cache_write"`
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Part is a row of the parts table. The union variant is selected by
// PartType plus, for tool parts, ToolName.
type Part struct {
	ID           string     `json:"id"`
	SessionID    string     `json:"session_id"`
	MessageID    string     `json:"message_id"`
	PartType     string     `json:"part_type"`
	ToolName     *string    `json:"tool_name,omitempty"`
	ToolStatus   *string    `json:"tool_status,omitempty"`
	CallID       *string    `json:"call_id,omitempty"`
	Content      *string    `json:"content,omitempty"`
	Arguments    *string    `json:"arguments,omitempty"` // JSON blob
	CreatedAt    *time.Time `json:"created_at,omitempty"`
	EndedAt      *time.Time `json:"ended_at,omitempty"`
	DurationMS   *int64     `json:"duration_ms,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
}

// Delegation is a row of the delegations table, one per completed or
// errored task tool call. Its ID is the originating part's ID.
type Delegation struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	MessageID      string     `json:"message_id"`
	ParentAgent    string     `json:"parent_agent"`
	ChildAgent     string     `json:"child_agent"`
	ChildSessionID *string    `json:"child_session_id,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

// AgentTrace is a row of the agent_traces table. Root traces are keyed
// "root_<session>"; delegation traces "del_<part>".
type AgentTrace struct {
	TraceID        string     `json:"trace_id"`
	SessionID      string     `json:"session_id"`
	ParentTraceID  *string    `json:"parent_trace_id,omitempty"`
	ParentAgent    *string    `json:"parent_agent,omitempty"`
	SubagentType   string     `json:"subagent_type"`
	PromptInput    *string    `json:"prompt_input,omitempty"`
	PromptOutput   *string    `json:"prompt_output,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	DurationMS     *int64     `json:"duration_ms,omitempty"`
	TokensIn       int64      `json:"tokens_in"`
	TokensOut      int64      `json:"tokens_out"`
	Status         string     `json:"status"`
	ChildSessionID *string    `json:"child_session_id,omitempty"`
}

// StepEvent is a row of the step_events table.
type StepEvent struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"session_id"`
	MessageID        string     `json:"message_id"`
	Kind             string     `json:"kind"` // step-start | step-finish
	CreatedAt        *time.Time `json:"created_at,omitempty"`
	TokensInput      int64      `json:"tokens_input"`
	TokensOutput     int64      `json:"tokens_output"`
	TokensReasoning  int64      `json:"tokens_reasoning"`
	TokensCacheRead  int64      `json:"tokens_cache_read"`
	TokensCacheWrite int64      `json:"tokens_cache_write"`
}

// Patch is a row of the patches table.
type Patch struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	GitHash   string     `json:"git_hash"`
	Files     string     `json:"files"` // JSON array of paths
	CreatedAt *time.Time `json:"created_at,omitempty"`
}

// File types recorded in the processing ledger, matching the first path
// segment under the storage root.
const (
	FileTypeSession = "session"
	FileTypeMessage = "message"
	FileTypePart    = "part"
)

// Ledger processing statuses.
const (
	FileStatusProcessed = "processed"
	FileStatusFailed    = "failed"
	FileStatusSkipped   = "skipped"
)

// FileProcessingRow is a row of the file_processing ledger.
type FileProcessingRow struct {
	FilePath     string     `json:"file_path"`
	FileType     string     `json:"file_type"`
	LastModified float64    `json:"last_modified"` // epoch seconds
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	Status       string     `json:"status"`
	Checksum     *string    `json:"checksum,omitempty"`
}
