// Package models defines the wire-format JSON types read from the agent
// runtime's storage tree, the row types persisted in the analytical store,
// and the DTOs returned by the query surface.
package models

// The agent runtime writes one JSON file per entity:
//
//	<storage>/session/<project_id>/<session_id>.json
//	<storage>/message/<session_id>/<message_id>.json
//	<storage>/part/<session_id>/<part_id>.json
//
// Timestamps on the wire are Unix milliseconds.

// TimeInfo carries created/updated instants (ms epoch).
type TimeInfo struct {
	Created int64 `json:"created"`
	Updated int64 `json:"updated"`
}

// MessageTime carries message instants. Completed is only present once the
// assistant turn finishes.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// SpanTime carries start/end instants for parts and tool executions.
type SpanTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// ChangeSummary aggregates file-change statistics on a session.
type ChangeSummary struct {
	Additions int `json:"additions,omitempty"`
	Deletions int `json:"deletions,omitempty"`
	Files     int `json:"files,omitempty"`
}

// SessionFile is the on-disk shape of a session record.
type SessionFile struct {
	ID        string         `json:"id"`
	ProjectID string         `json:"projectID"`
	Directory string         `json:"directory"`
	Title     *string        `json:"title,omitempty"`
	ParentID  *string        `json:"parentID,omitempty"`
	Version   string         `json:"version,omitempty"`
	Summary   *ChangeSummary `json:"summary,omitempty"`
	Time      TimeInfo       `json:"time"`
}

// ModelRef is the nested model reference some runtimes emit instead of the
// flat modelID/providerID pair.
type ModelRef struct {
	ModelID    string `json:"modelID"`
	ProviderID string `json:"providerID"`
}

// PathInfo carries the working directory at message-send time.
type PathInfo struct {
	Cwd  string `json:"cwd,omitempty"`
	Root string `json:"root,omitempty"`
}

// CacheTokens carries prompt-cache counters.
type CacheTokens struct {
	Read  int64 `json:"read"`
	Write int64 `json:"write"`
}

// TokenUsage carries per-message token counters.
type TokenUsage struct {
	Input     int64        `json:"input"`
	Output    int64        `json:"output"`
	Reasoning int64        `json:"reasoning,omitempty"`
	Cache     *CacheTokens `json:"cache,omitempty"`
}

// MessageFile is the on-disk shape of a message record.
type MessageFile struct {
	ID         string      `json:"id"`
	SessionID  string      `json:"sessionID"`
	ParentID   *string     `json:"parentID,omitempty"`
	Role       string      `json:"role"`
	Agent      *string     `json:"agent,omitempty"`
	ModelID    *string     `json:"modelID,omitempty"`
	ProviderID *string     `json:"providerID,omitempty"`
	Model      *ModelRef   `json:"model,omitempty"`
	Mode       *string     `json:"mode,omitempty"`
	Cost       *float64    `json:"cost,omitempty"`
	Finish     *string     `json:"finish,omitempty"`
	Path       *PathInfo   `json:"path,omitempty"`
	Tokens     *TokenUsage `json:"tokens,omitempty"`
	Time       MessageTime `json:"time"`
}

// ResolvedModelID returns the model identifier regardless of which of the
// two wire layouts the file used.
func (m *MessageFile) ResolvedModelID() string {
	if m.ModelID != nil {
		return *m.ModelID
	}
	if m.Model != nil {
		return m.Model.ModelID
	}
	return ""
}

// ResolvedProviderID returns the provider identifier from either layout.
func (m *MessageFile) ResolvedProviderID() string {
	if m.ProviderID != nil {
		return *m.ProviderID
	}
	if m.Model != nil {
		return m.Model.ProviderID
	}
	return ""
}

// Part type discriminators.
const (
	PartTypeText       = "text"
	PartTypeReasoning  = "reasoning"
	PartTypeTool       = "tool"
	PartTypeStepStart  = "step-start"
	PartTypeStepFinish = "step-finish"
	PartTypePatch      = "patch"
	PartTypeFile       = "file"
	PartTypeCompaction = "compaction"
)

// Tool execution states.
const (
	ToolStatusPending   = "pending"
	ToolStatusRunning   = "running"
	ToolStatusCompleted = "completed"
	ToolStatusError     = "error"
)

// ToolName for agent delegation calls.
const ToolNameTask = "task"

// ToolState is the nested execution state of a tool-typed part.
type ToolState struct {
	Status string         `json:"status"`
	Input  map[string]any `json:"input,omitempty"`
	Output any            `json:"output,omitempty"`
	Error  *string        `json:"error,omitempty"`
	Time   *SpanTime      `json:"time,omitempty"`
}

// PartFile is the on-disk shape of a part record. Parts are a tagged union
// over Type; only the fields of the matching variant are populated.
type PartFile struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"`

	Text   *string    `json:"text,omitempty"`
	Tool   *string    `json:"tool,omitempty"`
	CallID *string    `json:"callID,omitempty"`
	State  *ToolState `json:"state,omitempty"`

	// step-finish token snapshot
	Tokens *TokenUsage `json:"tokens,omitempty"`
	Cost   *float64    `json:"cost,omitempty"`

	// patch variant
	Hash  *string  `json:"hash,omitempty"`
	Files []string `json:"files,omitempty"`

	Time *SpanTime `json:"time,omitempty"`
}

// Span returns the effective start/end instants of the part, preferring the
// tool-state span over the top-level one (tool parts carry timing under
// state.time).
func (p *PartFile) Span() (start, end *int64) {
	if p.State != nil && p.State.Time != nil && p.State.Time.Start != nil {
		return p.State.Time.Start, p.State.Time.End
	}
	if p.Time != nil {
		return p.Time.Start, p.Time.End
	}
	return nil, nil
}
