package firelinesdk

import "encoding/json"

// EntryPoint is an on-call route the classifier can pick.
type EntryPoint struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
	RotationID string `json:"rotationId,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
	IsFallback bool   `json:"isFallback,omitempty"`
}

type Service struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
}

type BootstrapMessage struct {
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type StartRequest struct {
	Prompt      string             `json:"prompt"`
	CreatedBy   string             `json:"createdBy,omitempty"`
	Source      string             `json:"source,omitempty"`
	Adapter     string             `json:"adapter,omitempty"`
	Metadata    map[string]any     `json:"metadata,omitempty"`
	EntryPoints []EntryPoint       `json:"entryPoints,omitempty"`
	Services    []Service          `json:"services,omitempty"`
	Messages    []BootstrapMessage `json:"messages,omitempty"`
}

type MessageRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Adapter   string `json:"adapter,omitempty"`
}

type AffectedService struct {
	ID     string `json:"id"`
	Impact string `json:"impact,omitempty"`
}

type AffectionRequest struct {
	Message  string            `json:"message"`
	Title    string            `json:"title,omitempty"`
	Status   string            `json:"status,omitempty"`
	Services []AffectedService `json:"services,omitempty"`
	Adapter  string            `json:"adapter,omitempty"`
}

type Suggestion struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type SimilarIncidentRef struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score,omitempty"`
}

type SimilarIncidentsDiscovered struct {
	RunID     string               `json:"runId"`
	Incidents []SimilarIncidentRef `json:"incidents,omitempty"`
	DedupeKey string               `json:"dedupeKey,omitempty"`
}

type SimilarIncident struct {
	OriginRunID      string  `json:"originRunId,omitempty"`
	TargetIncidentID string  `json:"targetIncidentId"`
	Summary          string  `json:"summary,omitempty"`
	Score            float64 `json:"score,omitempty"`
	DedupeKey        string  `json:"dedupeKey,omitempty"`
}

type RecordedEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
}

type IncidentSummary struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Severity    string `json:"severity"`
	Title       string `json:"title"`
	Prompt      string `json:"prompt"`
	Assignee    string `json:"assignee"`
	Initialized bool   `json:"initialized"`
	AlarmAt     *int64 `json:"alarmAt,omitempty"`
	CreatedAt   string `json:"createdAt"`
}

type Incident struct {
	ID           string         `json:"id"`
	Status       string         `json:"status"`
	Severity     string         `json:"severity"`
	Title        string         `json:"title"`
	Description  string         `json:"description"`
	Prompt       string         `json:"prompt"`
	CreatedBy    string         `json:"createdBy"`
	Source       string         `json:"source"`
	Assignee     string         `json:"assignee"`
	EntryPointID string         `json:"entryPointId"`
	RotationID   string         `json:"rotationId,omitempty"`
	TeamID       string         `json:"teamId,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Initialized  bool           `json:"initialized"`
	CreatedAt    string         `json:"createdAt"`
	UpdatedAt    string         `json:"updatedAt"`
}

type Affection struct {
	CurrentStatus string            `json:"currentStatus"`
	Title         string            `json:"title"`
	Services      []AffectedService `json:"services"`
	UpdatedAt     string            `json:"updatedAt"`
}

// Initializing is an incident still waiting for classification.
type Initializing struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	CreatedBy string `json:"createdBy"`
	Source    string `json:"source"`
	CreatedAt string `json:"createdAt"`
}

type Ready struct {
	Incident  Incident       `json:"incident"`
	Services  []Service      `json:"services"`
	Affection *Affection     `json:"affection,omitempty"`
	Context   map[string]any `json:"context"`
}

// IncidentState holds exactly one of Initializing or Ready, named by State.
type IncidentState struct {
	State        string        `json:"state"`
	Initializing *Initializing `json:"initializing,omitempty"`
	Ready        *Ready        `json:"ready,omitempty"`
}

type Event struct {
	ID          int64           `json:"id"`
	IncidentID  string          `json:"incidentId"`
	Type        string          `json:"event_type"`
	Data        json.RawMessage `json:"event_data"`
	Metadata    json.RawMessage `json:"event_metadata,omitempty"`
	CreatedAt   string          `json:"created_at"`
	PublishedAt *string         `json:"published_at,omitempty"`
	Attempts    int             `json:"attempts"`
	Adapter     string          `json:"adapter"`
	Forwardable bool            `json:"forwardable"`
}

type AgentState struct {
	LastProcessedEventID int64  `json:"lastProcessedEventId"`
	ToEventID            *int64 `json:"toEventId,omitempty"`
	NextAt               *int64 `json:"nextAt,omitempty"`
}

type AgentContext struct {
	Incident    Incident     `json:"incident"`
	EntryPoints []EntryPoint `json:"entryPoints"`
	Services    []Service    `json:"services"`
	Affection   *Affection   `json:"affection,omitempty"`
	AgentState  AgentState   `json:"agentState"`
	Events      []Event      `json:"events"`
}

// ContextRange selects events with From < id <= To. A nil To reads to the
// end of the log.
type ContextRange struct {
	From int64
	To   *int64
}

// EventQuery filters Events. Outbox is "", "pending" or "dead".
type EventQuery struct {
	Type   string
	Outbox string
	Limit  int
}

type AlarmResult struct {
	Destroyed       bool   `json:"destroyed"`
	AlarmAt         *int64 `json:"alarmAt,omitempty"`
	PendingDispatch int    `json:"pendingDispatch"`
	LastEventID     int64  `json:"lastEventId"`
}
