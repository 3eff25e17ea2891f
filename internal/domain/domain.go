package domain

import "encoding/json"

type Status string

const (
	StatusOpen       Status = "open"
	StatusMitigating Status = "mitigating"
	StatusResolved   Status = "resolved"
	StatusDeclined   Status = "declined"
)

// Terminal reports whether no further lifecycle mutation is accepted.
func (s Status) Terminal() bool {
	return s == StatusResolved || s == StatusDeclined
}

func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusMitigating, StatusResolved, StatusDeclined:
		return true
	}
	return false
}

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh:
		return true
	}
	return false
}

// Event types appended to an incident log.
const (
	EventIncidentCreated          = "INCIDENT_CREATED"
	EventStatusUpdate             = "STATUS_UPDATE"
	EventSeverityUpdate           = "SEVERITY_UPDATE"
	EventAssigneeUpdate           = "ASSIGNEE_UPDATE"
	EventMessageAdded             = "MESSAGE_ADDED"
	EventAffectionUpdate          = "AFFECTION_UPDATE"
	EventSimilarIncident          = "SIMILAR_INCIDENT"
	EventSimilarIncidentsDiscover = "SIMILAR_INCIDENTS_DISCOVERED"
)

// Adapters tag where a mutation originated.
const (
	AdapterDashboard = "dashboard"
	AdapterSlack     = "slack"
	AdapterFire      = "fire"
)

type Incident struct {
	ID           string         `json:"id"`
	Status       Status         `json:"status" enum:"open,mitigating,resolved,declined"`
	Severity     Severity       `json:"severity" enum:"low,medium,high"`
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
	CreatedAt    string         `json:"createdAt" format:"date-time"`
	UpdatedAt    string         `json:"updatedAt" format:"date-time"`
}

type EntryPoint struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt"`
	Assignee   string `json:"assignee"`
	RotationID string `json:"rotationId,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
	IsFallback bool   `json:"isFallback,omitempty"`
}

type Service struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
}

type Event struct {
	ID          int64           `json:"id"`
	IncidentID  string          `json:"incidentId"`
	Type        string          `json:"event_type"`
	Data        json.RawMessage `json:"event_data"`
	Metadata    json.RawMessage `json:"event_metadata,omitempty"`
	CreatedAt   string          `json:"created_at" format:"date-time"`
	PublishedAt *string         `json:"published_at,omitempty" format:"date-time"`
	Attempts    int             `json:"attempts"`
	Adapter     string          `json:"adapter"`
	Forwardable bool            `json:"forwardable"`
	DedupeKey   *string         `json:"-"`
}

// Published reports whether the event has left the outbox.
func (e Event) Published() bool {
	return e.PublishedAt != nil
}

type AgentState struct {
	LastProcessedEventID int64  `json:"lastProcessedEventId"`
	ToEventID            *int64 `json:"toEventId,omitempty"`
	NextAt               *int64 `json:"nextAt,omitempty"`
}

type AffectionStatus string

const (
	AffectionInvestigating AffectionStatus = "investigating"
	AffectionMitigating    AffectionStatus = "mitigating"
	AffectionResolved      AffectionStatus = "resolved"
)

// Position returns the index in the forward-only order, or -1 when unknown.
func (s AffectionStatus) Position() int {
	switch s {
	case AffectionInvestigating:
		return 0
	case AffectionMitigating:
		return 1
	case AffectionResolved:
		return 2
	}
	return -1
}

type Impact string

const (
	ImpactPartial Impact = "partial"
	ImpactMajor   Impact = "major"
)

type AffectedService struct {
	ID     string `json:"id"`
	Impact Impact `json:"impact" enum:"partial,major"`
}

type Affection struct {
	CurrentStatus AffectionStatus   `json:"currentStatus"`
	Title         string            `json:"title"`
	Services      []AffectedService `json:"services"`
	UpdatedAt     string            `json:"updatedAt" format:"date-time"`
}

// Event payloads.

type StatusUpdateData struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type SeverityUpdateData struct {
	Severity Severity `json:"severity"`
}

type AssigneeUpdateData struct {
	Assignee string `json:"assignee"`
}

type MessageAddedData struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type IncidentCreatedData struct {
	Status       Status   `json:"status"`
	Severity     Severity `json:"severity"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Prompt       string   `json:"prompt"`
	CreatedBy    string   `json:"createdBy"`
	Source       string   `json:"source"`
	Assignee     string   `json:"assignee"`
	EntryPointID string   `json:"entryPointId"`
	RotationID   string   `json:"rotationId,omitempty"`
	TeamID       string   `json:"teamId,omitempty"`
	Pending      bool     `json:"pending,omitempty"`
}

type AffectionUpdateData struct {
	Message  string            `json:"message"`
	Title    string            `json:"title,omitempty"`
	Status   AffectionStatus   `json:"status,omitempty"`
	Services []AffectedService `json:"services"`
}

type SuggestionMetadata struct {
	Kind              string `json:"kind"`
	AgentSuggestionID string `json:"agentSuggestionId"`
}
