package server

import (
	"encoding/json"

	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/repo"
)

// Request payloads

type EntryPointRequest struct {
	ID         string `json:"id"`
	Prompt     string `json:"prompt,omitempty"`
	Assignee   string `json:"assignee,omitempty"`
	RotationID string `json:"rotationId,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
	IsFallback bool   `json:"isFallback,omitempty"`
}

type ServiceRequest struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Prompt string `json:"prompt,omitempty"`
}

type BootstrapMessageRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	CreatedAt string `json:"createdAt,omitempty"`
}

type StartIncidentRequest struct {
	Prompt      string                    `json:"prompt"`
	CreatedBy   string                    `json:"createdBy,omitempty"`
	Source      string                    `json:"source,omitempty"`
	Adapter     string                    `json:"adapter,omitempty"`
	Metadata    map[string]any            `json:"metadata,omitempty"`
	EntryPoints []EntryPointRequest       `json:"entryPoints,omitempty"`
	Services    []ServiceRequest          `json:"services,omitempty"`
	Messages    []BootstrapMessageRequest `json:"messages,omitempty"`
}

type SeverityRequest struct {
	Severity string `json:"severity" enum:"low,medium,high"`
	Adapter  string `json:"adapter,omitempty"`
}

type AssigneeRequest struct {
	Assignee string `json:"assignee"`
	Adapter  string `json:"adapter,omitempty"`
}

type StatusRequest struct {
	Status  string `json:"status" enum:"open,mitigating,resolved,declined"`
	Message string `json:"message,omitempty"`
	Adapter string `json:"adapter,omitempty"`
}

type MessageRequest struct {
	Message   string `json:"message"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Adapter   string `json:"adapter,omitempty"`
}

type AffectedServiceRequest struct {
	ID     string `json:"id"`
	Impact string `json:"impact,omitempty"`
}

type AffectionRequest struct {
	Message  string                   `json:"message"`
	Title    string                   `json:"title,omitempty"`
	Status   string                   `json:"status,omitempty"`
	Services []AffectedServiceRequest `json:"services,omitempty"`
	Adapter  string                   `json:"adapter,omitempty"`
}

type SuggestionRequest struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

type SuggestionsRequest struct {
	Suggestions []SuggestionRequest `json:"suggestions"`
}

type SimilarIncidentRefRequest struct {
	ID    string  `json:"id"`
	Title string  `json:"title,omitempty"`
	Score float64 `json:"score,omitempty"`
}

type SimilarIncidentsDiscoveredRequest struct {
	RunID     string                      `json:"runId"`
	Incidents []SimilarIncidentRefRequest `json:"incidents,omitempty"`
	DedupeKey string                      `json:"dedupeKey,omitempty"`
}

type SimilarIncidentRequest struct {
	OriginRunID      string  `json:"originRunId,omitempty"`
	TargetIncidentID string  `json:"targetIncidentId"`
	Summary          string  `json:"summary,omitempty"`
	Score            float64 `json:"score,omitempty"`
	DedupeKey        string  `json:"dedupeKey,omitempty"`
}

type RecordedEventRequest struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
}

// Response payloads

type IncidentSummaryResponse struct {
	ID          string          `json:"id"`
	Status      domain.Status   `json:"status"`
	Severity    domain.Severity `json:"severity"`
	Title       string          `json:"title"`
	Prompt      string          `json:"prompt"`
	Assignee    string          `json:"assignee"`
	Initialized bool            `json:"initialized"`
	AlarmAt     *int64          `json:"alarmAt,omitempty"`
	CreatedAt   string          `json:"createdAt" format:"date-time"`
}

type IncidentStateResponse struct {
	State        string               `json:"state" enum:"initializing,ready"`
	Initializing *engine.Initializing `json:"initializing,omitempty"`
	Ready        *engine.Ready        `json:"ready,omitempty"`
}

type EventIDResponse struct {
	ID int64 `json:"id"`
}

type EventIDsResponse struct {
	IDs []int64 `json:"ids"`
}

type AlarmResponse struct {
	Destroyed       bool   `json:"destroyed"`
	AlarmAt         *int64 `json:"alarmAt,omitempty"`
	PendingDispatch int    `json:"pendingDispatch"`
	LastEventID     int64  `json:"lastEventId"`
}

func (r StartIncidentRequest) input() engine.StartInput {
	in := engine.StartInput{
		Prompt:    r.Prompt,
		CreatedBy: r.CreatedBy,
		Source:    r.Source,
		Adapter:   r.Adapter,
		Metadata:  r.Metadata,
	}
	for _, ep := range r.EntryPoints {
		in.EntryPoints = append(in.EntryPoints, domain.EntryPoint(ep))
	}
	for _, s := range r.Services {
		in.Services = append(in.Services, domain.Service(s))
	}
	for _, m := range r.Messages {
		in.Messages = append(in.Messages, engine.BootstrapMessage(m))
	}
	return in
}

func (r AffectionRequest) input() engine.AffectionInput {
	in := engine.AffectionInput{
		Message: r.Message,
		Title:   r.Title,
		Status:  domain.AffectionStatus(r.Status),
		Adapter: r.Adapter,
	}
	for _, s := range r.Services {
		impact := domain.Impact(s.Impact)
		if impact == "" {
			impact = domain.ImpactPartial
		}
		in.Services = append(in.Services, domain.AffectedService{ID: s.ID, Impact: impact})
	}
	return in
}

func (r SuggestionsRequest) input() []engine.Suggestion {
	out := make([]engine.Suggestion, 0, len(r.Suggestions))
	for _, s := range r.Suggestions {
		out = append(out, engine.Suggestion(s))
	}
	return out
}

func (r SimilarIncidentsDiscoveredRequest) input() engine.SimilarIncidentsDiscovered {
	in := engine.SimilarIncidentsDiscovered{RunID: r.RunID, DedupeKey: r.DedupeKey, Incidents: []engine.SimilarIncidentRef{}}
	for _, ref := range r.Incidents {
		in.Incidents = append(in.Incidents, engine.SimilarIncidentRef(ref))
	}
	return in
}

func (r SimilarIncidentRequest) input() engine.SimilarIncident {
	return engine.SimilarIncident(r)
}

func (r RecordedEventRequest) input() engine.RecordedEvent {
	return engine.RecordedEvent(r)
}

func incidentSummary(rec repo.IncidentRecord) IncidentSummaryResponse {
	return IncidentSummaryResponse{
		ID:          rec.ID,
		Status:      rec.Status,
		Severity:    rec.Severity,
		Title:       rec.Title,
		Prompt:      rec.Prompt,
		Assignee:    rec.Assignee,
		Initialized: rec.Initialized,
		AlarmAt:     rec.AlarmAt,
		CreatedAt:   rec.CreatedAt,
	}
}

func incidentState(st engine.State) IncidentStateResponse {
	switch s := st.(type) {
	case engine.Initializing:
		return IncidentStateResponse{State: "initializing", Initializing: &s}
	case engine.Ready:
		return IncidentStateResponse{State: "ready", Ready: &s}
	}
	return IncidentStateResponse{}
}
