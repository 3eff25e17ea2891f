package engine

import (
	"context"
	"encoding/json"
	"time"

	"fireline/internal/domain"
)

// Classifier picks an entry point and fills the LLM-derived incident fields.
type Classifier interface {
	Classify(ctx context.Context, req ClassifyRequest) (Classification, error)
}

type ClassifyRequest struct {
	IncidentID  string              `json:"incidentId"`
	Prompt      string              `json:"prompt"`
	EntryPoints []domain.EntryPoint `json:"entryPoints"`
	Services    []domain.Service    `json:"services"`
}

type Classification struct {
	EntryPointIndex int             `json:"entryPointIndex"`
	Severity        domain.Severity `json:"severity"`
	Title           string          `json:"title"`
	Description     string          `json:"description"`
}

// Dispatcher delivers one outbox event to the workflow backend.
type Dispatcher interface {
	Dispatch(ctx context.Context, d Delivery) error
}

// Delivery is the payload handed to the Dispatcher.
type Delivery struct {
	Kind     string          `json:"kind"`
	Event    domain.Event    `json:"event"`
	Incident domain.Incident `json:"incident"`
}

// AgentRunner runs one background agent pass over new events.
type AgentRunner interface {
	RunTurn(ctx context.Context, turn AgentTurn) (AgentOutput, error)
}

type AgentTurn struct {
	IncidentID  string       `json:"incidentId"`
	FromEventID int64        `json:"fromEventId"`
	ToEventID   int64        `json:"toEventId"`
	Context     AgentContext `json:"context"`
}

// AgentOutput is applied through the same idempotent record operations the
// command surface exposes.
type AgentOutput struct {
	Suggestions      []Suggestion                `json:"suggestions,omitempty"`
	Discovered       *SimilarIncidentsDiscovered `json:"discovered,omitempty"`
	SimilarIncidents []SimilarIncident           `json:"similarIncidents,omitempty"`
	ContextEvents    []RecordedEvent             `json:"contextEvents,omitempty"`
	Insights         []RecordedEvent             `json:"insights,omitempty"`
}

// Summarizer produces the postmortem handed to the archive at cleanup.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (Postmortem, error)
}

type SummaryRequest struct {
	Incident domain.Incident `json:"incident"`
	Events   []domain.Event  `json:"events"`
}

type Postmortem struct {
	Timeline  string   `json:"timeline"`
	RootCause string   `json:"rootCause"`
	Impact    string   `json:"impact"`
	Actions   []string `json:"actions"`
}

// Archiver receives the final record before the incident is destroyed.
type Archiver interface {
	Archive(ctx context.Context, rec ArchiveRecord) error
}

type ArchiveRecord struct {
	Kind       string            `json:"kind"`
	Incident   domain.Incident   `json:"incident"`
	Affection  *domain.Affection `json:"affection,omitempty"`
	Events     []domain.Event    `json:"events"`
	Postmortem *Postmortem       `json:"postmortem,omitempty"`
}

// Notifier is told whenever an incident's wake-up moves.
type Notifier interface {
	Notify(incidentID string, at time.Time)
}

// Suggestion is an agent-proposed chat message.
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
	Incidents []SimilarIncidentRef `json:"incidents"`
	DedupeKey string               `json:"-"`
}

type SimilarIncident struct {
	OriginRunID      string  `json:"originRunId"`
	TargetIncidentID string  `json:"targetIncidentId"`
	Summary          string  `json:"summary,omitempty"`
	Score            float64 `json:"score,omitempty"`
	DedupeKey        string  `json:"-"`
}

// RecordedEvent is a generic agent context or insight record.
type RecordedEvent struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	DedupeKey string          `json:"dedupeKey,omitempty"`
}
