package engine

import (
	"context"
	"encoding/json"
	"math"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"fireline/internal/db"
	"fireline/internal/domain"
	"fireline/internal/events"
)

var dedupeNamespace = uuid.MustParse("7d0a39a4-6c1e-4b8f-9a43-2f5de1c0b7e2")

// AgentContext is the read-only projection handed to the agent: the full
// incident including all metadata, plus the requested slice of the log.
type AgentContext struct {
	Incident    domain.Incident     `json:"incident"`
	EntryPoints []domain.EntryPoint `json:"entryPoints"`
	Services    []domain.Service    `json:"services"`
	Affection   *domain.Affection   `json:"affection,omitempty"`
	AgentState  domain.AgentState   `json:"agentState"`
	Events      []domain.Event      `json:"events"`
}

// GetAgentContext returns the projection with the whole event log.
func (a *Actor) GetAgentContext(ctx context.Context) (AgentContext, error) {
	return a.agentContext(ctx, 0, math.MaxInt64)
}

// GetAgentContextRange returns events with fromExclusive < id <= toInclusive.
// A range with toInclusive <= fromExclusive holds no events.
func (a *Actor) GetAgentContextRange(ctx context.Context, fromExclusive, toInclusive int64) (AgentContext, error) {
	if fromExclusive < 0 || toInclusive < 0 {
		return AgentContext{}, invalidInput("invalid range (%d, %d]", fromExclusive, toInclusive)
	}
	return a.agentContext(ctx, fromExclusive, toInclusive)
}

func (a *Actor) agentContext(ctx context.Context, from, to int64) (AgentContext, error) {
	var out AgentContext
	err := a.update(ctx, func(o *op) error {
		if _, err := a.loadReady(o); err != nil {
			return err
		}
		var err error
		out, err = a.contextRange(o.ctx, o.tx, from, to)
		return err
	})
	return out, err
}

func (a *Actor) contextRange(ctx context.Context, q db.Querier, from, to int64) (AgentContext, error) {
	rec, err := a.eng.Repo.GetIncident(ctx, q, a.ID)
	if err != nil {
		return AgentContext{}, err
	}
	evts, err := a.eng.Events.Range(ctx, q, a.ID, from, to)
	if err != nil {
		return AgentContext{}, err
	}
	st, err := a.eng.Repo.GetAgentState(ctx, q, a.ID)
	if err != nil {
		return AgentContext{}, err
	}
	out := AgentContext{Incident: rec.Incident, EntryPoints: rec.EntryPoints, Services: rec.Services, AgentState: st, Events: evts}
	aff, ok, err := a.eng.Repo.GetAffection(ctx, q, a.ID)
	if err != nil {
		return AgentContext{}, err
	}
	if ok {
		out.Affection = &aff
	}
	return out, nil
}

// AddSuggestions records agent-authored chat messages as already published
// and returns the ids of the events it appended.
func (a *Actor) AddSuggestions(ctx context.Context, batch []Suggestion) ([]int64, error) {
	var ids []int64
	err := a.update(ctx, func(o *op) error {
		if _, err := a.loadMutable(o); err != nil {
			return err
		}
		var err error
		ids, err = a.addSuggestions(o, batch)
		return err
	})
	return ids, err
}

func (a *Actor) addSuggestions(o *op, batch []Suggestion) ([]int64, error) {
	var (
		kept []Suggestion
		seen = map[string]bool{}
	)
	for _, s := range batch {
		s.Message = strings.TrimSpace(s.Message)
		if s.Message == "" {
			continue
		}
		if s.ID == "" {
			s.ID = contentKey("suggestion", s.Message)
		}
		if seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		kept = append(kept, s)
	}
	if len(kept) == 0 {
		return nil, nil
	}
	msgIDs := make([]string, len(kept))
	for i, s := range kept {
		msgIDs[i] = s.ID
	}
	persisted, err := a.eng.Events.MessageIDs(o.ctx, o.tx, a.ID, msgIDs)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, s := range kept {
		if persisted[s.ID] {
			continue
		}
		id, err := a.appendEvent(o, events.Draft{
			Type:      domain.EventMessageAdded,
			Data:      domain.MessageAddedData{Message: s.Message, UserID: domain.AdapterFire, MessageID: s.ID},
			Metadata:  domain.SuggestionMetadata{Kind: "suggestion", AgentSuggestionID: s.ID},
			Adapter:   domain.AdapterFire,
			Published: true,
			MessageID: s.ID,
		})
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (a *Actor) RecordSimilarIncidentsDiscovered(ctx context.Context, in SimilarIncidentsDiscovered) (int64, error) {
	return a.record(ctx, func(o *op) (int64, error) { return a.recordSimilarIncidentsDiscovered(o, in) })
}

func (a *Actor) RecordSimilarIncident(ctx context.Context, in SimilarIncident) (int64, error) {
	return a.record(ctx, func(o *op) (int64, error) { return a.recordSimilarIncident(o, in) })
}

// RecordAgentContextEvent stores an already-published bookkeeping record for
// the agent's own later consumption.
func (a *Actor) RecordAgentContextEvent(ctx context.Context, in RecordedEvent) (int64, error) {
	return a.record(ctx, func(o *op) (int64, error) { return a.recordContextEvent(o, in) })
}

// RecordAgentInsightEvent stores an unpublished record that is never
// forwarded and never wakes the agent.
func (a *Actor) RecordAgentInsightEvent(ctx context.Context, in RecordedEvent) (int64, error) {
	return a.record(ctx, func(o *op) (int64, error) { return a.recordInsightEvent(o, in) })
}

func (a *Actor) record(ctx context.Context, fn func(o *op) (int64, error)) (int64, error) {
	var id int64
	err := a.update(ctx, func(o *op) error {
		if _, err := a.loadReady(o); err != nil {
			return err
		}
		var err error
		id, err = fn(o)
		return err
	})
	return id, err
}

func (a *Actor) recordSimilarIncidentsDiscovered(o *op, in SimilarIncidentsDiscovered) (int64, error) {
	if in.Incidents == nil {
		in.Incidents = []SimilarIncidentRef{}
	}
	key := in.DedupeKey
	if key == "" {
		key = contentKey(domain.EventSimilarIncidentsDiscover, in)
	}
	return a.recordOnce(o, events.Draft{
		Type:      domain.EventSimilarIncidentsDiscover,
		Data:      in,
		Adapter:   domain.AdapterFire,
		Published: true,
		DedupeKey: domain.EventSimilarIncidentsDiscover + ":" + key,
	})
}

func (a *Actor) recordSimilarIncident(o *op, in SimilarIncident) (int64, error) {
	if in.TargetIncidentID == "" {
		return 0, invalidInput("targetIncidentId is required")
	}
	key := in.DedupeKey
	if key == "" {
		key = in.OriginRunID + ":" + in.TargetIncidentID
	}
	return a.recordOnce(o, events.Draft{
		Type:      domain.EventSimilarIncident,
		Data:      in,
		Adapter:   domain.AdapterFire,
		DedupeKey: domain.EventSimilarIncident + ":" + key,
	})
}

func (a *Actor) recordContextEvent(o *op, in RecordedEvent) (int64, error) {
	d, err := a.recordedDraft(in)
	if err != nil {
		return 0, err
	}
	d.Published = true
	return a.recordOnce(o, d)
}

func (a *Actor) recordInsightEvent(o *op, in RecordedEvent) (int64, error) {
	d, err := a.recordedDraft(in)
	if err != nil {
		return 0, err
	}
	return a.recordOnce(o, d)
}

func (a *Actor) recordedDraft(in RecordedEvent) (events.Draft, error) {
	in.Type = strings.TrimSpace(in.Type)
	if in.Type == "" {
		return events.Draft{}, invalidInput("event type is required")
	}
	if qualifyingEvents[in.Type] {
		return events.Draft{}, invalidInput("event type %s is reserved", in.Type)
	}
	if len(in.Data) > 0 && !json.Valid(in.Data) {
		return events.Draft{}, invalidInput("event data must be valid JSON")
	}
	key := in.DedupeKey
	if key == "" {
		key = contentKey(in.Type, in.Data)
	}
	return events.Draft{
		Type:      in.Type,
		Data:      in.Data,
		Adapter:   domain.AdapterFire,
		DedupeKey: in.Type + ":" + key,
	}, nil
}

// recordOnce appends d unless an event already holds its dedupe key, in
// which case the existing id is returned.
func (a *Actor) recordOnce(o *op, d events.Draft) (int64, error) {
	existing, ok, err := a.eng.Events.FindByDedupeKey(o.ctx, o.tx, a.ID, d.DedupeKey)
	if err != nil {
		return 0, err
	}
	if ok {
		return existing.ID, nil
	}
	return a.appendEvent(o, d)
}

// contentKey derives a stable key from the NFC-normalized canonical JSON of v.
func contentKey(kind string, v any) string {
	var canonical string
	switch t := v.(type) {
	case string:
		canonical = t
	case json.RawMessage:
		canonical = canonicalJSON(t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			canonical = ""
		} else {
			canonical = canonicalJSON(b)
		}
	}
	return uuid.NewSHA1(dedupeNamespace, []byte(kind+"\x00"+norm.NFC.String(canonical))).String()
}

func canonicalJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(b)
}
