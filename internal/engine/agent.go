package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fireline/internal/domain"
)

const (
	DefaultAgentInitialDelay = 60 * time.Second
	DefaultAgentDebounce     = 13 * time.Second
)

var qualifyingEvents = map[string]bool{
	domain.EventIncidentCreated: true,
	domain.EventStatusUpdate:    true,
	domain.EventSeverityUpdate:  true,
	domain.EventAssigneeUpdate:  true,
	domain.EventMessageAdded:    true,
	domain.EventAffectionUpdate: true,
}

// Qualifies reports whether an event of this type and origin should wake
// the background agent. Anything the agent wrote itself never does.
func Qualifies(eventType, adapter string) bool {
	return adapter != domain.AdapterFire && qualifyingEvents[eventType]
}

// ShouldStartAgentTurn reports whether debounced agent work is due at now.
func ShouldStartAgentTurn(st domain.AgentState, now time.Time) bool {
	if st.NextAt == nil || st.ToEventID == nil {
		return false
	}
	return now.UnixMilli() >= *st.NextAt && *st.ToEventID > st.LastProcessedEventID
}

// agentPending reports whether qualifying events remain unprocessed,
// regardless of the debounce deadline.
func agentPending(st domain.AgentState) bool {
	return st.ToEventID != nil && *st.ToEventID > st.LastProcessedEventID
}

func (a *Actor) agentDelays() (time.Duration, time.Duration) {
	initial, debounce := DefaultAgentInitialDelay, DefaultAgentDebounce
	if cfg := a.eng.Config; cfg != nil {
		if cfg.Agent.InitialDelay > 0 {
			initial = cfg.Agent.InitialDelay
		}
		if cfg.Agent.Debounce > 0 {
			debounce = cfg.Agent.Debounce
		}
	}
	return initial, debounce
}

// scheduleAgent advances toEventId to eventID and resets the debounce
// deadline, returning it.
func (a *Actor) scheduleAgent(o *op, eventID int64) (time.Time, error) {
	st, err := a.eng.Repo.GetAgentState(o.ctx, o.tx, a.ID)
	if err != nil {
		return time.Time{}, fmt.Errorf("load agent state: %w", err)
	}
	initial, debounce := a.agentDelays()
	delay := debounce
	if st.LastProcessedEventID == 0 {
		delay = initial
	}
	next := o.now.Add(delay)
	nextMs := next.UnixMilli()
	st.ToEventID = &eventID
	st.NextAt = &nextMs
	if err := a.eng.Repo.SaveAgentState(o.ctx, o.tx, a.ID, st); err != nil {
		return time.Time{}, fmt.Errorf("save agent state: %w", err)
	}
	return next, nil
}

// runAgentTurn hands the unprocessed range to the agent runner and applies
// what it returns. State advances only when both succeed.
func (a *Actor) runAgentTurn(ctx context.Context) error {
	st, err := a.eng.Repo.GetAgentState(ctx, a.eng.DB, a.ID)
	if err != nil {
		return err
	}
	if st.ToEventID == nil {
		return nil
	}
	from, to := st.LastProcessedEventID, *st.ToEventID
	log := a.log.With(zap.Int64("from_event_id", from), zap.Int64("to_event_id", to))

	var out AgentOutput
	if a.eng.Agent != nil {
		actx, err := a.contextRange(ctx, a.eng.DB, from, to)
		if err != nil {
			return err
		}
		out, err = a.eng.Agent.RunTurn(ctx, AgentTurn{IncidentID: a.ID, FromEventID: from, ToEventID: to, Context: actx})
		if err != nil {
			log.Warn("agent turn failed", zap.Error(err))
			return fmt.Errorf("agent turn: %w", err)
		}
	}

	return a.updateLocked(ctx, func(o *op) error {
		rec, err := a.load(o)
		if err != nil {
			return err
		}
		if err := a.applyAgentOutput(o, rec.Status.Terminal(), out); err != nil {
			return err
		}
		cur, err := a.eng.Repo.GetAgentState(o.ctx, o.tx, a.ID)
		if err != nil {
			return err
		}
		cur.LastProcessedEventID = to
		if cur.ToEventID == nil || *cur.ToEventID <= to {
			cur.NextAt = nil
		}
		if err := a.eng.Repo.SaveAgentState(o.ctx, o.tx, a.ID, cur); err != nil {
			return err
		}
		log.Info("agent turn completed",
			zap.Int("suggestions", len(out.Suggestions)),
			zap.Int("similar_incidents", len(out.SimilarIncidents)),
			zap.Int("insights", len(out.Insights)))
		return nil
	})
}

func (a *Actor) applyAgentOutput(o *op, terminal bool, out AgentOutput) error {
	if len(out.Suggestions) > 0 {
		if terminal {
			a.log.Debug("dropping suggestions for closed incident", zap.Int("count", len(out.Suggestions)))
		} else if _, err := a.addSuggestions(o, out.Suggestions); a.fault(err, "suggestions") != nil {
			return err
		}
	}
	if out.Discovered != nil {
		if _, err := a.recordSimilarIncidentsDiscovered(o, *out.Discovered); a.fault(err, "similar incidents discovered") != nil {
			return err
		}
	}
	for _, s := range out.SimilarIncidents {
		if _, err := a.recordSimilarIncident(o, s); a.fault(err, "similar incident") != nil {
			return err
		}
	}
	for _, ev := range out.ContextEvents {
		if _, err := a.recordContextEvent(o, ev); a.fault(err, "context event") != nil {
			return err
		}
	}
	for _, ev := range out.Insights {
		if _, err := a.recordInsightEvent(o, ev); a.fault(err, "insight") != nil {
			return err
		}
	}
	return nil
}

// fault drops rejected agent output with a warning and passes faults
// through, so one malformed item cannot wedge the agent schedule.
func (a *Actor) fault(err error, what string) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != "" {
		a.log.Warn("skipping rejected agent output", zap.String("kind", what), zap.Error(err))
		return nil
	}
	return err
}
