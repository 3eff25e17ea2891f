package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fireline/internal/domain"
	"fireline/internal/repo"
)

type AlarmAction string

const (
	ActionIdle       AlarmAction = "idle"
	ActionInitialize AlarmAction = "initialize"
	ActionDispatch   AlarmAction = "dispatch"
	ActionAgentTurn  AlarmAction = "agent_turn"
	ActionCleanup    AlarmAction = "cleanup"
)

// AlarmInput is the snapshot DecideAlarmAction works from.
type AlarmInput struct {
	Now             time.Time
	Initialized     bool
	Terminal        bool
	PendingDispatch int
	Agent           domain.AgentState
}

// AlarmDecision is the next step. WakeAt is only set for ActionIdle and
// names the next time there will be work.
type AlarmDecision struct {
	Action AlarmAction
	WakeAt *time.Time
}

// DecideAlarmAction picks the next reconciliation step. Classification comes
// first, then the outbox, then a due agent turn, then cleanup of a closed
// and quiescent incident.
func DecideAlarmAction(in AlarmInput) AlarmDecision {
	switch {
	case !in.Initialized:
		return AlarmDecision{Action: ActionInitialize}
	case in.PendingDispatch > 0:
		return AlarmDecision{Action: ActionDispatch}
	case ShouldStartAgentTurn(in.Agent, in.Now):
		return AlarmDecision{Action: ActionAgentTurn}
	case in.Terminal && !agentPending(in.Agent):
		return AlarmDecision{Action: ActionCleanup}
	}
	d := AlarmDecision{Action: ActionIdle}
	if agentPending(in.Agent) && in.Agent.NextAt != nil {
		at := time.UnixMilli(*in.Agent.NextAt).UTC()
		d.WakeAt = &at
	}
	return d
}

func (a *Actor) alarmInput(ctx context.Context) (AlarmInput, error) {
	rec, err := a.eng.Repo.GetIncident(ctx, a.eng.DB, a.ID)
	if err != nil {
		return AlarmInput{}, err
	}
	pending, err := a.eng.Events.CountPending(ctx, a.eng.DB, a.ID, a.maxAttempts())
	if err != nil {
		return AlarmInput{}, err
	}
	st, err := a.eng.Repo.GetAgentState(ctx, a.eng.DB, a.ID)
	if err != nil {
		return AlarmInput{}, err
	}
	return AlarmInput{
		Now:             a.eng.now(),
		Initialized:     rec.Initialized,
		Terminal:        rec.Status.Terminal(),
		PendingDispatch: pending,
		Agent:           st,
	}, nil
}

// Alarm runs one reconciliation pass and reschedules the next wake-up. It is
// safe to call at any time, including for incidents that no longer exist.
// Each step runs at most once per call; a failed step stops the pass, its
// progress stays committed and the error is returned after a retry has been
// scheduled.
func (a *Actor) Alarm(ctx context.Context) error {
	unlock := a.eng.locks.lock(a.ID)
	defer unlock()

	done := map[AlarmAction]bool{}
	var runErr error
	for {
		in, err := a.alarmInput(ctx)
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		d := DecideAlarmAction(in)
		if d.Action == ActionIdle || done[d.Action] {
			break
		}
		done[d.Action] = true
		switch d.Action {
		case ActionInitialize:
			runErr = a.initialize(ctx)
		case ActionDispatch:
			runErr = a.dispatch(ctx)
		case ActionAgentTurn:
			runErr = a.runAgentTurn(ctx)
		case ActionCleanup:
			destroyed, err := a.cleanup(ctx)
			if destroyed {
				return nil
			}
			runErr = err
		}
		if runErr != nil {
			break
		}
	}

	next, err := a.nextWake(ctx, runErr != nil)
	if err != nil {
		return errors.Join(runErr, err)
	}
	if err := a.eng.Repo.SetAlarm(ctx, a.eng.DB, a.ID, next); err != nil {
		return errors.Join(runErr, fmt.Errorf("reschedule alarm: %w", err))
	}
	if next != nil {
		a.notify(*next)
	}
	if runErr != nil {
		a.log.Warn("alarm failed", zap.Error(runErr))
	}
	return runErr
}

// nextWake is the earliest time there will be work: now when a step is
// still actionable, the retry delay after a failure, the agent debounce
// deadline, or nothing.
func (a *Actor) nextWake(ctx context.Context, failed bool) (*time.Time, error) {
	now := a.eng.now()
	if failed {
		at := now.Add(a.retryDelay())
		return &at, nil
	}
	in, err := a.alarmInput(ctx)
	if err != nil {
		return nil, err
	}
	d := DecideAlarmAction(in)
	if d.Action != ActionIdle {
		return &now, nil
	}
	return d.WakeAt, nil
}

// cleanup hands the final record to the archive, when one is configured,
// and destroys the incident. An archive failure keeps the incident for the
// next alarm.
func (a *Actor) cleanup(ctx context.Context) (bool, error) {
	if a.eng.Archiver != nil {
		if err := a.archive(ctx); err != nil {
			return false, fmt.Errorf("archive: %w", err)
		}
	}
	if err := a.eng.Repo.DeleteIncident(ctx, a.eng.DB, a.ID); err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, fmt.Errorf("destroy incident: %w", err)
	}
	a.log.Info("incident destroyed")
	return true, nil
}

func (a *Actor) archive(ctx context.Context) error {
	rec, err := a.eng.Repo.GetIncident(ctx, a.eng.DB, a.ID)
	if err != nil {
		return err
	}
	evts, err := a.eng.Events.All(ctx, a.eng.DB, a.ID)
	if err != nil {
		return err
	}
	out := ArchiveRecord{Kind: "archive", Incident: rec.Incident, Events: evts}
	if aff, ok, err := a.eng.Repo.GetAffection(ctx, a.eng.DB, a.ID); err != nil {
		return err
	} else if ok {
		out.Affection = &aff
	}
	if a.eng.Summarizer != nil {
		pm, err := a.eng.Summarizer.Summarize(ctx, SummaryRequest{Incident: rec.Incident, Events: evts})
		if err != nil {
			return fmt.Errorf("summarize: %w", err)
		}
		out.Postmortem = &pm
	}
	return a.eng.Archiver.Archive(ctx, out)
}

// Backlog is what an incident still has queued.
type Backlog struct {
	AlarmAt         *int64 `json:"alarmAt,omitempty"`
	PendingDispatch int    `json:"pendingDispatch"`
	LastEventID     int64  `json:"lastEventId"`
}

// Backlog reports the scheduled wake-up, the outbox depth and the newest
// event id. It returns ErrNotFound once the incident has been destroyed.
func (a *Actor) Backlog(ctx context.Context) (Backlog, error) {
	var out Backlog
	err := a.update(ctx, func(o *op) error {
		rec, err := a.load(o)
		if err != nil {
			return err
		}
		out.AlarmAt = rec.AlarmAt
		if out.PendingDispatch, err = a.eng.Events.CountPending(o.ctx, o.tx, a.ID, a.maxAttempts()); err != nil {
			return err
		}
		out.LastEventID, err = a.eng.Events.LatestID(o.ctx, o.tx, a.ID)
		return err
	})
	return out, err
}
