package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fireline/internal/domain"
	"fireline/internal/engine"
)

type fakeAgent struct {
	turns []engine.AgentTurn
	out   engine.AgentOutput
	err   error
}

func (f *fakeAgent) RunTurn(_ context.Context, turn engine.AgentTurn) (engine.AgentOutput, error) {
	f.turns = append(f.turns, turn)
	return f.out, f.err
}

func TestQualifies(t *testing.T) {
	require.True(t, engine.Qualifies(domain.EventIncidentCreated, domain.AdapterDashboard))
	require.True(t, engine.Qualifies(domain.EventAffectionUpdate, domain.AdapterSlack))
	require.False(t, engine.Qualifies(domain.EventMessageAdded, domain.AdapterFire))
	require.False(t, engine.Qualifies(domain.EventSimilarIncident, domain.AdapterDashboard))
	require.False(t, engine.Qualifies(domain.EventSimilarIncidentsDiscover, domain.AdapterDashboard))
	require.False(t, engine.Qualifies("CUSTOM_INSIGHT", domain.AdapterDashboard))
}

func TestShouldStartAgentTurn(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	ms := func(t time.Time) *int64 { v := t.UnixMilli(); return &v }
	id := func(v int64) *int64 { return &v }

	require.False(t, engine.ShouldStartAgentTurn(domain.AgentState{}, now))
	require.False(t, engine.ShouldStartAgentTurn(domain.AgentState{ToEventID: id(3)}, now))
	require.False(t, engine.ShouldStartAgentTurn(domain.AgentState{ToEventID: id(3), NextAt: ms(now.Add(time.Second))}, now))
	require.True(t, engine.ShouldStartAgentTurn(domain.AgentState{ToEventID: id(3), NextAt: ms(now)}, now))
	require.False(t, engine.ShouldStartAgentTurn(domain.AgentState{LastProcessedEventID: 3, ToEventID: id(3), NextAt: ms(now)}, now))
}

func TestAgentDebounceUsesInitialDelayThenShortDelay(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")
	start := env.Clock.Now()

	st := env.agentState(t, "inc-1")
	require.Equal(t, int64(1), *st.ToEventID)
	require.Equal(t, start.Add(60*time.Second).UnixMilli(), *st.NextAt)

	env.Clock.Advance(10 * time.Second)
	require.NoError(t, a.AddMessage(env.Ctx, "still broken", "u1", "m1", domain.AdapterSlack))
	st = env.agentState(t, "inc-1")
	require.Equal(t, int64(2), *st.ToEventID)
	require.Equal(t, start.Add(70*time.Second).UnixMilli(), *st.NextAt, "first cycle keeps the initial delay")

	env.Clock.Advance(2 * time.Minute)
	require.NoError(t, a.Alarm(env.Ctx))
	st = env.agentState(t, "inc-1")
	require.Equal(t, int64(2), st.LastProcessedEventID)
	require.Nil(t, st.NextAt)

	require.NoError(t, a.SetSeverity(env.Ctx, domain.SeverityLow, domain.AdapterDashboard))
	st = env.agentState(t, "inc-1")
	require.Equal(t, env.Clock.Now().Add(13*time.Second).UnixMilli(), *st.NextAt)
}

func TestAgentTurnWaitsForOutbox(t *testing.T) {
	env := newTestEnv(t)
	agent := &fakeAgent{}
	env.Eng.Agent = agent
	a := env.ready(t, "inc-1")
	require.NoError(t, a.AddMessage(env.Ctx, "hello", "u1", "m1", domain.AdapterSlack))
	env.Clock.Advance(2 * time.Minute)

	env.Disp.fail = func(domain.Event) bool { return true }
	require.Error(t, a.Alarm(env.Ctx))
	require.Empty(t, agent.turns)

	env.Disp.fail = nil
	require.NoError(t, a.Alarm(env.Ctx))
	require.Len(t, agent.turns, 1)
	turn := agent.turns[0]
	require.Equal(t, int64(0), turn.FromEventID)
	require.Equal(t, int64(2), turn.ToEventID)
	require.Len(t, turn.Context.Events, 2)
	require.Equal(t, "alice@example.com", turn.Context.Incident.Metadata["reporter_email"])
}

func TestAgentOutputIsRecordedWithoutRetriggering(t *testing.T) {
	env := newTestEnv(t)
	agent := &fakeAgent{out: engine.AgentOutput{
		Suggestions: []engine.Suggestion{
			{ID: "s1", Message: "  Roll back deploy 42  "},
			{ID: "s1", Message: "duplicate id"},
			{ID: "s2", Message: "   "},
		},
		Discovered:       &engine.SimilarIncidentsDiscovered{RunID: "run-1", Incidents: []engine.SimilarIncidentRef{{ID: "inc-old", Score: 0.9}}},
		SimilarIncidents: []engine.SimilarIncident{{OriginRunID: "run-1", TargetIncidentID: "inc-old", Summary: "same deploy"}},
		Insights:         []engine.RecordedEvent{{Type: domain.EventStatusUpdate, Data: json.RawMessage(`{}`)}},
	}}
	env.Eng.Agent = agent
	a := env.ready(t, "inc-1")
	env.Clock.Advance(2 * time.Minute)
	require.NoError(t, a.Alarm(env.Ctx))
	require.Len(t, agent.turns, 1)

	byType := map[string][]domain.Event{}
	for _, e := range env.events(t, "inc-1") {
		byType[e.Type] = append(byType[e.Type], e)
	}
	require.Len(t, byType[domain.EventMessageAdded], 1)
	sug := byType[domain.EventMessageAdded][0]
	require.Equal(t, domain.AdapterFire, sug.Adapter)
	require.True(t, sug.Published())
	require.JSONEq(t, `{"kind":"suggestion","agentSuggestionId":"s1"}`, string(sug.Metadata))
	require.Contains(t, string(sug.Data), `"message":"Roll back deploy 42"`)

	require.Len(t, byType[domain.EventSimilarIncidentsDiscover], 1)
	require.True(t, byType[domain.EventSimilarIncidentsDiscover][0].Published())
	require.Len(t, byType[domain.EventSimilarIncident], 1)
	require.False(t, byType[domain.EventSimilarIncident][0].Published())
	require.Len(t, byType[domain.EventStatusUpdate], 0, "reserved insight types are skipped")

	st := env.agentState(t, "inc-1")
	require.Equal(t, int64(1), st.LastProcessedEventID)
	require.Nil(t, st.NextAt)
	require.Empty(t, env.Disp.attempted, "agent records never reach the workflow backend")

	env.Clock.Advance(5 * time.Minute)
	require.NoError(t, a.Alarm(env.Ctx))
	require.Len(t, agent.turns, 1)
}

func TestAgentTurnFailureKeepsWork(t *testing.T) {
	env := newTestEnv(t)
	agent := &fakeAgent{err: context.DeadlineExceeded}
	env.Eng.Agent = agent
	a := env.ready(t, "inc-1")
	env.Clock.Advance(2 * time.Minute)

	require.ErrorIs(t, a.Alarm(env.Ctx), context.DeadlineExceeded)
	st := env.agentState(t, "inc-1")
	require.Zero(t, st.LastProcessedEventID)
	require.NotNil(t, st.NextAt)

	agent.err = nil
	require.NoError(t, a.Alarm(env.Ctx))
	require.Equal(t, int64(1), env.agentState(t, "inc-1").LastProcessedEventID)
}
