package engine_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"fireline/internal/domain"
	"fireline/internal/engine"
)

func TestAddSuggestionsDeduplicates(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")
	before := env.agentState(t, "inc-1")

	ids, err := a.AddSuggestions(env.Ctx, []engine.Suggestion{
		{ID: "s1", Message: "check replica lag"},
		{ID: "s2", Message: ""},
		{ID: "s1", Message: "check replica lag again"},
		{Message: "page the DBA"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	again, err := a.AddSuggestions(env.Ctx, []engine.Suggestion{{ID: "s1", Message: "check replica lag"}, {Message: "page the DBA"}})
	require.NoError(t, err)
	require.Empty(t, again)

	require.Equal(t, before, env.agentState(t, "inc-1"), "suggestions never wake the agent")
	for _, e := range env.events(t, "inc-1")[1:] {
		require.True(t, e.Published())
	}
}

func TestRecordContextEventsAreIdempotent(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")

	in := engine.SimilarIncidentsDiscovered{RunID: "run-7", Incidents: []engine.SimilarIncidentRef{{ID: "inc-a"}, {ID: "inc-b"}}}
	first, err := a.RecordSimilarIncidentsDiscovered(env.Ctx, in)
	require.NoError(t, err)
	second, err := a.RecordSimilarIncidentsDiscovered(env.Ctx, in)
	require.NoError(t, err)
	require.Equal(t, first, second)

	keyed := engine.RecordedEvent{Type: "RUNBOOK_MATCHED", Data: json.RawMessage(`{"runbook":"db-failover"}`), DedupeKey: "rb-1"}
	c1, err := a.RecordAgentContextEvent(env.Ctx, keyed)
	require.NoError(t, err)
	keyed.Data = json.RawMessage(`{"runbook":"changed"}`)
	c2, err := a.RecordAgentContextEvent(env.Ctx, keyed)
	require.NoError(t, err)
	require.Equal(t, c1, c2, "caller key wins over content")

	byContent := engine.RecordedEvent{Type: "RUNBOOK_MATCHED", Data: json.RawMessage(`{"b":1, "a":"caf\u00e9"}`)}
	h1, err := a.RecordAgentContextEvent(env.Ctx, byContent)
	require.NoError(t, err)
	byContent.Data = json.RawMessage(`{"a":"cafe\u0301","b":1}`)
	h2, err := a.RecordAgentContextEvent(env.Ctx, byContent)
	require.NoError(t, err)
	require.Equal(t, h1, h2, "content keys ignore key order and unicode normalization form")

	evt, err := env.Eng.Events.Get(env.Ctx, env.DB, "inc-1", c1)
	require.NoError(t, err)
	require.True(t, evt.Published())
	require.Equal(t, domain.AdapterFire, evt.Adapter)
}

func TestRecordInsightEvents(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")
	before := env.agentState(t, "inc-1")

	s1, err := a.RecordSimilarIncident(env.Ctx, engine.SimilarIncident{OriginRunID: "run-1", TargetIncidentID: "inc-9", Summary: "first"})
	require.NoError(t, err)
	s2, err := a.RecordSimilarIncident(env.Ctx, engine.SimilarIncident{OriginRunID: "run-1", TargetIncidentID: "inc-9", Summary: "reworded"})
	require.NoError(t, err)
	require.Equal(t, s1, s2)
	s3, err := a.RecordSimilarIncident(env.Ctx, engine.SimilarIncident{OriginRunID: "run-2", TargetIncidentID: "inc-9"})
	require.NoError(t, err)
	require.NotEqual(t, s1, s3)

	i1, err := a.RecordAgentInsightEvent(env.Ctx, engine.RecordedEvent{Type: "SUSPECTED_CAUSE", Data: json.RawMessage(`{"deploy":"42"}`)})
	require.NoError(t, err)
	evt, err := env.Eng.Events.Get(env.Ctx, env.DB, "inc-1", i1)
	require.NoError(t, err)
	require.False(t, evt.Published())
	require.False(t, evt.Forwardable)

	require.Equal(t, before, env.agentState(t, "inc-1"), "insights never move toEventId")
	require.NoError(t, a.Alarm(env.Ctx))
	require.Empty(t, env.Disp.attempted)

	_, err = a.RecordAgentInsightEvent(env.Ctx, engine.RecordedEvent{Type: domain.EventMessageAdded})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = a.RecordAgentInsightEvent(env.Ctx, engine.RecordedEvent{Type: "X", Data: json.RawMessage(`{nope`)})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
	_, err = a.RecordSimilarIncident(env.Ctx, engine.SimilarIncident{OriginRunID: "run-1"})
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}

func TestRecordAllowedOnClosedIncident(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")
	require.NoError(t, a.UpdateStatus(env.Ctx, domain.StatusResolved, "fixed", domain.AdapterDashboard))
	_, err := a.RecordSimilarIncident(env.Ctx, engine.SimilarIncident{OriginRunID: "run-1", TargetIncidentID: "inc-9"})
	require.NoError(t, err)
}

func TestGetAgentContextRange(t *testing.T) {
	env := newTestEnv(t)
	a := env.ready(t, "inc-1")
	require.NoError(t, a.AddMessage(env.Ctx, "one", "u1", "m1", domain.AdapterSlack))
	require.NoError(t, a.AddMessage(env.Ctx, "two", "u1", "m2", domain.AdapterSlack))
	require.NoError(t, a.AddMessage(env.Ctx, "three", "u1", "m3", domain.AdapterSlack))

	full, err := a.GetAgentContext(env.Ctx)
	require.NoError(t, err)
	require.Len(t, full.Events, 4)

	part, err := a.GetAgentContextRange(env.Ctx, 1, 3)
	require.NoError(t, err)
	require.Len(t, part.Events, 2)
	require.Equal(t, int64(2), part.Events[0].ID)
	require.Equal(t, int64(3), part.Events[1].ID)
	require.Equal(t, full.Incident, part.Incident)

	for _, r := range [][2]int64{{3, 1}, {3, 0}, {3, 3}} {
		empty, err := a.GetAgentContextRange(env.Ctx, r[0], r[1])
		require.NoError(t, err)
		require.Empty(t, empty.Events, "(%d, %d]", r[0], r[1])
	}

	_, err = a.GetAgentContextRange(env.Ctx, -1, 3)
	require.ErrorIs(t, err, engine.ErrInvalidInput)
}
