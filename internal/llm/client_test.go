package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"fireline/internal/config"
	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/llm"
)

func newClient(t *testing.T, h http.HandlerFunc) *llm.Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	cfg := config.Default()
	cfg.LLM.BaseURL = srv.URL + "/"
	cfg.LLM.APIKey = "key-1"
	c := llm.New(cfg, nil)
	require.NotNil(t, c)
	return c
}

func TestNewWithoutBaseURL(t *testing.T) {
	require.Nil(t, llm.New(config.Default(), nil))
}

func TestClassify(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/classify", r.URL.Path)
		require.Equal(t, "Bearer key-1", r.Header.Get("Authorization"))
		var req engine.ClassifyRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "db down", req.Prompt)
		require.Len(t, req.EntryPoints, 2)
		_, _ = w.Write([]byte(`{"entryPointIndex":1,"severity":"high","title":"DB outage","description":"primary unreachable"}`))
	})
	got, err := c.Classify(context.Background(), engine.ClassifyRequest{
		IncidentID:  "inc-1",
		Prompt:      "db down",
		EntryPoints: []domain.EntryPoint{{ID: "ep-a"}, {ID: "ep-b"}},
	})
	require.NoError(t, err)
	require.Equal(t, engine.Classification{EntryPointIndex: 1, Severity: domain.SeverityHigh, Title: "DB outage", Description: "primary unreachable"}, got)
}

func TestSummarize(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/postmortem", r.URL.Path)
		_, _ = w.Write([]byte(`{"timeline":"t","rootCause":"r","impact":"i","actions":["a1","a2"]}`))
	})
	pm, err := c.Summarize(context.Background(), engine.SummaryRequest{Incident: domain.Incident{ID: "inc-1"}})
	require.NoError(t, err)
	require.Equal(t, "r", pm.RootCause)
	require.Equal(t, []string{"a1", "a2"}, pm.Actions)
}

func TestRunTurn(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/agent/turns", r.URL.Path)
		var turn engine.AgentTurn
		require.NoError(t, json.NewDecoder(r.Body).Decode(&turn))
		require.Equal(t, int64(4), turn.ToEventID)
		_, _ = w.Write([]byte(`{
			"suggestions":[{"id":"s1","message":"roll back"}],
			"similarIncidents":[{"originRunId":"run-1","targetIncidentId":"inc-9"}],
			"insights":[{"type":"SUSPECTED_CAUSE","data":{"deploy":"42"}}]
		}`))
	})
	out, err := c.RunTurn(context.Background(), engine.AgentTurn{IncidentID: "inc-1", FromEventID: 1, ToEventID: 4})
	require.NoError(t, err)
	require.Equal(t, []engine.Suggestion{{ID: "s1", Message: "roll back"}}, out.Suggestions)
	require.Len(t, out.SimilarIncidents, 1)
	require.Len(t, out.Insights, 1)
	require.JSONEq(t, `{"deploy":"42"}`, string(out.Insights[0].Data))
}

func TestAPIError(t *testing.T) {
	c := newClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusTooManyRequests)
	})
	_, err := c.Classify(context.Background(), engine.ClassifyRequest{})
	var apiErr *llm.APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusTooManyRequests, apiErr.StatusCode)
	require.Equal(t, "overloaded", apiErr.Body)
}
