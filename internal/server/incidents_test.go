package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fireline/internal/config"
	"fireline/internal/db"
	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/migrate"
)

type recordingNotifier struct {
	mu  sync.Mutex
	ids []string
}

func (n *recordingNotifier) Notify(id string, _ time.Time) {
	n.mu.Lock()
	n.ids = append(n.ids, id)
	n.mu.Unlock()
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.ids)
}

type sinkDispatcher struct {
	mu   sync.Mutex
	sent []int64
}

func (d *sinkDispatcher) Dispatch(_ context.Context, del engine.Delivery) error {
	d.mu.Lock()
	d.sent = append(d.sent, del.Event.ID)
	d.mu.Unlock()
	return nil
}

type incidentServer struct {
	URL    string
	Notes  *recordingNotifier
	Disp   *sinkDispatcher
	Engine engine.Engine
}

func newIncidentServer(t *testing.T) *incidentServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	notes := &recordingNotifier{}
	disp := &sinkDispatcher{}
	eng := engine.New(conn, config.Default())
	eng.Dispatcher = disp
	eng.Notifier = notes

	handler, err := New(Config{Scheduler: &fakeScheduler{}, Engine: &eng, Version: "test"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return &incidentServer{URL: srv.URL + "/v1", Notes: notes, Disp: disp, Engine: eng}
}

func (s *incidentServer) call(t *testing.T, method, path string, body any) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, data
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env), string(body))
	return env.Error.Code
}

var startBody = map[string]any{
	"prompt":      "checkout API returning 500s",
	"createdBy":   "u-alice",
	"source":      "slack",
	"adapter":     "slack",
	"entryPoints": []map[string]any{{"id": "ep-payments", "assignee": "u-bob", "isFallback": true}},
	"services":    []map[string]any{{"id": "svc-api", "name": "API"}},
}

func TestIncidentLifecycleOverHTTP(t *testing.T) {
	s := newIncidentServer(t)

	status, body := s.call(t, http.MethodPut, "/incidents/inc-1", startBody)
	require.Equal(t, http.StatusOK, status, string(body))
	var st IncidentStateResponse
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, "initializing", st.State)
	require.Equal(t, "checkout API returning 500s", st.Initializing.Prompt)
	require.Equal(t, 1, s.Notes.count(), "start must notify the scheduler")

	status, body = s.call(t, http.MethodPut, "/incidents/inc-1/severity", map[string]any{"severity": "low"})
	require.Equal(t, http.StatusConflict, status, string(body))
	require.Equal(t, "not_initialized", errorCode(t, body))

	status, body = s.call(t, http.MethodPost, "/incidents/inc-1/alarm", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var alarm AlarmResponse
	require.NoError(t, json.Unmarshal(body, &alarm))
	require.False(t, alarm.Destroyed)
	require.Zero(t, alarm.PendingDispatch)
	require.NotNil(t, alarm.AlarmAt)

	status, body = s.call(t, http.MethodGet, "/incidents/inc-1", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	require.NoError(t, json.Unmarshal(body, &st))
	require.Equal(t, "ready", st.State)
	require.Equal(t, "u-bob", st.Ready.Incident.Assignee)

	before := s.Notes.count()
	status, body = s.call(t, http.MethodPut, "/incidents/inc-1/severity", map[string]any{"severity": "low"})
	require.Equal(t, http.StatusNoContent, status, string(body))
	require.Empty(t, body)
	require.Greater(t, s.Notes.count(), before, "forwardable command must notify the scheduler")

	status, body = s.call(t, http.MethodGet, "/incidents/inc-1/events?outbox=pending", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var pending []domain.Event
	require.NoError(t, json.Unmarshal(body, &pending))
	require.Len(t, pending, 1)
	require.Equal(t, domain.EventSeverityUpdate, pending[0].Type)
	require.True(t, pending[0].Forwardable)

	status, body = s.call(t, http.MethodGet, "/incidents", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var list []IncidentSummaryResponse
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	require.Equal(t, domain.SeverityLow, list[0].Severity)
}

func TestIncidentRoutesMapEngineErrors(t *testing.T) {
	s := newIncidentServer(t)

	status, body := s.call(t, http.MethodGet, "/incidents/missing", nil)
	require.Equal(t, http.StatusNotFound, status, string(body))
	require.Equal(t, "not_found", errorCode(t, body))

	noRoutes := map[string]any{"prompt": "x"}
	status, body = s.call(t, http.MethodPut, "/incidents/inc-2", noRoutes)
	require.Equal(t, http.StatusBadRequest, status, string(body))
	require.Equal(t, "invalid_input", errorCode(t, body))

	status, body = s.call(t, http.MethodPut, "/incidents/inc-1", startBody)
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = s.call(t, http.MethodPut, "/incidents/inc-1/severity", map[string]any{"severity": "urgent"})
	require.Equal(t, http.StatusUnprocessableEntity, status, string(body))
	require.Equal(t, "validation_failed", errorCode(t, body))
}

func TestAgentRecordsOverHTTP(t *testing.T) {
	s := newIncidentServer(t)
	status, body := s.call(t, http.MethodPut, "/incidents/inc-1", startBody)
	require.Equal(t, http.StatusOK, status, string(body))
	status, body = s.call(t, http.MethodPost, "/incidents/inc-1/alarm", nil)
	require.Equal(t, http.StatusOK, status, string(body))

	sugg := map[string]any{"suggestions": []map[string]any{{"id": "s-1", "message": "roll back"}}}
	status, body = s.call(t, http.MethodPost, "/incidents/inc-1/suggestions", sugg)
	require.Equal(t, http.StatusOK, status, string(body))
	var ids EventIDsResponse
	require.NoError(t, json.Unmarshal(body, &ids))
	require.Len(t, ids.IDs, 1)

	status, body = s.call(t, http.MethodPost, "/incidents/inc-1/suggestions", sugg)
	require.Equal(t, http.StatusOK, status, string(body))
	var again EventIDsResponse
	require.NoError(t, json.Unmarshal(body, &again))
	require.Empty(t, again.IDs)

	status, body = s.call(t, http.MethodGet, "/incidents/inc-1/context", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var whole engine.AgentContext
	require.NoError(t, json.Unmarshal(body, &whole))
	last := whole.Events[len(whole.Events)-1].ID
	require.Equal(t, ids.IDs[0], last)

	status, body = s.call(t, http.MethodGet, "/incidents/inc-1/context?from=1&to=1", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var empty engine.AgentContext
	require.NoError(t, json.Unmarshal(body, &empty))
	require.Empty(t, empty.Events)

	status, body = s.call(t, http.MethodGet, "/incidents/inc-1/events?type=MESSAGE_ADDED&limit=5", nil)
	require.Equal(t, http.StatusOK, status, string(body))
	var none []domain.Event
	require.NoError(t, json.Unmarshal(body, &none))
	require.Empty(t, none)
}

func TestOpenAPIListsIncidentRoutes(t *testing.T) {
	s := newIncidentServer(t)
	status, body := s.call(t, http.MethodGet, "/openapi.json", nil)
	require.Equal(t, http.StatusOK, status)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	for _, p := range []string{
		"/v1/incidents",
		"/v1/incidents/{id}",
		"/v1/incidents/{id}/severity",
		"/v1/incidents/{id}/affection",
		"/v1/incidents/{id}/context",
		"/v1/incidents/{id}/events",
		"/v1/incidents/{id}/alarm",
	} {
		require.Contains(t, doc.Paths, p)
	}
}
