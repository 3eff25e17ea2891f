package workflow_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"fireline/internal/config"
	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/workflow"
)

func delivery() engine.Delivery {
	return engine.Delivery{
		Kind: engine.DeliveryKindEvent,
		Event: domain.Event{
			ID:         3,
			IncidentID: "inc-1",
			Type:       domain.EventSeverityUpdate,
			Data:       json.RawMessage(`{"severity":"high"}`),
			CreatedAt:  "2024-01-01T00:00:00Z",
			Attempts:   1,
			Adapter:    domain.AdapterSlack,
		},
		Incident: domain.Incident{ID: "inc-1", Status: domain.StatusOpen, Severity: domain.SeverityHigh},
	}
}

func TestWebhookPostsDelivery(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r
		body, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	cfg := config.Default()
	cfg.Dispatch.Webhook.URL = srv.URL
	cfg.Dispatch.Webhook.Secret = "s3cret"
	d := workflow.New(cfg, nil)
	require.IsType(t, &workflow.Webhook{}, d)
	require.NoError(t, d.Dispatch(context.Background(), delivery()))

	require.Equal(t, http.MethodPost, got.Method)
	require.Equal(t, "application/json", got.Header.Get("Content-Type"))
	require.Equal(t, domain.EventSeverityUpdate, got.Header.Get("X-Fireline-Event"))
	require.Equal(t, "inc-1", got.Header.Get("X-Fireline-Incident"))
	require.Equal(t, "2", got.Header.Get("X-Fireline-Attempt"))
	require.Equal(t, "s3cret", got.Header.Get("X-Fireline-Secret"))
	_, err := uuid.Parse(got.Header.Get("X-Fireline-Delivery"))
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Equal(t, "event", payload["kind"])
	evt := payload["event"].(map[string]any)
	require.Equal(t, domain.EventSeverityUpdate, evt["event_type"])
	require.Equal(t, "high", evt["event_data"].(map[string]any)["severity"])
	require.Equal(t, "inc-1", payload["incident"].(map[string]any)["id"])
}

func TestWebhookDeliveryIDIsStableAcrossAttempts(t *testing.T) {
	var ids []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ids = append(ids, r.Header.Get("X-Fireline-Delivery"))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	w := &workflow.Webhook{URL: srv.URL}
	first := delivery()
	retry := delivery()
	retry.Event.Attempts = 2
	other := delivery()
	other.Event.ID = 4
	for _, d := range []engine.Delivery{first, retry, other} {
		require.NoError(t, w.Dispatch(context.Background(), d))
	}

	require.Len(t, ids, 3)
	require.Equal(t, ids[0], ids[1])
	require.NotEqual(t, ids[0], ids[2])
	require.Equal(t, workflow.DeliveryID("inc-1", 3), ids[0])
	require.NotEqual(t, workflow.DeliveryID("inc-1", 3), workflow.DeliveryID("inc-2", 3))
}

func TestWebhookRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("X-Fireline-Secret"))
		http.Error(w, "backend down", http.StatusBadGateway)
	}))
	defer srv.Close()

	w := &workflow.Webhook{URL: srv.URL}
	err := w.Dispatch(context.Background(), delivery())
	require.Error(t, err)
	require.Contains(t, err.Error(), "502")
	require.Contains(t, err.Error(), "backend down")
}

func TestWebhookTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	w := &workflow.Webhook{URL: srv.URL, Client: &http.Client{Timeout: 50 * time.Millisecond}}
	require.Error(t, w.Dispatch(context.Background(), delivery()))
}

func TestLogSinkWithoutURL(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	d := workflow.New(config.Default(), zap.New(core))
	require.IsType(t, workflow.LogSink{}, d)
	require.NoError(t, d.Dispatch(context.Background(), delivery()))

	entries := logs.FilterMessage("workflow event").All()
	require.Len(t, entries, 1)
	require.Equal(t, int64(3), entries[0].ContextMap()["event_id"])
	require.Equal(t, "inc-1", entries[0].ContextMap()["incident_id"])
}
