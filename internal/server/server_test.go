package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fireline/internal/engine"
	"fireline/internal/host"
)

type fakeScheduler struct {
	status host.Status
	sweeps int
	err    error
}

func (f *fakeScheduler) Status() host.Status { return f.status }

func (f *fakeScheduler) Sweep(context.Context) error {
	f.sweeps++
	if f.err != nil {
		return f.err
	}
	f.status.Sweeps++
	return nil
}

func newTestServer(t *testing.T, s Scheduler) *httptest.Server {
	t.Helper()
	handler, err := New(Config{Scheduler: s, Version: "test"})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func TestNewRequiresScheduler(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, &fakeScheduler{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/health")
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, map[string]any{"status": "ok", "version": "test"}, got)
	require.NotContains(t, got, "$schema")
}

func TestSchedulerStatusAndSweep(t *testing.T) {
	next := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	s := &fakeScheduler{status: host.Status{Scheduled: 2, Running: 1, NextAt: &next, Fired: 7, Workers: 4}}
	srv := newTestServer(t, s)

	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/scheduler")
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))
	var got host.Status
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, 2, got.Scheduled)
	require.Equal(t, int64(7), got.Fired)
	require.True(t, got.NextAt.Equal(next))

	res, body = doJSON(t, http.MethodPost, srv.URL+"/v1/scheduler/sweep")
	require.Equal(t, http.StatusAccepted, res.StatusCode, string(body))
	require.Equal(t, 1, s.sweeps)
	require.NoError(t, json.Unmarshal(body, &got))
	require.Equal(t, int64(1), got.Sweeps)
}

func TestSweepFailureUsesErrorEnvelope(t *testing.T) {
	srv := newTestServer(t, &fakeScheduler{err: errors.New("database is locked")})
	res, body := doJSON(t, http.MethodPost, srv.URL+"/v1/scheduler/sweep")
	require.Equal(t, http.StatusInternalServerError, res.StatusCode)
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &env))
	require.Equal(t, "internal_error", env.Error.Code)
	require.Equal(t, "database is locked", env.Error.Details["error"])
}

func TestOpenAPIListsRunnerRoutes(t *testing.T) {
	srv := newTestServer(t, &fakeScheduler{})
	res, body := doJSON(t, http.MethodGet, srv.URL+"/v1/openapi.json")
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc struct {
		Paths map[string]any `json:"paths"`
	}
	require.NoError(t, json.Unmarshal(body, &doc))
	require.Contains(t, doc.Paths, "/v1/health")
	require.Contains(t, doc.Paths, "/v1/scheduler")
	require.Contains(t, doc.Paths, "/v1/scheduler/sweep")

	res, _ = doJSON(t, http.MethodGet, srv.URL+"/docs")
	require.Equal(t, http.StatusOK, res.StatusCode)
}

func TestHandleErrorMapsEngineCodes(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{engine.ErrNotFound, http.StatusNotFound, "not_found"},
		{fmt.Errorf("wrapped: %w", engine.ErrResolved), http.StatusConflict, "resolved"},
		{engine.ErrNotInitialized, http.StatusConflict, "not_initialized"},
		{engine.ErrMessageRequired, http.StatusBadRequest, "message_required"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		got := handleError(tc.err).(*apiError)
		require.Equal(t, tc.status, got.GetStatus(), tc.err.Error())
		require.Equal(t, tc.code, got.Body.Code, tc.err.Error())
	}
	require.Nil(t, handleError(nil))
}
