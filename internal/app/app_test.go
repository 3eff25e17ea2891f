package app_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"fireline/internal/app"
	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/workflow"
	firelinesdk "fireline/sdk/go"
)

func TestOpenWiresFallbacks(t *testing.T) {
	ws := t.TempDir()
	c, err := app.Open(ws)
	require.NoError(t, err)
	defer c.Close()

	require.IsType(t, workflow.LogSink{}, c.Engine.Dispatcher)
	require.Nil(t, c.Engine.Classifier)
	require.Nil(t, c.Engine.Agent)
	require.Nil(t, c.Engine.Archiver)
	_, err = os.Stat(filepath.Join(ws, ".fireline", "fireline.db"))
	require.NoError(t, err)
}

func TestOpenWiresHTTPCollaborators(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "fireline.yml"), []byte(`
dispatch:
  webhook:
    url: http://127.0.0.1:9/hook
llm:
  base_url: http://127.0.0.1:9/llm
archive:
  url: http://127.0.0.1:9/archive
`), 0o644))
	c, err := app.Open(ws)
	require.NoError(t, err)
	defer c.Close()

	require.IsType(t, &workflow.Webhook{}, c.Engine.Dispatcher)
	require.NotNil(t, c.Engine.Classifier)
	require.NotNil(t, c.Engine.Summarizer)
	require.NotNil(t, c.Engine.Agent)
	require.NotNil(t, c.Engine.Archiver)
}

func TestRunnerServesAndStops(t *testing.T) {
	c, err := app.Open(t.TempDir())
	require.NoError(t, err)
	defer c.Close()

	r, err := c.NewRunner("test")
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	eng := r.Host.Engine()
	require.NoError(t, eng.Actor("inc-1").Start(ctx, engine.StartInput{
		Prompt:      "disk full on db-1",
		EntryPoints: []domain.EntryPoint{{ID: "ep-1", IsFallback: true}},
	}))
	require.Eventually(t, func() bool {
		st, err := eng.Actor("inc-1").Get(ctx)
		if err != nil {
			return false
		}
		_, ok := st.(engine.Ready)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	res, err := http.Get("http://" + ln.Addr().String() + "/v1/scheduler")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode, string(body))

	cancel()
	select {
	case err := <-done:
		require.True(t, err == nil || errors.Is(err, context.Canceled), "%v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunnerAPICommandsWakeHostImmediately(t *testing.T) {
	ws := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(ws, "fireline.yml"), []byte("host:\n  sweep_interval: 1h\n"), 0o644))
	c, err := app.Open(ws)
	require.NoError(t, err)
	defer c.Close()

	r, err := c.NewRunner("test")
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Serve(ctx, ln) }()

	require.Eventually(t, func() bool { return app.RunnerAddr(ws) == ln.Addr().String() }, 5*time.Second, 10*time.Millisecond)
	client := firelinesdk.New("http://" + app.RunnerAddr(ws))
	require.Eventually(t, func() bool {
		_, err := client.Health(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)

	_, err = client.StartIncident(ctx, "inc-1", firelinesdk.StartRequest{
		Prompt:      "disk full on db-1",
		EntryPoints: []firelinesdk.EntryPoint{{ID: "ep-1", IsFallback: true}},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, err := client.GetIncident(ctx, "inc-1")
		return err == nil && st.State == "ready"
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, client.SetSeverity(ctx, "inc-1", "low", ""))
	require.Eventually(t, func() bool {
		evts, err := client.Events(ctx, "inc-1", firelinesdk.EventQuery{Outbox: "pending"})
		return err == nil && len(evts) == 0
	}, 5*time.Second, 10*time.Millisecond, "severity update must be dispatched without waiting for a sweep")

	cancel()
	select {
	case err := <-done:
		require.True(t, err == nil || errors.Is(err, context.Canceled), "%v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("runner did not stop")
	}
	require.Empty(t, app.RunnerAddr(ws))
}

func TestLifecycleRunsHooksInReverse(t *testing.T) {
	l := app.NewLifecycle(time.Second, nil)
	var order []string
	l.Register("db", func(context.Context) error { order = append(order, "db"); return nil })
	l.Register("http", func(context.Context) error { order = append(order, "http"); return errors.New("busy") })
	l.Register("skipped", nil)

	err := l.Shutdown(context.Background())
	require.ErrorContains(t, err, "busy")
	require.Equal(t, []string{"http", "db"}, order)
}
