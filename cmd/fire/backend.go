package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/spf13/viper"

	"fireline/internal/app"
	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/events"
	firelinesdk "fireline/sdk/go"
)

// backend is what incident commands act on: the runner API when a runner
// serves the workspace, otherwise an engine opened in this process.
type backend interface {
	ListIncidents(ctx context.Context) ([]firelinesdk.IncidentSummary, error)
	StartIncident(ctx context.Context, id string, req firelinesdk.StartRequest) (firelinesdk.IncidentState, error)
	GetIncident(ctx context.Context, id string) (firelinesdk.IncidentState, error)
	SetSeverity(ctx context.Context, id, severity, adapter string) error
	SetAssignee(ctx context.Context, id, assignee, adapter string) error
	UpdateStatus(ctx context.Context, id, status, message, adapter string) error
	AddMessage(ctx context.Context, id string, req firelinesdk.MessageRequest) error
	AddMetadata(ctx context.Context, id string, metadata map[string]any) error
	UpdateAffection(ctx context.Context, id string, req firelinesdk.AffectionRequest) error
	AgentContext(ctx context.Context, id string, r firelinesdk.ContextRange) (firelinesdk.AgentContext, error)
	Events(ctx context.Context, id string, q firelinesdk.EventQuery) ([]firelinesdk.Event, error)
	RunAlarm(ctx context.Context, id string) (firelinesdk.AlarmResult, error)
}

var _ backend = (*firelinesdk.Client)(nil)

const runnerHealthTimeout = 2 * time.Second

// withBackend picks the runner named by --runner, then the one advertised in
// the workspace, then a local engine. A stale advertisement falls back to
// local; an unreachable --runner is an error.
func withBackend(ctx context.Context, fn func(backend) error) error {
	ws := viper.GetString("workspace")
	addr := viper.GetString("runner")
	explicit := addr != ""
	if !explicit {
		addr = app.RunnerAddr(ws)
	}
	if addr != "" {
		c := firelinesdk.New(runnerURL(addr))
		hctx, cancel := context.WithTimeout(ctx, runnerHealthTimeout)
		_, err := c.Health(hctx)
		cancel()
		if err == nil {
			return fn(c)
		}
		if explicit {
			return fmt.Errorf("runner %s: %w", addr, err)
		}
	}
	return withApp(func(c *app.Context) error {
		return fn(localBackend{c: c})
	})
}

func runnerURL(addr string) string {
	if strings.Contains(addr, "://") {
		return addr
	}
	return "http://" + addr
}

// localBackend runs commands on an engine owned by this process. Its alarms
// are serviced by the next runner sweep.
type localBackend struct {
	c *app.Context
}

func (l localBackend) actor(id string) *engine.Actor { return l.c.Engine.Actor(id) }

func (l localBackend) ListIncidents(ctx context.Context) ([]firelinesdk.IncidentSummary, error) {
	items, err := l.c.Engine.Repo.ListIncidents(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]firelinesdk.IncidentSummary, 0, len(items))
	for _, it := range items {
		out = append(out, firelinesdk.IncidentSummary{
			ID:          it.ID,
			Status:      string(it.Status),
			Severity:    string(it.Severity),
			Title:       it.Title,
			Prompt:      it.Prompt,
			Assignee:    it.Assignee,
			Initialized: it.Initialized,
			AlarmAt:     it.AlarmAt,
			CreatedAt:   it.CreatedAt,
		})
	}
	return out, nil
}

func (l localBackend) StartIncident(ctx context.Context, id string, req firelinesdk.StartRequest) (firelinesdk.IncidentState, error) {
	in := engine.StartInput{
		Prompt:    req.Prompt,
		CreatedBy: req.CreatedBy,
		Source:    req.Source,
		Adapter:   req.Adapter,
		Metadata:  req.Metadata,
	}
	for _, ep := range req.EntryPoints {
		in.EntryPoints = append(in.EntryPoints, domain.EntryPoint(ep))
	}
	for _, s := range req.Services {
		in.Services = append(in.Services, domain.Service(s))
	}
	for _, m := range req.Messages {
		in.Messages = append(in.Messages, engine.BootstrapMessage(m))
	}
	if err := l.actor(id).Start(ctx, in); err != nil {
		return firelinesdk.IncidentState{}, err
	}
	return l.GetIncident(ctx, id)
}

func (l localBackend) GetIncident(ctx context.Context, id string) (firelinesdk.IncidentState, error) {
	st, err := l.actor(id).Get(ctx)
	if err != nil {
		return firelinesdk.IncidentState{}, err
	}
	out := firelinesdk.IncidentState{}
	switch s := st.(type) {
	case engine.Initializing:
		out.State = "initializing"
		out.Initializing = &firelinesdk.Initializing{}
		err = recode(s, out.Initializing)
	case engine.Ready:
		out.State = "ready"
		out.Ready = &firelinesdk.Ready{}
		err = recode(s, out.Ready)
	}
	return out, err
}

func (l localBackend) SetSeverity(ctx context.Context, id, severity, adapter string) error {
	return l.actor(id).SetSeverity(ctx, domain.Severity(severity), adapter)
}

func (l localBackend) SetAssignee(ctx context.Context, id, assignee, adapter string) error {
	return l.actor(id).SetAssignee(ctx, assignee, adapter)
}

func (l localBackend) UpdateStatus(ctx context.Context, id, status, message, adapter string) error {
	return l.actor(id).UpdateStatus(ctx, domain.Status(status), message, adapter)
}

func (l localBackend) AddMessage(ctx context.Context, id string, req firelinesdk.MessageRequest) error {
	return l.actor(id).AddMessage(ctx, req.Message, req.UserID, req.MessageID, req.Adapter)
}

func (l localBackend) AddMetadata(ctx context.Context, id string, metadata map[string]any) error {
	return l.actor(id).AddMetadata(ctx, metadata)
}

func (l localBackend) UpdateAffection(ctx context.Context, id string, req firelinesdk.AffectionRequest) error {
	in := engine.AffectionInput{
		Message: req.Message,
		Title:   req.Title,
		Status:  domain.AffectionStatus(req.Status),
		Adapter: req.Adapter,
	}
	for _, s := range req.Services {
		in.Services = append(in.Services, domain.AffectedService{ID: s.ID, Impact: domain.Impact(s.Impact)})
	}
	return l.actor(id).UpdateAffection(ctx, in)
}

func (l localBackend) AgentContext(ctx context.Context, id string, r firelinesdk.ContextRange) (firelinesdk.AgentContext, error) {
	var (
		actx engine.AgentContext
		err  error
	)
	switch {
	case r.To != nil:
		actx, err = l.actor(id).GetAgentContextRange(ctx, r.From, *r.To)
	case r.From > 0:
		actx, err = l.actor(id).GetAgentContextRange(ctx, r.From, math.MaxInt64)
	default:
		actx, err = l.actor(id).GetAgentContext(ctx)
	}
	if err != nil {
		return firelinesdk.AgentContext{}, err
	}
	var out firelinesdk.AgentContext
	return out, recode(actx, &out)
}

func (l localBackend) Events(ctx context.Context, id string, q firelinesdk.EventQuery) ([]firelinesdk.Event, error) {
	evts, err := l.c.Engine.Events.Tail(ctx, l.c.DB, id, events.Filter{
		Type:        q.Type,
		Outbox:      q.Outbox,
		Limit:       q.Limit,
		MaxAttempts: l.c.Config.Dispatch.MaxAttempts,
	})
	if err != nil {
		return nil, err
	}
	var out []firelinesdk.Event
	return out, recode(evts, &out)
}

func (l localBackend) RunAlarm(ctx context.Context, id string) (firelinesdk.AlarmResult, error) {
	a := l.actor(id)
	if err := a.Alarm(ctx); err != nil {
		return firelinesdk.AlarmResult{}, err
	}
	b, err := a.Backlog(ctx)
	if errors.Is(err, engine.ErrNotFound) {
		return firelinesdk.AlarmResult{Destroyed: true}, nil
	}
	if err != nil {
		return firelinesdk.AlarmResult{}, err
	}
	return firelinesdk.AlarmResult{AlarmAt: b.AlarmAt, PendingDispatch: b.PendingDispatch, LastEventID: b.LastEventID}, nil
}

// recode copies src into dst through its JSON form, so local results print
// exactly like runner responses.
func recode(src, dst any) error {
	data, err := json.Marshal(src)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

// commandFailed reports whether err is a rejected command rather than an
// operational failure.
func commandFailed(err error) bool {
	if engine.CodeOf(err) != "" {
		return true
	}
	var apiErr *firelinesdk.APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}
