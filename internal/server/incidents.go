package server

import (
	"context"
	"errors"
	"math"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"fireline/internal/domain"
	"fireline/internal/engine"
	"fireline/internal/events"
)

var commandErrors = []int{
	http.StatusBadRequest,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

type incidentPath struct {
	ID string `path:"id"`
}

type noContent struct{}

func adapterOr(adapter string) string {
	if adapter == "" {
		return domain.AdapterDashboard
	}
	return adapter
}

func registerIncidents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-incidents",
		Method:      http.MethodGet,
		Path:        "/incidents",
		Summary:     "List incidents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []IncidentSummaryResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListIncidents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]IncidentSummaryResponse, 0, len(items))
		for _, it := range items {
			out = append(out, incidentSummary(it))
		}
		return &struct {
			Body []IncidentSummaryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-incident",
		Method:      http.MethodPut,
		Path:        "/incidents/{id}",
		Summary:     "Start an incident",
		Description: "Creates the incident once. Repeating the call for an existing id changes nothing and returns its current state.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body StartIncidentRequest `json:"body"`
	}) (*struct {
		Body IncidentStateResponse `json:"body"`
	}, error) {
		a := e.Actor(input.ID)
		if err := a.Start(ctx, input.Body.input()); err != nil {
			return nil, handleError(err)
		}
		return stateOf(ctx, a)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-incident",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}",
		Summary:     "Get incident state",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body IncidentStateResponse `json:"body"`
	}, error) {
		return stateOf(ctx, e.Actor(input.ID))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-severity",
		Method:        http.MethodPut,
		Path:          "/incidents/{id}/severity",
		Summary:       "Set severity",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body SeverityRequest `json:"body"`
	}) (*noContent, error) {
		err := e.Actor(input.ID).SetSeverity(ctx, domain.Severity(input.Body.Severity), adapterOr(input.Body.Adapter))
		return done(err)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "set-assignee",
		Method:        http.MethodPut,
		Path:          "/incidents/{id}/assignee",
		Summary:       "Set assignee",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body AssigneeRequest `json:"body"`
	}) (*noContent, error) {
		return done(e.Actor(input.ID).SetAssignee(ctx, input.Body.Assignee, adapterOr(input.Body.Adapter)))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "update-status",
		Method:        http.MethodPut,
		Path:          "/incidents/{id}/status",
		Summary:       "Move the incident status",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body StatusRequest `json:"body"`
	}) (*noContent, error) {
		err := e.Actor(input.ID).UpdateStatus(ctx, domain.Status(input.Body.Status), input.Body.Message, adapterOr(input.Body.Adapter))
		return done(err)
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-message",
		Method:        http.MethodPost,
		Path:          "/incidents/{id}/messages",
		Summary:       "Add a chat message",
		Description:   "Messages with a messageId already in the log are ignored.",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body MessageRequest `json:"body"`
	}) (*noContent, error) {
		b := input.Body
		return done(e.Actor(input.ID).AddMessage(ctx, b.Message, b.UserID, b.MessageID, adapterOr(b.Adapter)))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-metadata",
		Method:        http.MethodPatch,
		Path:          "/incidents/{id}/metadata",
		Summary:       "Merge metadata keys",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body map[string]any `json:"body"`
	}) (*noContent, error) {
		return done(e.Actor(input.ID).AddMetadata(ctx, input.Body))
	})

	huma.Register(api, huma.Operation{
		OperationID:   "update-affection",
		Method:        http.MethodPut,
		Path:          "/incidents/{id}/affection",
		Summary:       "Create or advance the status-page affection",
		DefaultStatus: http.StatusNoContent,
		Errors:        commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body AffectionRequest `json:"body"`
	}) (*noContent, error) {
		in := input.Body.input()
		in.Adapter = adapterOr(in.Adapter)
		return done(e.Actor(input.ID).UpdateAffection(ctx, in))
	})

	registerAgentRecords(api, e)
	registerIncidentReads(api, e)
}

func registerAgentRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "add-suggestions",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/suggestions",
		Summary:     "Record agent suggestions",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body SuggestionsRequest `json:"body"`
	}) (*struct {
		Body EventIDsResponse `json:"body"`
	}, error) {
		ids, err := e.Actor(input.ID).AddSuggestions(ctx, input.Body.input())
		if err != nil {
			return nil, handleError(err)
		}
		if ids == nil {
			ids = []int64{}
		}
		return &struct {
			Body EventIDsResponse `json:"body"`
		}{Body: EventIDsResponse{IDs: ids}}, nil
	})

	recorded := func(id int64, err error) (*struct {
		Body EventIDResponse `json:"body"`
	}, error) {
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventIDResponse `json:"body"`
		}{Body: EventIDResponse{ID: id}}, nil
	}

	huma.Register(api, huma.Operation{
		OperationID: "record-similar-incidents-discovered",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/similar-incidents/discoveries",
		Summary:     "Record a similar-incident search run",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body SimilarIncidentsDiscoveredRequest `json:"body"`
	}) (*struct {
		Body EventIDResponse `json:"body"`
	}, error) {
		return recorded(e.Actor(input.ID).RecordSimilarIncidentsDiscovered(ctx, input.Body.input()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-similar-incident",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/similar-incidents",
		Summary:     "Record one similar incident",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body SimilarIncidentRequest `json:"body"`
	}) (*struct {
		Body EventIDResponse `json:"body"`
	}, error) {
		return recorded(e.Actor(input.ID).RecordSimilarIncident(ctx, input.Body.input()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-agent-context-event",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/agent-events/context",
		Summary:     "Record an agent context event",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body RecordedEventRequest `json:"body"`
	}) (*struct {
		Body EventIDResponse `json:"body"`
	}, error) {
		return recorded(e.Actor(input.ID).RecordAgentContextEvent(ctx, input.Body.input()))
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-agent-insight-event",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/agent-events/insights",
		Summary:     "Record an agent insight event",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Body RecordedEventRequest `json:"body"`
	}) (*struct {
		Body EventIDResponse `json:"body"`
	}, error) {
		return recorded(e.Actor(input.ID).RecordAgentInsightEvent(ctx, input.Body.input()))
	})
}

func registerIncidentReads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-agent-context",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/context",
		Summary:     "Get the agent context",
		Description: "Events with from < id <= to. Omit to for the whole log after from.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		From int64 `query:"from" minimum:"0"`
		To   int64 `query:"to" default:"-1"`
	}) (*struct {
		Body engine.AgentContext `json:"body"`
	}, error) {
		a := e.Actor(input.ID)
		var out engine.AgentContext
		var err error
		switch {
		case input.To < 0 && input.From == 0:
			out, err = a.GetAgentContext(ctx)
		case input.To < 0:
			out, err = a.GetAgentContextRange(ctx, input.From, math.MaxInt64)
		default:
			out, err = a.GetAgentContextRange(ctx, input.From, input.To)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if out.Events == nil {
			out.Events = []domain.Event{}
		}
		return &struct {
			Body engine.AgentContext `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-incident-events",
		Method:      http.MethodGet,
		Path:        "/incidents/{id}/events",
		Summary:     "List the newest events of an incident",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *struct {
		incidentPath
		Type   string `query:"type"`
		Outbox string `query:"outbox" enum:"pending,dead"`
		Limit  int    `query:"limit" default:"20" minimum:"0"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		evts, err := e.Events.Tail(ctx, e.DB, input.ID, events.Filter{
			Type:        input.Type,
			Outbox:      input.Outbox,
			Limit:       input.Limit,
			MaxAttempts: e.Config.Dispatch.MaxAttempts,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: evts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "run-alarm",
		Method:      http.MethodPost,
		Path:        "/incidents/{id}/alarm",
		Summary:     "Run the incident alarm now",
		Description: "Runs under the same per-incident lock as the scheduler, then reports what is still queued.",
		Errors:      commandErrors,
	}, func(ctx context.Context, input *incidentPath) (*struct {
		Body AlarmResponse `json:"body"`
	}, error) {
		a := e.Actor(input.ID)
		if err := a.Alarm(ctx); err != nil {
			return nil, handleError(err)
		}
		b, err := a.Backlog(ctx)
		if errors.Is(err, engine.ErrNotFound) {
			return &struct {
				Body AlarmResponse `json:"body"`
			}{Body: AlarmResponse{Destroyed: true}}, nil
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlarmResponse `json:"body"`
		}{Body: AlarmResponse{AlarmAt: b.AlarmAt, PendingDispatch: b.PendingDispatch, LastEventID: b.LastEventID}}, nil
	})
}

func stateOf(ctx context.Context, a *engine.Actor) (*struct {
	Body IncidentStateResponse `json:"body"`
}, error) {
	st, err := a.Get(ctx)
	if err != nil {
		return nil, handleError(err)
	}
	return &struct {
		Body IncidentStateResponse `json:"body"`
	}{Body: incidentState(st)}, nil
}

func done(err error) (*noContent, error) {
	if err != nil {
		return nil, handleError(err)
	}
	return nil, nil
}
