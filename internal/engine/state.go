package engine

import (
	"context"

	"fireline/internal/domain"
	"fireline/internal/repo"
)

// State is what Get returns: either Initializing, while classification is
// pending, or Ready. Callers switch on the concrete type.
type State interface {
	state()
}

// Initializing carries only what was known when the incident was started.
type Initializing struct {
	ID        string `json:"id"`
	Prompt    string `json:"prompt"`
	CreatedBy string `json:"createdBy"`
	Source    string `json:"source"`
	CreatedAt string `json:"createdAt"`
}

// Ready is the classified incident. Incident.Metadata is omitted; Context
// holds the whitelisted subset of it.
type Ready struct {
	Incident  domain.Incident   `json:"incident"`
	Services  []domain.Service  `json:"services"`
	Affection *domain.Affection `json:"affection,omitempty"`
	Context   map[string]any    `json:"context"`
}

func (Initializing) state() {}
func (Ready) state()        {}

// Get returns the current projection of the incident.
func (a *Actor) Get(ctx context.Context) (State, error) {
	var st State
	err := a.update(ctx, func(o *op) error {
		rec, err := a.load(o)
		if err != nil {
			return err
		}
		if !rec.Initialized {
			st = Initializing{ID: rec.ID, Prompt: rec.Prompt, CreatedBy: rec.CreatedBy, Source: rec.Source, CreatedAt: rec.CreatedAt}
			return nil
		}
		ready, err := a.ready(o, rec)
		st = ready
		return err
	})
	if err != nil {
		return nil, err
	}
	return st, nil
}

func (a *Actor) ready(o *op, rec repo.IncidentRecord) (Ready, error) {
	out := Ready{Incident: rec.Incident, Services: rec.Services, Context: a.visibleContext(rec.Metadata)}
	out.Incident.Metadata = nil
	aff, ok, err := a.eng.Repo.GetAffection(o.ctx, o.tx, a.ID)
	if err != nil {
		return out, err
	}
	if ok {
		out.Affection = &aff
	}
	return out, nil
}

func (a *Actor) visibleContext(meta map[string]any) map[string]any {
	whitelist := []string{"channel", "thread"}
	if a.eng.Config != nil && len(a.eng.Config.Context.Whitelist) > 0 {
		whitelist = a.eng.Config.Context.Whitelist
	}
	out := map[string]any{}
	for _, key := range whitelist {
		if v, ok := meta[key]; ok {
			out[key] = v
		}
	}
	return out
}
