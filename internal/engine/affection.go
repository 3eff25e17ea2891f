package engine

import (
	"context"
	"strings"

	"fireline/internal/domain"
	"fireline/internal/events"
)

// AffectionInput is one status-page update.
type AffectionInput struct {
	Message  string
	Title    string
	Status   domain.AffectionStatus
	Services []domain.AffectedService
	Adapter  string
}

// UpdateAffection creates or advances the status-page affection. It stays
// available after the incident is closed.
func (a *Actor) UpdateAffection(ctx context.Context, in AffectionInput) error {
	return a.update(ctx, func(o *op) error {
		rec, err := a.loadReady(o)
		if err != nil {
			return err
		}
		current, exists, err := a.eng.Repo.GetAffection(o.ctx, o.tx, a.ID)
		if err != nil {
			return err
		}
		if strings.TrimSpace(in.Message) == "" {
			return ErrMessageRequired
		}
		title := strings.TrimSpace(in.Title)
		if !exists && title == "" {
			return ErrTitleRequired
		}
		services := knownServices(rec.Services, in.Services)
		if !exists && len(services) == 0 {
			return ErrServicesRequired
		}
		if !exists && in.Status != domain.AffectionInvestigating {
			return ErrInitialStatusRequired
		}
		if exists && in.Status != "" && in.Status.Position() <= current.CurrentStatus.Position() {
			return ErrStatusCanOnlyMoveForward
		}
		for _, s := range services {
			if s.Impact != domain.ImpactPartial && s.Impact != domain.ImpactMajor {
				return invalidInput("unknown impact %q for service %s", s.Impact, s.ID)
			}
		}
		if err := requireAdapter(in.Adapter); err != nil {
			return err
		}

		next := current
		if !exists {
			next = domain.Affection{CurrentStatus: in.Status, Title: title}
		} else {
			if in.Status != "" {
				next.CurrentStatus = in.Status
			}
			if title != "" {
				next.Title = title
			}
		}
		next.Services = mergeAffected(next.Services, services)
		next.UpdatedAt = events.Timestamp(o.now)
		if err := a.eng.Repo.SaveAffection(o.ctx, o.tx, a.ID, next); err != nil {
			return err
		}
		_, err = a.appendEvent(o, events.Draft{
			Type: domain.EventAffectionUpdate,
			Data: domain.AffectionUpdateData{
				Message:  in.Message,
				Title:    title,
				Status:   in.Status,
				Services: services,
			},
			Adapter:     in.Adapter,
			Forwardable: true,
		})
		return err
	})
}

// knownServices keeps the requested services that exist on the incident,
// in request order, first occurrence winning.
func knownServices(known []domain.Service, requested []domain.AffectedService) []domain.AffectedService {
	ids := make(map[string]bool, len(known))
	for _, s := range known {
		ids[s.ID] = true
	}
	seen := map[string]bool{}
	out := []domain.AffectedService{}
	for _, s := range requested {
		if !ids[s.ID] || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

// mergeAffected updates the impact of services already listed and appends
// new ones. Services are never removed.
func mergeAffected(current, updates []domain.AffectedService) []domain.AffectedService {
	out := append([]domain.AffectedService{}, current...)
	idx := make(map[string]int, len(out))
	for i, s := range out {
		idx[s.ID] = i
	}
	for _, s := range updates {
		if i, ok := idx[s.ID]; ok {
			out[i].Impact = s.Impact
			continue
		}
		idx[s.ID] = len(out)
		out = append(out, s)
	}
	return out
}
