package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"fireline/internal/domain"
	"fireline/internal/events"
	"fireline/internal/repo"
)

// StartInput is everything the caller knows when an incident is opened.
type StartInput struct {
	Prompt      string
	CreatedBy   string
	Source      string
	Adapter     string
	Metadata    map[string]any
	EntryPoints []domain.EntryPoint
	Services    []domain.Service
	Messages    []BootstrapMessage
}

// BootstrapMessage is chat history captured before the incident existed.
type BootstrapMessage struct {
	Message   string `json:"message"`
	UserID    string `json:"userId"`
	MessageID string `json:"messageId"`
	CreatedAt string `json:"createdAt"`
}

// Start creates the incident once. Later calls for the same id are ignored
// and return nil. Classification happens on the first alarm.
func (a *Actor) Start(ctx context.Context, in StartInput) error {
	if in.Adapter == "" {
		in.Adapter = domain.AdapterDashboard
	}
	return a.update(ctx, func(o *op) error {
		_, err := a.load(o)
		if err == nil {
			a.log.Debug("start ignored, incident exists")
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}
		if len(in.EntryPoints) == 0 {
			return invalidInput("at least one entry point is required")
		}
		ts := events.Timestamp(o.now)
		rec := repo.IncidentRecord{
			Incident: domain.Incident{
				ID:        a.ID,
				Status:    domain.StatusOpen,
				Severity:  domain.SeverityMedium,
				Prompt:    in.Prompt,
				CreatedBy: in.CreatedBy,
				Source:    in.Source,
				Metadata:  in.Metadata,
				CreatedAt: ts,
				UpdatedAt: ts,
			},
			EntryPoints: in.EntryPoints,
			Services:    normalizeServices(in.Services),
		}
		if err := a.eng.Repo.InsertIncident(o.ctx, o.tx, rec); err != nil {
			return fmt.Errorf("insert incident: %w", err)
		}
		if err := a.eng.Repo.InitAgentState(o.ctx, o.tx, a.ID); err != nil {
			return fmt.Errorf("init agent state: %w", err)
		}
		for _, m := range normalizeBootstrap(in.Messages) {
			if _, err := a.appendEvent(o, events.Draft{
				Type:        domain.EventMessageAdded,
				Data:        domain.MessageAddedData(m),
				Adapter:     in.Adapter,
				Forwardable: true,
				MessageID:   m.MessageID,
			}); err != nil {
				return err
			}
		}
		if _, err := a.appendEvent(o, events.Draft{
			Type:        domain.EventIncidentCreated,
			Data:        domain.IncidentCreatedData{Status: domain.StatusOpen, Prompt: in.Prompt, CreatedBy: in.CreatedBy, Source: in.Source, Pending: true},
			Adapter:     in.Adapter,
			Forwardable: true,
		}); err != nil {
			return err
		}
		o.wakeAt(o.now)
		a.log.Info("incident started", zap.Int("entry_points", len(rec.EntryPoints)), zap.Int("services", len(rec.Services)))
		return nil
	})
}

// normalizeServices drops services without an id or name and keeps the first
// of any duplicated id.
func normalizeServices(in []domain.Service) []domain.Service {
	seen := map[string]bool{}
	out := make([]domain.Service, 0, len(in))
	for _, s := range in {
		if strings.TrimSpace(s.ID) == "" || strings.TrimSpace(s.Name) == "" || seen[s.ID] {
			continue
		}
		seen[s.ID] = true
		out = append(out, s)
	}
	return out
}

// normalizeBootstrap drops blank or undated messages, keeps the earliest
// copy of each messageId and returns them oldest first.
func normalizeBootstrap(in []BootstrapMessage) []BootstrapMessage {
	type dated struct {
		msg BootstrapMessage
		at  time.Time
		pos int
	}
	byID := map[string]int{}
	var kept []dated
	for i, m := range in {
		if strings.TrimSpace(m.Message) == "" {
			continue
		}
		at, err := time.Parse(time.RFC3339Nano, m.CreatedAt)
		if err != nil {
			continue
		}
		d := dated{msg: m, at: at, pos: i}
		if m.MessageID == "" {
			kept = append(kept, d)
			continue
		}
		if idx, ok := byID[m.MessageID]; ok {
			if at.Before(kept[idx].at) {
				kept[idx] = d
			}
			continue
		}
		byID[m.MessageID] = len(kept)
		kept = append(kept, d)
	}
	sort.SliceStable(kept, func(i, j int) bool {
		if kept[i].at.Equal(kept[j].at) {
			return kept[i].pos < kept[j].pos
		}
		return kept[i].at.Before(kept[j].at)
	})
	out := make([]BootstrapMessage, len(kept))
	for i, d := range kept {
		out[i] = d.msg
	}
	return out
}

// initialize runs the deferred classification and fills the
// INCIDENT_CREATED placeholder. A classifier failure falls back to the
// fallback entry point so the incident never stays initializing.
func (a *Actor) initialize(ctx context.Context) error {
	rec, err := a.eng.Repo.GetIncident(ctx, a.eng.DB, a.ID)
	if err != nil {
		return err
	}
	if rec.Initialized {
		return nil
	}
	cls := Classification{EntryPointIndex: -1}
	if a.eng.Classifier != nil {
		out, err := a.eng.Classifier.Classify(ctx, ClassifyRequest{IncidentID: a.ID, Prompt: rec.Prompt, EntryPoints: rec.EntryPoints, Services: rec.Services})
		if err != nil {
			a.log.Warn("classification failed, using fallback entry point", zap.Error(err))
		} else {
			cls = out
		}
	}
	ep := pickEntryPoint(rec.EntryPoints, cls.EntryPointIndex)
	if !cls.Severity.Valid() {
		cls.Severity = domain.SeverityMedium
	}
	if strings.TrimSpace(cls.Title) == "" {
		cls.Title = fallbackTitle(rec.Prompt)
	}
	if cls.Description == "" {
		cls.Description = rec.Prompt
	}

	rec.Severity = cls.Severity
	rec.Title = cls.Title
	rec.Description = cls.Description
	rec.Assignee = ep.Assignee
	rec.EntryPointID = ep.ID
	rec.RotationID = ep.RotationID
	rec.TeamID = ep.TeamID
	rec.Initialized = true

	return a.updateLocked(ctx, func(o *op) error {
		created, err := a.eng.Events.FirstOfType(o.ctx, o.tx, a.ID, domain.EventIncidentCreated)
		if err != nil {
			return fmt.Errorf("load placeholder: %w", err)
		}
		data := domain.IncidentCreatedData{
			Status:       rec.Status,
			Severity:     rec.Severity,
			Title:        rec.Title,
			Description:  rec.Description,
			Prompt:       rec.Prompt,
			CreatedBy:    rec.CreatedBy,
			Source:       rec.Source,
			Assignee:     rec.Assignee,
			EntryPointID: rec.EntryPointID,
			RotationID:   rec.RotationID,
			TeamID:       rec.TeamID,
		}
		if err := a.eng.Events.UpdateData(o.ctx, o.tx, a.ID, created.ID, data); err != nil {
			return err
		}
		if err := a.save(o, rec); err != nil {
			return err
		}
		a.log.Info("incident classified",
			zap.String("entry_point_id", ep.ID),
			zap.String("severity", string(rec.Severity)),
			zap.String("assignee", rec.Assignee))
		return nil
	})
}

// pickEntryPoint returns eps[idx], or the fallback entry point when idx is
// out of range, or the first one when none is marked fallback.
func pickEntryPoint(eps []domain.EntryPoint, idx int) domain.EntryPoint {
	if idx >= 0 && idx < len(eps) {
		return eps[idx]
	}
	for _, ep := range eps {
		if ep.IsFallback {
			return ep
		}
	}
	if len(eps) == 0 {
		return domain.EntryPoint{}
	}
	return eps[0]
}

func fallbackTitle(prompt string) string {
	line := strings.TrimSpace(strings.SplitN(prompt, "\n", 2)[0])
	if r := []rune(line); len(r) > 80 {
		line = string(r[:80])
	}
	if line == "" {
		return "Untitled incident"
	}
	return line
}
