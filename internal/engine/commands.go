package engine

import (
	"context"
	"strings"

	"fireline/internal/domain"
	"fireline/internal/events"
)

func (a *Actor) SetSeverity(ctx context.Context, severity domain.Severity, adapter string) error {
	return a.update(ctx, func(o *op) error {
		rec, err := a.loadMutable(o)
		if err != nil {
			return err
		}
		if !severity.Valid() {
			return invalidInput("unknown severity %q", severity)
		}
		if err := requireAdapter(adapter); err != nil {
			return err
		}
		if rec.Severity == severity {
			return nil
		}
		rec.Severity = severity
		if err := a.save(o, rec); err != nil {
			return err
		}
		_, err = a.appendEvent(o, events.Draft{
			Type:        domain.EventSeverityUpdate,
			Data:        domain.SeverityUpdateData{Severity: severity},
			Adapter:     adapter,
			Forwardable: true,
		})
		return err
	})
}

func (a *Actor) SetAssignee(ctx context.Context, assignee, adapter string) error {
	assignee = strings.TrimSpace(assignee)
	return a.update(ctx, func(o *op) error {
		rec, err := a.loadMutable(o)
		if err != nil {
			return err
		}
		if assignee == "" {
			return invalidInput("assignee is required")
		}
		if err := requireAdapter(adapter); err != nil {
			return err
		}
		if rec.Assignee == assignee {
			return nil
		}
		rec.Assignee = assignee
		if err := a.save(o, rec); err != nil {
			return err
		}
		_, err = a.appendEvent(o, events.Draft{
			Type:        domain.EventAssigneeUpdate,
			Data:        domain.AssigneeUpdateData{Assignee: assignee},
			Adapter:     adapter,
			Forwardable: true,
		})
		return err
	})
}

// UpdateStatus moves the lifecycle forward. Asking a mitigating incident to
// reopen is ignored without error.
func (a *Actor) UpdateStatus(ctx context.Context, next domain.Status, message, adapter string) error {
	return a.update(ctx, func(o *op) error {
		rec, err := a.loadMutable(o)
		if err != nil {
			return err
		}
		if !next.Valid() {
			return invalidInput("unknown status %q", next)
		}
		if err := requireAdapter(adapter); err != nil {
			return err
		}
		if rec.Status == next {
			return nil
		}
		if rec.Status == domain.StatusMitigating && next == domain.StatusOpen {
			a.log.Info("ignoring reopen of mitigating incident")
			return nil
		}
		if err := ensureStatusTransition(rec.Status, next); err != nil {
			return err
		}
		rec.Status = next
		if err := a.save(o, rec); err != nil {
			return err
		}
		_, err = a.appendEvent(o, events.Draft{
			Type:        domain.EventStatusUpdate,
			Data:        domain.StatusUpdateData{Status: next, Message: message},
			Adapter:     adapter,
			Forwardable: true,
		})
		return err
	})
}

// AddMessage records a chat message once per messageID.
func (a *Actor) AddMessage(ctx context.Context, message, userID, messageID, adapter string) error {
	return a.update(ctx, func(o *op) error {
		if _, err := a.loadMutable(o); err != nil {
			return err
		}
		if strings.TrimSpace(message) == "" {
			return ErrMessageRequired
		}
		if messageID == "" {
			return invalidInput("messageId is required")
		}
		if err := requireAdapter(adapter); err != nil {
			return err
		}
		seen, err := a.eng.Events.MessageIDs(o.ctx, o.tx, a.ID, []string{messageID})
		if err != nil {
			return err
		}
		if seen[messageID] {
			return nil
		}
		_, err = a.appendEvent(o, events.Draft{
			Type:        domain.EventMessageAdded,
			Data:        domain.MessageAddedData{Message: message, UserID: userID, MessageID: messageID},
			Adapter:     adapter,
			Forwardable: true,
			MessageID:   messageID,
		})
		return err
	})
}

// AddMetadata merges patch into the incident metadata. It never appends an
// event and is accepted at any point after start.
func (a *Actor) AddMetadata(ctx context.Context, patch map[string]any) error {
	return a.update(ctx, func(o *op) error {
		rec, err := a.load(o)
		if err != nil {
			return err
		}
		if len(patch) == 0 {
			return nil
		}
		if rec.Metadata == nil {
			rec.Metadata = map[string]any{}
		}
		for k, v := range patch {
			if k == "" {
				return invalidInput("metadata key is required")
			}
			rec.Metadata[k] = v
		}
		return a.save(o, rec)
	})
}
