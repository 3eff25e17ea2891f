package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// MaxAttempts is how many failed deliveries dead-letter an event.
const MaxAttempts = 3

// DeliveryKindEvent tags outbox deliveries.
const DeliveryKindEvent = "event"

var errNoDispatcher = errors.New("no dispatcher configured")

// dispatch delivers pending events oldest first and stops at the first
// failure, leaving later events for the next alarm. Each outcome is
// persisted before moving on. The failure that exhausts an event's attempts
// dead-letters it and is not reported; the batch still stops there.
func (a *Actor) dispatch(ctx context.Context) error {
	limit := a.maxAttempts()
	pending, err := a.eng.Events.PendingForDispatch(ctx, a.eng.DB, a.ID, limit)
	if err != nil {
		return fmt.Errorf("load outbox: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}
	if a.eng.Dispatcher == nil {
		return errNoDispatcher
	}
	rec, err := a.eng.Repo.GetIncident(ctx, a.eng.DB, a.ID)
	if err != nil {
		return err
	}
	for _, evt := range pending {
		log := a.log.With(zap.Int64("event_id", evt.ID), zap.String("event_type", evt.Type))
		derr := a.eng.Dispatcher.Dispatch(ctx, Delivery{Kind: DeliveryKindEvent, Event: evt, Incident: rec.Incident})
		if derr == nil {
			if err := a.eng.Events.MarkPublished(ctx, a.eng.DB, a.ID, evt.ID); err != nil {
				return fmt.Errorf("mark event %d published: %w", evt.ID, err)
			}
			log.Debug("event dispatched")
			continue
		}
		attempts, err := a.eng.Events.IncrementAttempts(ctx, a.eng.DB, a.ID, evt.ID, limit)
		if err != nil {
			return fmt.Errorf("record attempt for event %d: %w", evt.ID, err)
		}
		if attempts >= limit {
			log.Warn("event dead-lettered", zap.Int("attempts", attempts), zap.Error(derr))
			return nil
		}
		log.Warn("dispatch failed", zap.Int("attempts", attempts), zap.Error(derr))
		return fmt.Errorf("dispatch event %d: %w", evt.ID, derr)
	}
	return nil
}
