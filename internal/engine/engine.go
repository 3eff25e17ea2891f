package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"fireline/internal/config"
	"fireline/internal/domain"
	"fireline/internal/events"
	"fireline/internal/logger"
	"fireline/internal/repo"
)

// Engine carries the storage and collaborators shared by every incident
// actor. Collaborators left nil degrade as follows: a nil Classifier falls
// back to the fallback entry point, a nil AgentRunner completes turns with no
// output, and a nil Archiver skips the archive hand-off at cleanup.
type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Store
	Config     *config.Config
	Now        func() time.Time
	Logger     *zap.Logger
	Classifier Classifier
	Dispatcher Dispatcher
	Agent      AgentRunner
	Summarizer Summarizer
	Archiver   Archiver
	Notifier   Notifier

	locks *lockSet
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Store{Now: time.Now},
		Config: cfg,
		Now:    time.Now,
		Logger: zap.NewNop(),
		locks:  newLockSet(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Actor returns the handle for one incident. Handles are cheap; all state
// lives in the database and every handle for the same id shares one lock.
func (e Engine) Actor(incidentID string) *Actor {
	if e.locks == nil {
		e.locks = sharedLocks
	}
	e.Events.Now = e.now
	return &Actor{
		eng: e,
		ID:  incidentID,
		log: logger.Incident(e.Logger, incidentID),
	}
}

// Actor executes commands against a single incident. Every command and
// every alarm holds the incident lock for its whole duration.
type Actor struct {
	eng Engine
	ID  string
	log *zap.Logger
}

var sharedLocks = newLockSet()

// lockSet hands out one mutex per incident. An entry lives while anyone
// holds or waits for it, so every caller for an id contends on the same
// mutex even across destroy and re-create.
type lockSet struct {
	mu sync.Mutex
	m  map[string]*lockEntry
}

type lockEntry struct {
	mu   sync.Mutex
	refs int
}

func newLockSet() *lockSet {
	return &lockSet{m: map[string]*lockEntry{}}
}

func (l *lockSet) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.m[id]
	if !ok {
		e = &lockEntry{}
		l.m[id] = e
	}
	e.refs++
	l.mu.Unlock()
	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.m, id)
		}
		l.mu.Unlock()
	}
}

// op is one command transaction. wake collects the earliest wake-up the
// command needs; it is persisted before commit and announced after.
type op struct {
	ctx  context.Context
	tx   *sql.Tx
	now  time.Time
	wake *time.Time
}

func (o *op) wakeAt(t time.Time) {
	if o.wake == nil || t.Before(*o.wake) {
		o.wake = &t
	}
}

func (a *Actor) update(ctx context.Context, fn func(o *op) error) error {
	unlock := a.eng.locks.lock(a.ID)
	defer unlock()
	return a.updateLocked(ctx, fn)
}

func (a *Actor) updateLocked(ctx context.Context, fn func(o *op) error) error {
	tx, err := a.eng.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	o := &op{ctx: ctx, tx: tx, now: a.eng.now()}
	if err := fn(o); err != nil {
		return err
	}
	if o.wake != nil {
		if err := a.eng.Repo.EnsureAlarm(ctx, tx, a.ID, *o.wake); err != nil {
			return fmt.Errorf("schedule alarm: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if o.wake != nil {
		a.notify(*o.wake)
	}
	return nil
}

func (a *Actor) notify(at time.Time) {
	if a.eng.Notifier != nil {
		a.eng.Notifier.Notify(a.ID, at)
	}
}

// load returns the incident or ErrNotFound.
func (a *Actor) load(o *op) (repo.IncidentRecord, error) {
	rec, err := a.eng.Repo.GetIncident(o.ctx, o.tx, a.ID)
	if errors.Is(err, repo.ErrNotFound) {
		return rec, ErrNotFound
	}
	return rec, err
}

// loadReady additionally requires classification to have completed.
func (a *Actor) loadReady(o *op) (repo.IncidentRecord, error) {
	rec, err := a.load(o)
	if err != nil {
		return rec, err
	}
	if !rec.Initialized {
		return rec, ErrNotInitialized
	}
	return rec, nil
}

// loadMutable additionally enforces the terminal lock.
func (a *Actor) loadMutable(o *op) (repo.IncidentRecord, error) {
	rec, err := a.loadReady(o)
	if err != nil {
		return rec, err
	}
	if rec.Status.Terminal() {
		return rec, ErrResolved
	}
	return rec, nil
}

func (a *Actor) save(o *op, rec repo.IncidentRecord) error {
	rec.UpdatedAt = events.Timestamp(o.now)
	return a.eng.Repo.UpdateIncident(o.ctx, o.tx, rec)
}

// appendEvent stores d and keeps the outbox and agent schedule in step:
// forwardable events ask for an immediate wake-up and qualifying events
// push the agent debounce deadline.
func (a *Actor) appendEvent(o *op, d events.Draft) (int64, error) {
	id, err := a.eng.Events.Append(o.ctx, o.tx, a.ID, d)
	if err != nil {
		return 0, err
	}
	if d.Forwardable && !d.Published {
		o.wakeAt(o.now)
	}
	if Qualifies(d.Type, d.Adapter) {
		next, err := a.scheduleAgent(o, id)
		if err != nil {
			return 0, err
		}
		o.wakeAt(next)
	}
	return id, nil
}

func (a *Actor) maxAttempts() int {
	if a.eng.Config != nil && a.eng.Config.Dispatch.MaxAttempts > 0 {
		return a.eng.Config.Dispatch.MaxAttempts
	}
	return MaxAttempts
}

func (a *Actor) retryDelay() time.Duration {
	if a.eng.Config != nil && a.eng.Config.Dispatch.RetryDelay > 0 {
		return a.eng.Config.Dispatch.RetryDelay
	}
	return 10 * time.Second
}

func requireAdapter(adapter string) error {
	if adapter == "" {
		return invalidInput("adapter is required")
	}
	return nil
}

func ensureStatusTransition(from, to domain.Status) error {
	switch from {
	case domain.StatusOpen:
		if to == domain.StatusMitigating || to == domain.StatusResolved || to == domain.StatusDeclined {
			return nil
		}
	case domain.StatusMitigating:
		if to == domain.StatusResolved || to == domain.StatusDeclined {
			return nil
		}
	}
	return invalidInput("invalid status transition %s -> %s", from, to)
}
