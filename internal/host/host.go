// Package host runs incident alarms. It keeps a min-heap of wake-ups fed by
// engine notifications, services due entries on a bounded worker pool and
// periodically sweeps the database for alarms written by other processes.
package host

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fireline/internal/engine"
	"fireline/internal/logger"
)

const (
	defaultWorkers = 4
	defaultSweep   = 30 * time.Second
)

// Config controls the worker pool and sweep cadence.
type Config struct {
	Workers       int
	SweepInterval time.Duration
}

// Host owns the alarm schedule for every incident in one database.
type Host struct {
	engine engine.Engine
	cfg    Config
	logger *zap.Logger
	now    func() time.Time
	cron   *cron.Cron

	mu      sync.Mutex
	queue   alarmHeap
	due     map[string]time.Time
	running map[string]bool
	again   map[string]bool
	timer   *time.Timer
	wake    chan struct{}

	fired  atomic.Int64
	failed atomic.Int64
	swept  atomic.Int64
}

// New returns a Host and registers it as the engine's notifier. Callers
// must issue commands through Engine so notifications reach the host.
func New(eng engine.Engine, cfg Config, log *zap.Logger) *Host {
	if cfg.Workers <= 0 {
		cfg.Workers = defaultWorkers
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweep
	}
	h := &Host{
		cfg:     cfg,
		logger:  logger.OrNop(log),
		now:     eng.Now,
		due:     map[string]time.Time{},
		running: map[string]bool{},
		again:   map[string]bool{},
		wake:    make(chan struct{}, 1),
	}
	if h.now == nil {
		h.now = time.Now
	}
	eng.Notifier = h
	h.engine = eng
	return h
}

// Engine returns the engine wired to this host.
func (h *Host) Engine() engine.Engine {
	return h.engine
}

// Notify implements engine.Notifier.
func (h *Host) Notify(incidentID string, at time.Time) {
	h.mu.Lock()
	h.pushLocked(incidentID, at)
	h.mu.Unlock()
	h.signal()
}

func (h *Host) pushLocked(id string, at time.Time) {
	if cur, ok := h.due[id]; ok && !at.Before(cur) {
		return
	}
	h.due[id] = at
	heap.Push(&h.queue, entry{at: at, id: id})
}

func (h *Host) signal() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}

// Load seeds the heap with every scheduled alarm in the database.
func (h *Host) Load(ctx context.Context) error {
	alarms, err := h.engine.Repo.ScheduledAlarms(ctx)
	if err != nil {
		return fmt.Errorf("load alarms: %w", err)
	}
	h.mu.Lock()
	for _, a := range alarms {
		h.pushLocked(a.IncidentID, time.UnixMilli(a.At))
	}
	h.mu.Unlock()
	h.logger.Info("alarms loaded", zap.Int("count", len(alarms)))
	h.signal()
	return nil
}

// Sweep enqueues alarms that are already due according to the database.
func (h *Host) Sweep(ctx context.Context) error {
	alarms, err := h.engine.Repo.DueAlarms(ctx, h.now())
	if err != nil {
		return fmt.Errorf("sweep alarms: %w", err)
	}
	h.swept.Add(1)
	if len(alarms) == 0 {
		return nil
	}
	h.mu.Lock()
	for _, a := range alarms {
		h.pushLocked(a.IncidentID, time.UnixMilli(a.At))
	}
	h.mu.Unlock()
	h.logger.Debug("sweep found due alarms", zap.Int("count", len(alarms)))
	h.signal()
	return nil
}

// Run services alarms until ctx is cancelled, then waits for in-flight
// alarms to finish.
func (h *Host) Run(ctx context.Context) error {
	if err := h.Load(ctx); err != nil {
		return err
	}
	h.cron = cron.New(cron.WithSeconds())
	schedule := fmt.Sprintf("@every %ds", int(h.cfg.SweepInterval.Seconds()))
	if _, err := h.cron.AddFunc(schedule, func() {
		if err := h.Sweep(ctx); err != nil {
			h.logger.Error("alarm sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	h.cron.Start()
	h.logger.Info("alarm host started", zap.Int("workers", h.cfg.Workers), zap.Duration("sweep", h.cfg.SweepInterval))

	g := new(errgroup.Group)
	g.SetLimit(h.cfg.Workers)
	for {
		select {
		case <-ctx.Done():
			h.stopTimer()
			<-h.cron.Stop().Done()
			err := g.Wait()
			h.logger.Info("alarm host stopped")
			return err
		case <-h.wake:
			for _, id := range h.popDue() {
				id := id
				g.Go(func() error {
					h.fire(ctx, id)
					return nil
				})
			}
			h.arm()
		}
	}
}

// popDue removes due entries from the heap. Entries superseded by an
// earlier notification for the same incident are discarded. Incidents whose
// alarm is already running are marked to run again when it finishes.
func (h *Host) popDue() []string {
	now := h.now()
	h.mu.Lock()
	defer h.mu.Unlock()
	var ids []string
	for h.queue.Len() > 0 && !h.queue[0].at.After(now) {
		e := heap.Pop(&h.queue).(entry)
		if at, ok := h.due[e.id]; !ok || !at.Equal(e.at) {
			continue
		}
		delete(h.due, e.id)
		if h.running[e.id] {
			h.again[e.id] = true
			continue
		}
		h.running[e.id] = true
		ids = append(ids, e.id)
	}
	return ids
}

func (h *Host) fire(ctx context.Context, id string) {
	err := h.engine.Actor(id).Alarm(ctx)
	h.fired.Add(1)
	if err != nil {
		h.failed.Add(1)
		h.logger.Warn("alarm failed", zap.String("incident_id", id), zap.Error(err))
	}
	h.mu.Lock()
	delete(h.running, id)
	rerun := h.again[id]
	delete(h.again, id)
	if rerun {
		h.pushLocked(id, h.now())
	}
	h.mu.Unlock()
	if rerun {
		h.signal()
	}
}

// arm schedules a wake-up for the earliest pending entry.
func (h *Host) arm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
	if h.queue.Len() == 0 {
		return
	}
	delay := h.queue[0].at.Sub(h.now())
	if delay <= 0 {
		h.signal()
		return
	}
	h.timer = time.AfterFunc(delay, h.signal)
}

func (h *Host) stopTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.timer != nil {
		h.timer.Stop()
		h.timer = nil
	}
}

// Status is a point-in-time view of the scheduler.
type Status struct {
	Scheduled int        `json:"scheduled"`
	Running   int        `json:"running"`
	NextAt    *time.Time `json:"nextAt,omitempty"`
	Fired     int64      `json:"fired"`
	Failed    int64      `json:"failed"`
	Sweeps    int64      `json:"sweeps"`
	Workers   int        `json:"workers"`
}

func (h *Host) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		Scheduled: len(h.due),
		Running:   len(h.running),
		Fired:     h.fired.Load(),
		Failed:    h.failed.Load(),
		Sweeps:    h.swept.Load(),
		Workers:   h.cfg.Workers,
	}
	for _, at := range h.due {
		if st.NextAt == nil || at.Before(*st.NextAt) {
			next := at
			st.NextAt = &next
		}
	}
	return st
}

type entry struct {
	at time.Time
	id string
}

// alarmHeap is a min-heap of wake-ups ordered by time.
type alarmHeap []entry

func (q alarmHeap) Len() int { return len(q) }
func (q alarmHeap) Less(i, j int) bool {
	if q[i].at.Equal(q[j].at) {
		return q[i].id < q[j].id
	}
	return q[i].at.Before(q[j].at)
}
func (q alarmHeap) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *alarmHeap) Push(x any)   { *q = append(*q, x.(entry)) }
func (q *alarmHeap) Pop() any {
	old := *q
	e := old[len(old)-1]
	*q = old[:len(old)-1]
	return e
}
