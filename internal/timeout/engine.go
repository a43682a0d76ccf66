// Package timeout tracks deadlines on behalf of node executions and invokes a
// callback once per expired instance.
package timeout

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/rendis/nodeflow/internal/expressions"
	"github.com/rendis/nodeflow/internal/logging"
	"github.com/rendis/nodeflow/internal/metrics"
	"github.com/rendis/nodeflow/pkg/schema"
)

// EventStatusUpdate is delivered when the subject of an instance changed status.
const EventStatusUpdate = "status_update"

// DefaultSchedule is the scan cadence used when Config.Schedule is empty.
const DefaultSchedule = "@every 1s"

// Event is something that happened to the subject of one or more instances.
type Event struct {
	Type           string            `json:"type"`
	Status         schema.Status     `json:"status,omitempty"`
	PreviousStatus schema.Status     `json:"previous_status,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Instance is a read-only snapshot of a registered timeout.
type Instance struct {
	ID           string            `json:"id"`
	Subject      string            `json:"subject,omitempty"`
	Tracker      string            `json:"tracker"`
	Deadline     time.Time         `json:"deadline,omitempty"`
	Paused       bool              `json:"paused"`
	RegisteredAt time.Time         `json:"registered_at"`
	FiredAt      time.Time         `json:"fired_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Callback is invoked once when an instance expires. Errors are logged and the
// instance stays consumed.
type Callback interface {
	OnTimeout(ctx context.Context, inst Instance) error
}

// CallbackFunc adapts a function to Callback.
type CallbackFunc func(ctx context.Context, inst Instance) error

func (f CallbackFunc) OnTimeout(ctx context.Context, inst Instance) error { return f(ctx, inst) }

// Registration describes a new timeout instance.
type Registration struct {
	Tracker  Tracker
	Callback Callback
	// Subject identifies what the timeout guards, e.g. a node execution id.
	Subject  string
	Metadata map[string]string
}

// Config configures an Engine.
type Config struct {
	// Schedule is a robfig/cron spec for the scan loop.
	Schedule string
	// Workers bounds concurrent callbacks.
	Workers int
	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type entry struct {
	id           string
	reg          Registration
	registeredAt time.Time
}

func (en *entry) snapshot() Instance {
	inst := Instance{
		ID:           en.id,
		Subject:      en.reg.Subject,
		Tracker:      en.reg.Tracker.Kind(),
		RegisteredAt: en.registeredAt,
		Metadata:     en.reg.Metadata,
	}
	if d, ok := en.reg.Tracker.Deadline(); ok {
		inst.Deadline = d
	} else {
		inst.Paused = true
	}
	return inst
}

// Engine holds timeout instances in memory and fires them from a cron-driven scan.
type Engine struct {
	schedule   string
	logger     *slog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	conditions expressions.Engine
	pool       *WorkerPool

	mu      sync.Mutex
	entries map[string]*entry

	runMu  sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

// NewEngine creates an Engine. conditions evaluates tracker predicates and may
// be nil when no tracker uses them.
func NewEngine(cfg Config, conditions expressions.Engine) (*Engine, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if _, err := scheduleParser.Parse(cfg.Schedule); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid timeout scan schedule %q", cfg.Schedule).WithCause(err)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}

	pool := NewWorkerPool(cfg.Workers, cfg.Logger)
	pool.onActive = cfg.Metrics.SetActiveCallbacks

	return &Engine{
		schedule:   cfg.Schedule,
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		now:        cfg.Now,
		conditions: conditions,
		pool:       pool,
		entries:    make(map[string]*entry),
	}, nil
}

// Register starts tracking a new instance and returns its id.
func (e *Engine) Register(ctx context.Context, reg Registration) (string, error) {
	if reg.Tracker == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "timeout registration requires a tracker")
	}
	if reg.Callback == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "timeout registration requires a callback")
	}
	if p := reg.Tracker.Predicates(); (p.CancelWhen != "" || p.ResetWhen != "") && e.conditions == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "tracker predicates need a condition engine")
	}

	now := e.now()
	en := &entry{id: uuid.New().String(), reg: reg, registeredAt: now}
	reg.Tracker.Start(now)

	e.mu.Lock()
	e.entries[en.id] = en
	pending := len(e.entries)
	e.mu.Unlock()
	e.metrics.SetPendingTimeouts(pending)

	logging.LogWith(ctx, e.logger).Debug("timeout registered",
		slog.String("timeout_instance_id", en.id),
		slog.String("tracker", reg.Tracker.Kind()),
		slog.String("subject", reg.Subject),
	)
	return en.id, nil
}

// Cancel stops tracking id. It reports whether the instance existed.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	_, ok := e.entries[id]
	delete(e.entries, id)
	pending := len(e.entries)
	e.mu.Unlock()
	if ok {
		e.metrics.SetPendingTimeouts(pending)
	}
	return ok
}

// Get returns a snapshot of a pending instance.
func (e *Engine) Get(id string) (Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return Instance{}, false
	}
	return en.snapshot(), true
}

// Pending returns the number of tracked instances.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

// NotifyEvent delivers ev to every listed instance. Unknown ids are ignored:
// the instance may already have fired or been cancelled.
func (e *Engine) NotifyEvent(ctx context.Context, ids []string, ev Event) {
	for _, id := range ids {
		e.notifyOne(ctx, id, ev)
	}
}

func (e *Engine) notifyOne(ctx context.Context, id string, ev Event) {
	now := e.now()

	e.mu.Lock()
	en, ok := e.entries[id]
	if !ok {
		e.mu.Unlock()
		return
	}
	en.reg.Tracker.Observe(ev, now)
	cond := en.reg.Tracker.Predicates()
	data := conditionData(en, ev, now)
	e.mu.Unlock()

	if cond.CancelWhen != "" && e.holds(ctx, id, cond.CancelWhen, data) {
		if e.Cancel(id) {
			logging.LogWith(ctx, e.logger).Debug("timeout cancelled by event",
				slog.String("timeout_instance_id", id),
				slog.String("event_status", string(ev.Status)),
			)
		}
		return
	}
	if cond.ResetWhen != "" && e.holds(ctx, id, cond.ResetWhen, data) {
		e.mu.Lock()
		if en, ok := e.entries[id]; ok {
			en.reg.Tracker.Reset(now)
		}
		e.mu.Unlock()
	}
}

func (e *Engine) holds(ctx context.Context, id, expression string, data map[string]any) bool {
	ok, err := expressions.EvaluateBool(ctx, e.conditions, expression, data)
	if err != nil {
		logging.LogWith(ctx, e.logger).Warn("timeout predicate failed",
			slog.String("timeout_instance_id", id),
			slog.String("expression", expression),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

// conditionData builds the CEL activation. Statuses go in as plain strings.
func conditionData(en *entry, ev Event, now time.Time) map[string]any {
	meta := make(map[string]any, len(ev.Metadata))
	for k, v := range ev.Metadata {
		meta[k] = v
	}
	return map[string]any{
		"event": map[string]any{
			"type":            ev.Type,
			"status":          string(ev.Status),
			"previous_status": string(ev.PreviousStatus),
			"metadata":        meta,
		},
		"timeout": map[string]any{
			"id":         en.id,
			"tracker":    en.reg.Tracker.Kind(),
			"subject":    en.reg.Subject,
			"elapsed_ms": en.reg.Tracker.Elapsed(now).Milliseconds(),
		},
	}
}

// Scan removes every instance whose deadline is at or before now and hands it
// to the callback pool. It returns the number of instances consumed.
func (e *Engine) Scan(ctx context.Context, now time.Time) int {
	e.mu.Lock()
	var due []*entry
	for id, en := range e.entries {
		if d, ok := en.reg.Tracker.Deadline(); ok && !d.After(now) {
			due = append(due, en)
			delete(e.entries, id)
		}
	}
	pending := len(e.entries)
	snaps := make([]Instance, len(due))
	sort.Slice(due, func(i, j int) bool { return due[i].registeredAt.Before(due[j].registeredAt) })
	for i, en := range due {
		snaps[i] = en.snapshot()
		snaps[i].FiredAt = now
	}
	e.mu.Unlock()

	if len(due) == 0 {
		return 0
	}
	e.metrics.SetPendingTimeouts(pending)

	for i, en := range due {
		inst, cb := snaps[i], en.reg.Callback
		err := e.pool.Go(ctx, "timeout:"+inst.ID, func(ctx context.Context) error {
			return e.fire(ctx, inst, cb)
		})
		if err != nil {
			e.logger.Error("timeout dropped before dispatch",
				slog.String("timeout_instance_id", inst.ID),
				slog.String("subject", inst.Subject),
				slog.String("error", err.Error()),
			)
		}
	}
	return len(due)
}

func (e *Engine) fire(ctx context.Context, inst Instance, cb Callback) (err error) {
	e.metrics.ObserveTimeoutFired(inst.Tracker)
	log := e.logger.With(
		slog.String("timeout_instance_id", inst.ID),
		slog.String("subject", inst.Subject),
	)
	defer func() {
		if r := recover(); r != nil {
			e.metrics.ObserveCallbackFailure()
			log.Error("timeout callback panicked", slog.Any("panic", r))
			err = schema.NewErrorf(schema.ErrCodeTimeout, "timeout callback panicked: %v", r)
		}
	}()

	if err = cb.OnTimeout(ctx, inst); err != nil {
		e.metrics.ObserveCallbackFailure()
		log.Error("timeout callback failed", slog.String("error", err.Error()))
	}
	return err
}

// Wait blocks until every dispatched callback has returned.
func (e *Engine) Wait() {
	e.pool.Wait()
}

// Close stops the scan loop and the callback pool.
func (e *Engine) Close() error {
	err := e.Stop()
	e.pool.Close()
	return err
}
