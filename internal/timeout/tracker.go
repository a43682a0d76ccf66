package timeout

import (
	"time"

	"github.com/rendis/nodeflow/pkg/schema"
)

// Tracker kinds.
const (
	KindAbsolute = "ABSOLUTE"
	KindActive   = "ACTIVE"
)

// Conditions are optional CEL predicates evaluated on every event delivered to
// a tracker. Variables: event, timeout.
type Conditions struct {
	CancelWhen string `json:"cancel_when,omitempty"`
	ResetWhen  string `json:"reset_when,omitempty"`
}

// Tracker decides when a timeout instance expires. The engine serializes every
// call on a tracker, so implementations need no locking.
type Tracker interface {
	Kind() string
	Start(now time.Time)
	Observe(ev Event, now time.Time)
	Reset(now time.Time)
	// Deadline returns the expiry time; ok is false while the tracker is paused.
	Deadline() (deadline time.Time, ok bool)
	Elapsed(now time.Time) time.Duration
	Predicates() Conditions
}

// AbsoluteTracker expires a fixed duration after it starts, whatever the
// subject does in between.
type AbsoluteTracker struct {
	Timeout time.Duration
	Conditions

	startedAt time.Time
}

func NewAbsoluteTracker(timeout time.Duration, cond Conditions) *AbsoluteTracker {
	return &AbsoluteTracker{Timeout: timeout, Conditions: cond}
}

func (t *AbsoluteTracker) Kind() string                { return KindAbsolute }
func (t *AbsoluteTracker) Start(now time.Time)         { t.startedAt = now }
func (t *AbsoluteTracker) Observe(Event, time.Time)    {}
func (t *AbsoluteTracker) Reset(now time.Time)         { t.startedAt = now }
func (t *AbsoluteTracker) Predicates() Conditions      { return t.Conditions }
func (t *AbsoluteTracker) Deadline() (time.Time, bool) { return t.startedAt.Add(t.Timeout), true }

func (t *AbsoluteTracker) Elapsed(now time.Time) time.Duration {
	return now.Sub(t.startedAt)
}

// defaultActiveStatuses are the statuses during which an ActiveTracker accrues
// time: everything non-terminal except PAUSED.
var defaultActiveStatuses = func() []schema.Status {
	var out []schema.Status
	for _, s := range schema.NonTerminalStatuses() {
		if s != schema.StatusPaused {
			out = append(out, s)
		}
	}
	return out
}()

// ActiveTracker only accrues time while its subject holds one of the active
// statuses; status_update events pause and resume it.
type ActiveTracker struct {
	Timeout        time.Duration
	ActiveStatuses []schema.Status
	// InitialStatus is the subject's status at registration. Empty means active.
	InitialStatus schema.Status
	Conditions

	elapsed     time.Duration
	activeSince time.Time
	active      bool
}

func NewActiveTracker(timeout time.Duration, initial schema.Status, cond Conditions) *ActiveTracker {
	return &ActiveTracker{Timeout: timeout, InitialStatus: initial, Conditions: cond}
}

func (t *ActiveTracker) Kind() string           { return KindActive }
func (t *ActiveTracker) Predicates() Conditions { return t.Conditions }

func (t *ActiveTracker) Start(now time.Time) {
	t.elapsed = 0
	t.active = t.InitialStatus == "" || t.isActive(t.InitialStatus)
	if t.active {
		t.activeSince = now
	}
}

func (t *ActiveTracker) Observe(ev Event, now time.Time) {
	if ev.Type != EventStatusUpdate || ev.Status == "" {
		return
	}
	switch nowActive := t.isActive(ev.Status); {
	case t.active && !nowActive:
		t.elapsed += now.Sub(t.activeSince)
		t.active = false
	case !t.active && nowActive:
		t.activeSince = now
		t.active = true
	}
}

func (t *ActiveTracker) Reset(now time.Time) {
	t.elapsed = 0
	if t.active {
		t.activeSince = now
	}
}

func (t *ActiveTracker) Deadline() (time.Time, bool) {
	if !t.active {
		return time.Time{}, false
	}
	return t.activeSince.Add(t.Timeout - t.elapsed), true
}

func (t *ActiveTracker) Elapsed(now time.Time) time.Duration {
	if !t.active {
		return t.elapsed
	}
	return t.elapsed + now.Sub(t.activeSince)
}

func (t *ActiveTracker) isActive(s schema.Status) bool {
	set := t.ActiveStatuses
	if len(set) == 0 {
		set = defaultActiveStatuses
	}
	return schema.StatusIn(s, set)
}
