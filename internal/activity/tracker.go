// Package activity tracks long-running units of agent work (tool calls,
// subagents) and reports every transition as an Activity event.
package activity

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/avatar-engine/avatar-engine/internal/events"
)

// defaultRetention caps how many finished activities stay inspectable.
const defaultRetention = 100

// EmitFunc receives a snapshot of the activity on every transition.
type EmitFunc func(ev events.Event)

// Tracker manages concurrent activities under one mutex. IDs are uuids; the
// caller holds them to drive progress and completion.
type Tracker struct {
	mu        sync.Mutex
	emit      EmitFunc
	items     map[string]*events.Activity
	finished  []string
	retention int
}

// StartOptions carries the optional attributes of a new activity.
type StartOptions struct {
	ParentID        string
	ConcurrentGroup string
	Cancellable     bool
}

// New returns a tracker that reports transitions through emit. A nil emit
// keeps the tracker purely in-memory.
func New(emit EmitFunc) *Tracker {
	return &Tracker{
		emit:      emit,
		items:     make(map[string]*events.Activity),
		retention: defaultRetention,
	}
}

// Start registers a running activity and returns its id.
func (t *Tracker) Start(activityType, name string, opts *StartOptions) string {
	now := time.Now()
	act := &events.Activity{
		ActivityID:   uuid.NewString(),
		ActivityType: activityType,
		Name:         name,
		Status:       events.ActivityRunning,
		StartedAt:    &now,
	}
	if opts != nil {
		act.ParentActivityID = opts.ParentID
		act.ConcurrentGroup = opts.ConcurrentGroup
		act.IsCancellable = opts.Cancellable
	}

	t.mu.Lock()
	t.items[act.ActivityID] = act
	snapshot := *act
	t.mu.Unlock()

	t.report(&snapshot)
	return act.ActivityID
}

// Progress updates a running activity. Progress is clamped to [0, 1];
// unknown ids are ignored.
func (t *Tracker) Progress(id string, progress float64, detail string) {
	if progress < 0 {
		progress = 0
	} else if progress > 1 {
		progress = 1
	}

	t.mu.Lock()
	act, ok := t.items[id]
	if !ok || act.Status != events.ActivityRunning {
		t.mu.Unlock()
		return
	}
	act.Progress = progress
	if detail != "" {
		act.Detail = detail
	}
	snapshot := *act
	t.mu.Unlock()

	t.report(&snapshot)
}

// Complete marks an activity finished successfully.
func (t *Tracker) Complete(id, detail string) {
	t.finish(id, events.ActivityCompleted, detail)
}

// Fail marks an activity finished with an error.
func (t *Tracker) Fail(id string, err error) {
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	t.finish(id, events.ActivityFailed, detail)
}

// Cancel marks an activity cancelled.
func (t *Tracker) Cancel(id string) {
	t.finish(id, events.ActivityCancelled, "")
}

func (t *Tracker) finish(id string, status events.ActivityStatus, detail string) {
	now := time.Now()

	t.mu.Lock()
	act, ok := t.items[id]
	if !ok || act.Status != events.ActivityRunning {
		t.mu.Unlock()
		return
	}
	act.Status = status
	act.CompletedAt = &now
	if detail != "" {
		act.Detail = detail
	}
	if status == events.ActivityCompleted {
		act.Progress = 1
	}

	t.finished = append(t.finished, id)
	for len(t.finished) > t.retention {
		oldest := t.finished[0]
		t.finished = t.finished[1:]
		delete(t.items, oldest)
	}

	snapshot := *act
	t.mu.Unlock()

	t.report(&snapshot)
}

// Active returns a snapshot of all running activities.
func (t *Tracker) Active() []events.Activity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []events.Activity
	for _, act := range t.items {
		if act.Status == events.ActivityRunning {
			out = append(out, *act)
		}
	}
	return out
}

// Get returns a snapshot of one activity, running or retained.
func (t *Tracker) Get(id string) (events.Activity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	act, ok := t.items[id]
	if !ok {
		return events.Activity{}, false
	}
	return *act, true
}

func (t *Tracker) report(act *events.Activity) {
	if t.emit != nil {
		t.emit(act)
	}
}
