// Package journal keeps the per job event log and progress snapshot that
// polling and push clients read.
package journal

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/mediacrawler/harvester/internal/model"
)

const StageInitializing = "initializing"

// Observer receives every appended event in journal order. Notify is called
// with the journal locked, so it must not call back into the journal.
type Observer interface {
	Notify(ev model.TaskEvent)
}

type ObserverFunc func(ev model.TaskEvent)

func (f ObserverFunc) Notify(ev model.TaskEvent) { f(ev) }

// Journal is the append only event log of one job plus its mutable
// progress snapshot.
type Journal struct {
	mx        sync.Mutex
	jobID     string
	platform  model.Platform
	started   time.Time
	events    []model.TaskEvent
	progress  model.ProgressSnapshot
	observers map[int]Observer
	nextObs   int
	sealed    bool
	// owned is set once a job registered the journal; guarded by the registry
	owned bool
}

func New(jobID string, platform model.Platform) *Journal {
	now := time.Now().UTC()
	return &Journal{
		jobID:    jobID,
		platform: platform,
		started:  now,
		progress: model.ProgressSnapshot{
			Stage:      StageInitializing,
			LastUpdate: now,
		},
		observers: make(map[int]Observer),
	}
}

// Subscribe registers o and returns a function removing it.
func (j *Journal) Subscribe(o Observer) (cancel func()) {
	j.mx.Lock()
	defer j.mx.Unlock()
	id := j.nextObs
	j.nextObs++
	j.observers[id] = o
	return func() {
		j.mx.Lock()
		defer j.mx.Unlock()
		delete(j.observers, id)
	}
}

// Log appends an event carrying a copy of the current snapshot. A non nil
// err is stored in the error field. Events logged after Seal are dropped.
func (j *Journal) Log(ctx context.Context, typ model.EventType, msg string, data map[string]any, err error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.appendLocked(ctx, typ, msg, data, err)
}

// Seal logs a final event and rejects everything logged afterwards.
func (j *Journal) Seal(ctx context.Context, typ model.EventType, msg string, data map[string]any, err error) {
	j.mx.Lock()
	defer j.mx.Unlock()
	j.appendLocked(ctx, typ, msg, data, err)
	j.sealed = true
}

func (j *Journal) appendLocked(ctx context.Context, typ model.EventType, msg string, data map[string]any, err error) {
	if j.sealed {
		slog.DebugContext(ctx, "journal sealed: dropping event", "event_type", typ, "message", msg)
		return
	}
	ev := model.TaskEvent{
		JobID:     j.jobID,
		Type:      typ,
		Timestamp: time.Now().UTC(),
		Message:   msg,
		Data:      data,
		Progress:  j.progress,
	}
	if err != nil {
		ev.Error = err.Error()
	}
	j.events = append(j.events, ev)
	mirror(ctx, ev)
	for _, o := range j.observers {
		o.Notify(ev)
	}
}

func mirror(ctx context.Context, ev model.TaskEvent) {
	level := slog.LevelDebug
	switch {
	case ev.Error != "" || ev.Type.IsError():
		level = slog.LevelError
	case ev.Type == model.EventTaskCompleted:
		level = slog.LevelInfo
	}
	attrs := []slog.Attr{
		slog.String("event_type", string(ev.Type)),
	}
	if ev.Error != "" {
		attrs = append(attrs, slog.String("error", ev.Error))
	}
	if len(ev.Data) > 0 {
		attrs = append(attrs, slog.Any("data", ev.Data))
	}
	slog.LogAttrs(ctx, level, ev.Message, attrs...)
}

func (j *Journal) Sealed() bool {
	j.mx.Lock()
	defer j.mx.Unlock()
	return j.sealed
}

// Update applies u to the snapshot, recomputes the ETA and records a
// task_progress event. Percent is clamped to [0,100]. A sealed journal
// ignores u and returns its final snapshot.
func (j *Journal) Update(ctx context.Context, u model.ProgressUpdate) model.ProgressSnapshot {
	j.mx.Lock()
	defer j.mx.Unlock()
	if j.sealed {
		return copySnapshot(j.progress)
	}

	p := &j.progress
	if u.Stage != "" {
		p.Stage = u.Stage
	}
	if u.Percent != nil {
		p.Percent = clamp(*u.Percent)
	}
	if u.ItemsTotal != nil {
		p.ItemsTotal = *u.ItemsTotal
	}
	if u.ItemsCompleted != nil {
		p.ItemsCompleted = *u.ItemsCompleted
	}
	if u.ItemsFailed != nil {
		p.ItemsFailed = *u.ItemsFailed
	}
	if u.CurrentItem != nil && *u.CurrentItem != "" {
		p.CurrentItem = *u.CurrentItem
	}
	now := time.Now().UTC()
	p.LastUpdate = now
	if p.ItemsTotal > 0 && p.ItemsCompleted > 0 {
		perItem := now.Sub(j.started).Seconds() / float64(p.ItemsCompleted)
		remaining := max(p.ItemsTotal-p.ItemsCompleted, 0)
		eta := int(perItem * float64(remaining))
		p.ETASeconds = &eta
	}

	msg := u.Message
	if msg == "" {
		msg = fmt.Sprintf("progress: %s - %.1f%%", p.Stage, p.Percent)
	}
	j.appendLocked(ctx, model.EventTaskProgress, msg, map[string]any{
		"stage":     p.Stage,
		"progress":  p.Percent,
		"completed": p.ItemsCompleted,
		"total":     p.ItemsTotal,
		"failed":    p.ItemsFailed,
	}, nil)
	return copySnapshot(*p)
}

func clamp(pct float64) float64 {
	switch {
	case math.IsNaN(pct) || pct < 0:
		return 0
	case pct > 100:
		return 100
	}
	return pct
}

// Progress returns a copy of the current snapshot.
func (j *Journal) Progress() model.ProgressSnapshot {
	j.mx.Lock()
	defer j.mx.Unlock()
	return copySnapshot(j.progress)
}

func copySnapshot(p model.ProgressSnapshot) model.ProgressSnapshot {
	if p.ETASeconds != nil {
		eta := *p.ETASeconds
		p.ETASeconds = &eta
	}
	return p
}

// Recent returns at most limit events, oldest first. A non positive limit
// returns every event.
func (j *Journal) Recent(limit int) []model.TaskEvent {
	j.mx.Lock()
	defer j.mx.Unlock()
	from := 0
	if limit > 0 && len(j.events) > limit {
		from = len(j.events) - limit
	}
	out := make([]model.TaskEvent, len(j.events)-from)
	copy(out, j.events[from:])
	return out
}

func (j *Journal) Len() int {
	j.mx.Lock()
	defer j.mx.Unlock()
	return len(j.events)
}
