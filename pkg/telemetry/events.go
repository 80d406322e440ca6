package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/addonpkg/addonpkg/pkg/addon"
)

// EventType names what happened. The core emits events; presenting them is
// up to the subscriber.
type EventType string

const (
	EventResolveStarted   EventType = "resolve.started"
	EventResolveFinished  EventType = "resolve.finished"
	EventResolveRetry     EventType = "resolve.retry"
	EventResolveWarning   EventType = "resolve.warning"
	EventDownloadProgress EventType = "download.progress"
	EventPlanSummary      EventType = "plan.summary"
	EventItemFinished     EventType = "item.finished"
)

type Event struct {
	Type    EventType
	Time    time.Time
	BatchID string
	Key     addon.Key
	// Action is the planned action for item events.
	Action  string
	Version string
	// Bytes and Total report download progress; Total is -1 when unknown.
	Bytes int64
	Total int64
	// Counts holds per-action totals for plan summaries.
	Counts  map[string]int
	Message string
	Err     error
}

// Emitter receives events. Implementations must be safe for concurrent use.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// Nop discards events.
func Nop() Emitter { return nopEmitter{} }

type multi []Emitter

func (m multi) Emit(e Event) {
	for _, em := range m {
		em.Emit(e)
	}
}

// Multi fans an event out to every emitter, in order. Nil entries are
// skipped.
func Multi(emitters ...Emitter) Emitter {
	var out multi
	for _, e := range emitters {
		if e != nil {
			out = append(out, e)
		}
	}
	return out
}

type batchKey struct{}

// WithBatch tags ctx with the id of the batch it works for.
func WithBatch(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchKey{}, id)
}

// BatchID returns the batch id ctx was tagged with, or "".
func BatchID(ctx context.Context) string {
	id, _ := ctx.Value(batchKey{}).(string)
	return id
}

// Emit stamps ev with the batch id of ctx and the current time before
// passing it to e.
func Emit(ctx context.Context, e Emitter, ev Event) {
	if ev.BatchID == "" {
		ev.BatchID = BatchID(ctx)
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	e.Emit(ev)
}

// LogEmitter writes events to a logger. Download progress is logged at
// trace level; failures at warn.
type LogEmitter struct {
	Log zerolog.Logger
}

func (l LogEmitter) Emit(e Event) {
	var ev *zerolog.Event
	switch {
	case e.Err != nil:
		ev = l.Log.Warn().Err(e.Err)
	case e.Type == EventDownloadProgress:
		ev = l.Log.Trace()
	case e.Type == EventItemFinished || e.Type == EventPlanSummary:
		ev = l.Log.Info()
	default:
		ev = l.Log.Debug()
	}
	ev = ev.Str("event", string(e.Type)).Str("batch", e.BatchID)
	if e.Key.ID != "" {
		ev = ev.Str("addon", e.Key.String())
	}
	if e.Action != "" {
		ev = ev.Str("action", e.Action)
	}
	if e.Version != "" {
		ev = ev.Str("version", e.Version)
	}
	if e.Type == EventDownloadProgress {
		ev = ev.Int64("bytes", e.Bytes).Int64("total", e.Total)
	}
	for k, v := range e.Counts {
		ev = ev.Int(k, v)
	}
	ev.Msg(e.Message)
}

// Recorder keeps every event in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
