package events

import (
	"sort"
	"sync"
)

// Sink is the minimal interface the engine depends on.
//
// Record must be inert:
//   - must not panic (implementations should guard themselves)
//   - must not return errors
//
// The caller must assume Record may be a no-op.
type Sink interface {
	Record(event Event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Record(Event) {}

// SafeRecord records an event and guarantees inertness even if the sink is buggy.
func SafeRecord(s Sink, event Event) {
	if s == nil {
		return
	}
	defer func() {
		_ = recover()
	}()
	s.Record(event)
}

// Fanout delivers each event to every sink in order.
type Fanout []Sink

func (f Fanout) Record(event Event) {
	for _, s := range f {
		SafeRecord(s, event)
	}
}

// Recorder is a concurrency-safe in-memory collector.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Record(event Event) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Snapshot returns a point-in-time copy of all recorded events in arrival
// order.
func (r *Recorder) Snapshot() []Event {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfKind returns recorded events of kind k, in arrival order.
func (r *Recorder) OfKind(k Kind) []Event {
	var out []Event
	for _, e := range r.Snapshot() {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

// Sorted returns the events in an order independent of worker timing:
// run_started first, run_finished last, item events by (item id, kind).
func (r *Recorder) Sorted() []Event {
	out := r.Snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if kindOrder(a.Kind)/100 != kindOrder(b.Kind)/100 {
			return kindOrder(a.Kind) < kindOrder(b.Kind)
		}
		if a.ItemID != b.ItemID {
			return a.ItemID < b.ItemID
		}
		return kindOrder(a.Kind) < kindOrder(b.Kind)
	})
	return out
}

func kindOrder(k Kind) int {
	switch k {
	case KindRunStarted:
		return 0
	case KindIssueRaised:
		return 110
	case KindItemCompleted:
		return 120
	case KindItemFailed:
		return 130
	case KindRunFinished:
		return 200
	default:
		return 1000
	}
}
