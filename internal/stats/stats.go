// Package stats accumulates per-label counts, timing and recent issues for a
// run and exposes them as point-in-time snapshots.
package stats

import (
	"sync"
	"time"

	"framelabel/internal/core"
	"framelabel/internal/recovery/state"
)

// IssueRingSize bounds the number of retained issues.
const IssueRingSize = 100

// Snapshot is a consistent copy of the aggregate counters. It never aliases
// the Aggregator's internal maps.
type Snapshot struct {
	Labels         map[string]int `json:"labels" msgpack:"labels"`
	Categories     map[string]int `json:"categories" msgpack:"categories"`
	TotalProcessed int            `json:"total_processed" msgpack:"total_processed"`
	TotalFailed    int            `json:"total_failed" msgpack:"total_failed"`
	TotalIssues    int            `json:"total_issues" msgpack:"total_issues"`
}

// Timing summarises processing durations of items recorded in this process.
// Restored checkpoints do not contribute.
type Timing struct {
	Count int           `json:"count"`
	Total time.Duration `json:"total"`
	Min   time.Duration `json:"min"`
	Max   time.Duration `json:"max"`
}

func (t Timing) Mean() time.Duration {
	if t.Count == 0 {
		return 0
	}
	return t.Total / time.Duration(t.Count)
}

// Aggregator is the single owner of run statistics. All methods are safe for
// concurrent use.
type Aggregator struct {
	mu sync.Mutex

	labels     map[string]int
	categories map[string]int
	processed  int
	failed     int
	issues     int
	timing     Timing

	ring []core.Issue
	next int
	full bool
}

func New() *Aggregator {
	return &Aggregator{
		labels:     map[string]int{},
		categories: map[string]int{},
		ring:       make([]core.Issue, IssueRingSize),
	}
}

// Record folds a terminal item result into the aggregate. Failed items count
// toward TotalFailed only; their issues are still retained.
func (a *Aggregator) Record(res core.AnnotationResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch res.Status {
	case core.StatusSucceeded:
		a.processed++
		for _, d := range res.Detections {
			a.labels[d.Label]++
			a.categories[string(d.Category)]++
		}
		a.observe(res.Duration)
	case core.StatusFailedPermanently:
		a.failed++
		a.observe(res.Duration)
	}
	for _, is := range res.Issues {
		a.pushIssue(is)
	}
}

// RecordIssue records a standalone issue.
func (a *Aggregator) RecordIssue(is core.Issue) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushIssue(is)
}

// Restore seeds the aggregate from a checkpoint of a previous run so that a
// resumed run reports the same totals as an uninterrupted one.
func (a *Aggregator) Restore(rec state.CheckpointRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.processed++
	a.issues += rec.Issues
	for k, v := range rec.Labels {
		a.labels[k] += v
	}
	for k, v := range rec.Categories {
		a.categories[k] += v
	}
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Snapshot{
		Labels:         copyCounts(a.labels),
		Categories:     copyCounts(a.categories),
		TotalProcessed: a.processed,
		TotalFailed:    a.failed,
		TotalIssues:    a.issues,
	}
}

func (a *Aggregator) Timing() Timing {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.timing
}

// Issues returns the retained issues, oldest first.
func (a *Aggregator) Issues() []core.Issue {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.full {
		return append([]core.Issue(nil), a.ring[:a.next]...)
	}
	out := make([]core.Issue, 0, len(a.ring))
	out = append(out, a.ring[a.next:]...)
	return append(out, a.ring[:a.next]...)
}

func (a *Aggregator) observe(d time.Duration) {
	t := &a.timing
	if t.Count == 0 || d < t.Min {
		t.Min = d
	}
	if d > t.Max {
		t.Max = d
	}
	t.Count++
	t.Total += d
}

func (a *Aggregator) pushIssue(is core.Issue) {
	a.issues++
	a.ring[a.next] = is
	a.next++
	if a.next == len(a.ring) {
		a.next = 0
		a.full = true
	}
}

func copyCounts(m map[string]int) map[string]int {
	out := make(map[string]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
