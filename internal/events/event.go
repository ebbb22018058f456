// Package events carries the live progress stream of a run.
//
// Producers hand events to a Sink. Sinks must be inert: they never fail the
// run and never block it for long. The Bus fans events out to in-process
// subscribers; MQTTSink mirrors them to a broker; LogSink writes them to slog.
package events

import (
	"errors"
	"fmt"
	"time"

	"framelabel/internal/core"
	"framelabel/internal/stats"
)

// Kind is the event discriminator. Values are part of the wire format and
// of MQTT topic names; do not rename.
type Kind string

const (
	KindRunStarted    Kind = "run_started"
	KindItemCompleted Kind = "item_completed"
	KindItemFailed    Kind = "item_failed"
	KindIssueRaised   Kind = "issue_raised"
	KindRunFinished   Kind = "run_finished"
)

func Kinds() []Kind {
	return []Kind{KindRunStarted, KindItemCompleted, KindItemFailed, KindIssueRaised, KindRunFinished}
}

// Event is one progress notification.
//
// item_completed carries ItemID, Detections, ElapsedMS, Stats and the item's
// Issues. item_failed carries ItemID, Attempts, ErrorClass and Reason.
// issue_raised carries a single Issue. run_started and run_finished carry
// Total and Status respectively, plus Stats.
type Event struct {
	Kind  Kind      `json:"kind" msgpack:"kind"`
	RunID string    `json:"run_id" msgpack:"run_id"`
	At    time.Time `json:"at" msgpack:"at"`

	ItemID     string `json:"item_id,omitempty" msgpack:"item_id,omitempty"`
	Detections int    `json:"detections,omitempty" msgpack:"detections,omitempty"`
	ElapsedMS  int64  `json:"elapsed_ms,omitempty" msgpack:"elapsed_ms,omitempty"`
	Attempts   int    `json:"attempts,omitempty" msgpack:"attempts,omitempty"`
	ErrorClass string `json:"error_class,omitempty" msgpack:"error_class,omitempty"`
	Reason     string `json:"reason,omitempty" msgpack:"reason,omitempty"`

	Total  int    `json:"total,omitempty" msgpack:"total,omitempty"`
	Status string `json:"status,omitempty" msgpack:"status,omitempty"`

	Stats  *stats.Snapshot `json:"stats,omitempty" msgpack:"stats,omitempty"`
	Issues []core.Issue    `json:"issues,omitempty" msgpack:"issues,omitempty"`
	Issue  *core.Issue     `json:"issue,omitempty" msgpack:"issue,omitempty"`
}

func (e Event) Validate() error {
	var errs []error
	switch e.Kind {
	case KindRunStarted, KindRunFinished:
	case KindItemCompleted, KindItemFailed:
		if e.ItemID == "" {
			errs = append(errs, fmt.Errorf("item_id is required for %s", e.Kind))
		}
	case KindIssueRaised:
		if e.Issue == nil {
			errs = append(errs, errors.New("issue is required for issue_raised"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid kind %q", e.Kind))
	}
	if e.RunID == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// ItemCompleted builds the per-item progress event.
func ItemCompleted(runID string, res core.AnnotationResult, snap stats.Snapshot) Event {
	return Event{
		Kind:       KindItemCompleted,
		RunID:      runID,
		At:         time.Now().UTC(),
		ItemID:     res.ItemID,
		Detections: len(res.Detections),
		ElapsedMS:  res.Duration.Milliseconds(),
		Attempts:   res.Attempts,
		Stats:      &snap,
		Issues:     res.Issues,
	}
}

// ItemFailed builds the terminal failure event for an item.
func ItemFailed(runID string, res core.AnnotationResult) Event {
	ev := Event{
		Kind:      KindItemFailed,
		RunID:     runID,
		At:        time.Now().UTC(),
		ItemID:    res.ItemID,
		ElapsedMS: res.Duration.Milliseconds(),
		Attempts:  res.Attempts,
	}
	if res.Failure != nil {
		ev.ErrorClass = string(res.Failure.Class())
		ev.Reason = res.Failure.Error()
	}
	return ev
}

func IssueRaised(runID string, is core.Issue) Event {
	return Event{Kind: KindIssueRaised, RunID: runID, At: time.Now().UTC(), ItemID: is.ItemID, Issue: &is}
}
