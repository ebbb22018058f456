package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning     RunStatus = "running"
	RunStatusSucceeded   RunStatus = "succeeded"
	RunStatusPartial     RunStatus = "partial"
	RunStatusInterrupted RunStatus = "interrupted"
	RunStatusFailed      RunStatus = "failed"
)

// RunCounts summarises item outcomes for a run.
type RunCounts struct {
	Total       int `json:"total"`
	Skipped     int `json:"skipped"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
	Interrupted int `json:"interrupted"`
}

// Run is the persistent metadata of one engine run.
type Run struct {
	RunID         string     `json:"run_id"`
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	Status        RunStatus  `json:"status"`
	InputDir      string     `json:"input_dir"`
	OutputDir     string     `json:"output_dir"`
	Workers       int        `json:"workers"`
	Refine        bool       `json:"refine"`
	Counts        RunCounts  `json:"counts"`
	PreviousRunID *string    `json:"previous_run_id"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusSucceeded, RunStatusPartial, RunStatusInterrupted, RunStatusFailed:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.EndTime != nil && r.EndTime.Before(r.StartTime) {
		errs = append(errs, errors.New("end_time must not precede start_time"))
	}
	if r.Workers < 0 {
		errs = append(errs, errors.New("workers must be >= 0"))
	}
	if r.PreviousRunID != nil && strings.TrimSpace(*r.PreviousRunID) == "" {
		errs = append(errs, errors.New("previous_run_id must not be empty when provided"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// CheckpointRecord is durable evidence that an item completed. It is written
// once and never rewritten.
type CheckpointRecord struct {
	ItemID       string         `json:"item_id"`
	CompletedAt  time.Time      `json:"completed_at"`
	Digest       string         `json:"digest"`
	ArtifactPath string         `json:"artifact_path"`
	Detections   int            `json:"detections"`
	Issues       int            `json:"issues"`
	Labels       map[string]int `json:"labels"`
	Categories   map[string]int `json:"categories"`
}

func (c CheckpointRecord) Validate() error {
	var errs []error
	if strings.TrimSpace(c.ItemID) == "" {
		errs = append(errs, errors.New("item_id is required"))
	}
	if strings.ContainsAny(c.ItemID, `/\`) {
		errs = append(errs, fmt.Errorf("item_id %q must not contain path separators", c.ItemID))
	}
	if c.CompletedAt.IsZero() {
		errs = append(errs, errors.New("completed_at is required"))
	}
	if strings.TrimSpace(c.Digest) == "" {
		errs = append(errs, errors.New("digest is required"))
	}
	if c.Detections < 0 || c.Issues < 0 {
		errs = append(errs, errors.New("counts must be >= 0"))
	}
	if c.Labels == nil || c.Categories == nil {
		errs = append(errs, errors.New("labels and categories must be objects (not null)"))
	}
	sum := 0
	for k, v := range c.Labels {
		if strings.TrimSpace(k) == "" || v <= 0 {
			errs = append(errs, fmt.Errorf("invalid label count %q=%d", k, v))
		}
		sum += v
	}
	if sum != c.Detections {
		errs = append(errs, fmt.Errorf("label counts sum to %d, detections is %d", sum, c.Detections))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// ItemState is the terminal state of an item within one run.
type ItemState string

const (
	ItemSucceeded         ItemState = "succeeded"
	ItemFailedPermanently ItemState = "failed_permanently"
	ItemInterrupted       ItemState = "interrupted"
	ItemSkipped           ItemState = "skipped"
)

// LedgerEntry is one item's outcome in a run.
type LedgerEntry struct {
	ItemID     string    `json:"item_id"`
	State      ItemState `json:"state"`
	Detections int       `json:"detections"`
	Attempts   int       `json:"attempts"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	ErrorClass string    `json:"error_class,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Ledger is the per-run outcome ledger. Entries are sorted by item id.
type Ledger struct {
	RunID   string        `json:"run_id"`
	Entries []LedgerEntry `json:"entries"`
}

func (l Ledger) Validate() error {
	var errs []error
	if strings.TrimSpace(l.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if l.Entries == nil {
		errs = append(errs, errors.New("entries must be an array (not null)"))
	}
	seen := make(map[string]bool, len(l.Entries))
	for i, e := range l.Entries {
		if strings.TrimSpace(e.ItemID) == "" {
			errs = append(errs, fmt.Errorf("entries[%d]: item_id is required", i))
			continue
		}
		if seen[e.ItemID] {
			errs = append(errs, fmt.Errorf("entries[%d]: duplicate item_id %q", i, e.ItemID))
		}
		seen[e.ItemID] = true
		switch e.State {
		case ItemSucceeded, ItemSkipped, ItemInterrupted:
		case ItemFailedPermanently:
			if strings.TrimSpace(e.Reason) == "" {
				errs = append(errs, fmt.Errorf("entries[%d]: reason is required for failed items", i))
			}
		default:
			errs = append(errs, fmt.Errorf("entries[%d]: invalid state %q", i, e.State))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassConfig  FailureClass = "config"
	FailureClassStorage FailureClass = "storage"
	FailureClassSystem  FailureClass = "system"
)

// Failure is a recorded run termination reason.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	ItemID       *string      `json:"item_id,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Resumable    bool         `json:"resumable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassConfig, FailureClassStorage, FailureClassSystem:
		// ok
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.ItemID != nil && strings.TrimSpace(*f.ItemID) == "" {
		errs = append(errs, errors.New("item_id must not be empty when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
