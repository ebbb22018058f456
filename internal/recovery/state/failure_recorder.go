package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FailureRecorder writes run.json and failure.json artifacts for runs.
//
// Callers provide Run metadata and the triggering error. The recorder
// classifies the error into the failure taxonomy and persists it through
// Store (atomic + durable).
type FailureRecorder struct {
	Store *Store
}

func (r *FailureRecorder) NewRunID() string {
	return uuid.NewString()
}

func (r *FailureRecorder) StartRun(run Run) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	if run.RunID == "" {
		run.RunID = r.NewRunID()
	}
	if run.StartTime.IsZero() {
		run.StartTime = time.Now().UTC()
	}
	run.Status = RunStatusRunning
	if run.PreviousRunID == nil {
		if prev, err := r.Store.LatestRun(); err == nil && prev != nil && prev.RunID != run.RunID {
			id := prev.RunID
			run.PreviousRunID = &id
		}
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run: %w", err)
	}
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// FinishRun stamps the end time and final status.
func (r *FailureRecorder) FinishRun(run Run, status RunStatus, counts RunCounts) (Run, error) {
	if r == nil || r.Store == nil {
		return Run{}, errors.New("Store is required")
	}
	end := time.Now().UTC()
	if end.Before(run.StartTime) {
		end = run.StartTime
	}
	run.EndTime = &end
	run.Status = status
	run.Counts = counts
	if err := r.Store.SaveRun(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (r *FailureRecorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	return r.Store.SaveFailure(runID, f)
}
