package state

import (
	"errors"
	"fmt"
	"path/filepath"
)

// LatestRun returns the most recently started run, or nil when none exist.
// Unreadable run directories are skipped.
func (s *Store) LatestRun() (*Run, error) {
	ids, err := s.ListRunIDs()
	if err != nil {
		return nil, err
	}
	var latest *Run
	for _, id := range ids {
		run, err := s.LoadRun(id)
		if err != nil {
			continue
		}
		if latest == nil || run.StartTime.After(latest.StartTime) {
			r := run
			latest = &r
		}
	}
	return latest, nil
}

// CheckResume reports differences between a previous run and a new one that
// make checkpoint reuse questionable. Checkpoints are keyed by item id only,
// so a changed input or output directory can skip items that were never
// annotated in the new location. The result is advisory.
func CheckResume(prev, next Run) error {
	var errs []error
	if clean(prev.InputDir) != clean(next.InputDir) {
		errs = append(errs, fmt.Errorf("input dir changed: %q -> %q", prev.InputDir, next.InputDir))
	}
	if clean(prev.OutputDir) != clean(next.OutputDir) {
		errs = append(errs, fmt.Errorf("output dir changed: %q -> %q", prev.OutputDir, next.OutputDir))
	}
	if prev.Refine != next.Refine {
		errs = append(errs, fmt.Errorf("sign refinement changed: %v -> %v", prev.Refine, next.Refine))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

func clean(p string) string {
	if p == "" {
		return ""
	}
	return filepath.Clean(p)
}
