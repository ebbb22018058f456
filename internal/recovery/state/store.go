package state

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// Store provides persistent storage for engine state under:
//
//	<baseDir>/checkpoints/<item-id>.json
//	<baseDir>/runs/<run-id>/{run,ledger,failure}.json
//
// All state writes are atomic and durable (file sync + atomic rename + dir sync).
// The checkpoint index is loaded once by Open and kept in memory; Mark is the
// only writer and is serialized by mu.
type Store struct {
	baseDir string

	mu          sync.Mutex
	checkpoints map[string]CheckpointRecord
}

// Open loads every checkpoint under baseDir. A missing directory is an empty
// store.
func Open(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	s := &Store{baseDir: baseDir}
	cps, err := s.loadAllCheckpoints()
	if err != nil {
		return nil, &StorageFailureError{Code: "CheckpointLoad", Message: err.Error(), Cause: err}
	}
	s.checkpoints = cps
	return s, nil
}

func (s *Store) Dir() string { return s.baseDir }

func (s *Store) runsRootDir() string {
	return filepath.Join(s.baseDir, "runs")
}

// ListRunIDs returns all run IDs currently present on disk.
//
// Determinism: the returned slice is sorted lexicographically.
func (s *Store) ListRunIDs() ([]string, error) {
	if s == nil {
		return nil, errors.New("nil Store")
	}
	entries, err := os.ReadDir(s.runsRootDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := strings.TrimSpace(e.Name())
		if name == "" {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) runDir(runID string) string {
	return filepath.Join(s.runsRootDir(), runID)
}

func (s *Store) runPath(runID string) string {
	return filepath.Join(s.runDir(runID), "run.json")
}

func (s *Store) ledgerPath(runID string) string {
	return filepath.Join(s.runDir(runID), "ledger.json")
}

func (s *Store) failurePath(runID string) string {
	return filepath.Join(s.runDir(runID), "failure.json")
}

func (s *Store) checkpointsDir() string {
	return filepath.Join(s.baseDir, "checkpoints")
}

func (s *Store) checkpointPath(itemID string) string {
	return filepath.Join(s.checkpointsDir(), itemID+".json")
}

func (s *Store) loadAllCheckpoints() (map[string]CheckpointRecord, error) {
	entries, err := os.ReadDir(s.checkpointsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]CheckpointRecord{}, nil
		}
		return nil, err
	}
	out := make(map[string]CheckpointRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		itemID := strings.TrimSuffix(name, ".json")
		if strings.TrimSpace(itemID) == "" {
			continue
		}
		var rec CheckpointRecord
		if err := readJSONStrict(s.checkpointPath(itemID), &rec); err != nil {
			return nil, fmt.Errorf("checkpoint %s: %w", itemID, err)
		}
		if err := rec.Validate(); err != nil {
			return nil, fmt.Errorf("invalid checkpoint on disk %s: %w", itemID, err)
		}
		if rec.ItemID != itemID {
			return nil, fmt.Errorf("checkpoint %s: item_id mismatch %q", itemID, rec.ItemID)
		}
		out[itemID] = rec
	}
	return out, nil
}

// Has reports whether itemID is already checkpointed.
func (s *Store) Has(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.checkpoints[itemID]
	return ok
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.checkpoints)
}

// Records returns all checkpoints sorted by item id.
func (s *Store) Records() []CheckpointRecord {
	s.mu.Lock()
	out := make([]CheckpointRecord, 0, len(s.checkpoints))
	for _, rec := range s.checkpoints {
		out = append(out, rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ItemID < out[j].ItemID })
	return out
}

// Mark durably records rec. It returns false without touching disk when the
// item is already checkpointed. The in-memory index is updated only after the
// file is committed.
func (s *Store) Mark(rec CheckpointRecord) (bool, error) {
	if err := rec.Validate(); err != nil {
		return false, fmt.Errorf("invalid checkpoint: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkpoints[rec.ItemID]; ok {
		return false, nil
	}
	if err := ensureDirDurable(s.checkpointsDir(), 0o755); err != nil {
		return false, &StorageFailureError{Code: "CheckpointWrite", Message: "ensure checkpoints dir", Cause: err}
	}
	data, err := jsonMarshalStable(rec)
	if err != nil {
		return false, fmt.Errorf("marshal checkpoint: %w", err)
	}
	if err := writeFileAtomicDurable(s.checkpointPath(rec.ItemID), data, 0o644); err != nil {
		return false, &StorageFailureError{Code: "CheckpointWrite", Message: "write checkpoint " + rec.ItemID, Cause: err}
	}
	s.checkpoints[rec.ItemID] = rec
	return true, nil
}

// Reset removes every checkpoint. Run history is kept.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.RemoveAll(s.checkpointsDir()); err != nil {
		return &StorageFailureError{Code: "CheckpointReset", Message: err.Error(), Cause: err}
	}
	s.checkpoints = map[string]CheckpointRecord{}
	return nil
}

func (s *Store) SaveRun(run Run) error {
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.writeRunFile(run.RunID, s.runPath(run.RunID), run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if strings.TrimSpace(runID) == "" {
		return Run{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.runPath(runID), &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveLedger(ledger Ledger) error {
	if ledger.Entries == nil {
		ledger.Entries = []LedgerEntry{}
	}
	if err := ledger.Validate(); err != nil {
		return fmt.Errorf("invalid ledger: %w", err)
	}
	sorted := append([]LedgerEntry(nil), ledger.Entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })
	ledger.Entries = sorted
	return s.writeRunFile(ledger.RunID, s.ledgerPath(ledger.RunID), ledger)
}

func (s *Store) LoadLedger(runID string) (Ledger, error) {
	var ledger Ledger
	if strings.TrimSpace(runID) == "" {
		return Ledger{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.ledgerPath(runID), &ledger); err != nil {
		return Ledger{}, err
	}
	if err := ledger.Validate(); err != nil {
		return Ledger{}, fmt.Errorf("invalid ledger on disk: %w", err)
	}
	return ledger, nil
}

func (s *Store) SaveFailure(runID string, failure Failure) error {
	if strings.TrimSpace(runID) == "" {
		return errors.New("runID is required")
	}
	if err := failure.Validate(); err != nil {
		return fmt.Errorf("invalid failure: %w", err)
	}
	return s.writeRunFile(runID, s.failurePath(runID), failure)
}

func (s *Store) LoadFailure(runID string) (Failure, error) {
	var failure Failure
	if strings.TrimSpace(runID) == "" {
		return Failure{}, errors.New("runID is required")
	}
	if err := readJSONStrict(s.failurePath(runID), &failure); err != nil {
		return Failure{}, err
	}
	if err := failure.Validate(); err != nil {
		return Failure{}, fmt.Errorf("invalid failure on disk: %w", err)
	}
	return failure, nil
}

func (s *Store) writeRunFile(runID, path string, v any) error {
	if err := ensureDirDurable(s.runDir(runID), 0o755); err != nil {
		return fmt.Errorf("ensure run dir: %w", err)
	}
	data, err := jsonMarshalStable(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := writeFileAtomicDurable(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	return nil
}

// WriteFileAtomic writes data to path with the same durability guarantees as
// the state files. The artifact writer shares it.
func WriteFileAtomic(path string, data []byte) error {
	return writeFileAtomicDurable(path, data, 0o644)
}

func jsonMarshalStable(v any) ([]byte, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

func readJSONStrict(path string, dst any) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure no trailing junk.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("invalid JSON: trailing content")
	}
	return nil
}

func ensureDirDurable(dir string, perm os.FileMode) error {
	if err := os.MkdirAll(dir, perm); err != nil {
		return err
	}
	// Best-effort durability: sync the directory and its parent.
	if err := fsyncDir(dir); err != nil {
		return err
	}
	parent := filepath.Dir(dir)
	if parent != dir {
		if err := fsyncDir(parent); err != nil {
			return err
		}
	}
	return nil
}

func writeFileAtomicDurable(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	// Write all bytes.
	if _, err := io.Copy(tmp, bytes.NewReader(data)); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return fsyncDir(dir)
}

func fsyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
