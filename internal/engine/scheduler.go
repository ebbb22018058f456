package engine

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"
	"sync"
	"time"

	"framelabel/internal/core"
	"framelabel/internal/events"
	"framelabel/internal/gateway"
	"framelabel/internal/recovery/state"
	"framelabel/internal/stats"
)

// DefaultWorkers is the pool size when none is configured.
const DefaultWorkers = 5

// Detector produces detections for one item. *gateway.Gateway implements it.
type Detector interface {
	Detect(ctx context.Context, item core.InputItem) core.Result[gateway.Detected]
}

// Refiner narrows coarse sign detections. *signs.Resolver implements it.
type Refiner interface {
	Refine(ctx context.Context, itemID string, img image.Image, d core.Detection) (core.Detection, *core.Issue)
}

// Checkpoints is the durable completion record. *state.Store implements it.
type Checkpoints interface {
	Has(itemID string) bool
	Mark(rec state.CheckpointRecord) (bool, error)
	Records() []state.CheckpointRecord
}

// Artifacts persists a successful result. artifact.Writer implements it.
type Artifacts interface {
	Write(item core.InputItem, res core.AnnotationResult) (string, []byte, error)
}

// Deps are the collaborators of a Scheduler. Refiner, Stats, Events and
// Logger are optional.
type Deps struct {
	Detector    Detector
	Refiner     Refiner
	Checkpoints Checkpoints
	Artifacts   Artifacts
	Stats       *stats.Aggregator
	Events      events.Sink
	Logger      *slog.Logger
}

type Options struct {
	Workers int
	RunID   string
}

// Scheduler runs items through the worker pool.
type Scheduler struct {
	deps Deps
	opts Options

	mu    sync.Mutex
	state RunState
}

func New(deps Deps, opts Options) (*Scheduler, error) {
	if deps.Detector == nil {
		return nil, errors.New("nil detector")
	}
	if deps.Checkpoints == nil {
		return nil, errors.New("nil checkpoint store")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("nil artifact writer")
	}
	if opts.Workers < 0 {
		return nil, fmt.Errorf("workers must be >= 0, got %d", opts.Workers)
	}
	if opts.Workers == 0 {
		opts.Workers = DefaultWorkers
	}
	if deps.Stats == nil {
		deps.Stats = stats.New()
	}
	if deps.Events == nil {
		deps.Events = events.NopSink{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Scheduler{deps: deps, opts: opts, state: RunState{}}, nil
}

// Stats exposes the live aggregate for polling.
func (s *Scheduler) Stats() *stats.Aggregator { return s.deps.Stats }

// StateSnapshot returns a copy of the current run state.
func (s *Scheduler) StateSnapshot() RunState {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(RunState, len(s.state))
	for k, v := range s.state {
		cp[k] = v
	}
	return cp
}

type workItem struct {
	item core.InputItem
}

type workResult struct {
	item   core.InputItem
	result core.AnnotationResult
	fatal  error
}

// Run processes items until each is terminal, ctx is cancelled, or a fatal
// error occurs. Items already checkpointed are skipped. Cancellation stops
// dispatch and aborts backoff waits; in-flight remote calls still complete
// and their results are kept.
//
// The returned RunResult is always non-nil. The error is a *FatalError for
// storage failures or wraps ErrCancelled when ctx was cancelled.
func (s *Scheduler) Run(ctx context.Context, items []core.InputItem) (*RunResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	log := s.deps.Logger.With("run_id", s.opts.RunID)
	out := newRunResult(s.opts.RunID)

	unique := s.admit(items, out)
	pending := s.seed(unique, out)

	s.emit(events.Event{Kind: events.KindRunStarted, RunID: s.opts.RunID, At: time.Now().UTC(), Total: len(pending)})
	log.Info("run dispatching", "items", len(unique), "pending", len(pending), "skipped", len(unique)-len(pending), "workers", s.opts.Workers)

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	workers := s.opts.Workers
	if workers > len(pending) && len(pending) > 0 {
		workers = len(pending)
	}
	workCh := make(chan workItem, workers)
	doneCh := make(chan workResult, workers)

	var wg sync.WaitGroup
	var stopOnce sync.Once
	stopWorkers := func() {
		stopOnce.Do(func() {
			close(workCh)
			wg.Wait()
		})
	}
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for w := range workCh {
				doneCh <- s.process(runCtx, w.item)
			}
		}()
	}

	var fatal error
	cancelled := false
	ctxDone := ctx.Done()
	inFlight := 0
	next := 0

	for {
		s.mu.Lock()
		for !cancelled && fatal == nil && ctx.Err() == nil && inFlight < workers && next < len(pending) {
			item := pending[next]
			next++
			if err := Transition(s.state, item.ID, ItemPending, ItemInFlight); err != nil {
				s.mu.Unlock()
				cancelRun()
				stopWorkers()
				return out.finish(s.StateSnapshot()), err
			}
			inFlight++
			workCh <- workItem{item: item}
		}
		done := inFlight == 0 && (next >= len(pending) || cancelled || fatal != nil || ctx.Err() != nil)
		s.mu.Unlock()
		if done {
			break
		}

		select {
		case <-ctxDone:
			cancelled = true
			ctxDone = nil
			log.Warn("run cancelled, draining in-flight items", "in_flight", inFlight)
		case r := <-doneCh:
			inFlight--
			if err := s.complete(r, out); err != nil {
				cancelRun()
				stopWorkers()
				return out.finish(s.StateSnapshot()), err
			}
			if r.fatal != nil && fatal == nil {
				fatal = r.fatal
				cancelRun()
				log.Error("run aborting", "item", r.item.ID, "error", r.fatal)
			}
		}
	}
	stopWorkers()
	if ctx.Err() != nil && next < len(pending) {
		cancelled = true
	}

	reason := "cancelled"
	if fatal != nil {
		reason = "run aborted: " + fatal.Error()
	}
	s.mu.Lock()
	for _, item := range pending[next:] {
		if err := Transition(s.state, item.ID, ItemPending, ItemInterrupted); err != nil {
			s.mu.Unlock()
			return out.finish(s.StateSnapshot()), err
		}
		out.add(state.LedgerEntry{ItemID: item.ID, State: state.ItemInterrupted, Reason: reason})
	}
	s.mu.Unlock()

	res := out.finish(s.StateSnapshot())
	snap := s.deps.Stats.Snapshot()
	s.emit(events.Event{Kind: events.KindRunFinished, RunID: s.opts.RunID, At: time.Now().UTC(), Status: string(res.Status()), Stats: &snap})

	switch {
	case fatal != nil:
		return res, fatal
	case cancelled:
		return res, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	default:
		return res, nil
	}
}

// admit registers items as Pending, dropping repeated ids so that no item is
// ever dispatched twice in one run.
func (s *Scheduler) admit(items []core.InputItem, out *RunResult) []core.InputItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = make(RunState, len(items))
	unique := make([]core.InputItem, 0, len(items))
	for _, item := range items {
		if _, dup := s.state[item.ID]; dup {
			is := core.Warnf(item.ID, core.IssueDuplicateItem, "duplicate item id for %s ignored", item.Path)
			is.At = time.Now().UTC()
			s.deps.Stats.RecordIssue(is)
			s.emit(events.IssueRaised(s.opts.RunID, is))
			continue
		}
		s.state[item.ID] = ItemPending
		unique = append(unique, item)
	}
	out.Counts.Total = len(unique)
	return unique
}

// seed marks checkpointed items Skipped, restores their statistics and
// returns the items still to process, in input order.
func (s *Scheduler) seed(items []core.InputItem, out *RunResult) []core.InputItem {
	inRun := make(map[string]bool, len(items))
	for _, item := range items {
		inRun[item.ID] = true
	}
	for _, rec := range s.deps.Checkpoints.Records() {
		if inRun[rec.ItemID] {
			s.deps.Stats.Restore(rec)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	pending := make([]core.InputItem, 0, len(items))
	for _, item := range items {
		if !s.deps.Checkpoints.Has(item.ID) {
			pending = append(pending, item)
			continue
		}
		_ = Transition(s.state, item.ID, ItemPending, ItemSkipped)
		out.add(state.LedgerEntry{ItemID: item.ID, State: state.ItemSkipped})
	}
	return pending
}

// complete applies a worker result on the coordinator goroutine.
func (s *Scheduler) complete(r workResult, out *RunResult) error {
	res := r.result
	entry := state.LedgerEntry{
		ItemID:     res.ItemID,
		Detections: len(res.Detections),
		Attempts:   res.Attempts,
		ElapsedMS:  res.Duration.Milliseconds(),
	}

	var to ItemState
	switch {
	case r.fatal != nil:
		to, entry.State, entry.Reason = ItemInterrupted, state.ItemInterrupted, r.fatal.Error()
		entry.Detections = 0
	case res.Status == core.StatusSucceeded:
		to, entry.State = ItemSucceeded, state.ItemSucceeded
	case res.Failure != nil && res.Failure.Kind == core.KindCancelled:
		to, entry.State, entry.Reason = ItemInterrupted, state.ItemInterrupted, res.Failure.Error()
	default:
		to, entry.State = ItemFailedPermanently, state.ItemFailedPermanently
		entry.ErrorClass = string(res.Failure.Class())
		entry.Reason = res.Failure.Error()
	}

	s.mu.Lock()
	err := Transition(s.state, res.ItemID, ItemInFlight, to)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	out.add(entry)

	switch to {
	case ItemSucceeded:
		s.deps.Stats.Record(res)
		for _, is := range res.Issues {
			s.emit(events.IssueRaised(s.opts.RunID, is))
		}
		s.emit(events.ItemCompleted(s.opts.RunID, res, s.deps.Stats.Snapshot()))
	case ItemFailedPermanently:
		is := core.Errorf(res.ItemID, core.IssueItemFailed, "%s", entry.Reason)
		is.At = time.Now().UTC()
		res.Issues = append(res.Issues, is)
		s.deps.Stats.Record(res)
		s.emit(events.IssueRaised(s.opts.RunID, is))
		s.emit(events.ItemFailed(s.opts.RunID, res))
	}
	return nil
}

func (s *Scheduler) emit(ev events.Event) {
	events.SafeRecord(s.deps.Events, ev)
}

// RunResult is the per-run outcome ledger.
type RunResult struct {
	RunID  string
	States RunState
	Counts state.RunCounts

	entries map[string]state.LedgerEntry
}

func newRunResult(runID string) *RunResult {
	return &RunResult{RunID: runID, entries: map[string]state.LedgerEntry{}}
}

func (r *RunResult) add(e state.LedgerEntry) {
	r.entries[e.ItemID] = e
}

func (r *RunResult) finish(states RunState) *RunResult {
	r.States = states
	total := r.Counts.Total
	r.Counts = state.RunCounts{Total: total}
	for _, e := range r.entries {
		switch e.State {
		case state.ItemSkipped:
			r.Counts.Skipped++
		case state.ItemSucceeded:
			r.Counts.Succeeded++
		case state.ItemFailedPermanently:
			r.Counts.Failed++
		case state.ItemInterrupted:
			r.Counts.Interrupted++
		}
	}
	return r
}

// Ledger returns the entries sorted by item id.
func (r *RunResult) Ledger() state.Ledger {
	entries := make([]state.LedgerEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ItemID < entries[j].ItemID })
	return state.Ledger{RunID: r.RunID, Entries: entries}
}

// Failed returns the permanently failed entries sorted by item id.
func (r *RunResult) Failed() []state.LedgerEntry {
	var out []state.LedgerEntry
	for _, e := range r.Ledger().Entries {
		if e.State == state.ItemFailedPermanently {
			out = append(out, e)
		}
	}
	return out
}

// Status summarises the run: succeeded when every item succeeded or was
// skipped, partial when some failed, interrupted when some never finished.
func (r *RunResult) Status() state.RunStatus {
	switch {
	case r.Counts.Interrupted > 0:
		return state.RunStatusInterrupted
	case r.Counts.Failed > 0:
		return state.RunStatusPartial
	default:
		return state.RunStatusSucceeded
	}
}
