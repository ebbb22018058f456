package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"framelabel/internal/artifact"
	"framelabel/internal/backoff"
	"framelabel/internal/core"
	"framelabel/internal/events"
	"framelabel/internal/gateway"
	"framelabel/internal/imageio"
	"framelabel/internal/recovery/state"
	"framelabel/internal/stats"
)

// countingDetector returns two detections per item and records how many
// calls ran concurrently, per item and overall.
type countingDetector struct {
	delay   time.Duration
	failFor map[string]*core.Failure
	frames  map[string]*imageio.Frame
	dets    func(item core.InputItem) []core.Detection

	mu        sync.Mutex
	calls     map[string]int
	active    map[string]int
	maxActive int
	running   int
	overlap   bool
}

func (d *countingDetector) Detect(_ context.Context, item core.InputItem) core.Result[gateway.Detected] {
	d.mu.Lock()
	if d.calls == nil {
		d.calls, d.active = map[string]int{}, map[string]int{}
	}
	d.calls[item.ID]++
	d.active[item.ID]++
	if d.active[item.ID] > 1 {
		d.overlap = true
	}
	d.running++
	if d.running > d.maxActive {
		d.maxActive = d.running
	}
	d.mu.Unlock()

	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	runtime.Gosched()

	d.mu.Lock()
	d.active[item.ID]--
	d.running--
	d.mu.Unlock()

	if f, ok := d.failFor[item.ID]; ok {
		return core.Fail[gateway.Detected](&core.Failure{Kind: f.Kind, Message: f.Message}, 1, 0)
	}
	var dets []core.Detection
	if d.dets != nil {
		dets = d.dets(item)
	} else {
		dets = []core.Detection{
			{Label: "vehicle", Category: core.CategoryVehicle, Box: core.BBox{X1: 1, Y1: 1, X2: 20, Y2: 20}},
			{Label: "pedestrian", Category: core.CategoryPedestrian, Box: core.BBox{X1: 30, Y1: 5, X2: 40, Y2: 50}},
		}
	}
	frame := d.frames[item.ID]
	if frame == nil {
		frame = &imageio.Frame{Path: item.Path, Width: 200, Height: 100}
	}
	return core.Succeed(gateway.Detected{Frame: frame, Detections: dets}, 1, 0)
}

func (d *countingDetector) Calls(id string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[id]
}

func (d *countingDetector) TotalCalls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		n += c
	}
	return n
}

type harness struct {
	dir       string
	store     *state.Store
	stats     *stats.Aggregator
	events    *events.Recorder
	artifacts artifact.Writer
}

func newHarness(t *testing.T, dir string) *harness {
	t.Helper()
	store, err := state.Open(filepath.Join(dir, "state"))
	if err != nil {
		t.Fatalf("state.Open: %v", err)
	}
	return &harness{
		dir:       dir,
		store:     store,
		stats:     stats.New(),
		events:    events.NewRecorder(),
		artifacts: artifact.Writer{Dir: filepath.Join(dir, "out")},
	}
}

func (h *harness) scheduler(t *testing.T, det Detector, workers int) *Scheduler {
	t.Helper()
	s, err := New(Deps{
		Detector:    det,
		Checkpoints: h.store,
		Artifacts:   h.artifacts,
		Stats:       h.stats,
		Events:      h.events,
	}, Options{Workers: workers, RunID: "run-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func items(n int) []core.InputItem {
	out := make([]core.InputItem, n)
	for i := range out {
		id := fmt.Sprintf("frame_%04d", i)
		out[i] = core.InputItem{ID: id, Path: id + ".jpg"}
	}
	return out
}

func writePNG(t *testing.T, path string, w, h int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer f.Close()
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, w, h))); err != nil {
		t.Fatalf("Encode: %v", err)
	}
}

func TestRun_CleanRun(t *testing.T) {
	h := newHarness(t, t.TempDir())
	det := &countingDetector{}
	res, err := h.scheduler(t, det, 5).Run(context.Background(), items(10))
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.Counts.Succeeded != 10 || res.Counts.Total != 10 || res.Status() != state.RunStatusSucceeded {
		t.Fatalf("unexpected counts: %+v", res.Counts)
	}
	snap := h.stats.Snapshot()
	total := 0
	for _, n := range snap.Labels {
		total += n
	}
	if total != 20 || snap.TotalProcessed != 10 || snap.TotalIssues != 0 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if h.store.Len() != 10 {
		t.Fatalf("expected 10 checkpoints, got %d", h.store.Len())
	}
	if len(h.events.OfKind(events.KindItemCompleted)) != 10 || len(h.events.OfKind(events.KindIssueRaised)) != 0 {
		t.Fatalf("unexpected events: %+v", h.events.Snapshot())
	}
	sorted := h.events.Sorted()
	if sorted[0].Kind != events.KindRunStarted || sorted[len(sorted)-1].Kind != events.KindRunFinished {
		t.Fatalf("expected run_started/run_finished bracketing")
	}
	for id, st := range res.States {
		if st != ItemSucceeded {
			t.Fatalf("item %s ended %s", id, st)
		}
	}
	if problems := h.store.Verify(); len(problems) != 0 {
		t.Fatalf("checkpoint digests do not match artifacts: %v", problems)
	}
}

func TestRun_AtMostOneExecutionPerItem(t *testing.T) {
	h := newHarness(t, t.TempDir())
	det := &countingDetector{delay: time.Millisecond}
	in := items(30)
	in = append(in, in[3], in[7])

	res, err := h.scheduler(t, det, 4).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if det.overlap {
		t.Fatalf("an item ran on two workers concurrently")
	}
	if det.maxActive > 4 {
		t.Fatalf("pool exceeded 4 workers: %d", det.maxActive)
	}
	for _, it := range items(30) {
		if c := det.Calls(it.ID); c != 1 {
			t.Fatalf("item %s detected %d times", it.ID, c)
		}
	}
	if res.Counts.Total != 30 || res.Counts.Succeeded != 30 {
		t.Fatalf("unexpected counts: %+v", res.Counts)
	}
	if n := len(h.events.OfKind(events.KindIssueRaised)); n != 2 {
		t.Fatalf("expected 2 duplicate_item issues, got %d", n)
	}
}

func TestRun_IdempotentResume(t *testing.T) {
	dir := t.TempDir()
	first := newHarness(t, dir)
	if _, err := first.scheduler(t, &countingDetector{}, 3).Run(context.Background(), items(10)); err != nil {
		t.Fatalf("first Run: %v", err)
	}

	second := newHarness(t, dir)
	det := &countingDetector{}
	res, err := second.scheduler(t, det, 3).Run(context.Background(), items(10))
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if det.TotalCalls() != 0 {
		t.Fatalf("expected zero items processed on rerun, got %d", det.TotalCalls())
	}
	if res.Counts.Skipped != 10 || res.Status() != state.RunStatusSucceeded {
		t.Fatalf("unexpected counts: %+v", res.Counts)
	}

	a, _ := json.Marshal(first.stats.Snapshot())
	b, _ := json.Marshal(second.stats.Snapshot())
	if string(a) != string(b) {
		t.Fatalf("stats differ after resume:\n%s\n%s", a, b)
	}
}

type flakyInferencer struct {
	mu       sync.Mutex
	calls    int
	failures int
	err      error
	called   chan struct{}
}

func (f *flakyInferencer) Infer(context.Context, []byte, string) (string, error) {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.called != nil {
		select {
		case f.called <- struct{}{}:
		default:
		}
	}
	if n <= f.failures {
		return "", f.err
	}
	return `[{"label": "car", "bbox_2d": [10, 10, 60, 60]}, {"label": "person", "bbox_2d": [100, 20, 120, 80]}]`, nil
}

func TestRun_RateLimitRecovery(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	path := filepath.Join(dir, "A.png")
	writePNG(t, path, 200, 100)
	item, err := core.NewInputItem(dir, path)
	if err != nil {
		t.Fatal(err)
	}

	inf := &flakyInferencer{failures: 2, err: &gateway.StatusError{StatusCode: 429, Body: "rate limited"}}
	policy := backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3, MalformedAttempts: 2}
	gw := gateway.New(inf, policy, nil, gateway.Options{}, nil)

	res, err := h.scheduler(t, gw, 2).Run(context.Background(), []core.InputItem{item})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.States["A"] != ItemSucceeded {
		t.Fatalf("expected A succeeded, got %s", res.States["A"])
	}
	entry := res.Ledger().Entries[0]
	if entry.Attempts != 3 || entry.ElapsedMS < 30 {
		t.Fatalf("expected 3 attempts and two backoff delays, got %+v", entry)
	}
	if h.store.Len() != 1 {
		t.Fatalf("expected exactly one checkpoint, got %d", h.store.Len())
	}
	if snap := h.stats.Snapshot(); snap.Labels["vehicle"] != 1 || snap.Labels["pedestrian"] != 1 {
		t.Fatalf("unexpected labels: %+v", snap.Labels)
	}
}

func TestRun_PermanentFailure(t *testing.T) {
	h := newHarness(t, t.TempDir())
	in := items(3)
	bad := in[1].ID
	det := &countingDetector{failFor: map[string]*core.Failure{bad: core.Failf(core.KindInvalidInput, "corrupt image")}}

	res, err := h.scheduler(t, det, 2).Run(context.Background(), in)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.States[bad] != ItemFailedPermanently || det.Calls(bad) != 1 {
		t.Fatalf("expected single attempt and permanent failure, got %s after %d calls", res.States[bad], det.Calls(bad))
	}
	if h.store.Has(bad) || h.store.Len() != 2 {
		t.Fatalf("failed item must not be checkpointed")
	}
	issues := h.events.OfKind(events.KindIssueRaised)
	if len(issues) != 1 || issues[0].Issue.Severity != core.SeverityError || issues[0].ItemID != bad {
		t.Fatalf("expected one error issue for %s, got %+v", bad, issues)
	}
	failed := res.Failed()
	if len(failed) != 1 || failed[0].ErrorClass != string(core.ClassInvalidInput) {
		t.Fatalf("unexpected failed ledger: %+v", failed)
	}
	if res.Status() != state.RunStatusPartial {
		t.Fatalf("expected partial status, got %s", res.Status())
	}
	if snap := h.stats.Snapshot(); snap.TotalProcessed != 2 || snap.TotalFailed != 1 {
		t.Fatalf("failed item must be excluded from success stats: %+v", snap)
	}
}

type blockingDetector struct {
	countingDetector
	started chan string
	release chan struct{}
}

func (b *blockingDetector) Detect(ctx context.Context, item core.InputItem) core.Result[gateway.Detected] {
	b.started <- item.ID
	<-b.release
	return b.countingDetector.Detect(ctx, item)
}

func TestRun_CancellationKeepsInFlightResultAndInterruptsRest(t *testing.T) {
	h := newHarness(t, t.TempDir())
	det := &blockingDetector{started: make(chan string, 1), release: make(chan struct{})}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type runOut struct {
		res *RunResult
		err error
	}
	done := make(chan runOut, 1)
	go func() {
		res, err := h.scheduler(t, det, 1).Run(ctx, items(5))
		done <- runOut{res, err}
	}()

	first := <-det.started
	cancel()
	close(det.release)
	out := <-done

	if !errors.Is(out.err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", out.err)
	}
	if out.res.States[first] != ItemSucceeded || !h.store.Has(first) {
		t.Fatalf("in-flight item should complete and be checkpointed")
	}
	if out.res.Counts.Interrupted != 4 || h.store.Len() != 1 {
		t.Fatalf("unexpected counts: %+v, checkpoints=%d", out.res.Counts, h.store.Len())
	}
	if out.res.Status() != state.RunStatusInterrupted {
		t.Fatalf("expected interrupted status, got %s", out.res.Status())
	}
}

func TestRun_CancellationDuringBackoffIsInterrupted(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	path := filepath.Join(dir, "A.png")
	writePNG(t, path, 50, 50)
	item, _ := core.NewInputItem(dir, path)

	inf := &flakyInferencer{failures: 100, err: &gateway.StatusError{StatusCode: 503}, called: make(chan struct{}, 1)}
	policy := backoff.Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 3, MalformedAttempts: 2}
	gw := gateway.New(inf, policy, nil, gateway.Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-inf.called
		cancel()
	}()
	res, err := h.scheduler(t, gw, 1).Run(ctx, []core.InputItem{item})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res.States["A"] != ItemInterrupted || h.store.Has("A") {
		t.Fatalf("expected A interrupted and not checkpointed, got %s", res.States["A"])
	}
	if len(h.events.OfKind(events.KindItemFailed)) != 0 {
		t.Fatalf("cancelled item must not be reported as failed")
	}
}

type failingCheckpoints struct {
	*state.Store
	failOn string
}

func (f failingCheckpoints) Mark(rec state.CheckpointRecord) (bool, error) {
	if rec.ItemID == f.failOn {
		return false, &state.StorageFailureError{ItemID: rec.ItemID, Code: "CheckpointWrite", Message: "disk full"}
	}
	return f.Store.Mark(rec)
}

func TestRun_CheckpointWriteFailureIsFatal(t *testing.T) {
	h := newHarness(t, t.TempDir())
	in := items(5)
	s, err := New(Deps{
		Detector:    &countingDetector{},
		Checkpoints: failingCheckpoints{Store: h.store, failOn: in[2].ID},
		Artifacts:   h.artifacts,
		Stats:       h.stats,
		Events:      h.events,
	}, Options{Workers: 1, RunID: "run-test"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := s.Run(context.Background(), in)
	var fe *FatalError
	if !errors.As(err, &fe) || fe.ItemID != in[2].ID {
		t.Fatalf("expected FatalError for %s, got %v", in[2].ID, err)
	}
	var sf *state.StorageFailureError
	if !errors.As(err, &sf) {
		t.Fatalf("expected storage failure cause, got %v", err)
	}
	if h.store.Len() != 2 || h.store.Has(in[2].ID) {
		t.Fatalf("expected only items before the failure checkpointed, got %d", h.store.Len())
	}
	if res.States[in[2].ID] != ItemInterrupted || res.States[in[4].ID] != ItemInterrupted {
		t.Fatalf("unexpected states: %+v", res.States)
	}
	if res.Counts.Succeeded != 2 || res.Counts.Interrupted != 3 {
		t.Fatalf("unexpected counts: %+v", res.Counts)
	}
}

type labelRefiner struct {
	mu    sync.Mutex
	calls int
	issue bool
}

func (r *labelRefiner) Refine(_ context.Context, itemID string, img image.Image, d core.Detection) (core.Detection, *core.Issue) {
	r.mu.Lock()
	r.calls++
	r.mu.Unlock()
	if img == nil {
		panic("refine called without image")
	}
	if r.issue {
		is := core.Warnf(itemID, core.IssueRefineFallback, "timeout")
		return d, &is
	}
	d.RefinedFrom = d.Label
	d.Label = "speed_limit_60"
	return d, nil
}

func signDetections(core.InputItem) []core.Detection {
	return []core.Detection{
		{Label: "vehicle", Category: core.CategoryVehicle, Box: core.BBox{X1: 1, Y1: 1, X2: 20, Y2: 20}},
		{Label: core.CoarseSignLabel, Category: core.CategoryTrafficSign, Box: core.BBox{X1: 30, Y1: 5, X2: 60, Y2: 40}},
	}
}

func TestRun_RefinesCoarseSigns(t *testing.T) {
	dir := t.TempDir()
	h := newHarness(t, dir)
	path := filepath.Join(dir, "S.png")
	writePNG(t, path, 100, 100)
	frame, err := imageio.Load(path, 0)
	if err != nil {
		t.Fatal(err)
	}
	item := core.InputItem{ID: "S", Path: path}

	ref := &labelRefiner{}
	s, err := New(Deps{
		Detector:    &countingDetector{dets: signDetections, frames: map[string]*imageio.Frame{"S": frame}},
		Refiner:     ref,
		Checkpoints: h.store,
		Artifacts:   h.artifacts,
		Stats:       h.stats,
	}, Options{Workers: 1, RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), []core.InputItem{item}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ref.calls != 1 {
		t.Fatalf("expected one refine call, got %d", ref.calls)
	}
	doc, err := artifact.Read(h.artifacts.Path("S"))
	if err != nil {
		t.Fatal(err)
	}
	if doc.Shapes[1].Label != "speed_limit_60" || doc.Shapes[1].Flags["category"] != "traffic_sign" {
		t.Fatalf("unexpected refined shape: %+v", doc.Shapes[1])
	}
	if doc.ImageWidth != 100 || doc.ImageHeight != 100 {
		t.Fatalf("unexpected dimensions %dx%d", doc.ImageWidth, doc.ImageHeight)
	}
	if h.stats.Snapshot().Labels["speed_limit_60"] != 1 {
		t.Fatalf("stats should count the refined label")
	}
}

func TestRun_UndecodableFrameFallsBackWithoutRefining(t *testing.T) {
	h := newHarness(t, t.TempDir())
	ref := &labelRefiner{}
	bogus := &imageio.Frame{Path: "x.png", Bytes: []byte("not an image"), Width: 100, Height: 100}
	s, err := New(Deps{
		Detector:    &countingDetector{dets: signDetections, frames: map[string]*imageio.Frame{"X": bogus}},
		Refiner:     ref,
		Checkpoints: h.store,
		Artifacts:   h.artifacts,
		Stats:       h.stats,
		Events:      h.events,
	}, Options{Workers: 1, RunID: "r"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Run(context.Background(), []core.InputItem{{ID: "X", Path: "x.png"}}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if ref.calls != 0 {
		t.Fatalf("refiner must not run without a decoded frame")
	}
	issues := h.events.OfKind(events.KindIssueRaised)
	if len(issues) != 1 || issues[0].Issue.Kind != core.IssueRefineFallback {
		t.Fatalf("expected one refine_fallback issue, got %+v", issues)
	}
	if h.stats.Snapshot().Labels[core.CoarseSignLabel] != 1 {
		t.Fatalf("coarse label should be kept")
	}
}

func TestRun_EmptyInput(t *testing.T) {
	h := newHarness(t, t.TempDir())
	res, err := h.scheduler(t, &countingDetector{}, 5).Run(context.Background(), nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Counts.Total != 0 || res.Status() != state.RunStatusSucceeded {
		t.Fatalf("unexpected result: %+v", res.Counts)
	}
	if err := h.store.SaveLedger(res.Ledger()); err != nil {
		t.Fatalf("SaveLedger: %v", err)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Deps{}, Options{}); err == nil {
		t.Fatalf("expected error")
	}
	h := newHarness(t, t.TempDir())
	if _, err := New(Deps{Detector: &countingDetector{}, Checkpoints: h.store, Artifacts: h.artifacts}, Options{Workers: -1}); err == nil {
		t.Fatalf("expected error for negative workers")
	}
}
