package gateway

import (
	"context"
	"errors"
	"image"
	"image/png"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"framelabel/internal/backoff"
	"framelabel/internal/core"
)

type scriptedInferencer struct {
	mu        sync.Mutex
	calls     int
	responses []func() (string, error)
	ctxErrs   []error
}

func (s *scriptedInferencer) Infer(ctx context.Context, _ []byte, _ string) (string, error) {
	s.mu.Lock()
	i := s.calls
	s.calls++
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	return s.responses[i]()
}

func (s *scriptedInferencer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func ok(text string) func() (string, error) {
	return func() (string, error) { return text, nil }
}

func fail(err error) func() (string, error) {
	return func() (string, error) { return "", err }
}

func testItem(t *testing.T) core.InputItem {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "frame.png")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := png.Encode(f, image.NewRGBA(image.Rect(0, 0, 200, 100))); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	f.Close()
	item, err := core.NewInputItem(dir, path)
	if err != nil {
		t.Fatalf("NewInputItem: %v", err)
	}
	return item
}

func fastPolicy() backoff.Policy {
	return backoff.Policy{Base: 10 * time.Millisecond, Max: 50 * time.Millisecond, MaxAttempts: 3, MalformedAttempts: 2}
}

const twoDetections = `[{"label": "vehicle", "bbox_2d": [10, 10, 60, 60]}, {"label": "pedestrian", "bbox_2d": [100, 20, 120, 80]}]`

func TestDetect_SucceedsFirstAttempt(t *testing.T) {
	inf := &scriptedInferencer{responses: []func() (string, error){ok(twoDetections)}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(context.Background(), testItem(t))
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Attempts != 1 || inf.Calls() != 1 {
		t.Fatalf("expected one attempt, got %d (calls %d)", res.Attempts, inf.Calls())
	}
	if len(res.Value.Detections) != 2 {
		t.Fatalf("expected 2 detections, got %d", len(res.Value.Detections))
	}
	if res.Value.Frame.Width != 200 || res.Value.Frame.Height != 100 {
		t.Fatalf("unexpected frame size %dx%d", res.Value.Frame.Width, res.Value.Frame.Height)
	}
}

func TestDetect_RateLimitRecovery(t *testing.T) {
	rl := &StatusError{StatusCode: http.StatusTooManyRequests}
	inf := &scriptedInferencer{responses: []func() (string, error){fail(rl), fail(rl), ok(twoDetections)}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(context.Background(), testItem(t))
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Attempts != 3 || inf.Calls() != 3 {
		t.Fatalf("expected 3 attempts, got %d (calls %d)", res.Attempts, inf.Calls())
	}
	// Two backoff waits: 10ms + 20ms.
	if res.Elapsed < 30*time.Millisecond {
		t.Fatalf("elapsed %s does not reflect two backoff delays", res.Elapsed)
	}
}

func TestDetect_RetryAfterHintRaisesDelay(t *testing.T) {
	rl := &StatusError{StatusCode: http.StatusTooManyRequests, RetryAfter: 40 * time.Millisecond}
	inf := &scriptedInferencer{responses: []func() (string, error){fail(rl), ok("[]")}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(context.Background(), testItem(t))
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if res.Elapsed < 40*time.Millisecond {
		t.Fatalf("expected hint to be honoured, elapsed %s", res.Elapsed)
	}
}

func TestDetect_ExhaustsTransientRetries(t *testing.T) {
	inf := &scriptedInferencer{responses: []func() (string, error){fail(&StatusError{StatusCode: 503})}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(context.Background(), testItem(t))
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if inf.Calls() != 3 {
		t.Fatalf("expected 3 calls, got %d", inf.Calls())
	}
	if res.Err.Class() != core.ClassTransientRemote || !res.Err.Exhausted {
		t.Fatalf("unexpected failure %+v", res.Err)
	}
}

func TestDetect_PermanentFailureNotRetried(t *testing.T) {
	for _, err := range []error{
		core.Failf(core.KindInvalidInput, "corrupt"),
		&StatusError{StatusCode: http.StatusUnauthorized},
		&StatusError{StatusCode: http.StatusBadRequest, Body: `{"error":{"code":"1301","message":"sensitive content"}}`},
	} {
		inf := &scriptedInferencer{responses: []func() (string, error){fail(err)}}
		g := New(inf, fastPolicy(), nil, Options{}, nil)
		res := g.Detect(context.Background(), testItem(t))
		if res.OK() {
			t.Fatalf("%v: expected failure", err)
		}
		if inf.Calls() != 1 {
			t.Fatalf("%v: expected exactly one call, got %d", err, inf.Calls())
		}
		if res.Err.Exhausted {
			t.Fatalf("%v: permanent failure should not be marked exhausted", err)
		}
	}
}

func TestDetect_MalformedRetriedOnce(t *testing.T) {
	inf := &scriptedInferencer{responses: []func() (string, error){ok("no json here")}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)
	res := g.Detect(context.Background(), testItem(t))
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if inf.Calls() != 2 {
		t.Fatalf("expected 2 calls, got %d", inf.Calls())
	}
	if res.Err.Class() != core.ClassTransientRemote {
		t.Fatalf("expected exhausted malformed to surface as TransientRemote, got %s", res.Err.Class())
	}
}

func TestDetect_MalformedThenValid(t *testing.T) {
	inf := &scriptedInferencer{responses: []func() (string, error){ok("```json\n[{\"label\": "), ok(twoDetections)}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)
	res := g.Detect(context.Background(), testItem(t))
	if !res.OK() || len(res.Value.Detections) != 2 {
		t.Fatalf("expected recovery on second attempt, got %+v", res)
	}
}

func TestDetect_InvalidImageNeverCallsRemote(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.jpg")
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	item, _ := core.NewInputItem(dir, path)
	inf := &scriptedInferencer{responses: []func() (string, error){ok("[]")}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(context.Background(), item)
	if res.OK() || res.Err.Class() != core.ClassInvalidInput {
		t.Fatalf("expected InvalidInput, got %+v", res.Err)
	}
	if inf.Calls() != 0 {
		t.Fatalf("expected no remote calls, got %d", inf.Calls())
	}
}

func TestDetect_RunBudgetCapsRetries(t *testing.T) {
	inf := &scriptedInferencer{responses: []func() (string, error){fail(&StatusError{StatusCode: 502})}}
	budget := backoff.NewBudget(1)
	g := New(inf, fastPolicy(), budget, Options{}, nil)

	res := g.Detect(context.Background(), testItem(t))
	if res.OK() {
		t.Fatalf("expected failure")
	}
	if inf.Calls() != 2 {
		t.Fatalf("expected budget to allow exactly one retry, got %d calls", inf.Calls())
	}
	if budget.Used() != 1 {
		t.Fatalf("expected budget used 1, got %d", budget.Used())
	}
}

func TestDetect_CancelDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	inf := &scriptedInferencer{responses: []func() (string, error){func() (string, error) {
		cancel()
		return "", &StatusError{StatusCode: 503}
	}}}
	policy := backoff.Policy{Base: time.Hour, Max: time.Hour, MaxAttempts: 3}
	g := New(inf, policy, nil, Options{}, nil)

	res := g.Detect(ctx, testItem(t))
	if res.OK() || res.Err.Kind != core.KindCancelled {
		t.Fatalf("expected cancelled failure, got %+v", res.Err)
	}
	if inf.Calls() != 1 {
		t.Fatalf("expected one call, got %d", inf.Calls())
	}
}

func TestDetect_RemoteCallDetachedFromCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	inf := &scriptedInferencer{responses: []func() (string, error){ok("[]")}}
	g := New(inf, fastPolicy(), nil, Options{}, nil)

	res := g.Detect(ctx, testItem(t))
	if !res.OK() {
		t.Fatalf("unexpected failure: %v", res.Err)
	}
	if inf.ctxErrs[0] != nil {
		t.Fatalf("remote call saw cancelled context: %v", inf.ctxErrs[0])
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind core.FailureKind
	}{
		{&StatusError{StatusCode: 429}, core.KindRateLimited},
		{&StatusError{StatusCode: 500}, core.KindServer},
		{&StatusError{StatusCode: 503}, core.KindServer},
		{&StatusError{StatusCode: 401}, core.KindAuth},
		{&StatusError{StatusCode: 403}, core.KindAuth},
		{&StatusError{StatusCode: 400, Body: "content_filter"}, core.KindContentRejected},
		{&StatusError{StatusCode: 400, Body: "bad image"}, core.KindInvalidInput},
		{&StatusError{StatusCode: 413}, core.KindInvalidInput},
		{&StatusError{StatusCode: 404, Body: "not found"}, core.KindEndpoint},
		{&StatusError{StatusCode: 405}, core.KindEndpoint},
		{&StatusError{StatusCode: 418, Body: "teapot"}, core.KindUnknown},
		{&StatusError{StatusCode: 451, Body: "sensitive content"}, core.KindContentRejected},
		{context.DeadlineExceeded, core.KindNetwork},
		{errors.New("Error code: 429 - rate limit reached"), core.KindRateLimited},
		{errors.New("connection reset by peer"), core.KindNetwork},
	}
	for _, tc := range cases {
		f, _ := Classify(tc.err)
		if f.Kind != tc.kind {
			t.Fatalf("Classify(%v) = %s, want %s", tc.err, f.Kind, tc.kind)
		}
	}
}
