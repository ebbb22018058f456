// Package gateway turns the opaque remote inference capability into
// structured detections. It owns prompt construction, tolerant response
// parsing, label canonicalization and the retry loop.
package gateway

import (
	"context"
	"log/slog"
	"time"

	"framelabel/internal/backoff"
	"framelabel/internal/core"
	"framelabel/internal/imageio"
)

// DefaultCallTimeout bounds a single remote call.
const DefaultCallTimeout = 60 * time.Second

// Options configures a Gateway.
type Options struct {
	Prompt        string
	Parse         ParseOptions
	MaxImageBytes int64
	CallTimeout   time.Duration
}

// Detected is the successful output of Detect.
type Detected struct {
	Frame      *imageio.Frame
	Detections []core.Detection
	Issues     []core.Issue
}

// Gateway wraps an Inferencer with parsing and retries.
type Gateway struct {
	inf    Inferencer
	policy backoff.Policy
	budget *backoff.Budget
	opts   Options
	logger *slog.Logger
}

// New builds a Gateway. budget may be nil for an unlimited run budget.
func New(inf Inferencer, policy backoff.Policy, budget *backoff.Budget, opts Options, logger *slog.Logger) *Gateway {
	if opts.Prompt == "" {
		opts.Prompt = DetectionPrompt
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{inf: inf, policy: policy, budget: budget, opts: opts, logger: logger}
}

// Detect loads the item's image, asks the remote model for detections and
// parses them. Transient and malformed failures are retried per the policy;
// only terminal failures are returned.
//
// Cancelling ctx never aborts a remote call already in progress. It does
// abort a pending backoff wait, in which case the failure kind is Cancelled.
func (g *Gateway) Detect(ctx context.Context, item core.InputItem) core.Result[Detected] {
	start := time.Now()

	frame, err := imageio.Load(item.Path, g.opts.MaxImageBytes)
	if err != nil {
		f := core.AsFailure(err)
		g.logger.Error("image rejected", "item", item.ID, "error", f)
		return core.Fail[Detected](f, 0, time.Since(start))
	}

	for attempt := 1; ; attempt++ {
		text, err := g.call(ctx, frame.Bytes, g.opts.Prompt)

		var f *core.Failure
		var hint time.Duration
		if err != nil {
			f, hint = Classify(err)
		} else {
			parsed, pf := ParseResponse(item.ID, text, frame.Width, frame.Height, g.opts.Parse)
			if pf == nil {
				return core.Succeed(Detected{Frame: frame, Detections: parsed.Detections, Issues: parsed.Issues}, attempt, time.Since(start))
			}
			f = pf
		}

		dec := g.policy.NextDelay(attempt, f.Kind)
		if !dec.GiveUp && !g.budget.Take() {
			g.logger.Warn("run retry budget exhausted", "item", item.ID, "used", g.budget.Used())
			dec.GiveUp = true
		}
		if dec.GiveUp {
			f.Attempts = attempt
			f.Exhausted = f.Kind.Retryable()
			g.logger.Error("detect failed", "item", item.ID, "attempts", attempt, "class", f.Class(), "error", f)
			return core.Fail[Detected](f, attempt, time.Since(start))
		}
		dec = g.policy.WithHint(dec, hint)

		g.logger.Warn("detect retry", "item", item.ID, "attempt", attempt, "kind", f.Kind, "delay", dec.Delay, "error", f)
		if err := sleep(ctx, dec.Delay); err != nil {
			cf := &core.Failure{Kind: core.KindCancelled, Message: "cancelled during backoff", Attempts: attempt, Cause: err}
			return core.Fail[Detected](cf, attempt, time.Since(start))
		}
	}
}

// call runs one remote request detached from ctx's cancellation but bounded
// by the call timeout.
func (g *Gateway) call(ctx context.Context, image []byte, prompt string) (string, error) {
	return Call(ctx, g.inf, g.opts.CallTimeout, image, prompt)
}

// Call invokes inf once with cancellation detached from ctx and a fresh
// timeout.
func Call(ctx context.Context, inf Inferencer, timeout time.Duration, image []byte, prompt string) (string, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	return inf.Infer(callCtx, image, prompt)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
