package engine

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"framelabel/internal/core"
	"framelabel/internal/gateway"
	"framelabel/internal/recovery/state"
)

// process runs one item to a terminal result on a worker goroutine. Only
// persistence failures and panics are fatal.
func (s *Scheduler) process(ctx context.Context, item core.InputItem) (out workResult) {
	start := time.Now()
	out.item = item
	defer func() {
		if p := recover(); p != nil {
			s.deps.Logger.Error("worker panic", "item", item.ID, "panic", p, "stack", string(debug.Stack()))
			out.result = core.AnnotationResult{ItemID: item.ID, Duration: time.Since(start)}
			out.fatal = &FatalError{Op: "process", ItemID: item.ID, Err: &state.SystemFailureError{
				Code:    "Panic",
				Message: fmt.Sprint(p),
			}}
		}
	}()

	r := s.deps.Detector.Detect(ctx, item)
	res := core.AnnotationResult{ItemID: item.ID, Attempts: r.Attempts}
	if !r.OK() {
		res.Status = core.StatusFailedPermanently
		res.Failure = r.Err
		res.Duration = time.Since(start)
		out.result = res
		return out
	}

	det := r.Value
	if det.Frame != nil {
		res.Width, res.Height = det.Frame.Width, det.Frame.Height
	}
	res.Detections, res.Issues = s.refine(ctx, item, det)
	res.Status = core.StatusSucceeded
	res.Duration = time.Since(start)
	out.result = res

	if err := s.persist(item, res); err != nil {
		out.fatal = err
	}
	return out
}

// refine runs the sign resolver over coarse sign detections. The frame is
// decoded only when at least one coarse sign is present.
func (s *Scheduler) refine(ctx context.Context, item core.InputItem, det gateway.Detected) ([]core.Detection, []core.Issue) {
	issues := append([]core.Issue(nil), det.Issues...)
	if s.deps.Refiner == nil || !hasCoarseSign(det.Detections) {
		return det.Detections, issues
	}

	out := make([]core.Detection, len(det.Detections))
	copy(out, det.Detections)

	if det.Frame == nil {
		return out, append(issues, coarseFallbacks(item.ID, out, "no frame to crop from")...)
	}
	img, err := det.Frame.Decode()
	if err != nil {
		s.deps.Logger.Warn("frame decode failed, keeping coarse signs", "item", item.ID, "error", err)
		return out, append(issues, coarseFallbacks(item.ID, out, "decode frame: "+err.Error())...)
	}

	for i, d := range out {
		if !d.IsCoarseSign() {
			continue
		}
		refined, is := s.deps.Refiner.Refine(ctx, item.ID, img, d)
		out[i] = refined
		if is != nil {
			issues = append(issues, *is)
		}
	}
	return out, issues
}

func hasCoarseSign(ds []core.Detection) bool {
	for _, d := range ds {
		if d.IsCoarseSign() {
			return true
		}
	}
	return false
}

func coarseFallbacks(itemID string, ds []core.Detection, reason string) []core.Issue {
	var out []core.Issue
	for _, d := range ds {
		if d.IsCoarseSign() {
			out = append(out, core.Warnf(itemID, core.IssueRefineFallback, "sign at [%.0f %.0f %.0f %.0f]: %s",
				d.Box.X1, d.Box.Y1, d.Box.X2, d.Box.Y2, reason))
		}
	}
	return out
}

// persist writes the artifact and then the checkpoint. Either failure aborts
// the run.
func (s *Scheduler) persist(item core.InputItem, res core.AnnotationResult) error {
	path, data, err := s.deps.Artifacts.Write(item, res)
	if err != nil {
		return &FatalError{Op: "write artifact", ItemID: item.ID, Err: &state.StorageFailureError{
			ItemID: item.ID, Code: "ArtifactWrite", Message: err.Error(), Cause: err,
		}}
	}

	rec := state.CheckpointRecord{
		ItemID:       item.ID,
		CompletedAt:  time.Now().UTC(),
		Digest:       core.Digest(data),
		ArtifactPath: path,
		Detections:   len(res.Detections),
		Issues:       len(res.Issues),
		Labels:       map[string]int{},
		Categories:   map[string]int{},
	}
	for _, d := range res.Detections {
		rec.Labels[d.Label]++
		rec.Categories[string(d.Category)]++
	}
	added, err := s.deps.Checkpoints.Mark(rec)
	if err != nil {
		return &FatalError{Op: "write checkpoint", ItemID: item.ID, Err: err}
	}
	if !added {
		s.deps.Logger.Warn("item was already checkpointed", "item", item.ID)
	}
	return nil
}
