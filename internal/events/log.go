package events

import (
	"context"
	"log/slog"

	"framelabel/internal/core"
)

// LogSink writes events to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Record(ev Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch ev.Kind {
	case KindItemCompleted:
		logger.Info("item completed",
			"run_id", ev.RunID,
			"item", ev.ItemID,
			"detections", ev.Detections,
			"elapsed_ms", ev.ElapsedMS,
			"issues", len(ev.Issues))
	case KindItemFailed:
		logger.Error("item failed",
			"run_id", ev.RunID,
			"item", ev.ItemID,
			"class", ev.ErrorClass,
			"attempts", ev.Attempts,
			"reason", ev.Reason)
	case KindIssueRaised:
		if ev.Issue == nil {
			return
		}
		level := slog.LevelDebug
		if ev.Issue.Severity == core.SeverityError {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "issue raised",
			"item", ev.Issue.ItemID,
			"kind", ev.Issue.Kind,
			"severity", ev.Issue.Severity,
			"description", ev.Issue.Description)
	case KindRunStarted:
		logger.Info("run started", "run_id", ev.RunID, "pending", ev.Total)
	case KindRunFinished:
		args := []any{"run_id", ev.RunID, "status", ev.Status}
		if ev.Stats != nil {
			args = append(args,
				"processed", ev.Stats.TotalProcessed,
				"failed", ev.Stats.TotalFailed,
				"issues", ev.Stats.TotalIssues)
		}
		logger.Info("run finished", args...)
	}
}
