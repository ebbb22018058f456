package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"framelabel/internal/artifact"
	"framelabel/internal/backoff"
	"framelabel/internal/config"
	"framelabel/internal/engine"
	"framelabel/internal/events"
	"framelabel/internal/gateway"
	"framelabel/internal/recovery/state"
	"framelabel/internal/signs"
	"framelabel/internal/stats"
)

type CLIResult struct {
	ExitCode int
	RunID    string
	Run      *engine.RunResult
	Stats    stats.Snapshot
}

// Options adjust Execute for embedding and tests.
type Options struct {
	Stderr       io.Writer
	PollInterval time.Duration
}

// Execute runs the invocation with logs on os.Stderr.
func Execute(ctx context.Context, inv Invocation) (CLIResult, error) {
	return ExecuteWithOptions(ctx, inv, Options{})
}

// ExecuteWithOptions maps an Invocation to one engine run.
//
// Responsibilities:
//   - Resolve configuration (file, environment, flags) and validate it.
//   - Open the checkpoint store and record run metadata before any item is
//     dispatched, so a failure can always be attributed to a run.
//   - Wire the gateway, the optional sign resolver and the event sinks.
//   - Translate the run outcome to a semantic exit code.
func ExecuteWithOptions(ctx context.Context, inv Invocation, opts Options) (res CLIResult, execErr error) {
	res.ExitCode = ExitInternalError
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}

	cfg, err := resolveConfig(inv)
	if err != nil {
		res.ExitCode = ExitConfigError
		return res, err
	}
	logger := newLogger(opts.Stderr, cfg.Log)
	for _, note := range config.Advise(cfg) {
		logger.Warn("configuration", "advice", note)
	}

	items, err := ScanInputs(inv.InputDir, cfg.Output.Dir)
	if err != nil {
		res.ExitCode = ExitInvalidInvocation
		return res, &InvocationError{ExitCode: ExitInvalidInvocation, Message: err.Error()}
	}

	st, err := state.Open(cfg.Output.StateDir)
	if err != nil {
		return res, err
	}
	if inv.Fresh {
		if err := st.Reset(); err != nil {
			return res, err
		}
		logger.Info("checkpoints discarded", "state_dir", st.Dir())
	}
	for _, p := range st.Verify() {
		logger.Warn("checkpoint does not match its artifact", "item", p.ItemID, "reason", p.Reason)
	}

	rec := &state.FailureRecorder{Store: st}
	run, err := rec.StartRun(state.Run{
		InputDir:  inv.InputDir,
		OutputDir: cfg.Output.Dir,
		Workers:   cfg.Workers,
		Refine:    cfg.Refine.Enabled,
	})
	if err != nil {
		return res, err
	}
	res.RunID = run.RunID
	logger = logger.With("run_id", run.RunID)
	warnOnSetupChange(st, run, logger)
	reportPreviousRun(st, run, logger)

	fail := func(code int, err error) (CLIResult, error) {
		if rerr := rec.RecordFailure(run.RunID, err); rerr != nil {
			logger.Error("failed to record run failure", "error", rerr)
		}
		if _, ferr := rec.FinishRun(run, state.RunStatusFailed, state.RunCounts{Total: len(items)}); ferr != nil {
			logger.Error("failed to finish run metadata", "error", ferr)
		}
		res.ExitCode = code
		return res, err
	}

	deps, err := buildDeps(cfg, logger)
	if err != nil {
		return fail(ExitConfigError, err)
	}
	deps.Checkpoints = st
	deps.Artifacts = artifact.Writer{Dir: cfg.Output.Dir}
	deps.Stats = stats.New()
	deps.Logger = logger

	bus := events.NewBus()
	defer bus.Close()
	sinks := events.Fanout{events.LogSink{Logger: logger}, bus}
	if cfg.Events.MQTT.Broker != "" {
		mcfg := events.MQTTConfig{
			Broker:   cfg.Events.MQTT.Broker,
			ClientID: cfg.Events.MQTT.ClientID,
			Topic:    cfg.Events.MQTT.Topic,
			QoS:      cfg.Events.MQTT.QoS,
			Encoding: events.Encoding(cfg.Events.MQTT.Encoding),
		}
		client, err := events.DialMQTT(ctx, mcfg, logger)
		if err != nil {
			logger.Warn("event broker unavailable, continuing without it", "broker", mcfg.Broker, "error", err)
		} else {
			sink := events.NewMQTTSink(client, mcfg, logger)
			sinks = append(sinks, sink)
			defer func() {
				s := sink.Stats()
				logger.Info("event broker summary", "published", s.Published, "errors", s.Errors)
				client.Disconnect(250)
			}()
		}
	}
	deps.Events = sinks

	sched, err := engine.New(deps, engine.Options{Workers: cfg.Workers, RunID: run.RunID})
	if err != nil {
		return fail(ExitInternalError, &state.SystemFailureError{Code: "EngineInit", Message: err.Error(), Cause: err})
	}

	defer func() {
		if r := recover(); r != nil {
			res.ExitCode = ExitInternalError
			execErr = fmt.Errorf("panic: %v", r)
			_ = rec.RecordFailure(run.RunID, &state.SystemFailureError{Code: "Panic", Message: execErr.Error(), Cause: execErr})
		}
	}()

	poll := startProgress(bus, deps.Stats, len(items), opts.PollInterval, logger)
	defer poll.Stop()
	result, runErr := sched.Run(ctx, items)
	poll.Stop()

	res.Run = result
	res.Stats = deps.Stats.Snapshot()

	if err := st.SaveLedger(result.Ledger()); err != nil {
		logger.Error("failed to write run ledger", "error", err)
		if runErr == nil {
			runErr = err
		}
	}

	cancelled := errors.Is(runErr, engine.ErrCancelled)
	if runErr != nil && !cancelled {
		if rerr := rec.RecordFailure(run.RunID, runErr); rerr != nil {
			logger.Error("failed to record run failure", "error", rerr)
		}
		if _, ferr := rec.FinishRun(run, state.RunStatusFailed, result.Counts); ferr != nil {
			logger.Error("failed to finish run metadata", "error", ferr)
		}
		res.ExitCode = ExitInternalError
		return res, runErr
	}

	status := result.Status()
	if _, err := rec.FinishRun(run, status, result.Counts); err != nil {
		logger.Error("failed to finish run metadata", "error", err)
	}
	for _, e := range result.Failed() {
		logger.Warn("item needs attention", "item", e.ItemID, "class", e.ErrorClass, "reason", e.Reason)
	}

	res.ExitCode = exitCodeFor(status)
	if cancelled {
		return res, runErr
	}
	return res, nil
}

func exitCodeFor(status state.RunStatus) int {
	switch status {
	case state.RunStatusSucceeded:
		return ExitSuccess
	case state.RunStatusPartial, state.RunStatusInterrupted:
		return ExitPartial
	default:
		return ExitInternalError
	}
}

// resolveConfig layers flags over the configuration file and environment,
// then validates.
func resolveConfig(inv Invocation) (*config.Config, error) {
	cfg, err := config.Read(inv.ConfigPath)
	if err != nil {
		return nil, &state.ConfigFailureError{Code: "ConfigLoad", Message: err.Error(), Cause: err}
	}
	if inv.OutputDir != "" {
		cfg.Output.Dir = inv.OutputDir
	}
	if inv.Workers > 0 {
		cfg.Workers = inv.Workers
	}
	if inv.Refine != nil {
		cfg.Refine.Enabled = *inv.Refine
	}
	if inv.LogLevel != "" {
		cfg.Log.Level = inv.LogLevel
	}
	if err := config.Validate(cfg); err != nil {
		return nil, &state.ConfigFailureError{Code: "ConfigInvalid", Message: err.Error(), Cause: err}
	}
	return cfg, nil
}

// buildDeps wires the remote collaborators.
func buildDeps(cfg *config.Config, logger *slog.Logger) (engine.Deps, error) {
	prompt, err := gateway.LoadPrompt(cfg.Detect.PromptFile)
	if err != nil {
		return engine.Deps{}, &state.ConfigFailureError{Code: "PromptFile", Message: err.Error(), Cause: err}
	}

	client := gateway.NewClient(cfg.API.BaseURL, cfg.API.APIKey, cfg.API.Model)
	client.Temperature = cfg.API.Temperature
	if err := client.Check(); err != nil {
		return engine.Deps{}, &state.ConfigFailureError{Code: "APIClient", Message: err.Error(), Cause: err}
	}

	policy := backoff.Policy{
		Base:              cfg.Retry.BaseDelay.D(),
		Max:               cfg.Retry.MaxDelay.D(),
		MaxAttempts:       cfg.Retry.MaxAttempts,
		MalformedAttempts: cfg.Retry.MalformedAttempts,
	}
	if err := policy.Validate(); err != nil {
		return engine.Deps{}, &state.ConfigFailureError{Code: "RetryPolicy", Message: err.Error(), Cause: err}
	}
	var budget *backoff.Budget
	if cfg.Retry.RunBudget > 0 {
		budget = backoff.NewBudget(cfg.Retry.RunBudget)
	}

	gw := gateway.New(client, policy, budget, gateway.Options{
		Prompt: prompt,
		Parse: gateway.ParseOptions{
			CoordBase:  cfg.Detect.CoordBase,
			MinBoxArea: cfg.Detect.MinBoxArea,
		},
		MaxImageBytes: cfg.Detect.MaxImageBytes,
		CallTimeout:   cfg.API.Timeout.D(),
	}, logger)
	deps := engine.Deps{Detector: gw}

	if cfg.Refine.Enabled {
		catalog, err := signs.LoadCatalog(cfg.Refine.CatalogFile)
		if err != nil {
			return engine.Deps{}, &state.ConfigFailureError{Code: "SignCatalog", Message: err.Error(), Cause: err}
		}
		deps.Refiner = signs.NewResolver(client, catalog, signs.Options{
			Padding:     cfg.Refine.CropPadding,
			MinCropSide: cfg.Refine.MinCropSide,
			ScratchDir:  cfg.Refine.ScratchDir,
			CallTimeout: cfg.Refine.Timeout.D(),
			Shuffle:     cfg.Refine.Shuffle,
		}, logger)
		logger.Info("sign refinement enabled", "catalog_entries", catalog.Len())
	}
	return deps, nil
}

// warnOnSetupChange logs when existing checkpoints were produced by a run
// with a different input, output or refinement setup.
func warnOnSetupChange(st *state.Store, run state.Run, logger *slog.Logger) {
	if run.PreviousRunID == nil || st.Len() == 0 {
		return
	}
	prev, err := st.LoadRun(*run.PreviousRunID)
	if err != nil {
		return
	}
	if err := state.CheckResume(prev, run); err != nil {
		logger.Warn("existing checkpoints come from a different setup; use -fresh to discard them",
			"previous_run", prev.RunID,
			"checkpoints", st.Len(),
			"changes", strings.ReplaceAll(err.Error(), "\n", "; "))
	}
}

// reportPreviousRun logs how the previous run ended. Items it failed or left
// interrupted have no checkpoint and are attempted again by this run.
func reportPreviousRun(st *state.Store, run state.Run, logger *slog.Logger) {
	if run.PreviousRunID == nil {
		return
	}
	prevID := *run.PreviousRunID
	if f, err := st.LoadFailure(prevID); err == nil {
		logger.Warn("previous run failed",
			"previous_run", prevID,
			"class", f.FailureClass,
			"code", f.ErrorCode,
			"error", f.ErrorMessage,
			"resumable", f.Resumable)
	}
	ledger, err := st.LoadLedger(prevID)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("previous run ledger unreadable", "previous_run", prevID, "error", err)
		}
		return
	}
	var failed, interrupted []string
	for _, e := range ledger.Entries {
		switch e.State {
		case state.ItemFailedPermanently:
			failed = append(failed, e.ItemID)
		case state.ItemInterrupted:
			interrupted = append(interrupted, e.ItemID)
		}
	}
	if len(failed)+len(interrupted) == 0 {
		return
	}
	logger.Info("retrying items the previous run did not finish",
		"previous_run", prevID,
		"failed", len(failed),
		"interrupted", len(interrupted))
	for _, id := range failed {
		logger.Debug("previously failed item", "item", id)
	}
}

func newLogger(w io.Writer, cfg config.LogConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
