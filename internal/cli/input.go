package cli

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"framelabel/internal/recovery/state"
)

const (
	ExitSuccess           = 0
	ExitPartial           = 1
	ExitInvalidInvocation = 2
	ExitConfigError       = 3
	ExitInternalError     = 4
)

// Invocation is the parsed command line. Zero values mean "use the
// configuration file".
type Invocation struct {
	ConfigPath string
	InputDir   string
	OutputDir  string
	Workers    int

	// Refine is nil unless -refine was given.
	Refine   *bool
	Fresh    bool
	LogLevel string
}

type InvocationError struct {
	ExitCode int
	Message  string
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

// Usage writes the flag summary to w.
func Usage(w io.Writer) {
	fs, _ := newFlagSet(&Invocation{})
	fmt.Fprintln(w, "usage: framelabel -input <dir> [flags]")
	fs.SetOutput(w)
	fs.PrintDefaults()
}

func newFlagSet(inv *Invocation) (*flag.FlagSet, *bool) {
	fs := flag.NewFlagSet("framelabel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	refine := new(bool)
	fs.StringVar(&inv.ConfigPath, "config", "", "YAML configuration file (optional).")
	fs.StringVar(&inv.InputDir, "input", "", "Directory of frames to annotate. Required.")
	fs.StringVar(&inv.OutputDir, "output", "", "Annotation output directory (overrides output.dir).")
	fs.IntVar(&inv.Workers, "workers", 0, "Concurrent remote calls (overrides workers).")
	fs.BoolVar(refine, "refine", false, "Refine traffic signs with the two-stage resolver (overrides refine.enabled).")
	fs.BoolVar(&inv.Fresh, "fresh", false, "Discard existing checkpoints before running.")
	fs.StringVar(&inv.LogLevel, "log-level", "", "Log level: debug|info|warn|error (overrides log.level).")
	return fs, refine
}

// ParseInvocation parses command-line flags. It does not read the
// configuration file or the environment.
func ParseInvocation(args []string) (Invocation, error) {
	var inv Invocation
	fs, refine := newFlagSet(&inv)
	if err := fs.Parse(args); err != nil {
		return Invocation{}, invalidInvocationf("%v", err)
	}
	if fs.NArg() != 0 {
		return Invocation{}, invalidInvocationf("unexpected positional arguments: %q", strings.Join(fs.Args(), " "))
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "refine" {
			inv.Refine = refine
		}
	})

	if strings.TrimSpace(inv.InputDir) == "" {
		return Invocation{}, invalidInvocationf("-input is required")
	}
	inv.InputDir = filepath.Clean(inv.InputDir)
	if inv.OutputDir != "" {
		inv.OutputDir = filepath.Clean(inv.OutputDir)
		if inv.OutputDir == inv.InputDir {
			return Invocation{}, invalidInvocationf("-output must differ from -input")
		}
	}
	if inv.Workers < 0 {
		return Invocation{}, invalidInvocationf("-workers must be >= 1 (got %d)", inv.Workers)
	}
	switch strings.ToLower(inv.LogLevel) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		return Invocation{}, invalidInvocationf("invalid -log-level %q (expected debug|info|warn|error)", inv.LogLevel)
	}
	return inv, nil
}

// ExitCode maps an error from ParseInvocation or Execute to a process exit
// code.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var cfgErr *state.ConfigFailureError
	if errors.As(err, &cfgErr) {
		return ExitConfigError
	}
	return ExitInternalError
}
