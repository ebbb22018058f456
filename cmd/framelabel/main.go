package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"framelabel/internal/cli"
)

// main parses flags, runs one annotation pass and exits with its semantic
// exit code. SIGINT/SIGTERM stop dispatch; in-flight frames still finish.
func main() {
	inv, err := cli.ParseInvocation(os.Args[1:])
	if err != nil {
		var invErr *cli.InvocationError
		if errors.As(err, &invErr) {
			fmt.Fprintln(os.Stderr, invErr.Message)
			cli.Usage(os.Stderr)
			os.Exit(invErr.ExitCode)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.ExitInternalError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, execErr := cli.Execute(ctx, inv)
	if execErr != nil {
		fmt.Fprintln(os.Stderr, execErr)
	}
	stop()
	os.Exit(result.ExitCode)
}
