// Command procpool is the CLI entrypoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nibzard/procpool/cmd"
)

func main() {
	args := os.Args[1:]

	// Worker children keep the default signal disposition so an interrupt
	// delivered to the process group ends them too.
	if cmd.IsWorker(args) {
		os.Exit(exitCode(cmd.Run(context.Background(), args)))
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := cmd.Run(ctx, args); err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "\nInterrupted\n")
			os.Exit(130)
		}
		code := exitCode(err)
		var ec *cmd.ExitCodeError
		if !errors.As(err, &ec) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var ec *cmd.ExitCodeError
	if errors.As(err, &ec) {
		return ec.Code
	}
	return 1
}
