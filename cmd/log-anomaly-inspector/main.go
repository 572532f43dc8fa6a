package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Nao-Mk2/log-anomaly-inspector/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cmd.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		code := cmd.ExitCode(err)
		if code == 2 {
			fmt.Fprintln(os.Stderr, "Run 'log-anomaly-inspector --help' for usage.")
		}
		stop()
		os.Exit(code)
	}
}
