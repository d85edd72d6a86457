package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/questhub-engine/cmd/questctl/commands"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := commands.NewRootCmd()
	root.Version = version + " (commit: " + commit + ")"

	if err := root.ExecuteContext(ctx); err != nil {
		commands.Report(err)
		stop()
		os.Exit(1)
	}
}
