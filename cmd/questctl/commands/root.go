package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/questhub-engine/internal/app"
	"github.com/questhub-engine/internal/config"
)

type globalFlags struct {
	configPath string
	verbose    bool
}

// NewRootCmd builds the operator CLI
func NewRootCmd() *cobra.Command {
	flags := &globalFlags{}
	root := &cobra.Command{
		Use:   "questctl",
		Short: "Operate the quest verification engine",
		Long: `questctl runs maintenance against the engine's configured store:
schema migrations, reconciliation, task imports, XP revocation, manual
review and verification requests.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "config.yaml", "Path to configuration file")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Log engine activity to stderr")

	root.AddCommand(
		newMigrateCmd(flags),
		newReconcileCmd(flags),
		newTasksCmd(flags),
		newRevokeCmd(flags),
		newReviewCmd(flags),
		newVerifyCmd(flags),
		newEnqueueCmd(flags),
		newRoleCmd(flags),
	)
	return root
}

func (f *globalFlags) logger() *slog.Logger {
	level := slog.LevelWarn
	if f.verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func (f *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, fail("Failed to load configuration", err)
	}
	return cfg, nil
}

// open wires the engine against the configured backends. The caller closes it.
func (f *globalFlags) open(ctx context.Context, migrate bool) (*app.App, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, cfg, migrate, f.logger())
	if err != nil {
		return nil, fail("Failed to connect", err)
	}
	if cfg.Store.Driver == "memory" {
		warning(os.Stderr, "store driver is memory; changes last only for this command")
	}
	return a, nil
}

func exactArgs(n int, names string) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if len(args) != n {
			return fail("Wrong number of arguments", fmt.Errorf("expected %s", names))
		}
		return nil
	}
}
