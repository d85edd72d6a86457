package commands

import (
	"github.com/spf13/cobra"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the Postgres schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()
			success(cmd.OutOrStdout(), "schema is up to date (store: %s)", a.Config.Store.Driver)
			return nil
		},
	}
}

func newReconcileCmd(flags *globalFlags) *cobra.Command {
	var rebuild bool
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Run one reconciliation cycle",
		Long: `Awards verified submissions whose XP was never credited, expires
pending submissions older than verification.pending_stale_after and purges
expired OAuth states.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()
			report := a.Reconciler.RunOnce(cmd.Context())
			field(out, "awarded", report.Awarded)
			field(out, "expired", report.Expired)
			field(out, "purged states", report.PurgedStates)
			field(out, "errors", report.Errors)

			if rebuild {
				if err := a.Reconciler.RebuildRanking(cmd.Context()); err != nil {
					return fail("Failed to rebuild ranking", err)
				}
				success(out, "ranking rebuilt")
			}
			if report.Errors > 0 {
				warning(out, "%d items failed; see the log with --verbose", report.Errors)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild-ranking", false, "Reload the XP ranking from durable totals")
	return cmd
}

func newRoleCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "role PARTICIPANT_ID ROLE",
		Short: "Set a participant's role (participant, creator, admin)",
		Args:  exactArgs(2, "PARTICIPANT_ID ROLE"),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, err := parseRole(args[1])
			if err != nil {
				return fail("Invalid role", err)
			}
			a, err := flags.open(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.Store.SetRole(cmd.Context(), args[0], role); err != nil {
				return fail("Failed to set role", err)
			}
			success(cmd.OutOrStdout(), "%s is now %s", args[0], role)
			return nil
		},
	}
}
