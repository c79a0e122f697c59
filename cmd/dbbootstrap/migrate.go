package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MacJediWizard/dbbootstrap/internal/db"
)

func newMigrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Inspect or change the schema revision",
		Long: `Work with the schema revision of the target database directly.

The connection URL is DATABASE_URL when set, otherwise it is derived from
POSTGRES_USER, POSTGRES_PASSWORD, POSTGRES_HOST, POSTGRES_PORT and POSTGRES_DB.`,
	}

	cmd.AddCommand(
		newMigrateStampCmd(flags),
		newMigrateUpgradeCmd(flags),
		newMigrateCurrentCmd(flags),
		newMigrateHistoryCmd(),
	)

	return cmd
}

// withRunner connects to the configured database and runs fn.
func withRunner(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, r *db.Runner) error) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer a.closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.DefaultConfig(a.cfg.DatabaseURL()), a.logger)
	if err != nil {
		return fmt.Errorf("%w: connect: %w", db.ErrMigrationFailed, err)
	}
	defer database.Close()

	runner, err := db.NewRunner(database, a.logger)
	if err != nil {
		return err
	}
	return fn(ctx, runner)
}

func newMigrateStampCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stamp <revision>",
		Short: "Record a revision without running migrations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, flags, func(ctx context.Context, r *db.Runner) error {
				return r.Stamp(ctx, args[0])
			})
		},
	}
}

func newMigrateUpgradeCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "upgrade [revision]",
		Short: "Apply migrations up to a revision (default head)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := db.HeadRevision
			if len(args) == 1 {
				target = args[0]
			}
			return withRunner(cmd, flags, func(ctx context.Context, r *db.Runner) error {
				return r.Upgrade(ctx, target)
			})
		},
	}
}

func newMigrateCurrentCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "current",
		Short: "Show the recorded revision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRunner(cmd, flags, func(ctx context.Context, r *db.Runner) error {
				rev, err := r.Current(ctx)
				if err != nil {
					return err
				}
				switch {
				case rev == "":
					fmt.Fprintln(cmd.OutOrStdout(), "No revision recorded")
				case rev == r.Head():
					fmt.Fprintf(cmd.OutOrStdout(), "%s (head)\n", rev)
				default:
					fmt.Fprintln(cmd.OutOrStdout(), rev)
				}
				return nil
			})
		},
	}
}

func newMigrateHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history",
		Short: "List the embedded migrations, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrations, err := db.GetMigrations()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "REVISION\tDOWN REVISION")
			for _, m := range migrations {
				down := m.DownRevision
				if down == "" {
					down = "<base>"
				}
				fmt.Fprintf(tw, "%s\t%s\n", m.Revision, down)
			}
			return tw.Flush()
		},
	}
}
