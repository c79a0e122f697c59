// Package main is the entrypoint for the dbbootstrap CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/MacJediWizard/dbbootstrap/internal/config"
	"github.com/MacJediWizard/dbbootstrap/internal/container"
	"github.com/MacJediWizard/dbbootstrap/internal/metrics"
	"github.com/MacJediWizard/dbbootstrap/internal/pipeline"
	"github.com/MacJediWizard/dbbootstrap/internal/restore"
)

// Build-time variables set via ldflags.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

var (
	warnColor    = color.New(color.FgYellow, color.Bold)
	dangerColor  = color.New(color.FgRed, color.Bold)
	successColor = color.New(color.FgGreen, color.Bold)
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	envFile  string
	sets     []string
	logLevel string
}

// app is the resolved configuration and logger for one invocation.
type app struct {
	cfg      config.Config
	logger   zerolog.Logger
	closeLog func()
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "dbbootstrap",
		Short: "Bootstrap the portal database from a backup",
		Long: `dbbootstrap provisions the containerized PostgreSQL server, restores a
backup into it and brings the schema up to the latest revision.

Settings come from --set KEY=VALUE overrides, then the environment file
(.env by default), then built-in defaults. Run 'dbbootstrap config' to see
the resolved values.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&flags.envFile, "env-file", "", "environment file to read (default .env, optional)")
	rootCmd.PersistentFlags().StringArrayVar(&flags.sets, "set", nil, "override a setting as KEY=VALUE (repeatable)")
	rootCmd.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(
		newVersionCmd(),
		newConfigCmd(flags),
		newUpCmd(flags),
		newDownCmd(flags),
		newResetCmd(flags),
		newWaitCmd(flags),
		newCopyBackupCmd(flags),
		newRestoreCmd(flags),
		newSetupCmd(flags),
		newRunCmd(flags),
		newMigrateCmd(flags),
	)

	return rootCmd
}

func loadApp(flags *globalFlags) (*app, error) {
	overrides, err := config.ParseOverrides(flags.sets)
	if err != nil {
		return nil, err
	}

	cfg, err := config.Load(config.LoadOptions{
		EnvFile:         flags.envFile,
		EnvFileRequired: flags.envFile != "",
		Overrides:       overrides,
	})
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if flags.logLevel != "" {
		cfg.LogLevel = strings.ToLower(strings.TrimSpace(flags.logLevel))
	}

	logger, closeLog, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultPassword() {
		logger.Warn().Msg("POSTGRES_PASSWORD is the built-in default or matches POSTGRES_USER, set a real password in the environment file")
	}
	return &app{cfg: cfg, logger: logger, closeLog: closeLog}, nil
}

// newLogger writes human-readable output to w and, when LOG_FILE is set,
// JSON lines to that file.
func newLogger(cfg config.Config, w io.Writer) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}

	var out io.Writer = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	closeLog := func() {}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return zerolog.Logger{}, nil, fmt.Errorf("open log file: %w", err)
		}
		out = zerolog.MultiLevelWriter(out, f)
		closeLog = func() { f.Close() }
	}

	logger := zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Logger()
	return logger, closeLog, nil
}

func (a *app) newPipeline() (*pipeline.Pipeline, error) {
	m, err := metrics.NewPrometheusMetrics(prometheus.NewRegistry())
	if err != nil {
		return nil, err
	}

	client := container.NewClient(container.Options{
		ComposeFile: a.cfg.ComposeFile,
		Service:     a.cfg.Service,
		Container:   a.cfg.Container,
	}, a.logger)

	return pipeline.New(a.cfg, pipeline.Deps{Runtime: client, Metrics: m}, a.logger), nil
}

// runPipeline loads the configuration, builds a pipeline and runs fn with a
// context canceled on SIGINT or SIGTERM.
func runPipeline(cmd *cobra.Command, flags *globalFlags, fn func(ctx context.Context, a *app, p *pipeline.Pipeline) error) error {
	a, err := loadApp(flags)
	if err != nil {
		return err
	}
	defer a.closeLog()

	p, err := a.newPipeline()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := fn(ctx, a, p)
	if err := p.Finish(runErr); err != nil {
		a.logger.Warn().Err(err).Msg("failed to write metrics")
	}
	return runErr
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("dbbootstrap %s\n", Version)
			fmt.Printf("  Commit:     %s\n", Commit)
			fmt.Printf("  Built:      %s\n", BuildDate)
			fmt.Printf("  Go version: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}

func newConfigCmd(flags *globalFlags) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show the resolved configuration with secrets redacted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(flags)
			if err != nil {
				return err
			}
			defer a.closeLog()

			if a.cfg.Source != "" && output == "text" {
				fmt.Fprintf(cmd.OutOrStdout(), "# from %s\n", a.cfg.Source)
			}
			return a.cfg.Render(cmd.OutOrStdout(), output)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, yaml, json)")
	return cmd
}

func newUpCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Start the database container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				return p.Up(ctx)
			})
		},
	}
}

func newDownCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "down",
		Short: "Stop the database container (data is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				return p.Down(ctx)
			})
		},
	}
}

func newResetCmd(flags *globalFlags) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Stop the database container and DELETE its volume",
		Long: `Stop the database container and delete its persistent volume.

This destroys every database in the container and cannot be undone.
The command refuses to run without --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := cmd.ErrOrStderr()
			dangerColor.Fprintln(w, "WARNING: this deletes the database volume. All data will be lost.")
			if !yes {
				warnColor.Fprintln(w, "Re-run with --yes to confirm.")
				return errors.New("reset not confirmed")
			}
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				return p.Reset(ctx)
			})
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm destruction of the database volume")
	return cmd
}

func newWaitCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Wait until the database server accepts connections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				return p.WaitReady(ctx)
			})
		},
	}
}

func newCopyBackupCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "copy-backup",
		Short: "Copy a backup file into the database container",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				art, err := p.CopyBackup(ctx, file)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Copied %s (%s, %d bytes) to %s:%s\n",
					art.Path, art.Format, art.SizeBytes, a.cfg.Container, a.cfg.DumpPath)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "backup file or s3://bucket/key (default BACKUP_FILE)")
	return cmd
}

func newRestoreCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "restore",
		Short: "Restore the backup and upgrade the schema to head",
		Long: `Start the database, wait for it, copy the backup in, then drop and
recreate the target database, load the dump, replace any foreign revision
marker with the baseline revision and upgrade to the latest revision.

The target database is dropped. Any data in it is lost.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				res, err := p.Restore(ctx, file)
				reportRestore(cmd.ErrOrStderr(), res, err)
				return err
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "backup file or s3://bucket/key (default BACKUP_FILE)")
	return cmd
}

func newSetupCmd(flags *globalFlags) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Initial setup: full restore followed by next-step guidance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				res, err := p.Setup(ctx, file)
				reportRestore(cmd.ErrOrStderr(), res, err)
				if err != nil {
					return err
				}
				printNextSteps(cmd.OutOrStdout(), a.cfg)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "backup file or s3://bucket/key (default BACKUP_FILE)")
	return cmd
}

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the application with DATABASE_URL and SECRET_KEY exported",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, flags, func(ctx context.Context, a *app, p *pipeline.Pipeline) error {
				if a.cfg.SecretKey == "" {
					warnColor.Fprintf(cmd.ErrOrStderr(), "%s is not set; the application may refuse to start.\n", config.KeySecretKey)
				}
				return p.RunApp(ctx, cmd.OutOrStdout(), cmd.ErrOrStderr())
			})
		},
	}
}

// reportRestore tells the operator how far the restore got, since a failed
// restore may leave the target database empty or partially loaded.
func reportRestore(w io.Writer, res *restore.Result, err error) {
	if err == nil {
		successColor.Fprintln(w, "Restore complete: schema is at the latest revision.")
		return
	}
	if res == nil {
		return
	}
	switch {
	case res.Reached == restore.StatePending:
		warnColor.Fprintln(w, "The target database was not modified.")
	case res.Reached < restore.StateLoaded:
		dangerColor.Fprintf(w, "The target database was dropped (last step reached: %s). Re-run restore.\n", res.Reached)
	default:
		dangerColor.Fprintf(w, "The data was loaded but the schema is not current (last step reached: %s).\n", res.Reached)
	}
}

func printNextSteps(w io.Writer, cfg config.Config) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Next steps:")
	fmt.Fprintf(w, "  1. Set %s in %s if it is not set yet.\n", config.KeySecretKey, config.DefaultEnvFile)
	fmt.Fprintln(w, "  2. Check the schema revision:  dbbootstrap migrate current")
	fmt.Fprintln(w, "  3. Start the application:      dbbootstrap run")
	fmt.Fprintf(w, "  The database is reachable on %s:%d as %s.\n", cfg.Host, cfg.Port, cfg.User)
}
