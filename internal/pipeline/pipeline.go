// Package pipeline runs the bootstrap stages in order, each gating the next.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/dbbootstrap/internal/artifact"
	"github.com/MacJediWizard/dbbootstrap/internal/config"
	"github.com/MacJediWizard/dbbootstrap/internal/container"
	"github.com/MacJediWizard/dbbootstrap/internal/db"
	"github.com/MacJediWizard/dbbootstrap/internal/metrics"
	"github.com/MacJediWizard/dbbootstrap/internal/readiness"
	"github.com/MacJediWizard/dbbootstrap/internal/restore"
)

// Stage names a pipeline step as reported to the operator.
type Stage string

const (
	StageStart     Stage = "start"
	StageStop      Stage = "stop"
	StageReset     Stage = "reset"
	StageWaitReady Stage = "wait_ready"
	StageFetch     Stage = "fetch_backup"
	StageCopy      Stage = "copy_backup"
	StageRestore   Stage = "restore"
	StageRunApp    Stage = "run_app"
)

// StageError names the stage that aborted the pipeline.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Runtime controls the database container.
type Runtime interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	ResetDestroy(ctx context.Context) error
	Exec(ctx context.Context, req container.ExecRequest) ([]byte, error)
	CopyIn(ctx context.Context, hostPath, container, destPath string) error
}

// Fetcher resolves a backup source to a local file.
type Fetcher interface {
	Fetch(ctx context.Context, source string) (string, func(), error)
}

// Deps are the collaborators of a Pipeline. Nil Migrator and Fetcher are
// replaced with the defaults built from the configuration; nil Metrics
// disables metric recording.
type Deps struct {
	Runtime  Runtime
	Migrator restore.Migrator
	Fetcher  Fetcher
	Metrics  *metrics.PrometheusMetrics
}

// Pipeline bootstraps one target database.
//
// A Pipeline holds no locks around the drop, create and load steps. Running
// two pipelines against the same target database at once is unsafe; callers
// must ensure at most one is active per database.
type Pipeline struct {
	cfg        config.Config
	runtime    Runtime
	prober     *readiness.Prober
	fetcher    Fetcher
	transferer *artifact.Transferer
	reconciler *restore.Reconciler
	metrics    *metrics.PrometheusMetrics
	runID      string
	logger     zerolog.Logger
}

// New creates a Pipeline for cfg.
func New(cfg config.Config, deps Deps, logger zerolog.Logger) *Pipeline {
	runID := uuid.New().String()
	logger = logger.With().Str("run_id", runID).Logger()

	migrator := deps.Migrator
	if migrator == nil {
		migrator = db.NewMigrator(cfg.DatabaseURL(), logger)
	}
	fetcher := deps.Fetcher
	if fetcher == nil {
		fetcher = artifact.NewFetcher(artifact.S3Options{
			Endpoint:        cfg.S3.Endpoint,
			Region:          cfg.S3.Region,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		}, logger)
	}

	return &Pipeline{
		cfg:        cfg,
		runtime:    deps.Runtime,
		prober:     readiness.NewProber(deps.Runtime, logger),
		fetcher:    fetcher,
		transferer: artifact.NewTransferer(deps.Runtime, logger),
		reconciler: restore.NewReconciler(deps.Runtime, migrator, logger),
		metrics:    deps.Metrics,
		runID:      runID,
		logger:     logger.With().Str("component", "pipeline").Logger(),
	}
}

// RunID identifies this pipeline in logs and metrics.
func (p *Pipeline) RunID() string {
	return p.runID
}

// Up starts the database container.
func (p *Pipeline) Up(ctx context.Context) error {
	return p.stage(ctx, StageStart, p.runtime.Start)
}

// Down stops the database container and keeps its volume.
func (p *Pipeline) Down(ctx context.Context) error {
	return p.stage(ctx, StageStop, p.runtime.Stop)
}

// Reset stops the container and erases its volume. All data is lost.
func (p *Pipeline) Reset(ctx context.Context) error {
	p.logger.Warn().Str("container", p.cfg.Container).Msg("destroying database container and volume")
	return p.stage(ctx, StageReset, p.runtime.ResetDestroy)
}

// WaitReady blocks until the server accepts connections or the configured
// attempts are exhausted.
func (p *Pipeline) WaitReady(ctx context.Context) error {
	return p.stage(ctx, StageWaitReady, func(ctx context.Context) error {
		attempts, err := p.prober.WaitReady(ctx, p.cfg.Container, readiness.Credentials{
			User:     p.cfg.User,
			Password: p.cfg.Password,
			Database: p.cfg.Database,
		}, p.cfg.ReadyAttempts, p.cfg.ReadyInterval)
		if p.metrics != nil {
			p.metrics.RecordReadiness(attempts)
		}
		return err
	})
}

// CopyBackup resolves source, or the configured backup file when source is
// empty, and copies it to the dump path inside the container.
func (p *Pipeline) CopyBackup(ctx context.Context, source string) (*artifact.Artifact, error) {
	if source == "" {
		source = p.cfg.BackupFile
	}
	if source == "" {
		return nil, &StageError{
			Stage: StageCopy,
			Err:   fmt.Errorf("%w: no backup file given (set %s or pass --file)", artifact.ErrArtifactNotFound, config.KeyBackupFile),
		}
	}

	var local string
	var cleanup func()
	err := p.stage(ctx, StageFetch, func(ctx context.Context) error {
		var err error
		local, cleanup, err = p.fetcher.Fetch(ctx, source)
		return err
	})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	var art *artifact.Artifact
	err = p.stage(ctx, StageCopy, func(ctx context.Context) error {
		var err error
		art, err = p.transferer.Transfer(ctx, local, p.cfg.Container, p.cfg.DumpPath)
		return err
	})
	if err != nil {
		return nil, err
	}
	return art, nil
}

// Restore runs start, readiness, copy and restore in order. Any failure
// stops the pipeline before later stages run.
func (p *Pipeline) Restore(ctx context.Context, source string) (*restore.Result, error) {
	p.logger.Info().Str("database", p.cfg.Database).Msg("starting restore pipeline")

	if err := p.Up(ctx); err != nil {
		return nil, err
	}
	if err := p.WaitReady(ctx); err != nil {
		return nil, err
	}
	art, err := p.CopyBackup(ctx, source)
	if err != nil {
		return nil, err
	}

	var result *restore.Result
	err = p.stage(ctx, StageRestore, func(ctx context.Context) error {
		var err error
		result, err = p.reconciler.Run(ctx, restore.Plan{
			Container:    p.cfg.Container,
			User:         p.cfg.User,
			Password:     p.cfg.Password,
			Database:     p.cfg.Database,
			DumpPath:     p.cfg.DumpPath,
			Format:       art.Format,
			ForeignTable: p.cfg.ForeignVersionTable,
			Baseline:     p.cfg.BaselineRevision,
			Target:       db.HeadRevision,
		})
		if p.metrics != nil && result != nil {
			for _, step := range result.Steps {
				p.metrics.RecordRestoreStep(step.State.String(), step.Duration)
			}
		}
		return err
	})
	if err != nil {
		return result, err
	}

	p.logger.Info().Str("database", p.cfg.Database).Msg("restore pipeline complete")
	return result, nil
}

// Setup performs a full restore for a fresh installation. It is Restore
// under the name operators use for first-time bootstrapping.
func (p *Pipeline) Setup(ctx context.Context, source string) (*restore.Result, error) {
	return p.Restore(ctx, source)
}

// AppEnv returns the process environment for the application with the
// connection URL and shared secret set.
func (p *Pipeline) AppEnv() []string {
	env := os.Environ()
	env = append(env, config.KeyDatabaseURL+"="+p.cfg.DatabaseURL())
	if p.cfg.SecretKey != "" {
		env = append(env, config.KeySecretKey+"="+p.cfg.SecretKey)
	}
	return env
}

// RunApp runs the configured application command in the foreground.
func (p *Pipeline) RunApp(ctx context.Context, stdout, stderr io.Writer) error {
	return p.stage(ctx, StageRunApp, func(ctx context.Context) error {
		args := strings.Fields(p.cfg.AppCommand)
		if len(args) == 0 {
			return fmt.Errorf("no application command configured (set %s)", config.KeyAppCommand)
		}
		cmd := exec.CommandContext(ctx, args[0], args[1:]...)
		cmd.Env = p.AppEnv()
		cmd.Stdin = os.Stdin
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("run %s: %w", args[0], err)
		}
		return nil
	})
}

// Finish records the run outcome and writes the metrics textfile when one
// is configured.
func (p *Pipeline) Finish(err error) error {
	if p.metrics == nil {
		return nil
	}
	p.metrics.RecordRunFinished(time.Now(), err)
	if p.cfg.MetricsFile == "" {
		return nil
	}
	return p.metrics.WriteTextfile(p.cfg.MetricsFile)
}

func (p *Pipeline) stage(ctx context.Context, stage Stage, fn func(ctx context.Context) error) error {
	log := p.logger.With().Str("stage", string(stage)).Logger()

	if err := ctx.Err(); err != nil {
		return &StageError{Stage: stage, Err: err}
	}

	log.Info().Msg("stage started")
	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if p.metrics != nil {
		p.metrics.RecordStage(string(stage), elapsed, err)
	}
	if err != nil {
		log.Error().Err(err).Dur("duration", elapsed).Msg("stage failed")
		return &StageError{Stage: stage, Err: err}
	}

	log.Info().Dur("duration", elapsed).Msg("stage complete")
	return nil
}
