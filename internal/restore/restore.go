// Package restore rebuilds the target database from a dump and brings its
// schema revision in line with the embedded migration chain.
package restore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/dbbootstrap/internal/artifact"
	"github.com/MacJediWizard/dbbootstrap/internal/container"
	"github.com/MacJediWizard/dbbootstrap/internal/db"
)

const (
	adminDatabase = "postgres"
	psqlBinary    = "psql"
	restoreBinary = "pg_restore"
)

// Executor runs a command inside the database container.
type Executor interface {
	Exec(ctx context.Context, req container.ExecRequest) ([]byte, error)
}

// Migrator records and advances the schema revision.
type Migrator interface {
	Stamp(ctx context.Context, rev string) error
	Upgrade(ctx context.Context, target string) error
}

// Plan describes one restore of the target database.
type Plan struct {
	Container string
	User      string
	Password  string
	Database  string
	// DumpPath is the dump location inside the container.
	DumpPath string
	Format   artifact.DumpFormat
	// ForeignTable is the revision marker table left by another chain.
	ForeignTable string
	Baseline     string
	// Target is the revision to upgrade to; empty means head.
	Target string
}

// Validate checks that the plan can be executed.
func (p Plan) Validate() error {
	var missing []string
	if p.Container == "" {
		missing = append(missing, "container")
	}
	if p.User == "" {
		missing = append(missing, "user")
	}
	if p.Database == "" {
		missing = append(missing, "database")
	}
	if p.DumpPath == "" {
		missing = append(missing, "dump path")
	}
	if p.Baseline == "" {
		missing = append(missing, "baseline revision")
	}
	if len(missing) > 0 {
		return fmt.Errorf("incomplete restore plan: missing %s", strings.Join(missing, ", "))
	}
	if p.Database == adminDatabase {
		return fmt.Errorf("refusing to drop the %s admin database", adminDatabase)
	}
	if p.Format != artifact.FormatSQL && p.Format != artifact.FormatCustom {
		return fmt.Errorf("unknown dump format %q", p.Format)
	}
	return nil
}

func (p Plan) target() string {
	if p.Target == "" {
		return db.HeadRevision
	}
	return p.Target
}

// Step records one completed transition.
type Step struct {
	State    State         `json:"state"`
	Duration time.Duration `json:"duration"`
}

// Result reports how far a run got.
type Result struct {
	Reached State  `json:"reached"`
	Steps   []Step `json:"steps"`
}

// Reconciler drives the restore state machine.
type Reconciler struct {
	exec     Executor
	migrator Migrator
	logger   zerolog.Logger
}

// NewReconciler creates a new Reconciler.
func NewReconciler(exec Executor, migrator Migrator, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		exec:     exec,
		migrator: migrator,
		logger:   logger.With().Str("component", "restore").Logger(),
	}
}

// Run drops and recreates the target database, loads the dump, removes the
// foreign revision marker, stamps the baseline and upgrades to the target.
// It stops at the first failing step and never rolls back earlier steps.
// Cancellation is honored between steps only. The returned Result is never
// nil.
func (r *Reconciler) Run(ctx context.Context, plan Plan) (*Result, error) {
	m := &machine{current: StatePending}
	result := &Result{Reached: StatePending}

	if err := plan.Validate(); err != nil {
		return result, &StageError{State: StateDropped, Err: err}
	}

	r.logger.Info().
		Str("database", plan.Database).
		Str("format", string(plan.Format)).
		Str("dump_path", plan.DumpPath).
		Msg("starting restore")

	for !m.current.Terminal() {
		next, _ := m.current.Next()

		if err := ctx.Err(); err != nil {
			return result, &StageError{State: next, Err: fmt.Errorf("canceled: %w", err)}
		}

		// A step already issued to the server runs to completion.
		start := time.Now()
		if err := r.enter(context.WithoutCancel(ctx), plan, next); err != nil {
			r.logger.Error().Err(err).Str("state", next.String()).Msg("restore step failed")
			return result, &StageError{State: next, Err: err}
		}
		if err := m.advance(next); err != nil {
			return result, &StageError{State: next, Err: err}
		}

		elapsed := time.Since(start)
		result.Reached = m.current
		result.Steps = append(result.Steps, Step{State: next, Duration: elapsed})
		r.logger.Info().
			Str("state", next.String()).
			Dur("duration", elapsed).
			Msg("restore step complete")
	}

	return result, nil
}

func (r *Reconciler) enter(ctx context.Context, plan Plan, s State) error {
	switch s {
	case StateDropped:
		return r.psql(ctx, plan, dropDatabaseArgs(plan))
	case StateCreated:
		return r.psql(ctx, plan, createDatabaseArgs(plan))
	case StateLoaded:
		if plan.Format == artifact.FormatSQL {
			return r.psql(ctx, plan, loadSQLArgs(plan))
		}
		return r.run(ctx, plan, loadCustomArgs(plan))
	case StateReconciled:
		if plan.ForeignTable == "" {
			return nil
		}
		return r.psql(ctx, plan, dropForeignTableArgs(plan))
	case StateBaselined:
		return r.migrator.Stamp(ctx, plan.Baseline)
	case StateUpgraded:
		return r.migrator.Upgrade(ctx, plan.target())
	}
	return errors.New("no action for state " + s.String())
}

func (r *Reconciler) psql(ctx context.Context, plan Plan, args []string) error {
	return r.run(ctx, plan, append([]string{psqlBinary}, args...))
}

func (r *Reconciler) run(ctx context.Context, plan Plan, cmd []string) error {
	req := container.ExecRequest{
		Container: plan.Container,
		Cmd:       cmd,
	}
	if plan.Password != "" {
		req.Env = []string{"PGPASSWORD=" + plan.Password}
	}
	_, err := r.exec.Exec(ctx, req)
	return err
}

// Commands builds every container command a run would issue, in order,
// without running any. Migrator steps are not included.
func Commands(plan Plan) [][]string {
	cmds := [][]string{
		append([]string{psqlBinary}, dropDatabaseArgs(plan)...),
		append([]string{psqlBinary}, createDatabaseArgs(plan)...),
	}
	if plan.Format == artifact.FormatSQL {
		cmds = append(cmds, append([]string{psqlBinary}, loadSQLArgs(plan)...))
	} else {
		cmds = append(cmds, loadCustomArgs(plan))
	}
	if plan.ForeignTable != "" {
		cmds = append(cmds, append([]string{psqlBinary}, dropForeignTableArgs(plan)...))
	}
	return cmds
}

func adminArgs(plan Plan, database string) []string {
	return []string{"-v", "ON_ERROR_STOP=1", "-U", plan.User, "-d", database}
}

func dropDatabaseArgs(plan Plan) []string {
	terminate := fmt.Sprintf(
		"SELECT pg_terminate_backend(pid) FROM pg_stat_activity WHERE datname = %s AND pid <> pg_backend_pid();",
		quoteLiteral(plan.Database))
	drop := fmt.Sprintf("DROP DATABASE IF EXISTS %s;", quoteIdent(plan.Database))
	return append(adminArgs(plan, adminDatabase), "-c", terminate, "-c", drop)
}

func createDatabaseArgs(plan Plan) []string {
	create := fmt.Sprintf("CREATE DATABASE %s OWNER %s;", quoteIdent(plan.Database), quoteIdent(plan.User))
	return append(adminArgs(plan, adminDatabase), "-c", create)
}

func loadSQLArgs(plan Plan) []string {
	return append(adminArgs(plan, plan.Database), "-f", plan.DumpPath)
}

func loadCustomArgs(plan Plan) []string {
	return []string{
		restoreBinary,
		"-U", plan.User,
		"-d", plan.Database,
		"--no-owner",
		"--no-privileges",
		plan.DumpPath,
	}
}

func dropForeignTableArgs(plan Plan) []string {
	drop := fmt.Sprintf("DROP TABLE IF EXISTS %s;", quoteIdent(plan.ForeignTable))
	return append(adminArgs(plan, plan.Database), "-c", drop)
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
