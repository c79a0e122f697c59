package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// VersionTable holds the single row naming the current schema revision.
const VersionTable = "alembic_version"

// migrationLockID is the advisory lock key serializing runners on one database.
const migrationLockID int64 = 4711630012

// Runner stamps and upgrades the schema revision of one database.
type Runner struct {
	db         *DB
	migrations []Migration
	logger     zerolog.Logger
}

// NewRunner creates a Runner over the embedded migration chain.
func NewRunner(db *DB, logger zerolog.Logger) (*Runner, error) {
	migrations, err := GetMigrations()
	if err != nil {
		return nil, err
	}
	return &Runner{
		db:         db,
		migrations: migrations,
		logger:     logger.With().Str("component", "migrate").Logger(),
	}, nil
}

// History returns the migration chain, oldest first.
func (r *Runner) History() []Migration {
	out := make([]Migration, len(r.migrations))
	copy(out, r.migrations)
	return out
}

// Head returns the newest revision id.
func (r *Runner) Head() string {
	if len(r.migrations) == 0 {
		return ""
	}
	return r.migrations[len(r.migrations)-1].Revision
}

// Current returns the recorded revision, or "" when none is recorded.
func (r *Runner) Current(ctx context.Context) (string, error) {
	conn, err := r.db.Pool.Acquire(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: acquire connection: %w", ErrMigrationFailed, err)
	}
	defer conn.Release()

	rev, err := currentRevision(ctx, conn)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	return rev, nil
}

// Stamp records rev as the current revision without running any migration.
func (r *Runner) Stamp(ctx context.Context, rev string) error {
	idx, err := indexOf(r.migrations, rev)
	if err != nil {
		return fmt.Errorf("%w: stamp: %w", ErrMigrationFailed, err)
	}
	rev = r.migrations[idx].Revision

	err = r.withLock(ctx, func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}
		return finishTx(ctx, tx, func(tx pgx.Tx) error {
			return setRevision(ctx, tx, rev)
		})
	})
	if err != nil {
		return fmt.Errorf("%w: stamp %s: %w", ErrMigrationFailed, rev, err)
	}

	r.logger.Info().Str("revision", rev).Msg("schema revision stamped")
	return nil
}

// Upgrade applies every migration after the current revision up to target,
// which is HeadRevision or a revision id. Each migration commits together
// with its revision update, so a failure leaves the last good revision
// recorded.
func (r *Runner) Upgrade(ctx context.Context, target string) error {
	err := r.withLock(ctx, func(conn *pgxpool.Conn) error {
		current, err := currentRevision(ctx, conn)
		if err != nil {
			return err
		}

		todo, err := pending(r.migrations, current, target)
		if err != nil {
			return err
		}
		if len(todo) == 0 {
			r.logger.Info().Str("revision", current).Msg("schema already at target revision")
			return nil
		}

		for _, m := range todo {
			r.logger.Info().
				Str("revision", m.Revision).
				Str("down_revision", m.DownRevision).
				Msg("applying migration")

			tx, err := conn.Begin(ctx)
			if err != nil {
				return fmt.Errorf("begin transaction: %w", err)
			}
			err = finishTx(ctx, tx, func(tx pgx.Tx) error {
				if _, err := tx.Exec(ctx, m.SQL); err != nil {
					return fmt.Errorf("execute migration SQL: %w", err)
				}
				return setRevision(ctx, tx, m.Revision)
			})
			if err != nil {
				return fmt.Errorf("apply migration %s: %w", m.Revision, err)
			}

			r.logger.Info().Str("revision", m.Revision).Msg("migration applied successfully")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: upgrade to %s: %w", ErrMigrationFailed, target, err)
	}
	return nil
}

func (r *Runner) withLock(ctx context.Context, fn func(conn *pgxpool.Conn) error) error {
	conn, err := r.db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection for migration lock: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), "SELECT pg_advisory_unlock($1)", migrationLockID)
	}()

	if _, err := conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+VersionTable+` (
			version_num VARCHAR(32) NOT NULL,
			CONSTRAINT `+VersionTable+`_pkc PRIMARY KEY (version_num)
		)
	`); err != nil {
		return fmt.Errorf("create %s table: %w", VersionTable, err)
	}

	return fn(conn)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func currentRevision(ctx context.Context, q querier) (string, error) {
	var exists bool
	if err := q.QueryRow(ctx, "SELECT to_regclass($1) IS NOT NULL", VersionTable).Scan(&exists); err != nil {
		return "", fmt.Errorf("check %s table: %w", VersionTable, err)
	}
	if !exists {
		return "", nil
	}

	var rev string
	err := q.QueryRow(ctx, "SELECT version_num FROM "+VersionTable+" LIMIT 1").Scan(&rev)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read current revision: %w", err)
	}
	return rev, nil
}

func setRevision(ctx context.Context, tx pgx.Tx, rev string) error {
	if _, err := tx.Exec(ctx, "DELETE FROM "+VersionTable); err != nil {
		return fmt.Errorf("clear revision: %w", err)
	}
	if _, err := tx.Exec(ctx, "INSERT INTO "+VersionTable+" (version_num) VALUES ($1)", rev); err != nil {
		return fmt.Errorf("record revision: %w", err)
	}
	return nil
}

// Migrator opens a fresh connection to url for every call. It suits callers
// whose target database does not exist until just before the call.
type Migrator struct {
	url    string
	logger zerolog.Logger
}

// NewMigrator creates a Migrator for the database at url.
func NewMigrator(url string, logger zerolog.Logger) *Migrator {
	return &Migrator{url: url, logger: logger}
}

// Stamp records rev as the current revision.
func (m *Migrator) Stamp(ctx context.Context, rev string) error {
	return m.with(ctx, func(r *Runner) error { return r.Stamp(ctx, rev) })
}

// Upgrade applies migrations up to target.
func (m *Migrator) Upgrade(ctx context.Context, target string) error {
	return m.with(ctx, func(r *Runner) error { return r.Upgrade(ctx, target) })
}

func (m *Migrator) with(ctx context.Context, fn func(r *Runner) error) error {
	conn, err := New(ctx, DefaultConfig(m.url), m.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	defer conn.Close()

	runner, err := NewRunner(conn, m.logger)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMigrationFailed, err)
	}
	return fn(runner)
}
