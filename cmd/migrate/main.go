// Package main provides the standalone schema migration tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/MacJediWizard/dbbootstrap/internal/db"
)

func main() {
	var (
		dbURL   = flag.String("db", "", "Database URL (or set DATABASE_URL env var)")
		stamp   = flag.String("stamp", "", "Record this revision without running migrations")
		upgrade = flag.String("upgrade", db.HeadRevision, "Upgrade to this revision")
		current = flag.Bool("current", false, "Show the recorded revision")
		list    = flag.Bool("list", false, "List all migrations")
	)
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger()

	if *list {
		listMigrations(logger)
		return
	}

	url := *dbURL
	if url == "" {
		url = os.Getenv("DATABASE_URL")
	}
	if url == "" {
		logger.Fatal().Msg("database URL required: use -db flag or set DATABASE_URL")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	database, err := db.New(ctx, db.DefaultConfig(url), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.Close()

	runner, err := db.NewRunner(database, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load migrations")
	}

	if *current {
		showCurrent(ctx, runner, logger)
		return
	}

	if *stamp != "" {
		if err := runner.Stamp(ctx, *stamp); err != nil {
			logger.Fatal().Err(err).Msg("stamp failed")
		}
		return
	}

	logger.Info().Str("target", *upgrade).Msg("running database migrations")
	if err := runner.Upgrade(ctx, *upgrade); err != nil {
		logger.Fatal().Err(err).Msg("migration failed")
	}

	rev, err := runner.Current(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("could not get current revision")
	} else {
		logger.Info().Str("revision", rev).Msg("migrations complete")
	}
}

func showCurrent(ctx context.Context, runner *db.Runner, logger zerolog.Logger) {
	rev, err := runner.Current(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to get schema revision")
	}
	if rev == "" {
		fmt.Println("No revision recorded")
		return
	}
	fmt.Printf("Current schema revision: %s\n", rev)
}

func listMigrations(logger zerolog.Logger) {
	migrations, err := db.GetMigrations()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list migrations")
	}

	if len(migrations) == 0 {
		fmt.Println("No migrations found")
		return
	}

	fmt.Println("Available migrations:")
	for _, m := range migrations {
		fmt.Printf("  %03d: %s\n", m.Version, m.Revision)
	}
}
