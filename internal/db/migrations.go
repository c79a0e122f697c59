package db

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// HeadRevision names the newest revision of the chain in Upgrade targets.
const HeadRevision = "head"

var (
	// ErrMigrationFailed is returned when stamping or upgrading the schema fails.
	ErrMigrationFailed = errors.New("schema migration failed")

	// ErrUnknownRevision is returned for a revision id outside the chain.
	ErrUnknownRevision = errors.New("unknown revision")
)

// Migration is one revision of the linear migration chain. Its revision id
// is the file stem; its down revision is the previous file's stem.
type Migration struct {
	Version      int
	Revision     string
	DownRevision string
	SQL          string
}

// GetMigrations returns all embedded migrations sorted by version and linked
// into a chain.
func GetMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations directory: %w", err)
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, "migrations/"+entry.Name())
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}

		var version int
		var name string
		_, err = fmt.Sscanf(entry.Name(), "%d_%s", &version, &name)
		if err != nil {
			return nil, fmt.Errorf("parse migration filename %s: %w", entry.Name(), err)
		}

		migrations = append(migrations, Migration{
			Version:  version,
			Revision: strings.TrimSuffix(entry.Name(), ".sql"),
			SQL:      string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	for i := range migrations {
		if i > 0 {
			if migrations[i].Version == migrations[i-1].Version {
				return nil, fmt.Errorf("duplicate migration version %d", migrations[i].Version)
			}
			migrations[i].DownRevision = migrations[i-1].Revision
		}
	}

	return migrations, nil
}

// Head returns the newest revision id of the embedded chain.
func Head() (string, error) {
	migrations, err := GetMigrations()
	if err != nil {
		return "", err
	}
	if len(migrations) == 0 {
		return "", errors.New("no migrations embedded")
	}
	return migrations[len(migrations)-1].Revision, nil
}

// indexOf returns the chain position of rev. HeadRevision resolves to the
// last migration.
func indexOf(migrations []Migration, rev string) (int, error) {
	if rev == HeadRevision && len(migrations) > 0 {
		return len(migrations) - 1, nil
	}
	for i, m := range migrations {
		if m.Revision == rev {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %q", ErrUnknownRevision, rev)
}

// pending returns the migrations after current up to and including target.
// An empty current means no revision is recorded and the chain starts at the
// beginning.
func pending(migrations []Migration, current, target string) ([]Migration, error) {
	to, err := indexOf(migrations, target)
	if err != nil {
		return nil, err
	}

	from := -1
	if current != "" {
		from, err = indexOf(migrations, current)
		if err != nil {
			return nil, fmt.Errorf("recorded revision: %w", err)
		}
	}

	if to < from {
		return nil, fmt.Errorf("target %s is older than current revision %s: downgrades are not supported",
			migrations[to].Revision, migrations[from].Revision)
	}
	return migrations[from+1 : to+1], nil
}
