// Package artifact validates backup files on the host and copies them into
// the database container.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

// ErrArtifactNotFound is returned when the backup source is missing or unreadable.
var ErrArtifactNotFound = errors.New("backup artifact not found")

// DumpFormat identifies how a dump must be loaded.
type DumpFormat string

const (
	// FormatSQL is a plain SQL script loaded with psql.
	FormatSQL DumpFormat = "sql"
	// FormatCustom is a pg_dump custom-format archive loaded with pg_restore.
	FormatCustom DumpFormat = "custom"
)

// DetectFormat decides the dump format from the file suffix. Only ".sql"
// marks a plain script; everything else is treated as a custom archive.
func DetectFormat(path string) DumpFormat {
	if strings.EqualFold(filepath.Ext(path), ".sql") {
		return FormatSQL
	}
	return FormatCustom
}

// Artifact is a validated backup file on the invoking host.
type Artifact struct {
	Path      string     `json:"path"`
	Format    DumpFormat `json:"format"`
	SizeBytes int64      `json:"size_bytes"`
}

// Inspect checks that path is an existing, regular, readable file.
func Inspect(path string) (*Artifact, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: no backup file given", ErrArtifactNotFound)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactNotFound, path, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: %s is not a regular file", ErrArtifactNotFound, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrArtifactNotFound, path, err)
	}
	f.Close()

	return &Artifact{
		Path:      path,
		Format:    DetectFormat(path),
		SizeBytes: info.Size(),
	}, nil
}

// Copier copies a host file into a container.
type Copier interface {
	CopyIn(ctx context.Context, hostPath, container, destPath string) error
}

// Transferer moves backup files into the database container.
type Transferer struct {
	copier Copier
	logger zerolog.Logger
}

// NewTransferer creates a new Transferer.
func NewTransferer(copier Copier, logger zerolog.Logger) *Transferer {
	return &Transferer{
		copier: copier,
		logger: logger.With().Str("component", "artifact").Logger(),
	}
}

// Transfer validates hostPath and copies it to destPath inside the container,
// replacing any previous file there. Validation happens before any container
// interaction.
func (t *Transferer) Transfer(ctx context.Context, hostPath, container, destPath string) (*Artifact, error) {
	art, err := Inspect(hostPath)
	if err != nil {
		return nil, err
	}

	t.logger.Info().
		Str("source", art.Path).
		Str("format", string(art.Format)).
		Int64("size_bytes", art.SizeBytes).
		Str("destination", destPath).
		Msg("transferring backup into container")

	if err := t.copier.CopyIn(ctx, art.Path, container, destPath); err != nil {
		return nil, fmt.Errorf("copy backup into container: %w", err)
	}

	t.logger.Info().Str("destination", destPath).Msg("backup transferred")
	return art, nil
}
