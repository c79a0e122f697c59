// Package readiness waits for a freshly started database server to accept
// connections.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/MacJediWizard/dbbootstrap/internal/container"
)

const (
	// DefaultMaxAttempts bounds the number of probes.
	DefaultMaxAttempts = 60
	// DefaultInterval is the fixed pause between probes.
	DefaultInterval = time.Second

	defaultProbeBinary = "pg_isready"
)

// ErrReadinessTimeout matches a server that never became ready.
var ErrReadinessTimeout = errors.New("database server not ready")

// TimeoutError reports how many probes were made before giving up. Last is
// kept for the message only so a timeout never matches the runtime's errors.
type TimeoutError struct {
	Attempts int
	Last     error
}

func (e *TimeoutError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("database server not ready after %d attempts", e.Attempts)
	}
	return fmt.Sprintf("database server not ready after %d attempts: %v", e.Attempts, e.Last)
}

// Is reports ErrReadinessTimeout for every TimeoutError.
func (e *TimeoutError) Is(target error) bool { return target == ErrReadinessTimeout }

// Executor runs a command inside a container.
type Executor interface {
	Exec(ctx context.Context, req container.ExecRequest) ([]byte, error)
}

// Credentials identify the server login used for probing.
type Credentials struct {
	User     string
	Password string
	Database string
}

// Prober polls pg_isready inside the database container.
type Prober struct {
	exec   Executor
	logger zerolog.Logger
}

// NewProber creates a new Prober.
func NewProber(exec Executor, logger zerolog.Logger) *Prober {
	return &Prober{
		exec:   exec,
		logger: logger.With().Str("component", "readiness").Logger(),
	}
}

// WaitReady probes the server at a fixed interval until it accepts
// connections or maxAttempts probes have failed. It returns the number of
// probes made. A non-positive maxAttempts uses DefaultMaxAttempts; a
// negative interval uses DefaultInterval.
func (p *Prober) WaitReady(ctx context.Context, containerName string, creds Credentials, maxAttempts int, interval time.Duration) (int, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if interval < 0 {
		interval = DefaultInterval
	}

	p.logger.Info().
		Str("container", containerName).
		Int("max_attempts", maxAttempts).
		Dur("interval", interval).
		Msg("waiting for database server")

	attempts := 0
	probe := func() error {
		attempts++
		return p.probe(ctx, containerName, creds)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(probe, policy, func(err error, next time.Duration) {
		p.logger.Debug().
			Err(err).
			Int("attempt", attempts).
			Dur("next", next).
			Msg("database server not ready yet")
	})
	if err == nil {
		p.logger.Info().Int("attempts", attempts).Msg("database server is ready")
		return attempts, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return attempts, fmt.Errorf("wait for database server: %w", ctxErr)
	}

	return attempts, &TimeoutError{Attempts: attempts, Last: err}
}

func (p *Prober) probe(ctx context.Context, containerName string, creds Credentials) error {
	req := container.ExecRequest{
		Container: containerName,
		Cmd:       []string{defaultProbeBinary, "-U", creds.User, "-d", creds.Database},
	}
	if creds.Password != "" {
		req.Env = []string{"PGPASSWORD=" + creds.Password}
	}
	_, err := p.exec.Exec(ctx, req)
	return err
}
