// Package container controls the database container through the docker CLI.
package container

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// ErrContainerRuntime matches every failure reported by the container runtime.
var ErrContainerRuntime = errors.New("container runtime error")

// RuntimeError carries the runtime's own failure output verbatim.
type RuntimeError struct {
	Op     string
	Stderr string
	Err    error
}

func (e *RuntimeError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("docker %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("docker %s: %v: %s", e.Op, e.Err, e.Stderr)
}

func (e *RuntimeError) Unwrap() error { return e.Err }

// Is reports ErrContainerRuntime for every RuntimeError.
func (e *RuntimeError) Is(target error) bool { return target == ErrContainerRuntime }

// Options configures a Client.
type Options struct {
	// Binary is the docker executable. Defaults to "docker".
	Binary string
	// ComposeFile is passed to "docker compose -f".
	ComposeFile string
	// Service is the compose service that runs the database.
	Service string
	// Container is the name of the running database container.
	Container string
}

// Client wraps the docker CLI for container lifecycle, exec and copy operations.
type Client struct {
	binary      string
	composeFile string
	service     string
	container   string
	logger      zerolog.Logger
}

// NewClient creates a new Client.
func NewClient(opts Options, logger zerolog.Logger) *Client {
	binary := opts.Binary
	if binary == "" {
		binary = "docker"
	}
	return &Client{
		binary:      binary,
		composeFile: opts.ComposeFile,
		service:     opts.Service,
		container:   opts.Container,
		logger:      logger.With().Str("component", "container").Logger(),
	}
}

// Container returns the name of the managed database container.
func (c *Client) Container() string { return c.container }

// State inspects the managed container. A container that does not exist is
// reported as a nil state without error.
func (c *Client) State(ctx context.Context) (*ContainerState, error) {
	args := []string{"inspect", "--format", "{{json .State}}", c.container}
	output, err := c.run(ctx, "inspect", nil, args)
	if err != nil {
		var rerr *RuntimeError
		if errors.As(err, &rerr) && isNoSuchObject(rerr.Stderr) {
			return nil, nil
		}
		return nil, err
	}

	var raw dockerStateOutput
	if err := json.Unmarshal(bytes.TrimSpace(output), &raw); err != nil {
		return nil, &RuntimeError{Op: "inspect", Err: fmt.Errorf("parse inspect output: %w", err)}
	}

	return &ContainerState{
		Status:   raw.Status,
		Running:  raw.Running,
		Paused:   raw.Paused,
		ExitCode: raw.ExitCode,
	}, nil
}

// IsRunning reports whether the managed container is running.
func (c *Client) IsRunning(ctx context.Context) (bool, error) {
	state, err := c.State(ctx)
	if err != nil {
		return false, err
	}
	return state != nil && state.Running, nil
}

// Start ensures the database container is running. It returns immediately
// when the container is already up.
func (c *Client) Start(ctx context.Context) error {
	running, err := c.IsRunning(ctx)
	if err != nil {
		return err
	}
	if running {
		c.logger.Info().Str("container", c.container).Msg("database container already running")
		return nil
	}

	c.logger.Info().Str("service", c.service).Msg("starting database container")
	if _, err := c.run(ctx, "compose up", nil, c.composeArgs("up", "-d", c.service)); err != nil {
		return err
	}

	c.logger.Info().Str("container", c.container).Msg("database container started")
	return nil
}

// Stop tears down the compose project, keeping persisted volumes.
func (c *Client) Stop(ctx context.Context) error {
	c.logger.Info().Msg("stopping database container")
	if _, err := c.run(ctx, "compose down", nil, c.composeArgs("down")); err != nil {
		return err
	}
	c.logger.Info().Msg("database container stopped")
	return nil
}

// ResetDestroy tears down the compose project and deletes its volumes.
// All persisted database data is lost.
func (c *Client) ResetDestroy(ctx context.Context) error {
	c.logger.Warn().Msg("removing database container and volumes")
	if _, err := c.run(ctx, "compose down -v", nil, c.composeArgs("down", "-v")); err != nil {
		return err
	}
	c.logger.Warn().Msg("database container and volumes removed")
	return nil
}

// ExecRequest describes a command run inside a container.
type ExecRequest struct {
	Container string
	// Env entries are KEY=VALUE pairs. Values are never logged.
	Env   []string
	Stdin io.Reader
	Cmd   []string
}

// Exec runs a command inside a container and returns its stdout.
func (c *Client) Exec(ctx context.Context, req ExecRequest) ([]byte, error) {
	container := req.Container
	if container == "" {
		container = c.container
	}

	args := []string{"exec"}
	if req.Stdin != nil {
		args = append(args, "-i")
	}
	for _, e := range req.Env {
		args = append(args, "-e", e)
	}
	args = append(args, container)
	args = append(args, req.Cmd...)

	return c.run(ctx, "exec", req.Stdin, args)
}

// CopyIn copies a host file into a container, overwriting the destination.
func (c *Client) CopyIn(ctx context.Context, hostPath, container, destPath string) error {
	if container == "" {
		container = c.container
	}

	c.logger.Info().
		Str("source", hostPath).
		Str("container", container).
		Str("destination", destPath).
		Msg("copying file into container")

	if _, err := c.run(ctx, "cp", nil, []string{"cp", hostPath, container + ":" + destPath}); err != nil {
		return err
	}
	return nil
}

func (c *Client) composeArgs(args ...string) []string {
	out := []string{"compose"}
	if c.composeFile != "" {
		out = append(out, "-f", c.composeFile)
	}
	return append(out, args...)
}

// run executes a docker command and returns the output.
func (c *Client) run(ctx context.Context, op string, stdin io.Reader, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if stdin != nil {
		cmd.Stdin = stdin
	}

	c.logger.Debug().
		Str("command", c.binary).
		Strs("args", loggableArgs(args)).
		Msg("executing docker command")

	if err := cmd.Run(); err != nil {
		errMsg := stderr.String()
		if errMsg == "" {
			errMsg = stdout.String()
		}
		return nil, &RuntimeError{Op: op, Stderr: strings.TrimSpace(errMsg), Err: err}
	}

	return stdout.Bytes(), nil
}

// loggableArgs masks the values of "-e KEY=VALUE" pairs.
func loggableArgs(args []string) []string {
	out := make([]string, len(args))
	copy(out, args)
	for i := 0; i < len(out)-1; i++ {
		if out[i] != "-e" {
			continue
		}
		if key, _, ok := strings.Cut(out[i+1], "="); ok {
			out[i+1] = key + "=***"
		}
		i++
	}
	return out
}

func isNoSuchObject(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "no such object") || strings.Contains(msg, "no such container")
}
