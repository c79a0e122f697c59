package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

// fakeResponse holds a response for a fake docker subcommand.
type fakeResponse struct {
	stdout   string
	stderr   string
	exitCode int
}

// fakeDocker creates a shell script that records every invocation to a log
// file and answers based on the first argument.
func fakeDocker(t *testing.T, responses map[string]fakeResponse) (binary, logPath string) {
	t.Helper()
	dir := t.TempDir()
	logPath = filepath.Join(dir, "calls.log")

	script := "#!/bin/sh\n"
	script += fmt.Sprintf("echo \"$@\" >> '%s'\n", logPath)
	for subcmd, resp := range responses {
		outFile := filepath.Join(dir, subcmd+".out")
		errFile := filepath.Join(dir, subcmd+".err")
		if err := os.WriteFile(outFile, []byte(resp.stdout), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(errFile, []byte(resp.stderr), 0644); err != nil {
			t.Fatal(err)
		}
		script += fmt.Sprintf("if [ \"$1\" = \"%s\" ]; then\n  cat '%s'\n  cat '%s' >&2\n  exit %d\nfi\n",
			subcmd, outFile, errFile, resp.exitCode)
	}
	script += "exit 0\n"

	binary = filepath.Join(dir, "docker")
	if err := os.WriteFile(binary, []byte(script), 0755); err != nil {
		t.Fatal(err)
	}
	return binary, logPath
}

func readCalls(t *testing.T, logPath string) []string {
	t.Helper()
	data, err := os.ReadFile(logPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		t.Fatal(err)
	}
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func newTestClient(binary string) *Client {
	return NewClient(Options{
		Binary:      binary,
		ComposeFile: "compose.yml",
		Service:     "db",
		Container:   "gkrp_db",
	}, zerolog.Nop())
}

const runningState = `{"Status":"running","Running":true,"Paused":false,"ExitCode":0}`
const exitedState = `{"Status":"exited","Running":false,"Paused":false,"ExitCode":0}`

func TestNewClient_DefaultBinary(t *testing.T) {
	client := NewClient(Options{Container: "db"}, zerolog.Nop())
	if client.binary != "docker" {
		t.Errorf("binary = %q, want %q", client.binary, "docker")
	}
	if client.Container() != "db" {
		t.Errorf("Container() = %q, want %q", client.Container(), "db")
	}
}

func TestClient_Start(t *testing.T) {
	tests := []struct {
		name        string
		inspect     fakeResponse
		wantCompose bool
		wantErr     bool
	}{
		{
			name:        "already running",
			inspect:     fakeResponse{stdout: runningState},
			wantCompose: false,
		},
		{
			name:        "stopped container",
			inspect:     fakeResponse{stdout: exitedState},
			wantCompose: true,
		},
		{
			name:        "container missing",
			inspect:     fakeResponse{stderr: "Error: No such object: gkrp_db", exitCode: 1},
			wantCompose: true,
		},
		{
			name:    "daemon unreachable",
			inspect: fakeResponse{stderr: "Cannot connect to the Docker daemon", exitCode: 1},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			binary, logPath := fakeDocker(t, map[string]fakeResponse{"inspect": tt.inspect})
			client := newTestClient(binary)

			err := client.Start(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Start() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrContainerRuntime) {
					t.Errorf("Start() error = %v, want ErrContainerRuntime", err)
				}
				return
			}

			calls := readCalls(t, logPath)
			composed := false
			for _, c := range calls {
				if c == "compose -f compose.yml up -d db" {
					composed = true
				}
			}
			if composed != tt.wantCompose {
				t.Errorf("compose up called = %v, want %v (calls: %v)", composed, tt.wantCompose, calls)
			}
		})
	}
}

func TestClient_StopAndReset(t *testing.T) {
	binary, logPath := fakeDocker(t, nil)
	client := newTestClient(binary)

	if err := client.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if err := client.ResetDestroy(context.Background()); err != nil {
		t.Fatalf("ResetDestroy() error: %v", err)
	}

	calls := readCalls(t, logPath)
	want := []string{"compose -f compose.yml down", "compose -f compose.yml down -v"}
	if len(calls) != len(want) {
		t.Fatalf("calls = %v, want %v", calls, want)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d = %q, want %q", i, calls[i], want[i])
		}
	}
}

func TestClient_ComposeFailureVerbatim(t *testing.T) {
	binary, _ := fakeDocker(t, map[string]fakeResponse{
		"compose": {stderr: "service \"db\" has no image", exitCode: 1},
	})
	client := newTestClient(binary)

	err := client.Stop(context.Background())
	if !errors.Is(err, ErrContainerRuntime) {
		t.Fatalf("Stop() error = %v, want ErrContainerRuntime", err)
	}
	if !strings.Contains(err.Error(), `service "db" has no image`) {
		t.Errorf("error %q does not carry runtime output", err.Error())
	}
}

func TestClient_Exec(t *testing.T) {
	binary, logPath := fakeDocker(t, map[string]fakeResponse{
		"exec": {stdout: "accepting connections\n"},
	})
	client := newTestClient(binary)

	out, err := client.Exec(context.Background(), ExecRequest{
		Env: []string{"PGPASSWORD=secret"},
		Cmd: []string{"pg_isready", "-U", "gkrp"},
	})
	if err != nil {
		t.Fatalf("Exec() error: %v", err)
	}
	if strings.TrimSpace(string(out)) != "accepting connections" {
		t.Errorf("Exec() output = %q", out)
	}

	calls := readCalls(t, logPath)
	if len(calls) != 1 || calls[0] != "exec -e PGPASSWORD=secret gkrp_db pg_isready -U gkrp" {
		t.Errorf("calls = %v", calls)
	}
}

func TestClient_CopyIn(t *testing.T) {
	binary, logPath := fakeDocker(t, nil)
	client := newTestClient(binary)

	if err := client.CopyIn(context.Background(), "/host/backup.dump", "", "/tmp/backup.dump"); err != nil {
		t.Fatalf("CopyIn() error: %v", err)
	}

	calls := readCalls(t, logPath)
	if len(calls) != 1 || calls[0] != "cp /host/backup.dump gkrp_db:/tmp/backup.dump" {
		t.Errorf("calls = %v", calls)
	}
}

func TestLoggableArgs(t *testing.T) {
	got := loggableArgs([]string{"exec", "-e", "PGPASSWORD=secret", "db", "psql", "-e"})
	want := []string{"exec", "-e", "PGPASSWORD=***", "db", "psql", "-e"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("arg %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestRuntimeError(t *testing.T) {
	err := &RuntimeError{Op: "cp", Stderr: "no space left", Err: errors.New("exit status 1")}
	if !errors.Is(err, ErrContainerRuntime) {
		t.Error("RuntimeError should match ErrContainerRuntime")
	}
	if err.Error() != "docker cp: exit status 1: no space left" {
		t.Errorf("Error() = %q", err.Error())
	}
}
