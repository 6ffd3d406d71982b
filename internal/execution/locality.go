package execution

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// Output is what a command left behind on a locality.
type Output struct {
	ExitCode int
	Lines    []string
	Started  time.Time
	Stopped  time.Time
}

// Locality runs shell commands on an execution host. Connection oriented
// localities must be connected by EstablishConnection before Run and
// released by Disconnect.
type Locality interface {
	Name() string
	EstablishConnection(ctx context.Context) error
	// Run executes command and waits for it. A non zero exit code is not an
	// error, only a failure to run the command at all is.
	Run(ctx context.Context, command string) (Output, error)
	Disconnect() error
	// Copy returns an unconnected locality with the same configuration.
	Copy() Locality
}

// Local runs commands on this machine via sh -c.
type Local struct {
	Shell string
}

func NewLocal() Local {
	return Local{Shell: "sh"}
}

func (Local) Name() string { return "local" }

func (Local) EstablishConnection(context.Context) error { return nil }

func (Local) Disconnect() error { return nil }

func (l Local) Copy() Locality { return l }

func (l Local) Run(ctx context.Context, command string) (Output, error) {
	shell := l.Shell
	if shell == "" {
		shell = "sh"
	}
	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	out := Output{Started: time.Now().UTC()}
	if err := cmd.Start(); err != nil {
		return out, err
	}

	err := cmd.Wait()
	out.Stopped = time.Now().UTC()
	out.Lines = append(splitLines(stdout.String()), scanLines(ctx, &stderr)...)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return out, ctx.Err()
	case errors.As(err, &exitErr):
		out.ExitCode = exitErr.ExitCode()
	default:
		return out, err
	}
	return out, nil
}

func scanLines(ctx context.Context, r io.Reader) []string {
	var lines []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		slog.DebugContext(ctx, "stderr", "line", line)
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		slog.ErrorContext(ctx, "processing stderr", "error", err)
	}
	return lines
}

func splitLines(s string) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
