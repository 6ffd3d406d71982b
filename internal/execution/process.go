package execution

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// ProcessService runs commands within an execution Context. It connects the
// locality, rewrites the command for a scheduler if there is one and
// releases the locality afterwards.
type ProcessService struct{}

func NewProcessService() *ProcessService {
	return &ProcessService{}
}

// Execute builds the command of c and executes it.
func (s *ProcessService) Execute(ctx context.Context, c Commander, ec Context) (Result, error) {
	command, err := c.Command()
	if err != nil {
		return Result{ExitCode: ExitCommandBuild}, &ProcessExecutionError{
			ExitCode: ExitCommandBuild,
			Msg:      "could not build command",
			Err:      err,
		}
	}
	return s.ExecuteCommand(ctx, command, ec)
}

// ExecuteCommand executes command. A foreground execution blocks until the
// command (or the scheduler job) finishes, a background one returns once
// the scheduler accepted the job.
func (s *ProcessService) ExecuteCommand(ctx context.Context, command string, ec Context) (Result, error) {
	if !ec.UsingScheduler() && !ec.Foreground {
		return Result{}, fmt.Errorf("dispatching %s: %w", ec.JobName, ErrBackgroundUnsupported)
	}
	return s.connected(ctx, ec, func(ec Context) (Result, error) {
		if ec.UsingScheduler() {
			return s.submit(ctx, ec.Scheduler.SubmitCommand(command, ec.Foreground), ec)
		}
		return s.run(ctx, command, ec)
	})
}

// WaitFor blocks until cond holds. It needs a scheduler.
func (s *ProcessService) WaitFor(ctx context.Context, cond WaitCondition, ec Context) (Result, error) {
	if !ec.UsingScheduler() {
		return Result{}, ErrNoScheduler
	}
	ec.Foreground = true
	return s.connected(ctx, ec, func(ec Context) (Result, error) {
		return s.submit(ctx, ec.Scheduler.WaitCommand(cond), ec)
	})
}

// connected runs fn with a connected copy of ec. A failure to disconnect is
// reported even if fn succeeded, the result is kept.
func (s *ProcessService) connected(ctx context.Context, ec Context, fn func(Context) (Result, error)) (res Result, err error) {
	ec = ec.Copy()
	if ec.Locality == nil {
		slog.WarnContext(ctx, "no locality set, running locally", "job_name", ec.JobName)
		ec.Locality = NewLocal()
	}

	loc := ec.Locality
	if err := loc.EstablishConnection(ctx); err != nil {
		return Result{ExitCode: ExitConnection}, &ProcessExecutionError{
			ExitCode: ExitConnection,
			Msg:      "could not connect to " + loc.Name(),
			Err:      err,
		}
	}
	defer func() {
		derr := loc.Disconnect()
		if derr == nil {
			return
		}
		slog.ErrorContext(ctx, "disconnecting locality failed", "locality", loc.Name(), "error", derr)
		if err == nil {
			err = &ProcessExecutionError{
				ExitCode: ExitConnection,
				Msg:      "could not disconnect from " + loc.Name(),
				Output:   res.Output,
				Err:      derr,
			}
		}
	}()

	return fn(ec)
}

func (s *ProcessService) submit(ctx context.Context, submit string, ec Context) (Result, error) {
	// scheduler writes the log itself, but it won't create a directory
	if _, local := ec.Locality.(Local); local {
		if err := ensureLogDir(ec.LogFile); err != nil {
			return Result{}, err
		}
	}
	slog.DebugContext(ctx, "submitting job",
		"scheduler", ec.Scheduler.Name(),
		"job_name", ec.JobName,
		"foreground", ec.Foreground,
		"command", submit)

	out, err := ec.Locality.Run(ctx, submit)
	res := Result{ExitCode: out.ExitCode, Output: out.Lines, LogFile: ec.LogFile}
	if err != nil {
		return res, err
	}
	jobID, idErr := ec.Scheduler.ParseJobID(out.Lines)
	res.JobID = jobID
	if out.ExitCode != 0 {
		return res, &ProcessExecutionError{
			ExitCode: out.ExitCode,
			Msg:      fmt.Sprintf("%s job %s failed", ec.Scheduler.Name(), ec.JobName),
			Output:   out.Lines,
		}
	}
	if idErr != nil && !ec.Foreground {
		return res, &ProcessExecutionError{
			ExitCode: out.ExitCode,
			Msg:      "job " + ec.JobName + " was not accepted",
			Output:   out.Lines,
			Err:      idErr,
		}
	}
	return res, nil
}

func (s *ProcessService) run(ctx context.Context, command string, ec Context) (Result, error) {
	slog.DebugContext(ctx, "running command", "job_name", ec.JobName, "command", command)
	out, err := ec.Locality.Run(ctx, command)
	res := Result{ExitCode: out.ExitCode, Output: out.Lines, LogFile: ec.LogFile}
	if lerr := writeLog(ec.LogFile, command, out.Lines); lerr != nil {
		slog.WarnContext(ctx, "writing job log failed", "path", ec.LogFile, "error", lerr)
	}
	if err != nil {
		return res, err
	}
	if out.ExitCode != 0 {
		return res, &ProcessExecutionError{
			ExitCode: out.ExitCode,
			Msg:      lastLine(out.Lines, "command "+ec.JobName+" failed"),
			Output:   out.Lines,
		}
	}
	return res, nil
}

func ensureLogDir(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}
	return nil
}

func writeLog(path, command string, lines []string) error {
	if path == "" {
		return nil
	}
	if err := ensureLogDir(path); err != nil {
		return err
	}
	var sb strings.Builder
	sb.WriteString("$ ")
	sb.WriteString(command)
	sb.WriteByte('\n')
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}

func lastLine(lines []string, fallback string) string {
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			return l
		}
	}
	return fallback
}
