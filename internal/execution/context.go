package execution

import (
	"errors"
	"fmt"
	"strings"
)

const (
	// ExitConnection is reported when a locality cannot be connected or
	// released.
	ExitConnection = -1
	// ExitCommandBuild is reported when a process cannot build its command.
	ExitCommandBuild = 3
)

var (
	ErrNoScheduler           = errors.New("no scheduler configured")
	ErrBackgroundUnsupported = errors.New("background execution requires a scheduler")
)

// Context tells where and how a command runs.
type Context struct {
	Locality   Locality
	Scheduler  Scheduler // nil runs commands directly on the locality
	Foreground bool
	JobName    string
	LogFile    string
}

// Copy returns an independent copy. Every execution works on its own copy.
func (c Context) Copy() Context {
	out := c
	if c.Locality != nil {
		out.Locality = c.Locality.Copy()
	}
	if c.Scheduler != nil {
		out.Scheduler = c.Scheduler.WithArgs(c.Scheduler.Args())
	}
	return out
}

func (c Context) UsingScheduler() bool {
	return c.Scheduler != nil
}

// WithJob returns a copy naming the job and its log file. The scheduler
// arguments are updated accordingly.
func (c Context) WithJob(jobName, logFile string, foreground bool) Context {
	out := c.Copy()
	out.JobName = jobName
	out.LogFile = logFile
	out.Foreground = foreground
	if out.Scheduler != nil {
		args := out.Scheduler.Args()
		args.JobName = jobName
		args.LogFile = logFile
		out.Scheduler = out.Scheduler.WithArgs(args)
	}
	return out
}

// Result of an execution. JobID is zero unless a scheduler accepted the job.
type Result struct {
	JobID    int
	ExitCode int
	Output   []string
	LogFile  string
}

// ProcessExecutionError is an expected execution failure. It does not
// indicate a bug, the owning task fails with Msg as its status.
type ProcessExecutionError struct {
	ExitCode int
	Msg      string
	Output   []string
	Err      error
}

func (e *ProcessExecutionError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Msg)
	fmt.Fprintf(&sb, " (exit code %d)", e.ExitCode)
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ProcessExecutionError) Unwrap() error {
	return e.Err
}

// Commander builds the shell command of a process.
type Commander interface {
	Command() (string, error)
}

// CommandFunc adapts a function to Commander.
type CommandFunc func() (string, error)

func (f CommandFunc) Command() (string, error) {
	return f()
}

// Command is a fixed command string.
type Command string

func (c Command) Command() (string, error) {
	return string(c), nil
}
