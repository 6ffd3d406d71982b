package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/model"
)

// Executor is the part of execution.ExecutorService used by command processes.
type Executor interface {
	UsingScheduler() bool
	ExecuteProcess(ctx context.Context, c execution.Commander, req execution.JobRequest) (execution.Result, error)
	ExecuteScheduledWait(ctx context.Context, req execution.WaitRequest) (execution.Result, error)
	KillJob(ctx context.Context, jobID int) error
}

// CommandBuilder turns parameter values into a shell command.
type CommandBuilder interface {
	Build(values Values) (string, error)
}

// TemplateCommand builds a command from text/template, the template data are
// the parameter values, like {{.accession}}.
type TemplateCommand struct {
	tmpl *template.Template
}

func NewTemplateCommand(name, text string) (TemplateCommand, error) {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return TemplateCommand{}, fmt.Errorf("parsing command of %s: %w", name, err)
	}
	return TemplateCommand{tmpl: tmpl}, nil
}

func (c TemplateCommand) Build(values Values) (string, error) {
	var sb strings.Builder
	if err := c.tmpl.Execute(&sb, map[string]string(values)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Resources are hints for the scheduler.
type Resources struct {
	Threads  int
	MemoryMB int
	// Parallel runs the job in background and waits for it on the
	// scheduler side, so it can be killed when the task is interrupted.
	Parallel bool
}

// ResourceHint computes resources of a process run.
type ResourceHint interface {
	Resources(values Values) Resources
}

func (r Resources) Resources(Values) Resources {
	return r
}

type runKeyT struct{}

var runKey runKeyT

// Run identifies a task executing a process.
type Run struct {
	TaskID   string
	TaskName string
}

// WithRun annotates ctx by a run identity.
func WithRun(ctx context.Context, run Run) context.Context {
	return context.WithValue(ctx, runKey, run)
}

func RunFrom(ctx context.Context) Run {
	run, _ := ctx.Value(runKey).(Run)
	return run
}

// CommandProcess is a process executing a shell command built from the
// parameter values.
type CommandProcess struct {
	name           string
	params         []Parameter
	builder        CommandBuilder
	resources      ResourceHint
	nonRecoverable bool
	executor       Executor
	outputDir      string
}

func NewCommandProcess(name string, params []Parameter, builder CommandBuilder, resources ResourceHint, executor Executor, outputDir string) *CommandProcess {
	if resources == nil {
		resources = Resources{}
	}
	return &CommandProcess{
		name:      name,
		params:    params,
		builder:   builder,
		resources: resources,
		executor:  executor,
		outputDir: outputDir,
	}
}

// NonRecoverable marks the process as unsafe to resume after a crash.
func (p *CommandProcess) NonRecoverable() *CommandProcess {
	p.nonRecoverable = true
	return p
}

func (p *CommandProcess) Name() string { return p.name }

func (p *CommandProcess) Parameters() []Parameter { return append([]Parameter(nil), p.params...) }

func (p *CommandProcess) Recoverable() bool { return !p.nonRecoverable }

func (p *CommandProcess) Execute(ctx context.Context, values Values) (bool, error) {
	for _, param := range p.params {
		if err := param.Validate(values[param.Name]); err != nil {
			return false, err
		}
	}

	run := RunFrom(ctx)
	dir := p.outputDir
	jobName := p.name
	if run.TaskName != "" {
		dir = filepath.Join(dir, sanitize(run.TaskName))
		jobName = sanitize(run.TaskName) + "-" + p.name
	}

	res := p.resources.Resources(values)
	req := execution.JobRequest{
		OutputDir: dir,
		JobName:   jobName,
		Threads:   res.Threads,
		MemoryMB:  res.MemoryMB,
		Parallel:  res.Parallel && p.executor.UsingScheduler(),
	}
	commander := execution.CommandFunc(func() (string, error) {
		return p.builder.Build(values)
	})

	result, err := p.executor.ExecuteProcess(ctx, commander, req)
	if err != nil {
		return false, err
	}
	if !req.Parallel {
		return result.ExitCode == 0, nil
	}

	slog.DebugContext(ctx, "job dispatched", "job_name", jobName, "job_id", result.JobID)
	_, err = p.executor.ExecuteScheduledWait(ctx, execution.WaitRequest{
		JobIDs:    []int{result.JobID},
		Status:    execution.CompletedSuccess,
		JobName:   jobName + "-wait",
		OutputDir: dir,
	})
	if ctx.Err() != nil {
		// the dispatched job outlives the task otherwise
		if kerr := p.executor.KillJob(context.WithoutCancel(ctx), result.JobID); kerr != nil {
			slog.ErrorContext(ctx, "killing job failed", "job_id", result.JobID, "error", kerr)
		}
		return false, ctx.Err()
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, s)
}

// RegisterCommandProcesses registers every process declared in the config.
func RegisterCommandProcesses(reg *Registry, defs []model.Process, executor Executor, outputDir string) error {
	var errs []error
	for _, def := range defs {
		err := reg.Register(def.Name, func() (Process, error) {
			return commandProcess(def, executor, outputDir)
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func commandProcess(def model.Process, executor Executor, outputDir string) (Process, error) {
	params := make([]Parameter, 0, len(def.Parameters))
	for _, pd := range def.Parameters {
		param, err := NewParameter(pd.Name, pd.Description, pd.Pattern)
		if err != nil {
			return nil, err
		}
		params = append(params, param)
	}
	builder, err := NewTemplateCommand(def.Name, def.Command)
	if err != nil {
		return nil, err
	}
	p := NewCommandProcess(def.Name, params, builder, Resources{
		Threads:  def.Threads,
		MemoryMB: def.MemoryMB,
		Parallel: def.Parallel,
	}, executor, outputDir)
	if def.NonRecoverable {
		p.NonRecoverable()
	}
	return p, nil
}
