package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// JobRequest describes one job of a process.
type JobRequest struct {
	OutputDir string
	JobName   string
	Threads   int
	MemoryMB  int
	// Parallel jobs are dispatched in background and joined later by
	// ExecuteScheduledWait. Sequential jobs block.
	Parallel bool
	// DependsOn holds ids of jobs, which must end before this one starts.
	DependsOn []int
}

func (r JobRequest) LogFile() string {
	return filepath.Join(r.OutputDir, r.JobName+".log")
}

// WaitRequest describes a blocking wait for a set of jobs.
type WaitRequest struct {
	JobIDs    []int
	Expr      string
	Status    ExitStatus
	JobName   string
	OutputDir string
}

// ArrayRequest describes a job array. Command must contain
// JobIndexPlaceholder, it is replaced by the scheduler index variable.
type ArrayRequest struct {
	Command   string
	OutputDir string
	JobName   string
	Array     ArrayArgs
	Threads   int
	MemoryMB  int
}

// ExecutorService is a convenience layer on top of ProcessService. It
// derives a dedicated Context for each job from the configured one.
type ExecutorService struct {
	process *ProcessService
	base    Context
}

func NewExecutorService(process *ProcessService, base Context) *ExecutorService {
	if process == nil {
		process = NewProcessService()
	}
	return &ExecutorService{
		process: process,
		base:    base.Copy(),
	}
}

func (s *ExecutorService) UsingScheduler() bool {
	return s.base.UsingScheduler()
}

// Context returns a copy of the configured execution context.
func (s *ExecutorService) Context() Context {
	return s.base.Copy()
}

func (s *ExecutorService) jobContext(req JobRequest) Context {
	ec := s.base.WithJob(req.JobName, req.LogFile(), !req.Parallel)
	if ec.Scheduler == nil {
		return ec
	}
	args := ec.Scheduler.Args()
	args.Threads = req.Threads
	args.MemoryMB = req.MemoryMB
	if len(req.DependsOn) > 0 {
		args.Wait = WaitCondition{
			Status: CompletedAny,
			JobIDs: append([]int(nil), req.DependsOn...),
		}
	}
	ec.Scheduler = ec.Scheduler.WithArgs(args)
	return ec
}

// ExecuteProcess runs the command built by c as a job described by req.
func (s *ExecutorService) ExecuteProcess(ctx context.Context, c Commander, req JobRequest) (Result, error) {
	return s.process.Execute(ctx, c, s.jobContext(req))
}

func (s *ExecutorService) ExecuteCommand(ctx context.Context, command string, req JobRequest) (Result, error) {
	return s.ExecuteProcess(ctx, Command(command), req)
}

// ExecuteScheduledWait blocks until all jobs of req reached req.Status.
func (s *ExecutorService) ExecuteScheduledWait(ctx context.Context, req WaitRequest) (Result, error) {
	if !s.UsingScheduler() {
		return Result{}, ErrNoScheduler
	}
	if len(req.JobIDs) == 0 && req.Expr == "" {
		return Result{}, errors.New("nothing to wait for")
	}
	job := JobRequest{OutputDir: req.OutputDir, JobName: req.JobName}
	ec := s.base.WithJob(job.JobName, job.LogFile(), true)
	cond := WaitCondition{
		Status: req.Status,
		JobIDs: append([]int(nil), req.JobIDs...),
		Expr:   req.Expr,
	}
	slog.DebugContext(ctx, "waiting for jobs", "job_name", req.JobName, "job_ids", req.JobIDs, "status", req.Status)
	return s.process.WaitFor(ctx, cond, ec)
}

// ExecuteJobArray dispatches a job array in background.
func (s *ExecutorService) ExecuteJobArray(ctx context.Context, req ArrayRequest) (Result, error) {
	if !s.UsingScheduler() {
		return Result{}, fmt.Errorf("job array %s: %w", req.JobName, ErrNoScheduler)
	}
	if err := req.Array.Validate(); err != nil {
		return Result{}, err
	}
	if !strings.Contains(req.Command, JobIndexPlaceholder) {
		slog.WarnContext(ctx, "job array command does not use the index", "job_name", req.JobName)
	}

	job := JobRequest{
		OutputDir: req.OutputDir,
		JobName:   req.JobName,
		Threads:   req.Threads,
		MemoryMB:  req.MemoryMB,
		Parallel:  true,
	}
	ec := s.jobContext(job)
	args := ec.Scheduler.Args()
	array := req.Array
	args.Array = &array
	ec.Scheduler = ec.Scheduler.WithArgs(args)

	command := strings.ReplaceAll(req.Command, JobIndexPlaceholder, ec.Scheduler.JobIndex())
	return s.process.ExecuteCommand(ctx, command, ec)
}

// KillJob asks the scheduler to terminate a dispatched job. A failed
// disconnect is reported like in ProcessService.Execute.
func (s *ExecutorService) KillJob(ctx context.Context, jobID int) (err error) {
	if !s.UsingScheduler() {
		return ErrNoScheduler
	}
	kill := s.base.Scheduler.KillCommand(jobID)
	ec := s.base.Copy()
	loc := ec.Locality
	if loc == nil {
		loc = NewLocal()
	}
	if err := loc.EstablishConnection(ctx); err != nil {
		return fmt.Errorf("killing job %d: %w", jobID, err)
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
				Err:      derr,
			}
		}
	}()
	out, err := loc.Run(ctx, kill)
	if err != nil {
		return fmt.Errorf("killing job %d: %w", jobID, err)
	}
	if out.ExitCode != 0 {
		return &ProcessExecutionError{
			ExitCode: out.ExitCode,
			Msg:      fmt.Sprintf("could not kill job %d", jobID),
			Output:   out.Lines,
		}
	}
	return nil
}
