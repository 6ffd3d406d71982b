package pipeline_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/stretchr/testify/require"
)

type fakeExecutor struct {
	mx        sync.Mutex
	scheduler bool
	commands  []string
	requests  []execution.JobRequest
	waits     []execution.WaitRequest
	killed    []int
	result    execution.Result
	err       error
	waitFn    func(ctx context.Context) error
}

func (f *fakeExecutor) UsingScheduler() bool { return f.scheduler }

func (f *fakeExecutor) ExecuteProcess(_ context.Context, c execution.Commander, req execution.JobRequest) (execution.Result, error) {
	cmd, err := c.Command()
	if err != nil {
		return execution.Result{}, err
	}
	f.mx.Lock()
	defer f.mx.Unlock()
	f.commands = append(f.commands, cmd)
	f.requests = append(f.requests, req)
	return f.result, f.err
}

func (f *fakeExecutor) ExecuteScheduledWait(ctx context.Context, req execution.WaitRequest) (execution.Result, error) {
	f.mx.Lock()
	f.waits = append(f.waits, req)
	f.mx.Unlock()
	if f.waitFn != nil {
		return execution.Result{}, f.waitFn(ctx)
	}
	return execution.Result{}, nil
}

func (f *fakeExecutor) KillJob(_ context.Context, jobID int) error {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.killed = append(f.killed, jobID)
	return nil
}

func TestCommandProcess(t *testing.T) {
	t.Parallel()

	defs := []model.Process{
		{
			Name:       "load",
			Command:    "load --acc {{.accession}}",
			Parameters: []model.Parameter{{Name: "accession", Pattern: `^E-`}},
			Threads:    4,
			MemoryMB:   8000,
		},
		{
			Name:           "publish",
			Command:        "publish {{.accession}}",
			Parameters:     []model.Parameter{{Name: "accession"}},
			Parallel:       true,
			NonRecoverable: true,
		},
	}

	t.Run("foreground", func(t *testing.T) {
		t.Parallel()
		ex := &fakeExecutor{}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("load")
		require.NoError(t, err)
		require.True(t, pipeline.IsRecoverable(p))

		ctx := pipeline.WithRun(t.Context(), pipeline.Run{TaskID: "1", TaskName: "E-GEOD-1"})
		ok, err := p.Execute(ctx, pipeline.Values{"accession": "E-GEOD-1"})
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []string{"load --acc E-GEOD-1"}, ex.commands)
		require.Equal(t, execution.JobRequest{
			OutputDir: "/out/E-GEOD-1",
			JobName:   "E-GEOD-1-load",
			Threads:   4,
			MemoryMB:  8000,
		}, ex.requests[0])
		require.Empty(t, ex.waits)
	})

	t.Run("invalid value", func(t *testing.T) {
		t.Parallel()
		ex := &fakeExecutor{}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("load")
		require.NoError(t, err)
		_, err = p.Execute(t.Context(), pipeline.Values{"accession": "GSE1"})
		require.ErrorIs(t, err, pipeline.ErrInvalidValue)
		_, err = p.Execute(t.Context(), pipeline.Values{})
		require.ErrorIs(t, err, pipeline.ErrMissingValue)
		require.Empty(t, ex.commands)
	})

	t.Run("execution failure", func(t *testing.T) {
		t.Parallel()
		ex := &fakeExecutor{err: &execution.ProcessExecutionError{ExitCode: 1, Msg: "disk full"}}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("load")
		require.NoError(t, err)
		ok, err := p.Execute(t.Context(), pipeline.Values{"accession": "E-1"})
		require.False(t, ok)
		var pe *execution.ProcessExecutionError
		require.ErrorAs(t, err, &pe)
	})

	t.Run("parallel waits for the job", func(t *testing.T) {
		t.Parallel()
		ex := &fakeExecutor{scheduler: true, result: execution.Result{JobID: 123}}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("publish")
		require.NoError(t, err)
		require.False(t, pipeline.IsRecoverable(p))

		ok, err := p.Execute(t.Context(), pipeline.Values{"accession": "E-1"})
		require.NoError(t, err)
		require.True(t, ok)
		require.True(t, ex.requests[0].Parallel)
		require.Len(t, ex.waits, 1)
		require.Equal(t, []int{123}, ex.waits[0].JobIDs)
		require.Equal(t, execution.CompletedSuccess, ex.waits[0].Status)
	})

	t.Run("parallel without scheduler runs in foreground", func(t *testing.T) {
		t.Parallel()
		ex := &fakeExecutor{}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("publish")
		require.NoError(t, err)
		_, err = p.Execute(t.Context(), pipeline.Values{"accession": "E-1"})
		require.NoError(t, err)
		require.False(t, ex.requests[0].Parallel)
		require.Empty(t, ex.waits)
	})

	t.Run("interrupted wait kills the job", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(t.Context())
		ex := &fakeExecutor{
			scheduler: true,
			result:    execution.Result{JobID: 77},
			waitFn: func(ctx context.Context) error {
				cancel()
				<-ctx.Done()
				return errors.New("wait aborted")
			},
		}
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, defs, ex, "/out"))
		p, err := reg.Process("publish")
		require.NoError(t, err)
		_, err = p.Execute(ctx, pipeline.Values{"accession": "E-1"})
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, []int{77}, ex.killed)
	})

	t.Run("bad template", func(t *testing.T) {
		t.Parallel()
		reg := pipeline.NewRegistry()
		require.NoError(t, pipeline.RegisterCommandProcesses(reg, []model.Process{{Name: "x", Command: "{{"}}, &fakeExecutor{}, "/out"))
		_, err := reg.Process("x")
		require.Error(t, err)
	})
}
