package execution_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/stretchr/testify/require"
)

func TestExecutorService_Scheduler(t *testing.T) {
	t.Parallel()

	t.Run("parallel process returns job id", func(t *testing.T) {
		loc := &fakeLocality{reply: lsfReply("123")}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewLSF(execution.Args{Queue: "production"}),
		})
		res, err := es.ExecuteProcess(t.Context(), execution.Command("load E-GEOD-1"), execution.JobRequest{
			OutputDir: "/out",
			JobName:   "job1",
			Threads:   4,
			MemoryMB:  8000,
			Parallel:  true,
		})
		require.NoError(t, err)
		require.Equal(t, 123, res.JobID)
		require.Equal(t, "/out/job1.log", res.LogFile)
		require.Equal(t,
			`bsub -J job1 -q production -oo /out/job1.log -n 4 -R 'rusage[mem=8000] span[ptile=4]' 'load E-GEOD-1'`,
			loc.Commands()[0])
	})

	t.Run("dependencies", func(t *testing.T) {
		loc := &fakeLocality{reply: lsfReply("5")}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewPBS(execution.Args{}),
		})
		_, err := es.ExecuteCommand(t.Context(), "merge", execution.JobRequest{
			OutputDir: "/out",
			JobName:   "merge",
			DependsOn: []int{1, 2},
		})
		require.NoError(t, err)
		require.Equal(t,
			`echo 'merge' | qsub -V -N merge -o /out/merge.log -j oe -W block=true,depend=afterany:1:2`,
			loc.Commands()[0])
	})

	t.Run("scheduled wait", func(t *testing.T) {
		loc := &fakeLocality{reply: lsfReply("124")}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewLSF(execution.Args{}),
		})
		_, err := es.ExecuteScheduledWait(t.Context(), execution.WaitRequest{
			JobIDs:    []int{123},
			Status:    execution.CompletedSuccess,
			JobName:   "waiter",
			OutputDir: "/out",
		})
		require.NoError(t, err)
		require.Equal(t,
			`bsub -K -J waiter -oo /out/waiter.log -w 'done(123)' 'sleep 1 2>&1'`,
			loc.Commands()[0])
	})

	t.Run("job array", func(t *testing.T) {
		loc := &fakeLocality{reply: lsfReply("300")}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewLSF(execution.Args{}),
		})
		res, err := es.ExecuteJobArray(t.Context(), execution.ArrayRequest{
			Command:   "split chunk." + execution.JobIndexPlaceholder,
			OutputDir: "/out",
			JobName:   "split",
			Array:     execution.ArrayArgs{Min: 1, Max: 4},
		})
		require.NoError(t, err)
		require.Equal(t, 300, res.JobID)
		cmd := loc.Commands()[0]
		require.True(t, strings.HasSuffix(cmd, `'split chunk.$LSB_JOBINDEX'`), cmd)
		require.Contains(t, cmd, `-J 'split[1-4]'`)
		require.NotContains(t, cmd, "-K")
	})

	t.Run("kill", func(t *testing.T) {
		loc := &fakeLocality{}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewPBS(execution.Args{}),
		})
		require.NoError(t, es.KillJob(t.Context(), 42))
		require.Equal(t, []string{"qdel 42"}, loc.Commands())
	})

	t.Run("kill disconnect failure", func(t *testing.T) {
		loc := &fakeLocality{disconnectErr: errors.New("broken pipe")}
		es := execution.NewExecutorService(nil, execution.Context{
			Locality:  loc,
			Scheduler: execution.NewLSF(execution.Args{}),
		})
		err := es.KillJob(t.Context(), 7)
		var pe *execution.ProcessExecutionError
		require.ErrorAs(t, err, &pe)
		require.Equal(t, execution.ExitConnection, pe.ExitCode)
		require.Equal(t, []string{"bkill 7"}, loc.Commands())
		require.Equal(t, 1, loc.disconnected)
	})
}

func TestExecutorService_NoScheduler(t *testing.T) {
	t.Parallel()
	es := execution.NewExecutorService(nil, execution.Context{Locality: &fakeLocality{}})

	_, err := es.ExecuteScheduledWait(t.Context(), execution.WaitRequest{JobIDs: []int{1}})
	require.ErrorIs(t, err, execution.ErrNoScheduler)

	_, err = es.ExecuteJobArray(t.Context(), execution.ArrayRequest{Command: "x", Array: execution.ArrayArgs{Max: 1}})
	require.ErrorIs(t, err, execution.ErrNoScheduler)

	_, err = es.ExecuteCommand(t.Context(), "x", execution.JobRequest{JobName: "bg", Parallel: true})
	require.ErrorIs(t, err, execution.ErrBackgroundUnsupported)

	require.ErrorIs(t, es.KillJob(context.Background(), 1), execution.ErrNoScheduler)
}
