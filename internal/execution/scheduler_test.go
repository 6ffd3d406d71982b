package execution_test

import (
	"testing"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLSF(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{})
		require.Equal(t, `bsub 'sleep 50 2>&1'`, lsf.SubmitCommand("sleep 50 2>&1", false))
		require.Equal(t, `bsub -K 'sleep 50 2>&1'`, lsf.SubmitCommand("sleep 50 2>&1", true))
	})

	t.Run("full", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{
			JobName:   "task-1-load",
			Queue:     "production",
			Project:   "atlas",
			Threads:   8,
			MemoryMB:  60000,
			OpenMPI:   true,
			ExtraArgs: []string{"-R select[gpu]", "-x"},
			LogFile:   "/out/task-1-load.log",
			Wait:      execution.WaitCondition{Status: execution.CompletedAny, JobIDs: []int{1, 2}},
		})
		require.Equal(t,
			`bsub -J task-1-load -q production -oo /out/task-1-load.log -w 'ended(1) && ended(2)' -n 8 -P atlas -a openmpi -x -R 'rusage[mem=60000] select[gpu] span[ptile=8]' 'load it'`,
			lsf.SubmitCommand("load it", false))
	})

	t.Run("array", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{
			JobName: "split",
			LogFile: "/out/split.log",
			Array:   &execution.ArrayArgs{Min: 1, Max: 10, Step: 2, MaxSimultaneous: 3},
		})
		require.Equal(t,
			`bsub -J 'split[1-10:2]%3' -oo /out/split.log.%I 'run $LSB_JOBINDEX'`,
			lsf.SubmitCommand("run "+lsf.JobIndex(), false))
	})

	t.Run("wait", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{Queue: "q"})
		cmd := lsf.WaitCommand(execution.WaitCondition{Status: execution.CompletedSuccess, Expr: "WAIT"})
		require.Equal(t, `bsub -K -w 'done(WAIT)' -q q 'sleep 1 2>&1'`, cmd)
	})

	t.Run("kill and job id", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{})
		require.Equal(t, "bkill 123", lsf.KillCommand(123))
		id, err := lsf.ParseJobID([]string{"Job <4711> is submitted to queue <normal>."})
		require.NoError(t, err)
		require.Equal(t, 4711, id)
		_, err = lsf.ParseJobID([]string{"Request aborted by esub."})
		require.ErrorIs(t, err, execution.ErrNoJobID)
	})

	t.Run("quoting", func(t *testing.T) {
		lsf := execution.NewLSF(execution.Args{})
		require.Equal(t, `bsub 'echo '\''hi'\'''`, lsf.SubmitCommand("echo 'hi'", false))
	})
}

func TestPBS(t *testing.T) {
	t.Parallel()

	t.Run("plain", func(t *testing.T) {
		pbs := execution.NewPBS(execution.Args{})
		require.Equal(t, `echo 'sleep 50 2>&1' | qsub -V -W block=true`, pbs.SubmitCommand("sleep 50 2>&1", true))
		require.Equal(t, `echo 'sleep 50 2>&1' | qsub -V`, pbs.SubmitCommand("sleep 50 2>&1", false))
	})

	t.Run("full", func(t *testing.T) {
		pbs := execution.NewPBS(execution.Args{
			JobName:  "Job1",
			Queue:    "production",
			Project:  "ProjectRampart",
			Threads:  8,
			MemoryMB: 60000,
			Wait:     execution.WaitCondition{Status: execution.CompletedAny, Expr: "Job0"},
		})
		require.Equal(t,
			`echo 'x' | qsub -V -N Job1 -q production -P ProjectRampart -W block=true,depend=afterany:Job0 -l select=1:ncpus=8:mem=60G`,
			pbs.SubmitCommand("x", true))
	})

	t.Run("long job name", func(t *testing.T) {
		pbs := execution.NewPBS(execution.Args{JobName: "task-0123456789-validate"})
		require.Equal(t, `echo 'x' | qsub -V -N task-01validate`, pbs.SubmitCommand("x", false))
	})

	t.Run("wait", func(t *testing.T) {
		pbs := execution.NewPBS(execution.Args{})
		cmd := pbs.WaitCommand(execution.WaitCondition{Status: execution.CompletedSuccess, JobIDs: []int{1001}})
		require.Equal(t, `echo 'sleep 1 2>&1' | qsub -W block=true,depend=afterok:1001`, cmd)
		require.Equal(t, "afternotok:1:2", pbs.Condition(execution.WaitCondition{Status: execution.CompletedFailed, JobIDs: []int{1, 2}}))
	})

	t.Run("kill and job id", func(t *testing.T) {
		pbs := execution.NewPBS(execution.Args{})
		require.Equal(t, "qdel 12", pbs.KillCommand(12))
		id, err := pbs.ParseJobID([]string{"4176.UV00000010-P002"})
		require.NoError(t, err)
		require.Equal(t, 4176, id)
		id, err = pbs.ParseJobID([]string{"", "77[].server"})
		require.NoError(t, err)
		require.Equal(t, 77, id)
		_, err = pbs.ParseJobID([]string{"qsub: Unknown queue"})
		require.ErrorIs(t, err, execution.ErrNoJobID)
	})
}

func TestNewScheduler(t *testing.T) {
	t.Parallel()
	s, err := execution.NewScheduler(nil)
	require.NoError(t, err)
	require.Nil(t, s)

	s, err = execution.NewScheduler(&model.Scheduler{Type: model.SchedulerPBS, Queue: "q"})
	require.NoError(t, err)
	require.Equal(t, "PBS", s.Name())
	require.Equal(t, "q", s.Args().Queue)

	_, err = execution.NewScheduler(&model.Scheduler{Type: "slurm"})
	require.Error(t, err)
}

func TestArgsCopy(t *testing.T) {
	t.Parallel()
	args := execution.Args{
		ExtraArgs: []string{"-x"},
		Wait:      execution.WaitCondition{JobIDs: []int{1}},
		Array:     &execution.ArrayArgs{Max: 2},
	}
	cp := args.Copy()
	cp.ExtraArgs[0] = "-y"
	cp.Wait.JobIDs[0] = 2
	cp.Array.Max = 3
	require.Equal(t, "-x", args.ExtraArgs[0])
	require.Equal(t, 1, args.Wait.JobIDs[0])
	require.Equal(t, 2, args.Array.Max)
}
