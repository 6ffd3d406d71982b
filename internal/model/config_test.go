package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  log: stderr
  store: /tmp/conan.db
submission:
  parallel_jobs: 2
  cooling_off: PT5S
execution:
  output_dir: /data/out
  locality:
    type: ssh
    host: login.cluster
    user: conan
  scheduler:
    type: lsf
    queue: production
processes:
  - name: validate
    command: validate {{.accession}}
    parameters:
      - name: accession
        pattern: "^E-[A-Z]+-[0-9]+$"
  - name: load
    command: load {{.accession}}
    threads: 4
    memory_mb: 8000
pipelines:
  - name: Load
    creator: admin
    daemonized: true
    processes: [validate, load]
users:
  - name: admin
    permission: administrator
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, model.LogStderr, cfg.Service.Log)
	require.False(t, cfg.Service.Verbose)
	require.Equal(t, 2, cfg.Submission.ParallelJobs)
	require.Equal(t, "PT5S", cfg.Submission.CoolingOff)
	require.Equal(t, "PT1S", cfg.Submission.Poll)

	require.Equal(t, model.DefaultBatchSize, cfg.Daemon.BatchSize)
	require.Equal(t, model.DefaultDaemonUser, cfg.Daemon.User)
	require.Equal(t, "PT1H", cfg.Daemon.Poll)

	require.Equal(t, model.LocalitySSH, cfg.Execution.Locality.Type)
	require.Equal(t, 22, cfg.Execution.Locality.Port)
	require.NotNil(t, cfg.Execution.Scheduler)
	require.Equal(t, model.SchedulerLSF, cfg.Execution.Scheduler.Type)
	require.Equal(t, "production", cfg.Execution.Scheduler.Queue)

	require.Len(t, cfg.Processes, 2)
	require.Equal(t, 1, cfg.Processes[0].Threads)
	require.Equal(t, 4, cfg.Processes[1].Threads)
	require.Equal(t, 8000, cfg.Processes[1].MemoryMB)
	require.Len(t, cfg.Pipelines, 1)
	require.True(t, cfg.Pipelines[0].Daemonized)
	require.Equal(t, []string{"validate", "load"}, cfg.Pipelines[0].Processes)
	require.Equal(t, "administrator", cfg.Users[0].Permission)

	d, err := cfg.ParseDurations()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, d.CoolingOff)
	require.Equal(t, 5*time.Second, d.QueuePoll)
	require.Equal(t, time.Hour, d.DaemonPoll)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
		path     string
	}{
		{
			scenario: "ssh without host",
			yml: `
version: 0
execution:
  locality:
    type: ssh
    user: conan
`,
			path: "execution.locality.host",
		},
		{
			scenario: "unknown scheduler",
			yml: `
version: 0
execution:
  locality:
    type: local
  scheduler:
    type: slurm
`,
			path: "execution.scheduler.type",
		},
		{
			scenario: "bad duration",
			yml: `
version: 0
submission:
  cooling_off: 10s
execution:
  locality: {}
`,
			path: "submission.cooling_off",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.path)
		})
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig(t.Context())
	d, err := cfg.ParseDurations()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, d.CoolingOff)
	require.Equal(t, 30*time.Second, d.ShutdownTimeout)
	require.Equal(t, 4, cfg.Submission.ParallelJobs)
}
