package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	gocron "github.com/go-co-op/gocron/v2"
	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Conan/internal/daemon"
	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/metrics"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/notify"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/store"
	"github.com/CZERTAINLY/Conan/internal/submission"
	"github.com/CZERTAINLY/Conan/internal/task"
)

const (
	metricsShutdownTimeout = 5 * time.Second
	defaultQueuePoll       = 5 * time.Second
)

// Supervisor owns every component of a conan instance, built from a
// single Config.
type Supervisor struct {
	cfg        model.Config
	db         *sql.DB
	store      *store.Store
	pipelines  *pipeline.Service
	tasks      *task.Service
	submission *submission.Service
	daemon     *daemon.Service
	metrics    *metrics.Metrics
	scheduler  gocron.Scheduler
	server     *http.Server
	queuePoll  time.Duration
}

func NewSupervisor(ctx context.Context, cfg model.Config) (*Supervisor, error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	durations, err := cfg.ParseDurations()
	if err != nil {
		return nil, err
	}

	s := &Supervisor{cfg: cfg, queuePoll: durations.QueuePoll}
	if s.queuePoll <= 0 {
		s.queuePoll = defaultQueuePoll
	}
	if cfg.Service.Metrics != nil && cfg.Service.Metrics.Enabled {
		s.metrics = metrics.New()
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		s.server = &http.Server{
			Addr:              cfg.Service.Metrics.Listen,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	s.db, err = store.InitDB(ctx, cfg.Service.Store)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}
	sink := notifier(cfg.Notification)
	taskListeners := []task.Listener{notify.TaskListener(sink)}
	if s.metrics != nil {
		taskListeners = append(taskListeners, s.metrics)
	}
	s.store = store.New(s.db, store.PipelineLookupFunc(func(ctx context.Context, name string) (*pipeline.Pipeline, error) {
		return s.pipelines.Lookup(ctx, name)
	}), taskListeners...)
	if err := s.store.SyncUsers(ctx, cfg.Users); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("storing users: %w", err)
	}

	s.submission = submission.New(submission.Config{
		ParallelJobs:    cfg.Submission.ParallelJobs,
		CoolingOff:      durations.CoolingOff,
		Poll:            durations.SubmissionPoll,
		ShutdownTimeout: durations.ShutdownTimeout,
	}, s.store, s.metrics)
	s.tasks = task.NewService(s.store, s.submission, append([]task.Listener{store.Writer(s.store)}, taskListeners...)...)

	sched, err := execution.NewScheduler(cfg.Execution.Scheduler)
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}
	loc := locality(cfg.Execution.Locality)
	executor := execution.NewExecutorService(execution.NewProcessService(), execution.Context{
		Locality:  loc,
		Scheduler: sched,
	})
	registry := pipeline.NewRegistry()
	if err := pipeline.RegisterCommandProcesses(registry, cfg.Processes, executor, cfg.Execution.OutputDir); err != nil {
		_ = s.db.Close()
		return nil, err
	}

	providers, err := daemon.NewProviders(cfg.Daemon.Inputs, loc)
	if err != nil {
		_ = s.db.Close()
		return nil, err
	}
	s.daemon = daemon.New(daemon.Config{
		Poll:      durations.DaemonPoll,
		BatchSize: cfg.Daemon.BatchSize,
		User:      cfg.Daemon.User,
		Email:     cfg.Daemon.Email,
	}, s.tasks, s.submission, s.store, providers, sink, s.metrics)
	s.pipelines = pipeline.NewService(pipeline.NewConfigDAO(cfg.Pipelines, registry, s.store), s.daemon, cfg.Service.PipelineOrder)

	if cfg.Daemon.Cron != "" {
		s.scheduler, err = newScheduler(ctx, cfg.Daemon.Cron, func() {
			if err := s.daemon.PollNow(); err != nil {
				slog.DebugContext(ctx, "scheduled daemon poll skipped", "error", err)
			}
		})
		if err != nil {
			_ = s.db.Close()
			return nil, fmt.Errorf("daemon cron failed: %w", err)
		}
	}
	return s, nil
}

func locality(cfg model.Locality) execution.Locality {
	if cfg.Type == model.LocalitySSH {
		return execution.NewRemote(cfg)
	}
	return execution.NewLocal()
}

func notifier(cfg *model.Notification) notify.Sink {
	sinks := notify.Multi{notify.LogSink{}}
	if cfg != nil && cfg.SMTP != nil {
		sinks = append(sinks, notify.NewMail(*cfg.SMTP))
	}
	return sinks
}

// Do runs the service until ctx is canceled.
//
// Startup: loads pipelines (registering daemonized ones), recovers tasks
// left by the previous run, starts the daemon if enabled, the cron trigger
// and the metrics endpoint.
// Shutdown (deferred order): cron -> daemon -> submission.
func (s *Supervisor) Do(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")

	if _, err := s.pipelines.Pipelines(ctx, admin); err != nil {
		return err
	}
	if err := s.submission.Init(ctx); err != nil {
		return fmt.Errorf("recovering tasks: %w", err)
	}
	defer func() {
		if err := s.submission.Close(context.WithoutCancel(ctx)); err != nil {
			slog.ErrorContext(ctx, "closing submission service has failed", "error", err)
		}
	}()

	g, ctx := errgroup.WithContext(ctx)
	if s.cfg.Daemon.Enabled {
		s.daemon.Start(ctx)
		defer s.daemon.Shutdown(context.WithoutCancel(ctx))
	}

	if s.scheduler != nil {
		s.scheduler.Start()
		defer func() {
			err := s.scheduler.Shutdown()
			if err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	if s.server != nil {
		g.Go(func() error {
			slog.InfoContext(ctx, "serving metrics", "listen", s.server.Addr)
			err := s.server.ListenAndServe()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metricsShutdownTimeout)
			defer cancel()
			return s.server.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		s.submitQueued(ctx)
		return nil
	})
	return g.Wait()
}

// submitQueued hands tasks queued by other conan processes to the
// submission service until ctx is canceled.
func (s *Supervisor) submitQueued(ctx context.Context) {
	for {
		tasks, err := s.store.ClaimQueuedTasks(ctx)
		if err != nil && ctx.Err() == nil {
			slog.ErrorContext(ctx, "loading queued tasks failed", "error", err)
		}
		for _, t := range tasks {
			// a rejected task is aborted and stored as such
			if err := s.submission.SubmitTask(ctx, t); err != nil {
				slog.WarnContext(ctx, "queued task not submitted", "task", t.ID(), "error", err)
			}
		}

		timer := time.NewTimer(s.queuePoll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Close releases the store. It must be called after Do returned.
func (s *Supervisor) Close() error {
	return s.db.Close()
}

var admin = model.User{Name: "conan", Permission: model.PermissionAdministrator}

// User returns the named user, an empty name means the built in
// administrator used by the command line.
func (s *Supervisor) User(ctx context.Context, name string) (model.User, error) {
	if name == "" {
		return admin, nil
	}
	return s.store.UserByName(ctx, name)
}

func (s *Supervisor) Pipelines(ctx context.Context, user model.User) ([]*pipeline.Pipeline, error) {
	return s.pipelines.Pipelines(ctx, user)
}

func (s *Supervisor) Tasks(ctx context.Context, f task.Filter, key task.SortKey) ([]*task.Task, error) {
	return s.tasks.ListTasks(ctx, f, key)
}

func (s *Supervisor) Daemon() *daemon.Service {
	return s.daemon
}

// RunTask creates a task and executes it in the foreground, without the
// cooling-off period and the parallelism limit.
func (s *Supervisor) RunTask(ctx context.Context, user model.User, pipelineName string, first int, values pipeline.Values, priority task.Priority) (*task.Task, error) {
	p, err := s.pipelines.Pipeline(ctx, user, pipelineName)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.CreateNewTask(ctx, p, first, values, priority, user)
	if err != nil {
		return nil, err
	}
	if !t.Submit(ctx) {
		return t, fmt.Errorf("task %s: %w", t.ID(), task.ErrInvalidState)
	}
	return t, t.Execute(ctx)
}

// Queue creates a task and leaves it to a running service, which submits
// it to its submission service: duplicates of tasks in flight are
// rejected, the cooling-off period and the parallelism limit apply.
func (s *Supervisor) Queue(ctx context.Context, user model.User, pipelineName string, first int, values pipeline.Values, priority task.Priority) (*task.Task, error) {
	p, err := s.pipelines.Pipeline(ctx, user, pipelineName)
	if err != nil {
		return nil, err
	}
	t, err := s.tasks.CreateNewTask(ctx, p, first, values, priority, user)
	if err != nil {
		return nil, err
	}
	if err := s.store.QueueTask(ctx, t.ID()); err != nil {
		return t, err
	}
	slog.InfoContext(ctx, "task queued", "task", t.ID(), "name", t.Name())
	return t, nil
}
