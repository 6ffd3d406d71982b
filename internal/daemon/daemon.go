package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Conan/internal/log"
	"github.com/CZERTAINLY/Conan/internal/metrics"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/notify"
	"github.com/CZERTAINLY/Conan/internal/parallel"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/task"
)

const (
	MaxBatchSize        = 250
	DefaultPollInterval = time.Hour
)

var (
	ErrNotSingleParameter = errors.New("only single parameter pipelines can be daemonized")
	ErrNotRunning         = errors.New("daemon is not running")
)

type TaskCreator interface {
	CreateNewTask(ctx context.Context, p *pipeline.Pipeline, first int, values pipeline.Values, priority task.Priority, submitter model.User) (*task.Task, error)
}

type Submitter interface {
	SubmitTask(ctx context.Context, t *task.Task) error
}

type Users interface {
	UserByName(ctx context.Context, name string) (model.User, error)
	CreateUser(ctx context.Context, u model.User) (model.User, error)
	UpdateEmail(ctx context.Context, name, email string) error
}

type Config struct {
	Poll      time.Duration
	BatchSize int
	User      string
	Email     string // used when the daemon user is created
}

// Service polls input providers and submits a task for every new value to
// each daemonized pipeline. Tasks are owned by the daemon user.
type Service struct {
	cfg       Config
	tasks     TaskCreator
	submitter Submitter
	users     Users
	providers []InputProvider
	sink      notify.Sink
	metrics   *metrics.Metrics

	mx        sync.Mutex
	pipelines []*pipeline.Pipeline
	enabled   bool
	cancel    context.CancelFunc
	done      chan struct{}
	trigger   chan struct{}
}

func New(cfg Config, tasks TaskCreator, submitter Submitter, users Users, providers []InputProvider, sink notify.Sink, m *metrics.Metrics) *Service {
	if cfg.Poll <= 0 {
		cfg.Poll = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 || cfg.BatchSize > MaxBatchSize {
		cfg.BatchSize = MaxBatchSize
	}
	if cfg.User == "" {
		cfg.User = model.DefaultDaemonUser
	}
	if sink == nil {
		sink = notify.LogSink{}
	}
	return &Service{
		cfg:       cfg,
		tasks:     tasks,
		submitter: submitter,
		users:     users,
		providers: providers,
		sink:      sink,
		metrics:   m,
		trigger:   make(chan struct{}, 1),
	}
}

// AddPipeline registers a pipeline for daemon mode. Only pipelines
// requiring exactly one parameter are accepted.
func (s *Service) AddPipeline(ctx context.Context, p *pipeline.Pipeline) error {
	if n := len(p.AllRequiredParameters()); n != 1 {
		err := fmt.Errorf("pipeline %q requires %d parameters: %w", p.Name(), n, ErrNotSingleParameter)
		slog.ErrorContext(ctx, "pipeline not daemonized", "pipeline", p.Name(), "error", err)
		return err
	}
	s.mx.Lock()
	defer s.mx.Unlock()
	if slices.ContainsFunc(s.pipelines, func(o *pipeline.Pipeline) bool { return o.Name() == p.Name() }) {
		return nil
	}
	s.pipelines = append(s.pipelines, p)
	return nil
}

func (s *Service) RemovePipeline(name string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	n := len(s.pipelines)
	s.pipelines = slices.DeleteFunc(s.pipelines, func(p *pipeline.Pipeline) bool { return p.Name() == name })
	return len(s.pipelines) != n
}

func (s *Service) Pipelines() []*pipeline.Pipeline {
	s.mx.Lock()
	defer s.mx.Unlock()
	return slices.Clone(s.pipelines)
}

func (s *Service) IsRunning() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.enabled
}

// Start enables the daemon. The first poll happens immediately. Canceling
// ctx disables the daemon.
func (s *Service) Start(ctx context.Context) {
	s.mx.Lock()
	if s.enabled {
		s.mx.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.enabled = true
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mx.Unlock()

	slog.InfoContext(ctx, "daemon mode enabled", "poll", s.cfg.Poll)
	s.toggled(ctx, true)
	go s.loop(ctx, done)
}

// Stop disables the daemon and waits for the poll in progress to end. The
// daemon can be started again.
func (s *Service) Stop(ctx context.Context) {
	if s.shutdown() {
		slog.InfoContext(ctx, "daemon mode disabled")
		s.toggled(ctx, false)
	}
}

// Shutdown stops the daemon without notifications.
func (s *Service) Shutdown(ctx context.Context) {
	if s.shutdown() {
		slog.DebugContext(ctx, "daemon shut down")
	}
}

func (s *Service) shutdown() bool {
	s.mx.Lock()
	if !s.enabled {
		s.mx.Unlock()
		return false
	}
	s.enabled = false
	cancel, done := s.cancel, s.done
	s.mx.Unlock()

	cancel()
	<-done
	return true
}

// PollNow asks a running daemon for an extra poll cycle.
func (s *Service) PollNow() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	select {
	case s.trigger <- struct{}{}:
	default:
		// a poll is pending already
	}
	return nil
}

func (s *Service) toggled(ctx context.Context, enabled bool) {
	err := s.sink.Notify(ctx, notify.Event{
		Type:    notify.DaemonToggled,
		Time:    time.Now(),
		Enabled: enabled,
	})
	if err != nil {
		slog.WarnContext(ctx, "notification failed", "error", err)
	}
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		s.Poll(ctx)

		timer := time.NewTimer(s.cfg.Poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.mx.Lock()
			// an interrupted wait disables the daemon
			if s.done == done {
				s.enabled = false
			}
			s.mx.Unlock()
			return
		case <-timer.C:
		case <-s.trigger:
			timer.Stop()
		}
	}
}

// Poll runs a single poll cycle over all daemonized pipelines.
func (s *Service) Poll(ctx context.Context) {
	s.metrics.Polled()
	user, err := s.DaemonUser(ctx)
	if err != nil {
		slog.WarnContext(ctx, "daemon user not available, no submissions can be created", "error", err)
		return
	}
	if !user.Can(model.PermissionSubmitter) {
		slog.WarnContext(ctx, "daemon user does not have permission to create new tasks", "permission", user.Permission.String())
		return
	}

	for _, p := range s.Pipelines() {
		if ctx.Err() != nil {
			return
		}
		pctx := log.ContextAttrs(ctx, slog.String("pipeline", p.Name()))
		s.submitNewTasks(pctx, s.createNewTasks(pctx, p, user))
	}
}

type created struct {
	task     *task.Task
	value    string
	provider InputProvider
}

// createNewTasks makes at most Config.BatchSize tasks from the values of
// the providers matching the single parameter of p.
func (s *Service) createNewTasks(ctx context.Context, p *pipeline.Pipeline, user model.User) []created {
	param := p.AllRequiredParameters()[0]
	var matching []InputProvider
	for _, prov := range s.providers {
		if prov.ParameterType() == param.Name {
			matching = append(matching, prov)
		}
	}
	if len(matching) == 0 {
		slog.DebugContext(ctx, "no input provider", "parameter", param.Name)
		return nil
	}

	results := parallel.Map(ctx, len(matching), matching, func(ctx context.Context, prov InputProvider) ([]string, error) {
		return prov.ParameterValues(ctx)
	})

	var out []created
	for i, r := range results {
		prov := matching[i]
		if r.Err != nil {
			slog.WarnContext(ctx, "polling input provider failed", "provider", prov.Name(), "error", r.Err)
			continue
		}
		slog.DebugContext(ctx, "daemon inputs available", "provider", prov.Name(), "count", len(r.Value))
		for _, v := range r.Value {
			if len(out) >= s.cfg.BatchSize {
				slog.WarnContext(ctx, "daemon batch size exceeded, remaining inputs wait for the next poll", "batch_size", s.cfg.BatchSize)
				return out
			}
			t, err := s.tasks.CreateNewTask(ctx, p, 0, pipeline.Values{param.Name: v}, task.Low, user)
			if err != nil {
				slog.WarnContext(ctx, "could not create task", "value", v, "error", err)
				continue
			}
			out = append(out, created{task: t, value: v, provider: prov})
		}
	}
	return out
}

func (s *Service) submitNewTasks(ctx context.Context, tasks []created) {
	for _, c := range tasks {
		if err := s.submitter.SubmitTask(ctx, c.task); err != nil {
			slog.WarnContext(ctx, "task could not be submitted by daemon mode and will be skipped", "task", c.task.ID(), "error", err)
			continue
		}
		s.metrics.DaemonCreated(c.task.Pipeline().Name())
		if ack, ok := c.provider.(Acknowledger); ok {
			if err := ack.Acknowledge(ctx, c.value); err != nil {
				slog.WarnContext(ctx, "acknowledging input failed", "provider", c.provider.Name(), "value", c.value, "error", err)
			}
		}
	}
}

// DaemonUser returns the owner of daemon tasks, creating it on first use.
func (s *Service) DaemonUser(ctx context.Context) (model.User, error) {
	u, err := s.users.UserByName(ctx, s.cfg.User)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.User{}, err
	}
	slog.WarnContext(ctx, "no daemon user found, a new one is created", "user", s.cfg.User)
	return s.users.CreateUser(ctx, model.User{
		Name:       s.cfg.User,
		LastName:   "Daemon",
		Email:      s.cfg.Email,
		Permission: model.PermissionSubmitter,
	})
}

// SetNotificationEmailAddress changes the email of the daemon user.
func (s *Service) SetNotificationEmailAddress(ctx context.Context, email string) error {
	u, err := s.DaemonUser(ctx)
	if err != nil {
		return err
	}
	if err := s.users.UpdateEmail(ctx, u.Name, email); err != nil {
		return err
	}
	u.Email = email
	err = s.sink.Notify(ctx, notify.Event{
		Type:      notify.DaemonOwnerChanged,
		Time:      time.Now(),
		Recipient: u,
		Message:   "daemon notifications are sent to " + email,
	})
	if err != nil {
		slog.WarnContext(ctx, "notification failed", "error", err)
	}
	return nil
}
