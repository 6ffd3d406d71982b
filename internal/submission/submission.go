package submission

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Conan/internal/log"
	"github.com/CZERTAINLY/Conan/internal/metrics"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
	"github.com/CZERTAINLY/Conan/internal/task"
	"golang.org/x/sync/semaphore"
)

var (
	ErrDuplicate        = errors.New("task with the same parameters is executing")
	ErrShuttingDown     = errors.New("submission service is shutting down")
	ErrAlreadyExecuting = errors.New("task is already executing")
)

// Error is a rejected submission. The submitted task was aborted, unless
// the reason is ErrAlreadyExecuting.
type Error struct {
	Task     *task.Task
	Conflict *task.Task // set for ErrDuplicate
	Reason   error
}

func (e *Error) Error() string {
	if e.Conflict != nil {
		return fmt.Sprintf("submitting task %s: %v: %s", e.Task, e.Reason, e.Conflict)
	}
	return fmt.Sprintf("submitting task %s: %v", e.Task, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Reason
}

// DAO provides the tasks left unfinished by a previous run.
type DAO interface {
	RecoverableTasks(ctx context.Context) ([]*task.Task, error)
}

type Config struct {
	ParallelJobs    int
	CoolingOff      time.Duration
	Poll            time.Duration
	ShutdownTimeout time.Duration
}

type handle struct {
	seq    uint64
	task   *task.Task
	ctx    context.Context
	cancel context.CancelFunc

	// admitted is closed once the task got a slot or gave up waiting,
	// the next submitted task waits for it
	prev     <-chan struct{}
	admitted chan struct{}
}

// Service executes submitted tasks. At most Config.ParallelJobs tasks run
// at once, admitted in submission order. A task never starts before its
// creation date plus the cooling-off period.
type Service struct {
	cfg     Config
	dao     DAO
	metrics *metrics.Metrics

	slots  *semaphore.Weighted
	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mx        sync.Mutex
	seq       uint64
	closed    bool
	executing map[string]*handle
	last      <-chan struct{}
}

func New(cfg Config, dao DAO, m *metrics.Metrics) *Service {
	if cfg.ParallelJobs <= 0 {
		cfg.ParallelJobs = 1
	}
	if cfg.Poll <= 0 {
		cfg.Poll = time.Second
	}
	base, cancel := context.WithCancel(context.Background())
	return &Service{
		cfg:       cfg,
		dao:       dao,
		metrics:   m,
		slots:     semaphore.NewWeighted(int64(cfg.ParallelJobs)),
		base:      base,
		cancel:    cancel,
		executing: make(map[string]*handle),
	}
}

// SubmitTask queues t for execution. A task whose parameter values equal
// those of a task already in flight is aborted and rejected, as is any
// task submitted after Close.
func (s *Service) SubmitTask(ctx context.Context, t *task.Task) error {
	h, err := s.register(t)
	if err != nil {
		var serr *Error
		if errors.As(err, &serr) && !errors.Is(err, ErrAlreadyExecuting) {
			t.Abort(ctx)
			s.metrics.Rejected(reason(serr.Reason))
		}
		slog.WarnContext(ctx, "task rejected", "task", t.ID(), "error", err)
		return err
	}

	if !t.IsSubmitted() {
		t.Submit(ctx)
	}
	s.metrics.Submitted()
	slog.DebugContext(ctx, "task submitted", "task", t.ID(), "name", t.Name())

	go s.work(h)
	return nil
}

// ResubmitTask queues a recovered or resumed task. It is subject to the
// same checks as SubmitTask.
func (s *Service) ResubmitTask(ctx context.Context, t *task.Task) error {
	return s.SubmitTask(ctx, t)
}

// register checks for duplicates and records the task as in flight in a
// single critical section.
func (s *Service) register(t *task.Task) (*handle, error) {
	values := t.Values()

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.closed {
		return nil, &Error{Task: t, Reason: ErrShuttingDown}
	}
	if _, ok := s.executing[t.ID()]; ok {
		return nil, &Error{Task: t, Reason: ErrAlreadyExecuting}
	}
	for _, h := range s.executing {
		if h.task.Values().Equal(values) {
			return nil, &Error{Task: t, Conflict: h.task, Reason: ErrDuplicate}
		}
	}

	s.seq++
	ctx, cancel := context.WithCancel(s.base)
	h := &handle{
		seq:      s.seq,
		task:     t,
		ctx:      ctx,
		cancel:   cancel,
		prev:     s.last,
		admitted: make(chan struct{}),
	}
	s.last = h.admitted
	s.executing[t.ID()] = h
	s.wg.Add(1)
	s.metrics.InFlight(len(s.executing))
	return h, nil
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrDuplicate):
		return "duplicate"
	case errors.Is(err, ErrShuttingDown):
		return "shutting_down"
	default:
		return "other"
	}
}

func (s *Service) work(h *handle) {
	defer s.wg.Done()
	defer s.deregister(h)
	defer h.cancel()

	t := h.task
	ctx := log.WithTask(h.ctx, t.ID(), t.Name())

	if err := s.admit(ctx, h); err != nil {
		slog.DebugContext(ctx, "task canceled while queued")
		return
	}
	defer s.slots.Release(1)

	if err := s.coolOff(ctx, t); err != nil {
		slog.DebugContext(ctx, "task canceled while cooling off")
		return
	}

	// the task may have been aborted meanwhile
	switch st := t.State(); st {
	case task.Submitted, task.Recovered, task.Running:
	default:
		slog.InfoContext(ctx, "task not executed", "state", st.String())
		return
	}

	start := time.Now()
	err := t.Execute(ctx)
	var eerr *task.ExecutionError
	switch {
	case errors.As(err, &eerr):
		slog.WarnContext(ctx, "task failed", "process", eerr.Process, "exit_code", eerr.ExitCode, "error", eerr.Err)
	case err != nil:
		slog.ErrorContext(ctx, "task execution error", "error", err)
	default:
		slog.InfoContext(ctx, "task execution ended", "state", t.State().String(), "duration", time.Since(start))
	}
}

// admit waits for a free slot after the previously submitted task got one.
func (s *Service) admit(ctx context.Context, h *handle) error {
	defer close(h.admitted)
	if h.prev != nil {
		select {
		case <-h.prev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.slots.Acquire(ctx, 1)
}

// coolOff polls until the cooling-off period of t elapsed. The creation
// date is read on every poll, it may be refreshed meanwhile.
func (s *Service) coolOff(ctx context.Context, t *task.Task) error {
	for {
		wait := time.Until(t.CreationDate().Add(s.cfg.CoolingOff))
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(min(wait, s.cfg.Poll))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Service) deregister(h *handle) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if cur, ok := s.executing[h.task.ID()]; ok && cur == h {
		delete(s.executing, h.task.ID())
	}
	s.metrics.InFlight(len(s.executing))
}

// InterruptTask cancels the execution of the task with the given id. The
// task stops being tracked immediately, whether its process honors the
// cancellation or not. It reports whether the task was in flight.
func (s *Service) InterruptTask(ctx context.Context, id string) bool {
	s.mx.Lock()
	h, ok := s.executing[id]
	if ok {
		delete(s.executing, id)
		s.metrics.InFlight(len(s.executing))
	}
	s.mx.Unlock()

	if !ok {
		slog.DebugContext(ctx, "task not interrupted, it is not executing", "task", id)
		return false
	}
	h.cancel()
	slog.InfoContext(ctx, "task interrupted", "task", id)
	return true
}

// ExecutingTasks returns a snapshot of the tasks in flight in submission
// order.
func (s *Service) ExecutingTasks() []*task.Task {
	s.mx.Lock()
	handles := make([]*handle, 0, len(s.executing))
	for _, h := range s.executing {
		handles = append(handles, h)
	}
	s.mx.Unlock()

	slices.SortFunc(handles, func(a, b *handle) int {
		return cmp.Compare(a.seq, b.seq)
	})
	out := make([]*task.Task, len(handles))
	for i, h := range handles {
		out[i] = h.task
	}
	return out
}

func (s *Service) ExecutingTask(id string) (*task.Task, bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	h, ok := s.executing[id]
	if !ok {
		return nil, false
	}
	return h.task, true
}

// Init resubmits the tasks a previous run left unfinished. A task whose
// current process cannot be recovered is aborted instead.
func (s *Service) Init(ctx context.Context) error {
	start := time.Now()
	tasks, err := s.dao.RecoverableTasks(ctx)
	if err != nil {
		return fmt.Errorf("loading recoverable tasks: %w", err)
	}

	recovered := 0
	for _, t := range tasks {
		if p := t.CurrentProcess(); p != nil && !pipeline.IsRecoverable(p) {
			slog.WarnContext(ctx, "task not recovered, its process cannot be restarted", "task", t.ID(), "process", p.Name())
			t.Abort(ctx)
			continue
		}
		t.Recover(ctx)
		if err := s.ResubmitTask(ctx, t); err != nil {
			slog.WarnContext(ctx, "automatic resubmission failed", "task", t.ID(), "error", err)
			continue
		}
		recovered++
	}
	slog.InfoContext(ctx, "submission service started", "recovered", recovered, "found", len(tasks), "duration", time.Since(start))
	return nil
}

// Close rejects further submissions, interrupts every task in flight and
// waits for the workers to stop, at most for Config.ShutdownTimeout.
func (s *Service) Close(ctx context.Context) error {
	s.mx.Lock()
	s.closed = true
	s.mx.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var timeout <-chan time.Time
	if s.cfg.ShutdownTimeout > 0 {
		timer := time.NewTimer(s.cfg.ShutdownTimeout)
		defer timer.Stop()
		timeout = timer.C
	}
	select {
	case <-done:
		slog.InfoContext(ctx, "submission service stopped")
		return nil
	case <-timeout:
	case <-ctx.Done():
	}
	err := errors.New("submission service did not stop in time, tasks may still be running")
	slog.ErrorContext(ctx, "failed to cleanly shutdown submission service", "error", err)
	return err
}
