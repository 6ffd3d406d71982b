package task

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/log"
	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
)

var ErrInvalidState = errors.New("invalid task state")

// ProcessRun records one execution attempt of a process within a task.
type ProcessRun struct {
	ID           int64 // 1 based sequence within the task
	ProcessName  string
	Started      time.Time
	Ended        time.Time
	ExitValue    int // -1 until complete
	ErrorMessage string
	User         string
}

// Listener observes task changes. It is called without any task lock
// held, so it may call task getters.
type Listener interface {
	StateChanged(ctx context.Context, t *Task, previous State)
	ProcessStarted(ctx context.Context, t *Task, run ProcessRun)
	ProcessEnded(ctx context.Context, t *Task, run ProcessRun)
}

// ExecutionError is returned by Execute when a process failed.
type ExecutionError struct {
	Process  string
	ExitCode int
	Err      error
}

func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("process %s failed with exit code %d", e.Process, e.ExitCode)
	}
	return fmt.Sprintf("process %s failed: %v", e.Process, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// Task is an execution of a pipeline with concrete parameter values.
// All methods are safe for concurrent use.
type Task struct {
	mx sync.Mutex

	id        string
	name      string
	pipeline  *pipeline.Pipeline
	values    pipeline.Values
	priority  Priority
	submitter model.User

	created   time.Time
	submitted time.Time
	started   time.Time
	completed time.Time

	runs          []ProcessRun
	state         State
	statusMessage string

	first int // index of the first process
	next  int // index of the process to execute
	last  int // index of the last executed process, -1 if none

	pauseRequested bool
	interrupted    bool

	listeners []Listener
}

// New returns a CREATED task. Values must have been validated against the
// pipeline already.
func New(name string, p *pipeline.Pipeline, values pipeline.Values, priority Priority, submitter model.User, first int) *Task {
	return &Task{
		name:          name,
		pipeline:      p,
		values:        values.Clone(),
		priority:      priority,
		submitter:     submitter,
		created:       time.Now(),
		state:         Created,
		statusMessage: "created",
		first:         first,
		next:          first,
		last:          -1,
	}
}

func (t *Task) AddListener(l Listener) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.listeners = append(t.listeners, l)
}

// SetID is used by the persistence on the first save.
func (t *Task) SetID(id string) {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.id = id
}

func (t *Task) ID() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.id
}

func (t *Task) Name() string { return t.name }

func (t *Task) Pipeline() *pipeline.Pipeline { return t.pipeline }

func (t *Task) Values() pipeline.Values { return t.values.Clone() }

func (t *Task) Priority() Priority { return t.priority }

func (t *Task) Submitter() model.User {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.submitter
}

func (t *Task) CreationDate() time.Time {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.created
}

// RefreshCreationDate moves the creation date to now, restarting the
// cooling-off period.
func (t *Task) RefreshCreationDate() {
	t.mx.Lock()
	defer t.mx.Unlock()
	t.created = time.Now()
}

func (t *Task) SubmissionDate() time.Time {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.submitted
}

func (t *Task) StartDate() time.Time {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.started
}

func (t *Task) CompletionDate() time.Time {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.completed
}

func (t *Task) ProcessRuns() []ProcessRun {
	t.mx.Lock()
	defer t.mx.Unlock()
	return slices.Clone(t.runs)
}

func (t *Task) State() State {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.state
}

func (t *Task) StatusMessage() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.statusMessage
}

func (t *Task) StartingProcessIndex() int { return t.first }

func (t *Task) NextProcessIndex() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.next
}

func (t *Task) LastProcessIndex() int {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.last
}

// CurrentProcess returns the process which runs (or would run) now, nil
// if there is none left.
func (t *Task) CurrentProcess() pipeline.Process {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.next < 0 || t.next >= t.pipeline.Len() {
		return nil
	}
	return t.pipeline.Process(t.next)
}

// Interrupted reports whether the task was paused by a shutdown.
func (t *Task) Interrupted() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return t.interrupted
}

func (t *Task) IsSubmitted() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	return !t.submitted.IsZero() && t.state != Created && t.state != Recovered
}

func (t *Task) String() string {
	t.mx.Lock()
	defer t.mx.Unlock()
	return fmt.Sprintf("%s(%s, %s)", t.name, t.id, t.state)
}

// setState must be called with t.mx held. It returns a function firing
// the listeners, to be called once the lock is released.
func (t *Task) setState(ctx context.Context, s State, msg string) func() {
	prev := t.state
	t.state = s
	t.statusMessage = msg
	listeners := slices.Clone(t.listeners)
	return func() {
		if prev == s {
			return
		}
		for _, l := range listeners {
			l.StateChanged(ctx, t, prev)
		}
	}
}

func (t *Task) transition(ctx context.Context, allowed func(State) bool, do func() (State, string)) bool {
	t.mx.Lock()
	if !allowed(t.state) {
		t.mx.Unlock()
		return false
	}
	s, msg := do()
	fire := t.setState(ctx, s, msg)
	t.mx.Unlock()
	fire()
	return true
}

func pausedOrFailed(s State) bool {
	return s == Paused || s == Failed
}

// Submit marks a CREATED or RECOVERED task as SUBMITTED.
func (t *Task) Submit(ctx context.Context) bool {
	return t.transition(ctx, func(s State) bool {
		return s == Created || s == Recovered
	}, func() (State, string) {
		t.submitted = time.Now()
		return Submitted, "submitted"
	})
}

// Recover marks a task found unfinished after a restart.
func (t *Task) Recover(ctx context.Context) bool {
	return t.transition(ctx, func(s State) bool {
		return s == Submitted || s == Running || (s == Paused && t.interrupted)
	}, func() (State, string) {
		t.interrupted = false
		t.pauseRequested = false
		return Recovered, "recovered"
	})
}

// Pause asks a RUNNING task to stop once its current process finishes.
func (t *Task) Pause() bool {
	t.mx.Lock()
	defer t.mx.Unlock()
	if t.state != Running {
		return false
	}
	t.pauseRequested = true
	return true
}

// Resume continues with the process following the last one which ran.
// The task must be resubmitted to actually run.
func (t *Task) Resume(ctx context.Context) bool {
	return t.transition(ctx, pausedOrFailed, func() (State, string) {
		if t.last < 0 {
			t.next = t.first
		} else {
			t.next = t.last + 1
		}
		return Running, "resumed"
	})
}

// RetryLastProcess runs the last process which ran (or failed) again.
func (t *Task) RetryLastProcess(ctx context.Context) bool {
	return t.transition(ctx, pausedOrFailed, func() (State, string) {
		if t.last < 0 {
			t.next = t.first
		} else {
			t.next = t.last
		}
		return Running, "retrying " + t.pipeline.Process(t.next).Name()
	})
}

// Restart starts over from the first process.
func (t *Task) Restart(ctx context.Context) bool {
	return t.transition(ctx, pausedOrFailed, func() (State, string) {
		t.next = t.first
		return Running, "restarted"
	})
}

// Abort stops the task for good. It is safe on a never submitted task.
func (t *Task) Abort(ctx context.Context) bool {
	return t.transition(ctx, func(s State) bool {
		return !s.Terminal()
	}, func() (State, string) {
		t.pauseRequested = false
		return Aborted, "aborted"
	})
}

// Execute runs the processes from the next one in pipeline order. It
// returns once the task completes, fails, is paused or aborted. A canceled
// ctx leaves the task PAUSED and interrupted, to be recovered later.
// A process failure is reported as *ExecutionError.
func (t *Task) Execute(ctx context.Context) error {
	t.mx.Lock()
	switch t.state {
	case Submitted, Recovered, Running:
	default:
		s := t.state
		t.mx.Unlock()
		return fmt.Errorf("%w: cannot execute %s task", ErrInvalidState, s)
	}
	t.pauseRequested = false
	t.interrupted = false
	if t.started.IsZero() {
		t.started = time.Now()
	}
	fire := t.setState(ctx, Running, "running")
	id := t.id
	t.mx.Unlock()
	fire()

	ctx = log.WithTask(ctx, id, t.name)
	ctx = pipeline.WithRun(ctx, pipeline.Run{TaskID: id, TaskName: t.name})
	for {
		proc, runIdx, stop := t.nextProcess(ctx)
		if stop {
			return nil
		}
		ok, err := proc.Execute(ctx, t.values.Clone())
		if done, rerr := t.processEnded(ctx, proc, runIdx, ok, err); done {
			return rerr
		}
	}
}

// nextProcess starts a ProcessRun of the next process or stops the task.
func (t *Task) nextProcess(ctx context.Context) (pipeline.Process, int, bool) {
	t.mx.Lock()
	var fire func()
	switch {
	case t.state != Running:
		// aborted meanwhile
		t.mx.Unlock()
		return nil, 0, true
	case t.pauseRequested:
		t.pauseRequested = false
		fire = t.setState(ctx, Paused, "paused")
	case ctx.Err() != nil:
		t.interrupted = true
		fire = t.setState(ctx, Paused, "interrupted")
	case t.next >= t.pipeline.Len():
		t.completed = time.Now()
		fire = t.setState(ctx, Completed, "completed")
	}
	if fire != nil {
		t.mx.Unlock()
		fire()
		return nil, 0, true
	}

	proc := t.pipeline.Process(t.next)
	run := ProcessRun{
		ID:          int64(len(t.runs) + 1),
		ProcessName: proc.Name(),
		Started:     time.Now(),
		ExitValue:   -1,
		User:        t.submitter.Name,
	}
	t.runs = append(t.runs, run)
	t.last = t.next
	t.statusMessage = "running " + proc.Name()
	runIdx := len(t.runs) - 1
	listeners := slices.Clone(t.listeners)
	t.mx.Unlock()

	slog.DebugContext(ctx, "process started", "process", proc.Name())
	for _, l := range listeners {
		l.ProcessStarted(ctx, t, run)
	}
	return proc, runIdx, false
}

// processEnded records the outcome of a process run. It reports whether
// the execution is over and the error Execute returns.
func (t *Task) processEnded(ctx context.Context, proc pipeline.Process, runIdx int, ok bool, err error) (bool, error) {
	t.mx.Lock()
	run := &t.runs[runIdx]
	run.Ended = time.Now()

	var fire func()
	var rerr error
	switch {
	case t.state != Running:
		run.ErrorMessage = "task " + t.state.String()
	case ctx.Err() != nil:
		// an interruption is not a failure, run the process again on recovery
		run.ErrorMessage = "interrupted"
		t.interrupted = true
		fire = t.setState(ctx, Paused, "interrupted in "+proc.Name())
	case err != nil || !ok:
		exit := 1
		msg := "process returned failure"
		var pe *execution.ProcessExecutionError
		if errors.As(err, &pe) {
			exit = pe.ExitCode
			msg = pe.Msg
		} else if err != nil {
			msg = err.Error()
		}
		run.ExitValue = exit
		run.ErrorMessage = msg
		fire = t.setState(ctx, Failed, fmt.Sprintf("%s failed: %s", proc.Name(), msg))
		rerr = &ExecutionError{Process: proc.Name(), ExitCode: exit, Err: err}
	default:
		run.ExitValue = 0
		t.next++
	}
	ended := *run
	over := t.state != Running
	listeners := slices.Clone(t.listeners)
	t.mx.Unlock()

	slog.DebugContext(ctx, "process ended", "process", proc.Name(), "exit_value", ended.ExitValue)
	for _, l := range listeners {
		l.ProcessEnded(ctx, t, ended)
	}
	if fire != nil {
		fire()
	}
	return over, rerr
}
