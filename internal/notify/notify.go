package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/task"
)

type EventType int

const (
	TaskFailed EventType = iota
	TaskCompleted
	DaemonToggled
	DaemonOwnerChanged
)

func (e EventType) String() string {
	switch e {
	case TaskFailed:
		return "TASK_FAILED"
	case TaskCompleted:
		return "TASK_COMPLETED"
	case DaemonToggled:
		return "DAEMON_TOGGLED"
	case DaemonOwnerChanged:
		return "DAEMON_OWNER_CHANGED"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// Event is something a user may want to be told about. Recipient is the
// user the event concerns, its email is added to the configured ones.
type Event struct {
	Type      EventType  `json:"type"`
	Time      time.Time  `json:"time"`
	Recipient model.User `json:"-"`
	TaskID    string     `json:"task_id,omitempty"`
	TaskName  string     `json:"task_name,omitempty"`
	Pipeline  string     `json:"pipeline,omitempty"`
	Message   string     `json:"message,omitempty"`
	Enabled   bool       `json:"enabled,omitempty"`
}

func (e Event) Subject() string {
	switch e.Type {
	case TaskFailed:
		return fmt.Sprintf("Conan task %s failed", e.TaskName)
	case TaskCompleted:
		return fmt.Sprintf("Conan task %s completed", e.TaskName)
	case DaemonToggled:
		if e.Enabled {
			return "Conan daemon mode enabled"
		}
		return "Conan daemon mode disabled"
	default:
		return "Conan daemon owner changed"
	}
}

type Sink interface {
	Notify(ctx context.Context, e Event) error
}

// LogSink writes events to the log.
type LogSink struct{}

func (LogSink) Notify(ctx context.Context, e Event) error {
	slog.InfoContext(ctx, e.Subject(),
		"event", e.Type.String(),
		"task", e.TaskID,
		"pipeline", e.Pipeline,
		"recipient", e.Recipient.Name,
		"message", e.Message,
	)
	return nil
}

// Multi notifies every sink and joins their errors.
type Multi []Sink

func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type listener struct {
	sink Sink
}

// TaskListener returns a task listener notifying sink when an execution
// completes or fails.
func TaskListener(sink Sink) task.Listener {
	return listener{sink: sink}
}

func (l listener) StateChanged(ctx context.Context, t *task.Task, _ task.State) {
	r := t.Record()
	e := Event{
		Time:      time.Now(),
		Recipient: r.Submitter,
		TaskID:    r.ID,
		TaskName:  r.Name,
		Pipeline:  r.Pipeline,
		Message:   r.StatusMessage,
	}
	switch r.State {
	case task.Failed:
		e.Type = TaskFailed
	case task.Completed:
		e.Type = TaskCompleted
	default:
		return
	}
	if err := l.sink.Notify(context.WithoutCancel(ctx), e); err != nil {
		slog.WarnContext(ctx, "notification failed", "event", e.Type.String(), "error", err)
	}
}

func (listener) ProcessStarted(context.Context, *task.Task, task.ProcessRun) {}

func (listener) ProcessEnded(context.Context, *task.Task, task.ProcessRun) {}
