package store

import (
	"context"
	"log/slog"

	"github.com/CZERTAINLY/Conan/internal/task"
)

type writer struct {
	s *Store
}

// Writer returns a task listener saving the task on every change.
func Writer(s *Store) task.Listener {
	return writer{s: s}
}

func (w writer) save(ctx context.Context, t *task.Task) {
	// the task state must be stored even when its execution was canceled
	ctx = context.WithoutCancel(ctx)
	if err := w.s.SaveTask(ctx, t); err != nil {
		slog.ErrorContext(ctx, "saving task failed", "task", t.ID(), "error", err)
	}
}

func (w writer) StateChanged(ctx context.Context, t *task.Task, _ task.State) {
	w.save(ctx, t)
}

func (w writer) ProcessStarted(ctx context.Context, t *task.Task, _ task.ProcessRun) {
	w.save(ctx, t)
}

func (w writer) ProcessEnded(ctx context.Context, t *task.Task, _ task.ProcessRun) {
	w.save(ctx, t)
}
