package task

import (
	"slices"
	"time"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
)

// Record is a plain snapshot of a task, used by persistence.
type Record struct {
	ID            string
	Name          string
	Pipeline      string
	Values        pipeline.Values
	Priority      Priority
	Submitter     model.User
	Created       time.Time
	Submitted     time.Time
	Started       time.Time
	Completed     time.Time
	Runs          []ProcessRun
	State         State
	StatusMessage string
	First         int
	Next          int
	Last          int
	Interrupted   bool
}

// Record returns a consistent snapshot of the task.
func (t *Task) Record() Record {
	t.mx.Lock()
	defer t.mx.Unlock()
	return Record{
		ID:            t.id,
		Name:          t.name,
		Pipeline:      t.pipeline.Name(),
		Values:        t.values.Clone(),
		Priority:      t.priority,
		Submitter:     t.submitter,
		Created:       t.created,
		Submitted:     t.submitted,
		Started:       t.started,
		Completed:     t.completed,
		Runs:          slices.Clone(t.runs),
		State:         t.state,
		StatusMessage: t.statusMessage,
		First:         t.first,
		Next:          t.next,
		Last:          t.last,
		Interrupted:   t.interrupted,
	}
}

// Restore rebuilds a task from its snapshot. The pipeline must be the one
// named by the record.
func Restore(r Record, p *pipeline.Pipeline, listeners ...Listener) *Task {
	return &Task{
		id:            r.ID,
		name:          r.Name,
		pipeline:      p,
		values:        r.Values.Clone(),
		priority:      r.Priority,
		submitter:     r.Submitter,
		created:       r.Created,
		submitted:     r.Submitted,
		started:       r.Started,
		completed:     r.Completed,
		runs:          slices.Clone(r.Runs),
		state:         r.State,
		statusMessage: r.StatusMessage,
		first:         r.First,
		next:          r.Next,
		last:          r.Last,
		interrupted:   r.Interrupted,
		listeners:     slices.Clone(listeners),
	}
}
