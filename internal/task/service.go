package task

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/CZERTAINLY/Conan/internal/model"
	"github.com/CZERTAINLY/Conan/internal/pipeline"
)

var (
	ErrMissingParameter = errors.New("missing parameter")
	ErrInvalidParameter = errors.New("invalid parameter")
	ErrStartIndex       = errors.New("starting process index out of range")
)

// Filter restricts ListTasks. Zero fields match everything.
type Filter struct {
	States    []State
	Pipeline  string
	Submitter string
}

func (f Filter) Match(r Record) bool {
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	if f.Pipeline != "" && f.Pipeline != r.Pipeline {
		return false
	}
	if f.Submitter != "" && f.Submitter != r.Submitter.Name {
		return false
	}
	return true
}

// DAO persists tasks.
type DAO interface {
	// SaveTask stores the task, assigning the id on the first save.
	SaveTask(ctx context.Context, t *Task) error
	Task(ctx context.Context, id string) (*Task, error)
	Tasks(ctx context.Context, f Filter) ([]*Task, error)
}

// InFlight gives access to tasks currently owned by the submission.
type InFlight interface {
	ExecutingTask(id string) (*Task, bool)
}

// Service creates and looks up tasks.
type Service struct {
	dao       DAO
	inFlight  InFlight
	listeners []Listener
}

// NewService returns a task service. Listeners are attached to every
// task it creates. inFlight may be nil.
func NewService(dao DAO, inFlight InFlight, listeners ...Listener) *Service {
	return &Service{
		dao:       dao,
		inFlight:  inFlight,
		listeners: listeners,
	}
}

// CreateNewTask validates values against the processes of p from first
// on, and persists a new CREATED task. Only the required values are kept.
func (s *Service) CreateNewTask(ctx context.Context, p *pipeline.Pipeline, first int, values pipeline.Values, priority Priority, submitter model.User) (*Task, error) {
	if !p.VisibleTo(submitter) {
		return nil, fmt.Errorf("pipeline %q: %w", p.Name(), model.ErrNotFound)
	}
	if !submitter.Can(model.PermissionSubmitter) {
		return nil, fmt.Errorf("user %s cannot submit: %w", submitter.Name, model.ErrForbidden)
	}
	if first < 0 || first >= p.Len() {
		return nil, fmt.Errorf("%w: %d not in [0,%d)", ErrStartIndex, first, p.Len())
	}

	required := p.RequiredParametersFrom(first)
	kept := make(pipeline.Values, len(required))
	for _, param := range required {
		v := strings.TrimSpace(values[param.Name])
		if err := param.Validate(v); err != nil {
			if errors.Is(err, pipeline.ErrMissingValue) {
				return nil, fmt.Errorf("%w: %w", ErrMissingParameter, err)
			}
			return nil, fmt.Errorf("%w: %w", ErrInvalidParameter, err)
		}
		kept[param.Name] = v
	}

	t := New(taskName(required, kept), p, kept, priority, submitter, first)
	for _, l := range s.listeners {
		t.AddListener(l)
	}
	if err := s.dao.SaveTask(ctx, t); err != nil {
		return nil, fmt.Errorf("saving task: %w", err)
	}
	if t.name == "" {
		t.name = t.ID()
		if err := s.dao.SaveTask(ctx, t); err != nil {
			return nil, fmt.Errorf("saving task: %w", err)
		}
	}
	slog.DebugContext(ctx, "task created", "task", t.ID(), "name", t.Name(), "pipeline", p.Name())
	return t, nil
}

// taskName is the value of the first accession like parameter.
func taskName(params []pipeline.Parameter, values pipeline.Values) string {
	for _, p := range params {
		if strings.Contains(strings.ToLower(p.Name), "accession") {
			return values[p.Name]
		}
	}
	return ""
}

// GetTask prefers the executing instance over the persisted one.
func (s *Service) GetTask(ctx context.Context, id string) (*Task, error) {
	if s.inFlight != nil {
		if t, ok := s.inFlight.ExecutingTask(id); ok {
			return t, nil
		}
	}
	return s.dao.Task(ctx, id)
}

// ListTasks returns the tasks matching f ordered by key. Executing
// instances replace their persisted copies.
func (s *Service) ListTasks(ctx context.Context, f Filter, key SortKey) ([]*Task, error) {
	tasks, err := s.dao.Tasks(ctx, f)
	if err != nil {
		return nil, err
	}
	if s.inFlight != nil {
		for i, t := range tasks {
			if live, ok := s.inFlight.ExecutingTask(t.ID()); ok {
				tasks[i] = live
			}
		}
	}
	Sort(tasks, key)
	return tasks, nil
}

// SortKey orders task listings.
type SortKey int

const (
	SortByCreation SortKey = iota
	SortByName
	SortByPriority
	SortByState
	SortBySubmitter
)

var sortKeyNames = map[SortKey]string{
	SortByCreation:  "creation",
	SortByName:      "name",
	SortByPriority:  "priority",
	SortByState:     "state",
	SortBySubmitter: "submitter",
}

func (k SortKey) String() string {
	if n, ok := sortKeyNames[k]; ok {
		return n
	}
	return fmt.Sprintf("SortKey(%d)", int(k))
}

func ParseSortKey(s string) (SortKey, error) {
	for k, name := range sortKeyNames {
		if strings.EqualFold(name, s) {
			return k, nil
		}
	}
	return SortByCreation, fmt.Errorf("unknown sort key %q", s)
}

// Sort orders tasks in place. Priority sorts the highest first, the
// remaining keys ascending. Ties are broken by the creation date.
func Sort(tasks []*Task, key SortKey) {
	records := make(map[*Task]Record, len(tasks))
	for _, t := range tasks {
		records[t] = t.Record()
	}
	slices.SortStableFunc(tasks, func(a, b *Task) int {
		ra, rb := records[a], records[b]
		var c int
		switch key {
		case SortByName:
			c = cmp.Compare(ra.Name, rb.Name)
		case SortByPriority:
			c = cmp.Compare(rb.Priority, ra.Priority)
		case SortByState:
			c = cmp.Compare(ra.State, rb.State)
		case SortBySubmitter:
			c = cmp.Compare(ra.Submitter.Name, rb.Submitter.Name)
		}
		if c != 0 {
			return c
		}
		return ra.Created.Compare(rb.Created)
	})
}
