package pipeline

import (
	"errors"
	"slices"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// Pipeline is an ordered sequence of processes. It is immutable once built.
type Pipeline struct {
	name       string
	creator    model.User
	private    bool
	daemonized bool
	processes  []Process
	params     []Parameter
}

type Option func(*Pipeline)

// Private makes the pipeline visible to its creator and administrators only.
func Private() Option {
	return func(p *Pipeline) { p.private = true }
}

// Daemonized makes the pipeline eligible for the daemon mode.
func Daemonized() Option {
	return func(p *Pipeline) { p.daemonized = true }
}

func New(name string, creator model.User, processes []Process, opts ...Option) (*Pipeline, error) {
	if name == "" {
		return nil, errors.New("empty pipeline name")
	}
	if len(processes) == 0 {
		return nil, &ConfigError{Kind: "pipeline", Name: name, Reason: "has no processes"}
	}
	p := &Pipeline{
		name:      name,
		creator:   creator,
		processes: slices.Clone(processes),
	}
	for _, opt := range opts {
		opt(p)
	}
	lists := make([][]Parameter, 0, len(processes))
	for _, proc := range processes {
		lists = append(lists, proc.Parameters())
	}
	p.params = union(lists...)
	return p, nil
}

func (p *Pipeline) Name() string        { return p.name }
func (p *Pipeline) Creator() model.User { return p.creator }
func (p *Pipeline) IsPrivate() bool     { return p.private }
func (p *Pipeline) IsDaemonized() bool  { return p.daemonized }

func (p *Pipeline) Processes() []Process {
	return slices.Clone(p.processes)
}

func (p *Pipeline) Len() int {
	return len(p.processes)
}

func (p *Pipeline) Process(i int) Process {
	return p.processes[i]
}

// AllRequiredParameters returns the union of all process parameters in
// first seen order.
func (p *Pipeline) AllRequiredParameters() []Parameter {
	return slices.Clone(p.params)
}

// RequiredParametersFrom returns the parameters needed by processes from
// index start onward.
func (p *Pipeline) RequiredParametersFrom(start int) []Parameter {
	if start <= 0 {
		return p.AllRequiredParameters()
	}
	if start >= len(p.processes) {
		return nil
	}
	lists := make([][]Parameter, 0, len(p.processes)-start)
	for _, proc := range p.processes[start:] {
		lists = append(lists, proc.Parameters())
	}
	return union(lists...)
}

// IndexOf returns the position of the named process or -1.
func (p *Pipeline) IndexOf(processName string) int {
	return slices.IndexFunc(p.processes, func(proc Process) bool {
		return proc.Name() == processName
	})
}

// VisibleTo reports whether u may see and use the pipeline.
func (p *Pipeline) VisibleTo(u model.User) bool {
	return !p.private || u.Name == p.creator.Name || u.Can(model.PermissionAdministrator)
}
