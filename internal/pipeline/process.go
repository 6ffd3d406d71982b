package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Process is a named, parameterized unit of work. Implementations hold no
// state, a single instance is executed concurrently by many tasks.
//
// Execute returns false or an error on failure. A canceled context means
// the task was interrupted, the process should return ctx.Err() promptly.
type Process interface {
	Name() string
	Parameters() []Parameter
	Execute(ctx context.Context, values Values) (bool, error)
}

// Recoverable is implemented by processes which can not be resumed after
// an unexpected shutdown.
type Recoverable interface {
	Recoverable() bool
}

// IsRecoverable reports whether a task stopped in p can be resubmitted.
func IsRecoverable(p Process) bool {
	if r, ok := p.(Recoverable); ok {
		return r.Recoverable()
	}
	return true
}

// Factory constructs a process.
type Factory func() (Process, error)

// Registry maps process names to their factories. Every process is built
// once on the first lookup and shared afterwards.
type Registry struct {
	mx        sync.Mutex
	factories map[string]Factory
	built     map[string]Process
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		built:     make(map[string]Process),
	}
}

func (r *Registry) Register(name string, f Factory) error {
	r.mx.Lock()
	defer r.mx.Unlock()
	if _, ok := r.factories[name]; ok {
		return &ConfigError{Kind: "process", Name: name, Reason: "registered twice"}
	}
	r.factories[name] = f
	return nil
}

// RegisterProcess registers an already constructed process.
func (r *Registry) RegisterProcess(p Process) error {
	return r.Register(p.Name(), func() (Process, error) { return p, nil })
}

func (r *Registry) Process(name string) (Process, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	if p, ok := r.built[name]; ok {
		return p, nil
	}
	f, ok := r.factories[name]
	if !ok {
		return nil, &ConfigError{Kind: "process", Name: name, Reason: "unknown"}
	}
	p, err := f()
	if err != nil {
		return nil, &ConfigError{Kind: "process", Name: name, Reason: "construction failed", Err: err}
	}
	if p.Name() != name {
		return nil, &ConfigError{Kind: "process", Name: name, Reason: fmt.Sprintf("factory built %q", p.Name())}
	}
	r.built[name] = p
	return p, nil
}

func (r *Registry) Names() []string {
	r.mx.Lock()
	defer r.mx.Unlock()
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ConfigError is an inconsistency in process or pipeline definitions.
type ConfigError struct {
	Kind   string // process | pipeline
	Name   string
	Reason string
	Err    error
}

func (e *ConfigError) Error() string {
	s := fmt.Sprintf("%s %q: %s", e.Kind, e.Name, e.Reason)
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
