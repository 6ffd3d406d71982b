package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// UserLookup resolves pipeline creators.
type UserLookup interface {
	UserByName(ctx context.Context, name string) (model.User, error)
}

// DAO provides the known pipelines.
type DAO interface {
	LoadPipelines(ctx context.Context) ([]*Pipeline, error)
}

// ConfigDAO builds pipelines from their definitions in the config.
type ConfigDAO struct {
	defs     []model.Pipeline
	registry *Registry
	users    UserLookup
}

func NewConfigDAO(defs []model.Pipeline, registry *Registry, users UserLookup) ConfigDAO {
	return ConfigDAO{defs: defs, registry: registry, users: users}
}

// LoadPipelines returns pipelines in definition order. Any unknown process or
// duplicate pipeline name is a ConfigError.
func (d ConfigDAO) LoadPipelines(ctx context.Context) ([]*Pipeline, error) {
	seen := make(map[string]struct{}, len(d.defs))
	out := make([]*Pipeline, 0, len(d.defs))
	for _, def := range d.defs {
		if _, ok := seen[def.Name]; ok {
			return nil, &ConfigError{Kind: "pipeline", Name: def.Name, Reason: "defined twice"}
		}
		seen[def.Name] = struct{}{}

		processes := make([]Process, 0, len(def.Processes))
		for _, name := range def.Processes {
			p, err := d.registry.Process(name)
			if err != nil {
				return nil, &ConfigError{Kind: "pipeline", Name: def.Name, Reason: "bad process reference", Err: err}
			}
			processes = append(processes, p)
		}

		creator, err := d.creator(ctx, def.Creator)
		if err != nil {
			return nil, fmt.Errorf("pipeline %q: %w", def.Name, err)
		}

		var opts []Option
		if def.Private {
			opts = append(opts, Private())
		}
		if def.Daemonized {
			opts = append(opts, Daemonized())
		}
		p, err := New(def.Name, creator, processes, opts...)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (d ConfigDAO) creator(ctx context.Context, name string) (model.User, error) {
	if d.users == nil {
		return model.User{Name: name}, nil
	}
	u, err := d.users.UserByName(ctx, name)
	if errors.Is(err, model.ErrNotFound) {
		return model.User{Name: name}, nil
	}
	return u, err
}
