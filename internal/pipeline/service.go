package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Conan/internal/model"
)

// DaemonRegistrar accepts daemonized pipelines.
type DaemonRegistrar interface {
	AddPipeline(ctx context.Context, p *Pipeline) error
}

// Service gives access to known pipelines. They are loaded on the first
// use, daemonized ones are handed to the daemon at that moment.
type Service struct {
	dao       DAO
	daemon    DaemonRegistrar
	orderFile string

	mx        sync.Mutex
	loaded    bool
	pipelines []*Pipeline // display order
}

func NewService(dao DAO, daemon DaemonRegistrar, orderFile string) *Service {
	return &Service{
		dao:       dao,
		daemon:    daemon,
		orderFile: orderFile,
	}
}

func (s *Service) load(ctx context.Context) ([]*Pipeline, error) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.loaded {
		return s.pipelines, nil
	}

	pipelines, err := s.dao.LoadPipelines(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading pipelines: %w", err)
	}

	if s.daemon != nil {
		for _, p := range pipelines {
			if !p.IsDaemonized() {
				continue
			}
			if err := s.daemon.AddPipeline(ctx, p); err != nil {
				slog.WarnContext(ctx, "pipeline not added to daemon", "pipeline", p.Name(), "error", err)
			}
		}
	}

	order, err := readOrder(s.orderFile)
	if err != nil {
		slog.WarnContext(ctx, "pipeline order not loaded, using definition order", "path", s.orderFile, "error", err)
	}
	s.pipelines = sortByOrder(pipelines, order)
	s.loaded = true
	slog.DebugContext(ctx, "pipelines loaded", "count", len(s.pipelines))
	return s.pipelines, nil
}

// Pipelines returns the pipelines visible to user in display order.
func (s *Service) Pipelines(ctx context.Context, user model.User) ([]*Pipeline, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Pipeline, 0, len(all))
	for _, p := range all {
		if p.VisibleTo(user) {
			out = append(out, p)
		}
	}
	return out, nil
}

// Pipeline returns the named pipeline if user may see it.
func (s *Service) Pipeline(ctx context.Context, user model.User, name string) (*Pipeline, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.Name() == name && p.VisibleTo(user) {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q: %w", name, model.ErrNotFound)
}

// Lookup returns the named pipeline regardless of its visibility. It is
// meant for restoring persisted tasks.
func (s *Service) Lookup(ctx context.Context, name string) (*Pipeline, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range all {
		if p.Name() == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pipeline %q: %w", name, model.ErrNotFound)
}

// Reorder moves the named pipelines to the front in the given order and
// persists the result. Only administrators may do so.
func (s *Service) Reorder(ctx context.Context, user model.User, names []string) error {
	if !user.Can(model.PermissionAdministrator) {
		return fmt.Errorf("reordering pipelines: %w", model.ErrForbidden)
	}
	if _, err := s.load(ctx); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	s.pipelines = sortByOrder(s.pipelines, names)
	if s.orderFile == "" {
		return nil
	}
	current := make([]string, 0, len(s.pipelines))
	for _, p := range s.pipelines {
		current = append(current, p.Name())
	}
	return writeOrder(s.orderFile, current)
}

// sortByOrder returns pipelines named in order first, the rest follows in
// their original order.
func sortByOrder(pipelines []*Pipeline, order []string) []*Pipeline {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		if _, ok := rank[name]; !ok {
			rank[name] = i
		}
	}
	out := slices.Clone(pipelines)
	slices.SortStableFunc(out, func(a, b *Pipeline) int {
		ra, aok := rank[a.Name()]
		rb, bok := rank[b.Name()]
		switch {
		case aok && bok:
			return ra - rb
		case aok:
			return -1
		case bok:
			return 1
		default:
			return 0
		}
	})
	return out
}

func readOrder(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var names []string
	scanner := bufio.NewScanner(bytes.NewReader(b))
	for scanner.Scan() {
		if name := strings.TrimSpace(scanner.Text()); name != "" {
			names = append(names, name)
		}
	}
	return names, scanner.Err()
}

func writeOrder(path string, names []string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strings.Join(names, "\n")+"\n"), 0o644); err != nil {
		return fmt.Errorf("storing pipeline order: %w", err)
	}
	return os.Rename(tmp, path)
}
