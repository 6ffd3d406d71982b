package daemon

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Conan/internal/execution"
	"github.com/CZERTAINLY/Conan/internal/model"
)

// InputProvider supplies values of one parameter for new daemon tasks.
// Values come in the desired submission order. A provider is expected to
// stop returning a value once a task for it was submitted, either by
// itself or through Acknowledger.
type InputProvider interface {
	Name() string
	ParameterType() string
	ParameterValues(ctx context.Context) ([]string, error)
}

// Acknowledger is implemented by providers which need to be told a value
// was submitted.
type Acknowledger interface {
	Acknowledge(ctx context.Context, value string) error
}

// NewProviders builds the providers declared in the configuration.
// Commands run on locality.
func NewProviders(inputs []model.Input, locality execution.Locality) ([]InputProvider, error) {
	out := make([]InputProvider, 0, len(inputs))
	for _, in := range inputs {
		switch {
		case in.Command != "" && in.File != "":
			return nil, fmt.Errorf("daemon input %q: both command and file set", in.Name)
		case in.Command != "":
			out = append(out, NewCommandProvider(in.Name, in.Parameter, in.Command, locality))
		case in.File != "":
			out = append(out, NewFileProvider(in.Name, in.Parameter, in.File))
		default:
			return nil, fmt.Errorf("daemon input %q: command or file is required", in.Name)
		}
	}
	return out, nil
}

// CommandProvider runs a shell command, each non empty output line is a
// value. Lines starting with # are ignored.
type CommandProvider struct {
	name      string
	parameter string
	command   string
	locality  execution.Locality
}

func NewCommandProvider(name, parameter, command string, locality execution.Locality) *CommandProvider {
	if locality == nil {
		locality = execution.NewLocal()
	}
	return &CommandProvider{
		name:      name,
		parameter: parameter,
		command:   command,
		locality:  locality,
	}
}

func (p *CommandProvider) Name() string { return p.name }

func (p *CommandProvider) ParameterType() string { return p.parameter }

func (p *CommandProvider) ParameterValues(ctx context.Context) ([]string, error) {
	l := p.locality.Copy()
	if err := l.EstablishConnection(ctx); err != nil {
		return nil, fmt.Errorf("input %s: %w", p.name, err)
	}
	// stderr would mix with the values
	out, err := l.Run(ctx, "("+p.command+") 2>/dev/null")
	err = errors.Join(err, l.Disconnect())
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", p.name, err)
	}
	if out.ExitCode != 0 {
		return nil, fmt.Errorf("input %s: command exited with %d", p.name, out.ExitCode)
	}
	return values(out.Lines), nil
}

// FileProvider reads values from a file, one per line. Acknowledged
// values are appended to a sibling file with the .done suffix and are
// not returned again.
type FileProvider struct {
	name      string
	parameter string
	path      string

	mx sync.Mutex
}

func NewFileProvider(name, parameter, path string) *FileProvider {
	return &FileProvider{
		name:      name,
		parameter: parameter,
		path:      path,
	}
}

func (p *FileProvider) Name() string { return p.name }

func (p *FileProvider) ParameterType() string { return p.parameter }

func (p *FileProvider) ParameterValues(_ context.Context) ([]string, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	all, err := readLines(p.path)
	if err != nil {
		return nil, fmt.Errorf("input %s: %w", p.name, err)
	}
	done, err := readLines(p.path + ".done")
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("input %s: %w", p.name, err)
	}
	seen := make(map[string]struct{}, len(done))
	for _, v := range values(done) {
		seen[v] = struct{}{}
	}

	var out []string
	for _, v := range values(all) {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out, nil
}

func (p *FileProvider) Acknowledge(_ context.Context, value string) error {
	p.mx.Lock()
	defer p.mx.Unlock()

	f, err := os.OpenFile(p.path+".done", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, value); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}

func values(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l == "" || strings.HasPrefix(l, "#") {
			continue
		}
		out = append(out, l)
	}
	return out
}
