package pipeline

import (
	"errors"
	"fmt"
	"maps"
	"regexp"
	"slices"
	"strings"
)

var (
	ErrMissingValue = errors.New("missing parameter value")
	ErrInvalidValue = errors.New("invalid parameter value")
)

// Parameter is a named input of a process. Parameters are identified by
// their name, two parameters with the same name are the same parameter.
type Parameter struct {
	Name        string
	Description string
	pattern     *regexp.Regexp
}

// NewParameter returns a parameter. A non empty pattern restricts
// the accepted values.
func NewParameter(name, description, pattern string) (Parameter, error) {
	if strings.TrimSpace(name) == "" {
		return Parameter{}, errors.New("empty parameter name")
	}
	p := Parameter{Name: name, Description: description}
	if pattern != "" {
		rx, err := regexp.Compile(pattern)
		if err != nil {
			return Parameter{}, fmt.Errorf("parameter %s: %w", name, err)
		}
		p.pattern = rx
	}
	return p, nil
}

func (p Parameter) String() string {
	return p.Name
}

// Validate checks that value is acceptable for the parameter.
func (p Parameter) Validate(value string) error {
	if value == "" {
		return fmt.Errorf("%w: %s", ErrMissingValue, p.Name)
	}
	if p.pattern != nil && !p.pattern.MatchString(value) {
		return fmt.Errorf("%w: %s=%q does not match %s", ErrInvalidValue, p.Name, value, p.pattern)
	}
	return nil
}

// Values maps parameter names to values.
type Values map[string]string

func (v Values) Equal(o Values) bool {
	return maps.Equal(v, o)
}

func (v Values) Clone() Values {
	return maps.Clone(v)
}

// Require checks every one of params has a value.
func (v Values) Require(params []Parameter) error {
	for _, p := range params {
		if v[p.Name] == "" {
			return fmt.Errorf("%w: %s", ErrMissingValue, p.Name)
		}
	}
	return nil
}

func (v Values) String() string {
	keys := slices.Sorted(maps.Keys(v))
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+v[k])
	}
	return strings.Join(parts, ",")
}

// union returns parameters in first seen order without duplicates.
func union(lists ...[]Parameter) []Parameter {
	seen := make(map[string]struct{})
	var out []Parameter
	for _, list := range lists {
		for _, p := range list {
			if _, ok := seen[p.Name]; ok {
				continue
			}
			seen[p.Name] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}
