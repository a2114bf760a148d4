package sources

import (
	"errors"
	"fmt"

	"github.com/3leaps/deviceingest/pkg/jobspec"
)

// ErrUnknownSource indicates a source key with no registered adapter.
var ErrUnknownSource = errors.New("unknown source")

// Adapter pairs the fetch and parse capabilities of one source.
type Adapter struct {
	Fetcher Fetcher
	Parser  Parser
}

// Registry maps source keys to adapters.
type Registry struct {
	adapters map[jobspec.SourceKey]Adapter
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[jobspec.SourceKey]Adapter)}
}

// Register binds an adapter to key. Keys outside the fixed set are rejected.
func (r *Registry) Register(key jobspec.SourceKey, a Adapter) error {
	if !key.IsKnown() {
		return fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	if a.Fetcher == nil || a.Parser == nil {
		return fmt.Errorf("source %s: fetcher and parser are both required", key)
	}
	if _, dup := r.adapters[key]; dup {
		return fmt.Errorf("source %s: already registered", key)
	}
	r.adapters[key] = a
	return nil
}

// Validate checks that every fixed source key has an adapter.
func (r *Registry) Validate() error {
	var errs []error
	for _, k := range jobspec.Keys() {
		if _, ok := r.adapters[k]; !ok {
			errs = append(errs, fmt.Errorf("source %s: no adapter registered", k))
		}
	}
	return errors.Join(errs...)
}

// Fetcher returns the fetcher for key.
func (r *Registry) Fetcher(key jobspec.SourceKey) (Fetcher, error) {
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	return a.Fetcher, nil
}

// Parser returns the parser for key.
func (r *Registry) Parser(key jobspec.SourceKey) (Parser, error) {
	a, ok := r.adapters[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	return a.Parser, nil
}
