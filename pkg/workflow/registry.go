package workflow

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/chronicle/pkg/api"
)

// Func is the untyped form of a workflow: JSON input in, JSON result out.
type Func func(ctx Context, input []byte) ([]byte, error)

// Registry maps workflow type names to their code.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]Func
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Func)}
}

// Register adds fn under name. Names must be unique and non-empty.
func (r *Registry) Register(name string, fn Func) error {
	if name == "" {
		return errors.New("workflow name must not be empty")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: nil function", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.byName[name] = fn
	return nil
}

// Lookup returns the workflow registered under name.
func (r *Registry) Lookup(name string) (Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownWorkflowType, name)
	}
	return fn, nil
}

// Names returns the registered workflow types in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byName))
	for name := range r.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Register adds a typed workflow. Input and result are JSON encoded.
func Register[In, Out any](r *Registry, name string, fn func(ctx Context, input In) (Out, error)) error {
	if fn == nil {
		return fmt.Errorf("workflow %q: nil function", name)
	}
	return r.Register(name, func(ctx Context, raw []byte) ([]byte, error) {
		var in In
		if err := api.DecodePayload(raw, &in); err != nil {
			return nil, fmt.Errorf("decode workflow input: %w", err)
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return api.EncodePayload(out)
	})
}
