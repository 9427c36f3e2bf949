package activity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/petrijr/chronicle/pkg/api"
)

// Handler is the untyped form of an activity: JSON input in, JSON result out.
type Handler func(ctx context.Context, input []byte) ([]byte, error)

// Classifier maps a handler error to a failure kind. Returning the empty
// kind falls back to the default classification.
type Classifier func(err error) api.FailureKind

type definition struct {
	name       string
	handler    Handler
	classifier Classifier
}

// Option customizes a registered activity.
type Option func(*definition)

// WithClassifier installs a per-type error classifier.
func WithClassifier(c Classifier) Option {
	return func(d *definition) { d.classifier = c }
}

// Registry maps activity type names to handlers.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*definition)}
}

// Register adds handler under name. Names must be unique and non-empty.
func (r *Registry) Register(name string, handler Handler, opts ...Option) error {
	if name == "" {
		return errors.New("activity name must not be empty")
	}
	if handler == nil {
		return fmt.Errorf("activity %q: nil handler", name)
	}
	def := &definition{name: name, handler: handler}
	for _, opt := range opts {
		opt(def)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.byName[name] = def
	return nil
}

func (r *Registry) lookup(name string) (*definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", api.ErrUnknownActivityType, name)
	}
	return def, nil
}

// Names returns the registered activity types in sorted order.
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

// Register adds a typed activity. Input and result are JSON encoded; a
// malformed input is a non-retryable failure.
func Register[In, Out any](r *Registry, name string, fn func(ctx context.Context, input In) (Out, error), opts ...Option) error {
	if fn == nil {
		return fmt.Errorf("activity %q: nil handler", name)
	}
	return r.Register(name, func(ctx context.Context, raw []byte) ([]byte, error) {
		var in In
		if err := api.DecodePayload(raw, &in); err != nil {
			return nil, &api.ApplicationError{Type: "InvalidInput", Message: "decode activity input", NonRetryable: true, Cause: err}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		return api.EncodePayload(out)
	}, opts...)
}
