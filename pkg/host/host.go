// Package host provides the registration surface used at startup: a
// container of named middleware factories and a pipeline builder that
// composes them around the terminal handler.
package host

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
)

// ErrServiceNotRegistered is returned when a pipeline references a middleware
// that was never added to the container.
var ErrServiceNotRegistered = errors.New("service not registered")

// Middleware wraps the next processing stage.
type Middleware func(http.Handler) http.Handler

// Factory produces a middleware instance. It receives the container so that
// factories can resolve their own dependencies.
type Factory func(*Services) (Middleware, error)

// Services holds named transient factories. Every Resolve call invokes the
// factory again.
type Services struct {
	mu        sync.RWMutex
	factories map[string]Factory
	values    map[string]any
}

// NewServices returns an empty container.
func NewServices() *Services {
	return &Services{
		factories: make(map[string]Factory),
		values:    make(map[string]any),
	}
}

// AddTransient registers a factory under name, replacing any previous one.
func (s *Services) AddTransient(name string, factory Factory) *Services {
	name = strings.TrimSpace(name)
	if name == "" || factory == nil {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factories[name] = factory
	return s
}

// AddValue registers a shared dependency (logger, metrics registry) that
// factories may look up with Value.
func (s *Services) AddValue(name string, value any) *Services {
	name = strings.TrimSpace(name)
	if name == "" {
		return s
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[name] = value
	return s
}

// Value returns a shared dependency registered with AddValue.
func (s *Services) Value(name string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[name]
	return v, ok
}

// Registered reports whether a factory exists for name.
func (s *Services) Registered(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.factories[name]
	return ok
}

// Resolve builds a fresh middleware instance for name.
func (s *Services) Resolve(name string) (Middleware, error) {
	s.mu.RLock()
	factory, ok := s.factories[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrServiceNotRegistered)
	}

	mw, err := factory(s)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", name, err)
	}
	if mw == nil {
		return nil, fmt.Errorf("resolve %q: factory returned nil middleware", name)
	}
	return mw, nil
}

// Builder assembles the request pipeline.
type Builder struct {
	services *Services
	stages   []stage
}

type stage struct {
	name string
	mw   Middleware
}

// NewBuilder returns a pipeline builder backed by services. A nil container
// gets a fresh one.
func NewBuilder(services *Services) *Builder {
	if services == nil {
		services = NewServices()
	}
	return &Builder{services: services}
}

// Services exposes the container backing the builder.
func (b *Builder) Services() *Services {
	return b.services
}

// UseMiddleware appends a container-resolved middleware. The first stage
// added is the outermost one.
func (b *Builder) UseMiddleware(name string) *Builder {
	b.stages = append(b.stages, stage{name: strings.TrimSpace(name)})
	return b
}

// Use appends an already constructed middleware.
func (b *Builder) Use(mw Middleware) *Builder {
	if mw != nil {
		b.stages = append(b.stages, stage{mw: mw})
	}
	return b
}

// Build resolves every stage and wraps terminal with them.
func (b *Builder) Build(terminal http.Handler) (http.Handler, error) {
	if terminal == nil {
		terminal = http.NotFoundHandler()
	}

	resolved := make([]Middleware, 0, len(b.stages))
	for _, st := range b.stages {
		if st.mw != nil {
			resolved = append(resolved, st.mw)
			continue
		}
		mw, err := b.services.Resolve(st.name)
		if err != nil {
			return nil, err
		}
		resolved = append(resolved, mw)
	}

	handler := terminal
	for i := len(resolved) - 1; i >= 0; i-- {
		if next := resolved[i](handler); next != nil {
			handler = next
		}
	}
	return handler, nil
}

// Well-known names for shared values.
const (
	LoggerService   = "logger"
	RegistryService = "metrics.registry"
)
