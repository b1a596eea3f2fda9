package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Handler runs named methods for one remotely addressable object.
type Handler interface {
	Handle(ctx context.Context, method string, params json.RawMessage) (any, error)
}

// Router resolves the handler for a local id.
type Router interface {
	Route(id int) (Handler, bool)
}

// MethodFunc is one exposed method.
type MethodFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Methods is a Handler backed by a table of exposed methods.
type Methods map[string]MethodFunc

func (m Methods) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	fn, ok := m[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMethod, method)
	}
	return fn(ctx, params)
}

// Names lists the exposed methods in sorted order.
func (m Methods) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Bind adapts a typed function into a MethodFunc that decodes its
// parameters from JSON.
func Bind[P, R any](fn func(ctx context.Context, p P) (R, error)) MethodFunc {
	return func(ctx context.Context, params json.RawMessage) (any, error) {
		var p P
		if len(params) > 0 && string(params) != "null" {
			if err := json.Unmarshal(params, &p); err != nil {
				return nil, fmt.Errorf("decode params: %w", err)
			}
		}
		return fn(ctx, p)
	}
}

// Bind0 adapts a parameterless function.
func Bind0[R any](fn func(ctx context.Context) (R, error)) MethodFunc {
	return func(ctx context.Context, _ json.RawMessage) (any, error) {
		return fn(ctx)
	}
}

// Mux is a Router whose handlers can be added and removed at runtime.
type Mux struct {
	mu       sync.RWMutex
	handlers map[int]Handler
}

func NewMux() *Mux {
	return &Mux{handlers: make(map[int]Handler)}
}

func (m *Mux) Route(id int) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[id]
	return h, ok
}

// Handle registers h for id, replacing any previous handler.
func (m *Mux) Handle(id int, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[id] = h
}

// Remove unregisters id.
func (m *Mux) Remove(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, id)
}
