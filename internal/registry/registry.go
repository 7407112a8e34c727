// Package registry holds the in-process tool registry shared by the butler
// services and the approval gateway.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Handler is the calling convention every registered tool implements.
// Args and results are plain JSON-shaped maps so handlers can be swapped
// without changing callers.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry is a concurrency-safe name→handler map.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds a tool handler. Registering an existing name replaces it.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Get returns the handler registered under name, or nil.
func (r *Registry) Get(name string) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.handlers[name]
}

// Names returns a snapshot of all registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Replace swaps the handler for an already-registered tool and returns the
// previous handler. It fails if the tool is not registered, so callers can
// never install a wrapper over a missing original.
func (r *Registry) Replace(name string, h Handler) (Handler, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("Replace: tool not registered: %s", name)
	}
	r.handlers[name] = h
	return prev, nil
}

// Call invokes the current handler for name.
func (r *Registry) Call(ctx context.Context, name string, args map[string]any) (map[string]any, error) {
	h := r.Get(name)
	if h == nil {
		return nil, fmt.Errorf("Call: tool not registered: %s", name)
	}
	return h(ctx, args)
}

// SafeCall invokes a handler and converts a panic into an ordinary error,
// so a misbehaving tool can never unwind through the caller.
func SafeCall(ctx context.Context, h Handler, args map[string]any) (result map[string]any, err error) {
	if h == nil {
		return nil, fmt.Errorf("SafeCall: nil handler")
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, args)
}
