// Package component defines the uniform contract every analysis and
// generation unit is invoked through. Components are opaque beyond
// Execute; retry, caching, and validation live in the executor.
package component

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"propgen/internal/domain"
)

var ErrUnknownComponent = errors.New("unknown component")

type Component interface {
	ID() string
	Execute(ctx context.Context, task domain.Task) (map[string]any, error)
}

// Func adapts a plain function into a Component.
type Func struct {
	Name string
	Run  func(ctx context.Context, task domain.Task) (map[string]any, error)
}

func (f Func) ID() string {
	return f.Name
}

func (f Func) Execute(ctx context.Context, task domain.Task) (map[string]any, error) {
	return f.Run(ctx, task)
}

type Registry struct {
	mu         sync.RWMutex
	components map[string]Component
}

func NewRegistry() *Registry {
	return &Registry{components: make(map[string]Component)}
}

func (r *Registry) Register(c Component) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID() == "" {
		return fmt.Errorf("component has empty id")
	}
	if _, ok := r.components[c.ID()]; ok {
		return fmt.Errorf("component %q already registered", c.ID())
	}
	r.components[c.ID()] = c
	return nil
}

func (r *Registry) Resolve(componentID string) (Component, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.components[componentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComponent, componentID)
	}
	return c, nil
}

// IDs returns the registered component ids in sorted order so
// sequential execution has a deterministic default ordering.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.components))
	for id := range r.components {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
