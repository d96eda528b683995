// Package container provides the scope-aware provider registry used to construct
// nodes, guards and services.
//
// A Container maps keys to construction strategies. Children inherit every binding of
// their parent and may add or shadow bindings of their own; the runtime creates one
// child per bound node so node-local values (its id, its connections) stay private.
package container

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// Key identifies a binding.
type Key string

// Scope controls how often a factory runs.
type Scope int

const (
	// Singleton runs the factory once per binding and caches the value.
	Singleton Scope = iota
	// Transient runs the factory on every resolution.
	Transient
	// Request runs the factory once per top-level Get call.
	Request
)

func (s Scope) String() string {
	switch s {
	case Singleton:
		return "singleton"
	case Transient:
		return "transient"
	case Request:
		return "request"
	default:
		return fmt.Sprintf("scope(%d)", int(s))
	}
}

// ParseScope maps a scope name to its Scope. The empty name is Singleton.
func ParseScope(name string) (Scope, error) {
	switch name {
	case "", "singleton":
		return Singleton, nil
	case "transient":
		return Transient, nil
	case "request":
		return Request, nil
	default:
		return Singleton, fmt.Errorf("unknown scope %q", name)
	}
}

var (
	// ErrNotBound is returned when no container in the chain binds a key.
	ErrNotBound = errors.New("key is not bound")
	// ErrCircular is returned when a factory depends on its own key.
	ErrCircular = errors.New("circular dependency")
)

// Resolver resolves keys to values.
type Resolver interface {
	Get(ctx context.Context, key Key) (any, error)
}

// FactoryFunc builds a value. r resolves from the container the lookup started in.
type FactoryFunc func(ctx context.Context, r Resolver) (any, error)

type binding struct {
	scope   Scope
	factory FactoryFunc

	// building serialises singleton construction so the factory runs once.
	building sync.Mutex

	mu       sync.Mutex
	resolved bool
	value    any
}

func (b *binding) cached() (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value, b.resolved
}

// Container is a scope-aware provider registry. It is safe for concurrent use.
type Container struct {
	parent *Container

	mu       sync.RWMutex
	bindings map[Key]*binding
}

// New creates an empty root container.
func New() *Container {
	return &Container{bindings: make(map[Key]*binding)}
}

// CreateChild creates a container that falls back to c for unbound keys.
func (c *Container) CreateChild() *Container {
	child := New()
	child.parent = c
	return child
}

// BindValue binds key to a constant.
func (c *Container) BindValue(key Key, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[key] = &binding{scope: Singleton, resolved: true, value: value}
}

// BindFactory binds key to a factory run according to scope.
func (c *Container) BindFactory(key Key, scope Scope, factory FactoryFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[key] = &binding{scope: scope, factory: factory}
}

// BindFactoryIfAbsent binds key unless c or an ancestor already binds it. It reports
// whether a binding was added.
func (c *Container) BindFactoryIfAbsent(key Key, scope Scope, factory FactoryFunc) bool {
	if c.parent != nil && c.parent.IsBound(key) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bindings[key]; ok {
		return false
	}
	c.bindings[key] = &binding{scope: scope, factory: factory}
	return true
}

// Unbind removes a binding from c. Parent bindings are untouched.
func (c *Container) Unbind(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.bindings[key]; !ok {
		return false
	}
	delete(c.bindings, key)
	return true
}

// IsBound reports whether key is bound in c or any ancestor.
func (c *Container) IsBound(key Key) bool {
	_, ok := c.lookup(key)
	return ok
}

// Keys lists the keys bound directly in c.
func (c *Container) Keys() []Key {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]Key, 0, len(c.bindings))
	for key := range c.bindings {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}

// Get resolves key. Each call starts a new request scope.
func (c *Container) Get(ctx context.Context, key Key) (any, error) {
	req := &request{
		origin:  c,
		cache:   make(map[Key]any),
		pending: make(map[Key]struct{}),
	}
	return req.Get(ctx, key)
}

// Get resolves key and asserts its type.
func Get[T any](ctx context.Context, r Resolver, key Key) (T, error) {
	var zero T
	value, err := r.Get(ctx, key)
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("resolve %q: bound value has type %T, want %T", key, value, zero)
	}
	return typed, nil
}

// MustGet is Get for values the caller bound itself.
func MustGet[T any](ctx context.Context, r Resolver, key Key) T {
	value, err := Get[T](ctx, r, key)
	if err != nil {
		panic(err)
	}
	return value
}

func (c *Container) lookup(key Key) (*binding, bool) {
	for cur := c; cur != nil; cur = cur.parent {
		cur.mu.RLock()
		b, ok := cur.bindings[key]
		cur.mu.RUnlock()
		if ok {
			return b, true
		}
	}
	return nil, false
}

// request is the resolver handed to factories during one top-level Get.
type request struct {
	origin *Container

	mu      sync.Mutex
	cache   map[Key]any
	pending map[Key]struct{}
}

func (r *request) Get(ctx context.Context, key Key) (any, error) {
	b, ok := r.origin.lookup(key)
	if !ok {
		return nil, fmt.Errorf("resolve %q: %w", key, ErrNotBound)
	}

	switch b.scope {
	case Singleton:
		return r.singleton(ctx, key, b)
	case Request:
		r.mu.Lock()
		if value, ok := r.cache[key]; ok {
			r.mu.Unlock()
			return value, nil
		}
		r.mu.Unlock()

		value, err := r.build(ctx, key, b)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[key] = value
		r.mu.Unlock()
		return value, nil
	default:
		return r.build(ctx, key, b)
	}
}

func (r *request) singleton(ctx context.Context, key Key, b *binding) (any, error) {
	if value, ok := b.cached(); ok {
		return value, nil
	}

	// A factory re-entering its own key would block on building below.
	r.mu.Lock()
	_, busy := r.pending[key]
	r.mu.Unlock()
	if busy {
		return nil, fmt.Errorf("resolve %q: %w", key, ErrCircular)
	}

	b.building.Lock()
	defer b.building.Unlock()

	if value, ok := b.cached(); ok {
		return value, nil
	}

	value, err := r.build(ctx, key, b)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.value = value
	b.resolved = true
	b.mu.Unlock()
	return value, nil
}

func (r *request) build(ctx context.Context, key Key, b *binding) (any, error) {
	if b.factory == nil {
		return nil, fmt.Errorf("resolve %q: %w", key, ErrNotBound)
	}

	r.mu.Lock()
	if _, busy := r.pending[key]; busy {
		r.mu.Unlock()
		return nil, fmt.Errorf("resolve %q: %w", key, ErrCircular)
	}
	r.pending[key] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, key)
		r.mu.Unlock()
	}()

	value, err := b.factory(ctx, r)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", key, err)
	}
	return value, nil
}
