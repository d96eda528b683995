// Package packet defines the message envelope routed between nodes and the
// directive resolution applied to its property tree.
package packet

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"

	"dario.cat/mergo"

	"github.com/polisai/packetflow/pkg/domain"
)

// ErrNonObjectProperties is returned when a directive at the root of the property
// tree resolves to something other than an object. The properties are left unchanged.
var ErrNonObjectProperties = errors.New("property tree resolved to a non-object value")

// Packet carries a payload, the ports it is addressed to, a property tree, a cache
// bag and the id of the node that produced it.
//
// Handlers must treat the payload and cache they receive as read-only: Clone shares
// both by reference.
type Packet struct {
	mu         sync.RWMutex
	payload    any
	ports      []string
	properties map[string]any
	cache      map[string]any
	origin     string
	hasOrigin  bool
}

// New creates a packet with the given payload and ports.
func New(payload any, ports ...string) *Packet {
	if payload == nil {
		payload = map[string]any{}
	}
	return &Packet{
		payload:    payload,
		ports:      slices.Clone(ports),
		properties: map[string]any{},
		cache:      map[string]any{},
	}
}

// From creates an empty packet stamped with origin.
func From(origin string) *Packet {
	return New(nil).SetOrigin(origin)
}

// Origin returns the id of the node that produced the packet.
func (p *Packet) Origin() (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.origin, p.hasOrigin
}

// SetOrigin stamps the producing node.
func (p *Packet) SetOrigin(origin string) *Packet {
	p.mu.Lock()
	p.origin = origin
	p.hasOrigin = true
	p.mu.Unlock()
	return p
}

// Ports returns a copy of the destination ports.
func (p *Packet) Ports() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return slices.Clone(p.ports)
}

// SetPorts replaces the destination ports.
func (p *Packet) SetPorts(ports []string) *Packet {
	p.mu.Lock()
	p.ports = slices.Clone(ports)
	p.mu.Unlock()
	return p
}

// Payload returns the payload.
func (p *Packet) Payload() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.payload
}

// SetPayload replaces the payload.
func (p *Packet) SetPayload(payload any) *Packet {
	p.mu.Lock()
	p.payload = payload
	p.mu.Unlock()
	return p
}

// Properties returns the property tree.
func (p *Packet) Properties() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.properties
}

// SetProperties replaces the property tree.
func (p *Packet) SetProperties(properties map[string]any) *Packet {
	if properties == nil {
		properties = map[string]any{}
	}
	p.mu.Lock()
	p.properties = properties
	p.mu.Unlock()
	return p
}

// Cache returns the cache bag.
func (p *Packet) Cache() map[string]any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cache
}

// SetCache replaces the cache bag.
func (p *Packet) SetCache(cache map[string]any) *Packet {
	if cache == nil {
		cache = map[string]any{}
	}
	p.mu.Lock()
	p.cache = cache
	p.mu.Unlock()
	return p
}

// WithCacheValue replaces the cache with a copy that also holds key. Packets sharing
// the previous cache are unaffected.
func (p *Packet) WithCacheValue(key string, value any) *Packet {
	p.mu.Lock()
	next := maps.Clone(p.cache)
	if next == nil {
		next = map[string]any{}
	}
	next[key] = value
	p.cache = next
	p.mu.Unlock()
	return p
}

// Clone copies the envelope. Payload and cache are shared by reference, ports are
// copied, origin is carried over and properties start empty.
func (p *Packet) Clone() *Packet {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return &Packet{
		payload:    p.payload,
		ports:      slices.Clone(p.ports),
		properties: map[string]any{},
		cache:      p.cache,
		origin:     p.origin,
		hasOrigin:  p.hasOrigin,
	}
}

// MergeProperties deep-merges static over the current properties. Both trees are
// copied first, so neither the packet's previous tree nor static is modified.
func (p *Packet) MergeProperties(static map[string]any) error {
	if len(static) == 0 {
		return nil
	}

	merged := domain.CopyMap(p.Properties())
	if merged == nil {
		merged = map[string]any{}
	}
	if err := mergo.Merge(&merged, domain.CopyMap(static), mergo.WithOverride); err != nil {
		return fmt.Errorf("merge properties: %w", err)
	}
	p.SetProperties(merged)
	return nil
}

// Lookup reads a top-level payload field.
func (p *Packet) Lookup(key string) (any, bool) {
	fields, ok := p.Payload().(map[string]any)
	if !ok {
		return nil, false
	}
	value, ok := fields[key]
	return value, ok
}

// Transform rewrites directive nodes and every scalar leaf of the property tree
// through resolve. It fails with ErrNonObjectProperties when the root itself is a
// directive that resolves to a non-object.
func (p *Packet) Transform(ctx context.Context, resolve Resolver) error {
	return p.rewrite(func(props map[string]any) (any, error) {
		return walk(ctx, props, p.lookupSnapshot(), resolve, true)
	})
}

// Resolve rewrites directive nodes of the property tree through resolve. The root
// follows the same rule as in Transform.
func (p *Packet) Resolve(ctx context.Context, resolve Resolver) error {
	return p.rewrite(func(props map[string]any) (any, error) {
		return walk(ctx, props, p.lookupSnapshot(), resolve, false)
	})
}

// ResolveSync is the synchronous form of Resolve.
func (p *Packet) ResolveSync(resolve SyncResolver) error {
	return p.rewrite(func(props map[string]any) (any, error) {
		return walkSync(props, p.lookupSnapshot(), resolve), nil
	})
}

func (p *Packet) rewrite(fn func(map[string]any) (any, error)) error {
	props := p.Properties()
	if props == nil {
		return nil
	}
	out, err := fn(props)
	if err != nil {
		return err
	}
	resolved, ok := out.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrNonObjectProperties, out)
	}
	p.SetProperties(resolved)
	return nil
}

func (p *Packet) lookupSnapshot() Lookup {
	fields, _ := p.Payload().(map[string]any)
	snapshot := maps.Clone(fields)
	return func(key string) (any, bool) {
		value, ok := snapshot[key]
		return value, ok
	}
}
