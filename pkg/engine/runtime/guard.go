package runtime

import (
	"context"
	"fmt"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/packet"
)

// GuardContext is what a guard sees of the invocation it gates.
type GuardContext struct {
	Node       BoundNode
	Packet     *packet.Packet
	Descriptor *NodeDescriptor
	Handler    HandlerDescriptor
}

// Guard decides whether a handler may run. Returning false or an error stops the
// guard sequence.
type Guard interface {
	CanProcess(ctx context.Context, gc GuardContext) (bool, error)
}

// GuardFunc adapts a function to Guard.
type GuardFunc func(ctx context.Context, gc GuardContext) (bool, error)

// CanProcess implements Guard.
func (f GuardFunc) CanProcess(ctx context.Context, gc GuardContext) (bool, error) {
	return f(ctx, gc)
}

// GuardRef is a guard attached to a descriptor: either a live value or a provider
// constructed through the container.
type GuardRef struct {
	guard     Guard
	key       container.Key
	scope     container.Scope
	construct container.FactoryFunc
}

// UseGuard attaches a live guard.
func UseGuard(g Guard) GuardRef {
	return GuardRef{guard: g}
}

// ProvideGuard attaches a guard built by construct and cached according to scope.
func ProvideGuard(key container.Key, scope container.Scope, construct func(ctx context.Context, r container.Resolver) (Guard, error)) GuardRef {
	return GuardRef{
		key:   key,
		scope: scope,
		construct: func(ctx context.Context, r container.Resolver) (any, error) {
			return construct(ctx, r)
		},
	}
}

// String names the guard for logs.
func (r GuardRef) String() string {
	if r.guard != nil {
		return fmt.Sprintf("%T", r.guard)
	}
	return string(r.key)
}

// Resolve returns the guard, binding its provider into root on first use.
func (r GuardRef) Resolve(ctx context.Context, root *container.Container) (Guard, error) {
	if r.guard != nil {
		return r.guard, nil
	}
	if r.key == "" || r.construct == nil {
		return nil, fmt.Errorf("guard reference is empty")
	}

	root.BindFactoryIfAbsent(r.key, r.scope, r.construct)
	return container.Get[Guard](ctx, root.CreateChild(), r.key)
}
