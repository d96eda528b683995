// Package enginetest drives a single node type in isolation, without a flow or a
// scheduler, and captures the packets it sends.
package enginetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/packet"
	"github.com/polisai/packetflow/pkg/services"
)

const (
	// NodeID is the id the node under test is constructed with.
	NodeID = "test:node"
	// SourceID is the origin of packets built by Emit.
	SourceID = "test:root"
)

// ErrNoHandler is returned by Emit when the node has no handler on the port.
var ErrNoHandler = errors.New("node has no handler on port")

// Options configures a TestNode.
type Options struct {
	// Config backs the *services.Config bound under runtime.ConfigKey.
	Config map[string]any
	// Properties are the static node properties merged into every emitted packet.
	Properties map[string]any
	// Services are registered in the node's scope before construction.
	Services []container.Provider
	// OnSend is called for every packet the node sends.
	OnSend func(*packet.Packet)
}

// TestNode is a constructed node instance with a mock scope.
type TestNode struct {
	class     runtime.NodeClass
	node      runtime.BoundNode
	container *container.Container
	result    *services.Return
	onSend    func(*packet.Packet)

	mu   sync.Mutex
	sent []*packet.Packet
}

// NewTestNode constructs class in a scope binding runtime.IDKey to NodeID together
// with a config, a result accumulator and any extra services.
func NewTestNode(ctx context.Context, class runtime.NodeClass, opts Options) (*TestNode, error) {
	if err := class.Descriptor.Validate(); err != nil {
		return nil, &domain.InvalidNodeError{Reason: err.Error()}
	}
	if class.Construct == nil {
		return nil, &domain.InvalidNodeError{Name: class.Descriptor.Name, Reason: "class has no constructor"}
	}

	root := container.New()
	result := services.NewReturn()
	root.BindValue(runtime.IDKey, NodeID)
	root.BindValue(runtime.ConnectionsKey, runtime.Connections{})
	root.BindValue(runtime.ConfigKey, services.NewConfig(opts.Config))
	root.BindValue(runtime.ReturnKey, result)

	for _, provider := range opts.Services {
		if err := provider.Register(ctx, root); err != nil {
			return nil, fmt.Errorf("register service: %w", err)
		}
	}

	instance, err := class.Construct(ctx, root.CreateChild())
	if err != nil {
		return nil, fmt.Errorf("construct %s: %w", class.Descriptor.Name, err)
	}

	return &TestNode{
		class: class,
		node: runtime.BoundNode{
			FlowNode: domain.FlowNode{ID: NodeID, Type: class.Descriptor.Name, Properties: opts.Properties},
			Instance: instance,
		},
		container: root,
		result:    result,
		onSend:    opts.OnSend,
	}, nil
}

// Instance returns the node instance.
func (n *TestNode) Instance() runtime.Node {
	return n.node.Instance
}

// Container returns the mock scope.
func (n *TestNode) Container() *container.Container {
	return n.container
}

// Result returns the result accumulator bound in the mock scope.
func (n *TestNode) Result() *services.Return {
	return n.result
}

// Emit delivers data on port, evaluating guards before each handler, and returns the
// packets sent during this call. A guard rejection is returned as a
// *domain.ExecutionError of kind FailedGuard.
func (n *TestNode) Emit(ctx context.Context, port string, data domain.PacketData) ([]*packet.Packet, error) {
	in := packet.From(SourceID).SetPorts([]string{port}).SetProperties(data.Properties).SetCache(data.Cache)
	if data.Payload != nil {
		in.SetPayload(data.Payload)
	}
	return n.EmitPacket(ctx, in)
}

// EmitPacket is Emit with a caller-built packet. Every port on the packet is handled.
func (n *TestNode) EmitPacket(ctx context.Context, in *packet.Packet) ([]*packet.Packet, error) {
	desc := n.class.Descriptor

	if len(n.node.Properties) > 0 {
		if err := in.MergeProperties(n.node.Properties); err != nil {
			return nil, err
		}
		if err := in.ResolveSync(packet.MessageDirective); err != nil {
			return nil, err
		}
	}

	var handlers []runtime.HandlerDescriptor
	for _, port := range in.Ports() {
		found := desc.HandlersFor(port)
		if len(found) == 0 {
			return nil, fmt.Errorf("%w %q", ErrNoHandler, port)
		}
		handlers = append(handlers, found...)
	}

	var (
		mu   sync.Mutex
		sent []*packet.Packet
	)
	push := func(_ context.Context, out *packet.Packet) error {
		out.SetPorts(desc.FilterOutput(out.Ports()))
		mu.Lock()
		sent = append(sent, out)
		mu.Unlock()

		n.mu.Lock()
		n.sent = append(n.sent, out)
		n.mu.Unlock()

		if n.onSend != nil {
			n.onSend(out)
		}
		return nil
	}

	for _, handler := range handlers {
		if err := n.applyGuards(ctx, handler, in); err != nil {
			return sent, err
		}
		out := runtime.NewOutput(in.Clone().SetOrigin(NodeID), push)
		if err := handler.Invoke(ctx, n.node.Instance, runtime.NewInput(in), out); err != nil {
			return sent, err
		}
	}
	return sent, nil
}

// Sent returns every packet sent since construction or the last Reset.
func (n *TestNode) Sent() []*packet.Packet {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*packet.Packet, len(n.sent))
	copy(out, n.sent)
	return out
}

// Reset forgets captured packets and clears the result accumulator.
func (n *TestNode) Reset() {
	n.mu.Lock()
	n.sent = nil
	n.mu.Unlock()
	n.result.Reset()
}

// Setup runs the node's setup hook, if any.
func (n *TestNode) Setup(ctx context.Context) error {
	if hook, ok := n.node.Instance.(runtime.Setuper); ok {
		return hook.Setup(ctx)
	}
	return nil
}

// Teardown runs the node's teardown hook, if any.
func (n *TestNode) Teardown(ctx context.Context) error {
	if hook, ok := n.node.Instance.(runtime.Teardowner); ok {
		return hook.Teardown(ctx)
	}
	return nil
}

func (n *TestNode) applyGuards(ctx context.Context, handler runtime.HandlerDescriptor, in *packet.Packet) error {
	gc := runtime.GuardContext{
		Node:       n.node,
		Packet:     in,
		Descriptor: n.class.Descriptor,
		Handler:    handler,
	}

	for i, ref := range n.class.Descriptor.GuardsFor(handler.Key) {
		guard, err := ref.Resolve(ctx, n.container)
		if err != nil {
			return domain.NewFailedGuardError(NodeID, i, err)
		}
		ok, err := guard.CanProcess(ctx, gc)
		if err != nil {
			return domain.NewFailedGuardError(NodeID, i, err)
		}
		if !ok {
			return domain.NewFailedGuardError(NodeID, i, nil)
		}
	}
	return nil
}
