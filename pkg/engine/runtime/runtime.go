// Package runtime defines the core contracts shared by the execution context and node
// implementations, keeping node logic decoupled from scheduling mechanics.
package runtime

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/packet"
)

// Container keys bound by the execution context.
const (
	// IDKey resolves to the id of the node being constructed.
	IDKey container.Key = "packetflow.node.id"
	// ConnectionsKey resolves to the Connections of the node being constructed.
	ConnectionsKey container.Key = "packetflow.node.connections"
	// ContextKey resolves to the owning execution context.
	ContextKey container.Key = "packetflow.context"
	// ConfigKey resolves to the *services.Config of the context.
	ConfigKey container.Key = "packetflow.config"
	// ReturnKey resolves to the *services.Return of the context.
	ReturnKey container.Key = "packetflow.return"
)

// NodeOutcome classifies how one node invocation ended.
type NodeOutcome string

const (
	// OutcomeSuccess indicates the handler ran and returned nil.
	OutcomeSuccess NodeOutcome = "success"
	// OutcomeNodeError indicates the handler returned an error.
	OutcomeNodeError NodeOutcome = "node_error"
	// OutcomeFailedGuard indicates a guard rejected the packet.
	OutcomeFailedGuard NodeOutcome = "failed_guard"
	// OutcomeUnknownPort indicates the packet arrived on an undeclared port.
	OutcomeUnknownPort NodeOutcome = "unknown_port"
	// OutcomeStopped indicates the context stopped before the handler ran.
	OutcomeStopped NodeOutcome = "stopped"
)

// Node is a live node instance. Setup and teardown are optional; see Setuper and
// Teardowner.
type Node any

// Setuper is implemented by nodes and services with a setup hook.
type Setuper interface {
	Setup(ctx context.Context) error
}

// Teardowner is implemented by nodes and services with a teardown hook.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// BeforeProcessHook runs on every service before a node handles a packet.
type BeforeProcessHook interface {
	OnBeforeProcess(ctx context.Context, node BoundNode, in *packet.Packet) error
}

// AfterProcessHook runs on every service after a node handled a packet. procErr is
// the handler error, if any.
type AfterProcessHook interface {
	OnAfterProcess(ctx context.Context, node BoundNode, in *packet.Packet, procErr error) error
}

// BeforePacketSendHook runs on every service before a node's output is forwarded.
type BeforePacketSendHook interface {
	OnBeforePacketSend(ctx context.Context, node BoundNode, out *packet.Packet) error
}

// Named lets a service choose the name reported in service errors.
type Named interface {
	Name() string
}

// ServiceName returns the name a service is reported under.
func ServiceName(service any) string {
	if named, ok := service.(Named); ok {
		return named.Name()
	}
	return fmt.Sprintf("%T", service)
}

// HandlerFunc invokes a port handler on a node instance.
type HandlerFunc func(ctx context.Context, instance Node, in *Input, out *Output) error

// HandlerDescriptor binds an input port to a handler method. Key identifies the
// method for method-level guards.
type HandlerDescriptor struct {
	Port   string
	Key    string
	Invoke HandlerFunc
}

// Handle builds a HandlerDescriptor from a method expression such as
// (*MyNode).OnInput.
func Handle[T any](port, key string, method func(T, context.Context, *Input, *Output) error) HandlerDescriptor {
	return HandlerDescriptor{
		Port: port,
		Key:  key,
		Invoke: func(ctx context.Context, instance Node, in *Input, out *Output) error {
			typed, ok := instance.(T)
			if !ok {
				var zero T
				return fmt.Errorf("handler %s: instance has type %T, want %T", key, instance, zero)
			}
			return method(typed, ctx, in, out)
		},
	}
}

// NodeDescriptor is the static description of a node type.
type NodeDescriptor struct {
	// Name is the registered type, optionally versioned as kind@version.
	Name        string
	Aliases     []string
	InputPorts  []string
	OutputPorts []string
	Handlers    []HandlerDescriptor
	// Guards apply to every handler of the type; MethodGuards to the handler with
	// the matching Key, after Guards.
	Guards       []GuardRef
	MethodGuards map[string][]GuardRef
}

// Validate reports descriptor problems that make a type unusable.
func (d *NodeDescriptor) Validate() error {
	if d == nil {
		return fmt.Errorf("descriptor is missing")
	}
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("descriptor has an empty name")
	}
	for i, handler := range d.Handlers {
		if handler.Invoke == nil {
			return fmt.Errorf("handler %d (%s) has no invoke function", i, handler.Key)
		}
		if handler.Port == "" {
			return fmt.Errorf("handler %d (%s) has no port", i, handler.Key)
		}
	}
	return nil
}

// AcceptsInput reports whether port is a declared input port.
func (d *NodeDescriptor) AcceptsInput(port string) bool {
	return slices.Contains(d.InputPorts, port)
}

// HandlersFor returns the handlers registered on port, in declaration order.
func (d *NodeDescriptor) HandlersFor(port string) []HandlerDescriptor {
	var out []HandlerDescriptor
	for _, handler := range d.Handlers {
		if handler.Port == port {
			out = append(out, handler)
		}
	}
	return out
}

// GuardsFor returns class guards followed by the method guards of key.
func (d *NodeDescriptor) GuardsFor(key string) []GuardRef {
	guards := make([]GuardRef, 0, len(d.Guards)+len(d.MethodGuards[key]))
	guards = append(guards, d.Guards...)
	guards = append(guards, d.MethodGuards[key]...)
	return guards
}

// FilterOutput drops ports not declared as outputs. An empty allowlist passes
// everything through.
func (d *NodeDescriptor) FilterOutput(ports []string) []string {
	if len(d.OutputPorts) == 0 {
		return ports
	}
	out := make([]string, 0, len(ports))
	for _, port := range ports {
		if slices.Contains(d.OutputPorts, port) {
			out = append(out, port)
		}
	}
	return out
}

// NodeClass pairs a descriptor with the constructor of its instances. Construct
// resolves from the node's own scope, where IDKey and ConnectionsKey are bound.
type NodeClass struct {
	Descriptor *NodeDescriptor
	Construct  func(ctx context.Context, r container.Resolver) (Node, error)
}

// BoundNode is a flow node together with its live instance.
type BoundNode struct {
	domain.FlowNode
	Instance Node
}

// Connections is what a node sees of the graph around it.
type Connections struct {
	Incoming []domain.Connection
	Outgoing []domain.Connection
}
