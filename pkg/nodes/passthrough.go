package nodes

import (
	"context"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

// PassthroughNode forwards its input unchanged.
type PassthroughNode struct{}

// OnIn sends the payload on out.
func (n *PassthroughNode) OnIn(ctx context.Context, in *runtime.Input, out *runtime.Output) error {
	return out.SendTo(ctx, PortOut, in.Value())
}

// Passthrough is the passthrough@v1 node class.
func Passthrough() runtime.NodeClass {
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:        "passthrough@v1",
			Aliases:     []string{"noop"},
			InputPorts:  []string{PortIn},
			OutputPorts: []string{PortOut},
			Handlers:    []runtime.HandlerDescriptor{runtime.Handle(PortIn, "onIn", (*PassthroughNode).OnIn)},
		},
		Construct: func(context.Context, container.Resolver) (runtime.Node, error) {
			return &PassthroughNode{}, nil
		},
	}
}
