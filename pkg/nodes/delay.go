package nodes

import (
	"context"
	"fmt"
	"time"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/services"
)

// DefaultDelayKey is the context config key holding the delay used when a node
// sets no duration property.
const DefaultDelayKey = "nodes.delay.default"

// DelayNode waits before forwarding its input.
type DelayNode struct {
	fallback time.Duration
}

// OnIn waits for the duration property, then sends the payload on out. The wait
// ends early with ctx.
func (n *DelayNode) OnIn(ctx context.Context, in *runtime.Input, out *runtime.Output) error {
	d := properties(in).Duration("duration", n.fallback)
	if d < 0 {
		return fmt.Errorf("delay: negative duration %s", d)
	}

	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}

	return out.SendTo(ctx, PortOut, in.Value())
}

// Delay is the delay@v1 node class.
func Delay() runtime.NodeClass {
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:        "delay@v1",
			Aliases:     []string{"sleep"},
			InputPorts:  []string{PortIn},
			OutputPorts: []string{PortOut},
			Handlers:    []runtime.HandlerDescriptor{runtime.Handle(PortIn, "onIn", (*DelayNode).OnIn)},
		},
		Construct: func(ctx context.Context, r container.Resolver) (runtime.Node, error) {
			config, err := container.Get[*services.Config](ctx, r, runtime.ConfigKey)
			if err != nil {
				return nil, err
			}
			return &DelayNode{fallback: config.Duration(DefaultDelayKey, 0)}, nil
		},
	}
}
