package nodes

import (
	"context"
	"fmt"

	"dario.cat/mergo"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

// SetNode merges its values property into the payload. Directives in values are
// resolved against the incoming payload before the merge, so {"$msg": "field"} copies
// a field.
type SetNode struct{}

// OnIn merges values over the payload and sends the result on out.
func (n *SetNode) OnIn(ctx context.Context, in *runtime.Input, out *runtime.Output) error {
	payload := map[string]any{}
	switch v := in.Value().(type) {
	case map[string]any:
		payload = domain.CopyMap(v)
	case nil:
	default:
		payload["value"] = v
	}

	raw, ok := in.Property("values")
	if ok && raw != nil {
		values, isMap := raw.(map[string]any)
		if !isMap {
			return fmt.Errorf("set: values must be an object, got %T", raw)
		}
		if err := mergo.Merge(&payload, domain.CopyMap(values), mergo.WithOverride); err != nil {
			return fmt.Errorf("set: merge values: %w", err)
		}
	}

	return out.SendTo(ctx, PortOut, payload)
}

// Set is the set@v1 node class.
func Set() runtime.NodeClass {
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:        "set@v1",
			InputPorts:  []string{PortIn},
			OutputPorts: []string{PortOut},
			Handlers:    []runtime.HandlerDescriptor{runtime.Handle(PortIn, "onIn", (*SetNode).OnIn)},
		},
		Construct: func(context.Context, container.Resolver) (runtime.Node, error) {
			return &SetNode{}, nil
		},
	}
}
