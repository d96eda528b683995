package nodes

import (
	"context"
	"fmt"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/services"
)

// ReturnNode contributes to the result a trigger resolves with.
type ReturnNode struct {
	result *services.Return
}

// OnIn merges the payload into the result. With a key property the payload is
// stored under that key instead; with a field property only that payload field is
// taken.
func (n *ReturnNode) OnIn(_ context.Context, in *runtime.Input, _ *runtime.Output) error {
	props := properties(in)

	value := in.Value()
	if field := props.String("field", ""); field != "" {
		v, ok := in.Field(field)
		if !ok {
			return fmt.Errorf("return: payload has no field %q", field)
		}
		value = v
	}

	if key := props.String("key", ""); key != "" {
		return n.result.Merge(map[string]any{key: value})
	}

	data, ok := value.(map[string]any)
	if !ok {
		return fmt.Errorf("return: payload must be an object without a key property, got %T", value)
	}
	return n.result.Merge(data)
}

// Return is the return@v1 node class.
func Return() runtime.NodeClass {
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:       "return@v1",
			Aliases:    []string{"result"},
			InputPorts: []string{PortIn},
			Handlers:   []runtime.HandlerDescriptor{runtime.Handle(PortIn, "onIn", (*ReturnNode).OnIn)},
		},
		Construct: func(ctx context.Context, r container.Resolver) (runtime.Node, error) {
			result, err := container.Get[*services.Return](ctx, r, runtime.ReturnKey)
			if err != nil {
				return nil, err
			}
			return &ReturnNode{result: result}, nil
		},
	}
}
