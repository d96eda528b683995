package nodes

import (
	"context"
	"log/slog"
	"strings"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
)

// LogNode logs every packet it receives and forwards it.
type LogNode struct {
	id     string
	logger *slog.Logger
}

// OnIn logs the payload at the level property (debug, info, warn, error; default
// info) and sends it on out.
func (n *LogNode) OnIn(ctx context.Context, in *runtime.Input, out *runtime.Output) error {
	props := properties(in)
	level := parseLevel(props.String("level", "info"))
	message := props.String("message", "packet received")

	sender, _ := in.Sender()
	n.logger.Log(ctx, level, message,
		"node_id", n.id,
		"sender", sender,
		"ports", in.Ports(),
		"payload", in.Value(),
	)

	return out.SendTo(ctx, PortOut, in.Value())
}

func parseLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Log is the log@v1 node class.
func Log(logger *slog.Logger) runtime.NodeClass {
	if logger == nil {
		logger = slog.Default()
	}
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:        "log@v1",
			InputPorts:  []string{PortIn},
			OutputPorts: []string{PortOut},
			Handlers:    []runtime.HandlerDescriptor{runtime.Handle(PortIn, "onIn", (*LogNode).OnIn)},
		},
		Construct: func(ctx context.Context, r container.Resolver) (runtime.Node, error) {
			id, err := nodeID(ctx, r)
			if err != nil {
				return nil, err
			}
			return &LogNode{id: id, logger: logger}, nil
		},
	}
}
