// Package nodes provides the built-in node types registered by the CLI.
package nodes

import (
	"context"
	"log/slog"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/services"
)

// Port names shared by the built-in nodes.
const (
	PortIn  = "in"
	PortOut = "out"
)

// Builtin returns every built-in node class. A nil logger falls back to slog.Default().
func Builtin(logger *slog.Logger) []runtime.NodeClass {
	if logger == nil {
		logger = slog.Default()
	}
	return []runtime.NodeClass{
		Passthrough(),
		Set(),
		Delay(),
		Log(logger),
		Return(),
	}
}

// properties exposes the resolved node properties through the typed Config accessors.
func properties(in *runtime.Input) *services.Config {
	return services.NewConfig(in.Properties())
}

func nodeID(ctx context.Context, r container.Resolver) (string, error) {
	return container.Get[string](ctx, r, runtime.IDKey)
}
