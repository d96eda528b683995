package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/flow"
)

// Config holds the node classes and services an Engine binds into every context.
type Config struct {
	Nodes    []runtime.NodeClass
	Services []container.Provider
	Logger   *slog.Logger
}

// Engine is the node registry. It is immutable after New and safe for concurrent use.
type Engine struct {
	registry *nodeRegistry
	services []container.Provider
	logger   *slog.Logger
}

// New registers every node class. Any invalid class fails the whole call with a
// *domain.InvalidNodeError.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	registry := newNodeRegistry()
	for _, class := range cfg.Nodes {
		if err := registry.register(class); err != nil {
			return nil, err
		}
	}

	return &Engine{
		registry: registry,
		services: cfg.Services,
		logger:   logger,
	}, nil
}

// Descriptors lists the registered node types sorted by name.
func (e *Engine) Descriptors() []*runtime.NodeDescriptor {
	return e.registry.descriptors()
}

// Lookup resolves a node type, accepting aliases and unversioned kinds.
func (e *Engine) Lookup(nodeType string) (runtime.NodeClass, bool) {
	class, _, ok := e.registry.resolve(nodeType)
	return class, ok
}

// Option customises a context created by the engine.
type Option func(*contextOptions)

type contextOptions struct {
	strict    bool
	logger    *slog.Logger
	observers []Observer
}

// WithStrict controls flow verification. Contexts are strict by default.
func WithStrict(strict bool) Option {
	return func(o *contextOptions) { o.strict = strict }
}

// WithLogger overrides the engine logger for one context.
func WithLogger(logger *slog.Logger) Option {
	return func(o *contextOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithObserver subscribes obs before any packet is routed.
func WithObserver(obs Observer) Option {
	return func(o *contextOptions) {
		if obs != nil {
			o.observers = append(o.observers, obs)
		}
	}
}

// CreateContext builds a flow from desc and binds it.
func (e *Engine) CreateContext(ctx context.Context, desc domain.FlowDescriptor, config map[string]any, opts ...Option) (*ExecutionContext, error) {
	options := e.options(opts)
	f, err := flow.FromDescriptor(desc, options.strict)
	if err != nil {
		return nil, err
	}
	return e.bind(ctx, f, config, options)
}

// CreateContextFromFlow binds an existing flow. The flow's own strictness applies.
func (e *Engine) CreateContextFromFlow(ctx context.Context, f *flow.Flow[domain.FlowNode], config map[string]any, opts ...Option) (*ExecutionContext, error) {
	if f == nil {
		return nil, &domain.InvalidFlowError{Reason: "is nil"}
	}
	return e.bind(ctx, f, config, e.options(opts))
}

func (e *Engine) options(opts []Option) contextOptions {
	options := contextOptions{strict: true, logger: e.logger}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func (e *Engine) bind(ctx context.Context, f *flow.Flow[domain.FlowNode], config map[string]any, options contextOptions) (*ExecutionContext, error) {
	ec := newExecutionContext(config, options)

	if err := ec.registerServices(ctx, e.services); err != nil {
		return nil, err
	}

	bound, err := flow.Map(f, func(node domain.FlowNode) (runtime.BoundNode, error) {
		class, meta, ok := e.registry.resolve(node.Type)
		if !ok {
			return runtime.BoundNode{}, &domain.InvalidFlowError{
				Reason: fmt.Sprintf("references node %q of unregistered type %q", node.ID, node.Type),
			}
		}

		scope := ec.container.CreateChild()
		scope.BindValue(runtime.IDKey, node.ID)
		scope.BindValue(runtime.ConnectionsKey, runtime.Connections{
			Incoming: f.IncomingConnections(node.ID),
			Outgoing: f.OutgoingConnections(node.ID),
		})

		instance, err := class.Construct(ctx, scope)
		if err != nil {
			return runtime.BoundNode{}, fmt.Errorf("construct node %q (%s): %w", node.ID, meta.Canonical, err)
		}

		ec.classes[node.ID] = boundClass{class: class, meta: meta}
		return runtime.BoundNode{FlowNode: node, Instance: instance}, nil
	})
	if err != nil {
		return nil, err
	}

	ec.flow = bound
	ec.logger.Debug("execution context bound",
		"nodes", len(bound.Nodes()),
		"connections", len(bound.Connections()),
		"services", len(ec.services),
	)
	return ec, nil
}
