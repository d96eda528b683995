package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/packet"
	"github.com/polisai/packetflow/pkg/telemetry"
)

// forward routes p from its origin to every node connected through one of its ports.
// Entries for all targets are recorded before any target runs, so a fast sibling can
// never drain the context early. forward returns once every branch has finished.
func (c *ExecutionContext) forward(ctx context.Context, p *packet.Packet) {
	from, ok := p.Origin()
	if !ok {
		return
	}
	ports := p.Ports()

	var targets []string
	for _, con := range c.flow.OutgoingConnectionsByPorts(from, ports) {
		if !slices.Contains(targets, con.Target.ID) {
			targets = append(targets, con.Target.ID)
		}
	}
	if len(targets) == 0 {
		return
	}

	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	invocations := make([]invocation, 0, len(targets))
	var unknown []string
	for _, target := range targets {
		if _, exists := c.flow.NodeByID(target); !exists {
			unknown = append(unknown, target)
			continue
		}
		next := p.Clone().SetPorts(c.targetPorts(from, target, ports))
		invocations = append(invocations, c.addEntryLocked(target, next))
	}
	c.mu.Unlock()

	for _, id := range unknown {
		c.warn(ctx, domain.NewUnknownNodeError(id), p)
	}

	var g errgroup.Group
	for _, inv := range invocations {
		g.Go(func() error {
			c.process(ctx, inv)
			return nil
		})
	}
	_ = g.Wait()
}

// targetPorts returns the input ports of target reached from one of the ports of from.
func (c *ExecutionContext) targetPorts(from, target string, ports []string) []string {
	var out []string
	for _, con := range c.flow.IncomingConnections(target) {
		if con.Source.ID != from || !slices.Contains(ports, con.Source.Port) {
			continue
		}
		if !slices.Contains(out, con.Target.Port) {
			out = append(out, con.Target.Port)
		}
	}
	return out
}

// process runs one node invocation: merge static properties, resolve directives,
// before-process hooks, port validation, then every matching handler concurrently.
func (c *ExecutionContext) process(ctx context.Context, inv invocation) {
	if !c.current(inv) {
		return
	}

	entry := inv.entry
	node, ok := c.flow.NodeByID(entry.NodeID)
	if !ok {
		c.warn(ctx, domain.NewUnknownNodeError(entry.NodeID), entry.Packet)
		c.complete(inv)
		return
	}
	bc := c.classes[node.ID]
	desc := bc.class.Descriptor
	in := entry.Packet

	ctx, span := c.tracer.Start(ctx, "flow.node", trace.WithAttributes(
		attribute.String("node.id", node.ID),
		attribute.String("node.type", bc.meta.Canonical),
		attribute.String("entry.id", entry.ID),
		attribute.Int64("entry.generation", int64(inv.generation)),
	))
	defer span.End()

	c.emit(Event{Kind: EventProcessing, NodeID: node.ID, Packet: in})

	if len(node.Properties) > 0 {
		if err := in.MergeProperties(node.Properties); err != nil {
			c.warn(ctx, domain.NewNodeError(node.ID, err), in)
		}
		if err := in.ResolveSync(packet.MessageDirective); err != nil {
			c.warn(ctx, domain.NewNodeError(node.ID, err), in)
		}
	}

	c.onBeforeProcess(ctx, node, in)

	ports := in.Ports()
	for _, port := range ports {
		if !desc.AcceptsInput(port) {
			c.warn(ctx, domain.NewUnknownPortError(node.ID), in)
			c.recordMetrics(ctx, node, bc.meta, port, runtime.OutcomeUnknownPort, 0)
			span.SetStatus(codes.Error, "unknown port")
			c.complete(inv)
			return
		}
	}

	var handlers []runtime.HandlerDescriptor
	for _, port := range ports {
		handlers = append(handlers, desc.HandlersFor(port)...)
	}

	var g errgroup.Group
	for _, handler := range handlers {
		g.Go(func() error {
			c.invoke(ctx, inv, node, bc, handler)
			return nil
		})
	}
	_ = g.Wait()

	c.complete(inv)
}

// invoke evaluates guards and runs one handler. Errors become warnings.
func (c *ExecutionContext) invoke(ctx context.Context, inv invocation, node runtime.BoundNode, bc boundClass, handler runtime.HandlerDescriptor) {
	if !c.current(inv) {
		c.recordMetrics(ctx, node, bc.meta, handler.Port, runtime.OutcomeStopped, 0)
		return
	}

	in := inv.entry.Packet
	if !c.applyGuards(ctx, node, bc.class.Descriptor, handler, in) {
		c.recordMetrics(ctx, node, bc.meta, handler.Port, runtime.OutcomeFailedGuard, 0)
		return
	}

	out := in.Clone().SetOrigin(node.ID)
	output := runtime.NewOutput(out, func(ctx context.Context, sent *packet.Packet) error {
		c.send(ctx, inv, node, bc.class.Descriptor, sent)
		return nil
	})

	start := time.Now()
	err := safeInvoke(ctx, handler, node.Instance, runtime.NewInput(in), output)
	duration := time.Since(start)

	if err != nil {
		c.warn(ctx, domain.NewNodeError(node.ID, err), in)
		if c.current(inv) {
			c.onAfterProcess(ctx, node, in, err)
		}
		c.recordMetrics(ctx, node, bc.meta, handler.Port, runtime.OutcomeNodeError, duration)
		trace.SpanFromContext(ctx).RecordError(err)
		return
	}

	if c.current(inv) {
		c.onAfterProcess(ctx, node, in, nil)
	}
	c.recordMetrics(ctx, node, bc.meta, handler.Port, runtime.OutcomeSuccess, duration)
}

func safeInvoke(ctx context.Context, handler runtime.HandlerDescriptor, instance runtime.Node, in *runtime.Input, out *runtime.Output) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler %s panicked: %v", handler.Key, r)
		}
	}()
	return handler.Invoke(ctx, instance, in, out)
}

// send publishes a packet produced by a handler. Undeclared output ports are dropped,
// and nothing is forwarded once the invocation is stale or the context stopped.
func (c *ExecutionContext) send(ctx context.Context, inv invocation, node runtime.BoundNode, desc *runtime.NodeDescriptor, out *packet.Packet) {
	out.SetPorts(desc.FilterOutput(out.Ports()))

	if !c.current(inv) {
		return
	}
	c.onBeforePacketSend(ctx, node, out)

	if !c.current(inv) {
		return
	}
	c.emit(Event{Kind: EventOutput, NodeID: node.ID, Packet: out})
	c.forward(ctx, out)
}

// applyGuards evaluates class guards then method guards in order and stops at the
// first rejection.
func (c *ExecutionContext) applyGuards(ctx context.Context, node runtime.BoundNode, desc *runtime.NodeDescriptor, handler runtime.HandlerDescriptor, in *packet.Packet) bool {
	refs := desc.GuardsFor(handler.Key)
	if len(refs) == 0 {
		return true
	}

	gc := runtime.GuardContext{
		Node:       node,
		Packet:     in,
		Descriptor: desc,
		Handler:    handler,
	}

	for i, ref := range refs {
		guard, err := ref.Resolve(ctx, c.container)
		if err != nil {
			c.warn(ctx, domain.NewFailedGuardError(node.ID, i, err), in)
			return false
		}

		ok, err := guard.CanProcess(ctx, gc)
		if err != nil {
			c.warn(ctx, domain.NewFailedGuardError(node.ID, i, err), in)
			return false
		}
		if !ok {
			c.warn(ctx, domain.NewFailedGuardError(node.ID, i, nil), in)
			return false
		}
	}
	return true
}

func (c *ExecutionContext) onBeforeProcess(ctx context.Context, node runtime.BoundNode, in *packet.Packet) {
	c.applyServices(ctx, func(service any) error {
		if hook, ok := service.(runtime.BeforeProcessHook); ok {
			return hook.OnBeforeProcess(ctx, node, in)
		}
		return nil
	})
}

func (c *ExecutionContext) onAfterProcess(ctx context.Context, node runtime.BoundNode, in *packet.Packet, procErr error) {
	c.applyServices(ctx, func(service any) error {
		if hook, ok := service.(runtime.AfterProcessHook); ok {
			return hook.OnAfterProcess(ctx, node, in, procErr)
		}
		return nil
	})
}

func (c *ExecutionContext) onBeforePacketSend(ctx context.Context, node runtime.BoundNode, out *packet.Packet) {
	c.applyServices(ctx, func(service any) error {
		if hook, ok := service.(runtime.BeforePacketSendHook); ok {
			return hook.OnBeforePacketSend(ctx, node, out)
		}
		return nil
	})
}

// applyServices runs a hook on every service in registration order. A failing
// service does not stop the others.
func (c *ExecutionContext) applyServices(ctx context.Context, apply func(service any) error) {
	for _, service := range c.services {
		if err := apply(service); err != nil {
			c.warn(ctx, domain.NewServiceError(runtime.ServiceName(service), err), nil)
		}
	}
}

func (c *ExecutionContext) warn(ctx context.Context, err *domain.ExecutionError, p *packet.Packet) {
	nodeID := err.NodeID
	if nodeID == "" {
		nodeID = err.Service
	}

	c.logger.Warn("execution warning",
		"kind", string(err.Kind),
		"node_id", err.NodeID,
		"service", err.Service,
		"error", err,
	)

	telemetry.RecordWarning(ctx, nodeID, string(err.Kind))
	telemetry.RecordWarningEvent(trace.SpanFromContext(ctx), string(err.Kind), nodeID, err.GuardIndex)

	c.emit(Event{Kind: EventWarning, NodeID: err.NodeID, Packet: p, Err: err})
}

func (c *ExecutionContext) recordMetrics(ctx context.Context, node runtime.BoundNode, meta classMetadata, port string, outcome runtime.NodeOutcome, duration time.Duration) {
	telemetry.RecordNodeMetrics(ctx, telemetry.NodeMetrics{
		NodeID:      node.ID,
		NodeKind:    meta.Kind,
		NodeVersion: meta.Version,
		Port:        port,
		Outcome:     outcome,
		Duration:    duration,
	})
}
