package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/flow"
	"github.com/polisai/packetflow/pkg/packet"
	"github.com/polisai/packetflow/pkg/services"
	"github.com/polisai/packetflow/pkg/telemetry"
)

// ProcessingEntry is one in-flight node invocation.
type ProcessingEntry struct {
	ID     string
	NodeID string
	Packet *packet.Packet

	generation uint64
}

// invocation pins an entry to the generation it was issued under. A stale
// invocation may finish its handler but can no longer send or complete the entry.
type invocation struct {
	entry      *ProcessingEntry
	generation uint64
}

type boundClass struct {
	class runtime.NodeClass
	meta  classMetadata
}

// ExecutionContext owns a bound flow and routes packets through it.
type ExecutionContext struct {
	flow      *flow.Flow[runtime.BoundNode]
	classes   map[string]boundClass
	container *container.Container
	services  []any
	config    *services.Config
	result    *services.Return
	logger    *slog.Logger
	tracer    trace.Tracer

	mu         sync.Mutex
	running    bool
	started    bool
	processing []*ProcessingEntry
	pending    *Pending

	obsMu        sync.RWMutex
	observers    map[uint64]Observer
	nextObserver uint64
}

func newExecutionContext(config map[string]any, options contextOptions) *ExecutionContext {
	ec := &ExecutionContext{
		classes:   make(map[string]boundClass),
		container: container.New(),
		config:    services.NewConfig(config),
		result:    services.NewReturn(),
		logger:    options.logger,
		tracer:    otel.Tracer(telemetry.TracerName),
		observers: make(map[uint64]Observer),
	}

	ec.container.BindValue(runtime.ContextKey, ec)
	ec.container.BindValue(runtime.ConfigKey, ec.config)
	ec.container.BindValue(runtime.ReturnKey, ec.result)

	for _, obs := range options.observers {
		ec.Subscribe(obs)
	}
	return ec
}

func (c *ExecutionContext) registerServices(ctx context.Context, providers []container.Provider) error {
	for _, provider := range providers {
		if err := provider.Register(ctx, c.container); err != nil {
			return fmt.Errorf("register service: %w", err)
		}
		service, err := c.container.Get(ctx, provider.Key)
		if err != nil {
			return fmt.Errorf("resolve service %q: %w", provider.Key, err)
		}
		c.services = append(c.services, service)
	}
	return nil
}

// Flow returns the bound flow.
func (c *ExecutionContext) Flow() *flow.Flow[runtime.BoundNode] {
	return c.flow
}

// Container returns the root scope of the context.
func (c *ExecutionContext) Container() *container.Container {
	return c.container
}

// Config returns the configuration service.
func (c *ExecutionContext) Config() *services.Config {
	return c.config
}

// Result returns the result accumulator.
func (c *ExecutionContext) Result() *services.Return {
	return c.result
}

// State derives the execution state from the run flag and the processing set.
func (c *ExecutionContext) State() domain.ExecutionState {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case !c.started:
		return domain.StateIdle
	case c.running, len(c.processing) > 0:
		return domain.StateActive
	default:
		return domain.StateComplete
	}
}

// Processing returns a snapshot of the in-flight entries.
func (c *ExecutionContext) Processing() []ProcessingEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]ProcessingEntry, 0, len(c.processing))
	for _, entry := range c.processing {
		out = append(out, *entry)
	}
	return out
}

// Subscribe registers obs and returns a function that removes it.
func (c *ExecutionContext) Subscribe(obs Observer) func() {
	c.obsMu.Lock()
	id := c.nextObserver
	c.nextObserver++
	c.observers[id] = obs
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Trigger injects a packet stamped with nodeID as origin and routes it to every node
// connected to one of ports. The returned Pending resolves once the graph drains.
func (c *ExecutionContext) Trigger(ctx context.Context, nodeID string, ports []string, data domain.PacketData) (*Pending, error) {
	p := packet.From(nodeID).SetPorts(ports)
	if data.Payload != nil {
		p.SetPayload(data.Payload)
	}
	p.SetProperties(data.Properties)
	p.SetCache(data.Cache)
	return c.TriggerPacket(ctx, p)
}

// TriggerPacket is Trigger with a caller-built packet. The packet must carry an origin.
func (c *ExecutionContext) TriggerPacket(ctx context.Context, p *packet.Packet) (*Pending, error) {
	if _, ok := p.Origin(); !ok {
		return nil, ErrNoOrigin
	}

	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return nil, ErrTriggerInFlight
	}
	pending := newPending()
	c.pending = pending
	c.running = true
	c.started = true
	c.mu.Unlock()

	go func() {
		c.forward(ctx, p)
		// Covers triggers that reach no node at all.
		c.checkDrain()
	}()

	return pending, nil
}

// Pause stops routing. In-flight entries are kept and re-issued by Resume.
func (c *ExecutionContext) Pause() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

// Resume restarts routing and re-issues every preserved entry. Without an
// unresolved trigger or preserved entries it does nothing.
func (c *ExecutionContext) Resume(ctx context.Context) {
	c.mu.Lock()
	if c.pending == nil && len(c.processing) == 0 {
		c.mu.Unlock()
		return
	}
	c.running = true
	c.started = true
	invocations := make([]invocation, 0, len(c.processing))
	for _, entry := range c.processing {
		entry.generation++
		invocations = append(invocations, invocation{entry: entry, generation: entry.generation})
	}
	var drained *Pending
	if len(invocations) == 0 {
		drained = c.drainLocked()
	}
	c.mu.Unlock()

	c.resolve(drained)
	for _, inv := range invocations {
		go c.process(ctx, inv)
	}
}

// Stop halts routing and drops every in-flight entry. An unresolved trigger fails
// with ErrStopped.
func (c *ExecutionContext) Stop() {
	c.mu.Lock()
	c.running = false
	c.processing = nil
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if pending != nil {
		pending.resolve(nil, ErrStopped)
	}
}

// Kill stops the context and tears down every node and service.
func (c *ExecutionContext) Kill(ctx context.Context) {
	c.Stop()
	c.Teardown(ctx)
}

// Flush drops every in-flight entry without changing the run flag.
func (c *ExecutionContext) Flush() {
	c.mu.Lock()
	c.processing = nil
	c.mu.Unlock()
}

// Setup runs the setup hook of every node and service.
func (c *ExecutionContext) Setup(ctx context.Context) {
	c.lifecycle(ctx,
		func(ctx context.Context, node runtime.Node) error {
			if hook, ok := node.(runtime.Setuper); ok {
				return hook.Setup(ctx)
			}
			return nil
		},
		func(ctx context.Context, service any) error {
			if hook, ok := service.(runtime.Setuper); ok {
				return hook.Setup(ctx)
			}
			return nil
		},
	)
}

// Teardown runs the teardown hook of every node and service.
func (c *ExecutionContext) Teardown(ctx context.Context) {
	c.lifecycle(ctx,
		func(ctx context.Context, node runtime.Node) error {
			if hook, ok := node.(runtime.Teardowner); ok {
				return hook.Teardown(ctx)
			}
			return nil
		},
		func(ctx context.Context, service any) error {
			if hook, ok := service.(runtime.Teardowner); ok {
				return hook.Teardown(ctx)
			}
			return nil
		},
	)
}

// lifecycle runs hooks in parallel across nodes and across services. Failures are
// reported as warnings.
func (c *ExecutionContext) lifecycle(ctx context.Context, nodeHook func(context.Context, runtime.Node) error, serviceHook func(context.Context, any) error) {
	var g errgroup.Group

	for _, node := range c.flow.Nodes() {
		g.Go(func() error {
			if err := nodeHook(ctx, node.Instance); err != nil {
				c.warn(ctx, domain.NewNodeError(node.ID, err), nil)
			}
			return nil
		})
	}

	for _, service := range c.services {
		g.Go(func() error {
			if err := serviceHook(ctx, service); err != nil {
				c.warn(ctx, domain.NewServiceError(runtime.ServiceName(service), err), nil)
			}
			return nil
		})
	}

	_ = g.Wait()
}

func (c *ExecutionContext) addEntryLocked(nodeID string, p *packet.Packet) invocation {
	entry := &ProcessingEntry{ID: uuid.NewString(), NodeID: nodeID, Packet: p}
	c.processing = append(c.processing, entry)
	return invocation{entry: entry, generation: entry.generation}
}

// current reports whether inv may still act: the context is running and the entry
// is outstanding under the same generation.
func (c *ExecutionContext) current(inv invocation) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running && inv.entry.generation == inv.generation && slices.Contains(c.processing, inv.entry)
}

// complete removes the entry of inv and resolves the trigger when nothing remains.
// While paused the entry is kept so Resume can re-issue it.
func (c *ExecutionContext) complete(inv invocation) {
	c.mu.Lock()
	if !c.running || inv.entry.generation != inv.generation {
		c.mu.Unlock()
		return
	}
	idx := slices.Index(c.processing, inv.entry)
	if idx < 0 {
		c.mu.Unlock()
		return
	}
	c.processing = slices.Delete(c.processing, idx, idx+1)
	drained := c.drainLocked()
	c.mu.Unlock()

	c.resolve(drained)
}

func (c *ExecutionContext) checkDrain() {
	c.mu.Lock()
	drained := c.drainLocked()
	c.mu.Unlock()

	c.resolve(drained)
}

// drainLocked flips the run flag and detaches the pending trigger once the
// processing set is empty.
func (c *ExecutionContext) drainLocked() *Pending {
	if !c.running || len(c.processing) > 0 {
		return nil
	}
	c.running = false
	pending := c.pending
	c.pending = nil
	return pending
}

func (c *ExecutionContext) resolve(pending *Pending) {
	if pending == nil {
		return
	}
	pending.resolve(c.result.Data(), nil)
}

func (c *ExecutionContext) emit(event Event) {
	c.obsMu.RLock()
	observers := make([]Observer, 0, len(c.observers))
	for _, obs := range c.observers {
		observers = append(observers, obs)
	}
	c.obsMu.RUnlock()

	for _, obs := range observers {
		obs(event)
	}
}

// Pending is the eventual result of one trigger.
type Pending struct {
	done   chan struct{}
	once   sync.Once
	result map[string]any
	err    error
}

func newPending() *Pending {
	return &Pending{done: make(chan struct{})}
}

func (p *Pending) resolve(result map[string]any, err error) {
	p.once.Do(func() {
		p.result = result
		p.err = err
		close(p.done)
	})
}

// Done is closed once the trigger resolves.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the graph drains, the context is stopped, or ctx ends.
func (p *Pending) Wait(ctx context.Context) (map[string]any, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
