package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/packetflow/pkg/container"
	"github.com/polisai/packetflow/pkg/domain"
	"github.com/polisai/packetflow/pkg/engine/runtime"
	"github.com/polisai/packetflow/pkg/packet"
)

func waitResult(t *testing.T, pending *Pending) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	result, err := pending.Wait(ctx)
	require.NoError(t, err)
	return result
}

func TestTriggerRoutesOnlyMatchingPorts(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, recorderClass("test.sink", rec, recorderOptions{}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source"), node("b", "test.sink")},
		Connections: []domain.Connection{
			connect("src", "out", "b", "in"),
			connect("src", "other", "b", "alt"),
		},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{
		Payload: map[string]any{"v": 1},
	})
	require.NoError(t, err)
	result := waitResult(t, pending)

	assert.Equal(t, [][]string{{"in"}}, rec.portsOf("b"))
	assert.Equal(t, 1, rec.count("b"))
	assert.Equal(t, map[string]any{"v": 1}, result["b"])
}

func TestTriggerFansOutAndChains(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t,
		recorderClass("test.relay", rec, recorderOptions{sendPorts: []string{"out"}}),
		recorderClass("test.sink", rec, recorderOptions{}),
	)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{
			node("src", "test.source"),
			node("r1", "test.relay"),
			node("r2", "test.relay"),
			node("s1", "test.sink"),
			node("s2", "test.sink"),
		},
		Connections: []domain.Connection{
			connect("src", "out", "r1", "in"),
			connect("src", "out", "r2", "in"),
			connect("r1", "out", "s1", "in"),
			connect("r2", "out", "s2", "in"),
			connect("r2", "out", "s2", "alt"),
		},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: "hello"})
	require.NoError(t, err)
	result := waitResult(t, pending)

	assert.Equal(t, map[string]any{"r1": "hello", "r2": "hello", "s1": "hello", "s2": "hello"}, result)
	assert.Equal(t, 1, rec.count("s1"))
	// One invocation of s2 with both ports runs both handlers.
	assert.Equal(t, 2, rec.count("s2"))
	assert.ElementsMatch(t, [][]string{{"in", "alt"}, {"in", "alt"}}, rec.portsOf("s2"))
	assert.Empty(t, ec.Processing())
}

func TestOutputPortsAreFiltered(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t,
		recorderClass("test.relay", rec, recorderOptions{sendPorts: []string{"out", "debug"}}),
		recorderClass("test.sink", rec, recorderOptions{}),
	)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source"), node("r", "test.relay"), node("a", "test.sink"), node("b", "test.sink")},
		Connections: []domain.Connection{
			connect("src", "out", "r", "in"),
			connect("r", "out", "a", "in"),
			connect("r", "debug", "b", "in"),
		},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: 1})
	require.NoError(t, err)
	waitResult(t, pending)

	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, 0, rec.count("b"))
}

func TestUnknownPortWarnsOnceWithoutInvokingHandler(t *testing.T) {
	rec := newRecorder()
	events := &eventLog{}
	e := newTestEngine(t, recorderClass("test.sink", rec, recorderOptions{}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("b", "test.sink")},
		Connections: []domain.Connection{connect("src", "out", "b", "bogus")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrUnknownPort)
	assert.ErrorIs(t, warnings[0], domain.ErrExecution)
	assert.Equal(t, "b", warnings[0].NodeID)
	assert.Equal(t, 0, rec.count("b"))
	assert.Equal(t, domain.StateComplete, ec.State())
}

func TestUnknownNodeWarnsAndDrains(t *testing.T) {
	events := &eventLog{}
	e := newTestEngine(t)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source")},
		Connections: []domain.Connection{connect("src", "out", "ghost", "in")},
	}, nil, WithStrict(false), WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrUnknownNode)
	assert.Equal(t, "ghost", warnings[0].NodeID)
}

func TestTriggerWithoutTargetsResolves(t *testing.T) {
	e := newTestEngine(t)
	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source")},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	assert.Empty(t, waitResult(t, pending))
	assert.Equal(t, domain.StateComplete, ec.State())
}

func TestTriggerPacketRequiresOrigin(t *testing.T) {
	e := newTestEngine(t)
	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source")},
	}, nil)
	require.NoError(t, err)

	_, err = ec.TriggerPacket(context.Background(), packet.New(nil, "out"))
	require.ErrorIs(t, err, ErrNoOrigin)
}

func TestGuardsShortCircuit(t *testing.T) {
	rec := newRecorder()
	events := &eventLog{}
	var g1Calls, g3Calls atomic.Int32

	g1 := runtime.GuardFunc(func(context.Context, runtime.GuardContext) (bool, error) {
		g1Calls.Add(1)
		return true, nil
	})
	g2 := runtime.GuardFunc(func(context.Context, runtime.GuardContext) (bool, error) {
		return false, nil
	})
	g3 := runtime.GuardFunc(func(context.Context, runtime.GuardContext) (bool, error) {
		g3Calls.Add(1)
		return true, nil
	})

	e := newTestEngine(t, recorderClass("test.guarded", rec, recorderOptions{
		guards:  []runtime.GuardRef{runtime.UseGuard(g1), runtime.UseGuard(g2)},
		methods: map[string][]runtime.GuardRef{"onIn": {runtime.UseGuard(g3)}},
	}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("b", "test.guarded")},
		Connections: []domain.Connection{connect("src", "out", "b", "in")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrFailedGuard)
	assert.Equal(t, 1, warnings[0].GuardIndex)
	assert.Equal(t, int32(1), g1Calls.Load())
	assert.Equal(t, int32(0), g3Calls.Load())
	assert.Equal(t, 0, rec.count("b"))
}

func TestGuardErrorCarriesCause(t *testing.T) {
	denied := errors.New("denied")
	rec := newRecorder()
	events := &eventLog{}

	e := newTestEngine(t, recorderClass("test.guarded", rec, recorderOptions{
		methods: map[string][]runtime.GuardRef{"onIn": {runtime.UseGuard(runtime.GuardFunc(
			func(context.Context, runtime.GuardContext) (bool, error) { return false, denied },
		))}},
	}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("b", "test.guarded")},
		Connections: []domain.Connection{connect("src", "out", "b", "in"), connect("src", "out", "b", "alt")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], denied)
	assert.Equal(t, 0, warnings[0].GuardIndex)
	// The alt handler carries no method guard and still runs.
	assert.Equal(t, [][]string{{"in", "alt"}}, rec.portsOf("b"))
	assert.Equal(t, 1, rec.count("b"))
}

func TestProvidedGuardIsResolvedThroughContainer(t *testing.T) {
	rec := newRecorder()
	var built atomic.Int32

	ref := runtime.ProvideGuard("guards.allow", container.Singleton, func(ctx context.Context, r container.Resolver) (runtime.Guard, error) {
		built.Add(1)
		return runtime.GuardFunc(func(context.Context, runtime.GuardContext) (bool, error) { return true, nil }), nil
	})

	e := newTestEngine(t,
		recorderClass("test.guarded.relay", rec, recorderOptions{guards: []runtime.GuardRef{ref}, sendPorts: []string{"out"}}),
		recorderClass("test.guarded", rec, recorderOptions{guards: []runtime.GuardRef{ref}}),
	)
	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("a", "test.guarded.relay"), node("b", "test.guarded")},
		Connections: []domain.Connection{connect("src", "out", "a", "in"), connect("a", "out", "b", "in")},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	assert.Equal(t, 1, rec.count("a"))
	assert.Equal(t, 1, rec.count("b"))
	assert.Equal(t, int32(1), built.Load())
}

func TestStaticPropertiesResolveMessageDirectives(t *testing.T) {
	rec := newRecorder()
	e := newTestEngine(t, recorderClass("test.sink", rec, recorderOptions{}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{
			node("src", "test.source"),
			{ID: "b", Type: "test.sink", Properties: map[string]any{
				"greeting": map[string]any{"$msg": "name"},
				"static":   "fixed",
				"other":    map[string]any{"$env": "HOME"},
			}},
		},
		Connections: []domain.Connection{connect("src", "out", "b", "in")},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{
		Payload: map[string]any{"name": "alice"},
	})
	require.NoError(t, err)
	waitResult(t, pending)

	rec.mu.Lock()
	props := rec.properties["b"]
	rec.mu.Unlock()
	assert.Equal(t, "alice", props["greeting"])
	assert.Equal(t, "fixed", props["static"])
	assert.Equal(t, map[string]any{"$env": "HOME"}, props["other"])
}

func TestRootDirectiveToScalarWarnsAndKeepsProperties(t *testing.T) {
	rec := newRecorder()
	events := &eventLog{}
	e := newTestEngine(t, recorderClass("test.sink", rec, recorderOptions{}))

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{
			node("src", "test.source"),
			{ID: "b", Type: "test.sink", Properties: map[string]any{"$msg": "name"}},
		},
		Connections: []domain.Connection{connect("src", "out", "b", "in")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{
		Payload: map[string]any{"name": "alice"},
	})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrNodeError)
	assert.ErrorIs(t, warnings[0], packet.ErrNonObjectProperties)
	assert.Equal(t, 1, rec.count("b"))

	rec.mu.Lock()
	props := rec.properties["b"]
	rec.mu.Unlock()
	assert.Equal(t, map[string]any{"$msg": "name"}, props)
}

func TestNodeErrorIsReportedAndBranchCompletes(t *testing.T) {
	boom := errors.New("boom")
	rec := newRecorder()
	events := &eventLog{}
	hooks := &hookService{}

	e, err := New(Config{
		Nodes: []runtime.NodeClass{
			sourceClass,
			recorderClass("test.failing", rec, recorderOptions{fail: boom}),
			recorderClass("test.sink", rec, recorderOptions{}),
		},
		Services: []container.Provider{container.Value("hooks", hooks)},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source"), node("bad", "test.failing"), node("good", "test.sink")},
		Connections: []domain.Connection{
			connect("src", "out", "bad", "in"),
			connect("src", "out", "good", "in"),
		},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: 1})
	require.NoError(t, err)
	result := waitResult(t, pending)

	assert.Equal(t, map[string]any{"good": 1}, result)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrNodeError)
	assert.ErrorIs(t, warnings[0], boom)
	assert.Equal(t, "bad", warnings[0].NodeID)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.ElementsMatch(t, []string{"bad", "good"}, hooks.before)
	assert.ElementsMatch(t, []string{"bad", "good"}, hooks.after)
	assert.ErrorIs(t, hooks.afterErrs["bad"], boom)
	assert.NoError(t, hooks.afterErrs["good"])
}

type panicNode struct{}

func (panicNode) OnIn(context.Context, *runtime.Input, *runtime.Output) error {
	panic("kaboom")
}

func TestHandlerPanicBecomesNodeError(t *testing.T) {
	events := &eventLog{}
	class := runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:       "test.panics",
			InputPorts: []string{"in"},
			Handlers:   []runtime.HandlerDescriptor{runtime.Handle("in", "onIn", panicNode.OnIn)},
		},
		Construct: func(context.Context, container.Resolver) (runtime.Node, error) { return panicNode{}, nil },
	}

	e := newTestEngine(t, class)
	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("p", "test.panics")},
		Connections: []domain.Connection{connect("src", "out", "p", "in")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrNodeError)
	assert.Contains(t, warnings[0].Error(), "kaboom")
}

func TestServiceErrorDoesNotStopProcessing(t *testing.T) {
	rec := newRecorder()
	events := &eventLog{}

	e, err := New(Config{
		Nodes:    []runtime.NodeClass{sourceClass, recorderClass("test.sink", rec, recorderOptions{})},
		Services: []container.Provider{container.Value("broken", &brokenService{})},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("b", "test.sink")},
		Connections: []domain.Connection{connect("src", "out", "b", "in")},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	assert.Equal(t, 1, rec.count("b"))
	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrServiceError)
	assert.Equal(t, "broken", warnings[0].Service)
}

func TestObserverSeesProcessingAndOutput(t *testing.T) {
	rec := newRecorder()
	events := &eventLog{}
	e := newTestEngine(t,
		recorderClass("test.relay", rec, recorderOptions{sendPorts: []string{"out"}}),
		recorderClass("test.sink", rec, recorderOptions{}),
	)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("r", "test.relay"), node("s", "test.sink")},
		Connections: []domain.Connection{connect("src", "out", "r", "in"), connect("r", "out", "s", "in")},
	}, nil)
	require.NoError(t, err)

	cancel := ec.Subscribe(events.observe)
	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)
	cancel()

	assert.Equal(t, 1, events.count(EventProcessing, "r"))
	assert.Equal(t, 1, events.count(EventProcessing, "s"))
	assert.Equal(t, 1, events.count(EventOutput, "r"))
	assert.Equal(t, 0, events.count(EventOutput, "s"))

	pending, err = ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)
	assert.Equal(t, 1, events.count(EventProcessing, "r"))
}
