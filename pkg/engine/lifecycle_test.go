package engine

import (
	"context"
	"errors"
	"sync"
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

// gateNode blocks each invocation until released, then forwards its input.
type gateNode struct {
	entered chan struct{}
	release chan struct{}
	calls   *atomic.Int32
}

func (n *gateNode) OnIn(ctx context.Context, in *runtime.Input, out *runtime.Output) error {
	n.calls.Add(1)
	n.entered <- struct{}{}
	<-n.release
	return out.SendTo(ctx, "out", in.Value())
}

type gate struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func newGate() *gate {
	return &gate{entered: make(chan struct{}), release: make(chan struct{})}
}

func (g *gate) class() runtime.NodeClass {
	return runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{
			Name:        "test.gate",
			InputPorts:  []string{"in"},
			OutputPorts: []string{"out"},
			Handlers:    []runtime.HandlerDescriptor{runtime.Handle("in", "onIn", (*gateNode).OnIn)},
		},
		Construct: func(context.Context, container.Resolver) (runtime.Node, error) {
			return &gateNode{entered: g.entered, release: g.release, calls: &g.calls}, nil
		},
	}
}

func (g *gate) awaitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-g.entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("gate handler was not invoked")
	}
}

func (g *gate) open(t *testing.T) {
	t.Helper()
	select {
	case g.release <- struct{}{}:
	case <-time.After(5 * time.Second):
		t.Fatalf("gate handler did not take the release")
	}
}

func newGateContext(t *testing.T, g *gate, rec *recorder, opts ...Option) *ExecutionContext {
	t.Helper()
	e := newTestEngine(t, g.class(), recorderClass("test.sink", rec, recorderOptions{}))
	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{node("src", "test.source"), node("g", "test.gate"), node("sink", "test.sink")},
		Connections: []domain.Connection{
			connect("src", "out", "g", "in"),
			connect("g", "out", "sink", "in"),
		},
	}, nil, opts...)
	require.NoError(t, err)
	return ec
}

func TestDrainTransitionsIdleActiveComplete(t *testing.T) {
	g := newGate()
	rec := newRecorder()
	ec := newGateContext(t, g, rec)

	assert.Equal(t, domain.StateIdle, ec.State())

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: "x"})
	require.NoError(t, err)

	g.awaitEntered(t)
	assert.Equal(t, domain.StateActive, ec.State())
	require.Len(t, ec.Processing(), 1)
	assert.Equal(t, "g", ec.Processing()[0].NodeID)

	select {
	case <-pending.Done():
		t.Fatalf("trigger resolved while a node was still running")
	default:
	}

	g.open(t)
	result := waitResult(t, pending)
	assert.Equal(t, map[string]any{"sink": "x"}, result)
	assert.Equal(t, domain.StateComplete, ec.State())
	assert.Empty(t, ec.Processing())

	again, err := pending.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, result, again)
}

func TestSecondTriggerWhileInFlightIsRejected(t *testing.T) {
	g := newGate()
	ec := newGateContext(t, g, newRecorder())

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	g.awaitEntered(t)

	_, err = ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.ErrorIs(t, err, ErrTriggerInFlight)

	g.open(t)
	waitResult(t, pending)

	pending, err = ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	g.awaitEntered(t)
	g.open(t)
	waitResult(t, pending)
}

func TestPauseResumeReissuesWithoutDuplication(t *testing.T) {
	g := newGate()
	rec := newRecorder()
	ec := newGateContext(t, g, rec)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: 7})
	require.NoError(t, err)
	g.awaitEntered(t)

	ec.Pause()
	// The paused invocation finishes, but its output is dropped and its entry kept.
	g.open(t)

	require.Eventually(t, func() bool { return g.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.StateActive, ec.State())
	require.Len(t, ec.Processing(), 1)
	assert.Equal(t, "g", ec.Processing()[0].NodeID)
	assert.Equal(t, 0, rec.count("sink"))

	ec.Resume(context.Background())
	g.awaitEntered(t)
	g.open(t)

	result := waitResult(t, pending)
	assert.Equal(t, map[string]any{"sink": 7}, result)
	assert.Equal(t, int32(2), g.calls.Load())
	assert.Equal(t, 1, rec.count("sink"))
	assert.Equal(t, domain.StateComplete, ec.State())
}

func TestResumeWithoutTriggerStaysIdle(t *testing.T) {
	g := newGate()
	ec := newGateContext(t, g, newRecorder())

	ec.Pause()
	ec.Resume(context.Background())
	assert.Equal(t, domain.StateIdle, ec.State())
	assert.Empty(t, ec.Processing())
}

func TestResumeAfterDrainStaysComplete(t *testing.T) {
	g := newGate()
	ec := newGateContext(t, g, newRecorder())

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{Payload: "x"})
	require.NoError(t, err)
	g.awaitEntered(t)
	g.open(t)
	waitResult(t, pending)

	ec.Pause()
	ec.Resume(context.Background())
	assert.Equal(t, domain.StateComplete, ec.State())
}

func TestStopResolvesPendingTrigger(t *testing.T) {
	g := newGate()
	rec := newRecorder()
	ec := newGateContext(t, g, rec)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	g.awaitEntered(t)

	ec.Stop()
	_, err = pending.Wait(context.Background())
	require.ErrorIs(t, err, ErrStopped)
	assert.Empty(t, ec.Processing())
	assert.Equal(t, domain.StateComplete, ec.State())

	// The in-flight handler completes but nothing downstream runs.
	g.open(t)
	assert.Never(t, func() bool { return rec.count("sink") > 0 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestFlushDropsEntries(t *testing.T) {
	g := newGate()
	ec := newGateContext(t, g, newRecorder())

	_, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	g.awaitEntered(t)

	ec.Flush()
	assert.Empty(t, ec.Processing())

	ec.Stop()
	g.open(t)
}

// lifecycleNode counts setup and teardown calls.
type lifecycleNode struct {
	counts *lifecycleCounts
	id     string
}

type lifecycleCounts struct {
	mu        sync.Mutex
	setups    map[string]int
	teardowns map[string]int
}

func (n *lifecycleNode) Setup(context.Context) error {
	n.counts.mu.Lock()
	defer n.counts.mu.Unlock()
	n.counts.setups[n.id]++
	return nil
}

func (n *lifecycleNode) Teardown(context.Context) error {
	n.counts.mu.Lock()
	defer n.counts.mu.Unlock()
	n.counts.teardowns[n.id]++
	if n.id == "faulty" {
		return errors.New("teardown failed")
	}
	return nil
}

type lifecycleService struct {
	setups    atomic.Int32
	teardowns atomic.Int32
}

func (s *lifecycleService) Name() string { return "lifecycle" }

func (s *lifecycleService) Setup(context.Context) error {
	s.setups.Add(1)
	return nil
}

func (s *lifecycleService) Teardown(context.Context) error {
	s.teardowns.Add(1)
	return nil
}

// hookService records the process hooks it sees.
type hookService struct {
	mu        sync.Mutex
	before    []string
	after     []string
	afterErrs map[string]error
	sent      []string
}

func (s *hookService) OnBeforeProcess(_ context.Context, node runtime.BoundNode, _ *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.before = append(s.before, node.ID)
	return nil
}

func (s *hookService) OnAfterProcess(_ context.Context, node runtime.BoundNode, _ *packet.Packet, procErr error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.after = append(s.after, node.ID)
	if s.afterErrs == nil {
		s.afterErrs = make(map[string]error)
	}
	s.afterErrs[node.ID] = procErr
	return nil
}

func (s *hookService) OnBeforePacketSend(_ context.Context, node runtime.BoundNode, _ *packet.Packet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, node.ID)
	return nil
}

type brokenService struct{}

func (*brokenService) Name() string { return "broken" }

func (*brokenService) OnBeforeProcess(context.Context, runtime.BoundNode, *packet.Packet) error {
	return errors.New("unavailable")
}

func TestKillTearsDownEveryNodeAndServiceOnce(t *testing.T) {
	counts := &lifecycleCounts{setups: map[string]int{}, teardowns: map[string]int{}}
	class := runtime.NodeClass{
		Descriptor: &runtime.NodeDescriptor{Name: "test.lifecycle", InputPorts: []string{"in"}},
		Construct: func(ctx context.Context, r container.Resolver) (runtime.Node, error) {
			return &lifecycleNode{counts: counts, id: container.MustGet[string](ctx, r, runtime.IDKey)}, nil
		},
	}
	svcA := &lifecycleService{}
	svcB := &lifecycleService{}
	events := &eventLog{}

	e, err := New(Config{
		Nodes: []runtime.NodeClass{sourceClass, class},
		Services: []container.Provider{
			container.Value("svc.a", svcA),
			container.Class("svc.b", container.Singleton, func(context.Context, container.Resolver) (any, error) {
				return svcB, nil
			}),
		},
		Logger: discardLogger(),
	})
	require.NoError(t, err)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes: []domain.FlowNode{
			node("src", "test.source"),
			node("a", "test.lifecycle"),
			node("b", "test.lifecycle"),
			node("faulty", "test.lifecycle"),
		},
	}, nil, WithObserver(events.observe))
	require.NoError(t, err)

	ec.Setup(context.Background())
	ec.Kill(context.Background())

	counts.mu.Lock()
	defer counts.mu.Unlock()
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "faulty": 1}, counts.setups)
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "faulty": 1}, counts.teardowns)
	assert.Equal(t, int32(1), svcA.setups.Load())
	assert.Equal(t, int32(1), svcA.teardowns.Load())
	assert.Equal(t, int32(1), svcB.teardowns.Load())

	warnings := events.warnings()
	require.Len(t, warnings, 1)
	assert.ErrorIs(t, warnings[0], domain.ErrNodeError)
	assert.Equal(t, "faulty", warnings[0].NodeID)
}

func TestBeforePacketSendHookSeesOutputs(t *testing.T) {
	rec := newRecorder()
	hooks := &hookService{}
	e, err := New(Config{
		Nodes: []runtime.NodeClass{
			sourceClass,
			recorderClass("test.relay", rec, recorderOptions{sendPorts: []string{"out"}}),
			recorderClass("test.sink", rec, recorderOptions{}),
		},
		Services: []container.Provider{container.Value("hooks", hooks)},
		Logger:   discardLogger(),
	})
	require.NoError(t, err)

	ec, err := e.CreateContext(context.Background(), domain.FlowDescriptor{
		Nodes:       []domain.FlowNode{node("src", "test.source"), node("r", "test.relay"), node("s", "test.sink")},
		Connections: []domain.Connection{connect("src", "out", "r", "in"), connect("r", "out", "s", "in")},
	}, nil)
	require.NoError(t, err)

	pending, err := ec.Trigger(context.Background(), "src", []string{"out"}, domain.PacketData{})
	require.NoError(t, err)
	waitResult(t, pending)

	hooks.mu.Lock()
	defer hooks.mu.Unlock()
	assert.Equal(t, []string{"r"}, hooks.sent)
}
