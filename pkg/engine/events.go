package engine

import (
	"errors"

	"github.com/polisai/packetflow/pkg/packet"
)

var (
	// ErrTriggerInFlight is returned by Trigger while a previous trigger is unresolved.
	ErrTriggerInFlight = errors.New("a trigger is already in flight")
	// ErrStopped is returned by Pending.Wait when the context was stopped or killed
	// before the graph drained.
	ErrStopped = errors.New("execution stopped before completion")
	// ErrNoOrigin is returned when a trigger packet carries no origin node.
	ErrNoOrigin = errors.New("trigger packet has no origin")
)

// EventKind names a runtime event.
type EventKind string

const (
	// EventProcessing fires when a node invocation starts.
	EventProcessing EventKind = "processing"
	// EventOutput fires when a node's packet is about to be forwarded.
	EventOutput EventKind = "output"
	// EventWarning fires for every runtime-phase error.
	EventWarning EventKind = "warning"
)

// Event is delivered to observers. Err is set for warnings and is always a
// *domain.ExecutionError.
type Event struct {
	Kind   EventKind
	NodeID string
	Packet *packet.Packet
	Err    error
}

// Observer receives runtime events. Observers run synchronously on the goroutine
// that produced the event and must not block.
type Observer func(Event)
