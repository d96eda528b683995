package runtime

import (
	"context"

	"github.com/polisai/packetflow/pkg/packet"
)

// Input is the read view of the packet a handler received.
type Input struct {
	packet *packet.Packet
}

// NewInput wraps p.
func NewInput(p *packet.Packet) *Input {
	return &Input{packet: p}
}

// Value returns the payload.
func (in *Input) Value() any {
	return in.packet.Payload()
}

// Field reads a top-level payload field.
func (in *Input) Field(key string) (any, bool) {
	return in.packet.Lookup(key)
}

// Properties returns the resolved node properties.
func (in *Input) Properties() map[string]any {
	return in.packet.Properties()
}

// Property reads one resolved node property.
func (in *Input) Property(key string) (any, bool) {
	value, ok := in.packet.Properties()[key]
	return value, ok
}

// Sender returns the id of the node that sent the packet.
func (in *Input) Sender() (string, bool) {
	return in.packet.Origin()
}

// Cache reads a cache entry.
func (in *Input) Cache(key string) (any, bool) {
	value, ok := in.packet.Cache()[key]
	return value, ok
}

// Ports returns the input ports the packet arrived on.
func (in *Input) Ports() []string {
	return in.packet.Ports()
}

// PushFunc hands a sent packet to the scheduler.
type PushFunc func(ctx context.Context, p *packet.Packet) error

// Output lets a handler write cache entries and send packets.
type Output struct {
	packet *packet.Packet
	push   PushFunc
}

// NewOutput creates an Output whose sends are templated on p.
func NewOutput(p *packet.Packet, push PushFunc) *Output {
	return &Output{packet: p, push: push}
}

// SetCache records key in the cache of subsequently sent packets.
func (out *Output) SetCache(key string, value any) {
	out.packet.WithCacheValue(key, value)
}

// Send emits payload on ports.
func (out *Output) Send(ctx context.Context, ports []string, payload any) error {
	next := out.packet.Clone().SetPorts(ports).SetPayload(payload)
	return out.push(ctx, next)
}

// SendTo emits payload on a single port.
func (out *Output) SendTo(ctx context.Context, port string, payload any) error {
	return out.Send(ctx, []string{port}, payload)
}
