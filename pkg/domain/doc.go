// Package domain defines the core types shared by the packetflow runtime.
//
// This package contains pure data definitions with ZERO external dependencies outside
// the Go standard library:
//
// - Flow descriptions (FlowNode, Connection, Endpoint, FlowDescriptor)
// - The trigger packet shape (PacketData)
// - The derived execution state of a runtime (ExecutionState)
// - The error taxonomy shared by construction and execution phases
//
// Other packages (flow, packet, engine, config) build on these types. The
// dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
