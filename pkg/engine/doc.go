// Package engine binds flows to node implementations and executes them.
//
// Architecture:
//
// engine.go    - Engine: node registry, context creation and binding
// registry.go  - Canonical kind@version registry with aliases
// context.go   - ExecutionContext: run state, processing set, trigger and lifecycle
// scheduler.go - Packet forwarding, node invocation, guards and service hooks
// events.go    - Observer events and runtime sentinel errors
//
// A trigger injects a packet at an origin node. Every node connected to one of the
// packet's ports is invoked concurrently; handlers send packets onward until no work
// remains, at which point the trigger resolves with the accumulated result.
// Runtime failures never abort a trigger. They are reported as warnings carrying a
// *domain.ExecutionError and only the affected branch is abandoned.
package engine
