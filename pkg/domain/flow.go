package domain

// FlowNode is a node as described by a caller before it is bound to a live instance.
type FlowNode struct {
	ID         string         `json:"id" yaml:"id"`
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
}

// GetID returns the node identifier.
func (n FlowNode) GetID() string {
	return n.ID
}

// Endpoint addresses one port on one node.
type Endpoint struct {
	ID   string `json:"id" yaml:"id"`
	Port string `json:"port" yaml:"port"`
}

// Connection is a directed edge from a source output port to a target input port.
type Connection struct {
	Source Endpoint `json:"source" yaml:"source"`
	Target Endpoint `json:"target" yaml:"target"`
}

// FlowDescriptor is the serializable description of a graph.
type FlowDescriptor struct {
	Nodes       []FlowNode   `json:"nodes" yaml:"nodes"`
	Connections []Connection `json:"connections" yaml:"connections"`
}

// PacketData is the shape accepted when triggering a flow.
type PacketData struct {
	Payload    any            `json:"payload,omitempty" yaml:"payload,omitempty"`
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`
	Cache      map[string]any `json:"cache,omitempty" yaml:"cache,omitempty"`
}

// ExecutionState is derived from the running flag and the processing set.
type ExecutionState string

const (
	// StateIdle means the runtime has never been started.
	StateIdle ExecutionState = "idle"
	// StateActive means the runtime is running with at least one node invocation in flight.
	StateActive ExecutionState = "active"
	// StateComplete means the runtime was started and has drained.
	StateComplete ExecutionState = "complete"
)
