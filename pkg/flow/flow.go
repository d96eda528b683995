// Package flow implements the directed graph model the runtime routes packets over.
package flow

import (
	"fmt"
	"slices"
	"strings"

	"github.com/polisai/packetflow/pkg/domain"
)

// Node is anything carrying a flow-unique identifier.
type Node interface {
	GetID() string
}

// Flow is an ordered set of nodes plus the connections between their ports.
// A Flow is not safe for concurrent mutation; the runtime only reads it once bound.
type Flow[N Node] struct {
	nodes       []N
	connections []domain.Connection
	strict      bool
}

// VerifyResult is the non-failing form of Verify.
type VerifyResult struct {
	OK     bool
	Reason string
}

// New builds a Flow. In strict mode the nodes and connections are verified and the
// first problem is returned as *domain.InvalidFlowError.
func New[N Node](nodes []N, connections []domain.Connection, strict bool) (*Flow[N], error) {
	if strict {
		if err := Verify(nodes, connections); err != nil {
			return nil, err
		}
	}

	return &Flow[N]{
		nodes:       slices.Clone(nodes),
		connections: slices.Clone(connections),
		strict:      strict,
	}, nil
}

// FromDescriptor builds a Flow of plain FlowNodes.
func FromDescriptor(desc domain.FlowDescriptor, strict bool) (*Flow[domain.FlowNode], error) {
	return New(desc.Nodes, desc.Connections, strict)
}

// Verify checks that every node has an id, that ids are unique and that every
// connection references existing nodes.
func Verify[N Node](nodes []N, connections []domain.Connection) error {
	ids := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		id := node.GetID()
		if id == "" {
			return &domain.InvalidFlowError{Reason: "has invalid nodes"}
		}
		if _, dup := ids[id]; dup {
			return &domain.InvalidFlowError{Reason: "has nodes with the same IDs"}
		}
		ids[id] = struct{}{}
	}

	for _, con := range connections {
		_, sourceOK := ids[con.Source.ID]
		_, targetOK := ids[con.Target.ID]
		if !sourceOK || !targetOK {
			return &domain.InvalidFlowError{
				Reason: "has invalid connections. One of your connections references a nonexisting node",
			}
		}
	}

	return nil
}

// VerifySafe runs Verify and reports the outcome as a value.
func VerifySafe[N Node](nodes []N, connections []domain.Connection) VerifyResult {
	if err := Verify(nodes, connections); err != nil {
		return VerifyResult{OK: false, Reason: err.Error()}
	}
	return VerifyResult{OK: true}
}

// Map re-types the nodes of a flow, keeping connections and strictness.
func Map[N, M Node](f *Flow[N], fn func(N) (M, error)) (*Flow[M], error) {
	mapped := make([]M, 0, len(f.nodes))
	for _, node := range f.nodes {
		m, err := fn(node)
		if err != nil {
			return nil, err
		}
		mapped = append(mapped, m)
	}

	return &Flow[M]{
		nodes:       mapped,
		connections: slices.Clone(f.connections),
		strict:      f.strict,
	}, nil
}

// Strict reports whether the flow validates connection endpoints.
func (f *Flow[N]) Strict() bool {
	return f.strict
}

// Nodes returns the nodes in insertion order.
func (f *Flow[N]) Nodes() []N {
	return slices.Clone(f.nodes)
}

// Connections returns the connections in insertion order.
func (f *Flow[N]) Connections() []domain.Connection {
	return slices.Clone(f.connections)
}

// NodeByID looks up a node.
func (f *Flow[N]) NodeByID(id string) (N, bool) {
	for _, node := range f.nodes {
		if node.GetID() == id {
			return node, true
		}
	}
	var zero N
	return zero, false
}

// Connection returns the stored connection equal to con.
func (f *Flow[N]) Connection(con domain.Connection) (domain.Connection, bool) {
	idx := slices.Index(f.connections, con)
	if idx < 0 {
		return domain.Connection{}, false
	}
	return f.connections[idx], true
}

// ConnectionByID looks up a connection by its serialized id.
func (f *Flow[N]) ConnectionByID(id string) (domain.Connection, bool) {
	con, err := ParseConnectionID(id)
	if err != nil {
		return domain.Connection{}, false
	}
	return f.Connection(con)
}

// OutgoingConnections returns every connection whose source is id.
func (f *Flow[N]) OutgoingConnections(id string) []domain.Connection {
	return f.filterConnections(func(con domain.Connection) bool {
		return con.Source.ID == id
	})
}

// OutgoingConnectionsByPorts returns connections leaving id from one of ports.
func (f *Flow[N]) OutgoingConnectionsByPorts(id string, ports []string) []domain.Connection {
	return f.filterConnections(func(con domain.Connection) bool {
		return con.Source.ID == id && slices.Contains(ports, con.Source.Port)
	})
}

// IncomingConnections returns every connection whose target is id.
func (f *Flow[N]) IncomingConnections(id string) []domain.Connection {
	return f.filterConnections(func(con domain.Connection) bool {
		return con.Target.ID == id
	})
}

// IncomingConnectionsByPorts returns connections entering id at one of ports.
func (f *Flow[N]) IncomingConnectionsByPorts(id string, ports []string) []domain.Connection {
	return f.filterConnections(func(con domain.Connection) bool {
		return con.Target.ID == id && slices.Contains(ports, con.Target.Port)
	})
}

// OutgoingNodes returns the distinct downstream neighbours of id.
func (f *Flow[N]) OutgoingNodes(id string) []N {
	return f.targets(f.OutgoingConnections(id))
}

// OutgoingNodesByPorts returns the distinct neighbours reached from id through ports.
func (f *Flow[N]) OutgoingNodesByPorts(id string, ports []string) []N {
	return f.targets(f.OutgoingConnectionsByPorts(id, ports))
}

// IncomingNodes returns the distinct upstream neighbours of id.
func (f *Flow[N]) IncomingNodes(id string) []N {
	return f.sources(f.IncomingConnections(id))
}

// IncomingNodesByPorts returns the distinct neighbours feeding id through ports.
func (f *Flow[N]) IncomingNodesByPorts(id string, ports []string) []N {
	return f.sources(f.IncomingConnectionsByPorts(id, ports))
}

// FindNodeBefore walks backwards from id and returns the first ancestor accepted by
// validate. Only the first incoming neighbour is followed at each depth, so this is a
// single-path walk rather than a full ancestor search.
func (f *Flow[N]) FindNodeBefore(id string, validate func(id string) bool) (string, bool) {
	visited := map[string]struct{}{id: {}}
	current := id

	for {
		incoming := f.IncomingNodes(current)
		if len(incoming) == 0 {
			return "", false
		}

		next := incoming[0].GetID()
		if validate(next) {
			return next, true
		}
		if _, seen := visited[next]; seen {
			return "", false
		}
		visited[next] = struct{}{}
		current = next
	}
}

// AddNode appends a node. Empty and duplicate ids are rejected.
func (f *Flow[N]) AddNode(node N) error {
	id := node.GetID()
	if id == "" {
		return &domain.InvalidFlowError{Reason: "has invalid nodes"}
	}
	if _, exists := f.NodeByID(id); exists {
		return &domain.InvalidFlowError{Reason: fmt.Sprintf("already contains a node with ID %q", id)}
	}
	f.nodes = append(f.nodes, node)
	return nil
}

// RemoveNode deletes the node with id. Its connections are left in place.
func (f *Flow[N]) RemoveNode(id string) bool {
	idx := slices.IndexFunc(f.nodes, func(node N) bool { return node.GetID() == id })
	if idx < 0 {
		return false
	}
	f.nodes = slices.Delete(f.nodes, idx, idx+1)
	return true
}

// AddConnection appends a connection. Strict flows reject dangling endpoints.
func (f *Flow[N]) AddConnection(con domain.Connection) error {
	if f.strict {
		_, sourceOK := f.NodeByID(con.Source.ID)
		_, targetOK := f.NodeByID(con.Target.ID)
		if !sourceOK || !targetOK {
			return &domain.InvalidFlowError{
				Reason: fmt.Sprintf("cannot add connection %s: it references a nonexisting node", ConnectionID(con)),
			}
		}
	}
	f.connections = append(f.connections, con)
	return nil
}

// RemoveConnection deletes the first connection equal to con.
func (f *Flow[N]) RemoveConnection(con domain.Connection) bool {
	idx := slices.Index(f.connections, con)
	if idx < 0 {
		return false
	}
	f.connections = slices.Delete(f.connections, idx, idx+1)
	return true
}

// RemoveConnectionByID deletes the connection with the serialized id.
func (f *Flow[N]) RemoveConnectionByID(id string) bool {
	con, err := ParseConnectionID(id)
	if err != nil {
		return false
	}
	return f.RemoveConnection(con)
}

// ConnectionID serializes a connection as sourceId:sourcePort::targetId:targetPort.
func ConnectionID(con domain.Connection) string {
	return con.Source.ID + ":" + con.Source.Port + "::" + con.Target.ID + ":" + con.Target.Port
}

// ParseConnectionID is the inverse of ConnectionID. Ids and ports containing ':' cannot round-trip.
func ParseConnectionID(id string) (domain.Connection, error) {
	source, target, ok := strings.Cut(id, "::")
	if !ok || source == "" || target == "" {
		return domain.Connection{}, fmt.Errorf("malformed connection id %q", id)
	}

	srcID, srcPort, _ := strings.Cut(source, ":")
	tgtID, tgtPort, _ := strings.Cut(target, ":")
	if srcID == "" || srcPort == "" || tgtID == "" || tgtPort == "" {
		return domain.Connection{}, fmt.Errorf("malformed connection id %q", id)
	}

	return domain.Connection{
		Source: domain.Endpoint{ID: srcID, Port: srcPort},
		Target: domain.Endpoint{ID: tgtID, Port: tgtPort},
	}, nil
}

func (f *Flow[N]) filterConnections(keep func(domain.Connection) bool) []domain.Connection {
	var out []domain.Connection
	for _, con := range f.connections {
		if keep(con) {
			out = append(out, con)
		}
	}
	return out
}

func (f *Flow[N]) targets(cons []domain.Connection) []N {
	return f.distinctNodes(cons, func(con domain.Connection) string { return con.Target.ID })
}

func (f *Flow[N]) sources(cons []domain.Connection) []N {
	return f.distinctNodes(cons, func(con domain.Connection) string { return con.Source.ID })
}

func (f *Flow[N]) distinctNodes(cons []domain.Connection, pick func(domain.Connection) string) []N {
	seen := make(map[string]struct{}, len(cons))
	var out []N
	for _, con := range cons {
		id := pick(con)
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if node, ok := f.NodeByID(id); ok {
			out = append(out, node)
		}
	}
	return out
}
