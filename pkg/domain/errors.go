package domain

import (
	"errors"
	"fmt"
)

// Construction-time errors.
var (
	ErrInvalidNode = errors.New("invalid node")
	ErrInvalidFlow = errors.New("invalid flow")
)

// Execution-time errors. Every ExecutionError matches ErrExecution plus the sentinel of its kind.
var (
	ErrExecution    = errors.New("execution error")
	ErrUnknownNode  = errors.New("reached an unknown node")
	ErrUnknownPort  = errors.New("node received a packet at an unknown port")
	ErrFailedGuard  = errors.New("failed to pass guard")
	ErrNodeError    = errors.New("node returned an error")
	ErrServiceError = errors.New("service returned an error")
)

// InvalidNodeError reports a node class that cannot be registered.
type InvalidNodeError struct {
	Name   string
	Reason string
}

func (e *InvalidNodeError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("the engine has been supplied with an invalid node: %s", e.Reason)
	}
	return fmt.Sprintf("the engine has been supplied with an invalid node %q: %s", e.Name, e.Reason)
}

func (e *InvalidNodeError) Unwrap() error {
	return ErrInvalidNode
}

// InvalidFlowError reports a malformed flow description.
type InvalidFlowError struct {
	Reason string
}

func (e *InvalidFlowError) Error() string {
	return "the provided flow " + e.Reason
}

func (e *InvalidFlowError) Unwrap() error {
	return ErrInvalidFlow
}

// ExecutionErrorKind classifies runtime-phase errors.
type ExecutionErrorKind string

const (
	KindUnknownNode  ExecutionErrorKind = "UnknownNode"
	KindUnknownPort  ExecutionErrorKind = "UnknownPort"
	KindFailedGuard  ExecutionErrorKind = "FailedGuard"
	KindNodeError    ExecutionErrorKind = "NodeError"
	KindServiceError ExecutionErrorKind = "ServiceError"
)

var kindSentinels = map[ExecutionErrorKind]error{
	KindUnknownNode:  ErrUnknownNode,
	KindUnknownPort:  ErrUnknownPort,
	KindFailedGuard:  ErrFailedGuard,
	KindNodeError:    ErrNodeError,
	KindServiceError: ErrServiceError,
}

// ExecutionError is a non-fatal runtime error. The runtime reports it as a warning
// event and abandons only the affected branch.
type ExecutionError struct {
	Kind       ExecutionErrorKind
	NodeID     string
	Service    string
	GuardIndex int
	Cause      error
}

func (e *ExecutionError) Error() string {
	msg := e.sentinel().Error()
	switch e.Kind {
	case KindFailedGuard:
		msg = fmt.Sprintf("%s: node %q guard %d", msg, e.NodeID, e.GuardIndex)
	case KindServiceError:
		msg = fmt.Sprintf("%s: service %q", msg, e.Service)
	default:
		msg = fmt.Sprintf("%s: node %q", msg, e.NodeID)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap exposes the base sentinel, the kind sentinel and the cause.
func (e *ExecutionError) Unwrap() []error {
	errs := []error{ErrExecution, e.sentinel()}
	if e.Cause != nil {
		errs = append(errs, e.Cause)
	}
	return errs
}

func (e *ExecutionError) sentinel() error {
	if err, ok := kindSentinels[e.Kind]; ok {
		return err
	}
	return ErrExecution
}

// NewUnknownNodeError reports a reference to a node id absent from the bound flow.
func NewUnknownNodeError(nodeID string) *ExecutionError {
	return &ExecutionError{Kind: KindUnknownNode, NodeID: nodeID, GuardIndex: -1}
}

// NewUnknownPortError reports a packet arriving on an undeclared input port.
func NewUnknownPortError(nodeID string) *ExecutionError {
	return &ExecutionError{Kind: KindUnknownPort, NodeID: nodeID, GuardIndex: -1}
}

// NewFailedGuardError reports a guard that returned false or failed. cause may be nil.
func NewFailedGuardError(nodeID string, index int, cause error) *ExecutionError {
	return &ExecutionError{Kind: KindFailedGuard, NodeID: nodeID, GuardIndex: index, Cause: cause}
}

// NewNodeError reports a handler or node lifecycle hook that returned an error.
func NewNodeError(nodeID string, cause error) *ExecutionError {
	return &ExecutionError{Kind: KindNodeError, NodeID: nodeID, GuardIndex: -1, Cause: cause}
}

// NewServiceError reports a service lifecycle hook that returned an error.
func NewServiceError(service string, cause error) *ExecutionError {
	return &ExecutionError{Kind: KindServiceError, Service: service, GuardIndex: -1, Cause: cause}
}
