// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import "fmt"

// ValidationError reports a rejected WorkloadSpec field, per spec §7.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on field %q: %s", e.Field, e.Reason)
}

// NodeNotFoundError is returned when an operation references an unknown NodeId.
type NodeNotFoundError struct {
	ID NodeId
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node %s not found", e.ID)
}

// WorkloadNotFoundError is returned when an operation references an unknown WorkloadId.
type WorkloadNotFoundError struct {
	ID WorkloadId
}

func (e *WorkloadNotFoundError) Error() string {
	return fmt.Sprintf("workload %s not found", e.ID)
}

// AlreadyRegisteredError is returned by the registry when registering a NodeId
// that already exists.
type AlreadyRegisteredError struct {
	ID NodeId
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("node %s is already registered", e.ID)
}

// InvalidTransitionError is returned by the workload manager when a requested
// state transition is not permitted by the state machine in spec §4.2.
type InvalidTransitionError struct {
	ID   WorkloadId
	From WorkloadState
	To   WorkloadState
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition for workload %s: cannot go from %s to %s", e.ID, e.From, e.To)
}

// NoSuitableNodeError is the scheduler's failure outcome. It is not surfaced
// as an error from Dispatcher.Submit: the dispatcher catches it and parks
// the workload in the pending set instead (spec §4.4, §7).
type NoSuitableNodeError struct {
	Diagnostic string
}

func (e *NoSuitableNodeError) Error() string {
	return fmt.Sprintf("no suitable node: %s", e.Diagnostic)
}

// CannotStopError is returned when stop_workload is invoked on a workload
// that isn't in {Starting, Running}.
type CannotStopError struct {
	ID    WorkloadId
	State WorkloadState
}

func (e *CannotStopError) Error() string {
	return fmt.Sprintf("cannot stop workload %s in state %s", e.ID, e.State)
}

// NodeOfflineError is returned by dispatch_to_node when the target node is
// no longer registered.
type NodeOfflineError struct {
	ID NodeId
}

func (e *NodeOfflineError) Error() string {
	return fmt.Sprintf("node %s is offline", e.ID)
}

// InsufficientResourcesError is returned by the preemption core when even
// evicting every eligible candidate would not free enough resources.
type InsufficientResourcesError struct {
	NeedGPUs    uint32
	NeedMemory  uint64
	AvailGPUs   uint32
	AvailMemory uint64
}

func (e *InsufficientResourcesError) Error() string {
	return fmt.Sprintf(
		"insufficient resources: need %d gpus/%d mib, best available %d gpus/%d mib",
		e.NeedGPUs, e.NeedMemory, e.AvailGPUs, e.AvailMemory,
	)
}

// PreemptionNotAllowedError is returned when no eligible victim exists at all.
type PreemptionNotAllowedError struct {
	Reason string
}

func (e *PreemptionNotAllowedError) Error() string {
	return fmt.Sprintf("preemption not allowed: %s", e.Reason)
}

// SubnetExhaustedError is returned by the IP allocator when a node's /24 has
// no free host octets left.
type SubnetExhaustedError struct {
	NodeID NodeId
}

func (e *SubnetExhaustedError) Error() string {
	return fmt.Sprintf("subnet exhausted for node %s", e.NodeID)
}

// InvalidSubnetError is returned when the IP allocator is initialized with a
// CIDR that isn't a /24.
type InvalidSubnetError struct {
	CIDR   string
	Reason string
}

func (e *InvalidSubnetError) Error() string {
	return fmt.Sprintf("invalid workload subnet %q: %s", e.CIDR, e.Reason)
}
