// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

// Node-facing message protocol (spec §6). Every message is framed as a JSON
// object discriminated by a "type" tag; the out-of-scope HTTP/WebSocket
// transport is responsible for actually framing and delivering these.

// MessageType discriminates the wire envelope.
type MessageType string

const (
	MsgStartWorkload MessageType = "start_workload"
	MsgStopWorkload  MessageType = "stop_workload"
	MsgEvictWorkload MessageType = "evict_workload"

	MsgRegister       MessageType = "register"
	MsgHeartbeat      MessageType = "heartbeat"
	MsgWorkloadUpdate MessageType = "workload_update"
	MsgMetrics        MessageType = "metrics"
)

// StartWorkload is sent gateway -> node to dispatch a workload. The spec is
// serialized exactly as submitted.
type StartWorkload struct {
	Type       MessageType  `json:"type"`
	WorkloadID WorkloadId   `json:"workload_id"`
	Spec       WorkloadSpec `json:"spec"`
}

// NewStartWorkload builds a StartWorkload directive.
func NewStartWorkload(id WorkloadId, spec WorkloadSpec) StartWorkload {
	return StartWorkload{Type: MsgStartWorkload, WorkloadID: id, Spec: spec}
}

// StopWorkload is sent gateway -> node to request a graceful stop.
type StopWorkload struct {
	Type            MessageType `json:"type"`
	WorkloadID      WorkloadId  `json:"workload_id"`
	GracePeriodSecs uint32      `json:"grace_period_secs"`
}

// NewStopWorkload builds a StopWorkload directive.
func NewStopWorkload(id WorkloadId, graceSecs uint32) StopWorkload {
	return StopWorkload{Type: MsgStopWorkload, WorkloadID: id, GracePeriodSecs: graceSecs}
}

// EvictWorkload is sent gateway -> node; equivalent to StopWorkload but
// carries an eviction reason for observability.
type EvictWorkload struct {
	Type            MessageType `json:"type"`
	WorkloadID      WorkloadId  `json:"workload_id"`
	Reason          string      `json:"reason"`
	GracePeriodSecs uint32      `json:"grace_period_secs"`
}

// NewEvictWorkload builds an EvictWorkload directive.
func NewEvictWorkload(id WorkloadId, reason string, graceSecs uint32) EvictWorkload {
	return EvictWorkload{Type: MsgEvictWorkload, WorkloadID: id, Reason: reason, GracePeriodSecs: graceSecs}
}

// RegisterMessage is sent node -> gateway to join the fleet.
type RegisterMessage struct {
	Type         MessageType      `json:"type"`
	NodeID       NodeId           `json:"node_id"`
	Name         string           `json:"name"`
	Capabilities NodeCapabilities `json:"capabilities"`
}

// HeartbeatMessage is sent node -> gateway periodically.
type HeartbeatMessage struct {
	Type   MessageType `json:"type"`
	NodeID NodeId      `json:"node_id"`
}

// WorkloadUpdateMessage is sent node -> gateway on lifecycle transitions.
type WorkloadUpdateMessage struct {
	Type       MessageType   `json:"type"`
	WorkloadID WorkloadId    `json:"workload_id"`
	State      WorkloadState `json:"state"`
	Message    string        `json:"message,omitempty"`
}

// GpuMetric is one GPU's point-in-time utilization sample. Opaque to the
// core; carried only for completeness of the wire protocol.
type GpuMetric struct {
	Index         uint32  `json:"index"`
	UtilPercent   float64 `json:"util_percent"`
	MemoryUsedMiB uint64  `json:"memory_used_mib"`
	TemperatureC  float64 `json:"temperature_c"`
}

// MetricsMessage is sent node -> gateway; opaque to the scheduling core.
type MetricsMessage struct {
	Type       MessageType `json:"type"`
	NodeID     NodeId      `json:"node_id"`
	GpuMetrics []GpuMetric `json:"gpu_metrics"`
}
