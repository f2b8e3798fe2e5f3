// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"

	uuid "github.com/hashicorp/go-uuid"
)

// NodeId uniquely identifies a registered compute node for the lifetime of
// the gateway. It is display-stable and round-trips through String/ParseNodeId.
type NodeId string

// WorkloadId uniquely identifies a tracked workload. Never reused once
// assigned (invariant I1).
type WorkloadId string

// String implements fmt.Stringer.
func (n NodeId) String() string { return string(n) }

// String implements fmt.Stringer.
func (w WorkloadId) String() string { return string(w) }

// GenerateNodeId returns a fresh, random 128-bit node identifier in its
// canonical textual (UUID) form.
func GenerateNodeId() (NodeId, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generating node id: %w", err)
	}
	return NodeId(id), nil
}

// GenerateWorkloadId returns a fresh, random 128-bit workload identifier.
func GenerateWorkloadId() (WorkloadId, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generating workload id: %w", err)
	}
	return WorkloadId(id), nil
}

// ParseNodeId validates s is a well-formed node id and returns it typed.
func ParseNodeId(s string) (NodeId, error) {
	if _, err := uuid.ParseUUID(s); err != nil {
		return "", fmt.Errorf("parsing node id %q: %w", s, err)
	}
	return NodeId(s), nil
}

// ParseWorkloadId validates s is a well-formed workload id and returns it typed.
func ParseWorkloadId(s string) (WorkloadId, error) {
	if _, err := uuid.ParseUUID(s); err != nil {
		return "", fmt.Errorf("parsing workload id %q: %w", s, err)
	}
	return WorkloadId(s), nil
}
