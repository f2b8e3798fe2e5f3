// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	units "github.com/docker/go-units"
)

// WorkloadState is the tagged lifecycle state of a TrackedWorkload, per
// spec §3/§4.2.
type WorkloadState string

const (
	WorkloadPending   WorkloadState = "pending"
	WorkloadStarting  WorkloadState = "starting"
	WorkloadRunning   WorkloadState = "running"
	WorkloadStopping  WorkloadState = "stopping"
	WorkloadStopped   WorkloadState = "stopped"
	WorkloadCompleted WorkloadState = "completed"
	WorkloadFailed    WorkloadState = "failed"
)

// String implements fmt.Stringer.
func (s WorkloadState) String() string { return string(s) }

// IsTerminal reports whether s is one of {Stopped, Completed, Failed}.
func (s WorkloadState) IsTerminal() bool {
	switch s {
	case WorkloadStopped, WorkloadCompleted, WorkloadFailed:
		return true
	default:
		return false
	}
}

// ParseWorkloadState validates a wire-form state name (lowercase, per
// spec §6). An unknown name is a parse error, not silently ignored.
func ParseWorkloadState(s string) (WorkloadState, bool) {
	switch WorkloadState(s) {
	case WorkloadPending, WorkloadStarting, WorkloadRunning, WorkloadStopping,
		WorkloadStopped, WorkloadCompleted, WorkloadFailed:
		return WorkloadState(s), true
	default:
		return "", false
	}
}

// validTransitions encodes the table in spec §4.2. Keys are "from", values
// are the set of allowed "to" states via that named transition. Unlike a
// flat from->to adjacency, assign_to_node is handled separately because it
// doesn't change state.
var validTransitions = map[WorkloadState]map[WorkloadState]bool{
	WorkloadPending: {
		WorkloadStarting: true,
		WorkloadFailed:   true, // scheduling failure, or user cancel
	},
	WorkloadStarting: {
		WorkloadRunning:  true,
		WorkloadStopping: true,
		WorkloadFailed:   true,
	},
	WorkloadRunning: {
		WorkloadStopping:  true,
		WorkloadCompleted: true,
		WorkloadFailed:    true,
	},
	WorkloadStopping: {
		WorkloadStopped: true,
		WorkloadFailed:  true,
	},
}

// CanTransition reports whether moving from "from" to "to" is a legal edge
// in the state machine.
func CanTransition(from, to WorkloadState) bool {
	edges, ok := validTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

var envKeyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// imageRefPattern is a permissive but non-trivial check for a container
// image reference: repository[:tag|@digest], no whitespace.
var imageRefPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._/-]*(:[a-zA-Z0-9._-]+|@[a-zA-Z0-9]+:[a-fA-F0-9]+)?$`)

// WorkloadSpec is the immutable workload specification supplied at submit
// time, per spec §3.
type WorkloadSpec struct {
	Image         string            `json:"image"`
	Command       []string          `json:"command,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	CPUCores      uint32            `json:"cpu_cores"`
	Memory        uint64            `json:"memory_mib"`
	GPUCount      uint32            `json:"gpu_count"`
	PriorityClass PriorityClass     `json:"priority_class"`
	GpuTypeHint   string            `json:"gpu_type_hint,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
}

const (
	maxCPUCores  = 1024
	maxMemoryMiB = 1 << 20 // 1,048,576
	maxGPUCount  = 64
)

// Normalize canonicalizes ingest-time ambiguities before validation: an
// empty (non-nil, zero-length) command is treated as absent, per spec §9's
// open question.
func (s *WorkloadSpec) Normalize() {
	if len(s.Command) == 0 {
		s.Command = nil
	}
	if s.PriorityClass.Name == "" {
		s.PriorityClass = PriorityClassDefault
	}
}

// Validate enforces the field rules in spec §7. Returns the first violation
// found; callers that want every violation should use ValidateAll.
func (s *WorkloadSpec) Validate() error {
	if errs := s.ValidateAll(); len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// ValidateAll runs every validation rule and returns all violations found.
func (s *WorkloadSpec) ValidateAll() []*ValidationError {
	var errs []*ValidationError

	image := strings.TrimSpace(s.Image)
	if image == "" {
		errs = append(errs, &ValidationError{Field: "image", Reason: "must not be empty"})
	} else if strings.ContainsAny(s.Image, " \t\n\r") {
		errs = append(errs, &ValidationError{Field: "image", Reason: "must not contain whitespace"})
	} else if !imageRefPattern.MatchString(s.Image) {
		errs = append(errs, &ValidationError{Field: "image", Reason: "not a valid registry/tag/digest reference"})
	}

	if s.CPUCores > maxCPUCores {
		errs = append(errs, &ValidationError{
			Field:  "cpu_cores",
			Reason: fmt.Sprintf("must be <= %d, got %d", maxCPUCores, s.CPUCores),
		})
	}

	if s.Memory > maxMemoryMiB {
		errs = append(errs, &ValidationError{
			Field: "memory_mib",
			Reason: fmt.Sprintf("must be <= %s, got %s",
				units.BytesSize(float64(maxMemoryMiB)*units.MiB),
				units.BytesSize(float64(s.Memory)*units.MiB)),
		})
	}

	if s.GPUCount > maxGPUCount {
		errs = append(errs, &ValidationError{
			Field:  "gpu_count",
			Reason: fmt.Sprintf("must be <= %d, got %d", maxGPUCount, s.GPUCount),
		})
	}

	for k := range s.Env {
		if !envKeyPattern.MatchString(k) {
			errs = append(errs, &ValidationError{
				Field:  "env",
				Reason: fmt.Sprintf("key %q does not match [A-Za-z_][A-Za-z0-9_]*", k),
			})
		}
	}

	return errs
}

// TrackedWorkload is the dispatcher/workload-manager's owned record for a
// submitted workload, per spec §3.
type TrackedWorkload struct {
	ID               WorkloadId
	Spec             WorkloadSpec
	State            WorkloadState
	AssignedNode     *NodeId
	GPUIndices       []uint32
	CreatedAt        time.Time
	LastTransitionAt time.Time
	Message          string
}

// Clone returns a deep-enough copy safe for a caller to read without racing
// further manager mutations (Env/Labels maps and Command slice are
// immutable once submitted, so a shallow copy of those is sufficient).
func (w TrackedWorkload) Clone() TrackedWorkload {
	clone := w
	if w.AssignedNode != nil {
		n := *w.AssignedNode
		clone.AssignedNode = &n
	}
	clone.GPUIndices = append([]uint32(nil), w.GPUIndices...)
	return clone
}
