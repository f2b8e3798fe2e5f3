// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import "time"

// ResourceAmount is the resource footprint used by preemption need/freed
// accounting (spec §4.5).
type ResourceAmount struct {
	GPUs   uint32
	Memory uint64 // MiB
}

// Covers reports whether this amount is >= need on every dimension.
func (r ResourceAmount) Covers(need ResourceAmount) bool {
	return r.GPUs >= need.GPUs && r.Memory >= need.Memory
}

// Add returns the element-wise sum of r and other.
func (r ResourceAmount) Add(other ResourceAmount) ResourceAmount {
	return ResourceAmount{GPUs: r.GPUs + other.GPUs, Memory: r.Memory + other.Memory}
}

// PreemptionCandidate is a running workload's preemption-relevant view, per
// spec §3. PreemptionCost reflects lost work and is agent-reported; the
// preemption core treats it as an opaque ordering key.
type PreemptionCandidate struct {
	WorkloadID     WorkloadId
	PriorityClass  PriorityClass
	Resources      ResourceAmount
	State          WorkloadState
	StartedAt      time.Time
	PreemptionCost float64
}

// EvictionPlan is the output of victim selection (spec §4.5).
type EvictionPlan struct {
	Victims   []PreemptionCandidate
	Freed     ResourceAmount
	Satisfies bool
}

// EvictionOutcome records the per-victim result of executing an EvictionPlan.
type EvictionOutcome struct {
	WorkloadID WorkloadId
	Succeeded  bool
	Err        error
}

// EvictionResult is the aggregate result of Engine.Evict, plus a timestamp
// for the bounded eviction history (SPEC_FULL.md supplement).
type EvictionResult struct {
	Plan      EvictionPlan
	Outcomes  []EvictionOutcome
	Timestamp time.Time
}
