// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package scheduler implements the pure placement algorithm described in
// spec.md §4.3. Schedule has no side effects and reads no live state: the
// caller (the dispatcher) prepares a snapshot of node capabilities and GPU
// occupancy and passes it in.
package scheduler

import (
	"fmt"
	"sort"
	"strings"

	set "github.com/hashicorp/go-set/v3"

	"github.com/gpuscheduler/gateway/structs"
)

// Occupancy is the per-node view the dispatcher must compute by joining the
// registry and the workload manager before calling Schedule: which GPU
// indices are occupied by non-terminal workloads already assigned there.
type Occupancy struct {
	Node            structs.RegisteredNode
	OccupiedIndices *set.Set[uint32]
}

// AvailableGPUs returns the GpuCapability values not currently occupied.
func (o Occupancy) AvailableGPUs() []structs.GpuCapability {
	var out []structs.GpuCapability
	for _, g := range o.Node.Capabilities.GPUs {
		if o.OccupiedIndices == nil || !o.OccupiedIndices.Contains(g.Index) {
			out = append(out, g)
		}
	}
	return out
}

// OccupiedCount returns how many of the node's GPUs are currently occupied.
func (o Occupancy) OccupiedCount() int {
	if o.OccupiedIndices == nil {
		return 0
	}
	return o.OccupiedIndices.Size()
}

type candidate struct {
	nodeID        structs.NodeId
	occupiedCount int
	cpuLeftover   uint32
	memLeftover   uint64
	availableGPUs []structs.GpuCapability
}

// rejectReason buckets why a node failed filtering, for the diagnostic
// string spec §4.3.3 asks for on total failure.
type rejectReason string

const (
	reasonCPU     rejectReason = "insufficient cpu_cores"
	reasonMemory  rejectReason = "insufficient memory_mib"
	reasonGPU     rejectReason = "insufficient available gpu_count"
	reasonGPUType rejectReason = "no gpu matching gpu_type_hint"
)

// Schedule chooses a node for spec among the nodes in snapshot, or returns a
// *structs.NoSuitableNodeError if none qualify. Pure: does not mutate
// snapshot or anything it references.
func Schedule(spec structs.WorkloadSpec, snapshot map[structs.NodeId]Occupancy) (structs.NodeId, error) {
	var candidates []candidate
	rejects := make(map[rejectReason]int)

	// Iterate node ids in sorted order so that, independent of map
	// iteration order, any tie in the reject tally resolves deterministically
	// for the diagnostic message.
	ids := make([]structs.NodeId, 0, len(snapshot))
	for id := range snapshot {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		occ := snapshot[id]
		node := occ.Node

		if node.Capabilities.CPUCores < spec.CPUCores {
			rejects[reasonCPU]++
			continue
		}
		if node.Capabilities.Memory < spec.Memory {
			rejects[reasonMemory]++
			continue
		}

		available := occ.AvailableGPUs()
		if uint32(len(available)) < spec.GPUCount {
			rejects[reasonGPU]++
			continue
		}

		if spec.GpuTypeHint != "" {
			matching := 0
			for _, g := range available {
				if g.NameContains(spec.GpuTypeHint) {
					matching++
				}
			}
			if uint32(matching) < spec.GPUCount {
				rejects[reasonGPUType]++
				continue
			}
		}

		candidates = append(candidates, candidate{
			nodeID:        id,
			occupiedCount: occ.OccupiedCount(),
			cpuLeftover:   node.Capabilities.CPUCores - spec.CPUCores,
			memLeftover:   node.Capabilities.Memory - spec.Memory,
			availableGPUs: available,
		})
	}

	if len(candidates) == 0 {
		return "", &structs.NoSuitableNodeError{Diagnostic: diagnose(len(snapshot), rejects)}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.occupiedCount != b.occupiedCount {
			return a.occupiedCount > b.occupiedCount
		}
		if a.cpuLeftover != b.cpuLeftover {
			return a.cpuLeftover < b.cpuLeftover
		}
		if a.memLeftover != b.memLeftover {
			return a.memLeftover < b.memLeftover
		}
		return a.nodeID < b.nodeID
	})

	return candidates[0].nodeID, nil
}

// PickGPUIndices returns the lowest-numbered spec.GPUCount available GPU
// indices on the chosen node, ascending. Deterministic and side-effect
// free; the dispatcher calls this after Schedule picks a node, to compute
// what workload.Manager.AssignToNode should record (see SPEC_FULL.md's GPU
// index assignment elaboration, for invariant I6).
func PickGPUIndices(spec structs.WorkloadSpec, occ Occupancy) []uint32 {
	if spec.GPUCount == 0 {
		return nil
	}
	available := occ.AvailableGPUs()
	sort.Slice(available, func(i, j int) bool { return available[i].Index < available[j].Index })

	var chosen []uint32
	for _, g := range available {
		if spec.GpuTypeHint != "" && !g.NameContains(spec.GpuTypeHint) {
			continue
		}
		chosen = append(chosen, g.Index)
		if uint32(len(chosen)) == spec.GPUCount {
			break
		}
	}
	return chosen
}

func diagnose(total int, rejects map[rejectReason]int) string {
	if total == 0 {
		return "no nodes registered"
	}
	var worst rejectReason
	worstCount := -1
	for r, c := range rejects {
		if c > worstCount || (c == worstCount && r < worst) {
			worst = r
			worstCount = c
		}
	}
	if worstCount <= 0 {
		return fmt.Sprintf("no node satisfied all constraints (%d candidates considered)", total)
	}
	var parts []string
	for _, r := range []rejectReason{reasonCPU, reasonMemory, reasonGPU, reasonGPUType} {
		if c, ok := rejects[r]; ok {
			parts = append(parts, fmt.Sprintf("%s eliminated %d/%d candidates", r, c, total))
		}
	}
	return fmt.Sprintf("dominant constraint: %s; %s", worst, strings.Join(parts, "; "))
}
