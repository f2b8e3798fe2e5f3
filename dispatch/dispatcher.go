// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package dispatch implements the central coordination point described in
// spec.md §4.4: it composes the node registry, the workload manager, and
// the scheduler, accepts submissions, drives lifecycle, and reacts to node
// departures.
package dispatch

import (
	"fmt"
	"net"
	"sync"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"
	set "github.com/hashicorp/go-set/v3"

	"github.com/gpuscheduler/gateway/ipam"
	"github.com/gpuscheduler/gateway/registry"
	"github.com/gpuscheduler/gateway/scheduler"
	"github.com/gpuscheduler/gateway/structs"
	"github.com/gpuscheduler/gateway/workload"
)

// Config holds the ambient settings a Dispatcher needs beyond its three
// component dependencies.
type Config struct {
	Logger hclog.Logger
	// DefaultGraceSeconds is used by Evict callers (the preemption engine)
	// that don't specify their own grace period.
	DefaultGraceSeconds uint32
	// SubnetParent is the /16 (or wider) block workload subnets are carved
	// out of, one /24 per node, in registration order.
	SubnetParent string
}

// Dispatcher composes the registry, workload manager, and scheduler. It
// owns the pending set and, per node, a workload IP allocator. mu guards
// the dispatcher's own mutable state (pending, allocators, subnetNext):
// the registry and workload manager serialize themselves internally via
// memdb transactions, but go-set's Set and the allocators map are not
// safe for concurrent mutation on their own, so this component needs its
// own lock-per-component front, per spec §5.
type Dispatcher struct {
	registry *registry.Registry
	workload *workload.Manager
	log      hclog.Logger

	mu sync.Mutex

	defaultGrace uint32
	subnetParent string
	subnetNext   int

	pending    *set.Set[structs.WorkloadId]
	allocators map[structs.NodeId]*ipam.Allocator
}

// New constructs a Dispatcher over an existing registry and workload manager.
func New(reg *registry.Registry, wm *workload.Manager, cfg Config) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = hclog.NewNullLogger()
	}
	if cfg.SubnetParent == "" {
		cfg.SubnetParent = "10.200.0.0/16"
	}
	return &Dispatcher{
		registry:     reg,
		workload:     wm,
		log:          log.Named("dispatch"),
		defaultGrace: cfg.DefaultGraceSeconds,
		subnetParent: cfg.SubnetParent,
		pending:      set.New[structs.WorkloadId](0),
		allocators:   make(map[structs.NodeId]*ipam.Allocator),
	}
}

// RegisterNode forwards to the registry and provisions a workload IP
// allocator for the node's /24 block.
func (d *Dispatcher) RegisterNode(id structs.NodeId, caps structs.NodeCapabilities) error {
	if err := d.registry.Register(id, caps); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cidr, err := d.nextSubnetLocked()
	if err != nil {
		// The registry mutation already happened; surface the subnet
		// failure but leave the node registered. An operator can still
		// reach it, just without workload networking until capacity is
		// freed up elsewhere (this is a config-time capacity problem, not
		// a per-request one).
		d.log.Error("no subnet available for newly registered node", "node_id", id, "error", err)
		return err
	}
	alloc, err := ipam.New(id, cidr)
	if err != nil {
		return err
	}
	d.allocators[id] = alloc
	return nil
}

// nextSubnetLocked requires d.mu to be held by the caller.
func (d *Dispatcher) nextSubnetLocked() (string, error) {
	if d.subnetNext > 255 {
		return "", fmt.Errorf("workload subnet parent %s exhausted after 256 /24 blocks", d.subnetParent)
	}
	_, parent, err := net.ParseCIDR(d.subnetParent)
	if err != nil {
		return "", fmt.Errorf("parsing workload subnet parent %s: %w", d.subnetParent, err)
	}
	base := parent.IP.To4()
	if base == nil {
		return "", fmt.Errorf("workload subnet parent %s is not an IPv4 CIDR", d.subnetParent)
	}
	octet := d.subnetNext
	d.subnetNext++
	return fmt.Sprintf("%d.%d.%d.0/24", base[0], base[1], octet), nil
}

// UnregisterNode enumerates every non-terminal workload assigned to id,
// transitions each to Failed with message "node unregistered", releases the
// node's IP allocations, then removes it from the registry. Already
// terminal workloads are a silent no-op (spec §4.4).
func (d *Dispatcher) UnregisterNode(id structs.NodeId) error {
	workloads, err := d.workload.ListNonTerminalByNode(id)
	if err != nil {
		return err
	}

	var merr *multierror.Error
	d.mu.Lock()
	for _, w := range workloads {
		if err := d.workload.UpdateState(w.ID, structs.WorkloadFailed, "node unregistered"); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("failing workload %s: %w", w.ID, err))
			continue
		}
		d.pending.Remove(w.ID)
	}

	delete(d.allocators, id)
	d.mu.Unlock()

	if err := d.registry.Unregister(id); err != nil {
		merr = multierror.Append(merr, err)
	}

	if merr != nil {
		d.log.Warn("unregister_node completed with errors", "node_id", id, "errors", merr.Len())
		return merr.ErrorOrNil()
	}
	d.log.Info("node unregistered, workloads failed", "node_id", id, "failed_count", len(workloads))
	return nil
}

// Submit validates spec via the workload manager and attempts immediate
// scheduling. A scheduling failure is not an error: the workload lands in
// the pending set (spec §4.4, §7).
func (d *Dispatcher) Submit(spec structs.WorkloadSpec) (structs.WorkloadId, error) {
	id, err := d.workload.Submit(spec)
	if err != nil {
		return "", err
	}

	nodeID, occ, err := d.scheduleOne(spec)
	if err != nil {
		d.mu.Lock()
		d.pending.Insert(id)
		d.mu.Unlock()
		d.log.Debug("submit parked pending", "workload_id", id, "reason", err)
		return id, nil
	}

	indices := scheduler.PickGPUIndices(spec, occ)
	if err := d.workload.AssignToNode(id, nodeID, indices); err != nil {
		return "", err
	}
	d.log.Info("submit scheduled immediately", "workload_id", id, "node_id", nodeID)
	return id, nil
}

// scheduleOne builds the current snapshot and asks the scheduler to place
// spec, returning the chosen node and the occupancy view it was chosen
// from (so the caller can derive GPU indices without recomputing it).
func (d *Dispatcher) scheduleOne(spec structs.WorkloadSpec) (structs.NodeId, scheduler.Occupancy, error) {
	snapshot, err := d.buildSnapshot()
	if err != nil {
		return "", scheduler.Occupancy{}, err
	}
	nodeID, err := scheduler.Schedule(spec, snapshot)
	if err != nil {
		return "", scheduler.Occupancy{}, err
	}
	return nodeID, snapshot[nodeID], nil
}

// buildSnapshot joins the registry and the workload manager into the
// {capabilities_by_node, occupancy_by_node} view the scheduler requires
// (spec §4.3's purity note / §9's design note).
func (d *Dispatcher) buildSnapshot() (map[structs.NodeId]scheduler.Occupancy, error) {
	nodes, err := d.registry.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[structs.NodeId]scheduler.Occupancy, len(nodes))
	for id, node := range nodes {
		occupied, err := d.occupiedIndices(id)
		if err != nil {
			return nil, err
		}
		out[id] = scheduler.Occupancy{Node: node, OccupiedIndices: occupied}
	}
	return out, nil
}

func (d *Dispatcher) occupiedIndices(nodeID structs.NodeId) (*set.Set[uint32], error) {
	workloads, err := d.workload.ListNonTerminalByNode(nodeID)
	if err != nil {
		return nil, err
	}
	occupied := set.New[uint32](0)
	for _, w := range workloads {
		for _, idx := range w.GPUIndices {
			occupied.Insert(idx)
		}
	}
	return occupied, nil
}

// DispatchToNode requires the node to be currently registered and the
// workload to be Pending. Transitions the workload to Starting, allocates
// it a workload IP, and returns the StartWorkload directive for the node.
func (d *Dispatcher) DispatchToNode(id structs.WorkloadId, nodeID structs.NodeId) (structs.StartWorkload, error) {
	if _, ok := d.registry.Get(nodeID); !ok {
		return structs.StartWorkload{}, &structs.NodeOfflineError{ID: nodeID}
	}

	tw, ok := d.workload.Get(id)
	if !ok {
		return structs.StartWorkload{}, &structs.WorkloadNotFoundError{ID: id}
	}
	if tw.State != structs.WorkloadPending {
		return structs.StartWorkload{}, &structs.InvalidTransitionError{ID: id, From: tw.State, To: structs.WorkloadStarting}
	}

	if err := d.workload.UpdateState(id, structs.WorkloadStarting, ""); err != nil {
		return structs.StartWorkload{}, err
	}

	d.mu.Lock()
	d.pending.Remove(id)
	if alloc, ok := d.allocators[nodeID]; ok {
		if _, err := alloc.Allocate(id); err != nil {
			d.log.Warn("workload IP allocation failed", "workload_id", id, "node_id", nodeID, "error", err)
		}
	}
	d.mu.Unlock()

	d.log.Info("dispatched to node", "workload_id", id, "node_id", nodeID)
	return structs.NewStartWorkload(id, tw.Spec), nil
}

// HandleWorkloadUpdate forwards a node-reported state transition to the
// workload manager. If the resulting state is terminal, the workload is
// removed from the pending set as a safety net and its IP is released.
func (d *Dispatcher) HandleWorkloadUpdate(id structs.WorkloadId, newState structs.WorkloadState, message string) error {
	if err := d.workload.UpdateState(id, newState, message); err != nil {
		return err
	}
	if newState.IsTerminal() {
		d.mu.Lock()
		d.pending.Remove(id)
		d.releaseIPLocked(id)
		d.mu.Unlock()
	}
	return nil
}

// releaseIPLocked requires d.mu to be held by the caller.
func (d *Dispatcher) releaseIPLocked(id structs.WorkloadId) {
	for _, alloc := range d.allocators {
		if ip := alloc.Release(id); ip != nil {
			return
		}
	}
}

// TryDispatchPending attempts to schedule every workload currently in the
// pending set, assigning those that now fit and returning their ids.
// Idempotent: calling it again with no registry changes returns nothing new.
func (d *Dispatcher) TryDispatchPending() ([]structs.WorkloadId, error) {
	d.mu.Lock()
	ids := d.pending.Slice()
	d.mu.Unlock()

	var dispatched []structs.WorkloadId

	for _, id := range ids {
		tw, ok := d.workload.Get(id)
		if !ok {
			d.mu.Lock()
			d.pending.Remove(id)
			d.mu.Unlock()
			continue
		}
		nodeID, occ, err := d.scheduleOne(tw.Spec)
		if err != nil {
			continue
		}
		indices := scheduler.PickGPUIndices(tw.Spec, occ)
		if err := d.workload.AssignToNode(id, nodeID, indices); err != nil {
			d.log.Warn("assign_to_node failed during try_dispatch_pending", "workload_id", id, "error", err)
			continue
		}
		d.mu.Lock()
		d.pending.Remove(id)
		d.mu.Unlock()
		dispatched = append(dispatched, id)
	}

	if len(dispatched) > 0 {
		d.log.Info("try_dispatch_pending placed workloads", "count", len(dispatched))
	}
	return dispatched, nil
}

// StopWorkload requires current state in {Starting, Running}; transitions
// to Stopping and produces a StopWorkload directive.
func (d *Dispatcher) StopWorkload(id structs.WorkloadId, graceSeconds uint32) (structs.StopWorkload, error) {
	tw, ok := d.workload.Get(id)
	if !ok {
		return structs.StopWorkload{}, &structs.WorkloadNotFoundError{ID: id}
	}
	if tw.State != structs.WorkloadStarting && tw.State != structs.WorkloadRunning {
		return structs.StopWorkload{}, &structs.CannotStopError{ID: id, State: tw.State}
	}
	if err := d.workload.UpdateState(id, structs.WorkloadStopping, ""); err != nil {
		return structs.StopWorkload{}, err
	}
	if graceSeconds == 0 {
		graceSeconds = d.defaultGrace
	}
	return structs.NewStopWorkload(id, graceSeconds), nil
}

// CancelPending cancels a still-Pending workload: Pending -> Failed with
// message "canceled", and removes it from the pending set (spec §7's
// closing paragraph; see SPEC_FULL.md).
func (d *Dispatcher) CancelPending(id structs.WorkloadId) error {
	tw, ok := d.workload.Get(id)
	if !ok {
		return &structs.WorkloadNotFoundError{ID: id}
	}
	if tw.State != structs.WorkloadPending {
		return &structs.CannotStopError{ID: id, State: tw.State}
	}
	if err := d.workload.UpdateState(id, structs.WorkloadFailed, "canceled"); err != nil {
		return err
	}
	d.mu.Lock()
	d.pending.Remove(id)
	d.mu.Unlock()
	return nil
}

// GetWorkload exposes the underlying workload manager's Get, for callers
// (the operator API) that need to read a single workload.
func (d *Dispatcher) GetWorkload(id structs.WorkloadId) (structs.TrackedWorkload, bool) {
	return d.workload.Get(id)
}

// GetNode exposes the underlying registry's Get.
func (d *Dispatcher) GetNode(id structs.NodeId) (structs.RegisteredNode, bool) {
	return d.registry.Get(id)
}

// ListPending returns a snapshot of the pending set's contents. Order is
// not part of the contract (spec §4.4).
func (d *Dispatcher) ListPending() []structs.WorkloadId {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending.Slice()
}

// Registry and Workload expose the composed components directly, for the
// preemption engine and any higher-level operator API that needs direct
// read access (spec §9's design note: the dispatcher composes, it doesn't
// hide).
func (d *Dispatcher) Registry() *registry.Registry { return d.registry }
func (d *Dispatcher) Workload() *workload.Manager  { return d.workload }

// Snapshot exposes buildSnapshot for external callers (e.g. an autoscaler,
// per spec §9's open question) without giving them write access.
func (d *Dispatcher) Snapshot() (map[structs.NodeId]scheduler.Occupancy, error) {
	return d.buildSnapshot()
}
