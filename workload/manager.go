// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package workload implements the workload state machine described in
// spec.md §4.2: TrackedWorkload ownership, submission, node assignment, and
// the lifecycle transition table.
package workload

import (
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/gpuscheduler/gateway/structs"
)

const tableWorkloads = "workloads"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableWorkloads: {
				Name: tableWorkloads,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
					"state": {
						Name:    "state",
						Indexer: &memdb.StringFieldIndex{Field: "State"},
					},
					"node": {
						Name:         "node",
						AllowMissing: true,
						Indexer:      &memdb.StringFieldIndex{Field: "Node"},
					},
				},
			},
		},
	}
}

// workloadRow is memdb's stored representation; ID/State/Node are flattened
// scalar fields so they can back indexes (memdb indexes by reflected field,
// not by method).
type workloadRow struct {
	ID       string
	State    string
	Node     string // empty when unassigned
	Workload structs.TrackedWorkload
}

func rowFor(w structs.TrackedWorkload) workloadRow {
	node := ""
	if w.AssignedNode != nil {
		node = string(*w.AssignedNode)
	}
	return workloadRow{ID: string(w.ID), State: string(w.State), Node: node, Workload: w}
}

// Manager owns all TrackedWorkload entries and enforces the transition
// table. Safe for concurrent use.
type Manager struct {
	db     *memdb.MemDB
	log    hclog.Logger
	nextID func() (structs.WorkloadId, error)
}

// New constructs an empty Manager.
func New(log hclog.Logger) (*Manager, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Manager{db: db, log: log.Named("workload"), nextID: structs.GenerateWorkloadId}, nil
}

// Submit validates spec, allocates a fresh id, and inserts a new workload in
// state Pending with no assigned node. On invalid input, returns the first
// validation error found.
func (m *Manager) Submit(spec structs.WorkloadSpec) (structs.WorkloadId, error) {
	spec.Normalize()
	if errs := spec.ValidateAll(); len(errs) > 0 {
		m.log.Warn("submit rejected", "field", errs[0].Field, "reason", errs[0].Reason)
		return "", errs[0]
	}

	id, err := m.nextID()
	if err != nil {
		return "", err
	}

	now := time.Now()
	tw := structs.TrackedWorkload{
		ID:               id,
		Spec:             spec,
		State:            structs.WorkloadPending,
		CreatedAt:        now,
		LastTransitionAt: now,
	}

	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableWorkloads, rowFor(tw)); err != nil {
		return "", err
	}
	txn.Commit()
	m.log.Info("workload submitted", "workload_id", id, "image", spec.Image, "gpu_count", spec.GPUCount)
	return id, nil
}

// AssignToNode sets assigned_node on a Pending workload with no node yet
// assigned. It does not change state. gpuIndices records which physical GPU
// indices on the node this workload now occupies, so later occupancy
// computations (and invariant I6 - no shared GPU index on a node) can be
// enforced without re-deriving the assignment.
func (m *Manager) AssignToNode(id structs.WorkloadId, nodeID structs.NodeId, gpuIndices []uint32) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkloads, "id", string(id))
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.WorkloadNotFoundError{ID: id}
	}
	row := raw.(workloadRow)
	tw := row.Workload
	if tw.State != structs.WorkloadPending || tw.AssignedNode != nil {
		return &structs.InvalidTransitionError{ID: id, From: tw.State, To: tw.State}
	}

	node := nodeID
	tw.AssignedNode = &node
	tw.GPUIndices = append([]uint32(nil), gpuIndices...)

	if err := txn.Insert(tableWorkloads, rowFor(tw)); err != nil {
		return err
	}
	txn.Commit()
	m.log.Debug("workload assigned", "workload_id", id, "node_id", nodeID, "gpu_indices", gpuIndices)
	return nil
}

// UpdateState enforces the spec §4.2 transition table. Transitions into a
// terminal state freeze AssignedNode (it is simply left as-is; terminal
// workloads are never reassigned, per invariant I3).
func (m *Manager) UpdateState(id structs.WorkloadId, newState structs.WorkloadState, message string) error {
	txn := m.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableWorkloads, "id", string(id))
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.WorkloadNotFoundError{ID: id}
	}
	row := raw.(workloadRow)
	tw := row.Workload

	if tw.State.IsTerminal() {
		return &structs.InvalidTransitionError{ID: id, From: tw.State, To: newState}
	}
	if !structs.CanTransition(tw.State, newState) {
		return &structs.InvalidTransitionError{ID: id, From: tw.State, To: newState}
	}

	from := tw.State
	tw.State = newState
	tw.LastTransitionAt = time.Now()
	if message != "" {
		tw.Message = message
	}

	if err := txn.Insert(tableWorkloads, rowFor(tw)); err != nil {
		return err
	}
	txn.Commit()
	m.log.Info("workload transitioned", "workload_id", id, "from", from, "to", newState)
	return nil
}

// RestoreWorkload inserts a workload exactly as recorded in a
// persist.Snapshot, bypassing Submit's validation and id generation.
// Intended for process-start restore only, against an empty Manager.
func (m *Manager) RestoreWorkload(tw structs.TrackedWorkload) error {
	txn := m.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableWorkloads, rowFor(tw)); err != nil {
		return err
	}
	txn.Commit()
	m.log.Debug("workload restored", "workload_id", tw.ID, "state", tw.State)
	return nil
}

// Get returns the tracked workload for id, if present.
func (m *Manager) Get(id structs.WorkloadId) (structs.TrackedWorkload, bool) {
	txn := m.db.Txn(false)
	raw, err := txn.First(tableWorkloads, "id", string(id))
	if err != nil || raw == nil {
		return structs.TrackedWorkload{}, false
	}
	return raw.(workloadRow).Workload.Clone(), true
}

// ListByNode returns every workload currently assigned to nodeID.
func (m *Manager) ListByNode(nodeID structs.NodeId) ([]structs.TrackedWorkload, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableWorkloads, "node", string(nodeID))
	if err != nil {
		return nil, err
	}
	var out []structs.TrackedWorkload
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(workloadRow).Workload.Clone())
	}
	return out, nil
}

// ListByState returns every workload currently in the given state.
func (m *Manager) ListByState(state structs.WorkloadState) ([]structs.TrackedWorkload, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableWorkloads, "state", string(state))
	if err != nil {
		return nil, err
	}
	var out []structs.TrackedWorkload
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(workloadRow).Workload.Clone())
	}
	return out, nil
}

// ListNonTerminalByNode returns the non-terminal workloads assigned to
// nodeID -- the set that must be failed on node departure (spec §4.4) and
// the set the scheduler must treat as occupying resources (spec §4.3).
func (m *Manager) ListNonTerminalByNode(nodeID structs.NodeId) ([]structs.TrackedWorkload, error) {
	all, err := m.ListByNode(nodeID)
	if err != nil {
		return nil, err
	}
	var out []structs.TrackedWorkload
	for _, w := range all {
		if !w.State.IsTerminal() {
			out = append(out, w)
		}
	}
	return out, nil
}

// All returns every tracked workload. Used by the preemption core to build
// its candidate snapshot.
func (m *Manager) All() ([]structs.TrackedWorkload, error) {
	txn := m.db.Txn(false)
	it, err := txn.Get(tableWorkloads, "id")
	if err != nil {
		return nil, err
	}
	var out []structs.TrackedWorkload
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(workloadRow).Workload.Clone())
	}
	return out, nil
}
