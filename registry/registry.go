// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package registry implements the fleet membership and capability catalog
// described in spec.md §4.1. A Registry has no dependencies on any other
// core component; it is read by the scheduler and the dispatcher.
package registry

import (
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	memdb "github.com/hashicorp/go-memdb"

	"github.com/gpuscheduler/gateway/structs"
)

const tableNodes = "nodes"

func schema() *memdb.DBSchema {
	return &memdb.DBSchema{
		Tables: map[string]*memdb.TableSchema{
			tableNodes: {
				Name: tableNodes,
				Indexes: map[string]*memdb.IndexSchema{
					"id": {
						Name:    "id",
						Unique:  true,
						Indexer: &memdb.StringFieldIndex{Field: "ID"},
					},
				},
			},
		},
	}
}

// nodeRow is the memdb-stored representation; it wraps structs.RegisteredNode
// in the Node field and copies the id into a top-level string field "ID",
// since memdb indexes by reflected field name and StringFieldIndex reads a
// string-kinded field of the stored object itself.
type nodeRow struct {
	ID   string
	Node structs.RegisteredNode
}

// Registry is the fleet membership and capability catalog. Safe for
// concurrent use: every operation runs inside its own memdb transaction.
type Registry struct {
	db  *memdb.MemDB
	log hclog.Logger
}

// New constructs an empty Registry.
func New(log hclog.Logger) (*Registry, error) {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	db, err := memdb.NewMemDB(schema())
	if err != nil {
		return nil, err
	}
	return &Registry{db: db, log: log.Named("registry")}, nil
}

// Register inserts a new RegisteredNode. Fails with AlreadyRegisteredError
// if id already exists.
func (r *Registry) Register(id structs.NodeId, caps structs.NodeCapabilities) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	if existing, err := txn.First(tableNodes, "id", string(id)); err != nil {
		return err
	} else if existing != nil {
		r.log.Warn("register rejected: already registered", "node_id", id)
		return &structs.AlreadyRegisteredError{ID: id}
	}

	now := time.Now()
	node := structs.RegisteredNode{
		ID:            id,
		Capabilities:  caps,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := txn.Insert(tableNodes, nodeRow{ID: string(id), Node: node}); err != nil {
		return err
	}
	txn.Commit()
	r.log.Info("node registered", "node_id", id, "cpu_cores", caps.CPUCores, "gpus", len(caps.GPUs))
	return nil
}

// Unregister removes a node. Fails with NodeNotFoundError if absent.
func (r *Registry) Unregister(id structs.NodeId) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	existing, err := txn.First(tableNodes, "id", string(id))
	if err != nil {
		return err
	}
	if existing == nil {
		return &structs.NodeNotFoundError{ID: id}
	}
	if err := txn.Delete(tableNodes, existing); err != nil {
		return err
	}
	txn.Commit()
	r.log.Info("node unregistered", "node_id", id)
	return nil
}

// Heartbeat updates last_heartbeat to now. Fails with NodeNotFoundError if absent.
func (r *Registry) Heartbeat(id structs.NodeId) error {
	txn := r.db.Txn(true)
	defer txn.Abort()

	raw, err := txn.First(tableNodes, "id", string(id))
	if err != nil {
		return err
	}
	if raw == nil {
		return &structs.NodeNotFoundError{ID: id}
	}
	row := raw.(nodeRow)
	row.Node.LastHeartbeat = time.Now()
	if err := txn.Insert(tableNodes, row); err != nil {
		return err
	}
	txn.Commit()
	r.log.Debug("heartbeat", "node_id", id)
	return nil
}

// Get returns the RegisteredNode for id, if present.
func (r *Registry) Get(id structs.NodeId) (structs.RegisteredNode, bool) {
	txn := r.db.Txn(false)
	raw, err := txn.First(tableNodes, "id", string(id))
	if err != nil || raw == nil {
		return structs.RegisteredNode{}, false
	}
	return raw.(nodeRow).Node, true
}

// List returns every registered node, ordered by NodeId (the id index is a
// StringFieldIndex backed by an immutable radix tree, so iteration is
// lexicographically ordered without an explicit sort step).
func (r *Registry) List() ([]structs.RegisteredNode, error) {
	txn := r.db.Txn(false)
	it, err := txn.Get(tableNodes, "id")
	if err != nil {
		return nil, err
	}
	var out []structs.RegisteredNode
	for raw := it.Next(); raw != nil; raw = it.Next() {
		out = append(out, raw.(nodeRow).Node)
	}
	return out, nil
}

// FindByGPU returns every node with at least one GPU whose name contains
// substr (case-sensitive).
func (r *Registry) FindByGPU(substr string) ([]structs.RegisteredNode, error) {
	nodes, err := r.List()
	if err != nil {
		return nil, err
	}
	var out []structs.RegisteredNode
	for _, n := range nodes {
		for _, g := range n.Capabilities.GPUs {
			if strings.Contains(g.Name, substr) {
				out = append(out, n)
				break
			}
		}
	}
	return out, nil
}

// RestoreNode inserts a node exactly as recorded in a persist.Snapshot,
// bypassing the normal Register path (no AlreadyRegisteredError check,
// RegisteredAt/LastHeartbeat taken from the snapshot rather than time.Now).
// Intended for process-start restore only, against an empty Registry.
func (r *Registry) RestoreNode(n structs.RegisteredNode) error {
	txn := r.db.Txn(true)
	defer txn.Abort()
	if err := txn.Insert(tableNodes, nodeRow{ID: string(n.ID), Node: n}); err != nil {
		return err
	}
	txn.Commit()
	r.log.Debug("node restored", "node_id", n.ID)
	return nil
}

// Snapshot returns a point-in-time copy of every registered node, keyed by
// id, for callers (the scheduler, via the dispatcher) that need a stable
// view to reason over without holding a transaction open.
func (r *Registry) Snapshot() (map[structs.NodeId]structs.RegisteredNode, error) {
	nodes, err := r.List()
	if err != nil {
		return nil, err
	}
	out := make(map[structs.NodeId]structs.RegisteredNode, len(nodes))
	for _, n := range nodes {
		out[n.ID] = n
	}
	return out, nil
}
