// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package persist implements the optional snapshot/restore path mentioned in
// spec.md §6: a way to serialize the registry's and workload manager's
// current contents to a JSON blob and load them back. It is not part of the
// wire protocol contract and carries no guarantee of surviving a schema
// change across versions -- a fresh gateway process can always rebuild its
// registry from node re-registration and its workload table from whatever
// durable queue (out of scope, spec §1) feeds it.
package persist

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"

	"github.com/gpuscheduler/gateway/structs"
)

// Snapshot is the root of the serialized blob: one object per node and one
// per workload, keyed by id string. Restore checks each id against the live
// stores just before writing that entry; entries restored before a
// collision is found are not rolled back.
type Snapshot struct {
	TakenAt   time.Time                          `json:"taken_at"`
	Nodes     map[string]structs.RegisteredNode  `json:"nodes"`
	Workloads map[string]structs.TrackedWorkload `json:"workloads"`
}

// nodeSource and workloadSource are the minimal read surfaces Write needs;
// *registry.Registry and *workload.Manager both satisfy them without this
// package importing either (avoids a persist -> registry/workload ->
// persist import cycle risk and keeps persist testable with fakes).
type nodeSource interface {
	Snapshot() (map[structs.NodeId]structs.RegisteredNode, error)
}

type workloadSource interface {
	All() ([]structs.TrackedWorkload, error)
}

// Write serializes the current contents of reg and wm to w as JSON.
func Write(w io.Writer, reg nodeSource, wm workloadSource) error {
	nodes, err := reg.Snapshot()
	if err != nil {
		return fmt.Errorf("snapshotting nodes: %w", err)
	}
	workloads, err := wm.All()
	if err != nil {
		return fmt.Errorf("snapshotting workloads: %w", err)
	}

	snap := Snapshot{
		TakenAt:   time.Now(),
		Nodes:     make(map[string]structs.RegisteredNode, len(nodes)),
		Workloads: make(map[string]structs.TrackedWorkload, len(workloads)),
	}
	for id, n := range nodes {
		snap.Nodes[string(id)] = n
	}
	for _, tw := range workloads {
		snap.Workloads[string(tw.ID)] = tw
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(snap)
}

// Read decodes a Snapshot previously produced by Write. Decoding goes
// through mapstructure rather than json.Unmarshal directly onto the target
// maps so that a restore tool can load an arbitrary map[string]any (e.g.
// re-decoded from a different on-disk representation, or with unknown
// extra fields from a newer writer) into the typed structs without failing
// on fields it doesn't recognize.
func Read(r io.Reader) (Snapshot, error) {
	var raw map[string]any
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot json: %w", err)
	}

	var snap Snapshot
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &snap,
		WeaklyTypedInput: true,
		TagName:          "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeHookFunc(time.RFC3339Nano),
		),
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("building snapshot decoder: %w", err)
	}
	if err := dec.Decode(raw); err != nil {
		return Snapshot{}, fmt.Errorf("decoding snapshot into typed structs: %w", err)
	}
	return snap, nil
}

// Restorer is the minimal write surface Restore needs to repopulate a live
// registry and workload manager from a Snapshot. Nodes are restored first
// since workloads may reference them via AssignedNode. GetNode/GetWorkload
// back the collision check Restore performs before writing.
type Restorer interface {
	GetNode(structs.NodeId) (structs.RegisteredNode, bool)
	RestoreNode(structs.RegisteredNode) error
	GetWorkload(structs.WorkloadId) (structs.TrackedWorkload, bool)
	RestoreWorkload(structs.TrackedWorkload) error
}

// Restore replays snap into dst. It is additive only: an id already present
// in dst is reported as a collision rather than silently overwritten, since
// a restore is meant to run against an empty registry/manager pair
// (typically right after process start).
func Restore(snap Snapshot, dst Restorer) error {
	for _, n := range snap.Nodes {
		if _, ok := dst.GetNode(n.ID); ok {
			return fmt.Errorf("restoring node %q: already present", n.ID)
		}
		if err := dst.RestoreNode(n); err != nil {
			return fmt.Errorf("restoring node %q: %w", n.ID, err)
		}
	}
	for _, tw := range snap.Workloads {
		if _, ok := dst.GetWorkload(tw.ID); ok {
			return fmt.Errorf("restoring workload %q: already present", tw.ID)
		}
		if err := dst.RestoreWorkload(tw); err != nil {
			return fmt.Errorf("restoring workload %q: %w", tw.ID, err)
		}
	}
	return nil
}
