// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuscheduler/gateway/structs"
)

func caps(cpu uint32, mem uint64, gpus ...structs.GpuCapability) structs.NodeCapabilities {
	return structs.NodeCapabilities{CPUCores: cpu, Memory: mem, GPUs: gpus}
}

func TestRegisterAndGet(t *testing.T) {
	r, err := New(nil)
	require.NoError(t, err)

	id := structs.NodeId("node-a")
	err = r.Register(id, caps(8, 16384))
	require.NoError(t, err)

	got, ok := r.Get(id)
	require.True(t, ok)
	require.Equal(t, id, got.ID)
	require.False(t, got.RegisteredAt.IsZero())
	require.Equal(t, got.RegisteredAt, got.LastHeartbeat)
}

func TestRegisterDuplicateFails(t *testing.T) {
	r, _ := New(nil)
	id := structs.NodeId("node-a")
	require.NoError(t, r.Register(id, caps(8, 16384)))

	err := r.Register(id, caps(4, 8192))
	require.Error(t, err)
	var dup *structs.AlreadyRegisteredError
	require.ErrorAs(t, err, &dup)
	require.Equal(t, id, dup.ID)
}

func TestUnregisterNotFound(t *testing.T) {
	r, _ := New(nil)
	err := r.Unregister(structs.NodeId("ghost"))
	require.Error(t, err)
	var nf *structs.NodeNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestHeartbeatUpdatesTimestamp(t *testing.T) {
	r, _ := New(nil)
	id := structs.NodeId("node-a")
	require.NoError(t, r.Register(id, caps(8, 16384)))

	before, _ := r.Get(id)
	require.NoError(t, r.Heartbeat(id))
	after, ok := r.Get(id)
	require.True(t, ok)
	require.True(t, !after.LastHeartbeat.Before(before.LastHeartbeat))
	require.Equal(t, before.RegisteredAt, after.RegisteredAt)
}

func TestHeartbeatNotFound(t *testing.T) {
	r, _ := New(nil)
	err := r.Heartbeat(structs.NodeId("ghost"))
	require.Error(t, err)
	var nf *structs.NodeNotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestListOrderedByNodeId(t *testing.T) {
	r, _ := New(nil)
	for _, id := range []string{"c", "a", "b"} {
		require.NoError(t, r.Register(structs.NodeId(id), caps(1, 1024)))
	}
	nodes, err := r.List()
	require.NoError(t, err)
	require.Len(t, nodes, 3)
	require.Equal(t, []structs.NodeId{"a", "b", "c"}, []structs.NodeId{nodes[0].ID, nodes[1].ID, nodes[2].ID})
}

func TestFindByGPUSubstring(t *testing.T) {
	r, _ := New(nil)
	require.NoError(t, r.Register("a100-node", caps(8, 16384, structs.GpuCapability{Index: 0, Name: "NVIDIA A100"})))
	require.NoError(t, r.Register("4090-node", caps(8, 16384, structs.GpuCapability{Index: 0, Name: "NVIDIA RTX 4090"})))

	matches, err := r.FindByGPU("A100")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.Equal(t, structs.NodeId("a100-node"), matches[0].ID)

	none, err := r.FindByGPU("H100")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestUnregisterRemovesNode(t *testing.T) {
	r, _ := New(nil)
	id := structs.NodeId("node-a")
	require.NoError(t, r.Register(id, caps(8, 16384)))
	require.NoError(t, r.Unregister(id))

	_, ok := r.Get(id)
	require.False(t, ok)
}
