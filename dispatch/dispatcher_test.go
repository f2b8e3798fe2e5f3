// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuscheduler/gateway/registry"
	"github.com/gpuscheduler/gateway/structs"
	"github.com/gpuscheduler/gateway/workload"
)

func newDispatcher(t *testing.T) *Dispatcher {
	reg, err := registry.New(nil)
	require.NoError(t, err)
	wm, err := workload.New(nil)
	require.NoError(t, err)
	return New(reg, wm, Config{DefaultGraceSeconds: 10})
}

func gpuNode(cpu uint32, mem uint64, gpuCount int) structs.NodeCapabilities {
	var gpus []structs.GpuCapability
	for i := 0; i < gpuCount; i++ {
		gpus = append(gpus, structs.GpuCapability{Index: uint32(i), Name: "A100", Memory: 40960})
	}
	return structs.NodeCapabilities{CPUCores: cpu, Memory: mem, GPUs: gpus}
}

func TestSimpleDispatchScenario(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.RegisterNode("N", gpuNode(8, 16384, 2)))

	id, err := d.Submit(structs.WorkloadSpec{Image: "nginx:1", CPUCores: 2, Memory: 1024, GPUCount: 0})
	require.NoError(t, err)

	tw, ok := d.GetWorkload(id)
	require.True(t, ok)
	require.Equal(t, structs.WorkloadPending, tw.State)
	require.NotNil(t, tw.AssignedNode)
	require.Equal(t, structs.NodeId("N"), *tw.AssignedNode)

	_, err = d.DispatchToNode(id, "N")
	require.NoError(t, err)
	tw, _ = d.GetWorkload(id)
	require.Equal(t, structs.WorkloadStarting, tw.State)

	require.NoError(t, d.HandleWorkloadUpdate(id, structs.WorkloadRunning, ""))
	tw, _ = d.GetWorkload(id)
	require.Equal(t, structs.WorkloadRunning, tw.State)
}

func TestDeferredDispatchScenario(t *testing.T) {
	d := newDispatcher(t)

	id1, err := d.Submit(structs.WorkloadSpec{Image: "a", CPUCores: 2, Memory: 1024, GPUCount: 1})
	require.NoError(t, err)
	id2, err := d.Submit(structs.WorkloadSpec{Image: "b", CPUCores: 2, Memory: 1024, GPUCount: 1})
	require.NoError(t, err)

	require.ElementsMatch(t, []structs.WorkloadId{id1, id2}, d.ListPending())

	// One GPU per node: GPUs are the only resource counted as occupied, so
	// each node has room for exactly one of the two workloads.
	require.NoError(t, d.RegisterNode("N1", gpuNode(4, 4096, 1)))
	dispatched, err := d.TryDispatchPending()
	require.NoError(t, err)
	require.Len(t, dispatched, 1)

	remaining := d.ListPending()
	require.Len(t, remaining, 1)

	require.NoError(t, d.RegisterNode("N2", gpuNode(4, 4096, 1)))
	dispatched2, err := d.TryDispatchPending()
	require.NoError(t, err)
	require.Len(t, dispatched2, 1)
	require.Empty(t, d.ListPending())
}

func TestNodeDepartureFailsWorkloads(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.RegisterNode("N", gpuNode(8, 16384, 2)))

	w1, err := d.Submit(structs.WorkloadSpec{Image: "a", CPUCores: 1, Memory: 512})
	require.NoError(t, err)
	_, err = d.DispatchToNode(w1, "N")
	require.NoError(t, err)

	w2, err := d.Submit(structs.WorkloadSpec{Image: "b", CPUCores: 1, Memory: 512})
	require.NoError(t, err)
	_, err = d.DispatchToNode(w2, "N")
	require.NoError(t, err)
	require.NoError(t, d.HandleWorkloadUpdate(w2, structs.WorkloadRunning, ""))

	require.NoError(t, d.UnregisterNode("N"))

	tw1, _ := d.GetWorkload(w1)
	tw2, _ := d.GetWorkload(w2)
	require.Equal(t, structs.WorkloadFailed, tw1.State)
	require.Equal(t, structs.WorkloadFailed, tw2.State)
	require.Contains(t, tw1.Message, "node unregistered")

	_, err = d.DispatchToNode(w1, "N")
	require.Error(t, err)
	var off *structs.NodeOfflineError
	require.ErrorAs(t, err, &off)
}

func TestGPUTypeHintScenario(t *testing.T) {
	d := newDispatcher(t)
	a := structs.NodeCapabilities{CPUCores: 8, Memory: 16384, GPUs: []structs.GpuCapability{
		{Index: 0, Name: "RTX 4090"}, {Index: 1, Name: "RTX 4090"},
	}}
	b := structs.NodeCapabilities{CPUCores: 8, Memory: 16384, GPUs: []structs.GpuCapability{
		{Index: 0, Name: "A100"}, {Index: 1, Name: "A100"},
	}}
	require.NoError(t, d.RegisterNode("node-a", a))
	require.NoError(t, d.RegisterNode("node-b", b))

	id, err := d.Submit(structs.WorkloadSpec{Image: "x", GPUCount: 1, GpuTypeHint: "A100"})
	require.NoError(t, err)
	tw, _ := d.GetWorkload(id)
	require.Equal(t, structs.NodeId("node-b"), *tw.AssignedNode)
}

func TestTerminalFreezeScenario(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.RegisterNode("N", gpuNode(8, 16384, 0)))
	id, err := d.Submit(structs.WorkloadSpec{Image: "x", CPUCores: 1, Memory: 256})
	require.NoError(t, err)
	_, err = d.DispatchToNode(id, "N")
	require.NoError(t, err)
	require.NoError(t, d.HandleWorkloadUpdate(id, structs.WorkloadRunning, ""))
	require.NoError(t, d.HandleWorkloadUpdate(id, structs.WorkloadCompleted, ""))

	err = d.HandleWorkloadUpdate(id, structs.WorkloadFailed, "")
	require.Error(t, err)

	tw, _ := d.GetWorkload(id)
	require.Equal(t, structs.WorkloadCompleted, tw.State)
}

func TestCancelPending(t *testing.T) {
	d := newDispatcher(t)
	id, err := d.Submit(structs.WorkloadSpec{Image: "x", CPUCores: 1, Memory: 256})
	require.NoError(t, err)
	require.Contains(t, d.ListPending(), id)

	require.NoError(t, d.CancelPending(id))
	tw, _ := d.GetWorkload(id)
	require.Equal(t, structs.WorkloadFailed, tw.State)
	require.Equal(t, "canceled", tw.Message)
	require.NotContains(t, d.ListPending(), id)
}

func TestStopWorkloadRequiresStartingOrRunning(t *testing.T) {
	d := newDispatcher(t)
	id, err := d.Submit(structs.WorkloadSpec{Image: "x", CPUCores: 1, Memory: 256})
	require.NoError(t, err)

	_, err = d.StopWorkload(id, 5)
	require.Error(t, err)
	var cs *structs.CannotStopError
	require.ErrorAs(t, err, &cs)
}

func TestTryDispatchPendingIsIdempotent(t *testing.T) {
	d := newDispatcher(t)
	require.NoError(t, d.RegisterNode("N", gpuNode(4, 4096, 0)))
	_, err := d.Submit(structs.WorkloadSpec{Image: "a", CPUCores: 8, Memory: 1024})
	require.NoError(t, err) // doesn't fit, stays pending

	first, err := d.TryDispatchPending()
	require.NoError(t, err)
	require.Empty(t, first)

	second, err := d.TryDispatchPending()
	require.NoError(t, err)
	require.Empty(t, second)
}
