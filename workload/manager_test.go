// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package workload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/gpuscheduler/gateway/structs"
)

func validSpec() structs.WorkloadSpec {
	return structs.WorkloadSpec{
		Image:    "nginx:1.25",
		CPUCores: 2,
		Memory:   1024,
		GPUCount: 0,
	}
}

func TestSubmitAssignsDefaultsAndValidates(t *testing.T) {
	m, err := New(nil)
	require.NoError(t, err)

	id, err := m.Submit(validSpec())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	tw, ok := m.Get(id)
	require.True(t, ok)
	require.Equal(t, structs.WorkloadPending, tw.State)
	require.Nil(t, tw.AssignedNode)
	require.Equal(t, structs.PriorityClassDefault, tw.Spec.PriorityClass)
}

func TestSubmitEmptyCommandCanonicalizedToNil(t *testing.T) {
	m, _ := New(nil)
	spec := validSpec()
	spec.Command = []string{}
	id, err := m.Submit(spec)
	require.NoError(t, err)
	tw, _ := m.Get(id)
	require.Nil(t, tw.Spec.Command)
}

func TestSubmitValidationFailures(t *testing.T) {
	m, _ := New(nil)

	cases := []struct {
		name string
		spec structs.WorkloadSpec
	}{
		{"empty image", structs.WorkloadSpec{Image: ""}},
		{"whitespace image", structs.WorkloadSpec{Image: "my image:1"}},
		{"cpu too big", structs.WorkloadSpec{Image: "x", CPUCores: 2000}},
		{"memory too big", structs.WorkloadSpec{Image: "x", Memory: 2 << 20}},
		{"gpu too big", structs.WorkloadSpec{Image: "x", GPUCount: 100}},
		{"bad env key", structs.WorkloadSpec{Image: "x", Env: map[string]string{"1BAD": "v"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Submit(tc.spec)
			require.Error(t, err)
			var ve *structs.ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestAssignToNodeRequiresPendingAndUnassigned(t *testing.T) {
	m, _ := New(nil)
	id, _ := m.Submit(validSpec())

	require.NoError(t, m.AssignToNode(id, "node-a", nil))
	tw, _ := m.Get(id)
	require.NotNil(t, tw.AssignedNode)
	require.Equal(t, structs.NodeId("node-a"), *tw.AssignedNode)
	require.Equal(t, structs.WorkloadPending, tw.State) // state unchanged

	// Second assignment must fail: already assigned.
	err := m.AssignToNode(id, "node-b", nil)
	require.Error(t, err)
}

func TestStateMachineTransitions(t *testing.T) {
	m, _ := New(nil)
	id, _ := m.Submit(validSpec())
	require.NoError(t, m.AssignToNode(id, "node-a", nil))

	require.NoError(t, m.UpdateState(id, structs.WorkloadStarting, ""))
	require.NoError(t, m.UpdateState(id, structs.WorkloadRunning, ""))
	require.NoError(t, m.UpdateState(id, structs.WorkloadStopping, ""))
	require.NoError(t, m.UpdateState(id, structs.WorkloadStopped, ""))

	tw, _ := m.Get(id)
	require.Equal(t, structs.WorkloadStopped, tw.State)
}

func TestInvalidTransitionRejected(t *testing.T) {
	m, _ := New(nil)
	id, _ := m.Submit(validSpec())

	err := m.UpdateState(id, structs.WorkloadRunning, "")
	require.Error(t, err)
	var it *structs.InvalidTransitionError
	require.ErrorAs(t, err, &it)
	require.Equal(t, structs.WorkloadPending, it.From)
	require.Equal(t, structs.WorkloadRunning, it.To)
}

func TestTerminalStateFreezesAssignedNode(t *testing.T) {
	m, _ := New(nil)
	id, _ := m.Submit(validSpec())
	require.NoError(t, m.AssignToNode(id, "node-a", nil))
	require.NoError(t, m.UpdateState(id, structs.WorkloadStarting, ""))
	require.NoError(t, m.UpdateState(id, structs.WorkloadRunning, ""))
	require.NoError(t, m.UpdateState(id, structs.WorkloadCompleted, ""))

	err := m.UpdateState(id, structs.WorkloadFailed, "")
	require.Error(t, err)
	var it *structs.InvalidTransitionError
	require.ErrorAs(t, err, &it)

	tw, _ := m.Get(id)
	require.Equal(t, structs.WorkloadCompleted, tw.State)
	require.NotNil(t, tw.AssignedNode)
	require.Equal(t, structs.NodeId("node-a"), *tw.AssignedNode)
}

func TestListByStateAndNode(t *testing.T) {
	m, _ := New(nil)
	id1, _ := m.Submit(validSpec())
	id2, _ := m.Submit(validSpec())
	require.NoError(t, m.AssignToNode(id1, "node-a", nil))

	pending, err := m.ListByState(structs.WorkloadPending)
	require.NoError(t, err)
	require.Len(t, pending, 2)

	onNode, err := m.ListByNode("node-a")
	require.NoError(t, err)
	require.Len(t, onNode, 1)
	require.Equal(t, id1, onNode[0].ID)

	_ = id2
}

func TestUpdateStateUnknownWorkload(t *testing.T) {
	m, _ := New(nil)
	err := m.UpdateState("ghost", structs.WorkloadRunning, "")
	require.Error(t, err)
	var nf *structs.WorkloadNotFoundError
	require.ErrorAs(t, err, &nf)
}
