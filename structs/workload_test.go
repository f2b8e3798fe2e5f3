// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

import (
	"testing"

	"github.com/shoenig/test/must"
)

func TestWorkloadStateIsTerminal(t *testing.T) {
	for _, s := range []WorkloadState{WorkloadStopped, WorkloadCompleted, WorkloadFailed} {
		must.True(t, s.IsTerminal())
	}
	for _, s := range []WorkloadState{WorkloadPending, WorkloadStarting, WorkloadRunning, WorkloadStopping} {
		must.False(t, s.IsTerminal())
	}
}

func TestParseWorkloadStateUnknown(t *testing.T) {
	_, ok := ParseWorkloadState("zombie")
	must.False(t, ok)
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to WorkloadState
		want     bool
	}{
		{WorkloadPending, WorkloadStarting, true},
		{WorkloadPending, WorkloadFailed, true},
		{WorkloadPending, WorkloadRunning, false},
		{WorkloadStarting, WorkloadRunning, true},
		{WorkloadStarting, WorkloadStopping, true},
		{WorkloadRunning, WorkloadStopping, true},
		{WorkloadRunning, WorkloadCompleted, true},
		{WorkloadStopping, WorkloadStopped, true},
		{WorkloadStopped, WorkloadRunning, false},
		{WorkloadCompleted, WorkloadFailed, false},
	}
	for _, c := range cases {
		must.Eq(t, c.want, CanTransition(c.from, c.to))
	}
}

func TestNormalizeCanonicalizesEmptyCommand(t *testing.T) {
	s := WorkloadSpec{Image: "x", Command: []string{}}
	s.Normalize()
	must.Nil(t, s.Command)
}

func TestNormalizeDefaultsPriorityClass(t *testing.T) {
	s := WorkloadSpec{Image: "x"}
	s.Normalize()
	must.Eq(t, PriorityClassDefault, s.PriorityClass)
}

func TestValidateAllCatchesEveryViolation(t *testing.T) {
	s := WorkloadSpec{
		Image:    "",
		CPUCores: maxCPUCores + 1,
		Memory:   maxMemoryMiB + 1,
		GPUCount: maxGPUCount + 1,
		Env:      map[string]string{"1bad": "v"},
	}
	errs := s.ValidateAll()
	must.Len(t, 5, errs)
}

func TestValidateAcceptsWellFormedSpec(t *testing.T) {
	s := WorkloadSpec{
		Image:    "registry.example.com/app:v1",
		CPUCores: 4,
		Memory:   8192,
		GPUCount: 1,
		Env:      map[string]string{"FOO_BAR": "1"},
	}
	must.NoError(t, s.Validate())
}

func TestValidateRejectsWhitespaceImage(t *testing.T) {
	s := WorkloadSpec{Image: "bad image"}
	must.Error(t, s.Validate())
}

func TestTrackedWorkloadCloneIsIndependent(t *testing.T) {
	node := NodeId("node-a")
	tw := TrackedWorkload{
		ID:           "w1",
		AssignedNode: &node,
		GPUIndices:   []uint32{0, 1},
	}
	clone := tw.Clone()

	*clone.AssignedNode = "node-b"
	clone.GPUIndices[0] = 99

	must.Eq(t, NodeId("node-a"), *tw.AssignedNode)
	must.Eq(t, uint32(0), tw.GPUIndices[0])
}
