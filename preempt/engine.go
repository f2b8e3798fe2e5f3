// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

// Package preempt implements the preemption core described in spec.md §4.5:
// victim selection and eviction of lower-priority workloads to free
// resources for a higher-priority request. Preemption is always an explicit
// request, never a scheduler side-effect (spec §9's design note).
package preempt

import (
	"sort"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/gpuscheduler/gateway/dispatch"
	"github.com/gpuscheduler/gateway/structs"
)

const historyCapacity = 64

// EvictionHandler delivers the actual eviction directive to a victim's node
// and reports whether it was accepted. The dispatcher implements the parts
// of this the engine needs (state transition); message delivery to the
// physical node is the out-of-scope transport layer (spec §1), so callers
// in this repo's tests use a stub.
type EvictionHandler interface {
	// Evict asks the node hosting workloadID to stop it with the given
	// grace period and eviction reason. The engine calls this after the
	// workload's state has already moved Running -> Stopping via the
	// dispatcher; a real implementation sends structs.EvictWorkload.
	Evict(workloadID structs.WorkloadId, reason string, graceSeconds uint32) error
}

// Engine selects and executes preemption plans. It consumes a snapshot of
// workloads from the workload manager (via the dispatcher) and returns a
// victim set to the caller; it never places anything itself.
type Engine struct {
	dispatcher   *dispatch.Dispatcher
	handler      EvictionHandler
	log          hclog.Logger
	graceSeconds uint32

	history []structs.EvictionResult
}

// New constructs an Engine over a Dispatcher (for workload snapshots and
// Running->Stopping transitions) and an EvictionHandler (for delivering the
// eviction directive to the node).
func New(d *dispatch.Dispatcher, handler EvictionHandler, log hclog.Logger, graceSeconds uint32) *Engine {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Engine{dispatcher: d, handler: handler, log: log.Named("preempt"), graceSeconds: graceSeconds}
}

// candidates returns every currently-Running, preemptible, non-terminal
// workload as a PreemptionCandidate, per spec §4.5's definition of C. A
// system-critical workload is never preemptible regardless of the
// requester's priority: it is excluded by name before the value comparison.
func (e *Engine) candidates(requester structs.PriorityClass) ([]structs.PreemptionCandidate, error) {
	all, err := e.dispatcher.Workload().All()
	if err != nil {
		return nil, err
	}

	var out []structs.PreemptionCandidate
	for _, w := range all {
		if w.State != structs.WorkloadRunning {
			continue
		}
		pc := w.Spec.PriorityClass
		if pc.Name == structs.PriorityClassSystemCritical.Name {
			continue
		}
		eligible := pc.Preemptible || pc.Value < requester.Value
		if !eligible {
			continue
		}
		out = append(out, structs.PreemptionCandidate{
			WorkloadID:     w.ID,
			PriorityClass:  pc,
			Resources:      structs.ResourceAmount{GPUs: w.Spec.GPUCount, Memory: w.Spec.Memory},
			State:          w.State,
			StartedAt:      w.LastTransitionAt,
			PreemptionCost: preemptionCost(w),
		})
	}
	return out, nil
}

// preemptionCost is a placeholder cost function for candidates whose actual
// agent-reported cost isn't available in this snapshot (e.g. in tests that
// build TrackedWorkload directly). A real agent reports this; absent a
// report the engine falls back to priority value as a proxy for lost work.
func preemptionCost(w structs.TrackedWorkload) float64 {
	return float64(w.Spec.PriorityClass.Value)
}

// RequestPreemption selects victims covering need, per the sort in spec
// §4.5: priority_class.value ascending, preemption_cost ascending,
// started_at descending, WorkloadId tie-break.
func (e *Engine) RequestPreemption(need structs.ResourceAmount, requesterPriority structs.PriorityClass) (structs.EvictionPlan, error) {
	candidates, err := e.candidates(requesterPriority)
	if err != nil {
		return structs.EvictionPlan{}, err
	}
	if len(candidates) == 0 {
		return structs.EvictionPlan{}, &structs.PreemptionNotAllowedError{Reason: "no eligible victims found"}
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.PriorityClass.Value != b.PriorityClass.Value {
			return a.PriorityClass.Value < b.PriorityClass.Value
		}
		if a.PreemptionCost != b.PreemptionCost {
			return a.PreemptionCost < b.PreemptionCost
		}
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.After(b.StartedAt) // newer first
		}
		return a.WorkloadID < b.WorkloadID
	})

	var freed structs.ResourceAmount
	var victims []structs.PreemptionCandidate
	for _, c := range candidates {
		if freed.Covers(need) {
			break
		}
		victims = append(victims, c)
		freed = freed.Add(c.Resources)
	}

	plan := structs.EvictionPlan{Victims: victims, Freed: freed, Satisfies: freed.Covers(need)}
	if !plan.Satisfies {
		return plan, &structs.InsufficientResourcesError{
			NeedGPUs: need.GPUs, NeedMemory: need.Memory,
			AvailGPUs: freed.GPUs, AvailMemory: freed.Memory,
		}
	}
	return plan, nil
}

// Evict executes plan: each victim is transitioned Running -> Stopping via
// the dispatcher's workload manager and sent an eviction directive through
// handler. A victim that's no longer Running (raced with natural
// completion) is a silent skip, per spec §4.5. Per-victim failures are
// aggregated, not fatal to the whole plan.
func (e *Engine) Evict(plan structs.EvictionPlan) structs.EvictionResult {
	result := structs.EvictionResult{Plan: plan, Timestamp: time.Now()}
	var merr *multierror.Error

	for _, victim := range plan.Victims {
		outcome := structs.EvictionOutcome{WorkloadID: victim.WorkloadID}

		tw, ok := e.dispatcher.GetWorkload(victim.WorkloadID)
		if !ok || tw.State != structs.WorkloadRunning {
			outcome.Succeeded = true // silent skip
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		if _, err := e.dispatcher.StopWorkload(victim.WorkloadID, e.graceSeconds); err != nil {
			outcome.Err = err
			merr = multierror.Append(merr, err)
			result.Outcomes = append(result.Outcomes, outcome)
			continue
		}

		if e.handler != nil {
			if err := e.handler.Evict(victim.WorkloadID, "preemption", e.graceSeconds); err != nil {
				outcome.Err = err
				merr = multierror.Append(merr, err)
				result.Outcomes = append(result.Outcomes, outcome)
				continue
			}
		}

		outcome.Succeeded = true
		result.Outcomes = append(result.Outcomes, outcome)
	}

	_ = merr // individual outcomes already carry per-victim errors
	e.recordHistory(result)
	e.log.Info("eviction executed", "victim_count", len(plan.Victims))
	return result
}

func (e *Engine) recordHistory(result structs.EvictionResult) {
	e.history = append(e.history, result)
	if len(e.history) > historyCapacity {
		e.history = e.history[len(e.history)-historyCapacity:]
	}
}

// History returns the most recent limit eviction results, newest last.
// Bounded in-memory only (SPEC_FULL.md supplement); not persisted.
func (e *Engine) History(limit int) []structs.EvictionResult {
	if limit <= 0 || limit > len(e.history) {
		limit = len(e.history)
	}
	return append([]structs.EvictionResult(nil), e.history[len(e.history)-limit:]...)
}
