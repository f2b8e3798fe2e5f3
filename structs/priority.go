// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package structs

// PriorityClass is a named integer rank with an associated preemptibility
// flag. Higher Value preempts lower Value; Preemptible marks a class as
// always eligible as a preemption victim regardless of the requester's
// priority.
type PriorityClass struct {
	Name        string `json:"name"`
	Value       uint16 `json:"value"`
	Preemptible bool   `json:"preemptible"`
}

// Well-known priority classes, per spec §3.
var (
	PriorityClassSystemCritical = PriorityClass{Name: "system-critical", Value: 1000, Preemptible: false}
	PriorityClassHigh           = PriorityClass{Name: "high", Value: 750, Preemptible: false}
	PriorityClassDefault        = PriorityClass{Name: "default", Value: 500, Preemptible: false}
	PriorityClassLow            = PriorityClass{Name: "low", Value: 250, Preemptible: false}
	PriorityClassSpot           = PriorityClass{Name: "spot", Value: 100, Preemptible: true}
	PriorityClassPreemptible    = PriorityClass{Name: "preemptible", Value: 50, Preemptible: true}
)

// WellKnownPriorityClasses indexes the classes above by name for lookup when
// decoding a spec's priority_class field from its wire form.
var WellKnownPriorityClasses = map[string]PriorityClass{
	PriorityClassSystemCritical.Name: PriorityClassSystemCritical,
	PriorityClassHigh.Name:           PriorityClassHigh,
	PriorityClassDefault.Name:        PriorityClassDefault,
	PriorityClassLow.Name:            PriorityClassLow,
	PriorityClassSpot.Name:           PriorityClassSpot,
	PriorityClassPreemptible.Name:    PriorityClassPreemptible,
}

// LookupPriorityClass resolves a priority class by name, falling back to
// PriorityClassDefault for an empty name (an omitted priority_class on
// submit means "default").
func LookupPriorityClass(name string) (PriorityClass, bool) {
	if name == "" {
		return PriorityClassDefault, true
	}
	pc, ok := WellKnownPriorityClasses[name]
	return pc, ok
}
