package domain

import (
	"time"
)

// MatchedFact records one patient fact that satisfied a leaf criterion,
// captured for audit display.
type MatchedFact struct {
	Code    string     `json:"code"`
	System  string     `json:"system"`
	Display string     `json:"display,omitempty"`
	Date    time.Time  `json:"date"`
	Value   *float64   `json:"value,omitempty"`
	EndDate *time.Time `json:"end_date,omitempty"`
}

// ValidationNode is one node of the evaluation trace, isomorphic to the
// criteria tree it was produced from. Nodes are never mutated after the
// trace is returned.
type ValidationNode struct {
	NodeID   string           `json:"node_id"`
	Label    string           `json:"label,omitempty"`
	Status   ValidationStatus `json:"status"`
	Facts    []MatchedFact    `json:"facts,omitempty"`
	Children []ValidationNode `json:"children,omitempty"`

	// Diagnostic carries a configuration failure description when timing
	// could not be resolved; the node fails but the evaluation continues.
	Diagnostic string `json:"diagnostic,omitempty"`
}

// Passed reports whether the node's boolean result is a pass. Partial never
// contributes a pass by itself.
func (vn *ValidationNode) Passed() bool {
	return vn.Status == StatusPass
}

// PatientValidationTrace is the evaluator's output for one patient: one
// trace tree per evaluated population plus the final classification.
// Created fresh per evaluation call and safe to cache by
// (measure ID, patient ID, spec version).
type PatientValidationTrace struct {
	MeasureID   string    `json:"measure_id"`
	PatientID   string    `json:"patient_id"`
	SpecVersion string    `json:"spec_version,omitempty"`
	EvaluatedAt time.Time `json:"evaluated_at"`

	Populations map[PopulationType]*ValidationNode `json:"populations"`

	FinalOutcome FinalOutcome `json:"final_outcome"`

	// HowClose lists natural-language gap descriptions for patients who
	// reached the denominator but fell short of the numerator.
	HowClose []string `json:"how_close,omitempty"`

	// Diagnostics aggregates configuration problems encountered anywhere
	// in the walk, for callers that choose to treat them as fatal.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// HasConfigurationIssues reports whether any node failed due to a timing
// configuration defect rather than patient data.
func (t *PatientValidationTrace) HasConfigurationIssues() bool {
	return len(t.Diagnostics) > 0
}
