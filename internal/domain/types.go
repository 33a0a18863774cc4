// Package domain contains the canonical representation of a clinical quality
// measure: hierarchical boolean criteria over clinical facts, with timing and
// value-set constraints, consumed read-only by the evaluator and the code
// generator.
package domain

import (
	"errors"
	"fmt"
)

// PopulationType identifies which population gate a criteria tree belongs to.
type PopulationType string

const (
	InitialPopulation    PopulationType = "initial-population"
	Denominator          PopulationType = "denominator"
	DenominatorExclusion PopulationType = "denominator-exclusion"
	DenominatorException PopulationType = "denominator-exception"
	Numerator            PopulationType = "numerator"
	NumeratorExclusion   PopulationType = "numerator-exclusion"
)

// LogicalOperator combines child criteria within a clause.
type LogicalOperator string

const (
	OperatorAND LogicalOperator = "AND"
	OperatorOR  LogicalOperator = "OR"
	OperatorNOT LogicalOperator = "NOT"
)

// TimingOperator relates a fact's date to a resolved anchor or window.
type TimingOperator string

const (
	TimingDuring       TimingOperator = "during"
	TimingBeforeEnd    TimingOperator = "before end of"
	TimingAfterStart   TimingOperator = "after start of"
	TimingWithin       TimingOperator = "within"
	TimingStartsDuring TimingOperator = "starts during"
	TimingEndsDuring   TimingOperator = "ends during"
	TimingOverlaps     TimingOperator = "overlaps"
)

// TimingAnchor names the date source a timing constraint resolves against.
type TimingAnchor string

const (
	AnchorMeasurementPeriodStart TimingAnchor = "Measurement Period Start"
	AnchorMeasurementPeriodEnd   TimingAnchor = "Measurement Period End"
	AnchorEncounterStart         TimingAnchor = "Encounter Start"
	AnchorEncounterEnd           TimingAnchor = "Encounter End"
	AnchorDiagnosisDate          TimingAnchor = "Diagnosis Date"
	AnchorProcedureDate          TimingAnchor = "Procedure Date"
	AnchorDischargeDate          TimingAnchor = "Discharge Date"
	// AnchorIndexEvent resolves through the per-patient index event map,
	// e.g. IPSD (Index Prescription Start Date) for adherence measures.
	AnchorIndexEvent TimingAnchor = "Index Event"
)

// OffsetDirection shifts an anchor date backward or forward in time.
type OffsetDirection string

const (
	DirectionBefore OffsetDirection = "before"
	DirectionAfter  OffsetDirection = "after"
)

// OffsetUnit is the calendar unit of a timing offset.
type OffsetUnit string

const (
	UnitDays   OffsetUnit = "days"
	UnitWeeks  OffsetUnit = "weeks"
	UnitMonths OffsetUnit = "months"
	UnitYears  OffsetUnit = "years"
)

// Comparator is a numeric comparison for threshold checks.
type Comparator string

const (
	CompareGT Comparator = ">"
	CompareGE Comparator = ">="
	CompareLT Comparator = "<"
	CompareLE Comparator = "<="
	CompareEQ Comparator = "="
	CompareNE Comparator = "!="
)

// FactCategory selects which of a patient's fact lists an element reads.
type FactCategory string

const (
	FactDiagnosis    FactCategory = "diagnosis"
	FactEncounter    FactCategory = "encounter"
	FactProcedure    FactCategory = "procedure"
	FactObservation  FactCategory = "observation"
	FactMedication   FactCategory = "medication"
	FactImmunization FactCategory = "immunization"
	// FactDemographic covers pure threshold checks (age, sex) that carry
	// no code set at all.
	FactDemographic FactCategory = "demographic"
)

// ValidationStatus is the per-node result in an evaluation trace.
type ValidationStatus string

const (
	StatusPass          ValidationStatus = "pass"
	StatusFail          ValidationStatus = "fail"
	StatusNotApplicable ValidationStatus = "not_applicable"
	// StatusPartial marks an OR clause with mixed child results. It is a
	// display refinement only; clause pass/fail always comes from the
	// operator rule.
	StatusPartial ValidationStatus = "partial"
)

// FinalOutcome is the population classification for one patient.
type FinalOutcome string

const (
	OutcomeInNumerator     FinalOutcome = "in_numerator"
	OutcomeNotInNumerator  FinalOutcome = "not_in_numerator"
	OutcomeExcluded        FinalOutcome = "excluded"
	OutcomeNotInPopulation FinalOutcome = "not_in_population"
)

// ConfidenceLevel grades how certain upstream ingestion was about a parsed
// value set or element.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
	ConfidenceLow    ConfidenceLevel = "low"
)

// ReviewStatus tracks editorial review of a data element.
type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewAccepted ReviewStatus = "accepted"
	ReviewFlagged  ReviewStatus = "flagged"
)

// TargetFormat selects a code-generation target.
type TargetFormat string

const (
	FormatCQL TargetFormat = "clinical-expression-language"
	FormatSQL TargetFormat = "warehouse-sql"
)

// ComplexityLevel buckets a numeric complexity score for editorial triage.
type ComplexityLevel string

const (
	ComplexityLow    ComplexityLevel = "low"
	ComplexityMedium ComplexityLevel = "medium"
	ComplexityHigh   ComplexityLevel = "high"
)

// Sentinel validation errors shared across the model.
var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidPopulation = errors.New("invalid population type")
	ErrInvalidOperator   = errors.New("invalid logical operator")
	ErrInvalidComparator = errors.New("invalid comparator")
	ErrInvalidFormat     = errors.New("invalid target format")
)

// IsValid reports whether the population type is one of the six gates.
func (p PopulationType) IsValid() bool {
	switch p {
	case InitialPopulation, Denominator, DenominatorExclusion,
		DenominatorException, Numerator, NumeratorExclusion:
		return true
	default:
		return false
	}
}

func (p PopulationType) String() string {
	return string(p)
}

// IsValid reports whether the operator is AND, OR or NOT.
func (op LogicalOperator) IsValid() bool {
	switch op {
	case OperatorAND, OperatorOR, OperatorNOT:
		return true
	default:
		return false
	}
}

func (op LogicalOperator) String() string {
	return string(op)
}

// IsValid reports whether the timing operator is recognized.
func (op TimingOperator) IsValid() bool {
	switch op {
	case TimingDuring, TimingBeforeEnd, TimingAfterStart, TimingWithin,
		TimingStartsDuring, TimingEndsDuring, TimingOverlaps:
		return true
	default:
		return false
	}
}

// IsValid reports whether the anchor names a known date source.
func (a TimingAnchor) IsValid() bool {
	switch a {
	case AnchorMeasurementPeriodStart, AnchorMeasurementPeriodEnd,
		AnchorEncounterStart, AnchorEncounterEnd, AnchorDiagnosisDate,
		AnchorProcedureDate, AnchorDischargeDate, AnchorIndexEvent:
		return true
	default:
		return false
	}
}

// IsFactRelative reports whether the anchor's date comes from an individual
// patient fact rather than the measurement period or a named index event.
func (a TimingAnchor) IsFactRelative() bool {
	switch a {
	case AnchorEncounterStart, AnchorEncounterEnd, AnchorDiagnosisDate,
		AnchorProcedureDate, AnchorDischargeDate:
		return true
	default:
		return false
	}
}

// IsValid reports whether the direction is before or after.
func (d OffsetDirection) IsValid() bool {
	return d == DirectionBefore || d == DirectionAfter
}

// IsValid reports whether the unit is a known calendar unit.
func (u OffsetUnit) IsValid() bool {
	switch u {
	case UnitDays, UnitWeeks, UnitMonths, UnitYears:
		return true
	default:
		return false
	}
}

// IsValid reports whether the comparator is one of the six forms.
func (c Comparator) IsValid() bool {
	switch c {
	case CompareGT, CompareGE, CompareLT, CompareLE, CompareEQ, CompareNE:
		return true
	default:
		return false
	}
}

// Compare applies the comparator to an observed value and a bound.
func (c Comparator) Compare(observed, bound float64) (bool, error) {
	switch c {
	case CompareGT:
		return observed > bound, nil
	case CompareGE:
		return observed >= bound, nil
	case CompareLT:
		return observed < bound, nil
	case CompareLE:
		return observed <= bound, nil
	case CompareEQ:
		return observed == bound, nil
	case CompareNE:
		return observed != bound, nil
	default:
		return false, fmt.Errorf("comparator %q: %w", string(c), ErrInvalidComparator)
	}
}

// IsValid reports whether the category names a patient fact list.
func (fc FactCategory) IsValid() bool {
	switch fc {
	case FactDiagnosis, FactEncounter, FactProcedure, FactObservation,
		FactMedication, FactImmunization, FactDemographic:
		return true
	default:
		return false
	}
}

// IsValid reports whether the status is a recognized trace status.
func (s ValidationStatus) IsValid() bool {
	switch s {
	case StatusPass, StatusFail, StatusNotApplicable, StatusPartial:
		return true
	default:
		return false
	}
}

// IsValid reports whether the outcome is one of the four classifications.
func (o FinalOutcome) IsValid() bool {
	switch o {
	case OutcomeInNumerator, OutcomeNotInNumerator, OutcomeExcluded,
		OutcomeNotInPopulation:
		return true
	default:
		return false
	}
}

func (o FinalOutcome) String() string {
	return string(o)
}

// LogFields returns structured logging fields for audit trails.
func (o FinalOutcome) LogFields() map[string]any {
	return map[string]any{
		"final_outcome": string(o),
		"in_numerator":  o == OutcomeInNumerator,
		"is_valid":      o.IsValid(),
	}
}

// IsValid reports whether the format is a supported generation target.
func (f TargetFormat) IsValid() bool {
	return f == FormatCQL || f == FormatSQL
}

func (f TargetFormat) String() string {
	return string(f)
}

// IsValid reports whether the level is a recognized bucket.
func (l ComplexityLevel) IsValid() bool {
	switch l {
	case ComplexityLow, ComplexityMedium, ComplexityHigh:
		return true
	default:
		return false
	}
}

// IsValid reports whether the confidence level is recognized.
func (c ConfidenceLevel) IsValid() bool {
	switch c {
	case ConfidenceHigh, ConfidenceMedium, ConfidenceLow:
		return true
	default:
		return false
	}
}
