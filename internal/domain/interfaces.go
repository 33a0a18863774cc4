package domain

import (
	"context"
	"time"
)

// TimingResolver converts timing boundaries into concrete dates relative to
// the measurement period or a patient's index events. Pure, no I/O.
type TimingResolver interface {
	Resolve(fields TimingFields, period Period, indexEvents map[string]time.Time) (time.Time, error)
	ResolveWindow(window *TimingWindow, period Period, indexEvents map[string]time.Time) (Period, error)
	ResolveRequirement(req *TimingRequirement, period Period, indexEvents map[string]time.Time) (Period, error)
}

// Evaluator interprets a measure's criteria trees against one patient's
// facts, producing an auditable trace and a population classification.
type Evaluator interface {
	Evaluate(patient *Patient, spec *MeasureSpec) (*PatientValidationTrace, error)
}

// GeneratedCode is the output of one compilation: the code text for one
// target plus any non-fatal warnings raised while generating it.
type GeneratedCode struct {
	Format   TargetFormat `json:"format"`
	Code     string       `json:"code"`
	Warnings []string     `json:"warnings,omitempty"`
}

// Compiler translates a measure's criteria trees into executable code text
// for one target format, honoring per-component overrides.
type Compiler interface {
	Compile(spec *MeasureSpec, format TargetFormat, overrides OverrideLookup) (*GeneratedCode, error)
}

// OverrideLookup is the read side of the override store the compiler
// depends on. A nil lookup means no overrides.
type OverrideLookup interface {
	// Lookup returns the override for a component and format, or nil when
	// none exists.
	Lookup(measureID, componentID string, format TargetFormat) *CodeOverride
}

// CodeOverride is a manually-authored replacement for one component's
// generated code in one target format. Override state never leaks across
// formats.
type CodeOverride struct {
	MeasureID   string       `json:"measure_id"`
	ComponentID string       `json:"component_id"`
	Format      TargetFormat `json:"format"`
	Code        string       `json:"code"`
	IsLocked    bool         `json:"is_locked"`

	// OriginalGeneratedCode snapshots what the generator produced when the
	// override was first taken, for diffing in review tooling.
	OriginalGeneratedCode string `json:"original_generated_code,omitempty"`

	Notes     []OverrideNote `json:"notes,omitempty"`
	Version   int64          `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// OverrideNote is one append-only audit entry on an override. Edits without
// a note are rejected by the store.
type OverrideNote struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ComplexityFactors itemizes what contributed to a node's score.
type ComplexityFactors struct {
	TimingClauses int  `json:"timing_clauses"`
	Negations     int  `json:"negations"`
	EmptyCodeSets int  `json:"empty_code_sets"`
	AndOperators  int  `json:"and_operators"`
	NestingDepth  int  `json:"nesting_depth"`
	NeedsReview   bool `json:"needs_review"`
}

// ComplexityScore is the editorial-triage metric for one criteria node.
type ComplexityScore struct {
	Level   ComplexityLevel   `json:"level"`
	Score   int               `json:"score"`
	Factors ComplexityFactors `json:"factors"`
}

// ComplexityScorer computes the recursive complexity metric over a tree.
type ComplexityScorer interface {
	Score(node *CriteriaNode) ComplexityScore
}

// MeasureRepository persists canonical measure specifications.
type MeasureRepository interface {
	Save(ctx context.Context, spec *MeasureSpec) error
	GetByID(ctx context.Context, id string) (*MeasureSpec, error)
	List(ctx context.Context, limit, offset int) ([]*MeasureSpec, error)
	Delete(ctx context.Context, id string) error
}
