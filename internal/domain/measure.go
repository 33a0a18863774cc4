package domain

import (
	"errors"
	"fmt"
	"time"
)

// CodeReference is a single clinical code with its code system.
type CodeReference struct {
	Code    string `json:"code" validate:"required"`
	System  string `json:"system" validate:"required"`
	Display string `json:"display,omitempty"`
}

// ValueSetReference is a named, optionally-versioned collection of clinical
// codes, supplied pre-resolved by an external terminology collaborator.
type ValueSetReference struct {
	ID         string          `json:"id"`
	Name       string          `json:"name" validate:"required"`
	OID        string          `json:"oid,omitempty"`
	Version    string          `json:"version,omitempty"`
	Codes      []CodeReference `json:"codes"`
	Confidence ConfidenceLevel `json:"confidence,omitempty"`
	Verified   bool            `json:"verified"`
}

// IsEmpty reports whether the value set resolved to zero codes. Empty sets
// are a generation warning, not an error.
func (vs *ValueSetReference) IsEmpty() bool {
	return len(vs.Codes) == 0
}

// TimingFields is the payload of one timing boundary: how a fact's date
// relates to an anchor, with an optional value+unit+direction offset.
type TimingFields struct {
	Operator    TimingOperator  `json:"operator"`
	Anchor      TimingAnchor    `json:"anchor"`
	IndexEvent  string          `json:"index_event,omitempty"`
	OffsetValue *int            `json:"offset_value,omitempty"`
	OffsetUnit  OffsetUnit      `json:"offset_unit,omitempty"`
	Direction   OffsetDirection `json:"direction,omitempty"`
}

// Validate enforces the both-or-neither offset invariant and anchor sanity.
// Partial offsets are rejected here rather than guessed at resolution time.
func (tf *TimingFields) Validate() error {
	if !tf.Operator.IsValid() {
		return fmt.Errorf("timing validation: invalid operator %q", string(tf.Operator))
	}
	if !tf.Anchor.IsValid() {
		return fmt.Errorf("timing validation: invalid anchor %q", string(tf.Anchor))
	}
	if tf.Anchor == AnchorIndexEvent && tf.IndexEvent == "" {
		return fmt.Errorf("timing validation: %w", errors.New("index event anchor requires an event name"))
	}
	if (tf.OffsetValue != nil) != (tf.OffsetUnit != "") {
		return fmt.Errorf("timing validation: %w", errors.New("offset value and unit must both be set or both be absent"))
	}
	if tf.OffsetValue != nil {
		if !tf.OffsetUnit.IsValid() {
			return fmt.Errorf("timing validation: invalid offset unit %q", string(tf.OffsetUnit))
		}
		if !tf.Direction.IsValid() {
			return fmt.Errorf("timing validation: %w", errors.New("offset requires a direction"))
		}
		if *tf.OffsetValue < 0 {
			return fmt.Errorf("timing validation: %w", errors.New("offset value must not be negative"))
		}
	}
	return nil
}

// TimingModification is a layered edit on top of a parsed timing boundary.
// The original parsed value stays immutable underneath.
type TimingModification struct {
	Fields     TimingFields `json:"fields"`
	ModifiedAt time.Time    `json:"modified_at"`
	ModifiedBy string       `json:"modified_by"`
}

// TimingConstraint is one timing boundary with its override record. The
// effective value is the modification when present, else the original.
type TimingConstraint struct {
	ID       string              `json:"id"`
	Original TimingFields        `json:"original"`
	Modified *TimingModification `json:"modified,omitempty"`
}

// Effective returns the modification when one is layered on, else the
// original parsed fields.
func (tc *TimingConstraint) Effective() TimingFields {
	if tc.Modified != nil {
		return tc.Modified.Fields
	}
	return tc.Original
}

// Validate checks both the original and any layered modification.
func (tc *TimingConstraint) Validate() error {
	if err := tc.Original.Validate(); err != nil {
		return fmt.Errorf("constraint %s original: %w", tc.ID, err)
	}
	if tc.Modified != nil {
		if err := tc.Modified.Fields.Validate(); err != nil {
			return fmt.Errorf("constraint %s modification: %w", tc.ID, err)
		}
		if tc.Modified.ModifiedBy == "" {
			return fmt.Errorf("constraint %s modification: %w", tc.ID, errors.New("modified_by is required"))
		}
	}
	return nil
}

// TimingWindow pairs two boundaries for "from X through Y" patterns. The
// resolved end must not precede the resolved start; the resolver enforces
// that once concrete dates are known.
type TimingWindow struct {
	ID    string           `json:"id"`
	Start TimingConstraint `json:"start"`
	End   TimingConstraint `json:"end"`
}

// Validate checks both boundaries.
func (tw *TimingWindow) Validate() error {
	if err := tw.Start.Validate(); err != nil {
		return fmt.Errorf("window %s start: %w", tw.ID, err)
	}
	if err := tw.End.Validate(); err != nil {
		return fmt.Errorf("window %s end: %w", tw.ID, err)
	}
	return nil
}

// TimingRequirement is either a single boundary or a window; exactly one
// side is set.
type TimingRequirement struct {
	Constraint *TimingConstraint `json:"constraint,omitempty"`
	Window     *TimingWindow     `json:"window,omitempty"`
}

// Validate enforces the exactly-one invariant.
func (tr *TimingRequirement) Validate() error {
	if (tr.Constraint == nil) == (tr.Window == nil) {
		return errors.New("timing requirement: exactly one of constraint or window must be set")
	}
	if tr.Constraint != nil {
		return tr.Constraint.Validate()
	}
	return tr.Window.Validate()
}

// Threshold is a numeric bound on an observed value. A threshold may carry
// its own code set; an element whose thresholds each carry codes is a
// paired-observation check (e.g. same-day SBP and DBP readings).
type Threshold struct {
	Label      string          `json:"label,omitempty"`
	Codes      []CodeReference `json:"codes,omitempty"`
	Comparator Comparator      `json:"comparator"`
	Value      float64         `json:"value"`
	Unit       string          `json:"unit,omitempty"`
}

// Validate checks the comparator.
func (t *Threshold) Validate() error {
	if !t.Comparator.IsValid() {
		return fmt.Errorf("threshold %q: %w", t.Label, ErrInvalidComparator)
	}
	return nil
}

// AdherenceRequirement describes a medication-adherence rate: cumulative
// days supply within a fixed window from an index event, compared against a
// required threshold.
type AdherenceRequirement struct {
	IndexEvent         string     `json:"index_event"`
	WindowDays         int        `json:"window_days"`
	Comparator         Comparator `json:"comparator"`
	RequiredDaysSupply float64    `json:"required_days_supply"`
}

// Validate checks the adherence parameters.
func (a *AdherenceRequirement) Validate() error {
	if a.IndexEvent == "" {
		return errors.New("adherence requirement: index event is required")
	}
	if a.WindowDays <= 0 {
		return errors.New("adherence requirement: window must be positive")
	}
	if !a.Comparator.IsValid() {
		return fmt.Errorf("adherence requirement: %w", ErrInvalidComparator)
	}
	return nil
}

// DataElement is a leaf criterion: a code-set membership check on one fact
// category, optionally constrained by timing windows, thresholds and
// negation.
type DataElement struct {
	ID                 string                `json:"id" validate:"required"`
	Label              string                `json:"label,omitempty"`
	Category           FactCategory          `json:"category" validate:"required"`
	ValueSet           *ValueSetReference    `json:"value_set,omitempty"`
	ValueSets          []ValueSetReference   `json:"value_sets,omitempty"`
	DirectCodes        []CodeReference       `json:"direct_codes,omitempty"`
	Thresholds         []Threshold           `json:"thresholds,omitempty"`
	TimingRequirements []TimingRequirement   `json:"timing_requirements,omitempty"`
	Adherence          *AdherenceRequirement `json:"adherence,omitempty"`
	Negation           bool                  `json:"negation"`
	Confidence         ConfidenceLevel       `json:"confidence,omitempty"`
	ReviewStatus       ReviewStatus          `json:"review_status,omitempty"`
}

// CodeSet returns the union of the element's value sets and direct codes.
func (de *DataElement) CodeSet() []CodeReference {
	var codes []CodeReference
	if de.ValueSet != nil {
		codes = append(codes, de.ValueSet.Codes...)
	}
	for i := range de.ValueSets {
		codes = append(codes, de.ValueSets[i].Codes...)
	}
	codes = append(codes, de.DirectCodes...)
	return codes
}

// ValueSetRefs returns every value set the element references, in order.
func (de *DataElement) ValueSetRefs() []ValueSetReference {
	var refs []ValueSetReference
	if de.ValueSet != nil {
		refs = append(refs, *de.ValueSet)
	}
	refs = append(refs, de.ValueSets...)
	return refs
}

// IsPairedObservation reports whether the element is a paired-observation
// check: at least two thresholds, each carrying its own code set.
func (de *DataElement) IsPairedObservation() bool {
	if len(de.Thresholds) < 2 {
		return false
	}
	for i := range de.Thresholds {
		if len(de.Thresholds[i].Codes) == 0 {
			return false
		}
	}
	return true
}

// Validate ensures the element can be evaluated. A pure threshold or
// demographic check may omit codes; everything else must name at least one
// value set or direct code.
func (de *DataElement) Validate() error {
	if de.ID == "" {
		return fmt.Errorf("data element validation: %w", errors.New("ID is required"))
	}
	if !de.Category.IsValid() {
		return fmt.Errorf("data element %s: invalid fact category %q", de.ID, string(de.Category))
	}
	pureCheck := de.Category == FactDemographic || len(de.Thresholds) > 0
	if !pureCheck && de.ValueSet == nil && len(de.ValueSets) == 0 && len(de.DirectCodes) == 0 {
		return fmt.Errorf("data element %s: %w", de.ID,
			errors.New("at least one of value set, value sets or direct codes is required"))
	}
	for i := range de.Thresholds {
		if err := de.Thresholds[i].Validate(); err != nil {
			return fmt.Errorf("data element %s: %w", de.ID, err)
		}
	}
	for i := range de.TimingRequirements {
		if err := de.TimingRequirements[i].Validate(); err != nil {
			return fmt.Errorf("data element %s: %w", de.ID, err)
		}
	}
	if de.Adherence != nil {
		if err := de.Adherence.Validate(); err != nil {
			return fmt.Errorf("data element %s: %w", de.ID, err)
		}
	}
	return nil
}

// SiblingConnection overrides the clause's default operator for one specific
// pair of children. Pairs are keyed by child IDs so reordering children never
// silently rebinds an override.
type SiblingConnection struct {
	FromID   string          `json:"from_id"`
	ToID     string          `json:"to_id"`
	Operator LogicalOperator `json:"operator"`
}

// LogicalClause is an interior node combining children under a default
// operator, with optional per-pair overrides.
type LogicalClause struct {
	ID                 string              `json:"id" validate:"required"`
	Label              string              `json:"label,omitempty"`
	Operator           LogicalOperator     `json:"operator" validate:"required"`
	Children           []CriteriaNode      `json:"children"`
	SiblingConnections []SiblingConnection `json:"sibling_connections,omitempty"`
}

// PairOperator returns the effective operator between two adjacent children,
// identified by ID. Lookup is order-insensitive; unlisted pairs use the
// clause default.
func (lc *LogicalClause) PairOperator(fromID, toID string) LogicalOperator {
	for _, sc := range lc.SiblingConnections {
		if (sc.FromID == fromID && sc.ToID == toID) || (sc.FromID == toID && sc.ToID == fromID) {
			return sc.Operator
		}
	}
	return lc.Operator
}

// Validate checks the clause and recurses into children. A NOT clause takes
// exactly one child; a sibling pair may be overridden at most once.
func (lc *LogicalClause) Validate() error {
	if lc.ID == "" {
		return fmt.Errorf("logical clause validation: %w", errors.New("ID is required"))
	}
	if !lc.Operator.IsValid() {
		return fmt.Errorf("logical clause %s: %w", lc.ID, ErrInvalidOperator)
	}
	if lc.Operator == OperatorNOT && len(lc.Children) != 1 {
		return fmt.Errorf("logical clause %s: %w", lc.ID, errors.New("NOT takes exactly one child"))
	}
	if len(lc.Children) == 0 {
		return fmt.Errorf("logical clause %s: %w", lc.ID, errors.New("at least one child is required"))
	}
	seen := make(map[[2]string]bool, len(lc.SiblingConnections))
	for _, sc := range lc.SiblingConnections {
		if !sc.Operator.IsValid() || sc.Operator == OperatorNOT {
			return fmt.Errorf("logical clause %s: sibling override %s-%s: %w",
				lc.ID, sc.FromID, sc.ToID, ErrInvalidOperator)
		}
		key := [2]string{sc.FromID, sc.ToID}
		if sc.ToID < sc.FromID {
			key = [2]string{sc.ToID, sc.FromID}
		}
		if seen[key] {
			return fmt.Errorf("logical clause %s: %w", lc.ID,
				fmt.Errorf("duplicate sibling override for pair %s-%s", sc.FromID, sc.ToID))
		}
		seen[key] = true
	}
	for i := range lc.Children {
		if err := lc.Children[i].Validate(); err != nil {
			return fmt.Errorf("logical clause %s: %w", lc.ID, err)
		}
	}
	return nil
}

// CriteriaNode is the tagged union of the criteria grammar: exactly one of
// Leaf or Clause is set, so tree walks are exhaustive by construction.
type CriteriaNode struct {
	Leaf   *DataElement   `json:"leaf,omitempty"`
	Clause *LogicalClause `json:"clause,omitempty"`
}

// IsLeaf reports whether the node is a data element.
func (cn *CriteriaNode) IsLeaf() bool {
	return cn.Leaf != nil
}

// NodeID returns the ID of whichever variant is set.
func (cn *CriteriaNode) NodeID() string {
	if cn.Leaf != nil {
		return cn.Leaf.ID
	}
	if cn.Clause != nil {
		return cn.Clause.ID
	}
	return ""
}

// Label returns the display label of whichever variant is set.
func (cn *CriteriaNode) Label() string {
	if cn.Leaf != nil {
		if cn.Leaf.Label != "" {
			return cn.Leaf.Label
		}
		return cn.Leaf.ID
	}
	if cn.Clause != nil {
		if cn.Clause.Label != "" {
			return cn.Clause.Label
		}
		return cn.Clause.ID
	}
	return ""
}

// Validate enforces the exactly-one invariant and recurses.
func (cn *CriteriaNode) Validate() error {
	if (cn.Leaf == nil) == (cn.Clause == nil) {
		return errors.New("criteria node: exactly one of leaf or clause must be set")
	}
	if cn.Leaf != nil {
		return cn.Leaf.Validate()
	}
	return cn.Clause.Validate()
}

// PopulationDefinition binds one criteria tree to a population gate.
type PopulationDefinition struct {
	Type     PopulationType `json:"type" validate:"required"`
	Criteria *LogicalClause `json:"criteria" validate:"required"`
}

// Validate checks the gate and its tree.
func (pd *PopulationDefinition) Validate() error {
	if !pd.Type.IsValid() {
		return fmt.Errorf("population definition: %w", ErrInvalidPopulation)
	}
	if pd.Criteria == nil {
		return fmt.Errorf("population %s: %w", string(pd.Type), errors.New("criteria tree is required"))
	}
	if err := pd.Criteria.Validate(); err != nil {
		return fmt.Errorf("population %s: %w", string(pd.Type), err)
	}
	return nil
}

// Period is a closed calendar interval.
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the period, inclusive on both ends.
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// IndexEventDefinition tells the code generator how to derive a patient-
// specific anchor date (e.g. IPSD) from the warehouse: the earliest or
// latest qualifying fact of one category within the measurement period.
type IndexEventDefinition struct {
	Name     string             `json:"name"`
	Category FactCategory       `json:"category"`
	Codes    []CodeReference    `json:"codes,omitempty"`
	ValueSet *ValueSetReference `json:"value_set,omitempty"`
	// UseLatest selects the latest qualifying date; the default is the
	// earliest.
	UseLatest bool `json:"use_latest,omitempty"`
}

// AllCodes returns the definition's direct codes plus its value set codes.
func (ie *IndexEventDefinition) AllCodes() []CodeReference {
	codes := append([]CodeReference{}, ie.Codes...)
	if ie.ValueSet != nil {
		codes = append(codes, ie.ValueSet.Codes...)
	}
	return codes
}

// MeasureSpec is the fully-resolved canonical measure specification: one
// criteria tree per population, sharing the measurement period.
type MeasureSpec struct {
	ID                string                 `json:"id" validate:"required"`
	Title             string                 `json:"title,omitempty"`
	SpecVersion       string                 `json:"spec_version"`
	MeasurementPeriod Period                 `json:"measurement_period"`
	Populations       []PopulationDefinition `json:"populations"`

	// IndexEvents defines the derivable anchors the code generator may
	// reference; the evaluator takes the per-patient dates directly from
	// the patient record instead.
	IndexEvents []IndexEventDefinition `json:"index_events,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// Population returns the definition for a gate, or nil when the measure does
// not define one.
func (ms *MeasureSpec) Population(pt PopulationType) *PopulationDefinition {
	for i := range ms.Populations {
		if ms.Populations[i].Type == pt {
			return &ms.Populations[i]
		}
	}
	return nil
}

// Validate ensures the spec can be evaluated or compiled: an initial
// population is mandatory, the period must be ordered, and every tree must
// be well-formed.
func (ms *MeasureSpec) Validate() error {
	if ms.ID == "" {
		return fmt.Errorf("measure validation: %w", errors.New("ID is required"))
	}
	if ms.MeasurementPeriod.End.Before(ms.MeasurementPeriod.Start) {
		return fmt.Errorf("measure %s: %w", ms.ID, errors.New("measurement period end precedes start"))
	}
	if ms.Population(InitialPopulation) == nil {
		return fmt.Errorf("measure %s: %w", ms.ID, errors.New("initial population criteria are required"))
	}
	seen := make(map[PopulationType]bool, len(ms.Populations))
	for i := range ms.Populations {
		pd := &ms.Populations[i]
		if seen[pd.Type] {
			return fmt.Errorf("measure %s: duplicate population %s", ms.ID, string(pd.Type))
		}
		seen[pd.Type] = true
		if err := pd.Validate(); err != nil {
			return fmt.Errorf("measure %s: %w", ms.ID, err)
		}
	}
	return nil
}

// WalkLeaves visits every data element in the tree in document order.
func WalkLeaves(node *CriteriaNode, visit func(*DataElement)) {
	if node == nil {
		return
	}
	if node.Leaf != nil {
		visit(node.Leaf)
		return
	}
	for i := range node.Clause.Children {
		WalkLeaves(&node.Clause.Children[i], visit)
	}
}
