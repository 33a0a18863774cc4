package service

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
)

// MeasureEvaluator walks a measure's criteria trees against one patient's
// facts, producing an auditable trace and a population classification.
// Deterministic and pure: identical inputs always produce deep-equal output,
// apart from the EvaluatedAt stamp, which comes from the configured clock.
type MeasureEvaluator struct {
	logger *logrus.Logger
	timing domain.TimingResolver
	now    func() time.Time
}

// NewMeasureEvaluator creates an evaluator with the standard timing resolver.
func NewMeasureEvaluator(logger *logrus.Logger) *MeasureEvaluator {
	return &MeasureEvaluator{
		logger: logger,
		timing: NewTimingResolver(),
		now:    time.Now,
	}
}

// SetClock replaces the EvaluatedAt timestamp source. Every other trace field
// derives from the inputs alone.
func (e *MeasureEvaluator) SetClock(now func() time.Time) {
	e.now = now
}

// nodeResult carries the boolean outcome of a subtree separately from the
// trace node, because the partial status is display-only and must never
// drive clause pass/fail.
type nodeResult struct {
	node   domain.ValidationNode
	passed bool
}

// Evaluate classifies one patient against one measure. Missing facts are a
// normal fail; timing configuration defects mark the affected node failed
// with a diagnostic and surface in the trace, never as a panic.
func (e *MeasureEvaluator) Evaluate(patient *domain.Patient, spec *domain.MeasureSpec) (*domain.PatientValidationTrace, error) {
	if patient == nil {
		return nil, errors.New("evaluate: patient is required")
	}
	if spec == nil {
		return nil, errors.New("evaluate: measure spec is required")
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("evaluate: %w", err)
	}

	trace := &domain.PatientValidationTrace{
		MeasureID:   spec.ID,
		PatientID:   patient.ID,
		SpecVersion: spec.SpecVersion,
		EvaluatedAt: e.now().UTC(),
		Populations: make(map[domain.PopulationType]*domain.ValidationNode),
	}

	// Initial population gates everything else.
	ip := e.evaluateClause(patient, spec, spec.Population(domain.InitialPopulation).Criteria, trace)
	trace.Populations[domain.InitialPopulation] = &ip.node

	if !ip.passed {
		trace.FinalOutcome = domain.OutcomeNotInPopulation
		e.markNotApplicable(trace, spec, domain.Denominator, domain.DenominatorExclusion,
			domain.DenominatorException, domain.Numerator, domain.NumeratorExclusion)
		e.logOutcome(trace)
		return trace, nil
	}

	// Denominator defaults to the initial population when the measure
	// supplies no distinct criteria.
	denom := ip
	if pd := spec.Population(domain.Denominator); pd != nil {
		denom = e.evaluateClause(patient, spec, pd.Criteria, trace)
		trace.Populations[domain.Denominator] = &denom.node
	} else {
		denomNode := domain.ValidationNode{
			NodeID: "denominator",
			Label:  "Denominator (equals Initial Population)",
			Status: ip.node.Status,
		}
		trace.Populations[domain.Denominator] = &denomNode
	}

	if !denom.passed {
		trace.FinalOutcome = domain.OutcomeNotInPopulation
		e.markNotApplicable(trace, spec, domain.DenominatorExclusion,
			domain.DenominatorException, domain.Numerator, domain.NumeratorExclusion)
		e.logOutcome(trace)
		return trace, nil
	}

	// Exclusions combine with OR across exclusion nodes: any one passing
	// excludes the patient.
	if pd := spec.Population(domain.DenominatorExclusion); pd != nil {
		excl := e.evaluateClauseAs(patient, spec, pd.Criteria, domain.OperatorOR, trace)
		trace.Populations[domain.DenominatorExclusion] = &excl.node
		if excl.passed {
			trace.FinalOutcome = domain.OutcomeExcluded
			e.markNotApplicable(trace, spec, domain.DenominatorException,
				domain.Numerator, domain.NumeratorExclusion)
			e.logOutcome(trace)
			return trace, nil
		}
	}

	num := nodeResult{passed: false}
	if pd := spec.Population(domain.Numerator); pd != nil {
		num = e.evaluateClause(patient, spec, pd.Criteria, trace)
		trace.Populations[domain.Numerator] = &num.node
	}

	if num.passed {
		// A numerator exclusion knocks an otherwise-qualifying patient
		// back out of the numerator.
		if pd := spec.Population(domain.NumeratorExclusion); pd != nil {
			nexcl := e.evaluateClauseAs(patient, spec, pd.Criteria, domain.OperatorOR, trace)
			trace.Populations[domain.NumeratorExclusion] = &nexcl.node
			if nexcl.passed {
				trace.FinalOutcome = domain.OutcomeNotInNumerator
				e.logOutcome(trace)
				return trace, nil
			}
		}
		trace.FinalOutcome = domain.OutcomeInNumerator
		e.logOutcome(trace)
		return trace, nil
	}

	// A denominator exception removes a numerator-missing patient from
	// the measure instead of counting them as a failure.
	if pd := spec.Population(domain.DenominatorException); pd != nil {
		exc := e.evaluateClauseAs(patient, spec, pd.Criteria, domain.OperatorOR, trace)
		trace.Populations[domain.DenominatorException] = &exc.node
		if exc.passed {
			trace.FinalOutcome = domain.OutcomeExcluded
			e.logOutcome(trace)
			return trace, nil
		}
	}

	trace.FinalOutcome = domain.OutcomeNotInNumerator
	if numNode := trace.Populations[domain.Numerator]; numNode != nil {
		trace.HowClose = e.describeGaps(numNode)
	}
	e.logOutcome(trace)
	return trace, nil
}

// markNotApplicable records skipped populations so the trace stays
// isomorphic to the measure even when evaluation short-circuits.
func (e *MeasureEvaluator) markNotApplicable(trace *domain.PatientValidationTrace, spec *domain.MeasureSpec, types ...domain.PopulationType) {
	for _, pt := range types {
		if spec.Population(pt) == nil && pt != domain.Denominator {
			continue
		}
		if _, done := trace.Populations[pt]; done {
			continue
		}
		trace.Populations[pt] = &domain.ValidationNode{
			NodeID: string(pt),
			Status: domain.StatusNotApplicable,
		}
	}
}

func (e *MeasureEvaluator) logOutcome(trace *domain.PatientValidationTrace) {
	e.logger.WithFields(logrus.Fields{
		"measure_id":    trace.MeasureID,
		"patient_id":    trace.PatientID,
		"final_outcome": trace.FinalOutcome.String(),
		"diagnostics":   len(trace.Diagnostics),
	}).Debug("Completed patient evaluation")
}

// evaluateClause walks a clause with its own default operator.
func (e *MeasureEvaluator) evaluateClause(patient *domain.Patient, spec *domain.MeasureSpec, clause *domain.LogicalClause, trace *domain.PatientValidationTrace) nodeResult {
	return e.evaluateClauseAs(patient, spec, clause, clause.Operator, trace)
}

// evaluateClauseAs walks a clause under a caller-chosen default operator;
// exclusion trees are always combined with OR regardless of their default.
func (e *MeasureEvaluator) evaluateClauseAs(patient *domain.Patient, spec *domain.MeasureSpec, clause *domain.LogicalClause, op domain.LogicalOperator, trace *domain.PatientValidationTrace) nodeResult {
	forced := *clause
	forced.Operator = op
	node := domain.CriteriaNode{Clause: &forced}
	return e.evaluateNode(patient, spec, &node, trace)
}

// evaluateNode dispatches on the tagged union.
func (e *MeasureEvaluator) evaluateNode(patient *domain.Patient, spec *domain.MeasureSpec, node *domain.CriteriaNode, trace *domain.PatientValidationTrace) nodeResult {
	if node.IsLeaf() {
		return e.evaluateElement(patient, spec, node.Leaf, trace)
	}

	clause := node.Clause
	children := make([]nodeResult, 0, len(clause.Children))
	for i := range clause.Children {
		children = append(children, e.evaluateNode(patient, spec, &clause.Children[i], trace))
	}

	passed := e.combine(clause, children)

	out := domain.ValidationNode{
		NodeID:   clause.ID,
		Label:    clause.Label,
		Children: make([]domain.ValidationNode, 0, len(children)),
	}
	passCount := 0
	for _, c := range children {
		out.Children = append(out.Children, c.node)
		if c.passed {
			passCount++
		}
	}

	switch {
	case passed && clause.Operator == domain.OperatorOR &&
		passCount > 0 && passCount < len(children) && len(children) > 1:
		// Mixed OR results: flag for the UI; pass/fail stays with the
		// operator rule.
		out.Status = domain.StatusPartial
	case passed:
		out.Status = domain.StatusPass
	default:
		out.Status = domain.StatusFail
	}

	return nodeResult{node: out, passed: passed}
}

// combine folds child outcomes left to right, using sibling overrides where
// a pair has one and the clause default elsewhere.
func (e *MeasureEvaluator) combine(clause *domain.LogicalClause, children []nodeResult) bool {
	if len(children) == 0 {
		return false
	}
	if clause.Operator == domain.OperatorNOT {
		return !children[0].passed
	}

	result := children[0].passed
	for i := 1; i < len(children); i++ {
		op := clause.PairOperator(clause.Children[i-1].NodeID(), clause.Children[i].NodeID())
		switch op {
		case domain.OperatorOR:
			result = result || children[i].passed
		default:
			result = result && children[i].passed
		}
	}
	return result
}

// evaluateElement applies one leaf criterion to the patient's facts.
func (e *MeasureEvaluator) evaluateElement(patient *domain.Patient, spec *domain.MeasureSpec, el *domain.DataElement, trace *domain.PatientValidationTrace) nodeResult {
	node := domain.ValidationNode{NodeID: el.ID, Label: el.Label}

	if el.Category == domain.FactDemographic {
		return e.evaluateDemographic(patient, spec, el, node)
	}
	if el.Adherence != nil {
		return e.evaluateAdherence(patient, spec, el, node, trace)
	}
	if el.IsPairedObservation() {
		return e.evaluatePairedObservation(patient, spec, el, node, trace)
	}

	matched, diag := e.matchFacts(patient, spec, el, el.CodeSet(), trace)
	if diag != "" {
		node.Status = domain.StatusFail
		node.Diagnostic = diag
		return nodeResult{node: node, passed: false}
	}

	// Unpaired thresholds without their own code sets constrain the
	// matched facts' numeric values.
	if len(el.Thresholds) > 0 && !el.IsPairedObservation() {
		matched = filterByThresholds(matched, el.Thresholds)
	}

	if el.Negation {
		// A negated element passes exactly when nothing matches.
		if len(matched) == 0 {
			node.Status = domain.StatusPass
			return nodeResult{node: node, passed: true}
		}
		node.Status = domain.StatusFail
		node.Facts = toMatchedFacts(matched)
		return nodeResult{node: node, passed: false}
	}

	if len(matched) > 0 {
		node.Status = domain.StatusPass
		node.Facts = toMatchedFacts(matched)
		return nodeResult{node: node, passed: true}
	}
	node.Status = domain.StatusFail
	return nodeResult{node: node, passed: false}
}

// evaluateDemographic applies threshold comparators to patient attributes.
// Age is taken as of the measurement period start.
func (e *MeasureEvaluator) evaluateDemographic(patient *domain.Patient, spec *domain.MeasureSpec, el *domain.DataElement, node domain.ValidationNode) nodeResult {
	age := float64(patient.Demographics.AgeAt(spec.MeasurementPeriod.Start))
	passed := true
	for i := range el.Thresholds {
		ok, err := el.Thresholds[i].Comparator.Compare(age, el.Thresholds[i].Value)
		if err != nil || !ok {
			passed = false
			break
		}
	}
	if el.Negation {
		passed = !passed
	}
	if passed {
		node.Status = domain.StatusPass
	} else {
		node.Status = domain.StatusFail
	}
	return nodeResult{node: node, passed: passed}
}

// evaluateAdherence sums days supply for the element's code set within the
// adherence window from the index event and compares against the required
// threshold. A missing index event is patient data, not configuration: a
// normal fail.
func (e *MeasureEvaluator) evaluateAdherence(patient *domain.Patient, spec *domain.MeasureSpec, el *domain.DataElement, node domain.ValidationNode, trace *domain.PatientValidationTrace) nodeResult {
	adh := el.Adherence
	indexDate, ok := patient.IndexEvents[adh.IndexEvent]
	if !ok {
		node.Status = domain.StatusFail
		return nodeResult{node: node, passed: false}
	}
	window := domain.Period{Start: indexDate, End: indexDate.AddDate(0, 0, adh.WindowDays)}

	codes := el.CodeSet()
	total := 0
	var matched []domain.ClinicalFact
	for _, fact := range patient.Facts(el.Category) {
		if !codeMatches(fact, codes) || !window.Contains(fact.Date) {
			continue
		}
		if fact.DaysSupply != nil {
			total += *fact.DaysSupply
		}
		matched = append(matched, fact)
	}

	passed, err := adh.Comparator.Compare(float64(total), adh.RequiredDaysSupply)
	if err != nil {
		node.Status = domain.StatusFail
		node.Diagnostic = err.Error()
		trace.Diagnostics = append(trace.Diagnostics, err.Error())
		return nodeResult{node: node, passed: false}
	}
	if el.Negation {
		passed = !passed
	}
	if passed {
		node.Status = domain.StatusPass
		node.Facts = toMatchedFacts(matched)
	} else {
		node.Status = domain.StatusFail
	}
	return nodeResult{node: node, passed: passed}
}

// evaluatePairedObservation finds the most recent date on which every
// required observation type has a recorded value, then applies each
// comparator to that day's readings. Earlier matching days are never
// substitutes; several readings of one type on the chosen day resolve to
// the last recorded one.
func (e *MeasureEvaluator) evaluatePairedObservation(patient *domain.Patient, spec *domain.MeasureSpec, el *domain.DataElement, node domain.ValidationNode, trace *domain.PatientValidationTrace) nodeResult {
	perThreshold := make([]map[string]domain.ClinicalFact, len(el.Thresholds))
	days := make(map[string]int)

	for i := range el.Thresholds {
		matched, diag := e.matchFacts(patient, spec, el, el.Thresholds[i].Codes, trace)
		if diag != "" {
			node.Status = domain.StatusFail
			node.Diagnostic = diag
			return nodeResult{node: node, passed: false}
		}
		byDay := make(map[string]domain.ClinicalFact)
		for _, fact := range matched {
			if fact.Value == nil {
				continue
			}
			day := fact.Date.Format("2006-01-02")
			// Last recorded reading for the day wins.
			if existing, ok := byDay[day]; !ok || !fact.Date.Before(existing.Date) {
				byDay[day] = fact
			}
		}
		perThreshold[i] = byDay
		for day := range byDay {
			days[day]++
		}
	}

	// Candidate days are those where every type has a reading.
	var candidates []string
	for day, count := range days {
		if count == len(el.Thresholds) {
			candidates = append(candidates, day)
		}
	}
	if len(candidates) == 0 {
		if el.Negation {
			node.Status = domain.StatusPass
			return nodeResult{node: node, passed: true}
		}
		node.Status = domain.StatusFail
		return nodeResult{node: node, passed: false}
	}
	sort.Strings(candidates)
	latest := candidates[len(candidates)-1]

	passed := true
	var facts []domain.ClinicalFact
	for i := range el.Thresholds {
		fact := perThreshold[i][latest]
		facts = append(facts, fact)
		ok, err := el.Thresholds[i].Comparator.Compare(*fact.Value, el.Thresholds[i].Value)
		if err != nil || !ok {
			passed = false
		}
	}
	if el.Negation {
		passed = !passed
	}

	node.Facts = toMatchedFacts(facts)
	if passed {
		node.Status = domain.StatusPass
	} else {
		node.Status = domain.StatusFail
	}
	return nodeResult{node: node, passed: passed}
}

// matchFacts selects the patient facts matching the element's category, a
// code set and every timing requirement. A timing configuration failure is
// reported through the returned diagnostic, never swallowed.
//
// Requirements anchored to the measurement period or a named index event
// resolve to one window for the whole element. Fact-relative anchors
// (encounter, diagnosis, procedure, discharge dates) resolve per anchor fact:
// a candidate matches when at least one anchor fact yields a window containing
// it. A patient with no anchor facts at all is a normal fail, not a
// configuration defect.
func (e *MeasureEvaluator) matchFacts(patient *domain.Patient, spec *domain.MeasureSpec, el *domain.DataElement, codes []domain.CodeReference, trace *domain.PatientValidationTrace) ([]domain.ClinicalFact, string) {
	type resolvedWindow struct {
		window domain.Period
		op     domain.TimingOperator
	}
	type factRelative struct {
		req    *domain.TimingRequirement
		anchor domain.TimingAnchor
		dates  []time.Time
		op     domain.TimingOperator
	}

	static := make([]resolvedWindow, 0, len(el.TimingRequirements))
	var relative []factRelative
	for i := range el.TimingRequirements {
		req := &el.TimingRequirements[i]
		op := domain.TimingDuring
		if req.Constraint != nil {
			op = req.Constraint.Effective().Operator
		}

		anchors := requirementFactAnchors(req)
		if len(anchors) > 1 {
			err := domain.NewConfigurationError(anchors[0],
				"a timing requirement may reference at most one fact-relative anchor")
			return nil, e.timingDiagnostic(el, trace, err)
		}
		if len(anchors) == 1 {
			// A pre-seeded index-event entry under the anchor's literal name
			// pins the anchor to that date instead.
			if _, seeded := patient.IndexEvents[string(anchors[0])]; !seeded {
				relative = append(relative, factRelative{
					req:    req,
					anchor: anchors[0],
					dates:  factAnchorDates(patient, anchors[0]),
					op:     op,
				})
				continue
			}
		}

		window, err := e.timing.ResolveRequirement(req, spec.MeasurementPeriod, patient.IndexEvents)
		if err != nil {
			return nil, e.timingDiagnostic(el, trace, err)
		}
		static = append(static, resolvedWindow{window: window, op: op})
	}

	var matched []domain.ClinicalFact
	for _, fact := range patient.Facts(el.Category) {
		if len(codes) > 0 && !codeMatches(fact, codes) {
			continue
		}
		ok := true
		for _, rw := range static {
			if !factInWindow(fact, rw.window, rw.op) {
				ok = false
				break
			}
		}
		for _, fr := range relative {
			if !ok {
				break
			}
			satisfied := false
			for _, at := range fr.dates {
				events := overlayIndexEvent(patient.IndexEvents, string(fr.anchor), at)
				window, err := e.timing.ResolveRequirement(fr.req, spec.MeasurementPeriod, events)
				if err != nil {
					return nil, e.timingDiagnostic(el, trace, err)
				}
				if factInWindow(fact, window, fr.op) {
					satisfied = true
					break
				}
			}
			if !satisfied {
				ok = false
			}
		}
		if ok {
			matched = append(matched, fact)
		}
	}
	return matched, ""
}

// timingDiagnostic records a timing configuration failure on the trace and
// returns the diagnostic text for the failing node.
func (e *MeasureEvaluator) timingDiagnostic(el *domain.DataElement, trace *domain.PatientValidationTrace, err error) string {
	e.logger.WithFields(logrus.Fields{
		"element_id": el.ID,
		"error":      err.Error(),
	}).Warn("Timing configuration could not be resolved")
	trace.Diagnostics = append(trace.Diagnostics, fmt.Sprintf("%s: %s", el.ID, err.Error()))
	return err.Error()
}

// requirementFactAnchors lists the distinct fact-relative anchors one timing
// requirement references.
func requirementFactAnchors(req *domain.TimingRequirement) []domain.TimingAnchor {
	var out []domain.TimingAnchor
	add := func(a domain.TimingAnchor) {
		if !a.IsFactRelative() {
			return
		}
		for _, seen := range out {
			if seen == a {
				return
			}
		}
		out = append(out, a)
	}
	if req.Constraint != nil {
		add(req.Constraint.Effective().Anchor)
	}
	if req.Window != nil {
		add(req.Window.Start.Effective().Anchor)
		add(req.Window.End.Effective().Anchor)
	}
	return out
}

// factAnchorDates collects the candidate dates a fact-relative anchor can
// take from the patient's record. Discharge and encounter-end anchors read
// the encounter's end date, falling back to its start for point encounters.
func factAnchorDates(patient *domain.Patient, anchor domain.TimingAnchor) []time.Time {
	var out []time.Time
	switch anchor {
	case domain.AnchorEncounterStart:
		for _, f := range patient.Encounters {
			out = append(out, f.Date)
		}
	case domain.AnchorEncounterEnd, domain.AnchorDischargeDate:
		for _, f := range patient.Encounters {
			if f.EndDate != nil {
				out = append(out, *f.EndDate)
			} else {
				out = append(out, f.Date)
			}
		}
	case domain.AnchorDiagnosisDate:
		for _, f := range patient.Diagnoses {
			out = append(out, f.Date)
		}
	case domain.AnchorProcedureDate:
		for _, f := range patient.Procedures {
			out = append(out, f.Date)
		}
	}
	return out
}

// overlayIndexEvent copies the event map with one entry set, leaving the
// patient's own map untouched.
func overlayIndexEvent(events map[string]time.Time, name string, at time.Time) map[string]time.Time {
	out := make(map[string]time.Time, len(events)+1)
	for k, v := range events {
		out[k] = v
	}
	out[name] = at
	return out
}

// factInWindow applies the operator's date test against a resolved window.
func factInWindow(fact domain.ClinicalFact, window domain.Period, op domain.TimingOperator) bool {
	end := fact.Date
	if fact.EndDate != nil {
		end = *fact.EndDate
	}
	switch op {
	case domain.TimingEndsDuring:
		return window.Contains(end)
	case domain.TimingOverlaps:
		return !fact.Date.After(window.End) && !end.Before(window.Start)
	default:
		return window.Contains(fact.Date)
	}
}

// codeMatches reports whether the fact's code is in the set. The code system
// participates only when both sides declare one.
func codeMatches(fact domain.ClinicalFact, codes []domain.CodeReference) bool {
	for _, c := range codes {
		if c.Code != fact.Code {
			continue
		}
		if c.System == "" || fact.System == "" || c.System == fact.System {
			return true
		}
	}
	return false
}

// filterByThresholds keeps facts whose numeric value satisfies every
// comparator.
func filterByThresholds(facts []domain.ClinicalFact, thresholds []domain.Threshold) []domain.ClinicalFact {
	var kept []domain.ClinicalFact
	for _, fact := range facts {
		if fact.Value == nil {
			continue
		}
		ok := true
		for i := range thresholds {
			pass, err := thresholds[i].Comparator.Compare(*fact.Value, thresholds[i].Value)
			if err != nil || !pass {
				ok = false
				break
			}
		}
		if ok {
			kept = append(kept, fact)
		}
	}
	return kept
}

func toMatchedFacts(facts []domain.ClinicalFact) []domain.MatchedFact {
	out := make([]domain.MatchedFact, 0, len(facts))
	for _, f := range facts {
		out = append(out, domain.MatchedFact{
			Code:    f.Code,
			System:  f.System,
			Display: f.Display,
			Date:    f.Date,
			Value:   f.Value,
			EndDate: f.EndDate,
		})
	}
	return out
}

// describeGaps walks a failed numerator trace and produces natural-language
// descriptions of what the patient is missing.
func (e *MeasureEvaluator) describeGaps(node *domain.ValidationNode) []string {
	var gaps []string
	var walk func(n *domain.ValidationNode)
	walk = func(n *domain.ValidationNode) {
		if n.Status == domain.StatusFail && len(n.Children) == 0 {
			label := n.Label
			if label == "" {
				label = n.NodeID
			}
			if n.Diagnostic != "" {
				gaps = append(gaps, fmt.Sprintf("%s could not be checked: %s", label, n.Diagnostic))
			} else if len(n.Facts) > 0 {
				gaps = append(gaps, fmt.Sprintf("%s found but did not meet the required threshold", label))
			} else {
				gaps = append(gaps, fmt.Sprintf("No qualifying record for %s", label))
			}
			return
		}
		for i := range n.Children {
			walk(&n.Children[i])
		}
	}
	walk(node)
	return gaps
}
