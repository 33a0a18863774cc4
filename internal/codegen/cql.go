package codegen

import (
	"fmt"
	"strings"

	"github.com/quality-measure-engine/internal/domain"
)

// cqlRetrievalType maps a fact category to its retrieval type name.
var cqlRetrievalType = map[domain.FactCategory]string{
	domain.FactDiagnosis:    "Condition",
	domain.FactEncounter:    "Encounter",
	domain.FactProcedure:    "Procedure",
	domain.FactObservation:  "Observation",
	domain.FactMedication:   "MedicationDispense",
	domain.FactImmunization: "Immunization",
}

// cqlGenerator emits the clinical-expression-language rendition of a measure:
// a library header, value set declarations, one named define per criteria
// node and one define per population.
type cqlGenerator struct {
	spec      *domain.MeasureSpec
	overrides domain.OverrideLookup

	out      strings.Builder
	warnings []string

	// defineNames records the emitted define name per node ID; nameOwners
	// is the reverse view used to catch label collisions across nodes.
	defineNames map[string]string
	nameOwners  map[string]string
}

func newCQLGenerator(spec *domain.MeasureSpec, overrides domain.OverrideLookup) *cqlGenerator {
	return &cqlGenerator{
		spec:        spec,
		overrides:   overrides,
		defineNames: make(map[string]string),
		nameOwners:  make(map[string]string),
	}
}

func (g *cqlGenerator) generate() (*domain.GeneratedCode, error) {
	g.emitHeader()
	g.emitValueSets()
	g.emitIndexEvents()

	for _, pt := range populationOrder {
		pd := g.spec.Population(pt)
		if pd == nil {
			continue
		}
		if err := g.emitPopulation(pd); err != nil {
			return nil, err
		}
	}

	return &domain.GeneratedCode{
		Format:   domain.FormatCQL,
		Code:     g.out.String(),
		Warnings: g.warnings,
	}, nil
}

func (g *cqlGenerator) warnf(format string, args ...any) {
	g.warnings = append(g.warnings, fmt.Sprintf(format, args...))
}

func (g *cqlGenerator) emitHeader() {
	title := g.spec.Title
	if title == "" {
		title = g.spec.ID
	}
	fmt.Fprintf(&g.out, "library %s version '%s'\n\n", libraryIdent(g.spec.ID), g.spec.SpecVersion)
	fmt.Fprintf(&g.out, "// %s\n", title)
	fmt.Fprintf(&g.out, "// Generated from measure %s\n\n", g.spec.ID)
	fmt.Fprintf(&g.out, "parameter \"Measurement Period\" Interval<DateTime>\n")
	fmt.Fprintf(&g.out, "  default Interval[@%s, @%s]\n\n",
		g.spec.MeasurementPeriod.Start.Format("2006-01-02"),
		g.spec.MeasurementPeriod.End.Format("2006-01-02"))
}

// emitValueSets declares every value set referenced anywhere in the measure,
// once each, in first-seen order. Empty value sets are declared anyway so the
// references compile, but raise a warning.
func (g *cqlGenerator) emitValueSets() {
	seen := make(map[string]bool)
	var refs []domain.ValueSetReference
	collect := func(el *domain.DataElement) {
		for _, vs := range el.ValueSetRefs() {
			if !seen[vs.Name] {
				seen[vs.Name] = true
				refs = append(refs, vs)
			}
		}
	}
	for _, pt := range populationOrder {
		if pd := g.spec.Population(pt); pd != nil {
			domain.WalkLeaves(&domain.CriteriaNode{Clause: pd.Criteria}, collect)
		}
	}
	for i := range g.spec.IndexEvents {
		if vs := g.spec.IndexEvents[i].ValueSet; vs != nil && !seen[vs.Name] {
			seen[vs.Name] = true
			refs = append(refs, *vs)
		}
	}

	for _, vs := range refs {
		oid := vs.OID
		if oid == "" {
			oid = vs.ID
		}
		fmt.Fprintf(&g.out, "valueset \"%s\": '%s'\n", vs.Name, oid)
		if vs.IsEmpty() {
			g.warnf("value set %q resolved to zero codes; criteria referencing it can never match", vs.Name)
		}
	}
	if len(refs) > 0 {
		g.out.WriteString("\n")
	}
}

// emitIndexEvents defines each derivable anchor as the earliest (or latest)
// qualifying date within the measurement period.
func (g *cqlGenerator) emitIndexEvents() {
	for i := range g.spec.IndexEvents {
		ie := &g.spec.IndexEvents[i]
		selector := "First"
		if ie.UseLatest {
			selector = "Last"
		}
		fmt.Fprintf(&g.out, "define \"%s\":\n", ie.Name)
		fmt.Fprintf(&g.out, "  %s(%s E where E.date during \"Measurement Period\" sort by date return E.date)\n\n",
			selector, g.retrieval(ie.Category, ie.ValueSet, ie.Codes))
	}
}

// retrieval renders a bracketed retrieval, preferring a value set filter and
// falling back to an inline code list.
func (g *cqlGenerator) retrieval(cat domain.FactCategory, vs *domain.ValueSetReference, direct []domain.CodeReference) string {
	typ := cqlRetrievalType[cat]
	if vs != nil {
		return fmt.Sprintf("[%q: %q]", typ, vs.Name)
	}
	if len(direct) > 0 {
		return fmt.Sprintf("([%q] E0 where E0.code in %s)", typ, cqlCodeList(direct))
	}
	return fmt.Sprintf("[%q]", typ)
}

// emitPopulation emits defines for the population's tree bottom-up, then the
// population define itself referencing the root clause.
func (g *cqlGenerator) emitPopulation(pd *domain.PopulationDefinition) error {
	root := domain.CriteriaNode{Clause: pd.Criteria}
	rootName, err := g.emitNode(&root)
	if err != nil {
		return err
	}

	name := populationDisplay[pd.Type]
	if o := lockedOverride(g.overrides, g.spec.ID, string(pd.Type), domain.FormatCQL); o != nil {
		g.emitOverride(name, o)
		return nil
	}
	fmt.Fprintf(&g.out, "define \"%s\":\n  \"%s\"\n\n", name, rootName)
	return nil
}

// defineName picks the define name for a node: its display label, suffixed
// with the node ID when another node already claimed that label.
func (g *cqlGenerator) defineName(node *domain.CriteriaNode) string {
	name := node.Label()
	if owner, taken := g.nameOwners[name]; taken && owner != node.NodeID() {
		renamed := fmt.Sprintf("%s (%s)", name, node.NodeID())
		g.warnf("nodes %s and %s share the label %q; the define for %s is emitted as %q",
			owner, node.NodeID(), name, node.NodeID(), renamed)
		name = renamed
	}
	g.nameOwners[name] = node.NodeID()
	return name
}

// emitNode emits the define for one node (and its subtree) and returns the
// define name. Nodes shared across populations are emitted once.
func (g *cqlGenerator) emitNode(node *domain.CriteriaNode) (string, error) {
	if name, ok := g.defineNames[node.NodeID()]; ok {
		return name, nil
	}
	name := g.defineName(node)
	g.defineNames[node.NodeID()] = name

	if o := lockedOverride(g.overrides, g.spec.ID, node.NodeID(), domain.FormatCQL); o != nil {
		g.emitOverride(name, o)
		return name, nil
	}

	if node.IsLeaf() {
		expr, err := g.elementExpr(node.Leaf)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&g.out, "define \"%s\":\n  %s\n\n", name, expr)
		return name, nil
	}

	clause := node.Clause
	childNames := make([]string, len(clause.Children))
	for i := range clause.Children {
		cn, err := g.emitNode(&clause.Children[i])
		if err != nil {
			return "", err
		}
		childNames[i] = cn
	}

	fmt.Fprintf(&g.out, "define \"%s\":\n  %s\n\n", name, g.clauseExpr(clause, childNames))
	return name, nil
}

// emitOverride writes the stored override code verbatim under the define name.
func (g *cqlGenerator) emitOverride(name string, o *domain.CodeOverride) {
	fmt.Fprintf(&g.out, "%s\n", overrideHeader(domain.FormatCQL, o))
	fmt.Fprintf(&g.out, "define \"%s\":\n", name)
	for _, line := range strings.Split(strings.TrimRight(o.Code, "\n"), "\n") {
		fmt.Fprintf(&g.out, "  %s\n", line)
	}
	g.out.WriteString("\n")
}

// clauseExpr folds child define references left to right under the effective
// pair operators, parenthesizing the accumulated expression whenever the
// operator changes so mixed groups read unambiguously.
func (g *cqlGenerator) clauseExpr(clause *domain.LogicalClause, childNames []string) string {
	if clause.Operator == domain.OperatorNOT {
		return fmt.Sprintf("not \"%s\"", childNames[0])
	}
	expr := fmt.Sprintf("%q", childNames[0])
	prevOp := ""
	for i := 1; i < len(childNames); i++ {
		op := operatorWord(domain.FormatCQL,
			clause.PairOperator(clause.Children[i-1].NodeID(), clause.Children[i].NodeID()))
		if prevOp != "" && op != prevOp {
			expr = "(" + expr + ")"
		}
		expr += fmt.Sprintf(" %s %q", op, childNames[i])
		prevOp = op
	}
	return expr
}

// elementExpr renders one data element as an expression.
func (g *cqlGenerator) elementExpr(el *domain.DataElement) (string, error) {
	switch {
	case el.Category == domain.FactDemographic:
		return g.demographicExpr(el), nil
	case el.Adherence != nil:
		return g.adherenceExpr(el)
	case el.IsPairedObservation():
		return g.pairedObservationExpr(el)
	}

	if len(el.CodeSet()) == 0 && len(el.Thresholds) == 0 {
		g.warnf("element %q has an empty code set; its criterion can never match", el.ID)
	}

	var conditions []string
	for i := range el.TimingRequirements {
		phrase, err := g.timingPhrase("R.date", &el.TimingRequirements[i])
		if err != nil {
			return "", err
		}
		conditions = append(conditions, phrase)
	}
	for _, t := range el.Thresholds {
		conditions = append(conditions, fmt.Sprintf("R.value %s %s", string(t.Comparator), formatNumber(t.Value)))
	}

	var vs *domain.ValueSetReference
	if refs := el.ValueSetRefs(); len(refs) == 1 && len(el.DirectCodes) == 0 {
		vs = &refs[0]
	}
	retr := g.retrieval(el.Category, vs, nil)
	if vs == nil && len(el.CodeSet()) > 0 {
		conditions = append([]string{fmt.Sprintf("R.code in %s", cqlCodeList(el.CodeSet()))}, conditions...)
	}

	expr := retr + " R"
	if len(conditions) > 0 {
		expr += "\n    where " + strings.Join(conditions, "\n      and ")
	}
	if el.Negation {
		return "not exists (" + expr + ")", nil
	}
	return "exists (" + expr + ")", nil
}

// demographicExpr renders age threshold checks against the start of the
// measurement period.
func (g *cqlGenerator) demographicExpr(el *domain.DataElement) string {
	if len(el.Thresholds) == 0 {
		g.warnf("demographic element %q carries no thresholds", el.ID)
		return "true"
	}
	parts := make([]string, len(el.Thresholds))
	for i, t := range el.Thresholds {
		parts[i] = fmt.Sprintf("AgeInYearsAt(start of \"Measurement Period\") %s %s",
			string(t.Comparator), formatNumber(t.Value))
	}
	return strings.Join(parts, " and ")
}

// adherenceExpr renders a cumulative-days-supply check over a window from an
// index event.
func (g *cqlGenerator) adherenceExpr(el *domain.DataElement) (string, error) {
	a := el.Adherence
	if !g.indexEventDefined(a.IndexEvent) {
		g.warnf("element %q references index event %q with no definition; the emitted define will not resolve",
			el.ID, a.IndexEvent)
	}
	var vs *domain.ValueSetReference
	if refs := el.ValueSetRefs(); len(refs) == 1 {
		vs = &refs[0]
	}
	return fmt.Sprintf(
		"Sum(%s M\n    where M.date in Interval[\"%s\", \"%s\" + %d days]\n    return M.daysSupply) %s %s",
		g.retrieval(el.Category, vs, el.DirectCodes),
		a.IndexEvent, a.IndexEvent, a.WindowDays,
		string(a.Comparator), formatNumber(a.RequiredDaysSupply)), nil
}

// pairedObservationExpr renders a same-day multi-reading check: the first
// threshold's observations correlated with each further threshold's on the
// same day, all values meeting their bounds.
func (g *cqlGenerator) pairedObservationExpr(el *domain.DataElement) (string, error) {
	first := el.Thresholds[0]
	var b strings.Builder
	fmt.Fprintf(&b, "exists (\n    [\"Observation\"] O0 where O0.code in %s", cqlCodeList(first.Codes))
	for i := range el.TimingRequirements {
		phrase, err := g.timingPhrase("O0.date", &el.TimingRequirements[i])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, " and %s", phrase)
	}
	for i := 1; i < len(el.Thresholds); i++ {
		t := el.Thresholds[i]
		fmt.Fprintf(&b, "\n      with [\"Observation\"] O%d\n        such that O%d.code in %s and O%d.date same day as O0.date",
			i, i, cqlCodeList(t.Codes), i)
	}
	fmt.Fprintf(&b, "\n      where O0.value %s %s", string(first.Comparator), formatNumber(first.Value))
	for i := 1; i < len(el.Thresholds); i++ {
		t := el.Thresholds[i]
		fmt.Fprintf(&b, " and O%d.value %s %s", i, string(t.Comparator), formatNumber(t.Value))
	}
	b.WriteString("\n  )")
	if el.Negation {
		return "not " + b.String(), nil
	}
	return b.String(), nil
}

// timingPhrase renders one timing requirement as a temporal phrase over the
// given date expression.
func (g *cqlGenerator) timingPhrase(dateExpr string, req *domain.TimingRequirement) (string, error) {
	if req.Window != nil {
		start, err := g.anchorExpr(req.Window.Start.Effective())
		if err != nil {
			return "", err
		}
		end, err := g.anchorExpr(req.Window.End.Effective())
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s in Interval[%s, %s]", dateExpr, start, end), nil
	}

	fields := req.Constraint.Effective()
	anchor, err := g.anchorExpr(fields)
	if err != nil {
		return "", err
	}

	switch fields.Operator {
	case domain.TimingDuring, domain.TimingStartsDuring, domain.TimingEndsDuring, domain.TimingOverlaps:
		if fields.Anchor == domain.AnchorMeasurementPeriodStart || fields.Anchor == domain.AnchorMeasurementPeriodEnd {
			return fmt.Sprintf("%s during \"Measurement Period\"", dateExpr), nil
		}
		return fmt.Sprintf("%s same day as %s", dateExpr, anchor), nil
	case domain.TimingBeforeEnd:
		return fmt.Sprintf("%s on or before %s", dateExpr, anchor), nil
	case domain.TimingAfterStart:
		return fmt.Sprintf("%s on or after %s", dateExpr, anchor), nil
	case domain.TimingWithin:
		if fields.OffsetValue == nil {
			return "", domain.NewGenerationError(domain.FormatCQL, "",
				"'within' timing requires an offset value and unit")
		}
		return fmt.Sprintf("%s within %d %s %s %s",
			dateExpr, *fields.OffsetValue, string(fields.OffsetUnit), string(fields.Direction), anchor), nil
	default:
		return "", domain.NewGenerationError(domain.FormatCQL, "",
			fmt.Sprintf("unknown timing operator %q", string(fields.Operator)))
	}
}

// anchorExpr renders the anchor reference for temporal phrases.
func (g *cqlGenerator) anchorExpr(fields domain.TimingFields) (string, error) {
	switch fields.Anchor {
	case domain.AnchorMeasurementPeriodStart:
		return "start of \"Measurement Period\"", nil
	case domain.AnchorMeasurementPeriodEnd:
		return "end of \"Measurement Period\"", nil
	case domain.AnchorIndexEvent:
		if !g.indexEventDefined(fields.IndexEvent) {
			g.warnf("timing references index event %q with no definition; the emitted reference will not resolve",
				fields.IndexEvent)
		}
		return fmt.Sprintf("%q", fields.IndexEvent), nil
	default:
		return fmt.Sprintf("%q", string(fields.Anchor)), nil
	}
}

func (g *cqlGenerator) indexEventDefined(name string) bool {
	for i := range g.spec.IndexEvents {
		if g.spec.IndexEvents[i].Name == name {
			return true
		}
	}
	return false
}

// formatNumber renders a threshold value without a trailing ".0" for whole
// numbers.
func formatNumber(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%g", v)
}
