package codegen

import (
	"fmt"
	"strings"

	"github.com/quality-measure-engine/internal/domain"
)

// sqlFactTable describes the warehouse table backing one fact category.
type sqlFactTable struct {
	name    string
	dateCol string
}

var sqlFactTables = map[domain.FactCategory]sqlFactTable{
	domain.FactDiagnosis:    {name: "diagnosis_facts", dateCol: "diagnosis_date"},
	domain.FactEncounter:    {name: "encounter_facts", dateCol: "encounter_date"},
	domain.FactProcedure:    {name: "procedure_facts", dateCol: "procedure_date"},
	domain.FactObservation:  {name: "observation_facts", dateCol: "observation_date"},
	domain.FactMedication:   {name: "medication_facts", dateCol: "service_date"},
	domain.FactImmunization: {name: "immunization_facts", dateCol: "administration_date"},
}

// sqlGenerator emits the warehouse-SQL rendition of a measure: one CTE per
// index event, per criteria node and per population, combined with set
// operations and closed by a final membership query.
type sqlGenerator struct {
	spec      *domain.MeasureSpec
	overrides domain.OverrideLookup

	ctes     []string
	warnings []string
	emitted  map[string]string // node ID -> CTE name
}

func newSQLGenerator(spec *domain.MeasureSpec, overrides domain.OverrideLookup) *sqlGenerator {
	return &sqlGenerator{
		spec:      spec,
		overrides: overrides,
		emitted:   make(map[string]string),
	}
}

func (g *sqlGenerator) generate() (*domain.GeneratedCode, error) {
	for i := range g.spec.IndexEvents {
		g.emitIndexEvent(&g.spec.IndexEvents[i])
	}

	var popCTEs []domain.PopulationType
	for _, pt := range populationOrder {
		pd := g.spec.Population(pt)
		if pd == nil {
			continue
		}
		if err := g.emitPopulation(pd); err != nil {
			return nil, err
		}
		popCTEs = append(popCTEs, pt)
	}

	var b strings.Builder
	title := g.spec.Title
	if title == "" {
		title = g.spec.ID
	}
	fmt.Fprintf(&b, "-- %s\n", title)
	fmt.Fprintf(&b, "-- Generated from measure %s (spec version %s)\n",
		g.spec.ID, g.spec.SpecVersion)
	fmt.Fprintf(&b, "-- Measurement period: %s through %s\n",
		g.periodStart(), g.periodEnd())
	b.WriteString("WITH ")
	b.WriteString(strings.Join(g.ctes, ",\n"))
	b.WriteString("\n")
	g.emitFinalSelect(&b, popCTEs)

	return &domain.GeneratedCode{
		Format:   domain.FormatSQL,
		Code:     b.String(),
		Warnings: g.warnings,
	}, nil
}

func (g *sqlGenerator) warnf(format string, args ...any) {
	g.warnings = append(g.warnings, fmt.Sprintf(format, args...))
}

func (g *sqlGenerator) periodStart() string {
	return g.spec.MeasurementPeriod.Start.Format("2006-01-02")
}

func (g *sqlGenerator) periodEnd() string {
	return g.spec.MeasurementPeriod.End.Format("2006-01-02")
}

func (g *sqlGenerator) addCTE(name, body string) {
	g.ctes = append(g.ctes, fmt.Sprintf("%s AS (\n%s\n)", name, indent(body, "    ")))
}

// emitIndexEvent derives the patient-level anchor date: the earliest (or
// latest) qualifying fact date inside the measurement period.
func (g *sqlGenerator) emitIndexEvent(ie *domain.IndexEventDefinition) {
	table := sqlFactTables[ie.Category]
	agg := "MIN"
	if ie.UseLatest {
		agg = "MAX"
	}
	codes := ie.AllCodes()
	codePred := "1 = 0"
	if len(codes) > 0 {
		codePred = fmt.Sprintf("code IN (%s)", sqlCodeList(codes))
	} else {
		g.warnf("index event %q resolved to zero codes; its anchor date can never exist", ie.Name)
	}
	body := fmt.Sprintf(
		"SELECT patient_id, %s(%s) AS event_date\nFROM %s\nWHERE %s\n  AND %s BETWEEN DATE '%s' AND DATE '%s'\nGROUP BY patient_id",
		agg, table.dateCol, table.name, codePred, table.dateCol, g.periodStart(), g.periodEnd())
	g.addCTE(indexCTEName(ie.Name), body)
}

func indexCTEName(event string) string {
	return "idx_" + sqlIdent(event)
}

// emitPopulation emits the population's tree bottom-up and a population CTE
// aliasing the root clause.
func (g *sqlGenerator) emitPopulation(pd *domain.PopulationDefinition) error {
	root := domain.CriteriaNode{Clause: pd.Criteria}
	rootCTE, err := g.emitNode(&root)
	if err != nil {
		return err
	}

	name := "pop_" + sqlIdent(string(pd.Type))
	if o := lockedOverride(g.overrides, g.spec.ID, string(pd.Type), domain.FormatSQL); o != nil {
		g.emitOverrideCTE(name, o)
		return nil
	}
	g.addCTE(name, fmt.Sprintf("SELECT patient_id FROM %s", rootCTE))
	return nil
}

// emitNode emits the CTE for one node (and its subtree) and returns the CTE
// name. Nodes shared across populations are emitted once.
func (g *sqlGenerator) emitNode(node *domain.CriteriaNode) (string, error) {
	if name, ok := g.emitted[node.NodeID()]; ok {
		return name, nil
	}

	prefix := "grp_"
	if node.IsLeaf() {
		prefix = "crit_"
	}
	name := prefix + sqlIdent(node.NodeID())
	g.emitted[node.NodeID()] = name

	if o := lockedOverride(g.overrides, g.spec.ID, node.NodeID(), domain.FormatSQL); o != nil {
		g.emitOverrideCTE(name, o)
		return name, nil
	}

	if node.IsLeaf() {
		body, err := g.elementBody(node.Leaf)
		if err != nil {
			return "", err
		}
		g.addCTE(name, body)
		return name, nil
	}

	clause := node.Clause
	childCTEs := make([]string, len(clause.Children))
	for i := range clause.Children {
		cn, err := g.emitNode(&clause.Children[i])
		if err != nil {
			return "", err
		}
		childCTEs[i] = cn
	}
	g.addCTE(name, g.clauseBody(clause, childCTEs))
	return name, nil
}

// emitOverrideCTE writes the stored override code verbatim as the CTE body.
// Overrides are expected to be a SELECT yielding patient_id rows.
func (g *sqlGenerator) emitOverrideCTE(name string, o *domain.CodeOverride) {
	body := overrideHeader(domain.FormatSQL, o) + "\n" + strings.TrimRight(o.Code, "\n")
	g.addCTE(name, body)
}

// clauseBody combines child CTEs with set operations, folding left to right
// under the effective pair operators and nesting the accumulated query when
// the operator changes.
func (g *sqlGenerator) clauseBody(clause *domain.LogicalClause, childCTEs []string) string {
	if clause.Operator == domain.OperatorNOT {
		return fmt.Sprintf("SELECT patient_id FROM patients\nEXCEPT\nSELECT patient_id FROM %s", childCTEs[0])
	}
	body := fmt.Sprintf("SELECT patient_id FROM %s", childCTEs[0])
	prevOp := ""
	for i := 1; i < len(childCTEs); i++ {
		op := operatorWord(domain.FormatSQL,
			clause.PairOperator(clause.Children[i-1].NodeID(), clause.Children[i].NodeID()))
		if prevOp != "" && op != prevOp {
			body = fmt.Sprintf("SELECT patient_id FROM (\n%s\n) q%d", indent(body, "    "), i)
		}
		body += fmt.Sprintf("\n%s\nSELECT patient_id FROM %s", op, childCTEs[i])
		prevOp = op
	}
	return body
}

// elementBody renders one data element as a CTE body selecting qualifying
// patient IDs.
func (g *sqlGenerator) elementBody(el *domain.DataElement) (string, error) {
	switch {
	case el.Category == domain.FactDemographic:
		return g.demographicBody(el), nil
	case el.Adherence != nil:
		return g.adherenceBody(el)
	case el.IsPairedObservation():
		return g.pairedObservationBody(el)
	}

	table, ok := sqlFactTables[el.Category]
	if !ok {
		return "", domain.NewGenerationError(domain.FormatSQL, el.ID,
			fmt.Sprintf("no warehouse table mapping for category %q", string(el.Category)))
	}

	var preds []string
	var joins []string

	codes := el.CodeSet()
	if len(codes) == 0 && len(el.Thresholds) == 0 {
		g.warnf("element %q has an empty code set; its predicate is always false", el.ID)
		preds = append(preds, "1 = 0")
	} else if len(codes) > 0 {
		preds = append(preds, fmt.Sprintf("f.code IN (%s)", sqlCodeList(codes)))
	}

	for i := range el.TimingRequirements {
		pred, join, err := g.timingPredicate(el.ID, "f."+table.dateCol, &el.TimingRequirements[i])
		if err != nil {
			return "", err
		}
		preds = append(preds, pred)
		if join != "" && !contains(joins, join) {
			joins = append(joins, join)
		}
	}
	for _, t := range el.Thresholds {
		preds = append(preds, fmt.Sprintf("f.result_value %s %s", sqlComparator(t.Comparator), formatNumber(t.Value)))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT DISTINCT f.patient_id\nFROM %s f", table.name)
	for _, j := range joins {
		fmt.Fprintf(&b, "\n%s", j)
	}
	if len(preds) > 0 {
		fmt.Fprintf(&b, "\nWHERE %s", strings.Join(preds, "\n  AND "))
	}

	if el.Negation {
		return fmt.Sprintf("SELECT patient_id FROM patients\nEXCEPT\n%s", b.String()), nil
	}
	return b.String(), nil
}

// demographicBody checks age thresholds against the start of the measurement
// period.
func (g *sqlGenerator) demographicBody(el *domain.DataElement) string {
	if len(el.Thresholds) == 0 {
		g.warnf("demographic element %q carries no thresholds", el.ID)
		return "SELECT patient_id FROM patients"
	}
	preds := make([]string, len(el.Thresholds))
	for i, t := range el.Thresholds {
		preds[i] = fmt.Sprintf("EXTRACT(YEAR FROM AGE(DATE '%s', p.birth_date)) %s %s",
			g.periodStart(), sqlComparator(t.Comparator), formatNumber(t.Value))
	}
	return fmt.Sprintf("SELECT p.patient_id\nFROM patients p\nWHERE %s", strings.Join(preds, "\n  AND "))
}

// adherenceBody sums days supply over the adherence window from the index
// event and compares the total against the required threshold.
func (g *sqlGenerator) adherenceBody(el *domain.DataElement) (string, error) {
	a := el.Adherence
	idx, err := g.requireIndexCTE(el.ID, a.IndexEvent)
	if err != nil {
		return "", err
	}
	table := sqlFactTables[domain.FactMedication]

	codePred := ""
	if codes := el.CodeSet(); len(codes) > 0 {
		codePred = fmt.Sprintf("\n      AND f.code IN (%s)", sqlCodeList(codes))
	}
	return fmt.Sprintf(
		"SELECT t.patient_id\nFROM (\n    SELECT f.patient_id, SUM(f.days_supply) AS total_days\n    FROM %s f\n    JOIN %s i ON i.patient_id = f.patient_id\n    WHERE f.%s BETWEEN i.event_date AND i.event_date + %d%s\n    GROUP BY f.patient_id\n) t\nWHERE t.total_days %s %s",
		table.name, idx, table.dateCol, a.WindowDays, codePred,
		sqlComparator(a.Comparator), formatNumber(a.RequiredDaysSupply)), nil
}

// pairedObservationBody selects patients whose most recent day carrying every
// observation type has all readings meeting their thresholds. The latest
// reading per type on that day wins, mirroring the evaluator.
func (g *sqlGenerator) pairedObservationBody(el *domain.DataElement) (string, error) {
	table := sqlFactTables[domain.FactObservation]

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT q.patient_id\nFROM (\n    SELECT o0.patient_id,\n")
	for i := range el.Thresholds {
		fmt.Fprintf(&b, "           o%d.result_value AS v%d,\n", i, i)
	}
	fmt.Fprintf(&b, "           ROW_NUMBER() OVER (PARTITION BY o0.patient_id ORDER BY o0.%s DESC) AS rn\n", table.dateCol)
	fmt.Fprintf(&b, "    FROM %s o0\n", table.name)
	for i := 1; i < len(el.Thresholds); i++ {
		fmt.Fprintf(&b, "    JOIN %s o%d\n      ON o%d.patient_id = o0.patient_id AND o%d.%s = o0.%s\n",
			table.name, i, i, i, table.dateCol, table.dateCol)
	}

	preds := make([]string, 0, len(el.Thresholds)+len(el.TimingRequirements))
	for i, t := range el.Thresholds {
		if len(t.Codes) == 0 {
			g.warnf("paired threshold %q on element %q has no codes", t.Label, el.ID)
			preds = append(preds, "1 = 0")
			continue
		}
		preds = append(preds, fmt.Sprintf("o%d.code IN (%s)", i, sqlCodeList(t.Codes)))
	}
	for i := range el.TimingRequirements {
		pred, join, err := g.timingPredicate(el.ID, "o0."+table.dateCol, &el.TimingRequirements[i])
		if err != nil {
			return "", err
		}
		if join != "" {
			return "", domain.NewGenerationError(domain.FormatSQL, el.ID,
				"paired observations support only measurement-period timing")
		}
		preds = append(preds, pred)
	}
	fmt.Fprintf(&b, "    WHERE %s\n) q\nWHERE q.rn = 1", strings.Join(preds, "\n      AND "))
	for i, t := range el.Thresholds {
		fmt.Fprintf(&b, "\n  AND q.v%d %s %s", i, sqlComparator(t.Comparator), formatNumber(t.Value))
	}

	if el.Negation {
		return fmt.Sprintf("SELECT patient_id FROM patients\nEXCEPT\n%s", b.String()), nil
	}
	return b.String(), nil
}

// timingPredicate renders one timing requirement as a WHERE predicate over
// dateExpr, plus the index-event join it depends on (empty when none).
// Measurement-period boundaries resolve to concrete date literals here;
// index-event boundaries become join arithmetic.
func (g *sqlGenerator) timingPredicate(componentID, dateExpr string, req *domain.TimingRequirement) (pred, join string, err error) {
	if req.Window != nil {
		startExpr, startJoin, err := g.boundaryExpr(componentID, req.Window.Start.Effective())
		if err != nil {
			return "", "", err
		}
		endExpr, endJoin, err := g.boundaryExpr(componentID, req.Window.End.Effective())
		if err != nil {
			return "", "", err
		}
		join = startJoin
		if join == "" {
			join = endJoin
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", dateExpr, startExpr, endExpr), join, nil
	}

	fields := req.Constraint.Effective()
	switch fields.Operator {
	case domain.TimingDuring, domain.TimingStartsDuring, domain.TimingEndsDuring, domain.TimingOverlaps:
		if fields.Anchor == domain.AnchorMeasurementPeriodStart || fields.Anchor == domain.AnchorMeasurementPeriodEnd {
			return fmt.Sprintf("%s BETWEEN DATE '%s' AND DATE '%s'", dateExpr, g.periodStart(), g.periodEnd()), "", nil
		}
		expr, join, err := g.boundaryExpr(componentID, fields)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s = %s", dateExpr, expr), join, nil

	case domain.TimingBeforeEnd:
		expr, join, err := g.boundaryExpr(componentID, fields)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s <= %s", dateExpr, expr), join, nil

	case domain.TimingAfterStart:
		expr, join, err := g.boundaryExpr(componentID, fields)
		if err != nil {
			return "", "", err
		}
		return fmt.Sprintf("%s >= %s", dateExpr, expr), join, nil

	case domain.TimingWithin:
		if fields.OffsetValue == nil {
			return "", "", domain.NewGenerationError(domain.FormatSQL, componentID,
				"'within' timing requires an offset value and unit")
		}
		base := fields
		base.OffsetValue = nil
		base.OffsetUnit = ""
		base.Direction = ""
		baseExpr, join, err := g.boundaryExpr(componentID, base)
		if err != nil {
			return "", "", err
		}
		shiftedExpr, _, err := g.boundaryExpr(componentID, fields)
		if err != nil {
			return "", "", err
		}
		if fields.Direction == domain.DirectionBefore {
			return fmt.Sprintf("%s BETWEEN %s AND %s", dateExpr, shiftedExpr, baseExpr), join, nil
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", dateExpr, baseExpr, shiftedExpr), join, nil

	default:
		return "", "", domain.NewGenerationError(domain.FormatSQL, componentID,
			fmt.Sprintf("unknown timing operator %q", string(fields.Operator)))
	}
}

// boundaryExpr renders one timing boundary as a date expression. Measurement
// period anchors become literals with the offset folded in at generation
// time; index-event anchors become column arithmetic over the event CTE.
func (g *sqlGenerator) boundaryExpr(componentID string, fields domain.TimingFields) (expr, join string, err error) {
	switch fields.Anchor {
	case domain.AnchorMeasurementPeriodStart:
		at := applyOffsetDate(g.spec.MeasurementPeriod.Start, fields)
		return fmt.Sprintf("DATE '%s'", at.Format("2006-01-02")), "", nil
	case domain.AnchorMeasurementPeriodEnd:
		at := applyOffsetDate(g.spec.MeasurementPeriod.End, fields)
		return fmt.Sprintf("DATE '%s'", at.Format("2006-01-02")), "", nil
	case domain.AnchorIndexEvent:
		idx, err := g.requireIndexCTE(componentID, fields.IndexEvent)
		if err != nil {
			return "", "", err
		}
		return offsetColumnExpr("i.event_date", fields),
			fmt.Sprintf("JOIN %s i ON i.patient_id = f.patient_id", idx), nil
	default:
		return "", "", domain.NewGenerationError(domain.FormatSQL, componentID,
			fmt.Sprintf("anchor %q cannot be expressed as a warehouse predicate", string(fields.Anchor)))
	}
}

// requireIndexCTE resolves an index-event reference to its CTE name. A
// reference with no definition is fatal for the SQL target: the query would
// join a CTE that does not exist.
func (g *sqlGenerator) requireIndexCTE(componentID, event string) (string, error) {
	for i := range g.spec.IndexEvents {
		if g.spec.IndexEvents[i].Name == event {
			return indexCTEName(event), nil
		}
	}
	return "", domain.NewGenerationError(domain.FormatSQL, componentID,
		fmt.Sprintf("index event %q has no definition; no CTE can be generated for it", event))
}

// offsetColumnExpr shifts a date column by the offset fields using day
// arithmetic for days and weeks and interval arithmetic for months and years.
func offsetColumnExpr(col string, fields domain.TimingFields) string {
	if fields.OffsetValue == nil {
		return col
	}
	sign := "+"
	if fields.Direction == domain.DirectionBefore {
		sign = "-"
	}
	n := *fields.OffsetValue
	switch fields.OffsetUnit {
	case domain.UnitDays:
		return fmt.Sprintf("%s %s %d", col, sign, n)
	case domain.UnitWeeks:
		return fmt.Sprintf("%s %s %d", col, sign, n*7)
	default:
		return fmt.Sprintf("%s %s INTERVAL '%d %s'", col, sign, n, string(fields.OffsetUnit))
	}
}

// emitFinalSelect closes the statement with one membership row per patient
// per population.
func (g *sqlGenerator) emitFinalSelect(b *strings.Builder, pops []domain.PopulationType) {
	selects := make([]string, len(pops))
	for i, pt := range pops {
		selects[i] = fmt.Sprintf("SELECT patient_id, '%s' AS population FROM pop_%s",
			string(pt), sqlIdent(string(pt)))
	}
	fmt.Fprintf(b, "%s\nORDER BY population, patient_id", strings.Join(selects, "\nUNION ALL\n"))
}

func sqlComparator(c domain.Comparator) string {
	if c == domain.CompareNE {
		return "<>"
	}
	return string(c)
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
