package codegen

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quality-measure-engine/internal/domain"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// staticOverrides is a map-backed OverrideLookup for tests.
type staticOverrides map[string]*domain.CodeOverride

func (s staticOverrides) Lookup(measureID, componentID string, format domain.TargetFormat) *domain.CodeOverride {
	return s[measureID+"|"+componentID+"|"+string(format)]
}

func intPtr(n int) *int { return &n }

// bpControlMeasure builds a blood-pressure control measure exercising age
// thresholds, code-set criteria, paired observations, negation and an
// index-event-anchored adherence window.
func bpControlMeasure() *domain.MeasureSpec {
	htnVS := &domain.ValueSetReference{
		ID:   "vs-htn",
		Name: "Essential Hypertension",
		OID:  "2.16.840.1.113883.3.464.1003.104.12.1011",
		Codes: []domain.CodeReference{
			{Code: "I10", System: "ICD-10-CM", Display: "Essential hypertension"},
		},
	}

	return &domain.MeasureSpec{
		ID:          "cms165-bp-control",
		Title:       "Controlling High Blood Pressure",
		SpecVersion: "2026.1",
		MeasurementPeriod: domain.Period{
			Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC),
		},
		IndexEvents: []domain.IndexEventDefinition{
			{
				Name:     "IPSD",
				Category: domain.FactMedication,
				Codes: []domain.CodeReference{
					{Code: "197361", System: "RxNorm"},
				},
			},
		},
		Populations: []domain.PopulationDefinition{
			{
				Type: domain.InitialPopulation,
				Criteria: &domain.LogicalClause{
					ID:       "ip-root",
					Label:    "Adults With Hypertension",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{
						{Leaf: &domain.DataElement{
							ID:       "age-18-85",
							Label:    "Age 18 to 85",
							Category: domain.FactDemographic,
							Thresholds: []domain.Threshold{
								{Comparator: domain.CompareGE, Value: 18},
								{Comparator: domain.CompareLE, Value: 85},
							},
						}},
						{Leaf: &domain.DataElement{
							ID:       "htn-dx",
							Label:    "Hypertension Diagnosis",
							Category: domain.FactDiagnosis,
							ValueSet: htnVS,
							TimingRequirements: []domain.TimingRequirement{
								{Constraint: &domain.TimingConstraint{
									ID: "t-dx",
									Original: domain.TimingFields{
										Operator: domain.TimingDuring,
										Anchor:   domain.AnchorMeasurementPeriodStart,
									},
								}},
							},
						}},
					},
				},
			},
			{
				Type: domain.Denominator,
				Criteria: &domain.LogicalClause{
					ID:       "denom-root",
					Label:    "Denominator Criteria",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{
						{Leaf: &domain.DataElement{
							ID:       "med-adherent",
							Label:    "Medication Adherence",
							Category: domain.FactMedication,
							DirectCodes: []domain.CodeReference{
								{Code: "197361", System: "RxNorm"},
							},
							Adherence: &domain.AdherenceRequirement{
								IndexEvent:         "IPSD",
								WindowDays:         120,
								Comparator:         domain.CompareGE,
								RequiredDaysSupply: 90,
							},
						}},
					},
				},
			},
			{
				Type: domain.Numerator,
				Criteria: &domain.LogicalClause{
					ID:       "num-root",
					Label:    "Blood Pressure Controlled",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{
						{Leaf: &domain.DataElement{
							ID:       "bp-controlled",
							Label:    "BP Below Goal",
							Category: domain.FactObservation,
							Thresholds: []domain.Threshold{
								{
									Label:      "systolic",
									Codes:      []domain.CodeReference{{Code: "8480-6", System: "LOINC"}},
									Comparator: domain.CompareLT,
									Value:      140,
								},
								{
									Label:      "diastolic",
									Codes:      []domain.CodeReference{{Code: "8462-4", System: "LOINC"}},
									Comparator: domain.CompareLT,
									Value:      90,
								},
							},
							TimingRequirements: []domain.TimingRequirement{
								{Constraint: &domain.TimingConstraint{
									ID: "t-bp",
									Original: domain.TimingFields{
										Operator: domain.TimingDuring,
										Anchor:   domain.AnchorMeasurementPeriodStart,
									},
								}},
							},
						}},
					},
				},
			},
			{
				Type: domain.DenominatorExclusion,
				Criteria: &domain.LogicalClause{
					ID:       "excl-root",
					Label:    "Exclusions",
					Operator: domain.OperatorOR,
					Children: []domain.CriteriaNode{
						{Leaf: &domain.DataElement{
							ID:       "esrd-dx",
							Label:    "ESRD Diagnosis",
							Category: domain.FactDiagnosis,
							DirectCodes: []domain.CodeReference{
								{Code: "N18.6", System: "ICD-10-CM"},
							},
						}},
					},
				},
			},
		},
	}
}

func TestCompileCQL(t *testing.T) {
	compiler := NewMeasureCompiler(testLogger())
	out, err := compiler.Compile(bpControlMeasure(), domain.FormatCQL, nil)
	require.NoError(t, err)
	require.NotNil(t, out)

	assert.Equal(t, domain.FormatCQL, out.Format)
	assert.Contains(t, out.Code, "library Cms165BpControl version '2026.1'")
	assert.Contains(t, out.Code, `parameter "Measurement Period"`)
	assert.Contains(t, out.Code, `valueset "Essential Hypertension": '2.16.840.1.113883.3.464.1003.104.12.1011'`)
	assert.Contains(t, out.Code, `define "IPSD":`)
	assert.Contains(t, out.Code, `define "Age 18 to 85":`)
	assert.Contains(t, out.Code, `AgeInYearsAt(start of "Measurement Period") >= 18`)
	assert.Contains(t, out.Code, `define "Hypertension Diagnosis":`)
	assert.Contains(t, out.Code, `during "Measurement Period"`)
	assert.Contains(t, out.Code, `define "Initial Population":`)
	assert.Contains(t, out.Code, `"Age 18 to 85" and "Hypertension Diagnosis"`)
	assert.Contains(t, out.Code, `define "Numerator":`)
	assert.Contains(t, out.Code, "O0.value < 140")
	assert.Contains(t, out.Code, "O1.value < 90")
	assert.Contains(t, out.Code, `Interval["IPSD", "IPSD" + 120 days]`)
	assert.Empty(t, out.Warnings)
}

func TestCompileSQL(t *testing.T) {
	compiler := NewMeasureCompiler(testLogger())
	out, err := compiler.Compile(bpControlMeasure(), domain.FormatSQL, nil)
	require.NoError(t, err)

	assert.Equal(t, domain.FormatSQL, out.Format)
	assert.Contains(t, out.Code, "-- Controlling High Blood Pressure")
	assert.Contains(t, out.Code, "WITH idx_ipsd AS (")
	assert.Contains(t, out.Code, "crit_htn_dx AS (")
	assert.Contains(t, out.Code, "f.code IN ('I10')")
	assert.Contains(t, out.Code, "BETWEEN DATE '2025-01-01' AND DATE '2025-12-31'")
	assert.Contains(t, out.Code, "INTERSECT")
	assert.Contains(t, out.Code, "SUM(f.days_supply) AS total_days")
	assert.Contains(t, out.Code, "i.event_date + 120")
	assert.Contains(t, out.Code, "t.total_days >= 90")
	assert.Contains(t, out.Code, "ROW_NUMBER() OVER (PARTITION BY o0.patient_id")
	assert.Contains(t, out.Code, "q.v0 < 140")
	assert.Contains(t, out.Code, "q.v1 < 90")
	assert.Contains(t, out.Code, "pop_initial_population AS (")
	assert.Contains(t, out.Code, "ORDER BY population, patient_id")
	assert.Empty(t, out.Warnings)
}

func TestCompileDeterministic(t *testing.T) {
	compiler := NewMeasureCompiler(testLogger())
	for _, format := range []domain.TargetFormat{domain.FormatCQL, domain.FormatSQL} {
		first, err := compiler.Compile(bpControlMeasure(), format, nil)
		require.NoError(t, err)
		second, err := compiler.Compile(bpControlMeasure(), format, nil)
		require.NoError(t, err)
		assert.Equal(t, first.Code, second.Code, "format %s", format)
	}
}

func TestCompileInvalidFormat(t *testing.T) {
	compiler := NewMeasureCompiler(testLogger())
	_, err := compiler.Compile(bpControlMeasure(), domain.TargetFormat("yaml"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidFormat)
}

func TestCompileLockedOverrideAppliedPerFormat(t *testing.T) {
	spec := bpControlMeasure()
	overrides := staticOverrides{
		spec.ID + "|htn-dx|" + string(domain.FormatSQL): {
			MeasureID:   spec.ID,
			ComponentID: "htn-dx",
			Format:      domain.FormatSQL,
			Code:        "SELECT patient_id FROM curated_htn_registry",
			IsLocked:    true,
			Version:     3,
		},
	}
	compiler := NewMeasureCompiler(testLogger())

	sqlOut, err := compiler.Compile(spec, domain.FormatSQL, overrides)
	require.NoError(t, err)
	assert.Contains(t, sqlOut.Code, "curated_htn_registry")
	assert.Contains(t, sqlOut.Code, "-- manual override for component htn-dx (locked, version 3)")
	assert.NotContains(t, sqlOut.Code, "f.code IN ('I10')")

	// The override is scoped to the SQL target; CQL still generates.
	cqlOut, err := compiler.Compile(spec, domain.FormatCQL, overrides)
	require.NoError(t, err)
	assert.NotContains(t, cqlOut.Code, "curated_htn_registry")
	assert.Contains(t, cqlOut.Code, `define "Hypertension Diagnosis":`)
}

func TestCompileUnlockedOverrideIgnored(t *testing.T) {
	spec := bpControlMeasure()
	overrides := staticOverrides{
		spec.ID + "|htn-dx|" + string(domain.FormatSQL): {
			MeasureID:   spec.ID,
			ComponentID: "htn-dx",
			Format:      domain.FormatSQL,
			Code:        "SELECT patient_id FROM draft_table",
			IsLocked:    false,
		},
	}
	compiler := NewMeasureCompiler(testLogger())

	out, err := compiler.Compile(spec, domain.FormatSQL, overrides)
	require.NoError(t, err)
	assert.NotContains(t, out.Code, "draft_table")
	assert.Contains(t, out.Code, "f.code IN ('I10')")
}

func TestCompilePopulationOverride(t *testing.T) {
	spec := bpControlMeasure()
	overrides := staticOverrides{
		spec.ID + "|numerator|" + string(domain.FormatCQL): {
			MeasureID:   spec.ID,
			ComponentID: "numerator",
			Format:      domain.FormatCQL,
			Code:        `"BP Below Goal" and "Confirmed By Review"`,
			IsLocked:    true,
			Version:     1,
		},
	}
	compiler := NewMeasureCompiler(testLogger())

	out, err := compiler.Compile(spec, domain.FormatCQL, overrides)
	require.NoError(t, err)
	assert.Contains(t, out.Code, `"Confirmed By Review"`)
}

func TestCompileEmptyValueSetWarns(t *testing.T) {
	spec := bpControlMeasure()
	spec.Populations[0].Criteria.Children[1].Leaf.ValueSet.Codes = nil

	compiler := NewMeasureCompiler(testLogger())
	for _, format := range []domain.TargetFormat{domain.FormatCQL, domain.FormatSQL} {
		out, err := compiler.Compile(spec, format, nil)
		require.NoError(t, err, "format %s", format)
		require.NotEmpty(t, out.Warnings, "format %s", format)
		assert.True(t, strings.Contains(strings.Join(out.Warnings, "\n"), "zero codes") ||
			strings.Contains(strings.Join(out.Warnings, "\n"), "empty code set"))
	}
}

func TestCompileUndefinedIndexEventFatalForSQLOnly(t *testing.T) {
	spec := bpControlMeasure()
	spec.IndexEvents = nil

	compiler := NewMeasureCompiler(testLogger())

	_, err := compiler.Compile(spec, domain.FormatSQL, nil)
	require.Error(t, err)
	var genErr *domain.GenerationError
	require.True(t, errors.As(err, &genErr))
	assert.Equal(t, domain.FormatSQL, genErr.Format)
	assert.Equal(t, "med-adherent", genErr.ComponentID)

	// The expression target still emits, flagging the dangling reference.
	out, err := compiler.Compile(spec, domain.FormatCQL, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Warnings)
}

func TestCompileMixedSiblingOperatorsGroup(t *testing.T) {
	spec := bpControlMeasure()
	root := spec.Populations[0].Criteria
	root.Children = append(root.Children, domain.CriteriaNode{Leaf: &domain.DataElement{
		ID:       "htn-rx",
		Label:    "Hypertension Medication",
		Category: domain.FactMedication,
		DirectCodes: []domain.CodeReference{
			{Code: "197361", System: "RxNorm"},
		},
	}})
	root.SiblingConnections = []domain.SiblingConnection{
		{FromID: "htn-dx", ToID: "htn-rx", Operator: domain.OperatorOR},
	}

	compiler := NewMeasureCompiler(testLogger())

	cqlOut, err := compiler.Compile(spec, domain.FormatCQL, nil)
	require.NoError(t, err)
	assert.Contains(t, cqlOut.Code, `("Age 18 to 85" and "Hypertension Diagnosis") or "Hypertension Medication"`)

	sqlOut, err := compiler.Compile(spec, domain.FormatSQL, nil)
	require.NoError(t, err)
	assert.Contains(t, sqlOut.Code, "UNION\n    SELECT patient_id FROM crit_htn_rx")
}

func TestCompileCQLDuplicateLabelsDisambiguated(t *testing.T) {
	spec := bpControlMeasure()
	root := spec.Populations[0].Criteria
	// Two distinct nodes carrying the same display label.
	root.Children = append(root.Children, domain.CriteriaNode{Leaf: &domain.DataElement{
		ID:       "htn-dx-confirmed",
		Label:    "Hypertension Diagnosis",
		Category: domain.FactDiagnosis,
		DirectCodes: []domain.CodeReference{
			{Code: "I15.0", System: "ICD-10-CM"},
		},
	}})

	compiler := NewMeasureCompiler(testLogger())
	out, err := compiler.Compile(spec, domain.FormatCQL, nil)
	require.NoError(t, err)

	assert.Contains(t, out.Code, `define "Hypertension Diagnosis":`)
	assert.Contains(t, out.Code, `define "Hypertension Diagnosis (htn-dx-confirmed)":`)
	// The clause references the renamed define, not the shadowed one.
	assert.Contains(t, out.Code, `and "Hypertension Diagnosis (htn-dx-confirmed)"`)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, strings.Join(out.Warnings, "\n"), "share the label")
}

func TestCompileNegationEmitsComplement(t *testing.T) {
	spec := bpControlMeasure()
	spec.Populations[3].Criteria.Children[0].Leaf.Negation = true

	compiler := NewMeasureCompiler(testLogger())

	cqlOut, err := compiler.Compile(spec, domain.FormatCQL, nil)
	require.NoError(t, err)
	assert.Contains(t, cqlOut.Code, "not exists (")

	sqlOut, err := compiler.Compile(spec, domain.FormatSQL, nil)
	require.NoError(t, err)
	assert.Contains(t, sqlOut.Code, "SELECT patient_id FROM patients\n    EXCEPT")
}

func TestCompileWithinTiming(t *testing.T) {
	spec := bpControlMeasure()
	spec.Populations[0].Criteria.Children[1].Leaf.TimingRequirements = []domain.TimingRequirement{
		{Constraint: &domain.TimingConstraint{
			ID: "t-within",
			Original: domain.TimingFields{
				Operator:    domain.TimingWithin,
				Anchor:      domain.AnchorIndexEvent,
				IndexEvent:  "IPSD",
				OffsetValue: intPtr(120),
				OffsetUnit:  domain.UnitDays,
				Direction:   domain.DirectionAfter,
			},
		}},
	}

	compiler := NewMeasureCompiler(testLogger())

	cqlOut, err := compiler.Compile(spec, domain.FormatCQL, nil)
	require.NoError(t, err)
	assert.Contains(t, cqlOut.Code, `within 120 days after "IPSD"`)

	sqlOut, err := compiler.Compile(spec, domain.FormatSQL, nil)
	require.NoError(t, err)
	assert.Contains(t, sqlOut.Code, "JOIN idx_ipsd i ON i.patient_id = f.patient_id")
	assert.Contains(t, sqlOut.Code, "BETWEEN i.event_date AND i.event_date + 120")
}
