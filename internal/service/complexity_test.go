package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/quality-measure-engine/internal/domain"
)

func leafNode(el domain.DataElement) domain.CriteriaNode {
	return domain.CriteriaNode{Leaf: &el}
}

func simpleLeaf(id string) domain.CriteriaNode {
	return leafNode(domain.DataElement{
		ID:       id,
		Category: domain.FactDiagnosis,
		DirectCodes: []domain.CodeReference{
			{Code: "I10", System: "ICD-10-CM"},
		},
	})
}

func TestScoreAtomicElement(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	node := simpleLeaf("htn-dx")
	score := s.Score(&node)

	assert.Equal(t, 1, score.Score)
	assert.Equal(t, domain.ComplexityLow, score.Level)
	assert.False(t, score.Factors.NeedsReview)
}

func TestScoreCountsTimingNegationAndEmptyCodes(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	node := leafNode(domain.DataElement{
		ID:       "complicated",
		Category: domain.FactProcedure,
		Negation: true,
		TimingRequirements: []domain.TimingRequirement{
			{Constraint: &domain.TimingConstraint{ID: "t1", Original: domain.TimingFields{
				Operator: domain.TimingDuring, Anchor: domain.AnchorMeasurementPeriodStart,
			}}},
			{Constraint: &domain.TimingConstraint{ID: "t2", Original: domain.TimingFields{
				Operator: domain.TimingBeforeEnd, Anchor: domain.AnchorMeasurementPeriodEnd,
			}}},
		},
		// No codes at all: flagged for review.
	})

	score := s.Score(&node)
	// 1 base + 2 timing + 1 negation + 1 empty code set.
	assert.Equal(t, 5, score.Score)
	assert.Equal(t, domain.ComplexityMedium, score.Level)
	assert.Equal(t, 2, score.Factors.TimingClauses)
	assert.Equal(t, 1, score.Factors.Negations)
	assert.Equal(t, 1, score.Factors.EmptyCodeSets)
	assert.True(t, score.Factors.NeedsReview)
}

func TestScoreDemographicWithoutCodesNotFlagged(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	node := leafNode(domain.DataElement{
		ID:       "age-18-85",
		Category: domain.FactDemographic,
		Thresholds: []domain.Threshold{
			{Comparator: domain.CompareGE, Value: 18},
			{Comparator: domain.CompareLE, Value: 85},
		},
	})

	score := s.Score(&node)
	assert.Equal(t, 1, score.Score)
	assert.Zero(t, score.Factors.EmptyCodeSets)
	assert.False(t, score.Factors.NeedsReview)
}

func TestScoreCompositeAndPairsAndNesting(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	inner := domain.LogicalClause{
		ID:       "inner",
		Operator: domain.OperatorOR,
		Children: []domain.CriteriaNode{simpleLeaf("a"), simpleLeaf("b")},
	}
	node := domain.CriteriaNode{Clause: &domain.LogicalClause{
		ID:       "outer",
		Operator: domain.OperatorAND,
		Children: []domain.CriteriaNode{
			simpleLeaf("c"),
			{Clause: &inner},
		},
	}}

	score := s.Score(&node)
	// Leaves a, b, c contribute 3; the outer AND pair 1; the nested clause 1.
	assert.Equal(t, 5, score.Score)
	assert.Equal(t, 1, score.Factors.AndOperators)
	assert.Equal(t, 1, score.Factors.NestingDepth)
}

func TestScoreSiblingOverrideChangesAndCount(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	clause := &domain.LogicalClause{
		ID:       "root",
		Operator: domain.OperatorAND,
		Children: []domain.CriteriaNode{simpleLeaf("a"), simpleLeaf("b"), simpleLeaf("c")},
		SiblingConnections: []domain.SiblingConnection{
			{FromID: "b", ToID: "c", Operator: domain.OperatorOR},
		},
	}
	node := domain.CriteriaNode{Clause: clause}

	score := s.Score(&node)
	// Only the a-b pair counts as AND.
	assert.Equal(t, 1, score.Factors.AndOperators)
	assert.Equal(t, 4, score.Score)
}

func TestScoreMonotonicity(t *testing.T) {
	s := NewComplexityScorer(testLogger())

	base := leafNode(domain.DataElement{
		ID:       "el",
		Category: domain.FactDiagnosis,
		DirectCodes: []domain.CodeReference{
			{Code: "I10", System: "ICD-10-CM"},
		},
	})
	baseScore := s.Score(&base).Score

	withTiming := base
	el := *withTiming.Leaf
	el.TimingRequirements = []domain.TimingRequirement{
		{Constraint: &domain.TimingConstraint{ID: "t1", Original: domain.TimingFields{
			Operator: domain.TimingDuring, Anchor: domain.AnchorMeasurementPeriodStart,
		}}},
	}
	withTiming.Leaf = &el
	assert.Greater(t, s.Score(&withTiming).Score, baseScore)

	withNegation := withTiming
	el2 := *withNegation.Leaf
	el2.Negation = true
	withNegation.Leaf = &el2
	assert.Greater(t, s.Score(&withNegation).Score, s.Score(&withTiming).Score)
}

func TestScoreBuckets(t *testing.T) {
	tests := []struct {
		score int
		want  domain.ComplexityLevel
	}{
		{1, domain.ComplexityLow},
		{3, domain.ComplexityLow},
		{4, domain.ComplexityMedium},
		{7, domain.ComplexityMedium},
		{8, domain.ComplexityHigh},
		{20, domain.ComplexityHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, bucketComplexity(tt.score), "score %d", tt.score)
	}
}
