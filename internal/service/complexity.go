package service

import (
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
)

// Complexity level thresholds over the numeric score.
const (
	complexityMediumAt = 4
	complexityHighAt   = 8
)

// TreeComplexityScorer computes the editorial-triage metric over a criteria
// tree. The score is monotonic: adding any qualifying factor never decreases
// it.
type TreeComplexityScorer struct {
	logger *logrus.Logger
}

// NewComplexityScorer creates a scorer.
func NewComplexityScorer(logger *logrus.Logger) *TreeComplexityScorer {
	return &TreeComplexityScorer{logger: logger}
}

// Score computes the complexity of one node and its subtree.
func (s *TreeComplexityScorer) Score(node *domain.CriteriaNode) domain.ComplexityScore {
	factors := domain.ComplexityFactors{}
	score := s.scoreNode(node, 0, &factors)

	factors.NeedsReview = factors.EmptyCodeSets > 0
	result := domain.ComplexityScore{
		Score:   score,
		Level:   bucketComplexity(score),
		Factors: factors,
	}

	s.logger.WithFields(logrus.Fields{
		"node_id": node.NodeID(),
		"score":   result.Score,
		"level":   string(result.Level),
	}).Debug("Scored criteria complexity")

	return result
}

// scoreNode recurses with the current nesting depth. Atomic elements start
// at 1, +1 per timing clause, +1 for negation, +1 when the code set is
// empty. Composites sum children, +1 per AND pair, +1 per nesting level
// beyond the first.
func (s *TreeComplexityScorer) scoreNode(node *domain.CriteriaNode, depth int, factors *domain.ComplexityFactors) int {
	if node.Leaf != nil {
		return s.scoreElement(node.Leaf, factors)
	}

	clause := node.Clause
	score := 0
	for i := range clause.Children {
		score += s.scoreNode(&clause.Children[i], depth+1, factors)
	}

	andPairs := s.countAndPairs(clause)
	score += andPairs
	factors.AndOperators += andPairs

	if depth > 0 {
		score++
		if depth > factors.NestingDepth {
			factors.NestingDepth = depth
		}
	}
	return score
}

func (s *TreeComplexityScorer) scoreElement(el *domain.DataElement, factors *domain.ComplexityFactors) int {
	score := 1

	score += len(el.TimingRequirements)
	factors.TimingClauses += len(el.TimingRequirements)

	if el.Negation {
		score++
		factors.Negations++
	}

	// An element that should carry codes but resolved to none is flagged
	// for manual review.
	if el.Category != domain.FactDemographic && len(el.CodeSet()) == 0 {
		score++
		factors.EmptyCodeSets++
	}
	return score
}

// countAndPairs counts adjacent child pairs whose effective operator is AND,
// honoring sibling overrides.
func (s *TreeComplexityScorer) countAndPairs(clause *domain.LogicalClause) int {
	if clause.Operator == domain.OperatorNOT {
		return 0
	}
	count := 0
	for i := 1; i < len(clause.Children); i++ {
		op := clause.PairOperator(clause.Children[i-1].NodeID(), clause.Children[i].NodeID())
		if op == domain.OperatorAND {
			count++
		}
	}
	return count
}

func bucketComplexity(score int) domain.ComplexityLevel {
	switch {
	case score >= complexityHighAt:
		return domain.ComplexityHigh
	case score >= complexityMediumAt:
		return domain.ComplexityMedium
	default:
		return domain.ComplexityLow
	}
}
