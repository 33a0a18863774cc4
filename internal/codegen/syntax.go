// Package codegen compiles canonical measure specifications into executable
// code text. Two targets are supported: a clinical expression language with
// named defines and temporal phrases, and warehouse SQL built from common
// table expressions combined with set operations. Generation is deterministic:
// the same specification always yields byte-identical output.
package codegen

import (
	"fmt"
	"sort"
	"strings"

	"github.com/quality-measure-engine/internal/domain"
)

// commentPrefix returns the single-line comment marker for a target.
func commentPrefix(format domain.TargetFormat) string {
	if format == domain.FormatSQL {
		return "--"
	}
	return "//"
}

// populationOrder is the emission order for population definitions, so output
// is stable regardless of the order populations appear in the measure.
var populationOrder = []domain.PopulationType{
	domain.InitialPopulation,
	domain.Denominator,
	domain.DenominatorExclusion,
	domain.DenominatorException,
	domain.Numerator,
	domain.NumeratorExclusion,
}

// populationDisplay maps a population gate to its human-readable define name.
var populationDisplay = map[domain.PopulationType]string{
	domain.InitialPopulation:    "Initial Population",
	domain.Denominator:          "Denominator",
	domain.DenominatorExclusion: "Denominator Exclusion",
	domain.DenominatorException: "Denominator Exception",
	domain.Numerator:            "Numerator",
	domain.NumeratorExclusion:   "Numerator Exclusion",
}

// sqlIdent lowercases s and squashes every run of non-alphanumeric characters
// to a single underscore, producing a safe SQL identifier fragment.
func sqlIdent(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}

// libraryIdent turns a measure ID into a PascalCase-ish library identifier.
func libraryIdent(s string) string {
	parts := strings.FieldsFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9')
	})
	var b strings.Builder
	for _, p := range parts {
		b.WriteString(strings.ToUpper(p[:1]))
		b.WriteString(p[1:])
	}
	if b.Len() == 0 {
		return "Measure"
	}
	return b.String()
}

// sqlStringLiteral quotes s as a SQL string, doubling embedded quotes.
func sqlStringLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// sqlCodeList renders a deduplicated, sorted IN-list of code literals.
// Sorting keeps the output deterministic across runs.
func sqlCodeList(codes []domain.CodeReference) string {
	seen := make(map[string]bool, len(codes))
	values := make([]string, 0, len(codes))
	for _, c := range codes {
		if !seen[c.Code] {
			seen[c.Code] = true
			values = append(values, sqlStringLiteral(c.Code))
		}
	}
	sort.Strings(values)
	return strings.Join(values, ", ")
}

// cqlCodeList renders a deduplicated, sorted CQL list literal of codes.
func cqlCodeList(codes []domain.CodeReference) string {
	seen := make(map[string]bool, len(codes))
	values := make([]string, 0, len(codes))
	for _, c := range codes {
		if !seen[c.Code] {
			seen[c.Code] = true
			values = append(values, "'"+c.Code+"'")
		}
	}
	sort.Strings(values)
	return "{ " + strings.Join(values, ", ") + " }"
}

// operatorWord returns the target-language spelling of a logical operator
// between two sibling expressions.
func operatorWord(format domain.TargetFormat, op domain.LogicalOperator) string {
	if format == domain.FormatSQL {
		if op == domain.OperatorOR {
			return "UNION"
		}
		return "INTERSECT"
	}
	if op == domain.OperatorOR {
		return "or"
	}
	return "and"
}

// overrideHeader renders the comment block placed above manually-overridden
// component code.
func overrideHeader(format domain.TargetFormat, o *domain.CodeOverride) string {
	prefix := commentPrefix(format)
	return fmt.Sprintf("%s manual override for component %s (locked, version %d)",
		prefix, o.ComponentID, o.Version)
}

// lockedOverride returns the locked override for a component in one format,
// or nil. Unlocked overrides are drafts and never applied; overrides for a
// different format never leak across.
func lockedOverride(lookup domain.OverrideLookup, measureID, componentID string, format domain.TargetFormat) *domain.CodeOverride {
	if lookup == nil {
		return nil
	}
	o := lookup.Lookup(measureID, componentID, format)
	if o == nil || !o.IsLocked {
		return nil
	}
	return o
}
