package codegen

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
)

// generator is the per-target emitter behind the compiler.
type generator interface {
	generate() (*domain.GeneratedCode, error)
}

// MeasureCompiler translates measure specifications into code text for one
// target at a time. Generation errors are fatal for the requested target
// only; value-set and reference problems that still yield runnable code
// surface as warnings on the result instead.
type MeasureCompiler struct {
	logger *logrus.Logger
}

// NewMeasureCompiler creates a compiler.
func NewMeasureCompiler(logger *logrus.Logger) *MeasureCompiler {
	return &MeasureCompiler{logger: logger}
}

// Compile generates code for the measure in the requested format. A nil
// override lookup means no overrides; locked overrides replace the generated
// code for their component verbatim.
func (c *MeasureCompiler) Compile(spec *domain.MeasureSpec, format domain.TargetFormat, overrides domain.OverrideLookup) (*domain.GeneratedCode, error) {
	if !format.IsValid() {
		return nil, fmt.Errorf("compile: %q: %w", string(format), domain.ErrInvalidFormat)
	}
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("compile %s: %w", spec.ID, err)
	}

	var gen generator
	switch format {
	case domain.FormatCQL:
		gen = newCQLGenerator(spec, overrides)
	case domain.FormatSQL:
		gen = newSQLGenerator(spec, overrides)
	}

	out, err := gen.generate()
	if err != nil {
		c.logger.WithFields(logrus.Fields{
			"measure_id": spec.ID,
			"format":     string(format),
			"error":      err.Error(),
		}).Error("Code generation failed")
		return nil, err
	}

	c.logger.WithFields(logrus.Fields{
		"measure_id": spec.ID,
		"format":     string(format),
		"bytes":      len(out.Code),
		"warnings":   len(out.Warnings),
	}).Info("Generated measure code")
	return out, nil
}

// applyOffsetDate shifts a concrete date by the boundary's offset fields, the
// same arithmetic the timing resolver applies at evaluation time.
func applyOffsetDate(at time.Time, fields domain.TimingFields) time.Time {
	if fields.OffsetValue == nil {
		return at
	}
	n := *fields.OffsetValue
	if fields.Direction == domain.DirectionBefore {
		n = -n
	}
	switch fields.OffsetUnit {
	case domain.UnitDays:
		return at.AddDate(0, 0, n)
	case domain.UnitWeeks:
		return at.AddDate(0, 0, n*7)
	case domain.UnitMonths:
		return at.AddDate(0, n, 0)
	case domain.UnitYears:
		return at.AddDate(n, 0, 0)
	default:
		return at
	}
}
