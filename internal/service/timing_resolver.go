// Package service contains the measure-logic engine: the timing resolver,
// the criteria evaluator and the complexity scorer. Everything here is a
// pure, synchronous tree walk over immutable inputs; evaluating many
// patients concurrently needs no locking.
package service

import (
	"fmt"
	"time"

	"github.com/quality-measure-engine/internal/domain"
)

// farFuture bounds open-ended windows such as "after start of X".
var farFuture = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// StandardTimingResolver resolves timing boundaries against the measurement
// period and a patient's index events. It performs no I/O and holds no state.
type StandardTimingResolver struct{}

// NewTimingResolver creates a timing resolver.
func NewTimingResolver() *StandardTimingResolver {
	return &StandardTimingResolver{}
}

// resolveAnchor maps the anchor to its concrete date, before any offset.
// Fact-relative anchors (encounter, diagnosis, procedure, discharge dates)
// resolve through the supplied event map under their anchor name; the
// evaluator overlays one entry per candidate anchor fact when calling in.
func (r *StandardTimingResolver) resolveAnchor(fields domain.TimingFields, period domain.Period, indexEvents map[string]time.Time) (time.Time, error) {
	switch fields.Anchor {
	case domain.AnchorMeasurementPeriodStart:
		return period.Start, nil
	case domain.AnchorMeasurementPeriodEnd:
		return period.End, nil
	case domain.AnchorIndexEvent:
		at, ok := indexEvents[fields.IndexEvent]
		if !ok {
			return time.Time{}, domain.NewConfigurationError(fields.Anchor,
				fmt.Sprintf("index event %q is not present in the supplied event map", fields.IndexEvent))
		}
		return at, nil
	case domain.AnchorEncounterStart, domain.AnchorEncounterEnd,
		domain.AnchorDiagnosisDate, domain.AnchorProcedureDate,
		domain.AnchorDischargeDate:
		at, ok := indexEvents[string(fields.Anchor)]
		if !ok {
			return time.Time{}, domain.NewConfigurationError(fields.Anchor,
				"anchor has no resolved date in the supplied event map")
		}
		return at, nil
	default:
		return time.Time{}, domain.NewConfigurationError(fields.Anchor, "unknown anchor")
	}
}

// applyOffset shifts the anchor date by value x unit in the given direction.
func applyOffset(at time.Time, fields domain.TimingFields) time.Time {
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

// Resolve returns the concrete date for one boundary: the anchor date with
// the effective offset applied. Partial offsets and unresolvable anchors
// yield a ConfigurationError.
func (r *StandardTimingResolver) Resolve(fields domain.TimingFields, period domain.Period, indexEvents map[string]time.Time) (time.Time, error) {
	if err := fields.Validate(); err != nil {
		return time.Time{}, domain.NewConfigurationError(fields.Anchor, err.Error())
	}
	at, err := r.resolveAnchor(fields, period, indexEvents)
	if err != nil {
		return time.Time{}, err
	}
	return applyOffset(at, fields), nil
}

// ResolveWindow resolves both boundaries of a window. A window whose end
// precedes its start is a configuration defect, never silently inverted.
func (r *StandardTimingResolver) ResolveWindow(window *domain.TimingWindow, period domain.Period, indexEvents map[string]time.Time) (domain.Period, error) {
	start, err := r.Resolve(window.Start.Effective(), period, indexEvents)
	if err != nil {
		return domain.Period{}, err
	}
	end, err := r.Resolve(window.End.Effective(), period, indexEvents)
	if err != nil {
		return domain.Period{}, err
	}
	if end.Before(start) {
		return domain.Period{}, domain.NewConfigurationError(window.End.Effective().Anchor,
			fmt.Sprintf("window %s resolves with end (%s) before start (%s)",
				window.ID, end.Format("2006-01-02"), start.Format("2006-01-02")))
	}
	return domain.Period{Start: start, End: end}, nil
}

// ResolveRequirement turns a timing requirement into a concrete date range a
// fact's date must fall into. Single boundaries map per their operator:
//
//	during / starts during / ends during / overlaps  -> the measurement
//	    period when anchored to a period bound, else the anchor's own day
//	before end of  -> open start through the anchor date
//	after start of -> the anchor date through an open end
//	within         -> the offset span on the stated side of the anchor
func (r *StandardTimingResolver) ResolveRequirement(req *domain.TimingRequirement, period domain.Period, indexEvents map[string]time.Time) (domain.Period, error) {
	if err := req.Validate(); err != nil {
		return domain.Period{}, domain.NewConfigurationError("", err.Error())
	}
	if req.Window != nil {
		return r.ResolveWindow(req.Window, period, indexEvents)
	}

	fields := req.Constraint.Effective()
	if err := fields.Validate(); err != nil {
		return domain.Period{}, domain.NewConfigurationError(fields.Anchor, err.Error())
	}

	switch fields.Operator {
	case domain.TimingDuring, domain.TimingStartsDuring,
		domain.TimingEndsDuring, domain.TimingOverlaps:
		if fields.Anchor == domain.AnchorMeasurementPeriodStart ||
			fields.Anchor == domain.AnchorMeasurementPeriodEnd {
			return period, nil
		}
		at, err := r.Resolve(fields, period, indexEvents)
		if err != nil {
			return domain.Period{}, err
		}
		day := at.Truncate(24 * time.Hour)
		return domain.Period{Start: day, End: day.AddDate(0, 0, 1).Add(-time.Second)}, nil

	case domain.TimingBeforeEnd:
		at, err := r.Resolve(fields, period, indexEvents)
		if err != nil {
			return domain.Period{}, err
		}
		return domain.Period{Start: time.Time{}, End: at}, nil

	case domain.TimingAfterStart:
		at, err := r.Resolve(fields, period, indexEvents)
		if err != nil {
			return domain.Period{}, err
		}
		return domain.Period{Start: at, End: farFuture}, nil

	case domain.TimingWithin:
		if fields.OffsetValue == nil {
			return domain.Period{}, domain.NewConfigurationError(fields.Anchor,
				"'within' requires an offset value and unit")
		}
		base, err := r.resolveAnchor(fields, period, indexEvents)
		if err != nil {
			return domain.Period{}, err
		}
		shifted := applyOffset(base, fields)
		if fields.Direction == domain.DirectionBefore {
			return domain.Period{Start: shifted, End: base}, nil
		}
		return domain.Period{Start: base, End: shifted}, nil

	default:
		return domain.Period{}, domain.NewConfigurationError(fields.Anchor,
			fmt.Sprintf("unknown timing operator %q", string(fields.Operator)))
	}
}
