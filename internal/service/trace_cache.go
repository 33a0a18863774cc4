package service

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
)

// TraceKey identifies one cached evaluation. Traces are immutable after
// return, so caching by (measure, patient, spec version) is safe.
type TraceKey struct {
	MeasureID   string
	PatientID   string
	SpecVersion string
}

// TraceCacheStats reports cache performance counters.
type TraceCacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// TraceCache is an in-memory LRU of evaluation traces in front of an
// evaluator. The underlying cache is safe for concurrent use; the stats
// counters carry their own lock.
type TraceCache struct {
	evaluator domain.Evaluator
	cache     *lru.Cache[TraceKey, *domain.PatientValidationTrace]
	logger    *logrus.Logger

	statsMu sync.Mutex
	stats   TraceCacheStats
}

// NewTraceCache wraps an evaluator with an LRU of the given size.
func NewTraceCache(evaluator domain.Evaluator, size int, logger *logrus.Logger) (*TraceCache, error) {
	cache, err := lru.New[TraceKey, *domain.PatientValidationTrace](size)
	if err != nil {
		return nil, err
	}
	return &TraceCache{
		evaluator: evaluator,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Evaluate returns the cached trace when one exists for the key, otherwise
// delegates to the wrapped evaluator and caches the result. Evaluations
// that surfaced configuration diagnostics are not cached, so a corrected
// measure takes effect immediately.
func (tc *TraceCache) Evaluate(patient *domain.Patient, spec *domain.MeasureSpec) (*domain.PatientValidationTrace, error) {
	key := TraceKey{MeasureID: spec.ID, PatientID: patient.ID, SpecVersion: spec.SpecVersion}

	if trace, ok := tc.cache.Get(key); ok {
		tc.statsMu.Lock()
		tc.stats.Hits++
		tc.statsMu.Unlock()
		return trace, nil
	}

	tc.statsMu.Lock()
	tc.stats.Misses++
	tc.statsMu.Unlock()

	trace, err := tc.evaluator.Evaluate(patient, spec)
	if err != nil {
		return nil, err
	}
	if !trace.HasConfigurationIssues() {
		tc.cache.Add(key, trace)
	}
	return trace, nil
}

// Invalidate drops every cached trace for a measure, e.g. after its
// criteria were edited without a version bump.
func (tc *TraceCache) Invalidate(measureID string) int {
	removed := 0
	for _, key := range tc.cache.Keys() {
		if key.MeasureID == measureID {
			tc.cache.Remove(key)
			removed++
		}
	}
	if removed > 0 {
		tc.logger.WithFields(logrus.Fields{
			"measure_id": measureID,
			"removed":    removed,
		}).Debug("Invalidated cached traces")
	}
	return removed
}

// Stats returns a snapshot of the hit/miss counters.
func (tc *TraceCache) Stats() TraceCacheStats {
	tc.statsMu.Lock()
	defer tc.statsMu.Unlock()
	return tc.stats
}
