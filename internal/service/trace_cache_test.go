package service

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quality-measure-engine/internal/domain"
)

// stubEvaluator counts invocations and returns a canned trace.
type stubEvaluator struct {
	calls       int
	diagnostics []string
}

func (s *stubEvaluator) Evaluate(patient *domain.Patient, spec *domain.MeasureSpec) (*domain.PatientValidationTrace, error) {
	s.calls++
	return &domain.PatientValidationTrace{
		MeasureID:    spec.ID,
		PatientID:    patient.ID,
		SpecVersion:  spec.SpecVersion,
		FinalOutcome: domain.OutcomeInNumerator,
		Diagnostics:  s.diagnostics,
	}, nil
}

func cacheInputs(specVersion string) (*domain.Patient, *domain.MeasureSpec) {
	return &domain.Patient{ID: "patient-1"},
		&domain.MeasureSpec{ID: "cms165-bp-control", SpecVersion: specVersion}
}

func TestTraceCacheHit(t *testing.T) {
	stub := &stubEvaluator{}
	tc, err := NewTraceCache(stub, 16, testLogger())
	require.NoError(t, err)

	patient, spec := cacheInputs("2026.1")
	first, err := tc.Evaluate(patient, spec)
	require.NoError(t, err)
	second, err := tc.Evaluate(patient, spec)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, stub.calls)

	stats := tc.Stats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestTraceCacheKeyedBySpecVersion(t *testing.T) {
	stub := &stubEvaluator{}
	tc, err := NewTraceCache(stub, 16, testLogger())
	require.NoError(t, err)

	patient, v1 := cacheInputs("2026.1")
	_, v2 := cacheInputs("2026.2")

	_, err = tc.Evaluate(patient, v1)
	require.NoError(t, err)
	_, err = tc.Evaluate(patient, v2)
	require.NoError(t, err)

	assert.Equal(t, 2, stub.calls)
}

func TestTraceCacheSkipsConfigurationIssues(t *testing.T) {
	stub := &stubEvaluator{diagnostics: []string{"htn-dx: index event missing"}}
	tc, err := NewTraceCache(stub, 16, testLogger())
	require.NoError(t, err)

	patient, spec := cacheInputs("2026.1")
	_, err = tc.Evaluate(patient, spec)
	require.NoError(t, err)
	_, err = tc.Evaluate(patient, spec)
	require.NoError(t, err)

	// Diagnosed traces are never cached; a corrected measure applies at once.
	assert.Equal(t, 2, stub.calls)
}

func TestTraceCacheInvalidate(t *testing.T) {
	stub := &stubEvaluator{}
	tc, err := NewTraceCache(stub, 16, testLogger())
	require.NoError(t, err)

	patient, spec := cacheInputs("2026.1")
	_, err = tc.Evaluate(patient, spec)
	require.NoError(t, err)

	otherPatient := &domain.Patient{ID: "patient-2"}
	_, err = tc.Evaluate(otherPatient, spec)
	require.NoError(t, err)

	removed := tc.Invalidate(spec.ID)
	assert.Equal(t, 2, removed)

	_, err = tc.Evaluate(patient, spec)
	require.NoError(t, err)
	assert.Equal(t, 3, stub.calls)
}

func TestTraceCacheInvalidateScopedToMeasure(t *testing.T) {
	stub := &stubEvaluator{}
	tc, err := NewTraceCache(stub, 16, testLogger())
	require.NoError(t, err)

	patient, spec := cacheInputs("2026.1")
	other := &domain.MeasureSpec{ID: "cms131-eye-exam", SpecVersion: "2026.1"}

	_, err = tc.Evaluate(patient, spec)
	require.NoError(t, err)
	_, err = tc.Evaluate(patient, other)
	require.NoError(t, err)

	assert.Equal(t, 1, tc.Invalidate(spec.ID))

	// The other measure's trace is still cached.
	_, err = tc.Evaluate(patient, other)
	require.NoError(t, err)
	assert.Equal(t, 2, stub.calls)
}
