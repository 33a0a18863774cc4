package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quality-measure-engine/internal/codegen"
	"github.com/quality-measure-engine/internal/config"
	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
	"github.com/quality-measure-engine/internal/service"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

// memoryMeasureRepo is a map-backed MeasureRepository for handler tests.
type memoryMeasureRepo struct {
	mu    sync.Mutex
	specs map[string]*domain.MeasureSpec
}

func newMemoryMeasureRepo() *memoryMeasureRepo {
	return &memoryMeasureRepo{specs: make(map[string]*domain.MeasureSpec)}
}

func (r *memoryMeasureRepo) Save(_ context.Context, spec *domain.MeasureSpec) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.ID] = spec
	return nil
}

func (r *memoryMeasureRepo) GetByID(_ context.Context, id string) (*domain.MeasureSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	spec, ok := r.specs[id]
	if !ok {
		return nil, fmt.Errorf("measure %s: %w", id, domain.ErrNotFound)
	}
	return spec, nil
}

func (r *memoryMeasureRepo) List(_ context.Context, limit, offset int) ([]*domain.MeasureSpec, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.MeasureSpec
	for _, spec := range r.specs {
		out = append(out, spec)
	}
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memoryMeasureRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[id]; !ok {
		return fmt.Errorf("measure %s: %w", id, domain.ErrNotFound)
	}
	delete(r.specs, id)
	return nil
}

func newTestServer(t *testing.T) (*Server, overrides.Store) {
	t.Helper()

	logger := testLogger()
	store := overrides.NewMemoryStore()
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Logging:   config.LoggingConfig{Level: "info", Format: "json"},
	}

	return NewServer(cfg, Services{
		Evaluator:     service.NewMeasureEvaluator(logger),
		Compiler:      codegen.NewMeasureCompiler(logger),
		Scorer:        service.NewComplexityScorer(logger),
		OverrideStore: store,
		Lookup:        overrides.NewLookup(store),
		Measures:      newMemoryMeasureRepo(),
	}, logger), store
}

func doJSON(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func hypertensionMeasure() *domain.MeasureSpec {
	htnDx := domain.DataElement{
		ID:       "htn-dx",
		Label:    "Hypertension Diagnosis",
		Category: domain.FactDiagnosis,
		DirectCodes: []domain.CodeReference{
			{Code: "I10", System: "ICD-10-CM"},
		},
	}
	controlled := domain.DataElement{
		ID:       "bp-controlled",
		Label:    "Blood Pressure Controlled",
		Category: domain.FactObservation,
		Thresholds: []domain.Threshold{
			{
				Label:      "Systolic",
				Codes:      []domain.CodeReference{{Code: "8480-6", System: "LOINC"}},
				Comparator: domain.CompareLT,
				Value:      140,
			},
			{
				Label:      "Diastolic",
				Codes:      []domain.CodeReference{{Code: "8462-4", System: "LOINC"}},
				Comparator: domain.CompareLT,
				Value:      90,
			},
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
		Populations: []domain.PopulationDefinition{
			{
				Type: domain.InitialPopulation,
				Criteria: &domain.LogicalClause{
					ID:       "ip-root",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{{Leaf: &htnDx}},
				},
			},
			{
				Type: domain.Numerator,
				Criteria: &domain.LogicalClause{
					ID:       "num-root",
					Operator: domain.OperatorAND,
					Children: []domain.CriteriaNode{{Leaf: &controlled}},
				},
			},
		},
	}
}

func hypertensivePatient() *domain.Patient {
	sbp := 128.0
	dbp := 82.0
	return &domain.Patient{
		ID: "patient-1",
		Demographics: domain.Demographics{
			BirthDate: time.Date(1960, 5, 12, 0, 0, 0, 0, time.UTC),
		},
		Diagnoses: []domain.ClinicalFact{
			{Code: "I10", System: "ICD-10-CM", Date: time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)},
		},
		Observations: []domain.ClinicalFact{
			{Code: "8480-6", System: "LOINC", Date: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), Value: &sbp},
			{Code: "8462-4", System: "LOINC", Date: time.Date(2025, 6, 10, 0, 0, 0, 0, time.UTC), Value: &dbp},
		},
	}
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestEvaluateEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateRequest{
		Measure: hypertensionMeasure(),
		Patient: hypertensivePatient(),
	})
	require.Equal(t, http.StatusOK, w.Code)

	var trace domain.PatientValidationTrace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trace))
	assert.Equal(t, "cms165-bp-control", trace.MeasureID)
	assert.Equal(t, domain.OutcomeInNumerator, trace.FinalOutcome)
}

func TestEvaluateRejectsInvalidMeasure(t *testing.T) {
	s, _ := newTestServer(t)

	measure := hypertensionMeasure()
	measure.Populations = measure.Populations[1:] // drop the initial population

	w := doJSON(t, s, http.MethodPost, "/api/v1/evaluate", evaluateRequest{
		Measure: measure,
		Patient: hypertensivePatient(),
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var apiErr domain.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, domain.ErrInvalidInput, apiErr.Code)
	assert.NotEmpty(t, apiErr.RequestID)
}

func TestCompileEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/compile", compileRequest{
		Measure: hypertensionMeasure(),
		Format:  domain.FormatSQL,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var artifact domain.GeneratedCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Equal(t, domain.FormatSQL, artifact.Format)
	assert.Contains(t, artifact.Code, "crit_htn_dx")
}

func TestCompileRejectsUnknownFormat(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/compile", map[string]any{
		"measure": hypertensionMeasure(),
		"format":  "cobol",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCompileAppliesLockedOverride(t *testing.T) {
	s, store := newTestServer(t)

	err := store.Save(t.Context(), &domain.CodeOverride{
		MeasureID:   "cms165-bp-control",
		ComponentID: "htn-dx",
		Format:      domain.FormatSQL,
		Code:        "SELECT patient_id FROM curated_htn_cohort",
		IsLocked:    true,
	}, nil, 0)
	require.NoError(t, err)

	w := doJSON(t, s, http.MethodPost, "/api/v1/compile", compileRequest{
		Measure: hypertensionMeasure(),
		Format:  domain.FormatSQL,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var artifact domain.GeneratedCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Contains(t, artifact.Code, "curated_htn_cohort")
}

func TestComplexityEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	measure := hypertensionMeasure()
	w := doJSON(t, s, http.MethodPost, "/api/v1/complexity", complexityRequest{
		Criteria: &domain.CriteriaNode{Clause: measure.Populations[0].Criteria},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var score domain.ComplexityScore
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &score))
	assert.True(t, score.Level.IsValid())
}

func TestMeasureRegistryLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/measures", hypertensionMeasure())
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Contains(t, w.Body.String(), "cms165-bp-control")

	w = doJSON(t, s, http.MethodGet, "/api/v1/measures/cms165-bp-control", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var spec domain.MeasureSpec
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &spec))
	assert.Equal(t, "2026.1", spec.SpecVersion)

	w = doJSON(t, s, http.MethodGet, "/api/v1/measures", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"count\":1")

	w = doJSON(t, s, http.MethodDelete, "/api/v1/measures/cms165-bp-control", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, "/api/v1/measures/cms165-bp-control", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSaveMeasureRejectsInvalid(t *testing.T) {
	s, _ := newTestServer(t)

	measure := hypertensionMeasure()
	measure.Populations = measure.Populations[1:] // drop the initial population

	w := doJSON(t, s, http.MethodPost, "/api/v1/measures", measure)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEvaluateStoredMeasure(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/measures", hypertensionMeasure())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/measures/cms165-bp-control/evaluate",
		evaluateStoredRequest{Patient: hypertensivePatient()})
	require.Equal(t, http.StatusOK, w.Code)

	var trace domain.PatientValidationTrace
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &trace))
	assert.Equal(t, domain.OutcomeInNumerator, trace.FinalOutcome)
}

func TestCompileStoredMeasure(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/measures", hypertensionMeasure())
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, s, http.MethodPost, "/api/v1/measures/cms165-bp-control/compile",
		compileStoredRequest{Format: domain.FormatSQL})
	require.Equal(t, http.StatusOK, w.Code)

	var artifact domain.GeneratedCode
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &artifact))
	assert.Contains(t, artifact.Code, "crit_htn_dx")
}

func TestStoredMeasureNotFound(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodPost, "/api/v1/measures/no-such-measure/evaluate",
		evaluateStoredRequest{Patient: hypertensivePatient()})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMeasureEndpointsWithoutRegistry(t *testing.T) {
	logger := testLogger()
	store := overrides.NewMemoryStore()
	defer store.Close()

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1000, Burst: 1000},
		Logging:   config.LoggingConfig{Level: "info", Format: "json"},
	}
	s := NewServer(cfg, Services{
		Evaluator:     service.NewMeasureEvaluator(logger),
		Compiler:      codegen.NewMeasureCompiler(logger),
		Scorer:        service.NewComplexityScorer(logger),
		OverrideStore: store,
		Lookup:        overrides.NewLookup(store),
	}, logger)

	w := doJSON(t, s, http.MethodGet, "/api/v1/measures", nil)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var apiErr domain.APIError
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &apiErr))
	assert.Equal(t, domain.ErrUnavailable, apiErr.Code)
}

func TestOverrideLifecycle(t *testing.T) {
	s, _ := newTestServer(t)

	path := "/api/v1/overrides/cms165-bp-control/htn-dx/warehouse-sql"

	// Create.
	w := doJSON(t, s, http.MethodPut, path, saveOverrideRequest{
		Code: "SELECT patient_id FROM curated_htn_cohort",
		Note: &noteRequest{Author: "reviewer", Content: "initial curation"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var created domain.CodeOverride
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(1), created.Version)

	// Editing without a note is rejected.
	w = doJSON(t, s, http.MethodPut, path, saveOverrideRequest{
		Code:            "SELECT patient_id FROM curated_htn_cohort_v2",
		ExpectedVersion: created.Version,
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A stale version conflicts.
	w = doJSON(t, s, http.MethodPut, path, saveOverrideRequest{
		Code:            "SELECT patient_id FROM curated_htn_cohort_v2",
		ExpectedVersion: 99,
		Note:            &noteRequest{Author: "reviewer", Content: "stale edit"},
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Lock it.
	w = doJSON(t, s, http.MethodPost, path+"/lock", lockOverrideRequest{
		Locked: true,
		Note:   &noteRequest{Author: "reviewer", Content: "approved"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	// Read it back.
	w = doJSON(t, s, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var fetched domain.CodeOverride
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &fetched))
	assert.True(t, fetched.IsLocked)
	assert.Len(t, fetched.Notes, 2)

	// List for the measure.
	w = doJSON(t, s, http.MethodGet, "/api/v1/overrides/cms165-bp-control", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "\"count\":1")

	// Delete.
	w = doJSON(t, s, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, s, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOverrideKeyValidation(t *testing.T) {
	s, _ := newTestServer(t)

	w := doJSON(t, s, http.MethodGet, "/api/v1/overrides/m/c/not-a-format", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRateLimitExceeded(t *testing.T) {
	logger := testLogger()
	store := overrides.NewMemoryStore()
	defer store.Close()

	cfg := &config.Config{
		RateLimit: config.RateLimitConfig{RequestsPerSecond: 1, Burst: 1},
		Logging:   config.LoggingConfig{Level: "info", Format: "json"},
	}
	s := NewServer(cfg, Services{
		Evaluator:     service.NewMeasureEvaluator(logger),
		Compiler:      codegen.NewMeasureCompiler(logger),
		Scorer:        service.NewComplexityScorer(logger),
		OverrideStore: store,
		Lookup:        overrides.NewLookup(store),
	}, logger)

	first := doJSON(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, first.Code)

	second := doJSON(t, s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}
