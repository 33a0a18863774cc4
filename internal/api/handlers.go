package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
	"github.com/quality-measure-engine/internal/overrides"
)

type evaluateRequest struct {
	Measure *domain.MeasureSpec `json:"measure" binding:"required"`
	Patient *domain.Patient     `json:"patient" binding:"required"`
}

type compileRequest struct {
	Measure *domain.MeasureSpec `json:"measure" binding:"required"`
	Format  domain.TargetFormat `json:"format" binding:"required"`
}

type complexityRequest struct {
	Criteria *domain.CriteriaNode `json:"criteria" binding:"required"`
}

type noteRequest struct {
	Author  string `json:"author" binding:"required"`
	Content string `json:"content" binding:"required"`
}

func (n *noteRequest) toNote() *domain.OverrideNote {
	if n == nil {
		return nil
	}
	return &domain.OverrideNote{Author: n.Author, Content: n.Content}
}

type saveOverrideRequest struct {
	Code                  string       `json:"code" binding:"required"`
	IsLocked              bool         `json:"is_locked"`
	OriginalGeneratedCode string       `json:"original_generated_code"`
	ExpectedVersion       int64        `json:"expected_version"`
	Note                  *noteRequest `json:"note"`
}

type lockOverrideRequest struct {
	Locked bool         `json:"locked"`
	Note   *noteRequest `json:"note" binding:"required"`
}

func (s *Server) handleEvaluate(c *gin.Context) {
	var req evaluateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}
	if err := req.Measure.Validate(); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid measure specification", err.Error())
		return
	}

	s.runEvaluate(c, req.Measure, req.Patient)
}

// runEvaluate evaluates a patient against a validated measure and writes the
// trace or the mapped error response.
func (s *Server) runEvaluate(c *gin.Context, spec *domain.MeasureSpec, patient *domain.Patient) {
	trace, err := s.services.Evaluator.Evaluate(patient, spec)
	if err != nil {
		var confErr *domain.ConfigurationError
		if errors.As(err, &confErr) {
			s.respondError(c, http.StatusUnprocessableEntity, domain.ErrConfiguration, "Measure timing configuration is invalid", confErr.Error())
			return
		}
		s.log.WithError(err).WithFields(logrus.Fields{
			"measure_id": spec.ID,
			"patient_id": patient.ID,
		}).Error("Evaluation failed")
		s.respondError(c, http.StatusInternalServerError, domain.ErrInternalServer, "Evaluation failed", "")
		return
	}

	c.JSON(http.StatusOK, trace)
}

func (s *Server) handleCompile(c *gin.Context) {
	var req compileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}
	if !req.Format.IsValid() {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Unknown target format", string(req.Format))
		return
	}

	s.runCompile(c, req.Measure, req.Format)
}

// runCompile generates code for a measure in one target format and writes the
// artifact or the mapped error response.
func (s *Server) runCompile(c *gin.Context, spec *domain.MeasureSpec, format domain.TargetFormat) {
	artifact, err := s.services.Compiler.Compile(spec, format, s.compileLookup(c, spec.ID))
	if err != nil {
		var genErr *domain.GenerationError
		switch {
		case errors.As(err, &genErr):
			s.respondError(c, http.StatusUnprocessableEntity, domain.ErrGeneration, "Code generation failed", genErr.Error())
		case errors.Is(err, domain.ErrInvalidFormat):
			s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Unknown target format", string(format))
		default:
			s.log.WithError(err).WithFields(logrus.Fields{
				"measure_id": spec.ID,
				"format":     string(format),
			}).Error("Compilation failed")
			s.respondError(c, http.StatusInternalServerError, domain.ErrInternalServer, "Compilation failed", "")
		}
		return
	}

	c.JSON(http.StatusOK, artifact)
}

func (s *Server) handleComplexity(c *gin.Context) {
	var req complexityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}

	c.JSON(http.StatusOK, s.services.Scorer.Score(req.Criteria))
}

func (s *Server) handleListOverrides(c *gin.Context) {
	list, err := s.services.OverrideStore.ListByMeasure(c.Request.Context(), c.Param("measureID"))
	if err != nil {
		s.log.WithError(err).Error("Failed to list overrides")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to list overrides", "")
		return
	}

	c.JSON(http.StatusOK, gin.H{"overrides": list, "count": len(list)})
}

func (s *Server) handleGetOverride(c *gin.Context) {
	key, ok := s.overrideKey(c)
	if !ok {
		return
	}

	o, err := s.services.OverrideStore.Get(c.Request.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondError(c, http.StatusNotFound, domain.ErrInvalidInput, "Override not found", "")
			return
		}
		s.log.WithError(err).Error("Failed to load override")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to load override", "")
		return
	}

	c.JSON(http.StatusOK, o)
}

func (s *Server) handleSaveOverride(c *gin.Context) {
	key, ok := s.overrideKey(c)
	if !ok {
		return
	}

	var req saveOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}

	o := &domain.CodeOverride{
		MeasureID:             key.MeasureID,
		ComponentID:           key.ComponentID,
		Format:                key.Format,
		Code:                  req.Code,
		IsLocked:              req.IsLocked,
		OriginalGeneratedCode: req.OriginalGeneratedCode,
	}

	if err := s.services.OverrideStore.Save(c.Request.Context(), o, req.Note.toNote(), req.ExpectedVersion); err != nil {
		switch {
		case errors.Is(err, overrides.ErrNoteRequired):
			s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Editing an override requires a note", "")
		case errors.Is(err, overrides.ErrVersionConflict):
			s.respondError(c, http.StatusConflict, domain.ErrInvalidInput, "Override was modified concurrently", "re-read the override and retry with its current version")
		default:
			s.log.WithError(err).Error("Failed to save override")
			s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to save override", "")
		}
		return
	}

	s.invalidateArtifacts(c, key.MeasureID)
	c.JSON(http.StatusOK, o)
}

func (s *Server) handleLockOverride(c *gin.Context) {
	key, ok := s.overrideKey(c)
	if !ok {
		return
	}

	var req lockOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}

	if err := s.services.OverrideStore.SetLocked(c.Request.Context(), key, req.Locked, req.Note.toNote()); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			s.respondError(c, http.StatusNotFound, domain.ErrInvalidInput, "Override not found", "")
		case errors.Is(err, overrides.ErrNoteRequired):
			s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Toggling the lock requires a note", "")
		default:
			s.log.WithError(err).Error("Failed to toggle override lock")
			s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to toggle override lock", "")
		}
		return
	}

	s.invalidateArtifacts(c, key.MeasureID)
	c.JSON(http.StatusOK, gin.H{"locked": req.Locked})
}

func (s *Server) handleDeleteOverride(c *gin.Context) {
	key, ok := s.overrideKey(c)
	if !ok {
		return
	}

	if err := s.services.OverrideStore.Delete(c.Request.Context(), key); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondError(c, http.StatusNotFound, domain.ErrInvalidInput, "Override not found", "")
			return
		}
		s.log.WithError(err).Error("Failed to delete override")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to delete override", "")
		return
	}

	s.invalidateArtifacts(c, key.MeasureID)
	c.Status(http.StatusNoContent)
}

// compileLookup returns the override lookup, or nil when the measure has no
// overrides on record. A nil lookup lets a caching compiler reuse artifacts
// by key alone.
func (s *Server) compileLookup(c *gin.Context, measureID string) domain.OverrideLookup {
	if s.services.Lookup == nil || s.services.OverrideStore == nil {
		return s.services.Lookup
	}
	list, err := s.services.OverrideStore.ListByMeasure(c.Request.Context(), measureID)
	if err == nil && len(list) == 0 {
		return nil
	}
	return s.services.Lookup
}

func (s *Server) overrideKey(c *gin.Context) (overrides.Key, bool) {
	key := overrides.Key{
		MeasureID:   c.Param("measureID"),
		ComponentID: c.Param("componentID"),
		Format:      domain.TargetFormat(c.Param("format")),
	}
	if err := key.Validate(); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid override key", err.Error())
		return overrides.Key{}, false
	}
	return key, true
}

// invalidateArtifacts drops cached generated code for a measure after an
// override write changed what the compiler would emit.
func (s *Server) invalidateArtifacts(c *gin.Context, measureID string) {
	if s.services.ArtifactCache != nil {
		s.services.ArtifactCache.Invalidate(c.Request.Context(), measureID)
	}
}

func (s *Server) respondError(c *gin.Context, status int, code, message, details string) {
	c.AbortWithStatusJSON(status, domain.NewAPIError(code, message, details, requestID(c)))
}
