package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/quality-measure-engine/internal/domain"
)

// listMeasuresMaxLimit caps one page of the registry listing.
const listMeasuresMaxLimit = 200

type evaluateStoredRequest struct {
	Patient *domain.Patient `json:"patient" binding:"required"`
}

type compileStoredRequest struct {
	Format domain.TargetFormat `json:"format" binding:"required"`
}

// measureRepo guards the registry endpoints: deployments without a measure
// store answer 503 and take measures inline on /evaluate and /compile instead.
func (s *Server) measureRepo(c *gin.Context) (domain.MeasureRepository, bool) {
	if s.services.Measures == nil {
		s.respondError(c, http.StatusServiceUnavailable, domain.ErrUnavailable,
			"Measure registry is not configured", "this deployment takes measures inline")
		return nil, false
	}
	return s.services.Measures, true
}

// loadMeasure fetches a stored measure by the path parameter.
func (s *Server) loadMeasure(c *gin.Context) (*domain.MeasureSpec, bool) {
	repo, ok := s.measureRepo(c)
	if !ok {
		return nil, false
	}

	spec, err := repo.GetByID(c.Request.Context(), c.Param("measureID"))
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondError(c, http.StatusNotFound, domain.ErrInvalidInput, "Measure not found", c.Param("measureID"))
			return nil, false
		}
		s.log.WithError(err).Error("Failed to load measure")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to load measure", "")
		return nil, false
	}
	return spec, true
}

func (s *Server) handleSaveMeasure(c *gin.Context) {
	repo, ok := s.measureRepo(c)
	if !ok {
		return
	}

	var spec domain.MeasureSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}
	if err := spec.Validate(); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid measure specification", err.Error())
		return
	}

	if err := repo.Save(c.Request.Context(), &spec); err != nil {
		s.log.WithError(err).Error("Failed to save measure")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to save measure", "")
		return
	}

	c.JSON(http.StatusCreated, gin.H{"id": spec.ID, "spec_version": spec.SpecVersion})
}

func (s *Server) handleGetMeasure(c *gin.Context) {
	spec, ok := s.loadMeasure(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, spec)
}

func (s *Server) handleListMeasures(c *gin.Context) {
	repo, ok := s.measureRepo(c)
	if !ok {
		return
	}

	limit := queryInt(c, "limit", 50)
	if limit < 1 || limit > listMeasuresMaxLimit {
		limit = listMeasuresMaxLimit
	}
	offset := queryInt(c, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	list, err := repo.List(c.Request.Context(), limit, offset)
	if err != nil {
		s.log.WithError(err).Error("Failed to list measures")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to list measures", "")
		return
	}

	c.JSON(http.StatusOK, gin.H{"measures": list, "count": len(list)})
}

func (s *Server) handleDeleteMeasure(c *gin.Context) {
	repo, ok := s.measureRepo(c)
	if !ok {
		return
	}

	if err := repo.Delete(c.Request.Context(), c.Param("measureID")); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.respondError(c, http.StatusNotFound, domain.ErrInvalidInput, "Measure not found", c.Param("measureID"))
			return
		}
		s.log.WithError(err).Error("Failed to delete measure")
		s.respondError(c, http.StatusInternalServerError, domain.ErrDatabaseError, "Failed to delete measure", "")
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) handleEvaluateStored(c *gin.Context) {
	spec, ok := s.loadMeasure(c)
	if !ok {
		return
	}

	var req evaluateStoredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}

	s.runEvaluate(c, spec, req.Patient)
}

func (s *Server) handleCompileStored(c *gin.Context) {
	spec, ok := s.loadMeasure(c)
	if !ok {
		return
	}

	var req compileStoredRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Invalid request body", err.Error())
		return
	}
	if !req.Format.IsValid() {
		s.respondError(c, http.StatusBadRequest, domain.ErrInvalidInput, "Unknown target format", string(req.Format))
		return
	}

	s.runCompile(c, spec, req.Format)
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
