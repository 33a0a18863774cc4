// Package repository persists canonical measure specifications in PostgreSQL.
// The criteria trees are stored as a JSONB document; searchable columns are
// lifted out alongside.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"github.com/quality-measure-engine/internal/domain"
)

// PostgresMeasureRepository implements domain.MeasureRepository on pgx.
type PostgresMeasureRepository struct {
	db  *pgxpool.Pool
	log *logrus.Logger
}

// NewMeasureRepository creates a measure repository.
func NewMeasureRepository(db *pgxpool.Pool, logger *logrus.Logger) *PostgresMeasureRepository {
	return &PostgresMeasureRepository{
		db:  db,
		log: logger,
	}
}

// Save upserts a measure. The full specification lands in the definition
// column; id, title and version are lifted out for listing.
func (r *PostgresMeasureRepository) Save(ctx context.Context, spec *domain.MeasureSpec) error {
	if err := spec.Validate(); err != nil {
		return fmt.Errorf("saving measure: %w", err)
	}

	definition, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("marshaling measure %s: %w", spec.ID, err)
	}

	now := time.Now().UTC()
	query := `
		INSERT INTO measures (
			id, title, spec_version, period_start, period_end,
			definition, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title,
			spec_version = EXCLUDED.spec_version,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`

	_, err = r.db.Exec(ctx, query,
		spec.ID,
		spec.Title,
		spec.SpecVersion,
		spec.MeasurementPeriod.Start,
		spec.MeasurementPeriod.End,
		definition,
		now,
	)
	if err != nil {
		r.log.WithFields(logrus.Fields{
			"measure_id": spec.ID,
			"error":      err,
		}).Error("Failed to save measure")
		return fmt.Errorf("saving measure %s: %w", spec.ID, err)
	}

	r.log.WithFields(logrus.Fields{
		"measure_id":   spec.ID,
		"spec_version": spec.SpecVersion,
	}).Info("Measure saved")
	return nil
}

// GetByID retrieves a measure by its ID.
func (r *PostgresMeasureRepository) GetByID(ctx context.Context, id string) (*domain.MeasureSpec, error) {
	query := `
		SELECT definition, created_at, updated_at
		FROM measures
		WHERE id = $1`

	var definition []byte
	var createdAt, updatedAt time.Time
	err := r.db.QueryRow(ctx, query, id).Scan(&definition, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("measure %s: %w", id, domain.ErrNotFound)
		}
		r.log.WithFields(logrus.Fields{
			"measure_id": id,
			"error":      err,
		}).Error("Failed to get measure")
		return nil, fmt.Errorf("getting measure %s: %w", id, err)
	}

	var spec domain.MeasureSpec
	if err := json.Unmarshal(definition, &spec); err != nil {
		return nil, fmt.Errorf("unmarshaling measure %s: %w", id, err)
	}
	spec.CreatedAt = createdAt
	spec.UpdatedAt = updatedAt
	return &spec, nil
}

// List returns measures ordered by most recent update.
func (r *PostgresMeasureRepository) List(ctx context.Context, limit, offset int) ([]*domain.MeasureSpec, error) {
	query := `
		SELECT definition, created_at, updated_at
		FROM measures
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("listing measures: %w", err)
	}
	defer rows.Close()

	var result []*domain.MeasureSpec
	for rows.Next() {
		var definition []byte
		var createdAt, updatedAt time.Time
		if err := rows.Scan(&definition, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning measure row: %w", err)
		}
		var spec domain.MeasureSpec
		if err := json.Unmarshal(definition, &spec); err != nil {
			return nil, fmt.Errorf("unmarshaling measure row: %w", err)
		}
		spec.CreatedAt = createdAt
		spec.UpdatedAt = updatedAt
		result = append(result, &spec)
	}
	return result, rows.Err()
}

// Delete removes a measure.
func (r *PostgresMeasureRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM measures WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("deleting measure %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("measure %s: %w", id, domain.ErrNotFound)
	}
	r.log.WithFields(logrus.Fields{"measure_id": id}).Info("Measure deleted")
	return nil
}
