package overrides

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/lib/pq"

	"github.com/quality-measure-engine/internal/domain"
)

// PostgresStore implements Store on PostgreSQL. It expects the schema to
// already exist (created via migrations).
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an existing connection.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromURL opens a pooled connection from a URL.
func NewPostgresStoreFromURL(databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	store, err := NewPostgresStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

const pgOverrideColumns = `id, measure_id, component_id, format,
		code, is_locked, original_generated_code, version, created_at, updated_at`

// Save implements Store. Existing rows update through a version-guarded
// UPDATE; zero rows affected means another editor got there first.
func (s *PostgresStore) Save(ctx context.Context, o *domain.CodeOverride, note *domain.OverrideNote, expectedVersion int64) error {
	key := KeyOf(o)
	if err := key.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var rowID int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM overrides WHERE measure_id = $1 AND component_id = $2 AND format = $3 FOR UPDATE",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID)

	switch {
	case err == nil:
		if note == nil {
			return ErrNoteRequired
		}
		result, err := tx.ExecContext(ctx, `
			UPDATE overrides SET
				code = $1,
				is_locked = $2,
				original_generated_code = $3,
				version = version + 1,
				updated_at = $4
			WHERE id = $5 AND version = $6
		`, o.Code, o.IsLocked, o.OriginalGeneratedCode, now, rowID, expectedVersion)
		if err != nil {
			return fmt.Errorf("failed to update override: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return ErrVersionConflict
		}
		o.Version = expectedVersion + 1
		o.UpdatedAt = now
		if err := pgInsertNoteTx(ctx, tx, rowID, note); err != nil {
			return err
		}

	case errors.Is(err, sql.ErrNoRows):
		o.Version = 1
		o.CreatedAt = now
		o.UpdatedAt = now
		err = tx.QueryRowContext(ctx, `
			INSERT INTO overrides (
				measure_id, component_id, format,
				code, is_locked, original_generated_code,
				version, created_at, updated_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id
		`, key.MeasureID, key.ComponentID, string(key.Format),
			o.Code, o.IsLocked, o.OriginalGeneratedCode, o.Version, now, now,
		).Scan(&rowID)
		if err != nil {
			return fmt.Errorf("failed to insert override: %w", err)
		}
		if note != nil {
			if err := pgInsertNoteTx(ctx, tx, rowID, note); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return s.loadNotes(ctx, rowID, o)
}

func pgInsertNoteTx(ctx context.Context, tx *sql.Tx, overrideID int64, note *domain.OverrideNote) error {
	stamped := stampNote(note)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO override_notes (id, override_id, author, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		stamped.ID, overrideID, stamped.Author, stamped.Content, stamped.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

func (s *PostgresStore) loadNotes(ctx context.Context, rowID int64, o *domain.CodeOverride) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, author, content, created_at FROM override_notes WHERE override_id = $1 ORDER BY created_at, id",
		rowID)
	if err != nil {
		return fmt.Errorf("failed to query notes: %w", err)
	}
	defer rows.Close()

	o.Notes = nil
	for rows.Next() {
		var n domain.OverrideNote
		if err := rows.Scan(&n.ID, &n.Author, &n.Content, &n.Timestamp); err != nil {
			return fmt.Errorf("failed to scan note: %w", err)
		}
		o.Notes = append(o.Notes, n)
	}
	return rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, key Key) (*domain.CodeOverride, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+pgOverrideColumns+" FROM overrides WHERE measure_id = $1 AND component_id = $2 AND format = $3",
		key.MeasureID, key.ComponentID, string(key.Format))

	rowID, o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get override: %w", err)
	}
	if err := s.loadNotes(ctx, rowID, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListByMeasure implements Store.
func (s *PostgresStore) ListByMeasure(ctx context.Context, measureID string) ([]*domain.CodeOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgOverrideColumns+" FROM overrides WHERE measure_id = $1 ORDER BY component_id, format",
		measureID)
	if err != nil {
		return nil, fmt.Errorf("failed to list overrides: %w", err)
	}
	defer rows.Close()

	var all []*domain.CodeOverride
	var rowIDs []int64
	for rows.Next() {
		rowID, o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		all = append(all, o)
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, o := range all {
		if err := s.loadNotes(ctx, rowIDs[i], o); err != nil {
			return nil, err
		}
	}
	return all, nil
}

// SetLocked implements Store.
func (s *PostgresStore) SetLocked(ctx context.Context, key Key, locked bool, note *domain.OverrideNote) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if note == nil {
		return ErrNoteRequired
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var rowID int64
	err = tx.QueryRowContext(ctx,
		"SELECT id FROM overrides WHERE measure_id = $1 AND component_id = $2 AND format = $3 FOR UPDATE",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE overrides SET is_locked = $1, version = version + 1, updated_at = $2 WHERE id = $3",
		locked, time.Now().UTC(), rowID); err != nil {
		return fmt.Errorf("failed to update lock: %w", err)
	}
	if err := pgInsertNoteTx(ctx, tx, rowID, note); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *PostgresStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM overrides WHERE measure_id = $1 AND component_id = $2 AND format = $3",
		key.MeasureID, key.ComponentID, string(key.Format))
	if err != nil {
		return fmt.Errorf("failed to delete override: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ExportJSON writes every override, with notes, as indented JSON.
func (s *PostgresStore) ExportJSON(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+pgOverrideColumns+" FROM overrides ORDER BY measure_id, component_id, format LIMIT $1",
		maxExportLimit)
	if err != nil {
		return fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	var all []*domain.CodeOverride
	var rowIDs []int64
	for rows.Next() {
		rowID, o, err := scanOverride(rows)
		if err != nil {
			return fmt.Errorf("failed to scan row: %w", err)
		}
		all = append(all, o)
		rowIDs = append(rowIDs, rowID)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	for i, o := range all {
		if err := s.loadNotes(ctx, rowIDs[i], o); err != nil {
			return err
		}
	}

	export := &Export{
		Version:    "1.0",
		ExportedAt: time.Now().UTC(),
		Count:      len(all),
		Overrides:  all,
	}
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(export)
}

// ImportJSON loads overrides from a previous export, skipping keys that
// already exist.
func (s *PostgresStore) ImportJSON(ctx context.Context, r io.Reader) (imported, skipped int, err error) {
	var export Export
	if err := json.NewDecoder(r).Decode(&export); err != nil {
		return 0, 0, fmt.Errorf("failed to decode JSON: %w", err)
	}

	for _, o := range export.Overrides {
		_, err := s.Get(ctx, KeyOf(o))
		if err == nil {
			skipped++
			continue
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return imported, skipped, fmt.Errorf("failed to check existing: %w", err)
		}

		notes := o.Notes
		var first *domain.OverrideNote
		if len(notes) > 0 {
			first = &notes[0]
		}
		if err := s.Save(ctx, o, first, 0); err != nil {
			return imported, skipped, fmt.Errorf("failed to save: %w", err)
		}
		for i := 1; i < len(notes); i++ {
			if err := s.appendNote(ctx, KeyOf(o), &notes[i]); err != nil {
				return imported, skipped, err
			}
		}
		imported++
	}
	return imported, skipped, nil
}

func (s *PostgresStore) appendNote(ctx context.Context, key Key, note *domain.OverrideNote) error {
	var rowID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM overrides WHERE measure_id = $1 AND component_id = $2 AND format = $3",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("failed to find override: %w", err)
	}
	stamped := stampNote(note)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO override_notes (id, override_id, author, content, created_at) VALUES ($1, $2, $3, $4, $5)",
		stamped.ID, rowID, stamped.Author, stamped.Content, stamped.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
