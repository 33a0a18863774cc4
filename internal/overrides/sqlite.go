package overrides

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/quality-measure-engine/internal/domain"
)

// SQLiteStore implements Store on an embedded SQLite database. Overrides and
// their notes live in separate tables; notes are append-only.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewSQLiteStore opens (or creates) the database file and schema.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	if err := createOverrideSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db, dbPath: dbPath}, nil
}

func createOverrideSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS overrides (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		measure_id TEXT NOT NULL,
		component_id TEXT NOT NULL,
		format TEXT NOT NULL,
		code TEXT NOT NULL,
		is_locked INTEGER NOT NULL DEFAULT 0,
		original_generated_code TEXT DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(measure_id, component_id, format)
	);

	CREATE TABLE IF NOT EXISTS override_notes (
		id TEXT PRIMARY KEY,
		override_id INTEGER NOT NULL REFERENCES overrides(id) ON DELETE CASCADE,
		author TEXT NOT NULL,
		content TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_overrides_measure ON overrides(measure_id);
	CREATE INDEX IF NOT EXISTS idx_notes_override ON override_notes(override_id);
	`
	_, err := db.Exec(schema)
	return err
}

// scanner is an interface for sql.Row and sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOverride(s scanner) (rowID int64, o *domain.CodeOverride, err error) {
	o = &domain.CodeOverride{}
	var format string
	err = s.Scan(
		&rowID, &o.MeasureID, &o.ComponentID, &format,
		&o.Code, &o.IsLocked, &o.OriginalGeneratedCode,
		&o.Version, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return 0, nil, err
	}
	o.Format = domain.TargetFormat(format)
	return rowID, o, nil
}

const overrideColumns = `id, measure_id, component_id, format,
		code, is_locked, original_generated_code, version, created_at, updated_at`

// Save implements Store. The version check and insert/update run inside one
// transaction, so concurrent saves against the same key serialize on the
// database.
func (s *SQLiteStore) Save(ctx context.Context, o *domain.CodeOverride, note *domain.OverrideNote, expectedVersion int64) error {
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
	var rowID, version int64
	err = tx.QueryRowContext(ctx,
		"SELECT id, version FROM overrides WHERE measure_id = ? AND component_id = ? AND format = ?",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID, &version)

	switch {
	case err == nil:
		if note == nil {
			return ErrNoteRequired
		}
		if version != expectedVersion {
			return ErrVersionConflict
		}
		o.Version = version + 1
		o.UpdatedAt = now
		if _, err := tx.ExecContext(ctx, `
			UPDATE overrides SET
				code = ?,
				is_locked = ?,
				original_generated_code = ?,
				version = ?,
				updated_at = ?
			WHERE id = ?
		`, o.Code, o.IsLocked, o.OriginalGeneratedCode, o.Version, now, rowID); err != nil {
			return fmt.Errorf("failed to update override: %w", err)
		}
		if err := insertNoteTx(ctx, tx, rowID, note); err != nil {
			return err
		}

	case errors.Is(err, sql.ErrNoRows):
		o.Version = 1
		o.CreatedAt = now
		o.UpdatedAt = now
		result, err := tx.ExecContext(ctx, `
			INSERT INTO overrides (
				measure_id, component_id, format,
				code, is_locked, original_generated_code,
				version, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, key.MeasureID, key.ComponentID, string(key.Format),
			o.Code, o.IsLocked, o.OriginalGeneratedCode, o.Version, now, now)
		if err != nil {
			return fmt.Errorf("failed to insert override: %w", err)
		}
		rowID, err = result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get insert ID: %w", err)
		}
		if note != nil {
			if err := insertNoteTx(ctx, tx, rowID, note); err != nil {
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

func insertNoteTx(ctx context.Context, tx *sql.Tx, overrideID int64, note *domain.OverrideNote) error {
	stamped := stampNote(note)
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO override_notes (id, override_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)",
		stamped.ID, overrideID, stamped.Author, stamped.Content, stamped.Timestamp,
	); err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadNotes(ctx context.Context, rowID int64, o *domain.CodeOverride) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, author, content, created_at FROM override_notes WHERE override_id = ? ORDER BY created_at, id",
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
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*domain.CodeOverride, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	row := s.db.QueryRowContext(ctx,
		"SELECT "+overrideColumns+" FROM overrides WHERE measure_id = ? AND component_id = ? AND format = ?",
		key.MeasureID, key.ComponentID, string(key.Format))

	rowID, o, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan: %w", err)
	}
	if err := s.loadNotes(ctx, rowID, o); err != nil {
		return nil, err
	}
	return o, nil
}

// ListByMeasure implements Store.
func (s *SQLiteStore) ListByMeasure(ctx context.Context, measureID string) ([]*domain.CodeOverride, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+overrideColumns+" FROM overrides WHERE measure_id = ? ORDER BY component_id, format",
		measureID)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()

	type numbered struct {
		rowID int64
		o     *domain.CodeOverride
	}
	var scanned []numbered
	for rows.Next() {
		rowID, o, err := scanOverride(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		scanned = append(scanned, numbered{rowID: rowID, o: o})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := make([]*domain.CodeOverride, 0, len(scanned))
	for _, n := range scanned {
		if err := s.loadNotes(ctx, n.rowID, n.o); err != nil {
			return nil, err
		}
		result = append(result, n.o)
	}
	return result, nil
}

// SetLocked implements Store.
func (s *SQLiteStore) SetLocked(ctx context.Context, key Key, locked bool, note *domain.OverrideNote) error {
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
		"SELECT id FROM overrides WHERE measure_id = ? AND component_id = ? AND format = ?",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check existing: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE overrides SET is_locked = ?, version = version + 1, updated_at = ? WHERE id = ?",
		locked, time.Now().UTC(), rowID); err != nil {
		return fmt.Errorf("failed to update lock: %w", err)
	}
	if err := insertNoteTx(ctx, tx, rowID, note); err != nil {
		return err
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx,
		"DELETE FROM overrides WHERE measure_id = ? AND component_id = ? AND format = ?",
		key.MeasureID, key.ComponentID, string(key.Format))
	if err != nil {
		return fmt.Errorf("failed to delete: %w", err)
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

// maxExportLimit caps a single export.
const maxExportLimit = 1000000

// ExportJSON writes every override, with notes, as indented JSON.
func (s *SQLiteStore) ExportJSON(ctx context.Context, w io.Writer) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+overrideColumns+" FROM overrides ORDER BY measure_id, component_id, format LIMIT ?",
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
func (s *SQLiteStore) ImportJSON(ctx context.Context, r io.Reader) (imported, skipped int, err error) {
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

// appendNote attaches a note without touching the override record, used when
// importing historical audit trails.
func (s *SQLiteStore) appendNote(ctx context.Context, key Key, note *domain.OverrideNote) error {
	var rowID int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id FROM overrides WHERE measure_id = ? AND component_id = ? AND format = ?",
		key.MeasureID, key.ComponentID, string(key.Format),
	).Scan(&rowID)
	if err != nil {
		return fmt.Errorf("failed to find override: %w", err)
	}
	stamped := stampNote(note)
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO override_notes (id, override_id, author, content, created_at) VALUES (?, ?, ?, ?, ?)",
		stamped.ID, rowID, stamped.Author, stamped.Content, stamped.Timestamp)
	if err != nil {
		return fmt.Errorf("failed to insert note: %w", err)
	}
	return nil
}

// Close closes the store and releases resources.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
