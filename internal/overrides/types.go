// Package overrides provides persistence for manual code overrides: the
// editorial corrections that replace generated code for a single component in
// a single target format. Every edit carries an append-only audit note, and
// concurrent edits are serialized through an optimistic version check.
package overrides

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/quality-measure-engine/internal/domain"
)

// Key is the structured identity of one override. Identity is never a
// concatenated string: the three parts stay separate end to end.
type Key struct {
	MeasureID   string              `json:"measure_id"`
	ComponentID string              `json:"component_id"`
	Format      domain.TargetFormat `json:"format"`
}

// Validate checks that every key part is present and the format is known.
func (k Key) Validate() error {
	if k.MeasureID == "" {
		return errors.New("override key: measure ID is required")
	}
	if k.ComponentID == "" {
		return errors.New("override key: component ID is required")
	}
	if !k.Format.IsValid() {
		return domain.ErrInvalidFormat
	}
	return nil
}

// KeyOf extracts the key from an override record.
func KeyOf(o *domain.CodeOverride) Key {
	return Key{MeasureID: o.MeasureID, ComponentID: o.ComponentID, Format: o.Format}
}

var (
	// ErrVersionConflict signals a save against a stale version: someone
	// else edited the override since it was read.
	ErrVersionConflict = errors.New("override was modified concurrently")

	// ErrNoteRequired signals an edit to an existing override without an
	// audit note.
	ErrNoteRequired = errors.New("editing an override requires a note")
)

// Store persists code overrides. Implementations must be safe for concurrent
// use.
type Store interface {
	// Save creates the override when none exists for its key, or updates it
	// when expectedVersion matches the stored version. Updates require a
	// note; creation accepts an optional one. The record's Version,
	// CreatedAt and UpdatedAt are set by the store.
	Save(ctx context.Context, o *domain.CodeOverride, note *domain.OverrideNote, expectedVersion int64) error

	// Get returns the override for a key, with its notes newest-last, or
	// domain.ErrNotFound.
	Get(ctx context.Context, key Key) (*domain.CodeOverride, error)

	// ListByMeasure returns every override for a measure across components
	// and formats.
	ListByMeasure(ctx context.Context, measureID string) ([]*domain.CodeOverride, error)

	// SetLocked toggles the lock flag. A note is required; the version is
	// bumped so readers observe the change.
	SetLocked(ctx context.Context, key Key, locked bool, note *domain.OverrideNote) error

	// Delete removes the override and its notes.
	Delete(ctx context.Context, key Key) error

	// Close releases resources.
	Close() error
}

// Exporter is implemented by the persistent stores for backup tooling.
type Exporter interface {
	ExportJSON(ctx context.Context, w io.Writer) error
	ImportJSON(ctx context.Context, r io.Reader) (imported, skipped int, err error)
}

// Export is the JSON backup format shared by the persistent stores.
type Export struct {
	Version    string                 `json:"version"`
	ExportedAt time.Time              `json:"exported_at"`
	Count      int                    `json:"count"`
	Overrides  []*domain.CodeOverride `json:"overrides"`
}

// Lookup adapts a Store to the compiler's read-side interface. Store errors
// surface as "no override": generation proceeds rather than failing on a
// degraded store.
type Lookup struct {
	store Store
}

// NewLookup wraps a store for the compiler.
func NewLookup(store Store) *Lookup {
	return &Lookup{store: store}
}

// Lookup implements domain.OverrideLookup.
func (l *Lookup) Lookup(measureID, componentID string, format domain.TargetFormat) *domain.CodeOverride {
	o, err := l.store.Get(context.Background(), Key{
		MeasureID:   measureID,
		ComponentID: componentID,
		Format:      format,
	})
	if err != nil {
		return nil
	}
	return o
}
