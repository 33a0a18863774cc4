package overrides

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quality-measure-engine/internal/domain"
)

// MemoryStore keeps overrides in process memory. Writes to the same key are
// serialized through a per-key mutex, so two editors saving the same override
// contend only with each other; the optimistic version check then rejects
// whichever save read a stale version.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[Key]*domain.CodeOverride

	lockMu   sync.Mutex
	keyLocks map[Key]*sync.Mutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items:    make(map[Key]*domain.CodeOverride),
		keyLocks: make(map[Key]*sync.Mutex),
	}
}

func (s *MemoryStore) keyLock(key Key) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	l, ok := s.keyLocks[key]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[key] = l
	}
	return l
}

// cloneOverride deep-copies a record so callers never alias store state.
func cloneOverride(o *domain.CodeOverride) *domain.CodeOverride {
	cp := *o
	cp.Notes = append([]domain.OverrideNote(nil), o.Notes...)
	return &cp
}

func stampNote(note *domain.OverrideNote) domain.OverrideNote {
	n := *note
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	return n
}

// Save implements Store.
func (s *MemoryStore) Save(_ context.Context, o *domain.CodeOverride, note *domain.OverrideNote, expectedVersion int64) error {
	key := KeyOf(o)
	if err := key.Validate(); err != nil {
		return err
	}

	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	existing, ok := s.items[key]
	if !ok {
		stored := cloneOverride(o)
		stored.Version = 1
		stored.CreatedAt = now
		stored.UpdatedAt = now
		stored.Notes = nil
		if note != nil {
			stored.Notes = []domain.OverrideNote{stampNote(note)}
		}
		s.items[key] = stored
		*o = *cloneOverride(stored)
		return nil
	}

	if note == nil {
		return ErrNoteRequired
	}
	if existing.Version != expectedVersion {
		return ErrVersionConflict
	}

	stored := cloneOverride(o)
	stored.Version = existing.Version + 1
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = now
	stored.Notes = append(append([]domain.OverrideNote(nil), existing.Notes...), stampNote(note))
	s.items[key] = stored
	*o = *cloneOverride(stored)
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, key Key) (*domain.CodeOverride, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.items[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneOverride(o), nil
}

// ListByMeasure implements Store.
func (s *MemoryStore) ListByMeasure(_ context.Context, measureID string) ([]*domain.CodeOverride, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var result []*domain.CodeOverride
	for key, o := range s.items {
		if key.MeasureID == measureID {
			result = append(result, cloneOverride(o))
		}
	}
	return result, nil
}

// SetLocked implements Store.
func (s *MemoryStore) SetLocked(_ context.Context, key Key, locked bool, note *domain.OverrideNote) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if note == nil {
		return ErrNoteRequired
	}

	kl := s.keyLock(key)
	kl.Lock()
	defer kl.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.items[key]
	if !ok {
		return domain.ErrNotFound
	}
	o.IsLocked = locked
	o.Version++
	o.UpdatedAt = time.Now().UTC()
	o.Notes = append(o.Notes, stampNote(note))
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, key Key) error {
	if err := key.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[key]; !ok {
		return domain.ErrNotFound
	}
	delete(s.items, key)
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
