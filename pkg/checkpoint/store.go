// Package checkpoint stores replication resume positions per slot. Saves are
// monotonic; moving a position backwards requires an explicit reset that
// either proves knowledge of the current value or forces through it.
package checkpoint

import (
	"errors"
	"fmt"
	"sync"
)

// ErrConflict is returned when a reset's preconditions do not match the
// stored position.
var ErrConflict = errors.New("checkpoint: reset precondition failed")

// Store tracks the highest processed replication position per slot.
type Store interface {
	// Load returns the stored position for a slot, ok=false when absent.
	Load(slotName string) (uint64, bool, error)
	// Save records position for a slot; positions at or below the stored
	// value are ignored.
	Save(slotName string, position uint64) error
	// Reset rewinds or clears the slot. Without force, expected must match
	// the stored position exactly, and a newPosition above the stored value
	// is rejected. newPosition nil clears the slot.
	Reset(slotName string, expected *uint64, newPosition *uint64, force bool) error
}

// MemoryStore is a volatile Store.
type MemoryStore struct {
	mtx       sync.Mutex
	positions map[string]uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{positions: make(map[string]uint64)}
}

func (s *MemoryStore) Load(slotName string) (uint64, bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	position, ok := s.positions[slotName]
	return position, ok, nil
}

func (s *MemoryStore) Save(slotName string, position uint64) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if current, ok := s.positions[slotName]; ok && position <= current {
		return nil
	}
	s.positions[slotName] = position
	return nil
}

func (s *MemoryStore) Reset(slotName string, expected, newPosition *uint64, force bool) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	if err := checkReset(s.positions, slotName, expected, newPosition, force); err != nil {
		return err
	}
	applyReset(s.positions, slotName, newPosition)
	return nil
}

// checkReset validates the reset matrix shared by both stores. The caller
// holds the store lock.
func checkReset(positions map[string]uint64, slotName string, expected, newPosition *uint64, force bool) error {
	current, exists := positions[slotName]
	if force {
		return nil
	}
	if !exists {
		// Nothing stored: only an unconditional clear is allowed.
		if expected != nil {
			return fmt.Errorf("%w: resume token does not exist for slot", ErrConflict)
		}
		return nil
	}
	if expected == nil || *expected != current {
		return fmt.Errorf("%w: unexpected resume token value", ErrConflict)
	}
	if newPosition != nil && *newPosition > current {
		return fmt.Errorf("%w: new resume token must not exceed current value", ErrConflict)
	}
	return nil
}

func applyReset(positions map[string]uint64, slotName string, newPosition *uint64) {
	if newPosition == nil {
		delete(positions, slotName)
		return
	}
	positions[slotName] = *newPosition
}
