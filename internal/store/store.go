// Package store holds the measurement table served to data-port clients.
//
// The table has a fixed number of slots and a single freshness timestamp.
// It is replaced wholesale by Commit; a rejected frame only ever calls
// Invalidate, which marks the whole table stale without touching its
// contents.
package store

import (
	"time"

	"github.com/luhtfiimanal/go-serial-bridge/internal/clock"
)

const (
	// Slots is the number of positions in the table.
	Slots = 180

	// FirstSlot is the first slot a frame populates. Slots below it are
	// reserved and always empty.
	FirstSlot = 5

	// ValueCap is the longest value a slot can hold, in bytes.
	ValueCap = 31

	// OutdateTimeout is how long a commit keeps the table fresh.
	OutdateTimeout = 10 * time.Second
)

// Table is one full copy of the slot values.
type Table [Slots]string

// ValidIndex reports whether idx may be queried by a client.
func ValidIndex(idx int) bool {
	return idx >= FirstSlot && idx < Slots
}

// Store owns the live table. It is not safe for concurrent use; the event
// loop is its only caller.
type Store struct {
	live       Table
	lastUpdate time.Time // zero means invalid
	clock      clock.Clock
}

// New returns an empty store whose table is already stale.
func New(c clock.Clock) *Store {
	if c == nil {
		c = clock.Real()
	}
	return &Store{clock: c}
}

// Get returns the value at idx and whether the table is fresh. Indices
// outside the table return an empty value.
func (s *Store) Get(idx int) (string, bool) {
	if idx < 0 || idx >= Slots {
		return "", false
	}
	return s.live[idx], s.Fresh()
}

// Fresh reports whether the last successful commit happened less than
// OutdateTimeout ago.
func (s *Store) Fresh() bool {
	if s.lastUpdate.IsZero() {
		return false
	}
	return s.clock.Now().Sub(s.lastUpdate) < OutdateTimeout
}

// LastUpdate returns the time of the last commit, or the zero time if the
// table has been invalidated since.
func (s *Store) LastUpdate() time.Time {
	return s.lastUpdate
}

// Snapshot returns a copy of the live table to be used as a shadow while
// parsing a frame.
func (s *Store) Snapshot() Table {
	return s.live
}

// Commit replaces the live table with t and marks it fresh.
func (s *Store) Commit(t *Table) {
	s.live = *t
	for i := 0; i < FirstSlot; i++ {
		s.live[i] = ""
	}
	s.lastUpdate = s.clock.Now()
}

// Invalidate marks the table stale until the next Commit.
func (s *Store) Invalidate() {
	s.lastUpdate = time.Time{}
}
