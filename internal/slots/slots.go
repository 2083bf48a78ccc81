// Package slots holds the fixed-capacity descriptor table of the poll server.
//
// The table is laid out as
//
//	0               data listener
//	1 .. D          data clients
//	D+1             control listener
//	D+2 .. D+1+C    control clients
//
// Every slot carries an explicit occupied tag; an empty slot has no
// descriptor, not a sentinel one.
package slots

import (
	"github.com/nikandfor/errors"
)

// Pool identifies one half of the table.
type Pool uint8

const (
	DataPool Pool = iota
	ControlPool
)

func (p Pool) String() string {
	switch p {
	case DataPool:
		return "data"
	case ControlPool:
		return "control"
	default:
		return "unknown"
	}
}

// Slot is one entry of the table.
type Slot struct {
	fd       int
	occupied bool
	pool     Pool
	listener bool
}

// Table is not safe for concurrent use; it belongs to the event loop.
type Table struct {
	slots  []Slot
	first  [2]int // index of the listener slot per pool
	size   [2]int // client capacity per pool
	active [2]int
}

// New builds an empty table with dataClients and controlClients client
// slots.
func New(dataClients, controlClients int) *Table {
	t := &Table{
		slots: make([]Slot, dataClients+controlClients+2),
		first: [2]int{0, dataClients + 1},
		size:  [2]int{dataClients, controlClients},
	}

	for p := DataPool; p <= ControlPool; p++ {
		base := t.first[p]
		t.slots[base] = Slot{pool: p, listener: true}
		for i := base + 1; i <= base+t.size[p]; i++ {
			t.slots[i] = Slot{pool: p}
		}
	}

	return t
}

// Len is the total number of slots, listeners included.
func (t *Table) Len() int {
	return len(t.slots)
}

// Capacity is the number of client slots of a pool.
func (t *Table) Capacity(p Pool) int {
	return t.size[p]
}

// ListenerIndex returns the fixed index of the pool's listener slot.
func (t *Table) ListenerIndex(p Pool) int {
	return t.first[p]
}

// SetListener binds fd to the pool's listener slot.
func (t *Table) SetListener(p Pool, fd int) {
	s := &t.slots[t.first[p]]
	s.fd = fd
	s.occupied = true
}

// ClearListener empties the pool's listener slot and returns the descriptor
// it held. The slot is never reassigned afterwards.
func (t *Table) ClearListener(p Pool) (int, bool) {
	s := &t.slots[t.first[p]]
	if !s.occupied {
		return -1, false
	}

	fd := s.fd
	s.fd, s.occupied = 0, false
	return fd, true
}

// Allocate places fd into the first empty client slot of the pool. ok is
// false when the pool is full; the caller rejects the connection.
func (t *Table) Allocate(p Pool, fd int) (index int, ok bool) {
	base := t.first[p]
	for i := base + 1; i <= base+t.size[p]; i++ {
		if t.slots[i].occupied {
			continue
		}

		t.slots[i].fd = fd
		t.slots[i].occupied = true
		t.active[p]++
		return i, true
	}

	return -1, false
}

// Release empties a client slot and returns its descriptor. Releasing an
// empty slot, a listener slot or an out of range index does nothing.
func (t *Table) Release(index int) (int, bool) {
	if index < 0 || index >= len(t.slots) {
		return -1, false
	}

	s := &t.slots[index]
	if s.listener || !s.occupied {
		return -1, false
	}

	fd := s.fd
	s.fd, s.occupied = 0, false
	t.active[s.pool]--
	return fd, true
}

// Occupants is the number of connected clients in the pool.
func (t *Table) Occupants(p Pool) int {
	return t.active[p]
}

// Get returns the slot at index.
func (t *Table) Get(index int) Slot {
	return t.slots[index]
}

// Fd returns the descriptor held by the slot, if any.
func (s Slot) Fd() (int, bool) {
	return s.fd, s.occupied
}

func (s Slot) Occupied() bool { return s.occupied }
func (s Slot) Pool() Pool     { return s.pool }
func (s Slot) Listener() bool { return s.listener }

// Check recounts every pool by a full scan and reports a mismatch with the
// incrementally maintained counters.
func (t *Table) Check() error {
	var counted [2]int
	for _, s := range t.slots {
		if s.occupied && !s.listener {
			counted[s.pool]++
		}
	}

	for p := DataPool; p <= ControlPool; p++ {
		if counted[p] != t.active[p] {
			return errors.New("slots: %s pool counter %d, %d occupied", p, t.active[p], counted[p])
		}
	}

	return nil
}
