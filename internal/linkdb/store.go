package linkdb

import (
	"fmt"
	"sort"
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Store is the local image of one link table.
//
// Records are kept in an arena indexed by memory offset. Offsets are stable:
// deleting a link only clears its in-use bit, and the slot stays in place
// until a later add reuses it. Exactly one sentinel marks the end of the
// table; it moves down by RecordSize each time the table grows.
//
// Every mutation marks the touched slot dirty. Callers drain dirty slots
// with TakeDirty and hand them to a Cache.
//
// Store is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	addr  insteon.Address
	delta int
	slots map[uint16]Record
	last  Record
	dirty map[uint16]struct{}
}

// NewStore creates an empty table for addr. The delta is unknown and the
// sentinel sits at the high-water mark.
func NewStore(addr insteon.Address) *Store {
	return &Store{
		addr:  addr,
		delta: -1,
		slots: make(map[uint16]Record),
		last:  Sentinel(HighWater),
		dirty: make(map[uint16]struct{}),
	}
}

// Addr returns the address of the device that owns the table.
func (s *Store) Addr() insteon.Address {
	return s.addr
}

// Delta returns the cached change counter and whether it is known.
func (s *Store) Delta() (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.delta, s.delta >= 0
}

// SetDelta records the device's change counter.
func (s *Store) SetDelta(d int) {
	s.mu.Lock()
	s.delta = d & 0xff
	s.mu.Unlock()
}

// ClearDelta marks the delta unknown, forcing the next refresh to download.
func (s *Store) ClearDelta() {
	s.mu.Lock()
	s.delta = -1
	s.mu.Unlock()
}

// Apply stores r as read from or written to the device.
//
// A sentinel record moves the end of the table. Any slot at or below the new
// sentinel is discarded, since the device stops scanning there.
func (s *Store) Apply(r Record) error {
	if !ValidOffset(r.Offset) {
		return fmt.Errorf("%w: %#04x", ErrBadOffset, r.Offset)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if r.Flags.Last {
		r = Sentinel(r.Offset)
		for off := range s.slots {
			if off <= r.Offset {
				delete(s.slots, off)
				s.dirty[off] = struct{}{}
			}
		}
		s.last = r
		s.dirty[r.Offset] = struct{}{}
		return nil
	}

	if r.Offset <= s.last.Offset {
		// A record written where the sentinel was; the caller has already
		// moved the sentinel down, or is replaying a download.
		if r.Offset == s.last.Offset && r.Offset >= LowWater+RecordSize {
			s.last = Sentinel(r.Offset - RecordSize)
			s.dirty[s.last.Offset] = struct{}{}
		} else if r.Offset < s.last.Offset {
			return fmt.Errorf("%w: %#04x below end of table %#04x", ErrBadOffset, r.Offset, s.last.Offset)
		} else {
			return fmt.Errorf("%w: no room below %#04x", ErrTableFull, r.Offset)
		}
	}

	s.slots[r.Offset] = r
	s.dirty[r.Offset] = struct{}{}
	return nil
}

// MarkUnused clears the in-use bit of the record at offset and returns the
// updated record. The slot keeps its offset.
func (s *Store) MarkUnused(offset uint16) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if offset == s.last.Offset {
		return Record{}, ErrSentinel
	}
	r, ok := s.slots[offset]
	if !ok {
		return Record{}, fmt.Errorf("%w: offset %#04x", ErrNotFound, offset)
	}
	r.Flags.InUse = false
	s.slots[offset] = r
	s.dirty[offset] = struct{}{}
	return r, nil
}

// At returns the record stored at offset, including the sentinel.
func (s *Store) At(offset uint16) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if offset == s.last.Offset {
		return s.last, true
	}
	r, ok := s.slots[offset]
	return r, ok
}

// Last returns the end-of-table sentinel.
func (s *Store) Last() Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// Records returns the in-use records, highest offset first.
func (s *Store) Records() []Record {
	return s.filter(func(r Record) bool { return r.InUse() })
}

// Unused returns slots whose in-use bit is clear, highest offset first.
func (s *Store) Unused() []Record {
	return s.filter(func(r Record) bool { return !r.Flags.InUse })
}

// All returns every slot followed by the sentinel, highest offset first.
func (s *Store) All() []Record {
	out := s.filter(func(Record) bool { return true })
	return append(out, s.Last())
}

// Len returns the number of in-use records.
func (s *Store) Len() int {
	return len(s.Records())
}

// Find returns the in-use record matching k.
func (s *Store) Find(k Key) (Record, bool) {
	for _, r := range s.Records() {
		if r.Key() == k {
			return r, true
		}
	}
	return Record{}, false
}

// Controllers returns the in-use controller records for group. On a device
// these name the responders the device drives when the group fires.
func (s *Store) Controllers(group uint8) []Record {
	return s.filter(func(r Record) bool {
		return r.InUse() && r.Flags.Controller && r.Group == group
	})
}

// PlanAdd computes the record writes that make the table contain a link
// with key k and data bytes. Writes must be applied in order.
//
// The plan is empty when an identical record already exists. An existing
// record with the same key but different data is overwritten in place.
// Otherwise the highest unused slot is reused, and only when none exists is
// the table extended: a new sentinel is written below the current one first,
// then the record takes the old sentinel's slot.
func (s *Store) PlanAdd(k Key, data [3]byte) ([]Record, error) {
	rec := Record{
		Flags: DbFlags{InUse: true, Controller: k.Controller},
		Group: k.Group,
		Addr:  k.Addr,
		Data:  data,
	}

	if cur, ok := s.Find(k); ok {
		if cur.Data == data {
			return nil, nil
		}
		rec.Offset = cur.Offset
		return []Record{rec}, nil
	}

	if free := s.Unused(); len(free) > 0 {
		rec.Offset = free[0].Offset
		return []Record{rec}, nil
	}

	last := s.Last()
	if last.Offset < LowWater+RecordSize {
		return nil, ErrTableFull
	}
	rec.Offset = last.Offset
	return []Record{Sentinel(last.Offset - RecordSize), rec}, nil
}

// PlanDelete returns the write that removes the link with key k.
func (s *Store) PlanDelete(k Key) (Record, error) {
	cur, ok := s.Find(k)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrNotFound, k)
	}
	cur.Flags.InUse = false
	return cur, nil
}

// TakeDirty returns the slots changed since the last call, highest offset
// first, and clears the dirty set. Slots discarded by a sentinel move are
// not returned; storing the sentinel implies dropping everything below it.
func (s *Store) TakeDirty() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.dirty))
	for off := range s.dirty {
		if off == s.last.Offset {
			out = append(out, s.last)
		} else if r, ok := s.slots[off]; ok {
			out = append(out, r)
		}
	}
	s.dirty = make(map[uint16]struct{})
	sortDesc(out)
	return out
}

// Clone returns a deep copy of the table with an empty dirty set.
func (s *Store) Clone() *Store {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := NewStore(s.addr)
	c.delta = s.delta
	c.last = s.last
	for off, r := range s.slots {
		c.slots[off] = r
	}
	return c
}

func (s *Store) filter(keep func(Record) bool) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.slots))
	for _, r := range s.slots {
		if keep(r) {
			out = append(out, r)
		}
	}
	s.mu.RUnlock()
	sortDesc(out)
	return out
}

func sortDesc(rs []Record) {
	sort.Slice(rs, func(i, j int) bool { return rs[i].Offset > rs[j].Offset })
}
