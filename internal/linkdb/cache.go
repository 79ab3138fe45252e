package linkdb

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// Cache persists link tables between runs.
//
// Writes are per record so a crash between two device writes leaves the
// cache describing exactly what the device acknowledged.
type Cache interface {
	// Load returns the cached table for addr, or ErrNotCached.
	Load(ctx context.Context, addr insteon.Address) (*Store, error)

	// Replace overwrites the whole cached table with s, typically after a
	// full download.
	Replace(ctx context.Context, s *Store) error

	// Upsert stores one record. Storing a sentinel drops every slot below
	// it.
	Upsert(ctx context.Context, addr insteon.Address, r Record) error

	// MarkUnused clears the in-use bit of the cached record at offset, or
	// returns ErrNotFound when no such record is cached.
	MarkUnused(ctx context.Context, addr insteon.Address, offset uint16) error

	// SetDelta stores the change counter. A negative delta clears it.
	SetDelta(ctx context.Context, addr insteon.Address, delta int) error

	// Delete forgets the table for addr.
	Delete(ctx context.Context, addr insteon.Address) error

	// Addresses lists every cached table.
	Addresses(ctx context.Context) ([]insteon.Address, error)
}

// Flush drains the dirty records of s into c.
//
// Parameters:
//   - ctx: Context for cancellation
//   - c: Destination cache
//   - s: Table whose dirty slots are written
//
// Returns:
//   - error: First persistence failure; remaining records stay unwritten
func Flush(ctx context.Context, c Cache, s *Store) error {
	for _, r := range s.TakeDirty() {
		if !r.Flags.InUse && !r.Flags.Last {
			err := c.MarkUnused(ctx, s.Addr(), r.Offset)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if err := c.Upsert(ctx, s.Addr(), r); err != nil {
			return err
		}
	}
	if d, ok := s.Delta(); ok {
		return c.SetDelta(ctx, s.Addr(), d)
	}
	return c.SetDelta(ctx, s.Addr(), -1)
}

// MemoryCache is an in-process Cache. It backs dry runs and tests.
type MemoryCache struct {
	mu     sync.Mutex
	tables map[insteon.Address]*Store
}

var _ Cache = (*MemoryCache)(nil)

// NewMemoryCache creates an empty MemoryCache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{tables: make(map[insteon.Address]*Store)}
}

func (m *MemoryCache) Load(_ context.Context, addr insteon.Address) (*Store, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.tables[addr]
	if !ok {
		return nil, ErrNotCached
	}
	return s.Clone(), nil
}

func (m *MemoryCache) Replace(_ context.Context, s *Store) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[s.Addr()] = s.Clone()
	return nil
}

func (m *MemoryCache) Upsert(_ context.Context, addr insteon.Address, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.table(addr).Apply(r)
}

func (m *MemoryCache) MarkUnused(_ context.Context, addr insteon.Address, offset uint16) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.table(addr).MarkUnused(offset)
	if errors.Is(err, ErrSentinel) {
		return ErrNotFound
	}
	return err
}

func (m *MemoryCache) SetDelta(_ context.Context, addr insteon.Address, delta int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.table(addr)
	if delta < 0 {
		s.ClearDelta()
	} else {
		s.SetDelta(delta)
	}
	return nil
}

func (m *MemoryCache) Delete(_ context.Context, addr insteon.Address) error {
	m.mu.Lock()
	delete(m.tables, addr)
	m.mu.Unlock()
	return nil
}

func (m *MemoryCache) Addresses(_ context.Context) ([]insteon.Address, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]insteon.Address, 0, len(m.tables))
	for a := range m.tables {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Uint32() < out[j].Uint32() })
	return out, nil
}

func (m *MemoryCache) table(addr insteon.Address) *Store {
	s, ok := m.tables[addr]
	if !ok {
		s = NewStore(addr)
		m.tables[addr] = s
	}
	return s
}
