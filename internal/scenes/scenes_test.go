package scenes

import (
	"context"
	"testing"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

var (
	modemAddr = insteon.Address{0x44, 0x85, 0x11}
	addrA     = insteon.Address{0x3a, 0x29, 0x84}
	addrB     = insteon.Address{0x1a, 0x2b, 0x3c}
	addrC     = insteon.Address{0x22, 0x33, 0x44}
)

// newStore builds a table holding recs from the high-water mark down.
func newStore(t *testing.T, addr insteon.Address, recs ...linkdb.Record) *linkdb.Store {
	t.Helper()
	s := linkdb.NewStore(addr)
	off := linkdb.HighWater
	for _, r := range recs {
		r.Offset = off
		if err := s.Apply(r); err != nil {
			t.Fatalf("Apply(%s) error = %v", r, err)
		}
		off -= linkdb.RecordSize
	}
	s.TakeDirty()
	return s
}

func ctrl(addr insteon.Address, group uint8, data [3]byte) linkdb.Record {
	return linkdb.Record{Flags: linkdb.DbFlags{InUse: true, Controller: true}, Group: group, Addr: addr, Data: data}
}

func resp(addr insteon.Address, group uint8, data [3]byte) linkdb.Record {
	return linkdb.Record{Flags: linkdb.DbFlags{InUse: true}, Group: group, Addr: addr, Data: data}
}

func member(addr insteon.Address, group uint8, data [3]byte) Member {
	return Member{Addr: addr, Group: group, Data: data}
}

// fakeNode applies link writes straight to a table.
type fakeNode struct {
	store   *linkdb.Store
	calls   []string
	failAdd map[linkdb.Key]error
}

func (f *fakeNode) AddLink(_ context.Context, spec device.LinkSpec) error {
	f.calls = append(f.calls, "add "+spec.Key().String())
	if err := f.failAdd[spec.Key()]; err != nil {
		return err
	}
	plan, err := f.store.PlanAdd(spec.Key(), spec.Data)
	if err != nil {
		return err
	}
	for _, r := range plan {
		if err := f.store.Apply(r); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeNode) DeleteLink(_ context.Context, spec device.LinkSpec) error {
	f.calls = append(f.calls, "delete "+spec.Key().String())
	rec, err := f.store.PlanDelete(spec.Key())
	if err != nil {
		return err
	}
	return f.store.Apply(rec)
}
