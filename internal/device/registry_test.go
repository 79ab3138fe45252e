package device

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm/plmtest"
)

// mockRepository is an in-memory Repository.
type mockRepository struct {
	mu      sync.Mutex
	devices map[insteon.Address]Info
	upserts int
}

func newMockRepository(infos ...Info) *mockRepository {
	r := &mockRepository{devices: make(map[insteon.Address]Info)}
	for _, i := range infos {
		r.devices[i.Address] = i
	}
	return r
}

func (r *mockRepository) Get(_ context.Context, addr insteon.Address) (*Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, ok := r.devices[addr]
	if !ok {
		return nil, ErrDeviceNotFound
	}
	return &i, nil
}

func (r *mockRepository) List(_ context.Context) ([]Info, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Info, 0, len(r.devices))
	for _, i := range r.devices {
		out = append(out, i)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Address.Uint32() < out[b].Address.Uint32() })
	return out, nil
}

func (r *mockRepository) Upsert(_ context.Context, info *Info) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[info.Address] = *info
	r.upserts++
	return nil
}

func (r *mockRepository) Delete(_ context.Context, addr insteon.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[addr]; !ok {
		return ErrDeviceNotFound
	}
	delete(r.devices, addr)
	return nil
}

// mockEngineControl records per-address settings.
type mockEngineControl struct {
	sleepy  map[insteon.Address]bool
	minHops map[insteon.Address]int
}

func newMockEngineControl() *mockEngineControl {
	return &mockEngineControl{sleepy: make(map[insteon.Address]bool), minHops: make(map[insteon.Address]int)}
}

func (m *mockEngineControl) SetSleepy(addr insteon.Address, sleepy bool) { m.sleepy[addr] = sleepy }
func (m *mockEngineControl) SetMinHops(addr insteon.Address, n int)      { m.minHops[addr] = n }

func TestRegistryAdd(t *testing.T) {
	ctx := context.Background()
	repo := newMockRepository()
	eng := newMockEngineControl()
	reg := NewRegistry(RegistryOptions{Repository: repo, Engine: eng})

	if _, err := reg.Add(ctx, Info{Address: addrA, Name: "Porch", Sleepy: true, MinHops: 2}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !eng.sleepy[addrA] || eng.minHops[addrA] != 2 {
		t.Errorf("engine settings = sleepy %v hops %d", eng.sleepy[addrA], eng.minHops[addrA])
	}
	if _, err := repo.Get(ctx, addrA); err != nil {
		t.Errorf("device not persisted: %v", err)
	}

	tests := []struct {
		name string
		info Info
		want error
	}{
		{name: "same address", info: Info{Address: addrA}, want: ErrDeviceExists},
		{name: "same name", info: Info{Address: addrB, Name: "porch"}, want: ErrDeviceExists},
		{name: "reserved name", info: Info{Address: addrB, Name: "Modem"}, want: ErrInvalidDevice},
		{name: "modem info", info: Info{Address: addrB, IsModem: true}, want: ErrInvalidDevice},
		{name: "invalid", info: Info{Address: addrB, MinHops: 7}, want: ErrInvalidDevice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := reg.Add(ctx, tt.info); !errors.Is(err, tt.want) {
				t.Errorf("Add() error = %v, want %v", err, tt.want)
			}
		})
	}
	if n := len(reg.Devices()); n != 1 {
		t.Errorf("Devices() = %d, want 1", n)
	}
}

func TestRegistryResolve(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(RegistryOptions{})
	reg.SetModem(Info{Address: plmtest.ModemAddr})
	for _, i := range []Info{{Address: addrA, Name: "Kitchen"}, {Address: addrB}} {
		if _, err := reg.Add(ctx, i); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	tests := []struct {
		in   string
		want insteon.Address
	}{
		{in: "kitchen", want: addrA},
		{in: "KITCHEN", want: addrA},
		{in: "1a.2b.3c", want: addrB},
		{in: "1A2B3C", want: addrB},
		{in: "modem", want: plmtest.ModemAddr},
		{in: plmtest.ModemAddr.String(), want: plmtest.ModemAddr},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			n, err := reg.Resolve(tt.in)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if n.Addr() != tt.want {
				t.Errorf("Resolve() = %s, want %s", n.Addr(), tt.want)
			}
		})
	}

	for _, in := range []string{"garage", "99.99.99"} {
		if _, err := reg.Resolve(in); !errors.Is(err, ErrDeviceNotFound) {
			t.Errorf("Resolve(%q) error = %v, want ErrDeviceNotFound", in, err)
		}
	}
}

func TestRegistryNodesOrder(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(RegistryOptions{})
	reg.SetModem(Info{Address: plmtest.ModemAddr})
	for _, a := range []insteon.Address{addrA, addrC, addrB} {
		if _, err := reg.Add(ctx, Info{Address: a}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	want := []insteon.Address{plmtest.ModemAddr, addrB, addrC, addrA}
	nodes := reg.Nodes()
	if len(nodes) != len(want) {
		t.Fatalf("Nodes() = %d, want %d", len(nodes), len(want))
	}
	for i, a := range want {
		if nodes[i].Addr() != a {
			t.Errorf("Nodes()[%d] = %s, want %s", i, nodes[i].Addr(), a)
		}
	}
}

func TestRegistryLoadRepository(t *testing.T) {
	ctx := context.Background()
	repo := newMockRepository(
		Info{Address: addrA, Name: "Stored", Engine: insteon.EngineI2, Category: 0x01, Subcategory: 0x20},
		Info{Address: addrB, Name: "Closet", Engine: insteon.EngineI2CS},
		Info{Address: plmtest.ModemAddr, IsModem: true, Category: 0x03, Firmware: 0x9e},
	)
	reg := NewRegistry(RegistryOptions{Repository: repo})
	m := reg.SetModem(Info{})
	if _, err := reg.Add(ctx, Info{Address: addrA, Name: "Configured"}); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	if err := reg.LoadRepository(ctx); err != nil {
		t.Fatalf("LoadRepository() error = %v", err)
	}

	a, err := reg.Device(addrA)
	if err != nil {
		t.Fatalf("Device(A) error = %v", err)
	}
	info := a.Info()
	if info.Name != "Configured" {
		t.Errorf("Name = %q, want configured name kept", info.Name)
	}
	if info.Engine != insteon.EngineI2 || info.Category != 0x01 || info.Subcategory != 0x20 {
		t.Errorf("stored identity not merged: %+v", info)
	}

	b, err := reg.Resolve("closet")
	if err != nil {
		t.Fatalf("stored device not registered: %v", err)
	}
	if b.Addr() != addrB {
		t.Errorf("Resolve(closet) = %s", b.Addr())
	}

	if m.Addr() != plmtest.ModemAddr || m.Info().Firmware != 0x9e {
		t.Errorf("modem = %+v, want stored identity", m.Info())
	}
}

func TestRegistryInboundChecksum(t *testing.T) {
	ctx := context.Background()
	reg := NewRegistry(RegistryOptions{})
	for _, i := range []Info{
		{Address: addrA, Engine: insteon.EngineI2CS},
		{Address: addrB, Engine: insteon.EngineI1},
	} {
		if _, err := reg.Add(ctx, i); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
	}

	tests := []struct {
		addr insteon.Address
		want insteon.Checksum
	}{
		{addr: addrA, want: insteon.ChecksumSum},
		{addr: addrB, want: insteon.ChecksumNone},
		{addr: addrC, want: insteon.ChecksumNone},
	}
	for _, tt := range tests {
		if got := reg.InboundChecksum(tt.addr); got != tt.want {
			t.Errorf("InboundChecksum(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestRegistryPersistsLearnedEngine(t *testing.T) {
	h := newHarness(t)
	ctx := testCtx(t)
	h.net.AddDevice(addrC).SetEngine(insteon.EngineI2)

	repo := newMockRepository()
	reg := NewRegistry(RegistryOptions{Sender: h.eng, Repository: repo})
	d, err := reg.Add(ctx, Info{Address: addrC})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if _, err := d.GetEngine(ctx); err != nil {
		t.Fatalf("GetEngine() error = %v", err)
	}

	stored, err := repo.Get(ctx, addrC)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if stored.Engine != insteon.EngineI2 {
		t.Errorf("stored engine = %s, want i2", stored.Engine)
	}
}

func TestRegistryLoadCache(t *testing.T) {
	ctx := context.Background()
	cache := linkdb.NewMemoryCache()
	s := linkdb.NewStore(addrA)
	if err := s.Apply(linkdb.Record{Offset: linkdb.HighWater, Flags: linkdb.DbFlags{InUse: true}, Group: 1, Addr: addrB}); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	s.SetDelta(7)
	if err := cache.Replace(ctx, s); err != nil {
		t.Fatalf("Replace() error = %v", err)
	}

	reg := NewRegistry(RegistryOptions{Cache: cache})
	reg.SetModem(Info{Address: plmtest.ModemAddr})
	d, err := reg.Add(ctx, Info{Address: addrA})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := reg.LoadCache(ctx); err != nil {
		t.Fatalf("LoadCache() error = %v", err)
	}
	if d.Links().Len() != 1 {
		t.Errorf("Links().Len() = %d, want 1", d.Links().Len())
	}
	if delta, ok := d.Links().Delta(); !ok || delta != 7 {
		t.Errorf("Delta() = %d, %v", delta, ok)
	}
	if d.Stale() {
		t.Error("Stale() = true for a cached table with a delta")
	}
}
