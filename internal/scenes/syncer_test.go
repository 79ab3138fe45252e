package scenes

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
	"github.com/nerrad567/insteon-bridge/internal/plm/plmtest"
)

// network is a registry wired to a running engine and a simulated network.
type network struct {
	sim *plmtest.Network
	reg *device.Registry
}

func newNetwork(t *testing.T, names map[insteon.Address]string) *network {
	t.Helper()

	sim := plmtest.NewNetwork()
	modem := plmtest.NewModem(sim.Handle)
	eng := plm.NewEngine(plm.EngineOptions{
		Config: plm.Config{
			MaxAttempts:  3,
			AckTimeout:   40 * time.Millisecond,
			HopTimeout:   -1,
			RetryBackoff: time.Millisecond,
		},
		Writer: modem,
	})
	modem.Attach(eng.HandleFrame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = eng.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		modem.Wait()
	})

	reg := device.NewRegistry(device.RegistryOptions{Sender: eng, Engine: eng})
	reg.SetModem(device.Info{Address: plmtest.ModemAddr})
	for addr, name := range names {
		sim.AddDevice(addr)
		if _, err := reg.Add(context.Background(), device.Info{Address: addr, Name: name, Engine: insteon.EngineI2CS}); err != nil {
			t.Fatalf("Add(%s) error = %v", addr, err)
		}
	}
	return &network{sim: sim, reg: reg}
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func writeScenes(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenes.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func hasLink(recs []linkdb.Record, key linkdb.Key) bool {
	for _, r := range recs {
		if r.Key() == key {
			return true
		}
	}
	return false
}

func TestTwoWayLinkMatchesDescriptor(t *testing.T) {
	n := newNetwork(t, map[insteon.Address]string{addrA: "porch", addrB: "kitchen"})
	ctx := testCtx(t)

	d, err := n.reg.Node(addrB)
	if err != nil {
		t.Fatalf("Node() error = %v", err)
	}
	spec := device.LinkSpec{Group: 1, Remote: addrA, RemoteGroup: 1, Controller: true, TwoWay: true}
	if err := d.AddLink(ctx, spec); err != nil {
		t.Fatalf("AddLink() error = %v", err)
	}

	descs := []Descriptor{{
		Controllers: []Member{member(addrB, 1, [3]byte{})},
		Responders:  []Member{member(addrA, 1, [3]byte{})},
	}}
	for _, addr := range []insteon.Address{addrB, addrA} {
		node, err := n.reg.Node(addr)
		if err != nil {
			t.Fatalf("Node(%s) error = %v", addr, err)
		}
		if plan := Diff(descs, addr, node.Links(), plmtest.ModemAddr); !plan.Empty() {
			t.Errorf("Diff(%s) = %s, want empty", addr, plan)
		}
	}
}

func TestSyncerSync(t *testing.T) {
	n := newNetwork(t, map[insteon.Address]string{addrA: "porch", addrB: "kitchen"})
	ctx := testCtx(t)

	n.sim.SetModemLinks(ctrl(addrA, 0, [3]byte{}), resp(addrA, 1, [3]byte{}))
	n.sim.Device(addrA).SetLinks(
		ctrl(plmtest.ModemAddr, 1, device.DefaultData(true, 1)),
		ctrl(addrC, 9, device.DefaultData(true, 9)),
	)
	path := writeScenes(t, `
- name: evening
  controllers: [modem]
  responders: [porch, kitchen]
- name: hall
  controllers: [porch]
  responders:
    - kitchen:
        data_1: 127
`)

	s := NewSyncer(SyncerOptions{Network: n.reg, Path: path, Parallelism: 2})
	reports, err := s.Sync(ctx, nil, false, true)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("Sync() = %d reports, want 3", len(reports))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "modem: 3") {
		t.Errorf("scenes file not rewritten with the modem group:\n%s", data)
	}
	if g, ok := s.ModemScene("evening"); !ok || g != 3 {
		t.Errorf("ModemScene(evening) = %d, %v, want 3", g, ok)
	}

	modemLinks := n.sim.ModemLinks()
	for _, k := range []linkdb.Key{
		{Addr: addrA, Group: 0, Controller: true},
		{Addr: addrA, Group: 1},
		{Addr: addrA, Group: 3, Controller: true},
		{Addr: addrB, Group: 3, Controller: true},
	} {
		if !hasLink(modemLinks, k) {
			t.Errorf("modem is missing %s: %v", k, modemLinks)
		}
	}

	aLinks := n.sim.Device(addrA).Links()
	if hasLink(aLinks, linkdb.Key{Addr: addrC, Group: 9, Controller: true}) {
		t.Error("undeclared link on porch still in use")
	}
	for _, k := range []linkdb.Key{
		{Addr: plmtest.ModemAddr, Group: 1, Controller: true},
		{Addr: plmtest.ModemAddr, Group: 3},
		{Addr: addrB, Group: 1, Controller: true},
	} {
		if !hasLink(aLinks, k) {
			t.Errorf("porch is missing %s: %v", k, aLinks)
		}
	}

	bLinks := n.sim.Device(addrB).Links()
	if len(bLinks) != 2 || !hasLink(bLinks, linkdb.Key{Addr: plmtest.ModemAddr, Group: 3}) || !hasLink(bLinks, linkdb.Key{Addr: addrA, Group: 1}) {
		t.Errorf("kitchen links = %v", bLinks)
	}

	reports, err = s.Sync(ctx, nil, false, true)
	if err != nil {
		t.Fatalf("second Sync() error = %v", err)
	}
	for _, r := range reports {
		if r.Changed() {
			t.Errorf("second Sync() changed %s: %+v", r.Addr, r)
		}
	}
}

func TestSyncerImport(t *testing.T) {
	n := newNetwork(t, map[insteon.Address]string{addrA: "porch", addrB: "kitchen"})
	ctx := testCtx(t)

	n.sim.SetModemLinks(resp(addrA, 1, [3]byte{}))
	n.sim.Device(addrA).SetLinks(
		ctrl(plmtest.ModemAddr, 1, device.DefaultData(true, 1)),
		ctrl(addrB, 1, ctrlData1),
	)
	n.sim.Device(addrB).SetLinks(resp(addrA, 1, lampData))
	path := filepath.Join(t.TempDir(), "scenes.yaml")

	s := NewSyncer(SyncerOptions{Network: n.reg, Path: path})
	descs, err := s.Import(ctx, false, true)
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if len(descs) != 1 {
		t.Fatalf("Import() = %+v, want one scene", descs)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, want := range []string{"porch", "kitchen", "data_1: 127"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("scenes file missing %q:\n%s", want, data)
		}
	}

	reports, err := s.Sync(ctx, nil, true, false)
	if err != nil {
		t.Fatalf("Sync() error = %v", err)
	}
	for _, r := range reports {
		if r.Changed() {
			t.Errorf("Sync() after import would change %s: %+v", r.Addr, r)
		}
	}
}

func TestSyncerNoPath(t *testing.T) {
	n := newNetwork(t, nil)
	s := NewSyncer(SyncerOptions{Network: n.reg})

	if _, err := s.Sync(testCtx(t), nil, true, false); !errors.Is(err, ErrNoScenesFile) {
		t.Errorf("Sync() error = %v, want ErrNoScenesFile", err)
	}
	if _, err := s.Import(testCtx(t), true, false); !errors.Is(err, ErrNoScenesFile) {
		t.Errorf("Import() error = %v, want ErrNoScenesFile", err)
	}
}
