package scenes

import (
	"reflect"
	"testing"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
)

var (
	lampData  = [3]byte{0x7f, 0x1c, 0x01}
	ctrlData1 = device.DefaultData(true, 1)
	respData1 = device.DefaultData(false, 1)
)

func TestImportFromLivePairsRecords(t *testing.T) {
	stores := map[insteon.Address]*linkdb.Store{
		modemAddr: newStore(t, modemAddr, resp(addrA, 1, [3]byte{}), ctrl(addrA, 1, [3]byte{})),
		addrA: newStore(t, addrA,
			ctrl(modemAddr, 1, ctrlData1),
			resp(modemAddr, 1, respData1),
			ctrl(addrB, 1, ctrlData1),
		),
		addrB: newStore(t, addrB, resp(addrA, 1, lampData)),
	}

	got := ImportFromLive(nil, stores, modemAddr)

	want := []Descriptor{{
		Controllers: []Member{member(addrA, 1, ctrlData1)},
		Responders:  []Member{member(addrB, 1, lampData)},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ImportFromLive() = %+v, want %+v", got, want)
	}
	for addr, s := range stores {
		if plan := Diff(got, addr, s, modemAddr); !plan.Empty() {
			t.Errorf("Diff(%s) after import = %s", addr, plan)
		}
	}
}

func TestImportFromLiveKeepsDeclaration(t *testing.T) {
	existing := []Descriptor{
		{Name: "porch", Controllers: []Member{member(addrC, 2, device.DefaultData(true, 2))}, Responders: []Member{member(addrA, 1, respData1)}},
		{Name: "hall", Controllers: []Member{member(addrA, 1, ctrlData1)}, Responders: []Member{member(addrB, 1, lampData)}},
	}
	stores := map[insteon.Address]*linkdb.Store{
		addrA: newStore(t, addrA, ctrl(addrB, 1, ctrlData1), resp(addrC, 2, respData1)),
		addrB: newStore(t, addrB, resp(addrA, 1, lampData)),
	}

	got := ImportFromLive(existing, stores, modemAddr)
	if !reflect.DeepEqual(got, existing) {
		t.Errorf("ImportFromLive() = %+v, want the declaration unchanged", got)
	}

	got[0].Name = "changed"
	if existing[0].Name != "porch" {
		t.Error("ImportFromLive() modified its input")
	}
}

func TestImportFromLiveAppendsResponder(t *testing.T) {
	existing := []Descriptor{
		{Name: "hall", Controllers: []Member{member(addrA, 1, ctrlData1)}, Responders: []Member{member(addrB, 1, lampData)}},
	}
	stores := map[insteon.Address]*linkdb.Store{
		addrA: newStore(t, addrA, ctrl(addrB, 1, ctrlData1), ctrl(addrC, 1, ctrlData1)),
		addrB: newStore(t, addrB, resp(addrA, 1, lampData)),
		addrC: newStore(t, addrC, resp(addrA, 1, [3]byte{0x40, 0x00, 0x01})),
	}

	got := ImportFromLive(existing, stores, modemAddr)

	if len(got) != 1 {
		t.Fatalf("ImportFromLive() = %d scenes, want 1", len(got))
	}
	want := []Member{member(addrB, 1, lampData), member(addrC, 1, [3]byte{0x40, 0x00, 0x01})}
	if !reflect.DeepEqual(got[0].Responders, want) {
		t.Errorf("Responders = %v, want %v", got[0].Responders, want)
	}
}

func TestImportFromLiveSplitsSharedScene(t *testing.T) {
	modemCtrl := device.DefaultData(true, 5)
	existing := []Descriptor{{
		Name:        "evening",
		Controllers: []Member{member(modemAddr, 5, modemCtrl), member(addrA, 1, ctrlData1)},
		Responders:  []Member{member(addrB, 1, respData1)},
	}}
	stores := map[insteon.Address]*linkdb.Store{
		modemAddr: newStore(t, modemAddr, ctrl(addrB, 5, modemCtrl), ctrl(addrC, 5, modemCtrl)),
		addrA:     newStore(t, addrA, ctrl(addrB, 1, ctrlData1)),
		addrB:     newStore(t, addrB, resp(modemAddr, 5, respData1), resp(addrA, 1, respData1)),
		addrC:     newStore(t, addrC, resp(modemAddr, 5, respData1)),
	}

	got := ImportFromLive(existing, stores, modemAddr)

	want := []Descriptor{
		{
			Controllers: []Member{member(addrA, 1, ctrlData1)},
			Responders:  []Member{member(addrB, 1, respData1)},
		},
		{
			Name:        "evening",
			Controllers: []Member{member(modemAddr, 5, modemCtrl)},
			Responders:  []Member{member(addrB, 1, respData1), member(addrC, 1, respData1)},
		},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ImportFromLive() = %+v, want %+v", got, want)
	}
}

func TestImportFromLiveUnknownController(t *testing.T) {
	stores := map[insteon.Address]*linkdb.Store{
		addrA: newStore(t, addrA, resp(addrC, 3, [3]byte{0x7f, 0x00, 0x02})),
	}

	got := ImportFromLive(nil, stores, modemAddr)

	want := []Descriptor{{
		Controllers: []Member{member(addrC, 3, device.DefaultData(true, 3))},
		Responders:  []Member{member(addrA, 2, [3]byte{0x7f, 0x00, 0x02})},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ImportFromLive() = %+v, want %+v", got, want)
	}
}

func TestImportFromLiveSkipsBootstrap(t *testing.T) {
	stores := map[insteon.Address]*linkdb.Store{
		modemAddr: newStore(t, modemAddr, resp(addrA, 1, [3]byte{}), resp(addrA, 2, [3]byte{}), ctrl(addrA, 0, [3]byte{})),
		addrA:     newStore(t, addrA, ctrl(modemAddr, 1, ctrlData1), ctrl(modemAddr, 2, ctrlData1), resp(modemAddr, 0, respData1)),
	}

	if got := ImportFromLive(nil, stores, modemAddr); len(got) != 0 {
		t.Errorf("ImportFromLive() = %+v, want nothing", got)
	}
}
