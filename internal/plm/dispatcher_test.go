package plm

import (
	"testing"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/plm/plmtest"
)

func TestDispatcherGroupRouting(t *testing.T) {
	d := NewDispatcher(100*time.Millisecond, nil)
	now := time.Now()

	var group1, any int
	d.Subscribe(testRemote, 1, func(insteon.Message) { group1++ })
	d.Subscribe(testRemote, AnyGroup, func(insteon.Message) { any++ })

	d.Deliver(plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn), now)
	d.Deliver(plmtest.Broadcast(testRemote, 0x02, insteon.CmdOn), now)

	if group1 != 1 {
		t.Errorf("group 1 subscriber calls = %d, want 1", group1)
	}
	if any != 2 {
		t.Errorf("any-group subscriber calls = %d, want 2", any)
	}
}

func TestDispatcherSuppressesRepeats(t *testing.T) {
	tests := []struct {
		name  string
		first insteon.Message
		then  insteon.Message
		after time.Duration
		want  int
	}{
		{
			name:  "cleanup after broadcast",
			first: plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn),
			then:  plmtest.Cleanup(testRemote, 0x01, insteon.CmdOn),
			after: 50 * time.Millisecond,
			want:  1,
		},
		{
			name:  "repeat outside window",
			first: plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn),
			then:  plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn),
			after: 150 * time.Millisecond,
			want:  2,
		},
		{
			name:  "different command",
			first: plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn),
			then:  plmtest.Broadcast(testRemote, 0x01, insteon.CmdOff),
			after: 10 * time.Millisecond,
			want:  2,
		},
		{
			name:  "identical direct frame",
			first: plmtest.DirectAck(testRemote, 0x19, 0x00),
			then:  plmtest.DirectAck(testRemote, 0x19, 0x00),
			after: 10 * time.Millisecond,
			want:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatcher(100*time.Millisecond, nil)
			calls := 0
			d.Subscribe(testRemote, AnyGroup, func(insteon.Message) { calls++ })

			now := time.Now()
			d.Deliver(tt.first, now)
			d.Deliver(tt.then, now.Add(tt.after))

			if calls != tt.want {
				t.Errorf("calls = %d, want %d", calls, tt.want)
			}
		})
	}
}

func TestDispatcherWindowIncludesHops(t *testing.T) {
	d := NewDispatcher(100*time.Millisecond, nil)
	calls := 0
	d.Subscribe(testRemote, 1, func(insteon.Message) { calls++ })

	// Two hops left keep the broadcast on the air for 174ms more.
	b := plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn)
	b.Flags.MaxHops, b.Flags.HopsLeft = 3, 2

	now := time.Now()
	d.Deliver(b, now)
	d.Deliver(plmtest.Cleanup(testRemote, 0x01, insteon.CmdOn), now.Add(250*time.Millisecond))

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcherUnsubscribe(t *testing.T) {
	d := NewDispatcher(0, nil)
	calls := 0
	id := d.Subscribe(testRemote, 1, func(insteon.Message) { calls++ })
	d.Unsubscribe(id)
	d.Unsubscribe(id)

	d.Deliver(plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn), time.Now())
	if calls != 0 {
		t.Errorf("calls after unsubscribe = %d, want 0", calls)
	}
	if d.unrouted.Load() != 1 {
		t.Errorf("unrouted = %d, want 1", d.unrouted.Load())
	}
}

func TestDispatcherCallbackPanic(t *testing.T) {
	d := NewDispatcher(0, nil)
	second := false
	d.Subscribe(testRemote, 1, func(insteon.Message) { panic("boom") })
	d.Subscribe(testRemote, 1, func(insteon.Message) { second = true })

	d.Deliver(plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn), time.Now())
	if !second {
		t.Error("panic in one subscriber stopped delivery to the next")
	}
}

func TestDispatcherDropsCleanupAcks(t *testing.T) {
	d := NewDispatcher(0, nil)
	calls := 0
	d.Subscribe(testRemote, AnyGroup, func(insteon.Message) { calls++ })

	ack := plmtest.Cleanup(testRemote, 0x01, insteon.CmdOn)
	ack.Flags.Type = insteon.TypeCleanupAck
	d.Deliver(ack, time.Now())

	if calls != 0 {
		t.Errorf("calls = %d, want 0", calls)
	}
}

func TestDispatcherModemFrames(t *testing.T) {
	d := NewDispatcher(0, nil)
	var got insteon.Message
	d.Subscribe(insteon.ModemAddress, AnyGroup, func(m insteon.Message) { got = m })

	d.Deliver(insteon.Message{Kind: insteon.KindButtonEvent, Code: 0x02}, time.Now())
	if got.Kind != insteon.KindButtonEvent {
		t.Errorf("modem subscriber got %v, want button event", got)
	}
}

func TestHopTracker(t *testing.T) {
	tests := []struct {
		name     string
		observed []int
		floor    int
		want     int
	}{
		{name: "unknown address", want: 3},
		{name: "all direct", observed: []int{0, 0, 0}, want: 0},
		{name: "ceiling of average", observed: []int{0, 1}, want: 1},
		{name: "mixed", observed: []int{1, 2, 2}, want: 2},
		{name: "clamped observation", observed: []int{7}, want: 3},
		{name: "floor wins", observed: []int{0}, floor: 2, want: 2},
		{name: "floor below average", observed: []int{3}, floor: 1, want: 3},
		{
			name:     "window of ten",
			observed: []int{3, 3, 3, 3, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0},
			want:     0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHopTracker()
			for _, n := range tt.observed {
				h.Observe(testDevice, n)
			}
			h.SetMinHops(testDevice, tt.floor)

			if got := h.Hops(testDevice); got != tt.want {
				t.Errorf("Hops() = %d, want %d", got, tt.want)
			}
			if len(h.History(testDevice)) > hopHistorySize {
				t.Errorf("history length = %d, want at most %d", len(h.History(testDevice)), hopHistorySize)
			}
		})
	}
}
