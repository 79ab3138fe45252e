package plm

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/plm/plmtest"
)

var (
	testDevice = insteon.Address{0x3a, 0x29, 0x84}
	testRemote = insteon.Address{0x44, 0x85, 0x11}
	testOther  = insteon.Address{0x1a, 0x2b, 0x3c}
)

// fastConfig keeps retries in the tens of milliseconds.
func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		AckTimeout:   40 * time.Millisecond,
		HopTimeout:   -1,
		RetryBackoff: time.Millisecond,
		AwakeWindow:  time.Minute,
		DedupWindow:  200 * time.Millisecond,
	}
}

// startEngine runs an engine against a simulated modem until the test ends.
func startEngine(t *testing.T, cfg Config, h plmtest.Handler) (*Engine, *plmtest.Modem) {
	t.Helper()

	modem := plmtest.NewModem(h)
	e := NewEngine(EngineOptions{Config: cfg, Writer: modem})
	modem.Attach(e.HandleFrame)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		modem.Wait()
	})
	return e, modem
}

func sendOn(t *testing.T, e *Engine, addr insteon.Address) (*Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return e.Send(ctx, addr, insteon.NewDirect(addr, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
}

func TestSendAckedFirstAttempt(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		return []insteon.Message{plmtest.Echo(sent), plmtest.DirectAck(sent.To, sent.Cmd1, sent.Cmd2)}
	})

	res, err := sendOn(t, e, testDevice)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if len(res.Replies) != 2 {
		t.Errorf("Replies = %d, want echo and ack", len(res.Replies))
	}
	last, ok := res.Last()
	if !ok || !last.IsDirectAck() {
		t.Errorf("Last() = %v, want direct ack", last)
	}
	if modem.Writes() != 1 {
		t.Errorf("writes = %d, want 1", modem.Writes())
	}

	stats := e.Stats()
	if stats.Succeeded != 1 || stats.Failed != 0 {
		t.Errorf("Stats = %+v, want one success", stats)
	}
}

func TestSendRetryBound(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("max=%d", n), func(t *testing.T) {
			cfg := fastConfig()
			cfg.MaxAttempts = n
			e, modem := startEngine(t, cfg, func(sent insteon.Message) []insteon.Message {
				return []insteon.Message{plmtest.Echo(sent)}
			})

			_, err := sendOn(t, e, testDevice)
			var te *insteon.TimeoutError
			if !errors.As(err, &te) {
				t.Fatalf("Send() error = %v, want TimeoutError", err)
			}
			if te.Attempts != n {
				t.Errorf("Attempts = %d, want %d", te.Attempts, n)
			}
			if !errors.Is(err, insteon.ErrTimeout) {
				t.Error("error does not match ErrTimeout")
			}
			if modem.Writes() != n {
				t.Errorf("writes = %d, want %d", modem.Writes(), n)
			}
		})
	}
}

func TestSendSucceedsOnLaterAttempt(t *testing.T) {
	for _, k := range []int{2, 3} {
		t.Run(fmt.Sprintf("ack on attempt %d", k), func(t *testing.T) {
			var mu sync.Mutex
			writes := 0
			e, _ := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
				mu.Lock()
				writes++
				n := writes
				mu.Unlock()
				if n < k {
					return []insteon.Message{plmtest.Echo(sent)}
				}
				return []insteon.Message{plmtest.Echo(sent), plmtest.DirectAck(sent.To, sent.Cmd1, sent.Cmd2)}
			})

			res, err := sendOn(t, e, testDevice)
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if res.Attempts != k {
				t.Errorf("Attempts = %d, want %d", res.Attempts, k)
			}
		})
	}
}

func TestSendNak(t *testing.T) {
	tests := []struct {
		name         string
		reasons      []insteon.NakReason
		wantErr      bool
		wantAttempts int
	}{
		{name: "sender not in db is final", reasons: []insteon.NakReason{insteon.NakSenderNotInDB}, wantErr: true, wantAttempts: 1},
		{name: "illegal value is final", reasons: []insteon.NakReason{insteon.NakIllegalValue}, wantErr: true, wantAttempts: 1},
		{name: "bad checksum is retried", reasons: []insteon.NakReason{insteon.NakBadChecksum}, wantAttempts: 2},
		{name: "pre-nak is retried", reasons: []insteon.NakReason{insteon.NakPreNak, insteon.NakPreNak}, wantAttempts: 3},
		{
			name:         "retryable until bound",
			reasons:      []insteon.NakReason{insteon.NakPreNak, insteon.NakPreNak, insteon.NakPreNak},
			wantErr:      true,
			wantAttempts: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			net := plmtest.NewNetwork()
			dev := net.AddDevice(testDevice)
			dev.Nak(tt.reasons...)
			e, _ := startEngine(t, fastConfig(), net.Handle)

			res, err := sendOn(t, e, testDevice)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("Send() error = %v", err)
				}
				if res.Attempts != tt.wantAttempts {
					t.Errorf("Attempts = %d, want %d", res.Attempts, tt.wantAttempts)
				}
				return
			}

			var nak *insteon.NakError
			if !errors.As(err, &nak) {
				t.Fatalf("Send() error = %v, want NakError", err)
			}
			if nak.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", nak.Attempts, tt.wantAttempts)
			}
			if nak.Reason != tt.reasons[len(tt.reasons)-1] {
				t.Errorf("Reason = %v, want %v", nak.Reason, tt.reasons[len(tt.reasons)-1])
			}
			if nak.Modem {
				t.Error("Modem = true for a device NAK")
			}
		})
	}
}

func TestSendModemBusyRetried(t *testing.T) {
	var mu sync.Mutex
	busy := true
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		mu.Lock()
		defer mu.Unlock()
		if busy {
			busy = false
			return []insteon.Message{plmtest.NakEcho(sent)}
		}
		return []insteon.Message{plmtest.Echo(sent), plmtest.DirectAck(sent.To, sent.Cmd1, sent.Cmd2)}
	})

	res, err := sendOn(t, e, testDevice)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if res.Attempts != 2 || modem.Writes() != 2 {
		t.Errorf("Attempts = %d, writes = %d, want 2", res.Attempts, modem.Writes())
	}
	if e.Stats().Naks != 1 {
		t.Errorf("Naks = %d, want 1", e.Stats().Naks)
	}
}

func TestSendFIFOPerDestination(t *testing.T) {
	var mu sync.Mutex
	inFlight := map[insteon.Address]int{}
	overlap := false

	// Replies are delayed so a second frame to the same device would be
	// written while the first is still in flight if the engine allowed it.
	modemRef := new(*plmtest.Modem)
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		mu.Lock()
		inFlight[sent.To]++
		if inFlight[sent.To] > 1 {
			overlap = true
		}
		mu.Unlock()

		go func() {
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			inFlight[sent.To]--
			mu.Unlock()
			(*modemRef).Inject(plmtest.Echo(sent), plmtest.DirectAck(sent.To, sent.Cmd1, sent.Cmd2))
		}()
		return nil
	})
	*modemRef = modem

	var pendings []*Pending
	for _, level := range []byte{0x10, 0x20, 0x30, 0x40} {
		m := insteon.NewDirect(testDevice, insteon.CmdOn, level)
		pendings = append(pendings, e.Enqueue(testDevice, m, DirectAck(insteon.CmdOn)))
	}
	pendings = append(pendings, e.Enqueue(testOther, insteon.NewDirect(testOther, insteon.CmdOn, 0x01), DirectAck(insteon.CmdOn)))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i, p := range pendings {
		if _, err := p.Wait(ctx); err != nil {
			t.Fatalf("send %d error = %v", i, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if overlap {
		t.Error("two frames to one destination were in flight together")
	}

	var levels []byte
	for _, m := range modem.Sent() {
		if m.To == testDevice {
			levels = append(levels, m.Cmd2)
		}
	}
	want := []byte{0x10, 0x20, 0x30, 0x40}
	if len(levels) != len(want) {
		t.Fatalf("sent %d frames to device, want %d", len(levels), len(want))
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Errorf("frame %d level = %#x, want %#x", i, levels[i], want[i])
		}
	}
}

func TestCancelQueuedSend(t *testing.T) {
	cfg := fastConfig()
	cfg.AckTimeout = time.Second
	e, modem := startEngine(t, cfg, nil)

	first := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
	second := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOff, 0x00), DirectAck(insteon.CmdOff))
	second.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	_, err := second.Wait(ctx)
	if !errors.Is(err, insteon.ErrCanceled) {
		t.Fatalf("Wait() error = %v, want ErrCanceled", err)
	}

	select {
	case <-first.Done():
		t.Error("cancelling the queued send resolved the one in flight")
	default:
	}
	if modem.Writes() != 1 {
		t.Errorf("writes = %d, want 1", modem.Writes())
	}
}

func TestCancelInFlightSend(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		return []insteon.Message{plmtest.Echo(sent)}
	})

	p := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
	time.Sleep(10 * time.Millisecond)
	p.Cancel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := p.Wait(ctx)
	if !errors.Is(err, insteon.ErrCanceled) {
		t.Fatalf("Wait() error = %v, want ErrCanceled", err)
	}
	if res.Attempts != 1 || modem.Writes() != 1 {
		t.Errorf("Attempts = %d, writes = %d, want 1 (no retries after cancel)", res.Attempts, modem.Writes())
	}
}

func TestSendContextCancelled(t *testing.T) {
	e, _ := startEngine(t, fastConfig(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	_, err := e.Send(ctx, testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Send() error = %v, want DeadlineExceeded", err)
	}
}

func TestLinkDownFailsFast(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), nil)
	e.SetLinkUp(false)

	start := time.Now()
	_, err := sendOn(t, e, testDevice)
	if !errors.Is(err, insteon.ErrLinkDown) {
		t.Fatalf("Send() error = %v, want ErrLinkDown", err)
	}
	var lde *insteon.LinkDownError
	if !errors.As(err, &lde) {
		t.Errorf("error %T is not a LinkDownError", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Send() waited while the link was down")
	}
	if modem.Writes() != 0 {
		t.Errorf("writes = %d, want 0", modem.Writes())
	}
	if e.Stats().LinkUp {
		t.Error("Stats().LinkUp = true")
	}
}

func TestLinkDownHoldsQueuedSends(t *testing.T) {
	net := plmtest.NewNetwork()
	net.AddDevice(testDevice)
	e, modem := startEngine(t, fastConfig(), net.Handle)

	// Occupy the device so the second send stays queued, then drop the link.
	net.Device(testDevice).Drop(1)
	first := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0x10), DirectAck(insteon.CmdOn))
	second := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0x20), DirectAck(insteon.CmdOn))
	time.Sleep(5 * time.Millisecond)
	e.SetLinkUp(false)

	time.Sleep(150 * time.Millisecond)
	writes := modem.Writes()
	if writes != 1 {
		t.Fatalf("writes while down = %d, want 1", writes)
	}

	e.SetLinkUp(true)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := first.Wait(ctx); err != nil {
		t.Errorf("first send error = %v", err)
	}
	if _, err := second.Wait(ctx); err != nil {
		t.Errorf("second send error = %v", err)
	}
}

func TestSleepyDeviceWaitsForWake(t *testing.T) {
	net := plmtest.NewNetwork()
	net.AddDevice(testRemote)
	e, modem := startEngine(t, fastConfig(), net.Handle)
	e.SetSleepy(testRemote, true)
	time.Sleep(10 * time.Millisecond)

	p := e.Enqueue(testRemote, insteon.NewDirect(testRemote, insteon.CmdStatus, 0x00), AnyDirectAck(insteon.CmdStatus))
	time.Sleep(50 * time.Millisecond)
	if modem.Writes() != 0 {
		t.Fatalf("writes before wake = %d, want 0", modem.Writes())
	}

	// Any frame from the device opens its awake window.
	modem.Inject(plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("send after wake error = %v", err)
	}
}

func TestAwakeWindowClosesAndMarkAwakeReopens(t *testing.T) {
	net := plmtest.NewNetwork()
	net.AddDevice(testRemote)
	cfg := fastConfig()
	cfg.AwakeWindow = 50 * time.Millisecond
	e, modem := startEngine(t, cfg, net.Handle)
	e.SetSleepy(testRemote, true)

	modem.Inject(plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn))
	time.Sleep(2 * cfg.AwakeWindow)

	p := e.Enqueue(testRemote, insteon.NewDirect(testRemote, insteon.CmdStatus, 0x00), AnyDirectAck(insteon.CmdStatus))
	time.Sleep(50 * time.Millisecond)
	if got := modem.Writes(); got != 0 {
		t.Fatalf("writes after the window closed = %d, want 0", got)
	}

	e.MarkAwake(testRemote)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := p.Wait(ctx); err != nil {
		t.Fatalf("send after MarkAwake error = %v", err)
	}
	if got := modem.Writes(); got != 1 {
		t.Errorf("writes = %d, want 1", got)
	}
}

func TestHopsAdaptOnTimeout(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		return []insteon.Message{plmtest.Echo(sent)}
	})
	e.Hops().Observe(testDevice, 0)
	e.Hops().Observe(testDevice, 1)

	if _, err := sendOn(t, e, testDevice); err == nil {
		t.Fatal("Send() succeeded with a silent device")
	}

	want := []uint8{1, 2, 3}
	sent := modem.Sent()
	if len(sent) != len(want) {
		t.Fatalf("writes = %d, want %d", len(sent), len(want))
	}
	for i, m := range sent {
		if m.Flags.MaxHops != want[i] || m.Flags.HopsLeft != want[i] {
			t.Errorf("attempt %d flags = %v, want %d hops", i+1, m.Flags, want[i])
		}
	}
}

func TestMinHopsFloor(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), func(sent insteon.Message) []insteon.Message {
		return []insteon.Message{plmtest.Echo(sent), plmtest.DirectAck(sent.To, sent.Cmd1, sent.Cmd2)}
	})
	e.Hops().Observe(testDevice, 0)
	e.SetMinHops(testDevice, 2)

	if _, err := sendOn(t, e, testDevice); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if got := modem.Sent()[0].Flags.MaxHops; got != 2 {
		t.Errorf("hops = %d, want floor 2", got)
	}
}

func TestUnsolicitedFramesReachSubscribers(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), nil)

	var mu sync.Mutex
	var got []insteon.Message
	done := make(chan struct{}, 4)
	e.Dispatcher().Subscribe(testRemote, 1, func(m insteon.Message) {
		mu.Lock()
		got = append(got, m)
		mu.Unlock()
		done <- struct{}{}
	})

	modem.Inject(
		plmtest.Broadcast(testRemote, 0x01, insteon.CmdOn),
		plmtest.Cleanup(testRemote, 0x01, insteon.CmdOn),
		plmtest.Broadcast(testRemote, 0x02, insteon.CmdOn),
	)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("subscriber not called")
	}
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("deliveries = %d, want 1 (cleanup absorbed, other group not subscribed)", len(got))
	}
	if !got[0].IsBroadcast() {
		t.Errorf("delivered %v, want the broadcast", got[0])
	}
	stats := e.Stats()
	if stats.Duplicates != 1 || stats.Unrouted != 1 {
		t.Errorf("Duplicates = %d, Unrouted = %d, want 1 and 1", stats.Duplicates, stats.Unrouted)
	}
}

func TestStopResolvesPending(t *testing.T) {
	modem := plmtest.NewModem(nil)
	cfg := fastConfig()
	cfg.AckTimeout = time.Second
	e := NewEngine(EngineOptions{Config: cfg, Writer: modem})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()

	inFlight := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
	queued := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOff, 0x00), DirectAck(insteon.CmdOff))
	time.Sleep(10 * time.Millisecond)
	cancel()
	<-done

	for name, p := range map[string]*Pending{"in flight": inFlight, "queued": queued} {
		_, err := p.Wait(context.Background())
		if !errors.Is(err, insteon.ErrCanceled) || !errors.Is(err, ErrEngineStopped) {
			t.Errorf("%s error = %v, want ErrCanceled and ErrEngineStopped", name, err)
		}
	}

	late := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))
	if _, err := late.Wait(context.Background()); !errors.Is(err, ErrEngineStopped) {
		t.Errorf("send after stop error = %v, want ErrEngineStopped", err)
	}
}

func TestWriteErrorCountsAsAttempt(t *testing.T) {
	e, modem := startEngine(t, fastConfig(), nil)
	modem.FailWrites(errors.New("port gone"))

	_, err := sendOn(t, e, testDevice)
	var te *insteon.TimeoutError
	if !errors.As(err, &te) || te.Attempts != 3 {
		t.Fatalf("Send() error = %v, want TimeoutError after 3 attempts", err)
	}
}

func TestModemCommandsQueueSeparately(t *testing.T) {
	net := plmtest.NewNetwork()
	net.AddDevice(testDevice)
	net.Device(testDevice).Drop(1)
	e, _ := startEngine(t, fastConfig(), net.Handle)

	// A silent device must not hold up modem commands.
	slow := e.Enqueue(testDevice, insteon.NewDirect(testDevice, insteon.CmdOn, 0xff), DirectAck(insteon.CmdOn))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	res, err := e.Send(ctx, insteon.ModemAddress, insteon.NewModemCommand(insteon.KindModemInfo), ModemAck(insteon.KindModemInfo))
	if err != nil {
		t.Fatalf("modem info error = %v", err)
	}
	if last, _ := res.Last(); last.From != plmtest.ModemAddr {
		t.Errorf("modem address = %v, want %v", last.From, plmtest.ModemAddr)
	}
	select {
	case <-slow.Done():
		t.Error("device send resolved before its retry")
	default:
	}
}
