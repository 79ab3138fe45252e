package influxdb

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// fakeWriter collects points in memory.
type fakeWriter struct {
	mu      sync.Mutex
	points  []*write.Point
	flushes int
}

func (w *fakeWriter) WritePoint(p *write.Point) {
	w.mu.Lock()
	w.points = append(w.points, p)
	w.mu.Unlock()
}

func (w *fakeWriter) Flush() {
	w.mu.Lock()
	w.flushes++
	w.mu.Unlock()
}

func newTestClient() (*Client, *fakeWriter) {
	w := &fakeWriter{}
	return &Client{writeAPI: w, site: "site-001", connected: true}, w
}

func pointTags(p *write.Point) map[string]string {
	tags := make(map[string]string)
	for _, tag := range p.TagList() {
		tags[tag.Key] = tag.Value
	}
	return tags
}

func pointFields(p *write.Point) map[string]interface{} {
	fields := make(map[string]interface{})
	for _, f := range p.FieldList() {
		fields[f.Key] = f.Value
	}
	return fields
}

func TestOutcome(t *testing.T) {
	addr := insteon.MustParseAddress("1a.2b.3c")

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "success", err: nil, want: "ok"},
		{name: "nak", err: &insteon.NakError{Addr: addr, Op: "ping", Attempts: 3}, want: "nak"},
		{name: "timeout", err: &insteon.TimeoutError{Addr: addr, Op: "ping", Attempts: 3}, want: "timeout"},
		{name: "wrapped link down", err: fmt.Errorf("refresh: %w", insteon.ErrLinkDown), want: "link_down"},
		{name: "canceled", err: insteon.ErrCanceled, want: "canceled"},
		{name: "other", err: context.DeadlineExceeded, want: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Outcome(tt.err); got != tt.want {
				t.Errorf("Outcome() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTelemetrySendResult(t *testing.T) {
	client, w := newTestClient()
	tel := NewTelemetry(client)
	addr := insteon.MustParseAddress("1a.2b.3c")

	tel.SendAttempt(addr, "ping", 1, 3)
	tel.SendResult(addr, "ping", 2, 250*time.Millisecond, nil)
	tel.HopsObserved(addr, 1)

	if len(w.points) != 2 {
		t.Fatalf("wrote %d points, want 2", len(w.points))
	}

	send := w.points[0]
	if send.Name() != measurementSend {
		t.Errorf("measurement = %q", send.Name())
	}
	tags := pointTags(send)
	if tags["device"] != "1a.2b.3c" || tags["op"] != "ping" || tags["outcome"] != "ok" || tags["site"] != "site-001" {
		t.Errorf("tags = %v", tags)
	}
	fields := pointFields(send)
	if fields["attempts"] != int64(2) || fields["elapsed_ms"] != 250.0 {
		t.Errorf("fields = %v", fields)
	}

	if w.points[1].Name() != measurementHops || pointFields(w.points[1])["hops"] != int64(1) {
		t.Errorf("hops point = %s %v", w.points[1].Name(), pointFields(w.points[1]))
	}
}

func TestWriteDroppedWhenDisconnected(t *testing.T) {
	client, w := newTestClient()
	client.connected = false

	client.WriteLinkState(false)
	client.WriteSync("1a.2b.3c", 1, 0, 0, false)
	client.Flush()

	if len(w.points) != 0 || w.flushes != 0 {
		t.Errorf("points = %d flushes = %d, want nothing", len(w.points), w.flushes)
	}
}

func TestWriteGroupEventUsesArrivalTime(t *testing.T) {
	client, w := newTestClient()
	at := time.Date(2026, 3, 1, 18, 30, 0, 0, time.UTC)

	client.WriteGroupEvent("1a.2b.3c", 1, "on", at)
	client.WriteGroupEvent("1a.2b.3c", 1, "off", time.Time{})

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if got := w.points[0].Time(); !got.Equal(at) {
		t.Errorf("point time = %v, want %v", got, at)
	}
	if w.points[1].Time().IsZero() {
		t.Error("zero arrival time was not replaced")
	}
	if got := pointTags(w.points[0]); got["site"] != "site-001" || got["command"] != "on" {
		t.Errorf("tags = %v", got)
	}
}
