package insteon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/device"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/linkdb"
	"github.com/nerrad567/insteon-bridge/internal/plm"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
)

var (
	modemAddr = ins.MustParseAddress("44.85.11")
	lampAddr  = ins.MustParseAddress("11.22.33")
	padAddr   = ins.MustParseAddress("aa.bb.cc")
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu        sync.Mutex
	published []mockPublish
	subs      []string
	unsubs    []string
	connected bool
	handlers  map[string]func(topic string, payload []byte)
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]func(topic string, payload []byte)),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, mockPublish{Topic: topic, Payload: payload, QoS: qos, Retained: retained})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler func(topic string, payload []byte)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, topic)
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubs = append(m.unsubs, topic)
	return nil
}

func (m *MockMQTTClient) Unsubscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.unsubs...)
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) SetConnected(c bool) {
	m.mu.Lock()
	m.connected = c
	m.mu.Unlock()
}

func (m *MockMQTTClient) Published(topic string) []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockPublish
	for _, p := range m.published {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// SimulateMessage delivers payload to the handler subscribed with pattern.
func (m *MockMQTTClient) SimulateMessage(pattern, topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[pattern]
	m.mu.Unlock()
	if ok {
		handler(topic, payload)
	}
}

// waitPublished polls until n messages were published to topic.
func (m *MockMQTTClient) waitPublished(t *testing.T, topic string, n int) []mockPublish {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		got := m.Published(topic)
		if len(got) >= n {
			return got
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages on %s, got %d", n, topic, len(got))
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// fakeEngine implements Engine around a real dispatcher.
type fakeEngine struct {
	disp   *plm.Dispatcher
	mu     sync.Mutex
	awake  []ins.Address
	linkUp bool
	stats  plm.Stats
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{disp: plm.NewDispatcher(0, nil), linkUp: true}
}

func (e *fakeEngine) Dispatcher() *plm.Dispatcher { return e.disp }

func (e *fakeEngine) MarkAwake(addr ins.Address) {
	e.mu.Lock()
	e.awake = append(e.awake, addr)
	e.mu.Unlock()
}

func (e *fakeEngine) Stats() plm.Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.stats
	s.LinkUp = e.linkUp
	return s
}

func (e *fakeEngine) LinkUp() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.linkUp
}

// fakeNode implements device.Node and records calls.
type fakeNode struct {
	addr  ins.Address
	name  string
	store *linkdb.Store

	mu      sync.Mutex
	calls   []string
	specs   []device.LinkSpec
	err     error
	engine  ins.EngineVersion
	started chan struct{}
	block   chan struct{}
}

func newFakeNode(addr ins.Address, name string, recs ...linkdb.Record) *fakeNode {
	s := linkdb.NewStore(addr)
	off := linkdb.HighWater
	for _, r := range recs {
		r.Offset = off
		if err := s.Apply(r); err != nil {
			panic(err)
		}
		off -= linkdb.RecordSize
	}
	return &fakeNode{addr: addr, name: name, store: s}
}

func (n *fakeNode) Addr() ins.Address    { return n.addr }
func (n *fakeNode) Name() string         { return n.name }
func (n *fakeNode) Links() *linkdb.Store { return n.store }

func (n *fakeNode) record(call string) error {
	n.mu.Lock()
	n.calls = append(n.calls, call)
	started, block, err := n.started, n.block, n.err
	n.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if block != nil {
		<-block
	}
	return err
}

func (n *fakeNode) Calls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNode) Refresh(_ context.Context, force bool) error {
	return n.record(fmt.Sprintf("refresh force=%v", force))
}

func (n *fakeNode) AddLink(_ context.Context, spec device.LinkSpec) error {
	n.mu.Lock()
	n.specs = append(n.specs, spec)
	n.mu.Unlock()
	return n.record("add " + spec.Key().String())
}

func (n *fakeNode) DeleteLink(_ context.Context, spec device.LinkSpec) error {
	n.mu.Lock()
	n.specs = append(n.specs, spec)
	n.mu.Unlock()
	return n.record("delete " + spec.Key().String())
}

func (n *fakeNode) TriggerScene(_ context.Context, group uint8, on bool, level *uint8) error {
	call := fmt.Sprintf("scene %d on=%v", group, on)
	if level != nil {
		call += fmt.Sprintf(" level=%d", *level)
	}
	return n.record(call)
}

// fakeDevice adds an engine query to fakeNode.
type fakeDevice struct {
	*fakeNode
}

func (d fakeDevice) GetEngine(context.Context) (ins.EngineVersion, error) {
	if err := d.record("get_engine"); err != nil {
		return ins.EngineUnknown, err
	}
	return d.engine, nil
}

// fakeRegistry resolves names and addresses over a fixed node list.
type fakeRegistry struct {
	nodes []device.Node
}

func (r *fakeRegistry) Resolve(s string) (device.Node, error) {
	for _, n := range r.nodes {
		if n.Name() == s || n.Addr().String() == s {
			return n, nil
		}
	}
	if s == "modem" {
		for _, n := range r.nodes {
			if n.Addr() == modemAddr {
				return n, nil
			}
		}
	}
	if addr, err := ins.ParseAddress(s); err == nil {
		for _, n := range r.nodes {
			if n.Addr() == addr {
				return n, nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %q", device.ErrDeviceNotFound, s)
}

func (r *fakeRegistry) Nodes() []device.Node { return r.nodes }

// fakeSyncer implements SceneSyncer.
type fakeSyncer struct {
	mu       sync.Mutex
	synced   [][]device.Node
	reports  []scenes.Report
	syncErr  error
	imported []scenes.Descriptor
	scenes   map[string]uint8
	dryRuns  []bool
	refresh  []bool
}

func (s *fakeSyncer) Sync(_ context.Context, nodes []device.Node, dryRun, refresh bool) ([]scenes.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.synced = append(s.synced, nodes)
	s.dryRuns = append(s.dryRuns, dryRun)
	s.refresh = append(s.refresh, refresh)
	return s.reports, s.syncErr
}

func (s *fakeSyncer) Import(_ context.Context, dryRun, refresh bool) ([]scenes.Descriptor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dryRuns = append(s.dryRuns, dryRun)
	s.refresh = append(s.refresh, refresh)
	return s.imported, nil
}

func (s *fakeSyncer) ModemScene(name string) (uint8, bool) {
	g, ok := s.scenes[name]
	return g, ok
}

// fakeRecorder implements Recorder.
type fakeRecorder struct {
	mu     sync.Mutex
	events []string
	syncs  []string
}

func (r *fakeRecorder) WriteGroupEvent(dev string, group int, command string, _ time.Time) {
	r.mu.Lock()
	r.events = append(r.events, fmt.Sprintf("%s/%d %s", dev, group, command))
	r.mu.Unlock()
}

func (r *fakeRecorder) WriteSync(dev string, added, deleted, failed int, dryRun bool) {
	r.mu.Lock()
	r.syncs = append(r.syncs, fmt.Sprintf("%s +%d -%d !%d dry=%v", dev, added, deleted, failed, dryRun))
	r.mu.Unlock()
}

func (r *fakeRecorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// decodeAck unmarshals a published acknowledgment.
func decodeAck(t *testing.T, p mockPublish) AckMessage {
	t.Helper()
	var ack AckMessage
	if err := json.Unmarshal(p.Payload, &ack); err != nil {
		t.Fatalf("unmarshal ack: %v", err)
	}
	return ack
}
