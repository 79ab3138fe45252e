package insteon

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/insteon-bridge/internal/device"
	"github.com/nerrad567/insteon-bridge/internal/infrastructure/mqtt"
	ins "github.com/nerrad567/insteon-bridge/internal/insteon"
	"github.com/nerrad567/insteon-bridge/internal/plm"
	"github.com/nerrad567/insteon-bridge/internal/scenes"
)

// Bridge operation constants.
const (
	// commandTimeout bounds single-frame commands.
	commandTimeout = 30 * time.Second

	// longCommandTimeout bounds commands that may read whole link tables.
	longCommandTimeout = 10 * time.Minute

	defaultWorkers   = 4
	defaultQueueSize = 64

	// stateBufferSize is how many group events may wait for publishing.
	stateBufferSize = 256
)

// commandTimeouts lists every command the bridge accepts.
var commandTimeouts = map[string]time.Duration{
	CmdRefresh:      longCommandTimeout,
	CmdAddLink:      longCommandTimeout,
	CmdDeleteLink:   longCommandTimeout,
	CmdTriggerScene: commandTimeout,
	CmdSync:         longCommandTimeout,
	CmdImportScenes: longCommandTimeout,
	CmdDbDump:       commandTimeout,
	CmdGetEngine:    commandTimeout,
	CmdMarkAwake:    commandTimeout,
}

// Logger defines the logging interface used by the bridge.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// MQTTClient is the interface for MQTT operations.
// This allows mocking in tests and flexibility in implementation.
type MQTTClient interface {
	// Publish sends a message to a topic.
	Publish(topic string, payload []byte, qos byte, retained bool) error

	// Subscribe registers a handler for a topic pattern.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error

	// Unsubscribe removes a subscription made with Subscribe.
	Unsubscribe(topic string) error

	// IsConnected returns true if connected to the broker.
	IsConnected() bool
}

// Registry finds the nodes commands are addressed to.
// *device.Registry implements it.
type Registry interface {
	Resolve(name string) (device.Node, error)
	Nodes() []device.Node
}

// Engine is the part of the send engine the bridge uses.
// *plm.Engine implements it.
type Engine interface {
	Dispatcher() *plm.Dispatcher
	MarkAwake(addr ins.Address)
	Stats() plm.Stats
	LinkUp() bool
}

// SceneSyncer reconciles link tables with the scenes file.
// *scenes.Syncer implements it.
type SceneSyncer interface {
	Sync(ctx context.Context, nodes []device.Node, dryRun, refresh bool) ([]scenes.Report, error)
	Import(ctx context.Context, dryRun, refresh bool) ([]scenes.Descriptor, error)
	ModemScene(name string) (uint8, bool)
}

// Recorder receives bridge events for time-series storage. It is optional;
// *influxdb.Client implements it.
type Recorder interface {
	WriteGroupEvent(device string, group int, command string, at time.Time)
	WriteSync(device string, added, deleted, failed int, dryRun bool)
}

// Options holds the dependencies of a Bridge.
type Options struct {
	MQTT     MQTTClient
	Topics   mqtt.Topics
	Registry Registry
	Engine   Engine

	// Scenes is optional. Without it scene commands fail with
	// NOT_CONFIGURED.
	Scenes SceneSyncer

	// Recorder is optional.
	Recorder Recorder

	// Workers bounds concurrently executing commands. Default: 4.
	Workers int

	// QueueSize bounds commands waiting for a worker. Default: 64.
	QueueSize int

	// HealthInterval is how often health is published. Default: 30s.
	HealthInterval time.Duration

	SiteID  string
	Version string
	Logger  Logger
}

type job struct {
	target string
	cmd    CommandMessage
}

// Bridge translates between MQTT and the Insteon network. It handles:
//   - Commands from MQTT, executed on a bounded worker pool
//   - Group broadcasts from devices, published as retained state
//   - Health reporting and graceful shutdown
//
// Thread Safety: All methods are safe for concurrent use.
type Bridge struct {
	mqtt     MQTTClient
	topics   mqtt.Topics
	registry Registry
	engine   Engine
	scenes   SceneSyncer
	recorder Recorder
	health   *HealthReporter
	logger   Logger

	workers int
	jobs    chan job
	states  chan StateMessage

	subsMu sync.Mutex
	subs   []plm.SubscriptionID

	received  atomic.Uint64
	rejected  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	published atomic.Uint64
	dropped   atomic.Uint64

	// Shutdown coordination
	done      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once
	ctx       context.Context    // Bridge-level context, cancelled on Stop()
	ctxCancel context.CancelFunc // Cancel function for ctx
}

// NewBridge creates a new bridge instance.
// Call Start() to begin operation.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, fmt.Errorf("MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("device registry is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("send engine is required")
	}
	if opts.Topics.Prefix == "" {
		opts.Topics = mqtt.NewTopics("")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	b := &Bridge{
		mqtt:      opts.MQTT,
		topics:    opts.Topics,
		registry:  opts.Registry,
		engine:    opts.Engine,
		scenes:    opts.Scenes,
		recorder:  opts.Recorder,
		logger:    opts.Logger,
		workers:   opts.Workers,
		jobs:      make(chan job, opts.QueueSize),
		states:    make(chan StateMessage, stateBufferSize),
		done:      make(chan struct{}),
		ctx:       ctx,
		ctxCancel: ctxCancel,
	}

	b.health = NewHealthReporter(HealthReporterConfig{
		SiteID:    opts.SiteID,
		Version:   opts.Version,
		Interval:  opts.HealthInterval,
		Topic:     opts.Topics.Health(),
		Publisher: opts.MQTT,
		Engine:    opts.Engine,
		Devices:   func() int { return len(opts.Registry.Nodes()) },
	})
	b.health.SetLogger(opts.Logger)

	return b, nil
}

// Start subscribes to the command topics and device broadcasts, then
// starts the worker pool and health reporting.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.health.PublishStarting(); err != nil {
		b.logger.Error("failed to publish starting status", "error", err)
	}

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker()
	}
	b.wg.Add(1)
	go b.statePublisher()

	b.subscribeNodes()

	for _, topic := range b.commandTopics() {
		if err := b.mqtt.Subscribe(topic, 1, b.handleMQTTMessage); err != nil {
			return fmt.Errorf("subscribe to commands: %w", err)
		}
		b.logger.Info("subscribed to commands", "topic", topic)
	}

	b.health.Start(ctx)

	b.logger.Info("bridge started", "workers", b.workers, "nodes", len(b.registry.Nodes()))
	return nil
}

// Stop gracefully shuts down the bridge. In-flight commands are canceled
// and commands still queued are acknowledged as canceled.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		// No new commands once shutdown begins.
		for _, topic := range b.commandTopics() {
			if err := b.mqtt.Unsubscribe(topic); err != nil {
				b.logger.Warn("failed to unsubscribe from commands", "topic", topic, "error", err)
			}
		}

		close(b.done)
		b.ctxCancel()

		b.subsMu.Lock()
		disp := b.engine.Dispatcher()
		for _, id := range b.subs {
			disp.Unsubscribe(id)
		}
		b.subs = nil
		b.subsMu.Unlock()

		b.health.Stop()
		b.wg.Wait()

		for {
			select {
			case j := <-b.jobs:
				b.publishAck(j.target, NewAckError(j.cmd, j.target, ErrStopped))
			default:
				b.logger.Info("bridge stopped")
				return
			}
		}
	})
}

func (b *Bridge) commandTopics() []string {
	return []string{b.topics.AllCommands(), b.topics.ModemCommand()}
}

// subscribeNodes registers for group broadcasts from every known node.
func (b *Bridge) subscribeNodes() {
	disp := b.engine.Dispatcher()

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for _, n := range b.registry.Nodes() {
		if n.Addr().IsZero() {
			continue
		}
		b.subs = append(b.subs, disp.Subscribe(n.Addr(), plm.AnyGroup, b.groupEventHandler(n)))
	}
}

// groupEventHandler returns the dispatcher callback for n. Dispatcher
// callbacks must not block, so events are handed to the state publisher.
func (b *Bridge) groupEventHandler(n device.Node) plm.Callback {
	return func(m ins.Message) {
		group, ok := m.Group()
		if !ok {
			return
		}
		msg, ok := NewStateMessage(n.Addr(), n.Name(), group, m.Cmd1)
		if !ok {
			b.logger.Debug("group event without state", "device", n.Name(), "group", group, "cmd1", m.Cmd1)
			return
		}
		select {
		case b.states <- msg:
		default:
			b.dropped.Add(1)
			b.logger.Warn("state queue full, dropping event", "device", n.Name(), "group", group)
		}
	}
}

// statePublisher publishes queued group events.
func (b *Bridge) statePublisher() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case msg := <-b.states:
			b.publishState(msg)
		}
	}
}

func (b *Bridge) publishState(msg StateMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("failed to marshal state", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.State(msg.Address, int(msg.Group)), payload, 1, true); err != nil {
		b.logger.Error("failed to publish state", "device", msg.Address, "error", err)
		return
	}
	b.published.Add(1)
	if b.recorder != nil {
		b.recorder.WriteGroupEvent(msg.Address, int(msg.Group), msg.Command, msg.Timestamp)
	}
}

// handleMQTTMessage accepts a command from MQTT. It never blocks: the
// command is queued for a worker or rejected immediately.
func (b *Bridge) handleMQTTMessage(topic string, payload []byte) {
	target, ok := b.topics.ParseCommand(topic)
	if !ok {
		b.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}
	b.received.Add(1)

	var cmd CommandMessage
	if err := json.Unmarshal(payload, &cmd); err != nil {
		b.reject(target, CommandMessage{ID: uuid.NewString()}, fmt.Errorf("%w: %v", ErrMalformedCommand, err))
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if _, known := commandTimeouts[cmd.Command]; !known {
		b.reject(target, cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Command))
		return
	}

	select {
	case <-b.done:
		b.reject(target, cmd, ErrStopped)
	case b.jobs <- job{target: target, cmd: cmd}:
		b.logger.Debug("command queued", "id", cmd.ID, "command", cmd.Command, "target", target)
	default:
		b.reject(target, cmd, ErrBusy)
	}
}

func (b *Bridge) reject(target string, cmd CommandMessage, err error) {
	b.rejected.Add(1)
	b.logger.Warn("command rejected", "id", cmd.ID, "command", cmd.Command, "target", target, "error", err)
	b.publishAck(target, NewAckError(cmd, target, err))
}

func (b *Bridge) worker() {
	defer b.wg.Done()
	for {
		select {
		case <-b.done:
			return
		case j := <-b.jobs:
			b.runJob(j)
		}
	}
}

// runJob executes one command and publishes its acknowledgment.
func (b *Bridge) runJob(j job) {
	ctx, cancel := context.WithTimeout(b.ctx, commandTimeouts[j.cmd.Command])
	defer cancel()

	start := time.Now()
	result, err := b.executeCommand(ctx, j.target, j.cmd)
	if err != nil {
		b.failed.Add(1)
		ack := NewAckError(j.cmd, j.target, err)
		ack.Result = result
		b.logger.Error("command failed",
			"id", j.cmd.ID,
			"command", j.cmd.Command,
			"target", j.target,
			"code", ack.Error.Code,
			"error", err)
		b.publishAck(j.target, ack)
		return
	}

	b.completed.Add(1)
	b.logger.Info("command completed",
		"id", j.cmd.ID,
		"command", j.cmd.Command,
		"target", j.target,
		"duration", time.Since(start))
	b.publishAck(j.target, NewAckMessage(j.cmd, j.target, result))
}

// publishAck sends an acknowledgment to {prefix}/ack/{target}.
func (b *Bridge) publishAck(target string, ack AckMessage) {
	payload, err := json.Marshal(ack)
	if err != nil {
		b.logger.Error("failed to marshal ack", "error", err)
		return
	}
	if err := b.mqtt.Publish(b.topics.Ack(target), payload, 1, false); err != nil {
		b.logger.Error("failed to publish ack", "id", ack.ID, "error", err)
	}
}

// Metrics contains bridge counters.
type Metrics struct {
	CommandsReceived  uint64
	CommandsRejected  uint64
	CommandsCompleted uint64
	CommandsFailed    uint64
	StatesPublished   uint64
	StatesDropped     uint64
	QueueDepth        int
}

// GetMetrics returns a snapshot of the bridge counters.
func (b *Bridge) GetMetrics() Metrics {
	return Metrics{
		CommandsReceived:  b.received.Load(),
		CommandsRejected:  b.rejected.Load(),
		CommandsCompleted: b.completed.Load(),
		CommandsFailed:    b.failed.Load(),
		StatesPublished:   b.published.Load(),
		StatesDropped:     b.dropped.Load(),
		QueueDepth:        len(b.jobs),
	}
}
