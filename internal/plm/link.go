package plm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/insteon-bridge/internal/insteon"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and intervals for the modem link.
const (
	// defaultConnectTimeout is the maximum time to wait for a connection.
	defaultConnectTimeout = 10 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// readBufferSize is the size of the read buffer for incoming bytes.
	readBufferSize = 256
)

// LinkConfig holds modem transport configuration.
type LinkConfig struct {
	// Type is serial, tcp or websocket. Default: serial.
	Type string

	// Device is the serial port, e.g. /dev/ttyUSB0.
	Device string

	// BaudRate is the serial speed. Default: 19200.
	BaudRate int

	// Address is host:port for a TCP-attached modem (hub port 9761).
	Address string

	// URL is the ws:// or wss:// endpoint of a serial-to-websocket bridge.
	URL                string
	Username           string
	Password           string
	InsecureSkipVerify bool

	// ConnectTimeout is the maximum time to wait for connection.
	// Default: 10 seconds.
	ConnectTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration
}

// LinkStats holds operational statistics.
type LinkStats struct {
	FramesTx        uint64
	FramesRx        uint64
	BytesDropped    uint64 // bytes discarded while resynchronising
	ErrorsTotal     uint64
	ReconnectsTotal uint64
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool
}

// Connector is the modem link as seen by the bridge, for testability.
type Connector interface {
	WriteFrame(ctx context.Context, frame []byte) error
	SetOnFrame(callback func(insteon.Message))
	SetOnState(callback func(connected bool))
	IsConnected() bool
	Stats() LinkStats
	Close() error
}

// Ensure Link implements Connector and Writer.
var (
	_ Connector = (*Link)(nil)
	_ Writer    = (*Link)(nil)
)

// Link owns the byte stream to the modem.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frame callbacks run on the receive goroutine in arrival order.
//
// Auto-Reconnection:
//   - When the stream fails the link redials with exponential backoff
//     starting at ReconnectInterval up to maxReconnectInterval (2min).
//   - The state callback reports every transition so the engine can hold
//     sends while the modem is away.
//   - Reconnection stops only when Close() is called.
type Link struct {
	cfg  LinkConfig
	dial DialFunc
	dec  *insteon.Decoder

	connMu    sync.RWMutex
	conn      Conn
	connected bool
	writeMu   sync.Mutex

	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	onFrame    func(insteon.Message)
	onState    func(bool)
	callbackMu sync.RWMutex

	done *closeOnce
	wg   sync.WaitGroup

	logger   Logger
	loggerMu sync.RWMutex

	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	bytesDropped    atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64
}

// OpenLink connects to the modem and starts the receive loop.
//
// Parameters:
//   - ctx: Context for the initial connection
//   - cfg: Link configuration
//   - dial: Connection factory; nil builds one from cfg with NewDialer
//   - opts: Inbound decoding options
//
// Returns:
//   - *Link: Connected link ready for use
//   - error: ErrConnectionFailed wrapping the dial error
func OpenLink(ctx context.Context, cfg LinkConfig, dial DialFunc, opts insteon.DecodeOptions) (*Link, error) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if dial == nil {
		var err error
		if dial, err = NewDialer(cfg); err != nil {
			return nil, err
		}
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	conn, err := dial(connectCtx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	l := &Link{
		cfg:       cfg,
		dial:      dial,
		dec:       insteon.NewDecoder(opts),
		conn:      conn,
		connected: true,
		done:      newCloseOnce(),
	}
	l.lastActivity.Store(time.Now().Unix())

	l.wg.Add(1)
	go l.receiveLoop()
	return l, nil
}

// receiveLoop reads bytes, decodes frames and hands them to the frame
// callback. On stream failure it reconnects.
func (l *Link) receiveLoop() {
	defer l.wg.Done()

	buf := make([]byte, readBufferSize)
	for {
		if l.isClosed() {
			return
		}

		l.connMu.RLock()
		conn := l.conn
		l.connMu.RUnlock()

		n, err := conn.Read(buf)
		if n > 0 {
			l.lastActivity.Store(time.Now().Unix())
			l.dec.Feed(buf[:n])
			l.drain()
			l.bytesDropped.Store(l.dec.Dropped())
		}
		if err != nil {
			if l.isClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !errors.Is(err, io.EOF) {
				l.errorsTotal.Add(1)
			}
			l.logError("read failed", err)
			l.handleDisconnect()
			if !l.reconnect() {
				return
			}
		}
	}
}

// drain decodes every complete frame in the buffer.
func (l *Link) drain() {
	for {
		m, err := l.dec.Next()
		if errors.Is(err, insteon.ErrNeedMoreBytes) {
			return
		}
		if err != nil {
			l.logDebug("discarding byte", "error", err)
			continue
		}
		l.framesRx.Add(1)

		l.callbackMu.RLock()
		cb := l.onFrame
		l.callbackMu.RUnlock()
		if cb != nil {
			l.deliver(cb, m)
		}
	}
}

func (l *Link) deliver(cb func(insteon.Message), m insteon.Message) {
	defer func() {
		if r := recover(); r != nil {
			l.logError("frame callback panic", fmt.Errorf("%v", r))
		}
	}()
	cb(m)
}

// handleDisconnect marks the link down and notifies the state callback.
func (l *Link) handleDisconnect() {
	l.connMu.Lock()
	wasConnected := l.connected
	l.connected = false
	l.connMu.Unlock()

	if wasConnected {
		l.logInfo("modem connection lost, will attempt reconnection")
		l.notifyState(false)
	}
}

// reconnect redials the modem with exponential backoff.
// Returns true if reconnection succeeded, false if shutdown was signalled.
func (l *Link) reconnect() bool {
	l.reconnecting.Store(true)
	defer l.reconnecting.Store(false)

	backoff := l.cfg.ReconnectInterval
	for {
		if l.isClosed() {
			return false
		}

		attempt := l.reconnectCount.Add(1)
		l.logInfo("attempting reconnection", "attempt", attempt, "backoff", backoff.String())
		l.closeOldConnection()

		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.ConnectTimeout)
		conn, err := l.dial(ctx)
		cancel()
		if err != nil {
			backoff = l.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		l.connMu.Lock()
		if l.isClosed() {
			l.connMu.Unlock()
			conn.Close()
			return false
		}
		l.conn = conn
		l.connected = true
		l.connMu.Unlock()

		// Partial frames from the old stream can never complete.
		l.dec.Reset()
		l.reconnectCount.Store(0)
		l.reconnectsTotal.Add(1)
		l.lastActivity.Store(time.Now().Unix())
		l.logInfo("reconnection successful", "total_reconnects", l.reconnectsTotal.Load())
		l.notifyState(true)
		return true
	}
}

// handleReconnectFailure waits out the backoff.
// Returns the new backoff duration, or 0 if shutdown was signalled.
func (l *Link) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	l.logError("reconnect: dial failed", err)
	l.errorsTotal.Add(1)

	select {
	case <-l.done.Done():
		return 0
	case <-time.After(backoff):
	}

	newBackoff := time.Duration(float64(backoff) * 1.5)
	if newBackoff > maxReconnectInterval {
		newBackoff = maxReconnectInterval
	}
	return newBackoff
}

func (l *Link) closeOldConnection() {
	l.connMu.Lock()
	if l.conn != nil {
		l.conn.Close()
	}
	l.connMu.Unlock()
}

func (l *Link) notifyState(connected bool) {
	l.callbackMu.RLock()
	cb := l.onState
	l.callbackMu.RUnlock()
	if cb != nil {
		cb(connected)
	}
}

// WriteFrame writes one encoded frame to the modem.
//
// Parameters:
//   - ctx: Context bounding the write
//   - frame: Encoded frame bytes
//
// Returns:
//   - error: ErrNotConnected while the link is down, or the write error
func (l *Link) WriteFrame(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.connMu.RLock()
	conn, connected := l.conn, l.connected
	l.connMu.RUnlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if dl, ok := conn.(interface{ SetWriteDeadline(time.Time) error }); ok {
		if deadline, ok := ctx.Deadline(); ok {
			if err := dl.SetWriteDeadline(deadline); err != nil {
				return fmt.Errorf("set write deadline: %w", err)
			}
		}
	}

	for written := 0; written < len(frame); {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := conn.Write(frame[written:])
		if err != nil {
			l.errorsTotal.Add(1)
			return fmt.Errorf("write frame: %w", err)
		}
		written += n
	}

	l.framesTx.Add(1)
	l.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnFrame sets the callback for decoded frames.
//
// The callback runs on the receive goroutine and must not block. Panics in
// the callback are recovered and logged.
func (l *Link) SetOnFrame(callback func(insteon.Message)) {
	l.callbackMu.Lock()
	l.onFrame = callback
	l.callbackMu.Unlock()
}

// SetOnState sets the callback for connection state changes.
func (l *Link) SetOnState(callback func(connected bool)) {
	l.callbackMu.Lock()
	l.onState = callback
	l.callbackMu.Unlock()
}

// SetLogger sets the logger for this link.
func (l *Link) SetLogger(logger Logger) {
	l.loggerMu.Lock()
	l.logger = logger
	l.loggerMu.Unlock()
}

// IsConnected returns true while the modem stream is open.
func (l *Link) IsConnected() bool {
	l.connMu.RLock()
	defer l.connMu.RUnlock()
	return l.connected
}

// HealthCheck reports whether the link is connected.
func (l *Link) HealthCheck(_ context.Context) error {
	if !l.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

// Stats returns current operational statistics.
func (l *Link) Stats() LinkStats {
	return LinkStats{
		FramesTx:        l.framesTx.Load(),
		FramesRx:        l.framesRx.Load(),
		BytesDropped:    l.bytesDropped.Load(),
		ErrorsTotal:     l.errorsTotal.Load(),
		ReconnectsTotal: l.reconnectsTotal.Load(),
		LastActivity:    time.Unix(l.lastActivity.Load(), 0),
		Connected:       l.IsConnected(),
		Reconnecting:    l.reconnecting.Load(),
	}
}

// Close stops the receive loop and closes the stream. Safe to call
// multiple times.
func (l *Link) Close() error {
	l.done.Close()

	l.connMu.Lock()
	l.connected = false
	if l.conn != nil {
		l.conn.Close()
	}
	l.connMu.Unlock()

	l.wg.Wait()
	l.logInfo("modem link closed")
	return nil
}

func (l *Link) isClosed() bool {
	select {
	case <-l.done.Done():
		return true
	default:
		return false
	}
}

func (l *Link) getLogger() Logger {
	l.loggerMu.RLock()
	defer l.loggerMu.RUnlock()
	return l.logger
}

func (l *Link) logDebug(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (l *Link) logInfo(msg string, keysAndValues ...any) {
	if logger := l.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (l *Link) logError(msg string, err error) {
	if logger := l.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
