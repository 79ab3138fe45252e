package plm

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.bug.st/serial"
)

// Transport types for LinkConfig.Type.
const (
	TransportSerial    = "serial"
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

const (
	// DefaultBaudRate is the PowerLinc serial speed.
	DefaultBaudRate = 19200

	// serialReadTimeout lets the receive loop notice Close on ports whose
	// driver does not unblock reads.
	serialReadTimeout = 500 * time.Millisecond
)

// Conn is an open byte stream to the modem.
type Conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// DialFunc opens a new Conn. The Link calls it for the initial connection
// and for every reconnection.
type DialFunc func(ctx context.Context) (Conn, error)

// NewDialer returns the DialFunc for cfg.Type.
//
// Parameters:
//   - cfg: Link configuration; Device for serial, Address for tcp, URL for websocket
//
// Returns:
//   - DialFunc: Function opening one connection
//   - error: ErrUnsupportedTransport or a missing endpoint
func NewDialer(cfg LinkConfig) (DialFunc, error) {
	switch cfg.Type {
	case TransportSerial, "":
		if cfg.Device == "" {
			return nil, fmt.Errorf("%w: serial device is empty", ErrConnectionFailed)
		}
		baud := cfg.BaudRate
		if baud <= 0 {
			baud = DefaultBaudRate
		}
		return func(ctx context.Context) (Conn, error) {
			return openSerial(ctx, cfg.Device, baud)
		}, nil

	case TransportTCP:
		if cfg.Address == "" {
			return nil, fmt.Errorf("%w: tcp address is empty", ErrConnectionFailed)
		}
		return func(ctx context.Context) (Conn, error) {
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", cfg.Address)
			if err != nil {
				return nil, fmt.Errorf("dial tcp://%s: %w", cfg.Address, err)
			}
			return conn, nil
		}, nil

	case TransportWebSocket:
		u, err := url.Parse(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid URL: %w", ErrConnectionFailed, err)
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return nil, fmt.Errorf("%w: unsupported URL scheme %q (use ws:// or wss://)", ErrConnectionFailed, u.Scheme)
		}
		return func(ctx context.Context) (Conn, error) {
			return openWebSocket(ctx, cfg)
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTransport, cfg.Type)
	}
}

// serialConn adapts a serial port. Reads that hit the port timeout return
// zero bytes and no error.
type serialConn struct {
	port serial.Port
}

func (s *serialConn) Read(p []byte) (int, error)  { return s.port.Read(p) }
func (s *serialConn) Write(p []byte) (int, error) { return s.port.Write(p) }
func (s *serialConn) Close() error                { return s.port.Close() }

func openSerial(ctx context.Context, device string, baud int) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(device, mode)
	if err != nil {
		return nil, fmt.Errorf("open serial port %q: %w", device, err)
	}
	if err := port.SetReadTimeout(serialReadTimeout); err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("set serial read timeout: %w", err)
	}
	return &serialConn{port: port}, nil
}

// wsConn carries modem bytes in binary WebSocket messages, as served by
// serial-to-websocket bridges.
type wsConn struct {
	conn    *websocket.Conn
	buf     []byte
	writeMu sync.Mutex
}

func (w *wsConn) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		typ, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if typ != websocket.BinaryMessage {
			continue
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsConn) Write(p []byte) (int, error) {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsConn) Close() error { return w.conn.Close() }

func (w *wsConn) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }

func openWebSocket(ctx context.Context, cfg LinkConfig) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: cfg.ConnectTimeout,
	}
	if dialer.HandshakeTimeout <= 0 {
		dialer.HandshakeTimeout = defaultConnectTimeout
	}
	if u, err := url.Parse(cfg.URL); err == nil && u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec // operator opt-in for self-signed bridges
		}
	}

	headers := http.Header{}
	if cfg.Username != "" && cfg.Password != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(cfg.Username + ":" + cfg.Password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	conn, resp, err := dialer.DialContext(ctx, cfg.URL, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s (HTTP %d): %w", cfg.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", cfg.URL, err)
	}
	return &wsConn{conn: conn}, nil
}
