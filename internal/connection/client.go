package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one live (or dialing) connection handle.
type Transport interface {
	// Send writes raw bytes to the connection.
	Send(data []byte) error

	// Close closes the connection with the given close code. No further
	// events are delivered after Close returns.
	Close(code int, reason string) error
}

// TransportHandler receives the events of a single Transport. Events are
// delivered from transport goroutines, never from inside Opener.Open.
type TransportHandler interface {
	HandleOpen()
	HandleMessage(msg TimestampedMessage)
	HandleError(err error)
	HandleClose(code int, reason string)
}

// Opener yields transports. Open fails synchronously only for problems that a
// retry cannot fix (bad URL, credentials); network failures arrive later as
// HandleError followed by HandleClose.
type Opener interface {
	Open(ctx context.Context, h TransportHandler) (Transport, error)
}

// wsOpener opens gorilla/websocket transports.
type wsOpener struct {
	cfg    ClientConfig
	logger *slog.Logger
}

// NewOpener creates an Opener dialing cfg.URL.
func NewOpener(cfg ClientConfig, logger *slog.Logger) Opener {
	if logger == nil {
		logger = slog.Default()
	}
	return &wsOpener{cfg: cfg, logger: logger}
}

// Open validates the URL, signs the upgrade request and starts dialing.
func (o *wsOpener) Open(ctx context.Context, h TransportHandler) (Transport, error) {
	u, err := url.Parse(o.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	header, err := o.cfg.Credentials.Header("GET", path)
	if err != nil {
		return nil, fmt.Errorf("sign upgrade request: %w", err)
	}
	header.Set("Accept", "application/json")

	ctx, cancel := context.WithCancel(ctx)
	t := &wsTransport{
		cfg:      o.cfg,
		logger:   o.logger,
		handler:  h,
		cancel:   cancel,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}

	go t.run(ctx, header)

	return t, nil
}

// wsTransport implements Transport over gorilla/websocket.
type wsTransport struct {
	cfg     ClientConfig
	logger  *slog.Logger
	handler TransportHandler
	cancel  context.CancelFunc

	conn     *websocket.Conn
	done     chan struct{} // closed by Close
	readDone chan struct{} // closed when readLoop exits

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time
	staleErr   error

	closeOnce sync.Once
}

// run dials, reports open, then reads until the connection ends.
func (t *wsTransport) run(ctx context.Context, header http.Header) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.cfg.HandshakeTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, header)
	if err != nil {
		if t.isClosed() {
			return
		}
		t.handler.HandleError(err)
		t.reportClose(closeAbnormal, err.Error())
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		conn.Close()
		return
	}
	t.conn = conn
	t.connected = true
	t.lastPingAt = time.Now()
	t.mu.Unlock()

	// Server sends ping, we respond with pong
	conn.SetPingHandler(func(data string) error {
		t.touch()
		return conn.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})

	// Server responds to our ping
	conn.SetPongHandler(func(string) error {
		t.touch()
		return nil
	})

	t.logger.Debug("websocket connected", "url", t.cfg.URL)
	t.handler.HandleOpen()

	go t.heartbeatLoop()
	t.readLoop()
}

// Send writes raw bytes to the connection.
func (t *wsTransport) Send(data []byte) error {
	t.mu.RLock()
	if !t.connected {
		t.mu.RUnlock()
		return ErrNotConnected
	}
	conn := t.conn
	t.mu.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn.SetWriteDeadline(time.Now().Add(t.cfg.WriteTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with code and tears the connection down.
// Returns ErrAlreadyClosed on repeated calls.
func (t *wsTransport) Close(code int, reason string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrAlreadyClosed
	}
	t.closed = true
	t.connected = false
	conn := t.conn
	t.mu.Unlock()

	close(t.done)
	t.cancel()

	if conn == nil {
		return nil
	}

	t.writeMu.Lock()
	conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second),
	)
	t.writeMu.Unlock()

	return conn.Close()
}

func (t *wsTransport) isClosed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.closed
}

func (t *wsTransport) touch() {
	t.mu.Lock()
	t.lastPingAt = time.Now()
	t.mu.Unlock()
}

// readLoop reads frames and hands them to the handler.
func (t *wsTransport) readLoop() {
	defer func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		close(t.readDone)
	}()

	for {
		_, data, err := t.conn.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Ignore errors after Close() is called
			if t.isClosed() {
				return
			}

			t.mu.RLock()
			stale := t.staleErr
			t.mu.RUnlock()

			var ce *websocket.CloseError
			switch {
			case stale != nil:
				t.handler.HandleError(stale)
				t.reportClose(closeAbnormal, stale.Error())
			case errors.As(err, &ce):
				t.reportClose(ce.Code, ce.Text)
			default:
				t.handler.HandleError(err)
				t.reportClose(closeAbnormal, err.Error())
			}
			return
		}

		t.handler.HandleMessage(TimestampedMessage{
			Data:       data,
			ReceivedAt: receivedAt,
		})
	}
}

func (t *wsTransport) reportClose(code int, reason string) {
	t.closeOnce.Do(func() {
		t.handler.HandleClose(code, reason)
	})
}

// heartbeatLoop pings the server and fails the connection when it goes quiet.
func (t *wsTransport) heartbeatLoop() {
	interval := t.cfg.PingInterval
	if interval <= 0 {
		interval = DefaultClientConfig().PingInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-t.readDone:
			return
		case <-ticker.C:
			deadline := time.Now().Add(t.cfg.WriteTimeout)
			t.writeMu.Lock()
			err := t.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline)
			t.writeMu.Unlock()
			if err != nil {
				t.logger.Debug("failed to send ping", "error", err)
			}

			t.mu.RLock()
			lastPing := t.lastPingAt
			t.mu.RUnlock()

			if t.cfg.PingTimeout > 0 && time.Since(lastPing) > t.cfg.PingTimeout {
				t.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", t.cfg.PingTimeout,
				)
				t.mu.Lock()
				t.staleErr = ErrStaleConnection
				t.mu.Unlock()
				// Unblocks readLoop, which reports the close
				t.conn.Close()
				return
			}
		}
	}
}
