package connection

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"github.com/rickgao/execstream/internal/auth"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrAlreadyClosed   = errors.New("already closed")
	ErrInvalidURL      = errors.New("invalid websocket url")
	ErrMaxAttempts     = errors.New("max reconnect attempts reached")
)

// CloseManual is the close code sent by Disconnect. A close carrying it is clean;
// every other code, including an abrupt network failure, is unclean.
const CloseManual = websocket.CloseNormalClosure

// closeAbnormal is reported when the peer vanished without a close frame.
const closeAbnormal = websocket.CloseAbnormalClosure

// Phase is the lifecycle phase of the single managed connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseConnecting
	PhaseOpen
	PhaseReconnecting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseConnecting:
		return "connecting"
	case PhaseOpen:
		return "open"
	case PhaseReconnecting:
		return "reconnecting"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TimestampedMessage wraps raw message data with receive timestamp.
type TimestampedMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ReceivedAt time.Time // Local timestamp when ReadMessage() returned
}

// RawMessage is a message from the Connection Manager to the Message Router.
type RawMessage struct {
	Data       []byte    // Raw message bytes from WebSocket
	ConnID     int       // Connection attempt that delivered the frame
	ReceivedAt time.Time // Local timestamp when the transport received the frame
}

// CloseEvent describes the end of one connection.
type CloseEvent struct {
	ConnID int
	Code   int
	Reason string
	Clean  bool // Code == CloseManual
	Manual bool // Produced by Disconnect rather than by the transport
}

// ClientConfig configures the WebSocket transport.
type ClientConfig struct {
	URL              string            // WebSocket URL (e.g., wss://example.com/push)
	Credentials      *auth.Credentials // nil = no auth headers
	HandshakeTimeout time.Duration     // Dial + upgrade deadline
	PingInterval     time.Duration     // How often we ping the server
	PingTimeout      time.Duration     // Max time without ping/pong before considering connection stale
	WriteTimeout     time.Duration     // Write deadline for sends
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		PingTimeout:      60 * time.Second,
		WriteTimeout:     5 * time.Second,
	}
}

// ManagerConfig configures the Connection Manager.
type ManagerConfig struct {
	MaxAttempts   int           // Consecutive unclean closes before giving up
	RetryInterval time.Duration // Fixed wait before each automatic retry
	SettleDelay   time.Duration // Wait between teardown and connect in Reconnect
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts:   5,
		RetryInterval: 3 * time.Second,
		SettleDelay:   100 * time.Millisecond,
	}
}

// ManagerStats provides statistics about the connection manager.
type ManagerStats struct {
	Phase       Phase
	Attempts    int
	MaxAttempts int
	ConnID      int
	LastError   error
}
