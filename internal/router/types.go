package router

import (
	"encoding/json"
	"errors"
	"math"
	"strconv"
	"strings"
	"time"
)

// Errors reported through the router's error listeners.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownKind    = errors.New("unknown message kind")
	ErrHandlerPanic   = errors.New("handler panicked")
)

// RouterConfig holds configuration for the Message Router.
type RouterConfig struct {
	BufferSize int // Initial capacity of the inbound queue. Default: 1024
}

// DefaultRouterConfig returns default configuration.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		BufferSize: 1024,
	}
}

// Envelope is one parsed inbound frame. Treat it as immutable.
type Envelope struct {
	Kind       string          // "type" on the wire
	Payload    json.RawMessage // "data" on the wire, nil if absent
	Timestamp  time.Time       // Server timestamp; zero when missing or unparseable
	ReceivedAt time.Time       // Local receive time
	ConnID     int             // Connection that delivered the frame
}

// Handler consumes envelopes of one kind.
type Handler func(env Envelope)

// RouterStats contains runtime statistics.
type RouterStats struct {
	MessagesReceived int64
	MessagesRouted   int64
	ParseErrors      int64
	UnknownMessages  int64
	HandlerPanics    int64
	Buffer           BufferStats
}

// frameWire is the inbound wire shape.
type frameWire struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp json.RawMessage `json:"timestamp"`
}

// maxMillis is the largest Unix millisecond count representable in
// nanoseconds as an int64 (year 2262).
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

// ParseTimestamp decodes a wire timestamp: a JSON number of Unix
// milliseconds, a string holding such a number, or an RFC 3339 string.
// Anything else, including null and values past maxMillis, yields the
// zero time.
func ParseTimestamp(raw json.RawMessage) time.Time {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}
		}
		str = strings.TrimSpace(str)
		if t, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return t
		}
		s = str
	}

	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		if ms <= 0 || ms > maxMillis {
			return time.Time{}
		}
		return time.UnixMilli(ms)
	}

	ms, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(ms) || math.IsInf(ms, 0) || ms <= 0 || ms > float64(maxMillis) {
		return time.Time{}
	}
	return time.Unix(0, int64(ms*float64(time.Millisecond)))
}
