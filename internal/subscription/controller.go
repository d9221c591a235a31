package subscription

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rickgao/execstream/internal/connection"
	"github.com/rickgao/execstream/internal/metrics"
)

var ErrEmptyID = errors.New("execution id is empty")

// Action is the control frame verb.
type Action string

const (
	ActionSubscribe   Action = "subscribe"
	ActionUnsubscribe Action = "unsubscribe"
)

// ControlFrame is the outbound subscribe/unsubscribe message.
type ControlFrame struct {
	ID          string `json:"id"`
	Action      Action `json:"action"`
	ExecutionID string `json:"executionId"`
}

// Conn is the part of the Connection Manager the controller needs.
type Conn interface {
	Phase() connection.Phase
	Send(data []byte) bool
}

// Controller holds the ids the caller wants tracked and mirrors them to the
// server whenever the connection is open.
//
// Frames are queued in decision order and sent by one drainer at a time, so
// a Subscribe/Unsubscribe racing a Resubscribe cannot reorder on the wire.
type Controller struct {
	conn   Conn
	logger *slog.Logger
	newID  func() string

	mu       sync.Mutex
	ids      map[string]struct{}
	outbox   []ControlFrame
	draining bool
}

// NewController creates a controller sending frames over conn.
func NewController(conn Conn, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		conn:   conn,
		logger: logger.With("component", "subscription"),
		newID:  uuid.NewString,
		ids:    make(map[string]struct{}),
	}
}

// Subscribe adds id. A frame goes out only if id is new and the connection
// is open; otherwise it is sent by the next Resubscribe.
func (c *Controller) Subscribe(id string) error {
	if id == "" {
		return ErrEmptyID
	}

	open := c.conn.Phase() == connection.PhaseOpen

	c.mu.Lock()
	if _, ok := c.ids[id]; ok {
		c.mu.Unlock()
		return nil
	}
	c.ids[id] = struct{}{}
	if open {
		c.queueLocked(ActionSubscribe, id)
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// Unsubscribe removes id, telling the server only if the connection is open.
func (c *Controller) Unsubscribe(id string) error {
	if id == "" {
		return ErrEmptyID
	}

	open := c.conn.Phase() == connection.PhaseOpen

	c.mu.Lock()
	if _, ok := c.ids[id]; !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.ids, id)
	if open {
		c.queueLocked(ActionUnsubscribe, id)
	}
	c.mu.Unlock()

	c.flush()
	return nil
}

// Resubscribe queues a subscribe frame for every id. Call it on each Open.
// Returns the number of subscribe frames sent by this call; frames queued
// behind a drain already running in another call are sent there.
func (c *Controller) Resubscribe() int {
	c.mu.Lock()
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		c.queueLocked(ActionSubscribe, id)
	}
	c.mu.Unlock()

	sent := c.flush()
	if sent > 0 {
		c.logger.Info("resubscribed", "count", sent)
	}
	return sent
}

// IDs returns the subscribed ids, sorted.
func (c *Controller) IDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.ids))
	for id := range c.ids {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Len returns the number of subscribed ids.
func (c *Controller) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

// Clear forgets every id and drops queued frames without sending them.
func (c *Controller) Clear() {
	c.mu.Lock()
	clear(c.ids)
	c.outbox = nil
	c.mu.Unlock()
}

func (c *Controller) queueLocked(action Action, id string) {
	c.outbox = append(c.outbox, ControlFrame{
		ID:          c.newID(),
		Action:      action,
		ExecutionID: id,
	})
}

// flush sends queued frames unless another call is already draining. A frame
// whose action no longer matches the id set is skipped. Returns the number of
// subscribe frames sent.
func (c *Controller) flush() int {
	c.mu.Lock()
	if c.draining {
		c.mu.Unlock()
		return 0
	}
	c.draining = true

	sent := 0
	for len(c.outbox) > 0 {
		frame := c.outbox[0]
		c.outbox = c.outbox[1:]

		_, member := c.ids[frame.ExecutionID]
		if member != (frame.Action == ActionSubscribe) {
			continue
		}

		c.mu.Unlock()
		ok := c.send(frame)
		c.mu.Lock()

		if ok && frame.Action == ActionSubscribe {
			sent++
		}
	}
	c.draining = false
	c.mu.Unlock()

	return sent
}

func (c *Controller) send(frame ControlFrame) bool {
	action, id := frame.Action, frame.ExecutionID
	data, err := json.Marshal(frame)
	if err != nil {
		c.logger.Error("failed to encode control frame", "error", err)
		return false
	}

	if !c.conn.Send(data) {
		// Kept in the set; the next Open re-sends subscriptions
		c.logger.Debug("control frame not sent", "action", action, "execution_id", id)
		return false
	}

	metrics.IncControlFrame(string(action))
	c.logger.Debug("control frame sent", "action", action, "execution_id", id)
	return true
}
