package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rickgao/execstream/internal/connection"
	"github.com/rickgao/execstream/internal/execution"
	"github.com/rickgao/execstream/internal/router"
	"github.com/rickgao/execstream/internal/subscription"
)

var ErrNotOpen = errors.New("connection not open")

// Config configures a Client. Callbacks may be nil.
type Config struct {
	Transport     connection.ClientConfig
	Reconnect     connection.ManagerConfig
	Router        router.RouterConfig
	Subscriptions []string // Ids subscribed before the first Connect

	OnOpen        func(connID int)
	OnClose       func(ev connection.CloseEvent)
	OnError       func(err error)
	OnMessage     func(env router.Envelope) // Envelopes no other handler claims
	OnMaxAttempts func(attempts int)
	OnPhaseChange func(from, to connection.Phase)

	Executions execution.Callbacks
}

// DefaultConfig returns a Config with default component settings.
func DefaultConfig() Config {
	return Config{
		Transport: connection.DefaultClientConfig(),
		Reconnect: connection.DefaultManagerConfig(),
		Router:    router.DefaultRouterConfig(),
	}
}

// Stats aggregates component statistics.
type Stats struct {
	Connection    connection.ManagerStats
	Router        router.RouterStats
	Executions    execution.TrackerStats
	Subscriptions int
}

// Client is the caller-facing real-time client: one managed connection,
// routed envelopes, tracked executions and subscriptions kept across
// reconnects.
type Client struct {
	cfg    Config
	logger *slog.Logger

	manager connection.Manager
	router  router.Router
	tracker *execution.Tracker
	subs    *subscription.Controller
}

// New creates a Client dialing cfg.Transport.URL over WebSocket.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return NewWithOpener(connection.NewOpener(cfg.Transport, logger), cfg, logger)
}

// NewWithOpener creates a Client that gets transports from opener.
func NewWithOpener(opener connection.Opener, cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
	}

	c.manager = connection.NewManager(opener, cfg.Reconnect, logger)
	c.router = router.NewRouter(cfg.Router, logger)

	trackerCallbacks := cfg.Executions
	trackerCallbacks.OnError = c.reportError
	c.tracker = execution.NewTracker(trackerCallbacks, logger)
	c.tracker.Register(c.router)

	c.subs = subscription.NewController(c.manager, logger)
	for _, id := range cfg.Subscriptions {
		if err := c.subs.Subscribe(id); err != nil {
			logger.Warn("skipping subscription", "execution_id", id, "error", err)
		}
	}

	if cfg.OnMessage != nil {
		c.router.HandleDefault(cfg.OnMessage)
	}
	c.router.OnError(c.reportError)

	c.wire()
	return c
}

// wire connects manager events to the other components.
func (c *Client) wire() {
	c.manager.OnMessage(func(raw connection.RawMessage) {
		if !c.router.Enqueue(raw) {
			c.logger.Debug("router stopped, dropping frame", "conn_id", raw.ConnID)
		}
	})

	c.manager.OnOpen(func(connID int) {
		c.subs.Resubscribe()
		if c.cfg.OnOpen != nil {
			c.cfg.OnOpen(connID)
		}
	})

	c.manager.OnClose(func(ev connection.CloseEvent) {
		// In-flight state is unknown once the connection is gone
		c.tracker.Reset(ev.ConnID)
		if c.cfg.OnClose != nil {
			c.cfg.OnClose(ev)
		}
	})

	c.manager.OnError(c.reportError)

	c.manager.OnMaxAttempts(func(attempts int) {
		if c.cfg.OnMaxAttempts != nil {
			c.cfg.OnMaxAttempts(attempts)
		}
		c.reportError(fmt.Errorf("%w after %d attempts", connection.ErrMaxAttempts, attempts))
	})

	if c.cfg.OnPhaseChange != nil {
		c.manager.OnPhaseChange(c.cfg.OnPhaseChange)
	}
}

func (c *Client) reportError(err error) {
	if c.cfg.OnError != nil {
		c.cfg.OnError(err)
	}
}

// Start starts the router. Call it before Connect.
func (c *Client) Start(ctx context.Context) error {
	if err := c.router.Start(ctx); err != nil {
		return fmt.Errorf("start router: %w", err)
	}
	return nil
}

// Close disconnects, forgets subscriptions and waits for the router to drain.
func (c *Client) Close(ctx context.Context) error {
	c.manager.Disconnect()
	c.subs.Clear()
	if err := c.router.Stop(ctx); err != nil {
		return fmt.Errorf("stop router: %w", err)
	}
	return nil
}

func (c *Client) Connect() { c.manager.Connect() }

func (c *Client) Disconnect() { c.manager.Disconnect() }

func (c *Client) Reconnect() { c.manager.Reconnect() }

// Send writes data if the connection is open. Nothing is queued.
func (c *Client) Send(data []byte) bool { return c.manager.Send(data) }

// SendJSON encodes v and sends it.
func (c *Client) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if !c.manager.Send(data) {
		return ErrNotOpen
	}
	return nil
}

func (c *Client) Subscribe(id string) error { return c.subs.Subscribe(id) }

func (c *Client) Unsubscribe(id string) error { return c.subs.Unsubscribe(id) }

// Subscriptions returns the subscribed ids, sorted.
func (c *Client) Subscriptions() []string { return c.subs.IDs() }

func (c *Client) Phase() connection.Phase { return c.manager.Phase() }

// Executions returns the in-flight executions.
func (c *Client) Executions() []execution.Record { return c.tracker.Snapshot() }

// Execution returns one in-flight execution.
func (c *Client) Execution(id string) (execution.Record, bool) { return c.tracker.Get(id) }

// Handle registers h for envelopes of kind. Registering an execution kind
// takes it away from the tracker.
func (c *Client) Handle(kind string, h router.Handler) { c.router.Handle(kind, h) }

func (c *Client) Stats() Stats {
	return Stats{
		Connection:    c.manager.Stats(),
		Router:        c.router.Stats(),
		Executions:    c.tracker.Stats(),
		Subscriptions: c.subs.Len(),
	}
}
