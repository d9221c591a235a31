package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rickgao/execstream/internal/connection"
	"github.com/rickgao/execstream/internal/metrics"
)

// Router parses raw frames into envelopes and dispatches each to exactly one
// handler, in the order the frames were enqueued.
type Router interface {
	// Start begins routing queued frames.
	Start(ctx context.Context) error

	// Stop closes the queue and waits for queued frames to be dispatched.
	Stop(ctx context.Context) error

	// Enqueue queues a raw frame without blocking. Returns false once stopped.
	Enqueue(raw connection.RawMessage) bool

	// Handle registers h for envelopes of the given kind, replacing any
	// previous registration.
	Handle(kind string, h Handler)

	// HandleDefault registers the handler for kinds with no registration.
	HandleDefault(h Handler)

	// OnError registers a listener for parse, unknown-kind and panic reports.
	OnError(fn func(err error))

	// Stats returns current router statistics.
	Stats() RouterStats
}

// router is the internal implementation.
type router struct {
	cfg    RouterConfig
	logger *slog.Logger

	// Inbound frames from the Connection Manager
	buf *GrowableBuffer[connection.RawMessage]

	handlersMu sync.RWMutex
	handlers   map[string]Handler
	fallback   Handler
	onError    []func(error)

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Stats
	mu              sync.RWMutex
	received        int64
	routed          int64
	parseErrors     int64
	unknownMessages int64
	panics          int64
}

// NewRouter creates a new Message Router.
func NewRouter(cfg RouterConfig, logger *slog.Logger) Router {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultRouterConfig().BufferSize
	}

	return &router{
		cfg:      cfg,
		logger:   logger.With("component", "router"),
		buf:      NewGrowableBuffer[connection.RawMessage](cfg.BufferSize),
		handlers: make(map[string]Handler),
	}
}

// Start begins routing messages.
func (r *router) Start(ctx context.Context) error {
	r.ctx, r.cancel = context.WithCancel(ctx)

	// Closing the queue ends routeLoop once it drains
	go func() {
		<-r.ctx.Done()
		r.buf.Close()
	}()

	r.wg.Add(1)
	go r.routeLoop()

	r.logger.Info("message router started", "buffer_size", r.cfg.BufferSize)

	return nil
}

// Stop gracefully shuts down the router.
func (r *router) Stop(ctx context.Context) error {
	r.logger.Info("stopping message router")

	if r.cancel != nil {
		r.cancel()
	}
	r.buf.Close()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("message router stopped")
	case <-ctx.Done():
		r.logger.Warn("message router stop timed out", "pending", r.buf.Len())
		return ctx.Err()
	}

	return nil
}

// Enqueue queues a frame for routing.
func (r *router) Enqueue(raw connection.RawMessage) bool {
	if !r.buf.Push(raw) {
		return false
	}
	r.mu.Lock()
	r.received++
	r.mu.Unlock()
	metrics.IncFramesReceived()
	return true
}

func (r *router) Handle(kind string, h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	if h == nil {
		delete(r.handlers, kind)
		return
	}
	r.handlers[kind] = h
}

func (r *router) HandleDefault(h Handler) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.fallback = h
}

func (r *router) OnError(fn func(err error)) {
	r.handlersMu.Lock()
	defer r.handlersMu.Unlock()
	r.onError = append(r.onError, fn)
}

// Stats returns current statistics.
func (r *router) Stats() RouterStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return RouterStats{
		MessagesReceived: r.received,
		MessagesRouted:   r.routed,
		ParseErrors:      r.parseErrors,
		UnknownMessages:  r.unknownMessages,
		HandlerPanics:    r.panics,
		Buffer:           r.buf.Stats(),
	}
}

// routeLoop is the main routing goroutine.
func (r *router) routeLoop() {
	defer r.wg.Done()

	for {
		raw, ok := r.buf.Pop()
		if !ok {
			return
		}
		r.route(raw)
	}
}

// route parses and dispatches a single frame.
func (r *router) route(raw connection.RawMessage) {
	env, err := parseEnvelope(raw)
	if err != nil {
		r.logger.Warn("dropping malformed frame", "conn_id", raw.ConnID, "error", err)
		r.mu.Lock()
		r.parseErrors++
		r.mu.Unlock()
		metrics.IncParseErrors()
		r.report(err)
		return
	}

	r.handlersMu.RLock()
	h, ok := r.handlers[env.Kind]
	if !ok {
		h = r.fallback
	}
	r.handlersMu.RUnlock()

	if h == nil {
		r.logger.Debug("no handler for message kind", "kind", env.Kind, "conn_id", env.ConnID)
		r.mu.Lock()
		r.unknownMessages++
		r.mu.Unlock()
		metrics.IncUnknownKinds()
		r.report(fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind))
		return
	}

	if err := r.dispatch(h, env); err != nil {
		r.logger.Error("handler failed", "kind", env.Kind, "error", err)
		r.mu.Lock()
		r.panics++
		r.mu.Unlock()
		r.report(err)
		return
	}

	r.mu.Lock()
	r.routed++
	r.mu.Unlock()
	metrics.IncFramesRouted(env.Kind)
}

// dispatch runs h, converting a panic into an error.
func (r *router) dispatch(h Handler, env Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("%w: kind %q: %v", ErrHandlerPanic, env.Kind, rec)
		}
	}()
	h(env)
	return nil
}

func (r *router) report(err error) {
	r.handlersMu.RLock()
	listeners := slices.Clone(r.onError)
	r.handlersMu.RUnlock()

	for _, fn := range listeners {
		fn(err)
	}
}

// parseEnvelope decodes the {type, data, timestamp} wire shape.
func parseEnvelope(raw connection.RawMessage) (Envelope, error) {
	var wire frameWire
	if err := json.Unmarshal(raw.Data, &wire); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if wire.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}

	payload := wire.Data
	if string(payload) == "null" {
		payload = nil
	}

	return Envelope{
		Kind:       wire.Type,
		Payload:    payload,
		Timestamp:  ParseTimestamp(wire.Timestamp),
		ReceivedAt: raw.ReceivedAt,
		ConnID:     raw.ConnID,
	}, nil
}
