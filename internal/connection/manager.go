package connection

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/rickgao/execstream/internal/metrics"
)

// Manager owns the single connection: its phase, the retry policy and the
// listeners that observe it.
type Manager interface {
	// Connect opens a connection unless one is already connecting or open.
	Connect()

	// Disconnect closes the live connection with CloseManual and disables
	// automatic retry until the next Connect or Reconnect.
	Disconnect()

	// Reconnect tears down the current connection and connects again after
	// SettleDelay with a fresh retry budget.
	Reconnect()

	// Send writes data to the open connection. Returns false when not open.
	Send(data []byte) bool

	// Phase returns the current lifecycle phase.
	Phase() Phase

	// Stats returns current connection statistics.
	Stats() ManagerStats

	OnOpen(fn func(connID int))
	OnClose(fn func(ev CloseEvent))
	OnError(fn func(err error))
	OnMessage(fn func(msg RawMessage))
	OnPhaseChange(fn func(from, to Phase))
	OnMaxAttempts(fn func(attempts int))
}

// timer is the part of *time.Timer the manager uses.
type timer interface {
	Stop() bool
}

// afterFunc schedules f after d.
type afterFunc func(d time.Duration, f func()) timer

func realAfter(d time.Duration, f func()) timer {
	return time.AfterFunc(d, f)
}

// manager implements the Manager interface.
type manager struct {
	opener Opener
	cfg    ManagerConfig
	logger *slog.Logger
	after  afterFunc
	ctx    context.Context

	mu              sync.Mutex
	phase           Phase
	shouldReconnect bool
	attempts        int
	lastErr         error

	// Connection attempts
	nextID    int
	connID    int // most recent attempt
	current   int // attempt whose events are accepted, 0 if none
	transport Transport

	// Retry timer; retrySeq invalidates timers that already fired
	retry    timer
	retrySeq uint64

	onOpen        []func(int)
	onClose       []func(CloseEvent)
	onError       []func(error)
	onMessage     []func(RawMessage)
	onPhaseChange []func(Phase, Phase)
	onMaxAttempts []func(int)
}

// NewManager creates a Connection Manager that gets transports from opener.
func NewManager(opener Opener, cfg ManagerConfig, logger *slog.Logger) Manager {
	return newManager(opener, cfg, logger, realAfter)
}

func newManager(opener Opener, cfg ManagerConfig, logger *slog.Logger, after afterFunc) *manager {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := DefaultManagerConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaults.MaxAttempts
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaults.RetryInterval
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = defaults.SettleDelay
	}

	return &manager{
		opener: opener,
		cfg:    cfg,
		logger: logger.With("component", "connection"),
		after:  after,
		ctx:    context.Background(),
		phase:  PhaseIdle,
	}
}

// Connect starts a fresh connection attempt.
func (m *manager) Connect() {
	m.mu.Lock()
	if m.phase == PhaseConnecting || m.phase == PhaseOpen {
		m.mu.Unlock()
		return
	}
	m.shouldReconnect = true
	m.attempts = 0
	m.cancelRetryLocked()
	id, notes := m.beginAttemptLocked()
	m.mu.Unlock()

	run(notes)
	m.dial(id)
}

// Disconnect closes the live transport and stops retrying.
func (m *manager) Disconnect() {
	m.mu.Lock()
	m.shouldReconnect = false
	m.cancelRetryLocked()

	t := m.transport
	id := m.current
	m.transport = nil
	m.current = 0

	var notes []func()
	if id != 0 {
		notes = append(notes, m.closeNoteLocked(CloseEvent{
			ConnID: id,
			Code:   CloseManual,
			Reason: "manual disconnect",
			Clean:  true,
			Manual: true,
		}))
	}
	notes = append(notes, m.setPhaseLocked(PhaseClosed))
	m.mu.Unlock()

	if t != nil {
		if err := t.Close(CloseManual, "manual disconnect"); err != nil {
			m.logger.Debug("close transport", "conn_id", id, "error", err)
		}
	}
	if id != 0 {
		m.logger.Info("disconnected", "conn_id", id)
	}
	run(notes)
}

// Reconnect disconnects, then connects after SettleDelay with attempts reset.
func (m *manager) Reconnect() {
	m.Disconnect()

	m.mu.Lock()
	m.shouldReconnect = true
	m.attempts = 0
	m.scheduleRetryLocked(m.cfg.SettleDelay)
	m.mu.Unlock()

	m.logger.Info("reconnect requested", "delay", m.cfg.SettleDelay)
}

// Send writes data to the open transport.
func (m *manager) Send(data []byte) bool {
	m.mu.Lock()
	if m.phase != PhaseOpen || m.transport == nil {
		m.mu.Unlock()
		return false
	}
	t := m.transport
	id := m.current
	m.mu.Unlock()

	if err := t.Send(data); err != nil {
		m.logger.Debug("send failed", "conn_id", id, "error", err)
		return false
	}
	return true
}

func (m *manager) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

func (m *manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ManagerStats{
		Phase:       m.phase,
		Attempts:    m.attempts,
		MaxAttempts: m.cfg.MaxAttempts,
		ConnID:      m.connID,
		LastError:   m.lastErr,
	}
}

func (m *manager) OnOpen(fn func(connID int)) {
	m.mu.Lock()
	m.onOpen = append(m.onOpen, fn)
	m.mu.Unlock()
}

func (m *manager) OnClose(fn func(ev CloseEvent)) {
	m.mu.Lock()
	m.onClose = append(m.onClose, fn)
	m.mu.Unlock()
}

func (m *manager) OnError(fn func(err error)) {
	m.mu.Lock()
	m.onError = append(m.onError, fn)
	m.mu.Unlock()
}

func (m *manager) OnMessage(fn func(msg RawMessage)) {
	m.mu.Lock()
	m.onMessage = append(m.onMessage, fn)
	m.mu.Unlock()
}

func (m *manager) OnPhaseChange(fn func(from, to Phase)) {
	m.mu.Lock()
	m.onPhaseChange = append(m.onPhaseChange, fn)
	m.mu.Unlock()
}

func (m *manager) OnMaxAttempts(fn func(attempts int)) {
	m.mu.Lock()
	m.onMaxAttempts = append(m.onMaxAttempts, fn)
	m.mu.Unlock()
}

// beginAttemptLocked moves to Connecting and allocates a connection id.
func (m *manager) beginAttemptLocked() (int, []func()) {
	m.nextID++
	m.connID = m.nextID
	m.current = m.nextID
	m.transport = nil
	return m.current, []func(){m.setPhaseLocked(PhaseConnecting)}
}

// dial asks the opener for a transport for attempt id.
func (m *manager) dial(id int) {
	m.logger.Debug("connecting", "conn_id", id, "attempt", m.Stats().Attempts)

	a := &attempt{m: m, id: id, ready: make(chan struct{})}
	t, err := m.opener.Open(m.ctx, a)
	defer close(a.ready)

	m.mu.Lock()
	if m.current != id {
		// Superseded while Open was running
		m.mu.Unlock()
		if t != nil {
			t.Close(CloseManual, "superseded")
		}
		return
	}

	if err != nil {
		m.current = 0
		m.lastErr = err
		notes := []func(){
			m.setPhaseLocked(PhaseClosed),
			m.errorNoteLocked(err),
		}
		m.mu.Unlock()

		m.logger.Error("failed to open connection", "conn_id", id, "error", err)
		run(notes)
		return
	}

	m.transport = t
	m.mu.Unlock()
}

func (m *manager) handleOpen(id int) {
	m.mu.Lock()
	if m.current != id {
		m.mu.Unlock()
		return
	}
	m.attempts = 0
	m.lastErr = nil

	listeners := slices.Clone(m.onOpen)
	notes := []func(){
		func() {
			for _, fn := range listeners {
				fn(id)
			}
		},
		m.setPhaseLocked(PhaseOpen),
	}
	m.mu.Unlock()

	m.logger.Info("connected", "conn_id", id)
	run(notes)
}

func (m *manager) handleMessage(id int, msg TimestampedMessage) {
	m.mu.Lock()
	if m.current != id {
		m.mu.Unlock()
		return
	}
	listeners := slices.Clone(m.onMessage)
	m.mu.Unlock()

	raw := RawMessage{
		Data:       msg.Data,
		ConnID:     id,
		ReceivedAt: msg.ReceivedAt,
	}
	for _, fn := range listeners {
		fn(raw)
	}
}

func (m *manager) handleError(id int, err error) {
	m.mu.Lock()
	if m.current != id {
		m.mu.Unlock()
		return
	}
	m.lastErr = err
	note := m.errorNoteLocked(err)
	m.mu.Unlock()

	m.logger.Warn("connection error", "conn_id", id, "error", err)
	note()
}

// handleClose classifies the close and applies the retry policy.
func (m *manager) handleClose(id int, code int, reason string) {
	m.mu.Lock()
	if m.current != id {
		m.mu.Unlock()
		return
	}
	m.current = 0
	m.transport = nil

	ev := CloseEvent{
		ConnID: id,
		Code:   code,
		Reason: reason,
		Clean:  code == CloseManual,
	}
	metrics.IncClose(ev.Clean)
	notes := []func(){m.closeNoteLocked(ev)}

	if ev.Clean || !m.shouldReconnect {
		notes = append(notes, m.setPhaseLocked(PhaseClosed))
		m.mu.Unlock()

		m.logger.Info("connection closed", "conn_id", id, "code", code, "reason", reason)
		run(notes)
		return
	}

	m.attempts++
	attempts := m.attempts

	if attempts >= m.cfg.MaxAttempts {
		m.lastErr = ErrMaxAttempts
		notes = append(notes, m.setPhaseLocked(PhaseClosed))
		listeners := slices.Clone(m.onMaxAttempts)
		notes = append(notes, func() {
			for _, fn := range listeners {
				fn(attempts)
			}
		})
		m.mu.Unlock()

		metrics.IncMaxAttempts()
		m.logger.Error("max reconnect attempts reached, giving up",
			"conn_id", id,
			"attempts", attempts,
			"code", code,
			"reason", reason,
		)
		run(notes)
		return
	}

	notes = append(notes, m.setPhaseLocked(PhaseReconnecting))
	m.scheduleRetryLocked(m.cfg.RetryInterval)
	m.mu.Unlock()

	metrics.IncReconnectAttempt()
	m.logger.Warn("connection lost, retrying",
		"conn_id", id,
		"code", code,
		"reason", reason,
		"attempt", attempts,
		"max_attempts", m.cfg.MaxAttempts,
		"delay", m.cfg.RetryInterval,
	)
	run(notes)
}

// scheduleRetryLocked replaces any pending retry with one firing after d.
func (m *manager) scheduleRetryLocked(d time.Duration) {
	m.cancelRetryLocked()
	seq := m.retrySeq
	m.retry = m.after(d, func() { m.fireRetry(seq) })
}

func (m *manager) cancelRetryLocked() {
	m.retrySeq++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

// fireRetry runs on the timer goroutine. State is re-checked because the
// timer may fire after Disconnect or Connect already moved on.
func (m *manager) fireRetry(seq uint64) {
	m.mu.Lock()
	if seq != m.retrySeq || !m.shouldReconnect ||
		m.phase == PhaseConnecting || m.phase == PhaseOpen {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	id, notes := m.beginAttemptLocked()
	m.mu.Unlock()

	run(notes)
	m.dial(id)
}

// setPhaseLocked changes the phase and returns the phase-change notification.
func (m *manager) setPhaseLocked(to Phase) func() {
	from := m.phase
	if from == to {
		return func() {}
	}
	m.phase = to

	metrics.SetPhase(int(to))
	metrics.RecordPhaseTransition(from.String(), to.String())

	listeners := slices.Clone(m.onPhaseChange)
	return func() {
		for _, fn := range listeners {
			fn(from, to)
		}
	}
}

func (m *manager) closeNoteLocked(ev CloseEvent) func() {
	listeners := slices.Clone(m.onClose)
	return func() {
		for _, fn := range listeners {
			fn(ev)
		}
	}
}

func (m *manager) errorNoteLocked(err error) func() {
	listeners := slices.Clone(m.onError)
	return func() {
		for _, fn := range listeners {
			fn(err)
		}
	}
}

func run(notes []func()) {
	for _, fn := range notes {
		fn()
	}
}

// attempt routes transport events to the manager tagged with their
// connection id, so events from superseded transports are dropped.
// Events wait on ready until dial has stored the transport.
type attempt struct {
	m     *manager
	id    int
	ready chan struct{}
}

func (a *attempt) HandleOpen() {
	<-a.ready
	a.m.handleOpen(a.id)
}

func (a *attempt) HandleMessage(msg TimestampedMessage) {
	<-a.ready
	a.m.handleMessage(a.id, msg)
}

func (a *attempt) HandleError(err error) {
	<-a.ready
	a.m.handleError(a.id, err)
}

func (a *attempt) HandleClose(code int, reason string) {
	<-a.ready
	a.m.handleClose(a.id, code, reason)
}
