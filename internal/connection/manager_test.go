package connection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu        sync.Mutex
	sent      [][]byte
	closed    bool
	closeCode int
	sendErr   error
}

func (t *fakeTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, data)
	return nil
}

func (t *fakeTransport) Close(code int, reason string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.closeCode = code
	return nil
}

type fakeOpener struct {
	mu         sync.Mutex
	handlers   []TransportHandler
	transports []*fakeTransport
	err        error
}

func (o *fakeOpener) Open(ctx context.Context, h TransportHandler) (Transport, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.err != nil {
		return nil, o.err
	}
	t := &fakeTransport{}
	o.handlers = append(o.handlers, h)
	o.transports = append(o.transports, t)
	return t, nil
}

func (o *fakeOpener) opens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.handlers)
}

func (o *fakeOpener) handler(i int) TransportHandler {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.handlers[i]
}

func (o *fakeOpener) transport(i int) *fakeTransport {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transports[i]
}

type manualTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *manualTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

// scheduler records timers instead of running them.
type scheduler struct {
	mu     sync.Mutex
	timers []*manualTimer
}

func (s *scheduler) after(d time.Duration, f func()) timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &manualTimer{d: d, f: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *scheduler) pending() []*manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*manualTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

func (s *scheduler) last() *manualTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.timers) == 0 {
		return nil
	}
	return s.timers[len(s.timers)-1]
}

// firePending fires the single pending timer.
func (s *scheduler) firePending(t *testing.T) {
	t.Helper()
	p := s.pending()
	if len(p) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(p))
	}
	p[0].stopped = true
	p[0].f()
}

func newTestManager(cfg ManagerConfig) (*manager, *fakeOpener, *scheduler) {
	o := &fakeOpener{}
	s := &scheduler{}
	return newManager(o, cfg, nil, s.after), o, s
}

func testConfig() ManagerConfig {
	return ManagerConfig{
		MaxAttempts:   3,
		RetryInterval: 100 * time.Millisecond,
		SettleDelay:   10 * time.Millisecond,
	}
}

func TestManager_ConnectAndOpen(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	var order []string
	var openedID int
	m.OnOpen(func(id int) {
		openedID = id
		order = append(order, "open")
	})
	m.OnPhaseChange(func(from, to Phase) {
		order = append(order, from.String()+"->"+to.String())
	})

	if m.Phase() != PhaseIdle {
		t.Fatalf("initial phase = %v, want idle", m.Phase())
	}

	m.Connect()
	if m.Phase() != PhaseConnecting {
		t.Errorf("phase = %v, want connecting", m.Phase())
	}
	if o.opens() != 1 {
		t.Fatalf("opens = %d, want 1", o.opens())
	}

	o.handler(0).HandleOpen()

	if m.Phase() != PhaseOpen {
		t.Errorf("phase = %v, want open", m.Phase())
	}
	if openedID != 1 {
		t.Errorf("opened conn id = %d, want 1", openedID)
	}

	want := []string{"idle->connecting", "open", "connecting->open"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestManager_ConnectNoopWhenActive(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	m.Connect()
	m.Connect()
	if o.opens() != 1 {
		t.Errorf("opens while connecting = %d, want 1", o.opens())
	}

	o.handler(0).HandleOpen()
	m.Connect()
	if o.opens() != 1 {
		t.Errorf("opens while open = %d, want 1", o.opens())
	}
}

func TestManager_Send(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	if m.Send([]byte("x")) {
		t.Error("Send succeeded while idle")
	}

	m.Connect()
	if m.Send([]byte("x")) {
		t.Error("Send succeeded while connecting")
	}

	o.handler(0).HandleOpen()
	if !m.Send([]byte("hello")) {
		t.Fatal("Send failed while open")
	}

	tr := o.transport(0)
	if len(tr.sent) != 1 || string(tr.sent[0]) != "hello" {
		t.Errorf("sent = %q, want [hello]", tr.sent)
	}

	tr.sendErr = errors.New("broken pipe")
	if m.Send([]byte("again")) {
		t.Error("Send reported success on transport error")
	}
}

func TestManager_MessagesCarryConnID(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	var got []RawMessage
	m.OnMessage(func(msg RawMessage) { got = append(got, msg) })

	m.Connect()
	o.handler(0).HandleOpen()

	now := time.Now()
	o.handler(0).HandleMessage(TimestampedMessage{Data: []byte(`{"type":"x"}`), ReceivedAt: now})

	if len(got) != 1 {
		t.Fatalf("messages = %d, want 1", len(got))
	}
	if got[0].ConnID != 1 {
		t.Errorf("ConnID = %d, want 1", got[0].ConnID)
	}
	if !got[0].ReceivedAt.Equal(now) {
		t.Errorf("ReceivedAt = %v, want %v", got[0].ReceivedAt, now)
	}
}

func TestManager_UncleanCloseSchedulesRetry(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	var closes []CloseEvent
	m.OnClose(func(ev CloseEvent) { closes = append(closes, ev) })

	m.Connect()
	o.handler(0).HandleOpen()
	o.handler(0).HandleClose(closeAbnormal, "network down")

	if m.Phase() != PhaseReconnecting {
		t.Errorf("phase = %v, want reconnecting", m.Phase())
	}
	if got := m.Stats().Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if len(closes) != 1 || closes[0].Clean || closes[0].Manual {
		t.Errorf("close events = %+v, want one unclean", closes)
	}

	p := s.pending()
	if len(p) != 1 {
		t.Fatalf("pending timers = %d, want 1", len(p))
	}
	if p[0].d != 100*time.Millisecond {
		t.Errorf("retry delay = %v, want 100ms", p[0].d)
	}

	s.firePending(t)
	if o.opens() != 2 {
		t.Errorf("opens = %d, want 2", o.opens())
	}
	if m.Phase() != PhaseConnecting {
		t.Errorf("phase = %v, want connecting", m.Phase())
	}
	if got := m.Stats().ConnID; got != 2 {
		t.Errorf("conn id = %d, want 2", got)
	}
}

func TestManager_OpenResetsAttempts(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	m.Connect()
	o.handler(0).HandleClose(closeAbnormal, "dial failed")
	s.firePending(t)
	o.handler(1).HandleClose(closeAbnormal, "dial failed")
	if got := m.Stats().Attempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}

	s.firePending(t)
	o.handler(2).HandleOpen()
	if got := m.Stats().Attempts; got != 0 {
		t.Errorf("attempts after open = %d, want 0", got)
	}
}

func TestManager_MaxAttempts(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	var maxFired []int
	m.OnMaxAttempts(func(n int) { maxFired = append(maxFired, n) })

	m.Connect()
	for i := 0; i < 3; i++ {
		o.handler(i).HandleClose(closeAbnormal, "network down")
		if i < 2 {
			s.firePending(t)
		}
	}

	stats := m.Stats()
	if stats.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", stats.Attempts)
	}
	if stats.Phase != PhaseClosed {
		t.Errorf("phase = %v, want closed", stats.Phase)
	}
	if !errors.Is(stats.LastError, ErrMaxAttempts) {
		t.Errorf("last error = %v, want ErrMaxAttempts", stats.LastError)
	}
	if p := s.pending(); len(p) != 0 {
		t.Errorf("pending timers = %d, want 0", len(p))
	}
	if len(maxFired) != 1 || maxFired[0] != 3 {
		t.Errorf("max attempts fired = %v, want [3]", maxFired)
	}
	if o.opens() != 3 {
		t.Errorf("opens = %d, want 3", o.opens())
	}

	// Stale close from an old attempt changes nothing
	o.handler(0).HandleClose(closeAbnormal, "late")
	if len(maxFired) != 1 {
		t.Errorf("max attempts fired again: %v", maxFired)
	}
}

func TestManager_CleanCloseNoRetry(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	var closes []CloseEvent
	m.OnClose(func(ev CloseEvent) { closes = append(closes, ev) })

	m.Connect()
	o.handler(0).HandleOpen()
	o.handler(0).HandleClose(CloseManual, "bye")

	if m.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", m.Phase())
	}
	if p := s.pending(); len(p) != 0 {
		t.Errorf("pending timers = %d, want 0", len(p))
	}
	if len(closes) != 1 || !closes[0].Clean || closes[0].Manual {
		t.Errorf("close events = %+v, want one clean non-manual", closes)
	}
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	m.Connect()
	o.handler(0).HandleOpen()
	o.handler(0).HandleClose(closeAbnormal, "network down")

	retry := s.last()
	m.Disconnect()

	if !retry.stopped {
		t.Error("retry timer not stopped by Disconnect")
	}

	// Timer fires in the same tick anyway
	retry.f()

	if o.opens() != 1 {
		t.Errorf("opens = %d, want 1", o.opens())
	}
	if m.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", m.Phase())
	}
}

func TestManager_DisconnectWhileOpen(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	var closes []CloseEvent
	var phaseInCallback Phase
	m.OnClose(func(ev CloseEvent) {
		closes = append(closes, ev)
		// Listeners may call back into the manager
		phaseInCallback = m.Phase()
	})

	m.Connect()
	o.handler(0).HandleOpen()
	m.Disconnect()

	tr := o.transport(0)
	if !tr.closed || tr.closeCode != CloseManual {
		t.Errorf("transport closed=%v code=%d, want closed with %d", tr.closed, tr.closeCode, CloseManual)
	}
	if len(closes) != 1 || !closes[0].Manual || !closes[0].Clean || closes[0].ConnID != 1 {
		t.Errorf("close events = %+v, want one manual", closes)
	}
	if phaseInCallback != PhaseClosed {
		t.Errorf("phase seen by listener = %v, want closed", phaseInCallback)
	}

	// The transport's own close report arrives afterwards and is ignored
	o.handler(0).HandleClose(CloseManual, "manual disconnect")
	if len(closes) != 1 {
		t.Errorf("close events = %d, want 1", len(closes))
	}
	if p := s.pending(); len(p) != 0 {
		t.Errorf("pending timers = %d, want 0", len(p))
	}
	if m.Send([]byte("x")) {
		t.Error("Send succeeded after Disconnect")
	}
}

func TestManager_DisconnectWhenIdle(t *testing.T) {
	m, _, _ := newTestManager(testConfig())

	var closes int
	m.OnClose(func(CloseEvent) { closes++ })

	m.Disconnect()

	if closes != 0 {
		t.Errorf("close events = %d, want 0", closes)
	}
	if m.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", m.Phase())
	}
}

func TestManager_ReconnectResetsAttempts(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	m.Connect()
	o.handler(0).HandleClose(closeAbnormal, "down")
	s.firePending(t)
	o.handler(1).HandleClose(closeAbnormal, "down")
	if got := m.Stats().Attempts; got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}

	m.Reconnect()
	if got := m.Stats().Attempts; got != 0 {
		t.Errorf("attempts after Reconnect = %d, want 0", got)
	}
	if m.Phase() != PhaseClosed {
		t.Errorf("phase during settle = %v, want closed", m.Phase())
	}

	p := s.pending()
	if len(p) != 1 || p[0].d != 10*time.Millisecond {
		t.Fatalf("pending = %+v, want one settle timer", p)
	}

	s.firePending(t)
	if o.opens() != 3 {
		t.Errorf("opens = %d, want 3", o.opens())
	}

	o.handler(2).HandleClose(closeAbnormal, "down")
	if got := m.Stats().Attempts; got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if m.Phase() != PhaseReconnecting {
		t.Errorf("phase = %v, want reconnecting", m.Phase())
	}
}

func TestManager_ReconnectAfterMaxAttempts(t *testing.T) {
	cfg := testConfig()
	cfg.MaxAttempts = 1
	m, o, s := newTestManager(cfg)

	m.Connect()
	o.handler(0).HandleClose(closeAbnormal, "down")
	if m.Phase() != PhaseClosed {
		t.Fatalf("phase = %v, want closed", m.Phase())
	}

	m.Reconnect()
	s.firePending(t)
	o.handler(1).HandleOpen()

	if m.Phase() != PhaseOpen {
		t.Errorf("phase = %v, want open", m.Phase())
	}
	if err := m.Stats().LastError; err != nil {
		t.Errorf("last error = %v, want nil", err)
	}
}

func TestManager_ReconnectWhileOpen(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	var closes []CloseEvent
	m.OnClose(func(ev CloseEvent) { closes = append(closes, ev) })

	m.Connect()
	o.handler(0).HandleOpen()
	m.Reconnect()

	if len(closes) != 1 || !closes[0].Manual {
		t.Errorf("close events = %+v, want one manual", closes)
	}

	s.firePending(t)
	o.handler(1).HandleOpen()

	// Messages from the first transport are dropped
	var got []RawMessage
	m.OnMessage(func(msg RawMessage) { got = append(got, msg) })
	o.handler(0).HandleMessage(TimestampedMessage{Data: []byte("old")})
	o.handler(1).HandleMessage(TimestampedMessage{Data: []byte("new")})

	if len(got) != 1 || string(got[0].Data) != "new" || got[0].ConnID != 2 {
		t.Errorf("messages = %+v, want only conn 2", got)
	}
}

func TestManager_OpenerFailure(t *testing.T) {
	m, o, s := newTestManager(testConfig())
	o.err = ErrInvalidURL

	var errs []error
	m.OnError(func(err error) { errs = append(errs, err) })

	m.Connect()

	if m.Phase() != PhaseClosed {
		t.Errorf("phase = %v, want closed", m.Phase())
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrInvalidURL) {
		t.Errorf("errors = %v, want [ErrInvalidURL]", errs)
	}
	if p := s.pending(); len(p) != 0 {
		t.Errorf("pending timers = %d, want 0", len(p))
	}
	if !errors.Is(m.Stats().LastError, ErrInvalidURL) {
		t.Errorf("last error = %v, want ErrInvalidURL", m.Stats().LastError)
	}
}

func TestManager_TransportErrorReported(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	var errs []error
	m.OnError(func(err error) { errs = append(errs, err) })

	m.Connect()
	o.handler(0).HandleError(ErrStaleConnection)

	if len(errs) != 1 || !errors.Is(errs[0], ErrStaleConnection) {
		t.Errorf("errors = %v, want [ErrStaleConnection]", errs)
	}
}

func TestManager_ConnectCancelsRetry(t *testing.T) {
	m, o, s := newTestManager(testConfig())

	m.Connect()
	o.handler(0).HandleClose(closeAbnormal, "down")
	retry := s.last()

	m.Connect()
	if !retry.stopped {
		t.Error("retry timer not stopped by Connect")
	}
	if got := m.Stats().Attempts; got != 0 {
		t.Errorf("attempts = %d, want 0", got)
	}

	retry.f()
	if o.opens() != 2 {
		t.Errorf("opens = %d, want 2", o.opens())
	}
}

func TestManager_Defaults(t *testing.T) {
	m, _, _ := newTestManager(ManagerConfig{})
	want := DefaultManagerConfig()
	if m.cfg != want {
		t.Errorf("cfg = %+v, want %+v", m.cfg, want)
	}
}

func TestPhase_String(t *testing.T) {
	tests := []struct {
		phase Phase
		want  string
	}{
		{PhaseIdle, "idle"},
		{PhaseConnecting, "connecting"},
		{PhaseOpen, "open"},
		{PhaseReconnecting, "reconnecting"},
		{PhaseClosed, "closed"},
		{Phase(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("Phase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}

// eagerOpener reports open from its own goroutine before Open returns.
type eagerOpener struct {
	transport *fakeTransport
}

func (o *eagerOpener) Open(ctx context.Context, h TransportHandler) (Transport, error) {
	go h.HandleOpen()
	time.Sleep(20 * time.Millisecond)
	return o.transport, nil
}

func TestManager_OpenBeforeOpenReturns(t *testing.T) {
	o := &eagerOpener{transport: &fakeTransport{}}
	s := &scheduler{}
	m := newManager(o, testConfig(), nil, s.after)

	sent := make(chan bool, 1)
	m.OnOpen(func(int) {
		sent <- m.Send([]byte("subscribe"))
	})

	m.Connect()

	select {
	case ok := <-sent:
		if !ok {
			t.Error("Send from open listener = false, want true")
		}
	case <-time.After(time.Second):
		t.Fatal("open listener not called")
	}

	o.transport.mu.Lock()
	defer o.transport.mu.Unlock()
	if len(o.transport.sent) != 1 {
		t.Errorf("sent = %q, want one frame", o.transport.sent)
	}
}

func TestManager_ListenerAddedDuringNotify(t *testing.T) {
	m, o, _ := newTestManager(testConfig())

	var late []int
	calls := 0
	m.OnOpen(func(id int) {
		calls++
		m.OnOpen(func(id int) { late = append(late, id) })
	})

	m.Connect()
	o.handler(0).HandleOpen()

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if len(late) != 0 {
		t.Errorf("listener added during notify ran for the same event: %v", late)
	}

	m.Disconnect()
	m.Connect()
	o.handler(1).HandleOpen()

	if len(late) != 1 || late[0] != 2 {
		t.Errorf("late listener ids = %v, want [2]", late)
	}
}
