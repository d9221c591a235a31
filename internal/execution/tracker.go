package execution

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/execstream/internal/metrics"
	"github.com/rickgao/execstream/internal/router"
)

// maxTombstones bounds how many terminal timestamps are remembered.
const maxTombstones = 4096

type entry struct {
	rec Record
	seq uint64 // insertion order
}

// Tracker keeps the latest state of every in-flight execution. Terminal
// updates remove the record; stale non-terminal updates are discarded.
type Tracker struct {
	cb     Callbacks
	logger *slog.Logger

	mu      sync.Mutex
	records map[string]*entry
	nextSeq uint64

	// Terminal UpdatedAt per removed id, oldest first in tombOrder
	tombstones map[string]time.Time
	tombOrder  []string

	// Envelopes from connections <= fenced are ignored
	fenced int

	// Stats
	applied   int64
	stale     int64
	discarded int64
	resets    int64
}

// NewTracker creates an empty tracker.
func NewTracker(cb Callbacks, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cb:         cb,
		logger:     logger.With("component", "execution_tracker"),
		records:    make(map[string]*entry),
		tombstones: make(map[string]time.Time),
	}
}

// Register routes every execution kind on r to the tracker.
func (t *Tracker) Register(r router.Router) {
	for _, kind := range Kinds {
		r.Handle(kind, t.Handle)
	}
}

// Handle is a router.Handler.
func (t *Tracker) Handle(env router.Envelope) {
	t.Apply(env)
}

// Apply applies one envelope and reports whether it changed tracked state.
func (t *Tracker) Apply(env router.Envelope) bool {
	rec, err := decode(env)
	if err != nil {
		t.mu.Lock()
		t.discarded++
		t.mu.Unlock()
		t.logger.Warn("discarding execution update", "kind", env.Kind, "error", err)
		t.reportError(err)
		return false
	}

	t.mu.Lock()
	if fenced := t.fenced; env.ConnID != 0 && env.ConnID <= fenced {
		t.discarded++
		t.mu.Unlock()
		t.logger.Debug("ignoring update from closed connection",
			"id", rec.ID,
			"conn_id", env.ConnID,
			"fenced", fenced,
		)
		return false
	}

	existing, ok := t.records[rec.ID]

	if rec.Status.Terminal() {
		delete(t.records, rec.ID)
		ended := rec.UpdatedAt
		if ended.IsZero() && ok {
			// Untimestamped terminal: the record ended no earlier than its last update
			ended = existing.rec.UpdatedAt
		}
		if !ended.IsZero() {
			t.bury(rec.ID, ended)
		}
	} else {
		if t.isStale(rec, existing, ok) {
			t.stale++
			t.mu.Unlock()
			metrics.IncStaleUpdates()
			t.logger.Debug("discarding stale execution update",
				"id", rec.ID,
				"updated_at", rec.UpdatedAt,
			)
			return false
		}

		if ok {
			if rec.UpdatedAt.IsZero() {
				// No ordering information; keep the stored time
				rec.UpdatedAt = existing.rec.UpdatedAt
			}
			existing.rec = rec
		} else {
			t.nextSeq++
			t.records[rec.ID] = &entry{rec: rec, seq: t.nextSeq}
		}
	}
	t.applied++
	n := len(t.records)
	t.mu.Unlock()

	metrics.SetExecutionsTracked(n)
	metrics.IncExecutionUpdate(string(rec.Status))

	t.notify(rec)
	return true
}

// isStale reports whether a non-terminal rec is older than what is known for
// its id: the stored record, or the terminal update that removed it. Updates
// without ordering information are never stale. Must be called with lock held.
func (t *Tracker) isStale(rec Record, existing *entry, ok bool) bool {
	if rec.UpdatedAt.IsZero() {
		return false
	}
	if ok {
		return !existing.rec.UpdatedAt.IsZero() && rec.UpdatedAt.Before(existing.rec.UpdatedAt)
	}
	if ended, found := t.tombstones[rec.ID]; found {
		return !rec.UpdatedAt.After(ended)
	}
	return false
}

// bury remembers when id ended. Must be called with lock held.
func (t *Tracker) bury(id string, at time.Time) {
	if _, found := t.tombstones[id]; !found {
		t.tombOrder = append(t.tombOrder, id)
	}
	t.tombstones[id] = at

	if len(t.tombOrder) > maxTombstones {
		oldest := t.tombOrder[0]
		t.tombOrder = t.tombOrder[1:]
		delete(t.tombstones, oldest)
	}
}

// Reset drops every record and fences out envelopes from connections up to
// and including connID that are still queued.
func (t *Tracker) Reset(connID int) {
	t.mu.Lock()
	dropped := len(t.records)
	clear(t.records)
	if connID > t.fenced {
		t.fenced = connID
	}
	t.resets++
	t.mu.Unlock()

	metrics.SetExecutionsTracked(0)
	if dropped > 0 {
		t.logger.Info("cleared in-flight executions", "dropped", dropped, "conn_id", connID)
	}
}

// Snapshot returns the in-flight records in insertion order.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	entries := make([]*entry, 0, len(t.records))
	for _, e := range t.records {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]Record, len(entries))
	for i, e := range entries {
		out[i] = e.rec
	}
	t.mu.Unlock()
	return out
}

// Get returns the record for id.
func (t *Tracker) Get(id string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return e.rec, true
}

// Len returns the number of in-flight executions.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}

func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TrackerStats{
		Tracked:   len(t.records),
		Applied:   t.applied,
		Stale:     t.stale,
		Discarded: t.discarded,
		Resets:    t.resets,
	}
}

func (t *Tracker) notify(rec Record) {
	var fn func(Record)
	switch rec.Status {
	case StatusStarted:
		fn = t.cb.OnStarted
	case StatusInProgress:
		fn = t.cb.OnProgress
	case StatusCompleted:
		fn = t.cb.OnCompleted
	case StatusFailed:
		fn = t.cb.OnFailed
	}
	if fn != nil {
		fn(rec)
	}
}

func (t *Tracker) reportError(err error) {
	if t.cb.OnError != nil {
		t.cb.OnError(err)
	}
}

// decode extracts the record carried by env. The payload status wins over
// the envelope kind when it is recognised; updatedAt falls back to the
// envelope timestamp.
func decode(env router.Envelope) (Record, error) {
	var w updateWire
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, &w); err != nil {
			return Record{}, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}

	id := w.ExecutionID
	if id == "" {
		id = w.ID
	}
	if id == "" {
		return Record{}, fmt.Errorf("%w: kind %q", ErrMissingID, env.Kind)
	}

	status, ok := ParseStatus(w.Status)
	if !ok {
		status, ok = ParseStatus(env.Kind)
	}
	if !ok {
		return Record{}, fmt.Errorf("%w: %q (kind %q)", ErrUnknownStatus, w.Status, env.Kind)
	}

	updatedAt := router.ParseTimestamp(w.UpdatedAt)
	if updatedAt.IsZero() {
		updatedAt = env.Timestamp
	}

	return Record{
		ID:        id,
		Status:    status,
		Payload:   env.Payload,
		UpdatedAt: updatedAt,
	}, nil
}
