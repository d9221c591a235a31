package execution

import (
	"encoding/json"
	"errors"
	"time"
)

// Errors reported through Callbacks.OnError.
var (
	ErrMissingID      = errors.New("execution id missing")
	ErrInvalidPayload = errors.New("invalid execution payload")
	ErrUnknownStatus  = errors.New("unknown execution status")
)

// Status is the lifecycle status of one execution.
type Status string

const (
	StatusStarted    Status = "started"
	StatusInProgress Status = "in-progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether s ends the execution.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Envelope kinds the tracker consumes.
const (
	KindStarted   = "started"
	KindProgress  = "progress"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

// Kinds lists every envelope kind routed to the tracker.
var Kinds = []string{KindStarted, KindProgress, KindCompleted, KindFailed}

// ParseStatus maps a wire status or envelope kind to a Status.
func ParseStatus(s string) (Status, bool) {
	switch s {
	case "started", "start":
		return StatusStarted, true
	case "in-progress", "in_progress", "progress", "running":
		return StatusInProgress, true
	case "completed", "complete", "succeeded", "success":
		return StatusCompleted, true
	case "failed", "failure", "error":
		return StatusFailed, true
	default:
		return "", false
	}
}

// Record is the latest known state of one in-flight execution.
type Record struct {
	ID        string          `json:"id"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// Callbacks observe applied updates. Each applied update invokes exactly one
// of the status callbacks; nil callbacks are skipped.
type Callbacks struct {
	OnStarted   func(rec Record)
	OnProgress  func(rec Record)
	OnCompleted func(rec Record)
	OnFailed    func(rec Record)
	OnError     func(err error)
}

// TrackerStats contains runtime statistics.
type TrackerStats struct {
	Tracked   int
	Applied   int64
	Stale     int64
	Discarded int64 // Missing id, bad payload or fenced connection
	Resets    int64
}

// updateWire is the execution payload carried in Envelope.Payload.
type updateWire struct {
	ExecutionID string          `json:"executionId"`
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	UpdatedAt   json.RawMessage `json:"updatedAt"`
}
