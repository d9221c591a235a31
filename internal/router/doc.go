// Package router implements the Message Router component.
//
// Frames from the Connection Manager are queued in a GrowableBuffer so the
// transport never waits on handler work. A single goroutine drains the queue,
// parses each frame into an Envelope and hands it to exactly one handler:
// the one registered for its kind, else the default handler, else an
// ErrUnknownKind report. Malformed frames are dropped and reported.
package router
