// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns exactly one connection attempt at a time
//   - Exposes the lifecycle phase (idle, connecting, open, reconnecting, closed)
//   - Retries unclean closes on a fixed interval, up to MaxAttempts in a row
//   - Treats CloseManual as clean; Disconnect is the only path that stops retrying
//   - Forwards inbound frames, tagged with their connection id, to listeners
//
// Transports come from an Opener. NewOpener returns one backed by
// gorilla/websocket with signed upgrade headers and a ping/pong heartbeat.
package connection
