// Package realtime assembles the connection manager, message router,
// execution tracker and subscription controller into one Client.
//
// Wiring:
//   - inbound frames go from the manager to the router queue
//   - execution kinds are routed to the tracker, others to OnMessage
//   - every close resets the tracker, fencing frames still queued
//   - every open re-sends the subscription set
package realtime
