// Package metrics provides Prometheus metrics for monitoring.
//
// Key metrics:
//   - Connection phase, phase transitions and reconnect attempts
//   - Frames received, routed and dropped by the router
//   - In-flight executions and applied/stale updates
//   - Subscription control frames sent
package metrics
