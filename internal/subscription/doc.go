// Package subscription implements the Subscription Controller component.
//
// The controller owns the set of execution ids the caller asked to follow.
// The set survives reconnects: Resubscribe re-sends it on every Open, since
// the server keeps no subscription state across a disconnect.
package subscription
