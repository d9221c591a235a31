// Package execution implements the Execution Tracker component.
//
// The tracker maps execution id to the latest Record seen for it:
//   - started and in-progress updates upsert, unless strictly older than the
//     stored record (stale updates are dropped)
//   - completed and failed updates remove the record whatever their timestamp
//   - Reset clears everything after a hard disconnect
//
// Only in-flight work is ever visible in Snapshot.
package execution
