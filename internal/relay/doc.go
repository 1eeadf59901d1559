// Package relay synchronizes Broadcast channels across processes.
//
// Every process publishes "<channel>:<json>" frames to one shared store
// channel named "<prefix>_default" and runs at most one subscriber loop on
// it. The loop is reference counted: the first relay-enabled connection
// starts it and the last one to close stops it, unless it was pinned for a
// process-wide consumer such as stats.
//
// The relay is best-effort and at-most-once. Publish failures are logged
// and returned but never stop local delivery; malformed frames are dropped.
package relay
