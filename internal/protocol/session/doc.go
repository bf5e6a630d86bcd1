// Package session owns the reliability timing of local endpoints.
//
// Ownership boundary:
// - timing defaults (heartbeat period, response delays, nack suppression)
// - keyed response timers: one pending event per (local, remote, kind)
// - retry backoff for transient transport errors
//
// Timer callbacks never run on the caller's goroutine; they take the owning
// endpoint's lock themselves.
package session
