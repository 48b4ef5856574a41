// Package session owns the host->firmware command transport.
//
// Ownership boundary:
// - one in-flight command per device, serialized by Begin/End scopes
// - sequence/retry host id assignment and bounded retry on timeout
// - response demultiplexing: confirmations to the pending slot, events to a notifier
// - power-save inhibit for the duration of a command
// - retry/backoff primitives shared with deferred work
package session
