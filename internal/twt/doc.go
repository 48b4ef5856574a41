// Package twt owns Target Wake Time negotiation for one virtual interface.
//
// Ownership boundary:
// - TWT element and action frame codec
// - per-peer, per-flow negotiation state machine
// - wake-interval scheduling of accepted agreements
// - event queue (parsing side) and deferred work queue (firmware side)
//
// Event draining and deferred work run as two independent tasks. They share
// only the engine lock, held for the short sections that move items between
// queues. Firmware round trips happen outside it.
package twt
