// Package protocol owns the host/firmware control wire contract.
//
// Ownership boundary:
// - frame: command header, host id packing, confirmation status
// - tlv: firmware command payload primitives
// - schema: firmware message ids and required-field validation
// - session: command transport and response demultiplexing
package protocol
