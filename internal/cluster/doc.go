// Package cluster provides the shared wire types and HTTP helpers used
// between a replication master and its slaves: the replicated operation
// format, administrative control messages, and JSON request plumbing.
//
// # Overview
//
// The cluster package is deliberately thin. It owns the vocabulary both
// sides of the replication link speak, so that the replication core, the
// master, and the administrative tooling agree on formats without importing
// each other.
//
// # Wire Types
//
// Op: A single entry in the master's replication stream
//   - Carries a master-assigned sequence number
//   - Kind is "put" or "delete"
//   - Values travel as raw bytes; the store is schema-agnostic
//
// ControlRequest / ControlResponse: Administrative command envelope
//   - Command name plus positional string arguments
//   - Response is a single human-readable status string
//
// # Communication Protocol
//
// All control-plane communication is HTTP/JSON:
//
// Administrative commands (POST /control):
//   - Operators invoke named commands (failover_reset, new_master ...)
//   - The slave responds synchronously with a status string
//
// Health checking (GET /health):
//   - Liveness probe for process supervisors and operators
//
// Data-plane replication itself travels over a persistent WebSocket stream
// owned by the replication package; this package only defines the Op frames
// that stream carries.
//
// # Failure Handling
//
// HTTP helpers use a 5 second client timeout. Callers treat any transport
// error uniformly; retry policy belongs to the caller (the replication core
// has its own backoff machinery and does not use these helpers on the data
// path).
//
// # See Also
//
// Related packages:
//   - internal/replication: Run loop, failover and backoff logic
//   - internal/control: Administrative command registry
//   - internal/storage: Key-value storage implementation
package cluster
