// Package control provides the administrative command registry: named
// runtime operations an operator can invoke against a running process to
// mutate its state without restarting it.
//
// # Overview
//
// Components expose administrative operations as (name, description,
// handler) triples. The registry owns the name → handler mapping and the
// dispatch; it knows nothing about what the handlers do. The replication
// slave registers two commands here:
//
//   - failover_reset: reset failover bookkeeping and force a reconnect
//   - new_master host port: redirect replication to a different master
//
// # Contract
//
// Handlers take positional string arguments and return a human-readable
// status string; success and validation failures alike travel in that
// string, so operators always get a sentence back. Transport-level problems
// (unknown command name) are the only error returns.
//
// # Lifetime
//
// Handlers close over live components. The registration must not outlive
// the component it points into: deregister before tearing the component
// down, in the same place that owns both. cmd/slave demonstrates the
// ordering (stop HTTP surface, deregister commands, then close the slave).
//
// # See Also
//
// Related packages:
//   - internal/replication: registers the failover commands
//   - internal/cluster: ControlRequest/ControlResponse wire envelope
package control
