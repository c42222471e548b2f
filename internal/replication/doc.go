// Package replication implements the failover-aware slave side of
// master/slave replication: it maintains a stream connection to a master,
// applies the replicated operations to a local store, and autonomously
// recovers when the master becomes unreachable.
//
// # Overview
//
// The package's center of gravity is the Slave run loop and the decisions
// around it: when to retry a lost connection, when to stop retrying, and
// how a live loop is interrupted safely from the outside (shutdown,
// administrative reset, master change).
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   Slave                      │
//	├──────────────────────────────────────────────┤
//	│  run loop (one goroutine):                   │
//	│    connect → stream → disconnect             │
//	│        │        │          │                 │
//	│        │        ▼          ▼                 │
//	│        │    Applier    backoff wait /        │
//	│        │   (→ Store)   given-up park         │
//	│        ▼                                     │
//	│    Failover ──► callbacks, recovery script   │
//	│    GiveUpTracker ──► "stop retrying?"        │
//	├──────────────────────────────────────────────┤
//	│  administrative ops: FailoverReset,          │
//	│  NewMaster (exposed as control.Commands)     │
//	└──────────────────────────────────────────────┘
//
// # Reconnect policy
//
// After a disconnect the slave waits before redialing, starting at 100ms
// and doubling per failed attempt up to a 2 minute cap. A successful
// connection resets the ladder. Separately, the GiveUpTracker watches for
// flapping: five successful reconnects inside five minutes means redialing
// is only feeding the flap, so the loop parks until failover_reset or
// new_master re-arms it.
//
// # Connectivity states
//
//	connected --disconnect--> retrying(100ms)
//	retrying(t) --wait t, fail--> retrying(min(2t, 2m))  [give up? -> given_up]
//	retrying(t) --success--> connected
//	given_up --failover_reset | new_master--> retrying(100ms)
//	any --Close--> shutting_down
//
// Queries are served only while connected.
//
// # Cancellation
//
// The loop blocks in three places: a stream read, a backoff sleep, and the
// given-up park. All three are interruptible. Close closes a done channel
// (observable from every wait, impossible to miss), administrative actions
// pulse a one-slot wake channel, and each stream session carries a context
// whose cancellation closes the underlying connection to abort a blocked
// read. Close blocks until the loop goroutine has exited, so a closed
// slave's state is never touched again.
//
// # Protocol boundary
//
// The wire is hidden behind StreamClient (connect / receive next op /
// close). The production implementation is a WebSocket carrying JSON Op
// frames; Sender is the matching master half. Every protocol error is the
// same thing to the run loop: a disconnect.
package replication
