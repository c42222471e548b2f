// Package storage defines the abstract storage interface and provides concrete
// implementations for the key-value data a replication slave maintains,
// enabling pluggable storage backends with a consistent API.
//
// # Overview
//
// The storage package is the persistence boundary of the replication system.
// The replication core never talks to a concrete engine; it applies the
// stream it receives from the master through the Store interface, and the
// query surface reads through the same interface.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│       Replication / Queries         │
//	│      (stream applier, HTTP)         │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│          Store Interface            │
//	└─────────────────────────────────────┘
//	                 │
//	                 ▼
//	┌─────────────────────────────────────┐
//	│            MemoryStore              │
//	│   (sync.RWMutex, copy-on-access)    │
//	└─────────────────────────────────────┘
//
// # Core Interface
//
// Store: Basic key-value storage operations
//   - Get(key) - Retrieve a value by key
//   - Put(key, value) - Store or update a key-value pair
//   - Delete(key) - Remove a key-value pair
//   - Keys() - List all keys in the store
//   - Stats() - Key count and byte size
//
// # Implementations
//
// MemoryStore: In-memory storage with sync.RWMutex
//   - Fast operations, no persistence
//   - Copies values on Get and Put so callers can't alias internal state
//   - Suitable for replicas that can rebuild from the master's stream
//
// # Concurrency
//
// All Store implementations must be safe for concurrent use: the replication
// run loop applies writes from its own goroutine while HTTP query handlers
// read from request goroutines. MemoryStore uses a single RWMutex, which is
// sufficient at replica write rates (one writer, many readers).
package storage
