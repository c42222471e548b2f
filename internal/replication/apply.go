package replication

import (
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/hakiado/rethinkdb/internal/cluster"
	"github.com/hakiado/rethinkdb/internal/storage"
)

// Applier translates replication ops into store mutations and tracks how
// far into the master's stream the slave has gotten.
//
// Sequence numbers must advance within a session; a replay or non-advancing
// sequence means the stream is corrupt and the session must be torn down
// and re-established. Gaps are legal, since a slave attaching mid-stream
// joins at whatever number the master is up to. After a reconnect the
// master restarts numbering, so the slave resets its cursor per session
// (ResetSession).
type Applier struct {
	store   storage.Store
	logger  zerolog.Logger
	lastSeq atomic.Uint64
}

// NewApplier creates an applier writing into store.
func NewApplier(store storage.Store, logger zerolog.Logger) *Applier {
	return &Applier{
		store:  store,
		logger: logger.With().Str("component", "applier").Logger(),
	}
}

// Apply executes a single replicated op against the store.
// Returns an error on unknown op kinds or out-of-order sequence numbers;
// the caller treats any error as a dead stream.
func (a *Applier) Apply(op *cluster.Op) error {
	last := a.lastSeq.Load()
	if op.Seq <= last {
		return fmt.Errorf("replication stream out of order: got seq %d after %d", op.Seq, last)
	}

	switch op.Kind {
	case cluster.OpPut:
		if err := a.store.Put(op.Key, op.Value); err != nil {
			return fmt.Errorf("apply put %q: %w", op.Key, err)
		}
	case cluster.OpDelete:
		// Deletes are idempotent: a slave attached mid-stream may see a
		// delete for a key it never received.
		if err := a.store.Delete(op.Key); err != nil {
			return fmt.Errorf("apply delete %q: %w", op.Key, err)
		}
	default:
		return fmt.Errorf("unknown replication op kind %q", op.Kind)
	}

	a.lastSeq.Store(op.Seq)
	a.logger.Debug().Uint64("seq", op.Seq).Str("kind", string(op.Kind)).
		Str("key", op.Key).Msg("applied")
	return nil
}

// LastApplied returns the sequence number of the last successfully applied
// op in the current session, 0 if none.
func (a *Applier) LastApplied() uint64 {
	return a.lastSeq.Load()
}

// ResetSession clears the sequence cursor for a fresh stream session.
func (a *Applier) ResetSession() {
	a.lastSeq.Store(0)
}
