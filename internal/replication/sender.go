package replication

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hakiado/rethinkdb/internal/cluster"
)

// Sender is the master half of the replication stream: it accepts slave
// WebSocket attachments and fans every write out to all of them, stamping
// each op with a monotonically increasing sequence number.
//
// Delivery is best-effort per connection. A slave whose write fails is
// dropped; it is the slave's reconnect machinery that restores the link.
type Sender struct {
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*websocket.Conn]struct{}
	seq    uint64
	closed bool
}

// NewSender creates a sender with no attached slaves.
func NewSender(logger zerolog.Logger) *Sender {
	return &Sender{
		logger: logger.With().Str("component", "sender").Logger(),
		conns:  make(map[*websocket.Conn]struct{}),
	}
}

// HandleStream is the HTTP handler for StreamPath. It upgrades the request
// to a WebSocket, registers the slave, and holds the connection open until
// the slave goes away. Slaves never send application data; the read loop
// exists only to notice disconnects.
func (s *Sender) HandleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("stream upgrade failed")
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.conns[conn] = struct{}{}
	s.mu.Unlock()

	s.logger.Info().Str("slave", r.RemoteAddr).Msg("slave attached")

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	conn.Close()

	s.logger.Info().Str("slave", r.RemoteAddr).Msg("slave detached")
}

// Broadcast assigns the next sequence number to the operation and sends it
// to every attached slave, dropping connections whose write fails. Returns
// the stamped op so the caller can apply it to its own store.
func (s *Sender) Broadcast(kind cluster.OpKind, key string, value []byte) cluster.Op {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.seq++
	op := cluster.Op{Seq: s.seq, Kind: kind, Key: key, Value: value}

	// Writes happen under the lock: gorilla connections allow at most one
	// concurrent writer, and the sequence order must match the send order.
	for conn := range s.conns {
		if err := conn.WriteJSON(op); err != nil {
			s.logger.Warn().Err(err).Msg("dropping slave after failed send")
			conn.Close()
			delete(s.conns, conn)
		}
	}
	return op
}

// SlaveCount returns how many slaves are currently attached.
func (s *Sender) SlaveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// LastSeq returns the sequence number of the most recently broadcast op.
func (s *Sender) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Close detaches all slaves and refuses new attachments.
func (s *Sender) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for conn := range s.conns {
		conn.Close()
		delete(s.conns, conn)
	}
}
