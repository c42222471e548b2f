package replication

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/hakiado/rethinkdb/internal/cluster"
)

// StreamPath is the HTTP path on the master where slaves attach their
// replication stream.
const StreamPath = "/replication/stream"

// StreamClient is the protocol boundary between the replication core and
// the wire. The run loop only ever connects, receives the next op, and
// closes; every protocol-level error kind (refused connection, stream
// corruption, EOF) surfaces as an error from Recv or Connect and is treated
// uniformly as a disconnect event.
type StreamClient interface {
	// Connect establishes the stream to the master at addr (host:port).
	Connect(ctx context.Context, addr string) error

	// Recv blocks until the next replicated op arrives or the stream dies.
	Recv() (*cluster.Op, error)

	// Close tears the stream down. Safe to call from another goroutine to
	// abort a blocked Recv, and safe to call when never connected.
	Close() error
}

// ClientFactory produces a fresh StreamClient per connection attempt. The
// slave takes a factory rather than a client so every retry starts from a
// clean connection object, and so tests can inject scripted fakes.
type ClientFactory func() StreamClient

// wsClient is the production StreamClient: a WebSocket carrying JSON-framed
// ops.
type wsClient struct {
	conn *websocket.Conn
}

// NewWebsocketClient returns a StreamClient speaking the master's WebSocket
// replication protocol. Use it as the ClientFactory for a production slave:
//
//	slave := NewSlave(store, cfg, fcfg, NewWebsocketClient, logger)
func NewWebsocketClient() StreamClient {
	return &wsClient{}
}

// Connect dials ws://addr/replication/stream.
func (c *wsClient) Connect(ctx context.Context, addr string) error {
	u := url.URL{Scheme: "ws", Host: addr, Path: StreamPath}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("dial master %s: %w", addr, err)
	}
	c.conn = conn
	return nil
}

// Recv blocks on the stream until an op arrives. Any read or decode error
// means the stream is dead; the caller reconnects rather than resuming.
func (c *wsClient) Recv() (*cluster.Op, error) {
	if c.conn == nil {
		return nil, errors.New("no stream connection to master")
	}
	var op cluster.Op
	if err := c.conn.ReadJSON(&op); err != nil {
		return nil, fmt.Errorf("read replication stream: %w", err)
	}
	return &op, nil
}

// Close closes the underlying connection, aborting any blocked Recv.
func (c *wsClient) Close() error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
