package replication

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hakiado/rethinkdb/internal/cluster"
	"github.com/hakiado/rethinkdb/internal/storage"
)

// fakeClient is a scriptable StreamClient. A nil ops channel blocks Recv
// until the client is closed; a closed ops channel fails Recv immediately,
// simulating a master that accepts the connection and then drops it.
type fakeClient struct {
	connectErr error
	onConnect  func(addr string)
	ops        chan *cluster.Op
	closed     chan struct{}
	closeOnce  sync.Once
}

func newFakeClient(connectErr error) *fakeClient {
	return &fakeClient{
		connectErr: connectErr,
		closed:     make(chan struct{}),
	}
}

func (c *fakeClient) Connect(ctx context.Context, addr string) error {
	if c.onConnect != nil {
		c.onConnect(addr)
	}
	return c.connectErr
}

func (c *fakeClient) Recv() (*cluster.Op, error) {
	select {
	case op, ok := <-c.ops:
		if !ok {
			return nil, errors.New("stream ended")
		}
		return op, nil
	case <-c.closed:
		return nil, errors.New("connection closed")
	}
}

func (c *fakeClient) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// fakeMaster hands out one scripted client per connection attempt and
// records every dialed address.
type fakeMaster struct {
	mu       sync.Mutex
	script   func(attempt int) *fakeClient
	dialed   []string
	attempts int
}

func (m *fakeMaster) factory() StreamClient {
	m.mu.Lock()
	attempt := m.attempts
	m.attempts++
	m.mu.Unlock()

	c := m.script(attempt)
	c.onConnect = func(addr string) {
		m.mu.Lock()
		m.dialed = append(m.dialed, addr)
		m.mu.Unlock()
	}
	return c
}

func (m *fakeMaster) dialCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dialed)
}

func (m *fakeMaster) lastDialed() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.dialed) == 0 {
		return ""
	}
	return m.dialed[len(m.dialed)-1]
}

// flapping returns a client whose connection succeeds and whose stream dies
// immediately.
func flapping(int) *fakeClient {
	c := newFakeClient(nil)
	c.ops = make(chan *cluster.Op)
	close(c.ops)
	return c
}

// refused returns a client whose connection attempt fails.
func refused(int) *fakeClient {
	return newFakeClient(errors.New("connection refused"))
}

// holding returns a client whose connection succeeds and whose stream stays
// healthy but idle until the test feeds it ops or the session is torn down.
func holding(ops chan *cluster.Op) func(int) *fakeClient {
	return func(int) *fakeClient {
		c := newFakeClient(nil)
		c.ops = ops
		return c
	}
}

func testConfig() Config {
	return Config{
		MasterHost:             "master.test",
		MasterPort:             29015,
		InitialTimeout:         time.Millisecond,
		TimeoutGrowthFactor:    2,
		TimeoutCap:             8 * time.Millisecond,
		ReconnectWindow:        time.Minute,
		MaxReconnectsPerWindow: 3,
	}
}

func newTestSlave(t *testing.T, cfg Config, master *fakeMaster) *Slave {
	t.Helper()
	s := NewSlave(storage.NewMemoryStore(), cfg, FailoverConfig{}, master.factory, zerolog.Nop())
	t.Cleanup(s.Close)
	return s
}

// TestBackoffSequence verifies the timeout ladder: doubling from the
// initial value and never exceeding the cap, however many failures occur.
func TestBackoffSequence(t *testing.T) {
	s := &Slave{cfg: Config{
		InitialTimeout:      100 * time.Millisecond,
		TimeoutGrowthFactor: 2,
		TimeoutCap:          120 * time.Second,
	}.withDefaults()}
	s.timeout = s.cfg.InitialTimeout

	var got []time.Duration
	for i := 0; i < 16; i++ {
		got = append(got, s.currentTimeout())
		s.growTimeout()
	}

	assert.Equal(t, 100*time.Millisecond, got[0])
	assert.Equal(t, 200*time.Millisecond, got[1])
	assert.Equal(t, 400*time.Millisecond, got[2])
	assert.Equal(t, 800*time.Millisecond, got[3])
	for _, d := range got {
		assert.LessOrEqual(t, d, 120*time.Second)
	}
	// The ladder saturates at the cap and stays there
	assert.Equal(t, 120*time.Second, got[11])
	assert.Equal(t, 120*time.Second, got[15])
}

// TestSlaveConnectsAndApplies verifies the happy path: failed dials are
// retried, a successful connection flips the query-serving flag, resets
// the backoff timeout, and streamed ops land in the store.
func TestSlaveConnectsAndApplies(t *testing.T) {
	ops := make(chan *cluster.Op)
	master := &fakeMaster{script: func(attempt int) *fakeClient {
		if attempt < 2 {
			return refused(attempt)
		}
		return holding(ops)(attempt)
	}}

	s := newTestSlave(t, testConfig(), master)

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, time.Millisecond, "slave never connected")

	assert.True(t, s.RespondsToQueries())
	assert.GreaterOrEqual(t, master.dialCount(), 3)
	// A successful reconnect restarts the backoff ladder from the bottom
	assert.Equal(t, s.cfg.InitialTimeout, s.currentTimeout())

	ops <- &cluster.Op{Seq: 1, Kind: cluster.OpPut, Key: "user:1", Value: []byte("alice")}
	ops <- &cluster.Op{Seq: 2, Kind: cluster.OpPut, Key: "user:2", Value: []byte("bob")}
	ops <- &cluster.Op{Seq: 3, Kind: cluster.OpDelete, Key: "user:1"}

	require.Eventually(t, func() bool {
		return s.LastApplied() == 3
	}, 2*time.Second, time.Millisecond, "ops never applied")

	v, err := s.store.Get("user:2")
	require.NoError(t, err)
	assert.Equal(t, []byte("bob"), v)
	_, err = s.store.Get("user:1")
	assert.ErrorIs(t, err, storage.ErrKeyNotFound)
}

// TestSlaveGivesUpOnFlappingMaster verifies the rate-limiting safety valve:
// a master that keeps accepting and dropping connections eventually parks
// the run loop, and only an administrative reset re-arms it.
func TestSlaveGivesUpOnFlappingMaster(t *testing.T) {
	master := &fakeMaster{script: flapping}
	s := newTestSlave(t, testConfig(), master)

	require.Eventually(t, func() bool {
		return s.State() == StateGivenUp
	}, 2*time.Second, time.Millisecond, "slave never gave up")

	assert.False(t, s.RespondsToQueries())

	// Parked: no further dials while given up
	parkedAt := master.dialCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, parkedAt, master.dialCount(), "slave dialed while given up")

	// failover_reset forgives the history and forces a reconnect
	status := s.FailoverReset()
	assert.Contains(t, status, "forcing reconnection")

	require.Eventually(t, func() bool {
		return master.dialCount() > parkedAt
	}, 2*time.Second, time.Millisecond, "reset did not re-arm the loop")
	// The reset also restarts the backoff ladder
	assert.False(t, s.tracker.GiveUp())
}

// TestSlaveCloseDuringBackoffWait verifies a shutdown observed while the
// loop is sleeping out a retry exits without another connection attempt,
// and Close blocks until the loop is gone.
func TestSlaveCloseDuringBackoffWait(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTimeout = 250 * time.Millisecond
	cfg.TimeoutCap = time.Second

	master := &fakeMaster{script: refused}
	s := NewSlave(storage.NewMemoryStore(), cfg, FailoverConfig{}, master.factory, zerolog.Nop())

	require.Eventually(t, func() bool {
		return master.dialCount() == 1
	}, 2*time.Second, time.Millisecond, "first dial never happened")

	// The loop is now waiting out the 250ms backoff; Close must interrupt
	// that wait and return only after the loop has exited.
	s.Close()
	assert.Equal(t, StateShuttingDown, s.State())

	dials := master.dialCount()
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, dials, master.dialCount(), "loop dialed after Close returned")

	// Close is idempotent
	s.Close()
}

// TestSlaveCloseWhileConnected verifies shutdown aborts a Recv blocked on a
// healthy but idle stream.
func TestSlaveCloseWhileConnected(t *testing.T) {
	master := &fakeMaster{script: holding(make(chan *cluster.Op))}
	s := NewSlave(storage.NewMemoryStore(), testConfig(), FailoverConfig{}, master.factory, zerolog.Nop())

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, time.Millisecond)

	done := make(chan struct{})
	go func() {
		s.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close hung while the loop was blocked in Recv")
	}
}

// TestRunSessionObservesCloseBeforeDialing verifies the narrowest shutdown
// window: Close lands after the loop's shutdown check but before the
// session records its cancel handle, so Close cancels nothing. The session
// must notice the shutdown on its own and return without connecting,
// instead of streaming from a healthy master with no one able to stop it.
func TestRunSessionObservesCloseBeforeDialing(t *testing.T) {
	master := &fakeMaster{script: holding(make(chan *cluster.Op))}
	cfg := testConfig().withDefaults()

	s := &Slave{
		store:      storage.NewMemoryStore(),
		applier:    NewApplier(storage.NewMemoryStore(), zerolog.Nop()),
		failover:   NewFailover(FailoverConfig{}, zerolog.Nop()),
		tracker:    NewGiveUpTracker(cfg.ReconnectWindow, cfg.MaxReconnectsPerWindow),
		newClient:  master.factory,
		logger:     zerolog.Nop(),
		cfg:        cfg,
		masterAddr: cfg.MasterAddr(),
		timeout:    cfg.InitialTimeout,
		state:      StateRetrying,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}

	// Shutdown arrives before the session stores its cancel handle.
	close(s.done)

	returned := make(chan struct{})
	go func() {
		s.runSession()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(2 * time.Second):
		t.Fatal("session kept running after shutdown was signaled")
	}
	assert.Zero(t, master.dialCount(), "session dialed the master after shutdown")
}

// TestSlaveCloseWhileGivenUp verifies shutdown interrupts the given-up park.
func TestSlaveCloseWhileGivenUp(t *testing.T) {
	master := &fakeMaster{script: flapping}
	s := NewSlave(storage.NewMemoryStore(), testConfig(), FailoverConfig{}, master.factory, zerolog.Nop())

	require.Eventually(t, func() bool {
		return s.State() == StateGivenUp
	}, 2*time.Second, time.Millisecond)

	s.Close()
	assert.Equal(t, StateShuttingDown, s.State())
}

// TestNewMasterValidation verifies malformed administrative input is
// rejected with a descriptive status and zero state change.
func TestNewMasterValidation(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTimeout = time.Hour // keep the loop quietly waiting

	master := &fakeMaster{script: refused}
	s := newTestSlave(t, cfg, master)

	before := s.MasterAddr()
	require.Equal(t, "master.test:29015", before)

	cases := []struct {
		name string
		args []string
	}{
		{"too few arguments", []string{"db2.example.com"}},
		{"too many arguments", []string{"db2.example.com", "8080", "extra"}},
		{"non-numeric port", []string{"db2.example.com", "port"}},
		{"port out of range", []string{"db2.example.com", "70000"}},
		{"negative port", []string{"db2.example.com", "-1"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status := s.NewMaster(tc.args)
			assert.Contains(t, status, "malformed request")
			assert.Equal(t, before, s.MasterAddr(), "master address must not change")
		})
	}
}

// TestNewMasterRedirects verifies the success path: the active master
// address changes, backoff and give-up bookkeeping reset, the in-flight
// connection is torn down, and the loop dials the new address immediately.
func TestNewMasterRedirects(t *testing.T) {
	master := &fakeMaster{script: holding(make(chan *cluster.Op))}
	s := newTestSlave(t, testConfig(), master)

	require.Eventually(t, func() bool {
		return s.State() == StateConnected
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, "master.test:29015", master.lastDialed())

	// Escalate the timeout and poison the tracker so we can observe both reset
	s.growTimeout()
	s.growTimeout()
	for i := 0; i < 3; i++ {
		s.tracker.OnReconnect()
	}
	require.True(t, s.tracker.GiveUp())

	status := s.NewMaster([]string{"db2.example.com", "8080"})
	assert.Contains(t, status, "db2.example.com:8080")

	assert.Equal(t, "db2.example.com:8080", s.MasterAddr())
	assert.Equal(t, s.cfg.InitialTimeout, s.currentTimeout())
	assert.False(t, s.tracker.GiveUp())

	require.Eventually(t, func() bool {
		return master.lastDialed() == "db2.example.com:8080"
	}, 2*time.Second, time.Millisecond, "loop never dialed the new master")
}

// TestSlaveCommands verifies the administrative controls the slave exposes
// dispatch to the right operations.
func TestSlaveCommands(t *testing.T) {
	cfg := testConfig()
	cfg.InitialTimeout = time.Hour

	master := &fakeMaster{script: refused}
	s := newTestSlave(t, cfg, master)

	cmds := s.Commands()
	require.Len(t, cmds, 2)

	byName := map[string]func([]string) string{}
	for _, cmd := range cmds {
		assert.NotEmpty(t, cmd.Description)
		byName[cmd.Name] = cmd.Handler
	}
	require.Contains(t, byName, "failover_reset")
	require.Contains(t, byName, "new_master")

	status := byName["failover_reset"](nil)
	assert.Contains(t, status, "failover state reset")

	status = byName["new_master"]([]string{"db3.example.com", "9090"})
	assert.Contains(t, status, "db3.example.com:9090")
	assert.Equal(t, "db3.example.com:9090", s.MasterAddr())
}
