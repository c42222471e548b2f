package replication

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/hakiado/rethinkdb/internal/control"
	"github.com/hakiado/rethinkdb/internal/storage"
)

// State is the slave's connectivity state.
type State string

const (
	// StateConnected: streaming from the master, serving queries.
	StateConnected State = "connected"
	// StateRetrying: disconnected, waiting out a backoff timeout before the
	// next reconnect attempt.
	StateRetrying State = "retrying"
	// StateGivenUp: too many recent reconnects; parked until an
	// administrative action re-arms the loop.
	StateGivenUp State = "given_up"
	// StateShuttingDown: terminal.
	StateShuttingDown State = "shutting_down"
)

// Slave maintains a replication link to a master and keeps a local store in
// sync with it. When the master becomes unreachable the slave recovers on
// its own: it retries with exponential backoff, gives up if the master
// flaps too often, and lets administrators reset that bookkeeping or point
// it at a different master at runtime.
//
// Concurrency model: a single run-loop goroutine owns connectivity
// transitions. The scalars it shares with administrative commands and
// failover callbacks (backoff timeout, query-serving flag, master address,
// state, current session cancel) sit behind one mutex, so cross-goroutine
// calls serialize with the loop instead of racing it. The loop's three
// blocking points (stream read, backoff sleep, given-up park) are all
// cancellable: Close closes the done channel, administrative actions pulse
// the wake channel, and an in-flight stream session has its own context.
type Slave struct {
	store   storage.Store
	applier *Applier

	failover *Failover
	tracker  *GiveUpTracker

	newClient ClientFactory
	logger    zerolog.Logger
	cfg       Config

	mu               sync.Mutex
	masterAddr       string
	timeout          time.Duration
	respondToQueries bool
	state            State
	sessionCancel    context.CancelFunc // non-nil only while a session is live

	// done is closed exactly once by Close. A closed channel cannot be
	// missed, so there is no window where the loop starts a new wait after
	// shutdown was signaled.
	done chan struct{}

	// wake carries at most one pending pulse from an administrative action,
	// interrupting a backoff sleep or a given-up park without shutting down.
	wake chan struct{}

	// loopDone is closed by the run loop on exit; Close blocks on it.
	loopDone chan struct{}

	closeOnce sync.Once
}

// NewSlave constructs a slave replicating into store from the master named
// in cfg, and starts its run loop. The loop runs until Close.
//
// newClient produces one StreamClient per connection attempt; pass
// NewWebsocketClient for the production protocol, or a fake in tests.
func NewSlave(store storage.Store, cfg Config, fcfg FailoverConfig,
	newClient ClientFactory, logger zerolog.Logger,
) *Slave {
	cfg = cfg.withDefaults()
	if newClient == nil {
		newClient = NewWebsocketClient
	}

	slaveLogger := logger.With().Str("component", "slave").Logger()
	s := &Slave{
		store:      store,
		applier:    NewApplier(store, logger),
		failover:   NewFailover(fcfg, logger),
		tracker:    NewGiveUpTracker(cfg.ReconnectWindow, cfg.MaxReconnectsPerWindow),
		newClient:  newClient,
		logger:     slaveLogger,
		cfg:        cfg,
		masterAddr: cfg.MasterAddr(),
		timeout:    cfg.InitialTimeout,
		state:      StateRetrying,
		done:       make(chan struct{}),
		wake:       make(chan struct{}, 1),
		loopDone:   make(chan struct{}),
	}

	// The slave is its own primary failover hook: connectivity events flip
	// the query-serving flag and feed the give-up tracker.
	s.failover.AddCallback(s)

	go s.run()
	return s
}

// Failover exposes the coordinator so callers can register additional
// connectivity hooks alongside the slave's own.
func (s *Slave) Failover() *Failover {
	return s.failover
}

// OnFailure implements FailoverCallback: while out of contact with the
// master, the slave stops serving queries. Retry timing is the run loop's
// business, not this callback's.
func (s *Slave) OnFailure() {
	s.mu.Lock()
	s.respondToQueries = false
	s.mu.Unlock()
}

// OnResume implements FailoverCallback: a confirmed connection turns query
// serving back on, restarts the backoff ladder from the bottom, and counts
// against the give-up budget.
func (s *Slave) OnResume() {
	s.mu.Lock()
	s.respondToQueries = true
	s.timeout = s.cfg.InitialTimeout
	s.mu.Unlock()
	s.tracker.OnReconnect()
}

// RespondsToQueries reports whether the slave is connected and serving.
func (s *Slave) RespondsToQueries() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respondToQueries
}

// State returns the slave's current connectivity state.
func (s *Slave) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MasterAddr returns the address of the master currently being replicated.
func (s *Slave) MasterAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterAddr
}

// LastApplied returns the sequence number of the last op applied in the
// current stream session.
func (s *Slave) LastApplied() uint64 {
	return s.applier.LastApplied()
}

// FailoverReset is the failover_reset administrative operation: backoff
// timeout back to its initial value, give-up history forgiven, and, if the
// slave is currently waiting or parked, an immediate reconnect attempt.
// Returns a human-readable status string.
func (s *Slave) FailoverReset() string {
	s.mu.Lock()
	s.timeout = s.cfg.InitialTimeout
	state := s.state
	s.mu.Unlock()

	s.tracker.Reset()

	if state == StateConnected {
		return "failover state reset; already connected to master"
	}
	s.pulse()
	return "failover state reset; forcing reconnection to master"
}

// NewMaster is the new_master administrative operation. args must be
// exactly [host, port] with port a valid port number; malformed input is
// rejected with a usage string and no state changes. On success the slave
// tears down any in-flight connection and immediately reconnects to the
// new address with failover bookkeeping reset.
func (s *Slave) NewMaster(args []string) string {
	if len(args) != 2 {
		return `malformed request: syntax is "new_master host port"`
	}
	host, portStr := args[0], args[1]
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return fmt.Sprintf("malformed request: %q is not a valid port (0-65535)", portStr)
	}

	addr := net.JoinHostPort(host, portStr)

	s.mu.Lock()
	s.masterAddr = addr
	s.timeout = s.cfg.InitialTimeout
	cancel := s.sessionCancel
	s.mu.Unlock()

	s.tracker.Reset()

	// Disconnect before the loop can dial the mutated address, then wake
	// any backoff or given-up wait so the reconnect happens now.
	if cancel != nil {
		cancel()
	}
	s.pulse()

	s.logger.Info().Str("master", addr).Msg("master changed by administrative action")
	return fmt.Sprintf("replicating from new master at %s", addr)
}

// Commands returns the slave's administrative controls, ready to register
// with a control.Registry. The handlers point into this slave: deregister
// them before calling Close.
func (s *Slave) Commands() []control.Command {
	return []control.Command{
		{
			Name:        "failover_reset",
			Description: "Reset the failover module to the state at startup (will force a reconnection to the master).",
			Handler: func(args []string) string {
				return s.FailoverReset()
			},
		},
		{
			Name:        "new_master",
			Description: `Set a new master for replication (the slave will disconnect and immediately reconnect to the new server). Syntax: "new_master host port"`,
			Handler:     s.NewMaster,
		},
	}
}

// Close shuts the slave down and blocks until the run loop has fully
// exited. Safe to call more than once. After Close returns, no goroutine
// of this slave touches its state again.
func (s *Slave) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		cancel := s.sessionCancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
	<-s.loopDone
}

// pulse delivers a non-blocking wake to the run loop. A pulse when no wait
// is outstanding is absorbed by the one-slot buffer and triggers at most
// one immediate retry later, which is harmless: every admin action that
// pulses also wants a prompt reconnect.
func (s *Slave) pulse() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Slave) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Slave) closing() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *Slave) currentTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

// growTimeout escalates the backoff timeout after a fully waited-out retry
// cycle, capped so a long outage never pushes waits past TimeoutCap.
func (s *Slave) growTimeout() {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.timeout * time.Duration(s.cfg.TimeoutGrowthFactor)
	if next > s.cfg.TimeoutCap {
		next = s.cfg.TimeoutCap
	}
	s.timeout = next
}

// run is the slave's operational core: connect, stream, and on disconnect
// decide whether to retry after a wait, park because the master flaps, or
// exit because we are shutting down.
func (s *Slave) run() {
	defer close(s.loopDone)

	for {
		if s.closing() {
			s.setState(StateShuttingDown)
			return
		}

		s.runSession()

		// The session is over, however far it got. Deliver the failure
		// before deciding anything else so the query-serving flag and any
		// external hooks settle first.
		s.failover.OnFailure()

		if s.closing() {
			s.setState(StateShuttingDown)
			return
		}

		if s.tracker.GiveUp() {
			s.setState(StateGivenUp)
			s.logger.Error().Str("master", s.MasterAddr()).
				Msg("master is flapping; giving up until an administrative reset")
			select {
			case <-s.done:
				s.setState(StateShuttingDown)
				return
			case <-s.wake:
				// An administrative action re-armed the loop.
				continue
			}
		}

		wait := s.currentTimeout()
		s.setState(StateRetrying)
		s.logger.Info().Dur("wait", wait).Str("master", s.MasterAddr()).
			Msg("waiting before reconnecting to master")

		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			s.setState(StateShuttingDown)
			return
		case <-s.wake:
			// Administrative cancel: retry immediately with whatever
			// timeout the action installed, no escalation.
			timer.Stop()
		case <-timer.C:
			s.growTimeout()
		}
	}
}

// runSession performs one connection attempt and, if it succeeds, streams
// ops into the store until the stream dies or the session is canceled.
// Returns with the connection torn down in every case.
func (s *Slave) runSession() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s.mu.Lock()
	s.sessionCancel = cancel
	addr := s.masterAddr
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.sessionCancel = nil
		s.mu.Unlock()
	}()

	// Close reads sessionCancel exactly once. If it ran between the loop's
	// shutdown check and the store above, it found nil and canceled nothing,
	// so this session would block in Recv with no one left to abort it.
	// Re-checking after the store closes that window: Close publishes done
	// before its read, so whenever Close missed the cancel, we see done.
	if s.closing() {
		return
	}

	client := s.newClient()
	if err := client.Connect(ctx, addr); err != nil {
		s.logger.Debug().Err(err).Str("master", addr).Msg("connect to master failed")
		return
	}

	// A canceled session (shutdown or new_master) must abort a Recv blocked
	// on a healthy but idle stream; closing the client is the only way to
	// unblock it.
	go func() {
		<-ctx.Done()
		client.Close()
	}()

	s.applier.ResetSession()
	s.failover.OnResume()
	s.setState(StateConnected)
	s.logger.Info().Str("master", addr).Msg("connected to master")

	for {
		op, err := client.Recv()
		if err != nil {
			s.logger.Warn().Err(err).Str("master", addr).Msg("replication stream lost")
			return
		}
		if err := s.applier.Apply(op); err != nil {
			s.logger.Error().Err(err).Msg("cannot apply replicated operation")
			return
		}
	}
}
