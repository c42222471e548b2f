package replication

import (
	"net"
	"strconv"
	"time"
)

const (
	// DefaultInitialTimeout is the initial wait before reconnecting to the
	// master after a failure.
	DefaultInitialTimeout = 100 * time.Millisecond

	// DefaultTimeoutGrowthFactor is how much the wait grows after every
	// failed reconnect.
	DefaultTimeoutGrowthFactor = 2

	// DefaultTimeoutCap bounds the reconnect wait no matter how many
	// attempts have failed.
	DefaultTimeoutCap = 2 * time.Minute

	// DefaultReconnectWindow and DefaultMaxReconnectsPerWindow define the
	// give-up policy: more than DefaultMaxReconnectsPerWindow successful
	// reconnects within DefaultReconnectWindow means the master is flapping
	// and the slave stops retrying until an operator intervenes.
	DefaultReconnectWindow        = 5 * time.Minute
	DefaultMaxReconnectsPerWindow = 5
)

// Config holds the replication settings a slave is constructed with.
// The master address is the only field an administrator can change at
// runtime (via the new_master command); everything else is fixed for the
// slave's lifetime.
type Config struct {
	// MasterHost and MasterPort locate the master whose stream we consume.
	MasterHost string
	MasterPort int

	// Timing knobs for the reconnect/backoff state machine.
	// Zero values take the package defaults; tests shrink them.
	InitialTimeout      time.Duration
	TimeoutGrowthFactor int
	TimeoutCap          time.Duration

	// Give-up policy knobs. Zero values take the package defaults.
	ReconnectWindow        time.Duration
	MaxReconnectsPerWindow int
}

// withDefaults returns a copy of c with zero-valued knobs replaced by the
// package defaults.
func (c Config) withDefaults() Config {
	if c.InitialTimeout <= 0 {
		c.InitialTimeout = DefaultInitialTimeout
	}
	if c.TimeoutGrowthFactor <= 0 {
		c.TimeoutGrowthFactor = DefaultTimeoutGrowthFactor
	}
	if c.TimeoutCap <= 0 {
		c.TimeoutCap = DefaultTimeoutCap
	}
	if c.ReconnectWindow <= 0 {
		c.ReconnectWindow = DefaultReconnectWindow
	}
	if c.MaxReconnectsPerWindow <= 0 {
		c.MaxReconnectsPerWindow = DefaultMaxReconnectsPerWindow
	}
	return c
}

// MasterAddr returns the master's host:port.
func (c Config) MasterAddr() string {
	return net.JoinHostPort(c.MasterHost, strconv.Itoa(c.MasterPort))
}

// FailoverConfig holds the failover settings a slave is constructed with.
type FailoverConfig struct {
	// Enabled toggles the external recovery hooks; the reconnect/backoff
	// machinery runs regardless.
	Enabled bool

	// Script is an optional executable invoked with a single argument,
	// "down" or "up", whenever the master link is lost or restored.
	// Empty means no script.
	Script string
}
