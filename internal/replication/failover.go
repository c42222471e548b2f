package replication

import (
	"os/exec"
	"sync"

	"github.com/rs/zerolog"
)

// FailoverCallback is the hook interface components register with the
// Failover coordinator to be told about master connectivity changes.
// The slave controller is the primary implementor.
type FailoverCallback interface {
	// OnFailure is invoked when contact with the master is lost.
	OnFailure()
	// OnResume is invoked when a connection to the master is confirmed.
	OnResume()
}

// Failover coordinates reaction to master connectivity changes: it fans a
// connectivity event out to registered callbacks and, when configured,
// invokes an external recovery script.
//
// Callbacks are delivered synchronously and in registration order on every
// event, so a callback's state change is visible before the caller (the run
// loop) takes its next step. The recovery script, by contrast, runs
// asynchronously and only on transitions: one "down" per outage and one
// "up" per recovery, however many failed reconnect attempts happen in
// between.
type Failover struct {
	cfg    FailoverConfig
	logger zerolog.Logger

	mu        sync.Mutex
	callbacks []FailoverCallback
	down      bool // are we currently out of contact with the master
}

// NewFailover creates a coordinator with the given configuration.
func NewFailover(cfg FailoverConfig, logger zerolog.Logger) *Failover {
	return &Failover{
		cfg:    cfg,
		logger: logger.With().Str("component", "failover").Logger(),
	}
}

// AddCallback registers a connectivity hook. Callbacks must remain valid
// until the coordinator's owner is done delivering events; the slave
// registers itself at construction and outlives its own run loop, so the
// coupling is safe by construction.
func (f *Failover) AddCallback(cb FailoverCallback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks = append(f.callbacks, cb)
}

// OnFailure reports lost contact with the master. Callbacks fire on every
// call; the recovery script fires only on the first failure of an outage.
func (f *Failover) OnFailure() {
	f.mu.Lock()
	cbs := append([]FailoverCallback(nil), f.callbacks...)
	firstOfOutage := !f.down
	f.down = true
	f.mu.Unlock()

	for _, cb := range cbs {
		cb.OnFailure()
	}
	if firstOfOutage {
		f.logger.Warn().Msg("lost contact with master")
		f.runScript("down")
	}
}

// OnResume reports a confirmed connection to the master.
func (f *Failover) OnResume() {
	f.mu.Lock()
	cbs := append([]FailoverCallback(nil), f.callbacks...)
	wasDown := f.down
	f.down = false
	f.mu.Unlock()

	for _, cb := range cbs {
		cb.OnResume()
	}
	if wasDown {
		f.logger.Info().Msg("contact with master restored")
		f.runScript("up")
	}
}

// runScript launches the recovery script with the event name ("down" or
// "up") as its single argument. Failures are logged, never propagated: the
// script is an operator convenience, not part of the control path.
func (f *Failover) runScript(event string) {
	if !f.cfg.Enabled || f.cfg.Script == "" {
		return
	}
	script := f.cfg.Script
	go func() {
		if err := exec.Command(script, event).Run(); err != nil {
			f.logger.Error().Err(err).Str("script", script).Str("event", event).
				Msg("failover script failed")
		}
	}()
}
