// Package core tracks the supervisor's own lifecycle state. Plugins,
// jobs and the API consult it to tell startup work from steady-state
// operation.
package core

import (
	"log/slog"
	"sync"

	"github.com/castellan-dev/castellan/internal/bus"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateInitialize State = "initialize"
	StateSetup      State = "setup"
	StateStartup    State = "startup"
	StateRunning    State = "running"
	StateShutdown   State = "shutdown"
	StateClose      State = "close"
)

// Core holds the lifecycle state and announces transitions on the bus.
type Core struct {
	mu    sync.RWMutex
	state State

	bus *bus.Bus
	log *slog.Logger
}

// New creates a Core in StateInitialize. b may be nil in tests.
func New(b *bus.Bus, logger *slog.Logger) *Core {
	return &Core{state: StateInitialize, bus: b, log: logger}
}

// State returns the current lifecycle state.
func (c *Core) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Set transitions to state and fires supervisor_state_change with the
// new state as payload. Setting the current state again is a no-op.
func (c *Core) Set(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = state
	c.mu.Unlock()

	c.log.Info("supervisor state change", "from", string(prev), "to", string(state))
	if c.bus != nil {
		c.bus.Fire(bus.EventSupervisorStateChange, state)
	}
}

// Running reports whether the supervisor reached steady state. The
// running job condition maps to this.
func (c *Core) Running() bool {
	return c.State() == StateRunning
}
