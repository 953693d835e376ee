// Package container defines the contracts between the supervision core
// and the container engine. The engine itself lives behind the Instance
// interface; castellan never talks to an engine API directly.
package container

import "time"

// State is the lifecycle state of a supervised container as reported by
// the engine. Consumers must tolerate values they do not know.
type State string

const (
	StateRunning    State = "running"
	StateStopped    State = "stopped"
	StateFailed     State = "failed"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateRestarting State = "restarting"
)

// StateEvent describes one container state transition. Whatever feeds
// engine events into the process fires these on the bus as
// container_state_change; the supervisor watchdogs consume them.
type StateEvent struct {
	Name  string    `json:"name"`
	ID    string    `json:"id"`
	State State     `json:"state"`
	At    time.Time `json:"at"`
}
