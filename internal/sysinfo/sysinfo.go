// Package sysinfo probes the host for the facts job conditions ask
// about: free disk space, connectivity, systemd unit state and the
// appliance OS marker. Probes answer live; callers that want caching
// get it from Connectivity's TTL, nothing else is memoized.
package sysinfo

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/castellan-dev/castellan/internal/jobs"
)

// hostNetworkUnit is the systemd target that signals host networking
// is up.
const hostNetworkUnit = "network-online.target"

// Options wires the probes to configuration and to the subsystems
// that own the remaining answers.
type Options struct {
	// DataDir is the filesystem checked for free space.
	DataDir string
	// FreeSpaceMinGB is the free-space floor. Zero disables the check.
	FreeSpaceMinGB float64
	// OSMarkerPath marks an appliance OS install when present.
	OSMarkerPath string
	// AgentUnit is the host agent's systemd unit name.
	AgentUnit string

	// Running reports whether the supervisor reached steady state.
	Running func() bool
	// Healthy returns nil while no plugin is flagged unhealthy.
	Healthy func() error
	// SupervisorUpdated reports whether the supervisor runs the latest
	// published version.
	SupervisorUpdated func() bool
}

// Conditions implements jobs.Checker over the host probes.
type Conditions struct {
	opts Options
	conn *Connectivity
	log  *slog.Logger

	// probe seams for tests
	diskFreeFn   func(path string) (uint64, error)
	unitStateFn  func(ctx context.Context, unit string) (string, error)
	statMarkerFn func(path string) error
}

// NewConditions builds the checker. conn may be nil when no job uses
// the internet conditions.
func NewConditions(opts Options, conn *Connectivity, logger *slog.Logger) *Conditions {
	return &Conditions{
		opts:        opts,
		conn:        conn,
		log:         logger,
		diskFreeFn:  diskFree,
		unitStateFn: unitActiveState,
		statMarkerFn: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
	}
}

// Check evaluates one condition against the live system. Failures come
// back as *jobs.ConditionError carrying the reason; any other error
// means the probe itself is broken.
func (c *Conditions) Check(ctx context.Context, cond jobs.Condition) error {
	switch cond {
	case jobs.ConditionFreeSpace:
		return c.checkFreeSpace(cond)

	case jobs.ConditionInternetSystem:
		if c.conn == nil {
			return probeUnwired(cond)
		}
		if !c.conn.SystemOK(ctx) {
			return &jobs.ConditionError{Condition: cond, Reason: "system resolver cannot reach the probe host"}
		}
		return nil

	case jobs.ConditionInternetHost:
		if c.conn == nil {
			return probeUnwired(cond)
		}
		if !c.conn.HostOK(ctx) {
			return &jobs.ConditionError{Condition: cond, Reason: "direct dial to the probe address failed"}
		}
		return nil

	case jobs.ConditionRunning:
		if c.opts.Running == nil {
			return probeUnwired(cond)
		}
		if !c.opts.Running() {
			return &jobs.ConditionError{Condition: cond, Reason: "supervisor is not in running state"}
		}
		return nil

	case jobs.ConditionHealthy:
		if c.opts.Healthy == nil {
			return probeUnwired(cond)
		}
		if err := c.opts.Healthy(); err != nil {
			return &jobs.ConditionError{Condition: cond, Reason: err.Error()}
		}
		return nil

	case jobs.ConditionSupervisorUpdated:
		if c.opts.SupervisorUpdated == nil {
			return probeUnwired(cond)
		}
		if !c.opts.SupervisorUpdated() {
			return &jobs.ConditionError{Condition: cond, Reason: "supervisor update pending"}
		}
		return nil

	case jobs.ConditionOSAvailable:
		if err := c.statMarkerFn(c.opts.OSMarkerPath); err != nil {
			return &jobs.ConditionError{Condition: cond, Reason: fmt.Sprintf("OS marker %q not readable: %v", c.opts.OSMarkerPath, err)}
		}
		return nil

	case jobs.ConditionOSAgent:
		return c.checkUnit(ctx, cond, c.opts.AgentUnit)

	case jobs.ConditionHostNetwork:
		return c.checkUnit(ctx, cond, hostNetworkUnit)

	default:
		return fmt.Errorf("unknown job condition %q", cond)
	}
}

func (c *Conditions) checkFreeSpace(cond jobs.Condition) error {
	if c.opts.FreeSpaceMinGB <= 0 {
		return nil
	}
	free, err := c.diskFreeFn(c.opts.DataDir)
	if err != nil {
		return &jobs.ConditionError{Condition: cond, Reason: fmt.Sprintf("cannot stat %q: %v", c.opts.DataDir, err)}
	}
	freeGB := float64(free) / (1 << 30)
	if freeGB < c.opts.FreeSpaceMinGB {
		return &jobs.ConditionError{
			Condition: cond,
			Reason:    fmt.Sprintf("%.1f GB free on %s, need %.1f GB", freeGB, c.opts.DataDir, c.opts.FreeSpaceMinGB),
		}
	}
	return nil
}

// checkUnit degrades to a condition failure when D-Bus or systemd is
// unavailable. A broken probe must not panic a job call.
func (c *Conditions) checkUnit(ctx context.Context, cond jobs.Condition, unit string) error {
	if unit == "" {
		return probeUnwired(cond)
	}
	state, err := c.unitStateFn(ctx, unit)
	if err != nil {
		return &jobs.ConditionError{Condition: cond, Reason: fmt.Sprintf("cannot query unit %q: %v", unit, err)}
	}
	if state != "active" {
		return &jobs.ConditionError{Condition: cond, Reason: fmt.Sprintf("unit %q is %s", unit, state)}
	}
	return nil
}

func probeUnwired(cond jobs.Condition) error {
	return &jobs.ConditionError{Condition: cond, Reason: "condition probe not wired"}
}
