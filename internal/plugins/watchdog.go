package plugins

import (
	"context"
	"time"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
)

// onContainerState is this plugin's watchdog. It receives every
// container_state_change fired on the bus and decides whether the
// event calls for remediation.
//
// The handler holds no state of its own: the container's current state
// is re-read from the engine at decision time, which discards bursts
// of stale events after the situation has already moved on.
func (s *Supervisor) onContainerState(ctx context.Context, msg bus.Message) {
	ev, ok := msg.Payload.(container.StateEvent)
	if !ok {
		return
	}
	if ev.Name != s.inst.Name() {
		return
	}
	if !s.watchdog.Load() {
		s.log.Debug("watchdog disabled, ignoring state event", "state", string(ev.State))
		return
	}

	current, err := s.inst.CurrentState(ctx)
	if err != nil {
		s.log.Warn("watchdog cannot read container state", "error", err)
		return
	}
	if current != ev.State {
		s.log.Debug("discarding stale state event",
			"event_state", string(ev.State), "current_state", string(current))
		return
	}

	switch ev.State {
	case container.StateUnhealthy, container.StateFailed:
		s.log.Warn("watchdog: container needs rebuild", "state", string(ev.State))
		s.remediate(ctx, ev.State, "rebuild", s.Rebuild)

	case container.StateStopped:
		s.log.Warn("watchdog: container stopped, restarting")
		if ok := s.remediate(ctx, ev.State, "start", s.Start); !ok {
			s.escalate(ctx, ev.State)
		}

	default:
		// running, healthy, restarting: nothing to fix.
	}
}

// remediate runs one guarded remediation, fires watchdog_action and
// reports whether the attempt succeeded. Guard rejections count as
// success: another remediation already has the situation in hand.
func (s *Supervisor) remediate(ctx context.Context, trigger container.State, action string, op func(context.Context) error) bool {
	s.restarts.Add(1)

	err := op(ctx)
	switch {
	case err == nil:
		s.fireAction(WatchdogAction{Plugin: s.name, Trigger: trigger, Action: action, Outcome: "ok"})
		return true

	case jobs.IsRejection(err):
		s.log.Debug("watchdog remediation not admitted", "action", action, "reason", err)
		s.fireAction(WatchdogAction{Plugin: s.name, Trigger: trigger, Action: action, Outcome: "skipped", Error: err.Error()})
		return true

	default:
		s.log.Error("watchdog remediation failed", "action", action, "error", err)
		s.fireAction(WatchdogAction{Plugin: s.name, Trigger: trigger, Action: action, Outcome: "failed", Error: err.Error()})
		s.alert(ctx, action, err)
		return false
	}
}

// escalate handles a failed start: wait out the retry delay, confirm
// the container is still stuck in the triggering state, then rebuild.
// The rebuild goes through the same guard as any direct rebuild call.
func (s *Supervisor) escalate(ctx context.Context, trigger container.State) {
	select {
	case <-time.After(s.watchdogRetry):
	case <-ctx.Done():
		return
	}

	current, err := s.inst.CurrentState(ctx)
	if err != nil {
		s.log.Warn("watchdog cannot re-read state before escalation", "error", err)
		return
	}
	if current != trigger {
		s.log.Debug("container recovered before escalation", "current_state", string(current))
		return
	}

	s.log.Warn("watchdog: start failed, escalating to rebuild")
	s.remediate(ctx, trigger, "rebuild", s.Rebuild)
}

func (s *Supervisor) fireAction(a WatchdogAction) {
	if s.bus != nil {
		s.bus.Fire(bus.EventWatchdogAction, a)
	}
}

func (s *Supervisor) alert(ctx context.Context, action string, err error) {
	if s.alerter == nil {
		return
	}
	s.alerter.Alert(ctx, "watchdog_"+s.name,
		"watchdog "+action+" for plugin "+s.name+" failed: "+err.Error())
}
