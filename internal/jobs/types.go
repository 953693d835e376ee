// Package jobs wraps plugin operations in named jobs with concurrency
// policies and system precondition checks. Policy state is keyed per
// job name, so two jobs with different names never contend.
package jobs

import (
	"context"
	"time"
)

// Limit is a job's concurrency policy.
type Limit int

const (
	// LimitSingleWait serializes callers: one body at a time, later
	// callers wait for the lock.
	LimitSingleWait Limit = iota

	// LimitOnce rejects a call while another is in flight.
	LimitOnce

	// LimitThrottle silently skips calls within Period of the last run.
	LimitThrottle

	// LimitThrottleWait waits for the job lock, then silently skips if
	// the run that held the lock left us inside the throttle window.
	LimitThrottleWait

	// LimitThrottleRateLimit admits at most RateLimit calls per Period
	// and rejects the rest. Admitted calls run concurrently.
	LimitThrottleRateLimit
)

func (l Limit) String() string {
	switch l {
	case LimitSingleWait:
		return "single_wait"
	case LimitOnce:
		return "once"
	case LimitThrottle:
		return "throttle"
	case LimitThrottleWait:
		return "throttle_wait"
	case LimitThrottleRateLimit:
		return "throttle_rate_limit"
	default:
		return "unknown"
	}
}

// Condition is a named system precondition, evaluated live at call time.
type Condition string

const (
	ConditionFreeSpace         Condition = "free_space"
	ConditionHealthy           Condition = "healthy"
	ConditionInternetSystem    Condition = "internet_system"
	ConditionInternetHost      Condition = "internet_host"
	ConditionRunning           Condition = "running"
	ConditionOSAvailable       Condition = "os_available"
	ConditionOSAgent           Condition = "os_agent"
	ConditionHostNetwork       Condition = "host_network"
	ConditionSupervisorUpdated Condition = "supervisor_updated"
)

// AllConditions lists every known condition, for config validation.
func AllConditions() []Condition {
	return []Condition{
		ConditionFreeSpace,
		ConditionHealthy,
		ConditionInternetSystem,
		ConditionInternetHost,
		ConditionRunning,
		ConditionOSAvailable,
		ConditionOSAgent,
		ConditionHostNetwork,
		ConditionSupervisorUpdated,
	}
}

// Checker evaluates conditions against the live system. Implementations
// must not cache on behalf of the guard; staleness decisions belong to
// the probe, not the policy.
type Checker interface {
	Check(ctx context.Context, cond Condition) error
}

// Descriptor declares a job: its identity, policy and preconditions.
type Descriptor struct {
	Name       string
	Limit      Limit
	Conditions []Condition

	// Period is the throttle window for the throttle limits and the
	// rolling window for LimitThrottleRateLimit.
	Period time.Duration

	// RateLimit is the max admitted calls per Period. Only meaningful
	// with LimitThrottleRateLimit.
	RateLimit int
}

// Outcome classifies how a guarded call ended.
type Outcome string

const (
	OutcomeRanOK           Outcome = "ran_ok"
	OutcomeRanFailed       Outcome = "ran_failed"
	OutcomeSkippedThrottle Outcome = "skipped_throttle"
	OutcomeRejectedRunning Outcome = "rejected_running"
	OutcomeRejectedRate    Outcome = "rejected_rate_limit"
	OutcomeConditionFailed Outcome = "condition_failed"
)

// Result is reported to the Observer after every guarded call.
type Result struct {
	Job      string
	Outcome  Outcome
	Reason   string
	Started  time.Time
	Duration time.Duration
	Err      string
}

// Observer receives job results. Calls are synchronous on the job's
// goroutine; implementations that do IO should hand off internally.
type Observer interface {
	JobFinished(res Result)
}
