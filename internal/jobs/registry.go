package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Registry owns per-job-name policy state and the condition checker.
// One registry serves the whole process; supervisors create their jobs
// from it at construction time.
type Registry struct {
	mu     sync.Mutex
	states map[string]*jobState

	checker  Checker
	observer Observer
	ignore   map[Condition]bool

	log *slog.Logger
	now func() time.Time
}

// jobState is the keyed policy state behind one job name.
type jobState struct {
	sem chan struct{} // cap 1, the job lock

	mu      sync.Mutex // guards the fields below
	lastRun time.Time
	recent  []time.Time // admit times inside the rate window
}

// NewRegistry creates a registry. checker may be nil when no job uses
// conditions (tests).
func NewRegistry(checker Checker, logger *slog.Logger) *Registry {
	return &Registry{
		states:  make(map[string]*jobState),
		checker: checker,
		ignore:  make(map[Condition]bool),
		log:     logger,
		now:     time.Now,
	}
}

// SetObserver installs the result sink. Must be called before jobs run.
func (r *Registry) SetObserver(o Observer) {
	r.observer = o
}

// SetIgnoredConditions disables enforcement of the given conditions.
// Ignored conditions are still evaluated and logged when they fail.
func (r *Registry) SetIgnoredConditions(conds []Condition) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.ignore = make(map[Condition]bool, len(conds))
	for _, c := range conds {
		r.ignore[c] = true
	}
	if len(conds) > 0 {
		r.log.Warn("job condition enforcement partially disabled; system protections do not apply",
			"ignored", fmt.Sprint(conds))
	}
}

func (r *Registry) ignored(c Condition) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ignore[c]
}

// Job binds a descriptor to its keyed state. Two jobs created with the
// same name share locks and throttle windows. Descriptors are static
// wiring, so an invalid one is a programming error and panics.
func (r *Registry) Job(d Descriptor) *Job {
	if d.Name == "" {
		panic("jobs: descriptor needs a name")
	}
	switch d.Limit {
	case LimitThrottle, LimitThrottleWait, LimitThrottleRateLimit:
		if d.Period <= 0 {
			panic(fmt.Sprintf("jobs: %s needs a period for limit %s", d.Name, d.Limit))
		}
	}
	if d.Limit == LimitThrottleRateLimit && d.RateLimit <= 0 {
		panic(fmt.Sprintf("jobs: %s needs a rate limit", d.Name))
	}

	r.mu.Lock()
	st, ok := r.states[d.Name]
	if !ok {
		st = &jobState{sem: make(chan struct{}, 1)}
		r.states[d.Name] = st
	}
	r.mu.Unlock()

	return &Job{
		d:     d,
		state: st,
		reg:   r,
		log:   r.log.With(slog.String("job", d.Name)),
	}
}

// Job is a runnable handle on one named, guarded operation.
type Job struct {
	d     Descriptor
	state *jobState
	reg   *Registry
	log   *slog.Logger
}

// Name returns the job name.
func (j *Job) Name() string { return j.d.Name }

// Run executes fn under the job's policy. The gate order is fixed:
// conditions first, then the concurrency limit, then the body.
//
// Returned errors fall in three classes callers can tell apart:
// *ConditionError (a precondition blocked the call), ErrAlreadyRunning /
// ErrRateLimited (the policy rejected it), anything else (the body ran
// and failed). Throttle skips return nil.
func (j *Job) Run(ctx context.Context, fn func(context.Context) error) error {
	if err := j.checkConditions(ctx); err != nil {
		j.finish(Result{Job: j.d.Name, Outcome: OutcomeConditionFailed, Reason: err.Error()})
		return err
	}

	st := j.state
	switch j.d.Limit {
	case LimitOnce:
		select {
		case st.sem <- struct{}{}:
			defer func() { <-st.sem }()
		default:
			j.log.Debug("job rejected, already running")
			j.finish(Result{Job: j.d.Name, Outcome: OutcomeRejectedRunning})
			return fmt.Errorf("%s: %w", j.d.Name, ErrAlreadyRunning)
		}

	case LimitSingleWait:
		select {
		case st.sem <- struct{}{}:
			defer func() { <-st.sem }()
		case <-ctx.Done():
			return ctx.Err()
		}

	case LimitThrottle:
		if j.withinThrottle() {
			j.log.Debug("job skipped, inside throttle period")
			j.finish(Result{Job: j.d.Name, Outcome: OutcomeSkippedThrottle})
			return nil
		}

	case LimitThrottleWait:
		select {
		case st.sem <- struct{}{}:
			defer func() { <-st.sem }()
		case <-ctx.Done():
			return ctx.Err()
		}
		// Re-check under the lock: the run we waited for may have moved
		// the window past us.
		if j.withinThrottle() {
			j.log.Debug("job skipped after wait, inside throttle period")
			j.finish(Result{Job: j.d.Name, Outcome: OutcomeSkippedThrottle})
			return nil
		}

	case LimitThrottleRateLimit:
		if err := j.admit(); err != nil {
			j.log.Debug("job rejected, rate limit exhausted")
			j.finish(Result{Job: j.d.Name, Outcome: OutcomeRejectedRate})
			return err
		}
	}

	started := j.reg.now()
	j.markRun(started)

	err := fn(ctx)

	res := Result{Job: j.d.Name, Outcome: OutcomeRanOK, Started: started, Duration: j.reg.now().Sub(started)}
	if err != nil {
		res.Outcome = OutcomeRanFailed
		res.Err = err.Error()
	}
	j.finish(res)
	return err
}

// checkConditions evaluates the descriptor's conditions in order and
// returns the first failure as a *ConditionError. Ignored conditions
// log at Warn and never block.
func (j *Job) checkConditions(ctx context.Context) error {
	if len(j.d.Conditions) == 0 || j.reg.checker == nil {
		return nil
	}
	for _, cond := range j.d.Conditions {
		err := j.reg.checker.Check(ctx, cond)
		if err == nil {
			continue
		}
		if j.reg.ignored(cond) {
			j.log.Warn("ignoring failed job condition", "condition", string(cond), "error", err)
			continue
		}
		var ce *ConditionError
		if errors.As(err, &ce) {
			return ce
		}
		return &ConditionError{Condition: cond, Reason: err.Error()}
	}
	return nil
}

func (j *Job) withinThrottle() bool {
	st := j.state
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.lastRun.IsZero() {
		return false
	}
	return j.reg.now().Sub(st.lastRun) < j.d.Period
}

// admit applies the rate-limit window. Timestamps are pruned lazily,
// only when the list is at capacity.
func (j *Job) admit() error {
	st := j.state
	st.mu.Lock()
	defer st.mu.Unlock()

	now := j.reg.now()
	if len(st.recent) >= j.d.RateLimit {
		cutoff := now.Add(-j.d.Period)
		kept := st.recent[:0]
		for _, t := range st.recent {
			if t.After(cutoff) {
				kept = append(kept, t)
			}
		}
		st.recent = kept
		if len(st.recent) >= j.d.RateLimit {
			return fmt.Errorf("%s: %w", j.d.Name, ErrRateLimited)
		}
	}
	st.recent = append(st.recent, now)
	return nil
}

// markRun advances the throttle window. It runs before the body so a
// failing run still counts against the window.
func (j *Job) markRun(at time.Time) {
	st := j.state
	st.mu.Lock()
	st.lastRun = at
	st.mu.Unlock()
}

func (j *Job) finish(res Result) {
	if j.reg.observer != nil {
		j.reg.observer.JobFinished(res)
	}
}
