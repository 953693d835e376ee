package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyRunning is returned by LimitOnce jobs when a call is
	// already in flight. Callers treat it as a benign rejection, not a
	// failure of the job body.
	ErrAlreadyRunning = errors.New("job is already running")

	// ErrRateLimited is returned by LimitThrottleRateLimit jobs when
	// the window is exhausted.
	ErrRateLimited = errors.New("job rate limit exceeded")
)

// ConditionError reports which precondition blocked a job. The body
// did not run.
type ConditionError struct {
	Condition Condition
	Reason    string
}

func (e *ConditionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("job condition %s not met", e.Condition)
	}
	return fmt.Sprintf("job condition %s not met: %s", e.Condition, e.Reason)
}

// IsRejection reports whether err is a guard-level rejection or
// precondition failure rather than a failure of the job body.
func IsRejection(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAlreadyRunning) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var ce *ConditionError
	return errors.As(err, &ce)
}
