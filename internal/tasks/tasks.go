// Package tasks runs castellan's periodic work: connectivity refresh,
// update checks, history pruning and the watchdog sweep. Schedules are
// cron specs (including @every) from configuration.
package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/robfig/cron/v3"
)

// Task is one named periodic job.
type Task struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context)
}

// Runner owns the cron scheduler.
type Runner struct {
	cron *cron.Cron
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunner creates a stopped runner.
func NewRunner(logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(),
		log:    logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a task. Invalid schedules are configuration errors and
// surface before Start.
func (r *Runner) Add(t Task) error {
	if t.Name == "" || t.Run == nil {
		return fmt.Errorf("task needs a name and a body")
	}
	log := r.log.With(slog.String("task", t.Name))

	_, err := r.cron.AddFunc(t.Schedule, func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("periodic task panicked", "panic", rec, "stack", string(debug.Stack()))
			}
		}()
		log.Debug("periodic task running")
		t.Run(r.ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule task %s (%q): %w", t.Name, t.Schedule, err)
	}
	return nil
}

// Start begins scheduling.
func (r *Runner) Start() {
	r.cron.Start()
	r.log.Info("periodic tasks started", "entries", len(r.cron.Entries()))
}

// Stop cancels the task context and waits for running tasks.
func (r *Runner) Stop() {
	r.cancel()
	<-r.cron.Stop().Done()
}
