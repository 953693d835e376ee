package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/castellan-dev/castellan/internal/bus"
	"github.com/castellan-dev/castellan/internal/container"
	"github.com/castellan-dev/castellan/internal/jobs"
	"github.com/castellan-dev/castellan/internal/plugins"
)

// writeTimeout bounds one history insert. Recording must never wedge
// behind a slow disk.
const writeTimeout = 5 * time.Second

// Recorder feeds the store from the bus and from the job guard. It is
// the only writer in steady state: supervisors fire events, the
// recorder persists them.
//
// JobFinished hands off to an internal queue so the synchronous
// observer callback never does IO on a job's goroutine.
type Recorder struct {
	store *Store
	log   *slog.Logger

	listeners []*bus.Listener

	results chan jobs.Result
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder attaches listeners for container state changes and
// watchdog actions and starts the job-result writer.
func NewRecorder(store *Store, b *bus.Bus, logger *slog.Logger) *Recorder {
	r := &Recorder{
		store:   store,
		log:     logger,
		results: make(chan jobs.Result, 128),
		done:    make(chan struct{}),
	}

	r.listeners = append(r.listeners,
		b.Register(bus.EventContainerStateChange, "history_states", r.onState),
		b.Register(bus.EventWatchdogAction, "history_actions", r.onAction),
	)

	r.wg.Add(1)
	go r.drainResults()
	return r
}

// JobFinished implements jobs.Observer. Results are dropped with a
// warning when the writer cannot keep up; history is best effort.
func (r *Recorder) JobFinished(res jobs.Result) {
	select {
	case r.results <- res:
	case <-r.done:
	default:
		r.log.Warn("history writer backlogged, dropping job result", "job", res.Job)
	}
}

// Close detaches the listeners and waits for the writer to drain.
func (r *Recorder) Close() {
	for _, l := range r.listeners {
		l.Close()
	}
	close(r.done)
	r.wg.Wait()
}

func (r *Recorder) onState(ctx context.Context, msg bus.Message) {
	ev, ok := msg.Payload.(container.StateEvent)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	if err := r.store.RecordState(wctx, ev.Name, string(ev.State), ev.At); err != nil {
		r.log.Warn("cannot record state transition", "container", ev.Name, "error", err)
	}
}

func (r *Recorder) onAction(ctx context.Context, msg bus.Message) {
	a, ok := msg.Payload.(plugins.WatchdogAction)
	if !ok {
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	_, err := r.store.RecordAction(wctx, Action{
		Plugin:  a.Plugin,
		Trigger: string(a.Trigger),
		Action:  a.Action,
		Outcome: a.Outcome,
		Error:   a.Error,
	})
	if err != nil {
		r.log.Warn("cannot record watchdog action", "plugin", a.Plugin, "error", err)
	}
}

func (r *Recorder) drainResults() {
	defer r.wg.Done()
	for {
		select {
		case res := <-r.results:
			r.write(res)
		case <-r.done:
			// Drain what is already queued, then stop.
			for {
				select {
				case res := <-r.results:
					r.write(res)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(res jobs.Result) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := r.store.RecordJob(ctx, res); err != nil {
		r.log.Warn("cannot record job result", "job", res.Job, "error", err)
	}
}
