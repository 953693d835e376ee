// Package bus is the in-process event backbone of the supervisor.
// Components register handlers for typed events; producers fire events
// without blocking or waiting for handlers to run.
package bus

import (
	"context"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Event identifies a bus topic.
type Event string

const (
	// EventContainerStateChange carries a container.StateEvent payload.
	EventContainerStateChange Event = "container_state_change"
	// EventSupervisorStateChange carries a core.State payload.
	EventSupervisorStateChange Event = "supervisor_state_change"
	// EventConnectivityChange carries a sysinfo.ConnectivityState payload.
	EventConnectivityChange Event = "connectivity_change"
	// EventHealthChange carries a plugins.HealthChange payload.
	EventHealthChange Event = "health_change"
	// EventWatchdogAction carries a plugins.WatchdogAction payload.
	EventWatchdogAction Event = "watchdog_action"
	// EventUpdateAvailable carries an updater.Available payload.
	EventUpdateAvailable Event = "update_available"
	// EventConfigReloaded signals that the runtime configuration changed.
	EventConfigReloaded Event = "config_reloaded"
)

// DefaultQueueSize is the per-listener message buffer. A listener that
// falls further behind than this loses its oldest pending messages.
const DefaultQueueSize = 64

// Message is what a handler receives.
type Message struct {
	Event   Event
	At      time.Time
	Payload any
}

// Handler processes one message. Handlers for a given listener run
// sequentially, in fire order. The context is canceled when the bus
// shuts down.
type Handler func(ctx context.Context, msg Message)

// Listener is a registration handle. Close detaches it; pending
// messages are dropped, an in-flight handler call finishes first.
type Listener struct {
	name  string
	event Event
	fn    Handler

	queue chan Message
	done  chan struct{}

	bus  *Bus
	once sync.Once
}

// Bus fans events out to registered listeners. Fire never blocks the
// caller; each listener drains its own queue on its own goroutine.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Event][]*Listener
	closed    bool

	queueSize int
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bus. Close must be called to release listener goroutines.
func New(logger *slog.Logger) *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bus{
		listeners: make(map[Event][]*Listener),
		queueSize: DefaultQueueSize,
		log:       logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Register attaches fn to event. The name shows up in logs and must be
// stable; it does not need to be unique.
func (b *Bus) Register(event Event, name string, fn Handler) *Listener {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		b.log.Warn("register on closed bus ignored", "listener", name, "event", string(event))
		return &Listener{name: name, event: event}
	}

	l := &Listener{
		name:  name,
		event: event,
		fn:    fn,
		queue: make(chan Message, b.queueSize),
		done:  make(chan struct{}),
		bus:   b,
	}
	b.listeners[event] = append(b.listeners[event], l)

	b.wg.Add(1)
	go l.run(b.ctx)

	return l
}

// Fire delivers payload to every listener registered for event. It
// returns immediately; handlers run asynchronously. Messages to a
// saturated listener displace its oldest pending message.
func (b *Bus) Fire(event Event, payload any) {
	msg := Message{Event: event, At: time.Now().UTC(), Payload: payload}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		b.log.Warn("fire on closed bus ignored", "event", string(event))
		return
	}
	targets := make([]*Listener, len(b.listeners[event]))
	copy(targets, b.listeners[event])
	b.mu.RUnlock()

	for _, l := range targets {
		l.enqueue(msg)
	}
}

// Close detaches all listeners and waits for in-flight handlers.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	var all []*Listener
	for _, ls := range b.listeners {
		all = append(all, ls...)
	}
	b.listeners = make(map[Event][]*Listener)
	b.mu.Unlock()

	// Cancel first so handlers blocked on the bus context unwind.
	b.cancel()
	for _, l := range all {
		l.stop()
	}
	b.wg.Wait()
}

// Close detaches the listener from the bus.
func (l *Listener) Close() {
	if l.bus == nil {
		return
	}
	l.bus.remove(l)
	l.stop()
}

func (l *Listener) stop() {
	l.once.Do(func() {
		if l.done != nil {
			close(l.done)
		}
	})
}

func (b *Bus) remove(target *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ls := b.listeners[target.event]
	for i, l := range ls {
		if l == target {
			b.listeners[target.event] = append(ls[:i], ls[i+1:]...)
			break
		}
	}
}

func (l *Listener) enqueue(msg Message) {
	for {
		select {
		case l.queue <- msg:
			return
		default:
		}
		// Queue full: displace the oldest pending message so the newest
		// state wins, then retry. The drain below can race with the
		// listener goroutine, hence the loop.
		select {
		case dropped := <-l.queue:
			l.bus.log.Warn("listener queue full, dropping oldest message",
				"listener", l.name, "event", string(dropped.Event))
		default:
		}
	}
}

func (l *Listener) run(ctx context.Context) {
	defer l.bus.wg.Done()
	for {
		select {
		case <-l.done:
			return
		case <-ctx.Done():
			return
		case msg := <-l.queue:
			l.dispatch(ctx, msg)
		}
	}
}

// dispatch isolates handler panics so one listener cannot take down the
// firing component or its peers.
func (l *Listener) dispatch(ctx context.Context, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.bus.log.Error("event handler panicked",
				"listener", l.name,
				"event", string(msg.Event),
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	l.fn(ctx, msg)
}
