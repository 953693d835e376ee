package sysinfo

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/castellan-dev/castellan/internal/bus"
)

// probeTimeout bounds one lookup or dial. Connectivity answers feed
// job admission, so a hung probe must not hang a job call.
const probeTimeout = 10 * time.Second

// ConnectivityState is the payload of connectivity_change events.
type ConnectivityState struct {
	// System is true when the system resolver can resolve the probe host.
	System bool `json:"system"`
	// Host is true when a direct TCP dial of the probe address succeeds.
	Host bool `json:"host"`
}

// Connectivity answers the two internet conditions. Results are cached
// for TTL; the cron task calls Refresh so steady-state answers come
// from cache, and a stale cache self-refreshes on read.
type Connectivity struct {
	probeHost string
	probeAddr string
	ttl       time.Duration

	bus *bus.Bus
	log *slog.Logger

	mu        sync.Mutex
	known     bool
	state     ConnectivityState
	checkedAt time.Time

	// probe seams for tests
	lookupFn func(ctx context.Context, host string) error
	dialFn   func(ctx context.Context, addr string) error
	now      func() time.Time
}

// NewConnectivity builds the prober. b may be nil; then transitions
// are only logged.
func NewConnectivity(probeHost, probeAddr string, ttl time.Duration, b *bus.Bus, logger *slog.Logger) *Connectivity {
	return &Connectivity{
		probeHost: probeHost,
		probeAddr: probeAddr,
		ttl:       ttl,
		bus:       b,
		log:       logger,
		lookupFn: func(ctx context.Context, host string) error {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			_, err := net.DefaultResolver.LookupHost(ctx, host)
			return err
		},
		dialFn: func(ctx context.Context, addr string) error {
			ctx, cancel := context.WithTimeout(ctx, probeTimeout)
			defer cancel()
			var d net.Dialer
			conn, err := d.DialContext(ctx, "tcp", addr)
			if err != nil {
				return err
			}
			return conn.Close()
		},
		now: time.Now,
	}
}

// Refresh probes both paths and fires connectivity_change when either
// answer moved. The first refresh always fires.
func (c *Connectivity) Refresh(ctx context.Context) ConnectivityState {
	next := ConnectivityState{}
	if err := c.lookupFn(ctx, c.probeHost); err == nil {
		next.System = true
	} else {
		c.log.Debug("system connectivity probe failed", "host", c.probeHost, "error", err)
	}
	if err := c.dialFn(ctx, c.probeAddr); err == nil {
		next.Host = true
	} else {
		c.log.Debug("host connectivity probe failed", "addr", c.probeAddr, "error", err)
	}

	c.mu.Lock()
	changed := !c.known || next != c.state
	c.known = true
	c.state = next
	c.checkedAt = c.now()
	c.mu.Unlock()

	if changed {
		c.log.Info("connectivity changed", "system", next.System, "host", next.Host)
		if c.bus != nil {
			c.bus.Fire(bus.EventConnectivityChange, next)
		}
	}
	return next
}

// State returns the cached answers, refreshing first when the cache is
// stale or empty.
func (c *Connectivity) State(ctx context.Context) ConnectivityState {
	c.mu.Lock()
	fresh := c.known && c.now().Sub(c.checkedAt) < c.ttl
	state := c.state
	c.mu.Unlock()

	if fresh {
		return state
	}
	return c.Refresh(ctx)
}

// SystemOK reports whether the system resolver path works.
func (c *Connectivity) SystemOK(ctx context.Context) bool {
	return c.State(ctx).System
}

// HostOK reports whether the direct dial path works.
func (c *Connectivity) HostOK(ctx context.Context) bool {
	return c.State(ctx).Host
}
