// Package netmon tracks whether the remote side is reachable. Field devices
// move through dead zones constantly; the sync engine consults the monitor
// instead of discovering unreachability one timeout at a time.
package netmon

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Prober performs one reachability check. The gateway's health ping is the
// production implementation.
type Prober interface {
	Ping(ctx context.Context) error
}

// Monitor probes the remote side on an interval and exposes the last known
// reachability. The device starts out presumed offline until the first probe
// succeeds.
type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger

	reachable   atomic.Bool
	transitions chan struct{}
}

// New creates a Monitor.
func New(prober Prober, interval, timeout time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		prober:      prober,
		interval:    interval,
		timeout:     timeout,
		logger:      logger.With("component", "netmon"),
		transitions: make(chan struct{}, 1),
	}
}

// Reachable returns the last observed reachability.
func (m *Monitor) Reachable() bool {
	return m.reachable.Load()
}

// Transitions signals each offline-to-online transition. The channel is
// buffered; an unconsumed signal coalesces with the next one.
func (m *Monitor) Transitions() <-chan struct{} {
	return m.transitions
}

// Run probes until the context is cancelled. The first probe happens
// immediately.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("network monitor started", "interval", m.interval)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe(ctx)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("network monitor stopped")
			return
		case <-ticker.C:
			m.probe(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	err := m.prober.Ping(ctx)
	now := err == nil
	was := m.reachable.Swap(now)

	switch {
	case now && !was:
		m.logger.Info("remote side reachable")
		select {
		case m.transitions <- struct{}{}:
		default:
		}
	case !now && was:
		m.logger.Warn("remote side unreachable", "error", err)
	}
}
