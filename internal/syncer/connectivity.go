package syncer

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Connectivity reports whether the backend is believed reachable.
type Connectivity interface {
	Online() bool
}

type onlineListeners struct {
	mu        sync.Mutex
	listeners []func()
}

func (l *onlineListeners) add(listener func()) {
	if listener == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.listeners = append(l.listeners, listener)
}

func (l *onlineListeners) fire() {
	l.mu.Lock()
	listeners := append([]func(){}, l.listeners...)
	l.mu.Unlock()
	for _, listener := range listeners {
		listener()
	}
}

// ManualConnectivity is a connectivity signal switched by its owner.
type ManualConnectivity struct {
	online    atomic.Bool
	listeners onlineListeners
}

// NewManualConnectivity returns a signal starting in the given state.
func NewManualConnectivity(online bool) *ManualConnectivity {
	connectivity := &ManualConnectivity{}
	connectivity.online.Store(online)
	return connectivity
}

func (c *ManualConnectivity) Online() bool {
	return c.online.Load()
}

// Set switches the signal. Listeners run synchronously on an offline to online transition.
func (c *ManualConnectivity) Set(online bool) {
	if previous := c.online.Swap(online); !previous && online {
		c.listeners.fire()
	}
}

// OnOnline registers a listener for offline to online transitions.
func (c *ManualConnectivity) OnOnline(listener func()) {
	c.listeners.add(listener)
}

// Probe checks backend reachability.
type Probe func(ctx context.Context) error

// ConnectivityMonitor derives connectivity from a periodic probe.
type ConnectivityMonitor struct {
	probe     Probe
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	online    atomic.Bool
	listeners onlineListeners
}

// NewConnectivityMonitor builds a monitor that starts offline until the first probe succeeds.
func NewConnectivityMonitor(probe Probe, interval time.Duration, logger *zap.Logger) *ConnectivityMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConnectivityMonitor{
		probe:    probe,
		interval: interval,
		timeout:  interval / 2,
		logger:   logger,
	}
}

func (m *ConnectivityMonitor) Online() bool {
	return m.online.Load()
}

// OnOnline registers a listener for offline to online transitions.
func (m *ConnectivityMonitor) OnOnline(listener func()) {
	m.listeners.add(listener)
}

// Check runs the probe once and updates the state.
func (m *ConnectivityMonitor) Check(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.probe(probeCtx)
	online := err == nil
	previous := m.online.Swap(online)
	switch {
	case !previous && online:
		m.logger.Info("backend reachable")
		m.listeners.fire()
	case previous && !online:
		m.logger.Warn("backend unreachable", zap.Error(err))
	}
	return online
}

// Run probes until ctx is done.
func (m *ConnectivityMonitor) Run(ctx context.Context) {
	m.Check(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
