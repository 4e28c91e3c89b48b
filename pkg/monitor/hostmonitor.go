package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
)

// HostMonitor is spec.md §3/§4.12's per-host Monitor: a background
// probe task shared by every in-flight call against the same host,
// instantiated lazily and disposed once idle.
type HostMonitor struct {
	hostAddr string
	hostPort int
	dialer   driverx.Dialer
	connCfg  driverx.ConnConfig
	logger   xlog.Logger

	detectionTime     time.Duration
	detectionInterval time.Duration
	detectionCount    int

	registry *clientRegistry

	mu       sync.Mutex
	contexts map[*MonitorConnectionContext]struct{}
	probe    driverx.Conn

	// onIdle is invoked (outside mu) whenever the last active context
	// is deregistered, letting the owning Manager restart this
	// monitor's disposal-TTL clock from the moment it actually went
	// idle rather than from when it was first created.
	onIdle func()

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

func newHostMonitor(hostAddr string, hostPort int, dialer driverx.Dialer, connCfg driverx.ConnConfig, detectionTime, detectionInterval time.Duration, detectionCount int, logger xlog.Logger) *HostMonitor {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	m := &HostMonitor{
		hostAddr:          hostAddr,
		hostPort:          hostPort,
		dialer:            dialer,
		connCfg:           connCfg,
		logger:            logger,
		detectionTime:     detectionTime,
		detectionInterval: detectionInterval,
		detectionCount:    detectionCount,
		registry:          newClientRegistry(),
		contexts:          make(map[*MonitorConnectionContext]struct{}),
		stopCh:            make(chan struct{}),
		doneCh:            make(chan struct{}),
	}
	go m.run()
	return m
}

// RegisterContext creates and tracks a MonitorConnectionContext for a
// newly-started network-bound call against client.
func (m *HostMonitor) RegisterContext(client driverx.Conn) *MonitorConnectionContext {
	ctx := newMonitorConnectionContext(m.registry, client, m.detectionTime, m.detectionInterval, m.detectionCount)
	m.mu.Lock()
	m.contexts[ctx] = struct{}{}
	m.mu.Unlock()
	return ctx
}

// DeregisterContext ends ctx's lifetime, matching "destroyed... when
// the call ends". If this was the last active context, the monitor
// notifies its owner that it has gone idle.
func (m *HostMonitor) DeregisterContext(ctx *MonitorConnectionContext) {
	ctx.close()
	m.mu.Lock()
	delete(m.contexts, ctx)
	idle := len(m.contexts) == 0
	m.mu.Unlock()
	if idle && m.onIdle != nil {
		m.onIdle()
	}
}

// HasActiveContexts reports whether any call is currently being
// monitored against this host, used as the sliding cache's disposal
// predicate.
func (m *HostMonitor) HasActiveContexts() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.contexts) > 0
}

// Stop ends the monitor's probe loop and closes its maintenance
// connection. Safe to call more than once.
func (m *HostMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	m.mu.Lock()
	probe := m.probe
	m.probe = nil
	m.mu.Unlock()
	if probe != nil {
		_ = probe.Close()
	}
}

func (m *HostMonitor) run() {
	defer close(m.doneCh)

	select {
	case <-m.stopCh:
		return
	case <-time.After(m.detectionTime):
	}

	ticker := time.NewTicker(m.detectionInterval)
	defer ticker.Stop()

	consecutiveFailures := 0
	probe := func() {
		if err := m.probeOnce(); err != nil {
			consecutiveFailures++
			m.logger.Printf("monitor: probe to %s failed (%d/%d): %v", m.hostAddr, consecutiveFailures, m.detectionCount, err)
			if consecutiveFailures >= m.detectionCount {
				m.markUnhealthy()
			}
		} else {
			consecutiveFailures = 0
		}
	}

	// The first probe fires right when detectionTime elapses, not one
	// detectionInterval later, so S6-style timelines (detectionTime=1s,
	// detectionInterval=500ms, count=3) see failures at 1.0s/1.5s/2.0s
	// instead of 1.5s/2.0s/2.5s.
	probe()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			probe()
		}
	}
}

// probeOnce issues a liveness check against the monitor's private
// maintenance connection, lazily (re)dialing it if needed.
func (m *HostMonitor) probeOnce() error {
	m.mu.Lock()
	conn := m.probe
	m.mu.Unlock()

	if conn == nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.detectionInterval)
		defer cancel()
		dialed, err := m.dialer.Dial(ctx, m.hostAddr, m.hostPort, m.connCfg)
		if err != nil {
			return err
		}
		m.mu.Lock()
		m.probe = dialed
		m.mu.Unlock()
		conn = dialed
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.detectionInterval)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		m.mu.Lock()
		m.probe = nil
		m.mu.Unlock()
		return err
	}
	return nil
}

// markUnhealthy flags every active context so the racing user call
// aborts, per spec.md §4.12's monitor algorithm.
func (m *HostMonitor) markUnhealthy() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for ctx := range m.contexts {
		if ctx.IsActive() {
			ctx.setUnhealthy()
		}
	}
}
