package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"go.uber.org/atomic"
)

// TopologyQueryFunc issues a fresh topology read over conn.
type TopologyQueryFunc func(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error)

// IsWriterFunc probes whether conn is currently the cluster writer.
type IsWriterFunc func(ctx context.Context, conn driverx.Conn) (bool, error)

// panicRecoveryHighRefreshWindow and panicRecoveryQuietWindow are the
// spec.md §4.11 constants: after a successful panic-mode recovery the
// monitor refreshes at high frequency for 30s and ignores new forced
// refresh requests for 10s.
const (
	panicRecoveryHighRefreshWindow = 30 * time.Second
	panicRecoveryQuietWindow       = 10 * time.Second
	panicRefreshRate               = 1 * time.Second
)

// ClusterTopologyMonitor is spec.md §4.11's high-frequency topology
// monitor: a single monitoring client in Normal mode, or one
// sub-task per last-known host racing to find the writer in Panic
// mode.
type ClusterTopologyMonitor struct {
	clusterID  string
	dialer      driverx.Dialer
	connCfg     driverx.ConnConfig
	queryTopo   TopologyQueryFunc
	isWriter    IsWriterFunc
	refreshRate time.Duration
	logger      xlog.Logger

	topologyCache *cache.SlidingCache[string, *hostinfo.Topology]
	topologyTTL   time.Duration

	mu                sync.Mutex
	monitoringConn    driverx.Conn
	lastTopology      *hostinfo.Topology
	panicking         atomic.Bool
	lastPanicRecovery time.Time
	highRefreshUntil  time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewClusterTopologyMonitor builds a ClusterTopologyMonitor seeded
// with initial as the last-known topology.
func NewClusterTopologyMonitor(clusterID string, dialer driverx.Dialer, connCfg driverx.ConnConfig, queryTopo TopologyQueryFunc, isWriter IsWriterFunc, refreshRate time.Duration, topologyCache *cache.SlidingCache[string, *hostinfo.Topology], topologyTTL time.Duration, initial *hostinfo.Topology, logger xlog.Logger) *ClusterTopologyMonitor {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	m := &ClusterTopologyMonitor{
		clusterID:     clusterID,
		dialer:        dialer,
		connCfg:       connCfg,
		queryTopo:     queryTopo,
		isWriter:      isWriter,
		refreshRate:   refreshRate,
		logger:        logger,
		topologyCache: topologyCache,
		topologyTTL:   topologyTTL,
		lastTopology:  initial,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	go m.run()
	return m
}

// Close stops the monitor and any in-flight panic-mode sub-tasks, then
// closes the active monitoring client.
func (m *ClusterTopologyMonitor) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	<-m.doneCh
	m.mu.Lock()
	conn := m.monitoringConn
	m.monitoringConn = nil
	m.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (m *ClusterTopologyMonitor) run() {
	defer close(m.doneCh)
	for {
		rate := m.currentRefreshRate()
		select {
		case <-m.stopCh:
			return
		case <-time.After(rate):
		}
		if m.panicking.Load() {
			m.runPanicMode()
			continue
		}
		m.runNormalTick()
	}
}

func (m *ClusterTopologyMonitor) currentRefreshRate() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if time.Now().Before(m.highRefreshUntil) {
		return panicRefreshRate
	}
	return m.refreshRate
}

// runNormalTick is Normal mode: the single monitoring client issues
// the topology query; failure drops the monitor into Panic mode.
func (m *ClusterTopologyMonitor) runNormalTick() {
	m.mu.Lock()
	conn := m.monitoringConn
	var writer *hostinfo.HostInfo
	if m.lastTopology != nil {
		writer = m.lastTopology.Writer()
	}
	m.mu.Unlock()

	if conn == nil {
		if writer == nil {
			m.enterPanicMode()
			return
		}
		dialed, err := m.dialer.Dial(context.Background(), writer.Host(), writer.Port(), m.connCfg)
		if err != nil {
			m.logger.Printf("clustertopology: failed to open monitoring client for %s: %v", writer.Host(), err)
			m.enterPanicMode()
			return
		}
		conn = dialed
		m.mu.Lock()
		m.monitoringConn = conn
		m.mu.Unlock()
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshRate)
	defer cancel()
	topo, err := m.queryTopo(ctx, conn)
	if err != nil {
		m.logger.Printf("clustertopology: topology query failed, entering panic mode: %v", err)
		_ = conn.Close()
		m.mu.Lock()
		m.monitoringConn = nil
		m.mu.Unlock()
		m.enterPanicMode()
		return
	}
	m.publish(topo)
}

func (m *ClusterTopologyMonitor) enterPanicMode() {
	m.panicking.Store(true)
}

// runPanicMode spawns one sub-task per host in the last-known
// topology, each asking "are you the writer?"; the first to find one
// publishes it as the new monitoring client and returns to Normal
// mode.
func (m *ClusterTopologyMonitor) runPanicMode() {
	m.mu.Lock()
	topo := m.lastTopology
	m.mu.Unlock()
	if topo == nil || len(topo.Hosts) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshRate*time.Duration(len(topo.Hosts)+1))
	defer cancel()

	type found struct {
		host *hostinfo.HostInfo
		conn driverx.Conn
	}
	resultCh := make(chan found, 1)
	var wg sync.WaitGroup

	for _, h := range topo.Hosts {
		h := h
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := m.dialer.Dial(ctx, h.Host(), h.Port(), m.connCfg)
			if err != nil {
				return
			}
			isW, err := m.isWriter(ctx, conn)
			if err != nil || !isW {
				if h.Role() == hostinfo.RoleReader {
					// A reader sub-task also issues one topology
					// query through its connection and publishes it.
					if t, err := m.queryTopo(ctx, conn); err == nil {
						m.publish(t)
					}
				}
				_ = conn.Close()
				return
			}
			select {
			case resultCh <- found{host: h, conn: conn}:
			default:
				_ = conn.Close()
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	select {
	case f, ok := <-resultCh:
		cancel()
		if !ok || f.conn == nil {
			return
		}
		m.mu.Lock()
		if m.monitoringConn != nil {
			_ = m.monitoringConn.Close()
		}
		m.monitoringConn = f.conn
		m.lastPanicRecovery = time.Now()
		m.highRefreshUntil = time.Now().Add(panicRecoveryHighRefreshWindow)
		m.mu.Unlock()
		m.panicking.Store(false)
		f.host.SetRole(hostinfo.RoleWriter)
		m.logger.Printf("clustertopology: panic mode recovered writer %s", f.host.Host())
	case <-m.stopCh:
		cancel()
	}
}

func (m *ClusterTopologyMonitor) publish(topo *hostinfo.Topology) {
	m.mu.Lock()
	m.lastTopology = topo
	m.mu.Unlock()
	if m.topologyCache != nil {
		m.topologyCache.Put(m.clusterID, topo, m.topologyTTL)
	}
}

// ErrForceRefreshTimeout is returned by ForceRefresh when the
// topology-cache entry isn't replaced within the given timeout.
var ErrForceRefreshTimeout = fmt.Errorf("clustertopology: forced refresh timed out")

// ForceRefresh implements spec.md §4.11's forceMonitoringRefresh: if a
// recent panic resolution is still within its 10s quiet window, the
// cached topology is returned as-is; otherwise the monitoring client
// may be discarded to trigger re-verification, and the call waits for
// the topology cache entry to be replaced within timeout.
func (m *ClusterTopologyMonitor) ForceRefresh(ctx context.Context, verifyWriter bool, timeout time.Duration) (*hostinfo.Topology, error) {
	m.mu.Lock()
	inQuietWindow := time.Since(m.lastPanicRecovery) < panicRecoveryQuietWindow
	cached := m.lastTopology
	m.mu.Unlock()
	if inQuietWindow {
		return cached, nil
	}

	if verifyWriter {
		m.mu.Lock()
		if m.monitoringConn != nil {
			_ = m.monitoringConn.Close()
			m.monitoringConn = nil
		}
		m.mu.Unlock()
		m.enterPanicMode()
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		m.mu.Lock()
		topo := m.lastTopology
		m.mu.Unlock()
		if topo != cached {
			return topo, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
	return nil, ErrForceRefreshTimeout
}
