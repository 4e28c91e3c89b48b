package monitor

import (
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"go.uber.org/atomic"
)

// MonitorConnectionContext is spec.md §3's MonitorConnectionContext: it
// is created when a network-bound user call begins, shared between
// that call and a background HostMonitor, and destroyed (marked
// inactive) when the call ends.
type MonitorConnectionContext struct {
	registry    *clientRegistry
	clientEpoch uint64

	active          atomic.Bool
	isHostUnhealthy atomic.Bool

	failureDetectionTime     time.Duration
	failureDetectionInterval time.Duration
	failureDetectionCount    int
}

func newMonitorConnectionContext(registry *clientRegistry, client driverx.Conn, detectionTime, detectionInterval time.Duration, detectionCount int) *MonitorConnectionContext {
	c := &MonitorConnectionContext{
		registry:                 registry,
		failureDetectionTime:     detectionTime,
		failureDetectionInterval: detectionInterval,
		failureDetectionCount:    detectionCount,
	}
	c.clientEpoch = registry.register(client)
	c.active.Store(true)
	return c
}

// IsActive reports whether the user call owning this context is still
// in flight.
func (c *MonitorConnectionContext) IsActive() bool { return c.active.Load() }

// IsHostUnhealthy reports whether the background monitor has declared
// the host unhealthy for this context.
func (c *MonitorConnectionContext) IsHostUnhealthy() bool { return c.isHostUnhealthy.Load() }

// setUnhealthy is called by the owning HostMonitor on sustained probe
// failure.
func (c *MonitorConnectionContext) setUnhealthy() { c.isHostUnhealthy.Store(true) }

// ResolveClient attempts to recover the client-to-abort through the
// weak-reference emulation described in spec.md §9: the context never
// holds the client directly, only the epoch under which it was
// registered, so a caller that deregistered in the meantime gets
// (nil, false) rather than a stale handle.
func (c *MonitorConnectionContext) ResolveClient() (driverx.Conn, bool) {
	return c.registry.resolve(c.clientEpoch)
}

// close marks the context inactive and removes its client-epoch entry,
// matching "destroyed (set inactive) when the call ends".
func (c *MonitorConnectionContext) close() {
	c.active.Store(false)
	c.registry.deregister(c.clientEpoch)
}
