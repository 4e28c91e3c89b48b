package monitor

import (
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// EFMManager owns the process-wide, sliding-expiration pool of
// HostMonitors from spec.md §4.12: "Registers the context with the
// per-host Monitor (obtained from a sliding-expiration cache keyed by
// any of the host's aliases; monitors shared across aliases of the
// same host)."
type EFMManager struct {
	dialer       driverx.Dialer
	connCfg      driverx.ConnConfig
	logger       xlog.Logger
	disposalTime time.Duration

	monitors *cache.SlidingCache[string, *HostMonitor]
}

// NewEFMManager builds an EFMManager. dialer/connCfg describe how to
// open a monitor's private maintenance connection; connCfg's
// MonitoringOverrides (the `monitoring_`-prefixed properties) should
// already be applied by the caller, per spec.md §4.12.
func NewEFMManager(dialer driverx.Dialer, connCfg driverx.ConnConfig, disposalTime time.Duration, logger xlog.Logger) *EFMManager {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	mgr := &EFMManager{
		dialer:       dialer,
		connCfg:      connCfg,
		logger:       logger,
		disposalTime: disposalTime,
	}
	mgr.monitors = cache.New[string, *HostMonitor](time.Minute, cache.WithDisposal[string, *HostMonitor](
		func(hm *HostMonitor) bool { return !hm.HasActiveContexts() },
		func(hm *HostMonitor) { hm.Stop() },
	))
	return mgr
}

// monitorFor returns the shared HostMonitor for host, creating one
// under every current alias if none exists yet for any of them.
func (e *EFMManager) monitorFor(host *hostinfo.HostInfo, detectionTime, detectionInterval time.Duration, detectionCount int) *HostMonitor {
	aliases := host.AllAliases()

	for _, alias := range aliases {
		if hm, ok := e.monitors.Get(alias); ok {
			return hm
		}
	}

	hm := newHostMonitor(host.Host(), host.Port(), e.dialer, e.connCfg, detectionTime, detectionInterval, detectionCount, e.logger)
	hm.onIdle = func() {
		for _, alias := range aliases {
			e.monitors.Put(alias, hm, e.disposalTime)
		}
	}
	for _, alias := range aliases {
		e.monitors.Put(alias, hm, e.disposalTime)
	}
	return hm
}

// StartCall begins monitoring a network-bound call against host made
// over client, returning the shared monitor and the context to pass
// through the call and later end with EndCall.
func (e *EFMManager) StartCall(host *hostinfo.HostInfo, client driverx.Conn, detectionTime, detectionInterval time.Duration, detectionCount int) (*HostMonitor, *MonitorConnectionContext) {
	hm := e.monitorFor(host, detectionTime, detectionInterval, detectionCount)
	return hm, hm.RegisterContext(client)
}

// EndCall deregisters ctx from hm, matching the EFM plugin's "finally"
// step.
func (e *EFMManager) EndCall(hm *HostMonitor, ctx *MonitorConnectionContext) {
	hm.DeregisterContext(ctx)
}

// Close disposes every tracked monitor, used when the wrapper shuts
// down.
func (e *EFMManager) Close() {
	e.monitors.Clear()
}
