// Package efmplugin wires the enhanced-failure-monitoring design from
// spec.md §4.12 into the plugin pipeline: every network-bound call
// races against a per-host liveness probe instead of blocking on the
// driver's own (often much longer) timeout.
package efmplugin

import (
	"context"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/monitor"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// UnavailableHostError names the host this plugin gave up on after a
// sustained monitor failure, surfaced to the caller in place of
// whatever the driver call itself returned.
type UnavailableHostError struct {
	Host string
}

func (e *UnavailableHostError) Error() string { return "host " + e.Host + " is unavailable" }

// Service is the narrow slice of PluginService this plugin needs,
// satisfied structurally by *wrapper.PluginService without either
// package importing the other.
type Service interface {
	GetCurrentClient() driverx.Conn
	GetCurrentHostInfo() *hostinfo.HostInfo
	IsClientValid(client driverx.Conn) bool
	AbortTargetClient(client driverx.Conn) error
}

// unhealthyPollInterval is how often Execute polls the monitor
// context for the isHostUnhealthy flag while racing the user's call;
// it is deliberately finer-grained than the detection interval itself
// so the race loses as little time as possible once a host is flagged.
const unhealthyPollInterval = 50 * time.Millisecond

// Plugin implements spec.md §4.12's per-call monitoring wrapper.
type Plugin struct {
	Service Service
	Monitor *monitor.EFMManager

	DetectionTime     time.Duration
	DetectionInterval time.Duration
	DetectionCount    int

	Logger xlog.Logger
}

// New builds a Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(service Service, mgr *monitor.EFMManager, detectionTime, detectionInterval time.Duration, detectionCount int, logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{
		Service:           service,
		Monitor:           mgr,
		DetectionTime:     detectionTime,
		DetectionInterval: detectionInterval,
		DetectionCount:    detectionCount,
		Logger:            logger,
	}
}

func (p *Plugin) Name() string { return "efm" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{plugin.MethodExecute}
}

// Execute implements the four-step algorithm from spec.md §4.12:
// create and register a MonitorConnectionContext, race the call
// against it, and on the way out deregister, mark the host
// NOT_AVAILABLE if it was flagged unhealthy, and abort a now-invalid
// client.
func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	host := p.Service.GetCurrentHostInfo()
	client := p.Service.GetCurrentClient()
	if host == nil || client == nil {
		return next(ctx, args)
	}

	hm, mctx := p.Monitor.StartCall(host, client, p.DetectionTime, p.DetectionInterval, p.DetectionCount)
	defer p.Monitor.EndCall(hm, mctx)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type outcome struct {
		res any
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := next(execCtx, args)
		done <- outcome{res, err}
	}()

	ticker := time.NewTicker(unhealthyPollInterval)
	defer ticker.Stop()

	var result any
	var callErr error
	unhealthy := false

raceLoop:
	for {
		select {
		case o := <-done:
			result, callErr = o.res, o.err
			break raceLoop
		case <-ticker.C:
			if mctx.IsHostUnhealthy() {
				unhealthy = true
				break raceLoop
			}
		case <-ctx.Done():
			result, callErr = nil, ctx.Err()
			break raceLoop
		}
	}

	if unhealthy || mctx.IsHostUnhealthy() {
		host.SetAvailability(hostinfo.NotAvailable)
		p.Logger.Printf("efm: host %s marked unavailable after sustained probe failure", host.Host())
		if resolved, ok := mctx.ResolveClient(); ok && !p.Service.IsClientValid(resolved) {
			_ = p.Service.AbortTargetClient(resolved)
		}
		return nil, &UnavailableHostError{Host: host.Host()}
	}

	return result, callErr
}
