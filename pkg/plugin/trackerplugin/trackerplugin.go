// Package trackerplugin implements the Aurora connection tracker named
// in spec.md §6 (`auroraConnectionTracker`) but not detailed in §4:
// it remembers every client connection opened against a cluster so
// that, once the failover plugin reports a new writer, every other
// still-open connection to the old writer can be proactively aborted
// instead of waiting for each one to discover the failure on its own.
//
// This generalizes PluginService.UpdateAvailability's "fan an update
// out to every HostInfo sharing an alias" contract (spec.md §4.6) from
// hosts to clients.
package trackerplugin

import (
	"context"
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// entry pairs a tracked client with the host it was opened against.
type entry struct {
	client driverx.Conn
	host   *hostinfo.HostInfo
}

// Plugin tracks every connection opened through it, keyed by the host
// alias they were dialed against, and invalidates them on writer
// change notification.
type Plugin struct {
	Logger xlog.Logger

	mu      sync.Mutex
	byAlias map[string][]*entry
}

// New builds an empty Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{Logger: logger, byAlias: make(map[string][]*entry)}
}

func (p *Plugin) Name() string { return "auroraConnectionTracker" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{plugin.MethodConnect, plugin.MethodForceConnect, plugin.MethodNotifyConnectionChanged}
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	switch method {
	case plugin.MethodConnect, plugin.MethodForceConnect:
		return p.trackConnect(ctx, args, next)
	case plugin.MethodNotifyConnectionChanged:
		return p.invalidateOldWriter(ctx, args, next)
	default:
		return next(ctx, args)
	}
}

func (p *Plugin) trackConnect(ctx context.Context, args any, next plugin.NextFunc) (any, error) {
	res, err := next(ctx, args)
	if err != nil {
		return res, err
	}
	conn, _ := res.(driverx.Conn)
	ca, ok := args.(plugin.ConnectArgs)
	if conn == nil || !ok || ca.Host == nil {
		return res, err
	}

	p.mu.Lock()
	for _, alias := range ca.Host.AllAliases() {
		p.byAlias[alias] = append(p.byAlias[alias], &entry{client: conn, host: ca.Host})
	}
	p.mu.Unlock()
	return res, err
}

// NotifyConnectionChangedArgs carries the host whose connections
// should be invalidated (typically the old writer, once a new one is
// elected).
type NotifyConnectionChangedArgs struct {
	InvalidatedAliases []string
}

func (p *Plugin) invalidateOldWriter(ctx context.Context, args any, next plugin.NextFunc) (any, error) {
	nca, ok := args.(NotifyConnectionChangedArgs)
	if !ok {
		return next(ctx, args)
	}

	p.mu.Lock()
	var toClose []*entry
	for _, alias := range nca.InvalidatedAliases {
		toClose = append(toClose, p.byAlias[alias]...)
		delete(p.byAlias, alias)
	}
	p.mu.Unlock()

	seen := make(map[driverx.Conn]bool, len(toClose))
	for _, e := range toClose {
		if seen[e.client] {
			continue
		}
		seen[e.client] = true
		if err := e.client.Close(); err != nil {
			p.Logger.Printf("trackerplugin: error aborting stale connection to %s: %v", e.host.Host(), err)
		}
	}
	return next(ctx, args)
}

// OpenConnectionCount reports how many distinct tracked clients remain
// open against alias, used by tests and diagnostics.
func (p *Plugin) OpenConnectionCount(alias string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[driverx.Conn]bool, len(p.byAlias[alias]))
	for _, e := range p.byAlias[alias] {
		seen[e.client] = true
	}
	return len(seen)
}
