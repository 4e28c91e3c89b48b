// Package splitplugin implements the read-write splitting plugin named
// in spec.md §6 (`readWriteSplitting`) but not detailed in §4: it
// intercepts SetReadOnly(bool) (the "trivial SQL parsing... SET READ
// ONLY" spec.md §1 allows the wrapper to recognize without rewriting)
// and switches the plugin service's current client between a writer
// connection and a selector-chosen reader connection, lazily
// connecting and caching both so flipping back and forth never redials.
package splitplugin

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

// ErrNoReaderAvailable is returned when SetReadOnly(true) is called
// but no reader host could be selected from the current topology.
var ErrNoReaderAvailable = fmt.Errorf("splitplugin: no reader host available")

// SetReadOnlyArgs is the payload threaded through the pipeline for
// plugin.MethodSetReadOnly.
type SetReadOnlyArgs struct {
	ReadOnly bool
}

// Service is the narrow slice of PluginService this plugin needs,
// satisfied structurally by *wrapper.PluginService.
type Service interface {
	GetCurrentClient() driverx.Conn
	GetCurrentHostInfo() *hostinfo.HostInfo
	AdoptCurrentClient(client driverx.Conn, host *hostinfo.HostInfo)
	Connect(ctx context.Context, host *hostinfo.HostInfo, cfg driverx.ConnConfig) (driverx.Conn, error)
	GetHosts(ctx context.Context) ([]*hostinfo.HostInfo, error)
	GetHostInfoByStrategy(hosts []*hostinfo.HostInfo, role hostinfo.Role, strategy selector.Strategy) (*hostinfo.HostInfo, error)
}

// Plugin implements the writer/reader connection split described
// above.
type Plugin struct {
	Service  Service
	Strategy selector.Strategy
	ConnCfg  driverx.ConnConfig
	Logger   xlog.Logger

	mu         sync.Mutex
	writerConn driverx.Conn
	writerHost *hostinfo.HostInfo
	readerConn driverx.Conn
	readerHost *hostinfo.HostInfo
}

// New builds a Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(service Service, strategy selector.Strategy, cfg driverx.ConnConfig, logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{Service: service, Strategy: strategy, ConnCfg: cfg, Logger: logger}
}

func (p *Plugin) Name() string { return "readWriteSplitting" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{plugin.MethodSetReadOnly}
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	a, ok := args.(SetReadOnlyArgs)
	if !ok {
		return next(ctx, args)
	}

	var err error
	if a.ReadOnly {
		err = p.switchTo(ctx, hostinfo.RoleReader)
	} else {
		err = p.switchTo(ctx, hostinfo.RoleWriter)
	}
	if err != nil {
		return nil, err
	}
	return next(ctx, args)
}

func (p *Plugin) switchTo(ctx context.Context, role hostinfo.Role) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if cur := p.Service.GetCurrentHostInfo(); cur != nil && cur.Role() == role {
		return nil
	}
	p.rememberCurrent()

	conn, host, err := p.cachedOrDial(ctx, role)
	if err != nil {
		return err
	}
	p.Service.AdoptCurrentClient(conn, host)
	return nil
}

// rememberCurrent caches whatever the service currently has as
// current, under whichever of writerConn/readerConn slot matches its
// role, so switching back to it later never redials.
func (p *Plugin) rememberCurrent() {
	client := p.Service.GetCurrentClient()
	host := p.Service.GetCurrentHostInfo()
	if client == nil || host == nil {
		return
	}
	switch host.Role() {
	case hostinfo.RoleWriter:
		if p.writerConn == nil {
			p.writerConn, p.writerHost = client, host
		}
	case hostinfo.RoleReader:
		if p.readerConn == nil {
			p.readerConn, p.readerHost = client, host
		}
	}
}

func (p *Plugin) cachedOrDial(ctx context.Context, role hostinfo.Role) (driverx.Conn, *hostinfo.HostInfo, error) {
	if role == hostinfo.RoleWriter && p.writerConn != nil {
		return p.writerConn, p.writerHost, nil
	}
	if role == hostinfo.RoleReader && p.readerConn != nil {
		return p.readerConn, p.readerHost, nil
	}

	hosts, err := p.Service.GetHosts(ctx)
	if err != nil {
		return nil, nil, err
	}
	host, err := p.Service.GetHostInfoByStrategy(hosts, role, p.Strategy)
	if err != nil {
		return nil, nil, err
	}
	if host == nil {
		return nil, nil, ErrNoReaderAvailable
	}
	conn, err := p.Service.Connect(ctx, host, p.ConnCfg)
	if err != nil {
		return nil, nil, err
	}

	if role == hostinfo.RoleWriter {
		p.writerConn, p.writerHost = conn, host
	} else {
		p.readerConn, p.readerHost = conn, host
	}
	return conn, host, nil
}

// Close releases any cached connection that is not currently the
// plugin service's active client.
func (p *Plugin) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.Service.GetCurrentClient()
	var firstErr error
	for _, c := range []driverx.Conn{p.writerConn, p.readerConn} {
		if c == nil || c == current {
			continue
		}
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.writerConn, p.readerConn = nil, nil
	return firstErr
}
