// Package staledns implements spec.md §4.14's stale-DNS correction for
// individual instance endpoints: when an instance's DNS name has
// drifted onto a different, recycled host (the identified connection
// does not match any topology member by host id), redial the member
// whose aliases still include the name we were asked to connect to.
//
// Per spec.md §9's recorded Open Question decision, this plugin never
// calls SetCurrentClient itself; it returns the freshly dialed client
// up through the pipeline and lets PluginService.Connect's caller
// adopt it, keeping SetCurrentClient the single swap-and-abort point.
package staledns

import (
	"context"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostutil"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// Service is the narrow slice of PluginService this plugin needs,
// satisfied structurally by *wrapper.PluginService.
type Service interface {
	IdentifyConnection(ctx context.Context, conn driverx.Conn) (*hostinfo.HostInfo, error)
	RefreshHostList(ctx context.Context) (*hostinfo.Topology, error)
}

// Plugin implements the stale-DNS correction described above.
type Plugin struct {
	Service Service
	Dialer  driverx.Dialer
	Logger  xlog.Logger
}

// New builds a Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(service Service, dialer driverx.Dialer, logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{Service: service, Dialer: dialer, Logger: logger}
}

func (p *Plugin) Name() string { return "staleDns" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{plugin.MethodConnect}
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	ca, ok := args.(plugin.ConnectArgs)
	if !ok || ca.Host == nil || hostutil.Classify(ca.Host.Host()) != hostutil.Instance {
		return next(ctx, args)
	}

	res, err := next(ctx, args)
	if err != nil {
		return nil, err
	}
	conn, _ := res.(driverx.Conn)
	if conn == nil {
		return res, nil
	}

	identified, ierr := p.Service.IdentifyConnection(ctx, conn)
	if ierr != nil || identified == nil {
		return conn, nil
	}

	topo, rerr := p.Service.RefreshHostList(ctx)
	if rerr != nil || topo == nil || topo.IsEmpty() {
		return conn, nil
	}
	if topo.ByHostID(identified.HostID()) != nil {
		return conn, nil
	}

	target := topo.ByAlias(ca.Host.Host())
	if target == nil {
		return conn, nil
	}

	fresh, derr := p.Dialer.Dial(ctx, target.Host(), target.Port(), ca.Config)
	if derr != nil {
		return conn, nil
	}
	_ = conn.Close()
	p.Logger.Printf("staledns: %s resolved to a stale host (id=%s); redialed to %s", ca.Host.Host(), identified.HostID(), target.Host())
	return fresh, nil
}
