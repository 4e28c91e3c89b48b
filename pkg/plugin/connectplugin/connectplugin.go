// Package connectplugin implements spec.md §4.14's initial-connection
// strategy: when the caller dials a writer- or reader-cluster DNS
// endpoint, verify the role of whatever host actually answered and,
// if DNS handed back the wrong role, force a topology refresh and
// retry against the host that should have answered.
package connectplugin

import (
	"context"
	"fmt"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostutil"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// ErrRetryTimeout is returned once RetryTimeout elapses without
// landing on a host of the expected role.
var ErrRetryTimeout = fmt.Errorf("connectplugin: retry timeout exceeded resolving cluster endpoint")

// Service is the narrow slice of PluginService this plugin needs,
// satisfied structurally by *wrapper.PluginService.
type Service interface {
	IdentifyConnection(ctx context.Context, conn driverx.Conn) (*hostinfo.HostInfo, error)
	ForceRefreshHostList(ctx context.Context) (*hostinfo.Topology, error)
	IsLoginError(err error) bool
}

// Plugin implements spec.md §4.14's writer/reader-cluster endpoint
// resolution.
type Plugin struct {
	Service       Service
	RetryTimeout  time.Duration
	RetryInterval time.Duration
	Logger        xlog.Logger
}

// New builds a Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(service Service, retryTimeout, retryInterval time.Duration, logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{Service: service, RetryTimeout: retryTimeout, RetryInterval: retryInterval, Logger: logger}
}

func (p *Plugin) Name() string { return "initialConnection" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{plugin.MethodConnect}
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	ca, ok := args.(plugin.ConnectArgs)
	if !ok || ca.Host == nil {
		return next(ctx, args)
	}

	urlType := hostutil.Classify(ca.Host.Host())
	if !isClusterEndpoint(urlType) {
		return next(ctx, args)
	}

	deadline := time.Now().Add(p.RetryTimeout)
	host := ca.Host

	for {
		res, err := next(ctx, plugin.ConnectArgs{Host: host, Config: ca.Config})
		if err != nil {
			if p.Service.IsLoginError(err) {
				return nil, err
			}
			if !p.sleepOrTimeout(ctx, deadline) {
				return nil, err
			}
			continue
		}

		conn, _ := res.(driverx.Conn)
		if conn == nil {
			return res, nil
		}

		identified, ierr := p.Service.IdentifyConnection(ctx, conn)
		if ierr != nil || identified == nil {
			return conn, nil
		}
		if roleMatches(urlType, identified.Role()) {
			return conn, nil
		}

		p.Logger.Printf("connectplugin: %s answered as %s, expected role for %s; refreshing topology", host.Host(), identified.Role(), urlType)
		topo, rerr := p.Service.ForceRefreshHostList(ctx)
		if rerr != nil || topo == nil || topo.IsEmpty() {
			return conn, nil
		}

		target := pickTarget(urlType, topo)
		if target == nil {
			// Reader-cluster endpoint with no reader in the topology: keep
			// whatever connection we already have rather than retrying
			// forever for a host that does not exist.
			return conn, nil
		}

		_ = conn.Close()
		if !p.sleepOrTimeout(ctx, deadline) {
			return nil, ErrRetryTimeout
		}
		host = target
	}
}

// sleepOrTimeout waits RetryInterval, returning false if ctx is
// cancelled or deadline has already passed.
func (p *Plugin) sleepOrTimeout(ctx context.Context, deadline time.Time) bool {
	if time.Now().After(deadline) {
		return false
	}
	t := time.NewTimer(p.RetryInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return !time.Now().After(deadline)
	}
}

func isClusterEndpoint(t hostutil.URLType) bool {
	return t == hostutil.WriterCluster || t == hostutil.ReaderCluster || t == hostutil.GlobalWriterCluster
}

func roleMatches(t hostutil.URLType, role hostinfo.Role) bool {
	if t == hostutil.WriterCluster || t == hostutil.GlobalWriterCluster {
		return role == hostinfo.RoleWriter
	}
	return role == hostinfo.RoleReader
}

func pickTarget(t hostutil.URLType, topo *hostinfo.Topology) *hostinfo.HostInfo {
	if t == hostutil.WriterCluster || t == hostutil.GlobalWriterCluster {
		return topo.Writer()
	}
	readers := topo.Readers()
	if len(readers) == 0 {
		return nil
	}
	return readers[0]
}
