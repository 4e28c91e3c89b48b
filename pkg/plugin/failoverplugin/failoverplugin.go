// Package failoverplugin implements spec.md §4.13: the plugin that
// turns a failed network call into a typed failover outcome instead of
// letting the raw driver error escape to the caller.
package failoverplugin

import (
	"context"
	"fmt"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/failover"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// FailoverMode mirrors wrapper.FailoverMode's three string values
// without importing pkg/wrapper (which imports this package to wire
// the plugin in); callers cast their own enum across the boundary,
// e.g. failoverplugin.FailoverMode(props.FailoverMode).
type FailoverMode string

const (
	StrictWriter   FailoverMode = "strict-writer"
	StrictReader   FailoverMode = "strict-reader"
	ReaderOrWriter FailoverMode = "reader-or-writer"
)

// FailoverSuccessError signals that the current client was swapped to
// a new healthy host; the caller may retry its statement.
type FailoverSuccessError struct{ NewHost string }

func (e *FailoverSuccessError) Error() string {
	return fmt.Sprintf("connection failed over to %s; retry the statement", e.NewHost)
}

// FailoverFailedError signals that no healthy host was found within
// the failover timeout.
type FailoverFailedError struct{ ElapsedMs int64 }

func (e *FailoverFailedError) Error() string {
	return fmt.Sprintf("failover failed after %dms", e.ElapsedMs)
}

// TransactionResolutionUnknownError signals that the connection was
// swapped while a transaction was open; the caller must decide
// durability of whatever the transaction had done so far.
type TransactionResolutionUnknownError struct{ NewHost string }

func (e *TransactionResolutionUnknownError) Error() string {
	return fmt.Sprintf("connection failed over to %s mid-transaction; outcome of the open transaction is unknown", e.NewHost)
}

// ErrStaticProviderUnsupported is returned from initHostProvider when
// the configured provider cannot refresh dynamically, per spec.md
// §4.13's "fail if the active provider is static".
var ErrStaticProviderUnsupported = fmt.Errorf("failoverplugin: static host provider cannot support cluster-aware failover")

// CallKind distinguishes the statement-shaped calls that route through
// MethodExecute, since the pipeline only dispatches by Method name.
// METHODS_REQUIRING_UPDATED_TOPOLOGY from spec.md §9's Open Question
// ("execute", "queryContext", "execContext", "beginTx") is every kind
// this package defines; in practice that means every Execute call
// qualifies, so execute below does not branch on Kind.
type CallKind string

const (
	CallQuery   CallKind = "queryContext"
	CallExec    CallKind = "execContext"
	CallBeginTx CallKind = "beginTx"
)

// ExecuteArgs is the payload threaded through the pipeline for
// MethodExecute.
type ExecuteArgs struct {
	Kind CallKind
}

// InitHostProviderArgs is the payload threaded through the pipeline
// for MethodInitHostProvider.
type InitHostProviderArgs struct {
	IsStatic bool
}

// Service is the narrow slice of PluginService this plugin needs,
// satisfied structurally by *wrapper.PluginService.
type Service interface {
	GetCurrentClient() driverx.Conn
	GetCurrentHostInfo() *hostinfo.HostInfo
	SetCurrentClient(client driverx.Conn, host *hostinfo.HostInfo)
	RefreshHostList(ctx context.Context) (*hostinfo.Topology, error)
	ForceRefreshHostList(ctx context.Context) (*hostinfo.Topology, error)
	RefreshTopologyUsing(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error)
	IsInTransaction() bool
	IsNetworkError(err error) bool
}

// Plugin implements spec.md §4.13.
type Plugin struct {
	Service Service
	Mode    FailoverMode
	Reader  *failover.ReaderHandler
	Writer  *failover.WriterHandler
	Logger  xlog.Logger
}

// New builds a Plugin. A nil logger defaults to xlog.NopLogger{}.
func New(service Service, mode FailoverMode, reader *failover.ReaderHandler, writer *failover.WriterHandler, logger xlog.Logger) *Plugin {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &Plugin{Service: service, Mode: mode, Reader: reader, Writer: writer, Logger: logger}
}

func (p *Plugin) Name() string { return "failover" }

func (p *Plugin) Subscribes() []plugin.Method {
	return []plugin.Method{
		plugin.MethodInitHostProvider,
		plugin.MethodConnect,
		plugin.MethodForceConnect,
		plugin.MethodExecute,
		plugin.MethodNotifyConnectionChanged,
		plugin.MethodNotifyHostListChanged,
	}
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	switch method {
	case plugin.MethodInitHostProvider:
		return p.initHostProvider(ctx, args, next)
	case plugin.MethodExecute:
		return p.execute(ctx, args, next)
	default:
		// connect/forceConnect/notifyConnectionChanged/notifyHostListChanged
		// pass straight through: this plugin only turns a failed
		// in-flight call into a typed failover outcome, it does not
		// itself open connections or react to topology notifications.
		return next(ctx, args)
	}
}

func (p *Plugin) initHostProvider(ctx context.Context, args any, next plugin.NextFunc) (any, error) {
	if a, ok := args.(InitHostProviderArgs); ok && a.IsStatic {
		return nil, ErrStaticProviderUnsupported
	}
	return next(ctx, args)
}

func (p *Plugin) execute(ctx context.Context, args any, next plugin.NextFunc) (any, error) {
	if _, err := p.Service.RefreshHostList(ctx); err != nil {
		p.Logger.Printf("failoverplugin: pre-call topology refresh failed: %v", err)
	}

	res, err := next(ctx, args)
	if err == nil || !p.Service.IsNetworkError(err) {
		return res, err
	}

	failedHost := p.Service.GetCurrentHostInfo()
	if client := p.Service.GetCurrentClient(); client != nil {
		_ = client.Close()
	}

	start := time.Now()
	ferr := p.failover(ctx, failedHost, start)
	if _, ok := ferr.(*FailoverFailedError); ok {
		p.Logger.Printf("failoverplugin: failover from %s failed after %dms", hostLabel(failedHost), time.Since(start).Milliseconds())
	}
	return nil, ferr
}

// failover implements spec.md §4.13's dispatch: STRICT_WRITER within a
// transaction resolves to an unknown-resolution error without even
// attempting failover, since the wrapper cannot silently abandon an
// open transaction onto a different host; otherwise the handler
// matching Mode runs, with READER_OR_WRITER outside a transaction
// trying the reader handler first.
func (p *Plugin) failover(ctx context.Context, failedHost *hostinfo.HostInfo, start time.Time) error {
	inTx := p.Service.IsInTransaction()
	if p.Mode == StrictWriter && inTx {
		return &TransactionResolutionUnknownError{}
	}

	switch p.Mode {
	case StrictReader:
		return p.failoverReader(ctx, failedHost, inTx, start)
	case StrictWriter:
		return p.failoverWriter(ctx, failedHost, inTx, start)
	default:
		if err := p.failoverReader(ctx, failedHost, inTx, start); err == nil {
			return nil
		}
		return p.failoverWriter(ctx, failedHost, inTx, start)
	}
}

func (p *Plugin) failoverReader(ctx context.Context, failedHost *hostinfo.HostInfo, inTx bool, start time.Time) error {
	topo, err := p.Service.ForceRefreshHostList(ctx)
	if err != nil || topo == nil {
		topo = &hostinfo.Topology{}
	}
	res, err := p.Reader.Failover(ctx, topo, failedHost)
	if err != nil || !res.IsConnected {
		return &FailoverFailedError{ElapsedMs: time.Since(start).Milliseconds()}
	}
	p.Service.SetCurrentClient(res.Client, res.NewHost)
	if inTx {
		return &TransactionResolutionUnknownError{NewHost: res.NewHost.Host()}
	}
	return &FailoverSuccessError{NewHost: res.NewHost.Host()}
}

func (p *Plugin) failoverWriter(ctx context.Context, failedHost *hostinfo.HostInfo, inTx bool, start time.Time) error {
	topo, err := p.Service.ForceRefreshHostList(ctx)
	if err != nil || topo == nil {
		topo = &hostinfo.Topology{}
	}
	res, err := p.Writer.Failover(ctx, topo, failedHost)
	if err != nil || !res.IsConnected {
		return &FailoverFailedError{ElapsedMs: time.Since(start).Milliseconds()}
	}
	newHost := failedHost
	if res.Topology != nil {
		if w := res.Topology.Writer(); w != nil {
			newHost = w
		}
	}
	p.Service.SetCurrentClient(res.Client, newHost)
	if inTx {
		return &TransactionResolutionUnknownError{NewHost: newHost.Host()}
	}
	return &FailoverSuccessError{NewHost: newHost.Host()}
}

func hostLabel(h *hostinfo.HostInfo) string {
	if h == nil {
		return "<unknown>"
	}
	return h.Host()
}
