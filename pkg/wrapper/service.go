package wrapper

import (
	"context"
	"strings"
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/provider"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

// PluginService is the uniform view into connection and topology state
// that every plugin is handed, per spec.md §4.6. It owns the current
// client/host pair, delegates connect/forceConnect through the
// pipeline, and fans availability updates out across aliases.
type PluginService struct {
	props    *Properties
	dialer   driverx.Dialer
	provider provider.Provider
	pipeline *plugin.Pipeline
	dialects *dialect.Manager

	selectors []selector.Selector

	mu          sync.Mutex
	client      driverx.Conn
	currentHost *hostinfo.HostInfo
	inTx        bool
}

// NewPluginService wires a PluginService from its collaborators. prov
// supplies the topology, pipeline intercepts connect/forceConnect/etc,
// selectors is the set of host selectors to delegate
// getHostInfoByStrategy/acceptsStrategy to.
func NewPluginService(props *Properties, dialer driverx.Dialer, prov provider.Provider, pipeline *plugin.Pipeline, dialects *dialect.Manager, selectors []selector.Selector) *PluginService {
	return &PluginService{
		props:     props,
		dialer:    dialer,
		provider:  prov,
		pipeline:  pipeline,
		dialects:  dialects,
		selectors: selectors,
	}
}

// GetCurrentClient returns the currently active driver connection, if
// any.
func (s *PluginService) GetCurrentClient() driverx.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

// GetCurrentHostInfo returns the HostInfo backing the current client.
func (s *PluginService) GetCurrentHostInfo() *hostinfo.HostInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentHost
}

// SetCurrentClient atomically swaps in client/host, aborting whatever
// client was previously current.
func (s *PluginService) SetCurrentClient(client driverx.Conn, host *hostinfo.HostInfo) {
	s.mu.Lock()
	old := s.client
	s.client = client
	s.currentHost = host
	s.mu.Unlock()

	if old != nil && old != client {
		_ = old.Close()
	}
}

// AdoptCurrentClient atomically swaps in client/host without closing
// whatever was previously current, for plugins (read-write splitting)
// that keep multiple live connections of their own and are
// responsible for closing them on their own schedule.
func (s *PluginService) AdoptCurrentClient(client driverx.Conn, host *hostinfo.HostInfo) {
	s.mu.Lock()
	s.client = client
	s.currentHost = host
	s.mu.Unlock()
}

// Connect opens a connection to host through the pipeline, letting any
// subscribed plugin intercept (e.g. the stale-DNS or initial-connection
// plugins rewriting the target).
func (s *PluginService) Connect(ctx context.Context, host *hostinfo.HostInfo, cfg driverx.ConnConfig) (driverx.Conn, error) {
	terminal := func(ctx context.Context, args any) (any, error) {
		target, cfg := host, cfg
		if ca, ok := args.(plugin.ConnectArgs); ok && ca.Host != nil {
			target, cfg = ca.Host, ca.Config
		}
		return s.dialer.Dial(ctx, target.Host(), target.Port(), cfg)
	}
	res, err := s.pipeline.Run(ctx, plugin.MethodConnect, host.Host(), plugin.ConnectArgs{Host: host, Config: cfg}, terminal)
	if err != nil {
		return nil, err
	}
	conn, _ := res.(driverx.Conn)
	return conn, nil
}

// ForceConnect bypasses any plugin that implements the connect
// interception and dials directly.
func (s *PluginService) ForceConnect(ctx context.Context, host *hostinfo.HostInfo, cfg driverx.ConnConfig) (driverx.Conn, error) {
	return s.dialer.Dial(ctx, host.Host(), host.Port(), cfg)
}

// GetHosts returns the hosts known from the last topology fetch,
// refreshing if none has happened yet.
func (s *PluginService) GetHosts(ctx context.Context) ([]*hostinfo.HostInfo, error) {
	topo, err := s.RefreshHostList(ctx)
	if err != nil {
		return nil, err
	}
	return topo.Hosts, nil
}

// GetAllHosts is an alias for GetHosts; kept distinct to mirror the
// plugin-service contract's separate getHosts/getAllHosts entries
// (topology providers that distinguish "connectable" vs "all known"
// hosts can diverge here later).
func (s *PluginService) GetAllHosts(ctx context.Context) ([]*hostinfo.HostInfo, error) {
	return s.GetHosts(ctx)
}

// RefreshHostList returns the cached topology if fresh, else re-fetches
// it using the current client.
func (s *PluginService) RefreshHostList(ctx context.Context) (*hostinfo.Topology, error) {
	return s.provider.Refresh(ctx, s.GetCurrentClient())
}

// ForceRefreshHostList always re-fetches the topology.
func (s *PluginService) ForceRefreshHostList(ctx context.Context) (*hostinfo.Topology, error) {
	return s.provider.ForceRefresh(ctx, s.GetCurrentClient())
}

// RefreshTopologyUsing re-queries the topology through conn directly,
// for callers (the failover handlers) that already hold a specific
// connection rather than the service's current client -- most notably
// mid-failover, before SetCurrentClient has run.
func (s *PluginService) RefreshTopologyUsing(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
	return s.provider.ForceRefresh(ctx, conn)
}

// GetHostInfoByStrategy delegates to the first selector accepting
// strategy.
func (s *PluginService) GetHostInfoByStrategy(hosts []*hostinfo.HostInfo, role hostinfo.Role, strategy selector.Strategy) (*hostinfo.HostInfo, error) {
	for _, sel := range s.selectors {
		if sel.Accepts(strategy) {
			return sel.Select(hosts, role)
		}
	}
	return nil, &UnsupportedMethodError{Method: string(strategy)}
}

// AcceptsStrategy reports whether any configured selector accepts
// strategy.
func (s *PluginService) AcceptsStrategy(strategy selector.Strategy) bool {
	for _, sel := range s.selectors {
		if sel.Accepts(strategy) {
			return true
		}
	}
	return false
}

// IsInTransaction reports whether the current client has an open
// transaction, as tracked by whatever plugin calls SetInTransaction.
func (s *PluginService) IsInTransaction() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx
}

// SetInTransaction records whether the current client has an open
// transaction.
func (s *PluginService) SetInTransaction(v bool) {
	s.mu.Lock()
	s.inTx = v
	s.mu.Unlock()
}

// FillAliases registers host's canonical host:port and, if provider
// supports IdentifyConnection, the instance id it reports, as aliases
// on host.
func (s *PluginService) FillAliases(ctx context.Context, client driverx.Conn, host *hostinfo.HostInfo) {
	if identified, err := s.provider.IdentifyConnection(ctx, client); err == nil && identified != nil {
		for _, alias := range identified.AllAliases() {
			host.AddAlias(alias)
		}
	}
}

// IdentifyConnection delegates to the provider.
func (s *PluginService) IdentifyConnection(ctx context.Context, client driverx.Conn) (*hostinfo.HostInfo, error) {
	return s.provider.IdentifyConnection(ctx, client)
}

// GetHostRole queries client's dialect for its current role.
func (s *PluginService) GetHostRole(ctx context.Context, client driverx.Conn, family dialect.Code, host string) (hostinfo.Role, error) {
	d, err := s.dialects.GetDialect(host, family)
	if err != nil {
		return hostinfo.RoleUnknown, err
	}
	return d.GetHostRole(ctx, client)
}

// IsClientValid reports whether client still looks usable.
func (s *PluginService) IsClientValid(client driverx.Conn) bool {
	return client != nil && client.IsValid()
}

// AbortTargetClient forcibly tears down client without the usual
// close handshake; here the driver's Close is the only seam available.
func (s *PluginService) AbortTargetClient(client driverx.Conn) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

// TryClosingTargetClient attempts a graceful close, swallowing errors:
// the caller is tearing down a connection it no longer needs.
func (s *PluginService) TryClosingTargetClient(client driverx.Conn) {
	if client == nil {
		return
	}
	_ = client.Close()
}

// IsNetworkError classifies err by message, matching the teacher's
// lightweight transport error classification (transport/error.go) in
// the absence of a structured driver error type to switch on.
func (s *PluginService) IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"connection refused", "connection reset", "broken pipe", "i/o timeout", "no route to host", "eof"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsLoginError reports whether err is (or wraps) a LoginError.
func (s *PluginService) IsLoginError(err error) bool {
	var le *LoginError
	return asLoginError(err, &le)
}

func asLoginError(err error, target **LoginError) bool {
	for err != nil {
		if le, ok := err.(*LoginError); ok {
			*target = le
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// UpdateAvailability sets availability on every HostInfo in hosts that
// shares any alias with one of the given aliases, fanning the update
// out per spec.md §4.6.
func (s *PluginService) UpdateAvailability(hosts []*hostinfo.HostInfo, aliases []string, avail hostinfo.Availability) {
	aliasSet := make(map[string]struct{}, len(aliases))
	for _, a := range aliases {
		aliasSet[a] = struct{}{}
	}
	for _, h := range hosts {
		for _, a := range h.AllAliases() {
			if _, ok := aliasSet[a]; ok {
				h.SetAvailability(avail)
				break
			}
		}
	}
}
