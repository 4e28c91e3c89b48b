// Package provider implements spec.md §4.3's two host-list providers:
// a static ConnectionString provider and a live RDS provider backed by
// a process-wide, TTL'd topology cache, mirroring the teacher's
// session.go pattern of a small config-validating constructor plus a
// thin wrapper type around a shared transport/cluster resource.
package provider

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostutil"
)

var (
	// ErrEmptyHostList is returned when parsing the initial URL yields
	// no hosts, per spec.md §4.3's "empty parsed host list -> fatal".
	ErrEmptyHostList = fmt.Errorf("provider: parsed host list is empty")
	// ErrNoClusterID is returned by RDSProvider.Refresh when no
	// clusterId could be derived, per "Missing clusterId at refresh ->
	// fatal".
	ErrNoClusterID = fmt.Errorf("provider: missing cluster id")
	// ErrInvalidHostPattern is returned when a cluster-instance-host
	// pattern fails validation.
	ErrInvalidHostPattern = fmt.Errorf("provider: invalid cluster instance host pattern")
)

// topologyCacheTTL is the "process-wide topology cache (TTL ~5 min)"
// from spec.md §4.3.
const topologyCacheTTL = 5 * time.Minute

// Provider is the host-list provider interface (spec.md §4.3):
// Refresh, ForceRefresh, IdentifyConnection and ClusterID. It has no
// host-role method; PluginService.GetHostRole asks the dialect for a
// client's role instead.
type Provider interface {
	Refresh(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error)
	ForceRefresh(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error)
	IdentifyConnection(ctx context.Context, conn driverx.Conn) (*hostinfo.HostInfo, error)
	ClusterID() string
}

// ParseHostPort splits a "host" or "host:port" string, returning
// defaultPort when no port is present.
func ParseHostPort(s string, defaultPort int) (string, int) {
	if i := strings.LastIndex(s, ":"); i >= 0 {
		host := s[:i]
		var port int
		if _, err := fmt.Sscanf(s[i+1:], "%d", &port); err == nil && port > 0 {
			return host, port
		}
	}
	return s, defaultPort
}

// ConnectionStringProvider is the static implementation from spec.md
// §4.3: it parses the initial host list once and never refreshes it.
type ConnectionStringProvider struct {
	clusterID string
	hosts     []*hostinfo.HostInfo
}

// NewConnectionStringProvider parses rawHosts (comma-separated
// "host[:port]" entries) into a static topology. defaultPort fills in
// any entry with no explicit port.
func NewConnectionStringProvider(clusterID string, rawHosts []string, defaultPort int) (*ConnectionStringProvider, error) {
	var hosts []*hostinfo.HostInfo
	for i, raw := range rawHosts {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		host, port := ParseHostPort(raw, defaultPort)
		role := hostinfo.RoleReader
		if i == 0 {
			role = hostinfo.RoleWriter
		}
		h, err := hostinfo.NewBuilder(host).WithPort(port).WithRole(role).WithAvailability(hostinfo.Available).Build()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, ErrEmptyHostList
	}
	return &ConnectionStringProvider{clusterID: clusterID, hosts: hosts}, nil
}

func (p *ConnectionStringProvider) ClusterID() string { return p.clusterID }

// Refresh is a no-op: the connection-string topology never changes.
func (p *ConnectionStringProvider) Refresh(context.Context, driverx.Conn) (*hostinfo.Topology, error) {
	return &hostinfo.Topology{ClusterID: p.clusterID, Hosts: p.hosts}, nil
}

// ForceRefresh behaves identically to Refresh for this provider.
func (p *ConnectionStringProvider) ForceRefresh(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
	return p.Refresh(ctx, conn)
}

// IdentifyConnection returns the first host of the static list (the
// writer) without inspecting conn; there is no instance-id query to
// make.
func (p *ConnectionStringProvider) IdentifyConnection(ctx context.Context, conn driverx.Conn) (*hostinfo.HostInfo, error) {
	if len(p.hosts) == 0 {
		return nil, ErrEmptyHostList
	}
	return p.hosts[0], nil
}

// RDSProvider is the live implementation from spec.md §4.3: it issues
// the dialect's topology query on demand and caches the result under
// clusterID in a process-wide, 5-minute-TTL cache shared by every
// RDSProvider instance for the same cluster.
type RDSProvider struct {
	clusterID           string
	initialHosts        []*hostinfo.HostInfo
	defaultPort         int
	defaultFamily       dialect.Code
	dialects            *dialect.Manager
	instanceHostPattern string

	cache *cache.SlidingCache[string, *hostinfo.Topology]
}

// sharedTopologyCache is process-wide, matching "stores it under a
// clusterId in the process-wide topology cache" (shared across every
// RDSProvider, not per-instance).
var sharedTopologyCache = cache.New[string, *hostinfo.Topology](time.Minute)

// NewRDSProvider builds an RDSProvider from the initial connection URL
// hosts. instanceHostPattern, if non-empty, is the
// cluster-instance-host-pattern template (must contain exactly one
// "?" and must not itself look like an RDS proxy or custom cluster
// endpoint).
func NewRDSProvider(clusterID string, rawHosts []string, defaultPort int, defaultFamily dialect.Code, dialects *dialect.Manager, instanceHostPattern string) (*RDSProvider, error) {
	if instanceHostPattern != "" {
		if err := validateHostPattern(instanceHostPattern); err != nil {
			return nil, err
		}
	}
	var hosts []*hostinfo.HostInfo
	for i, raw := range rawHosts {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		host, port := ParseHostPort(raw, defaultPort)
		role := hostinfo.RoleReader
		if i == 0 {
			role = hostinfo.RoleWriter
		}
		h, err := hostinfo.NewBuilder(host).WithPort(port).WithRole(role).WithAvailability(hostinfo.Available).Build()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, ErrEmptyHostList
	}
	return &RDSProvider{
		clusterID:           clusterID,
		initialHosts:        hosts,
		defaultPort:         defaultPort,
		defaultFamily:       defaultFamily,
		dialects:            dialects,
		instanceHostPattern: instanceHostPattern,
		cache:               sharedTopologyCache,
	}, nil
}

func validateHostPattern(pattern string) error {
	if strings.Count(pattern, "?") != 1 {
		return ErrInvalidHostPattern
	}
	kind := hostutil.Classify(strings.ReplaceAll(pattern, "?", "instance-1"))
	if kind == hostutil.Proxy || kind == hostutil.CustomCluster {
		return ErrInvalidHostPattern
	}
	return nil
}

func (p *RDSProvider) ClusterID() string { return p.clusterID }

// Refresh returns the cached topology if still fresh, else behaves
// like ForceRefresh.
func (p *RDSProvider) Refresh(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
	if p.clusterID == "" {
		return nil, ErrNoClusterID
	}
	if topo, ok := p.cache.Get(p.clusterID); ok {
		return topo, nil
	}
	return p.ForceRefresh(ctx, conn)
}

// ForceRefresh always re-queries the topology via conn's dialect and
// stores the result under ClusterID with a fresh TTL.
func (p *RDSProvider) ForceRefresh(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
	if p.clusterID == "" {
		return nil, ErrNoClusterID
	}

	d, err := p.dialects.GetDialect(p.initialHosts[0].Host(), p.defaultFamily)
	if err != nil {
		return nil, err
	}

	res, err := conn.QueryContext(ctx, d.TopologyQuery())
	if err != nil {
		return nil, fmt.Errorf("provider: topology query failed: %w", err)
	}
	rows, err := d.ParseTopologyRows(res)
	if err != nil {
		return nil, fmt.Errorf("provider: parsing topology rows: %w", err)
	}
	rows = dialect.FilterStaleRows(rows, time.Now())

	hosts := make([]*hostinfo.HostInfo, 0, len(rows))
	for _, r := range rows {
		role := hostinfo.RoleReader
		if r.IsWriter {
			role = hostinfo.RoleWriter
		}
		host := p.instanceHost(r.ServerID)
		h, err := hostinfo.NewBuilder(host).
			WithPort(p.defaultPort).
			WithRole(role).
			WithAvailability(hostinfo.Available).
			WithHostID(r.ServerID).
			Build()
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	if len(hosts) == 0 {
		return nil, ErrEmptyHostList
	}

	topo := &hostinfo.Topology{ClusterID: p.clusterID, Hosts: hosts}
	p.cache.Put(p.clusterID, topo, topologyCacheTTL)
	return topo, nil
}

func (p *RDSProvider) instanceHost(serverID string) string {
	if p.instanceHostPattern == "" {
		return serverID
	}
	return strings.Replace(p.instanceHostPattern, "?", serverID, 1)
}

// IdentifyConnection queries conn for its instance id via the dialect's
// role/identity query, then finds the matching HostInfo in the latest
// topology, forcing one refresh on miss.
func (p *RDSProvider) IdentifyConnection(ctx context.Context, conn driverx.Conn) (*hostinfo.HostInfo, error) {
	d, err := p.dialects.GetDialect(p.initialHosts[0].Host(), p.defaultFamily)
	if err != nil {
		return nil, err
	}

	res, err := conn.QueryContext(ctx, d.TopologyQuery())
	if err != nil {
		return nil, fmt.Errorf("provider: identify query failed: %w", err)
	}
	rows, err := d.ParseTopologyRows(res)
	if err != nil || len(rows) == 0 {
		return nil, fmt.Errorf("provider: could not identify connection: %w", err)
	}
	role, err := d.GetHostRole(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("provider: could not identify connection role: %w", err)
	}
	selfID := ""
	for _, r := range rows {
		if (role == hostinfo.RoleWriter) == r.IsWriter {
			selfID = r.ServerID
			break
		}
	}
	if selfID == "" {
		return nil, fmt.Errorf("provider: could not identify connection: no %s row in topology", role)
	}

	topo, ok := p.cache.Get(p.clusterID)
	if ok {
		if h := topo.ByHostID(selfID); h != nil {
			return h, nil
		}
	}
	topo, err = p.ForceRefresh(ctx, conn)
	if err != nil {
		return nil, err
	}
	if h := topo.ByHostID(selfID); h != nil {
		return h, nil
	}
	return nil, fmt.Errorf("provider: instance %q not present in refreshed topology", selfID)
}
