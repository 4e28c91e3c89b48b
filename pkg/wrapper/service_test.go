package wrapper

import (
	"context"
	"errors"
	"testing"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

type fakeConn struct {
	closed bool
	valid  bool
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) PingContext(context.Context) error { return nil }
func (c *fakeConn) Close() error                      { c.closed = true; return nil }
func (c *fakeConn) IsValid() bool                     { return c.valid }

type fakeDialer struct{ dialed []string }

func (d *fakeDialer) Dial(ctx context.Context, host string, port int, cfg driverx.ConnConfig) (driverx.Conn, error) {
	d.dialed = append(d.dialed, host)
	return &fakeConn{valid: true}, nil
}

type fakeProvider struct {
	topo *hostinfo.Topology
}

func (p *fakeProvider) Refresh(context.Context, driverx.Conn) (*hostinfo.Topology, error) {
	return p.topo, nil
}
func (p *fakeProvider) ForceRefresh(context.Context, driverx.Conn) (*hostinfo.Topology, error) {
	return p.topo, nil
}
func (p *fakeProvider) IdentifyConnection(context.Context, driverx.Conn) (*hostinfo.HostInfo, error) {
	return p.topo.Writer(), nil
}
func (p *fakeProvider) ClusterID() string { return "c1" }

func mustHost(t *testing.T, host string, role hostinfo.Role) *hostinfo.HostInfo {
	t.Helper()
	h, err := hostinfo.NewBuilder(host).WithRole(role).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func newTestService(t *testing.T) (*PluginService, *fakeDialer, *fakeProvider) {
	t.Helper()
	writer := mustHost(t, "writer", hostinfo.RoleWriter)
	reader := mustHost(t, "reader", hostinfo.RoleReader)
	prov := &fakeProvider{topo: &hostinfo.Topology{ClusterID: "c1", Hosts: []*hostinfo.HostInfo{writer, reader}}}
	dialer := &fakeDialer{}
	pipe := plugin.New()
	svc := NewPluginService(&Properties{}, dialer, prov, pipe, nil, []selector.Selector{selector.Random{}})
	return svc, dialer, prov
}

func TestSetCurrentClientAbortsPrevious(t *testing.T) {
	svc, _, _ := newTestService(t)
	first := &fakeConn{valid: true}
	second := &fakeConn{valid: true}

	svc.SetCurrentClient(first, mustHost(t, "h1", hostinfo.RoleWriter))
	svc.SetCurrentClient(second, mustHost(t, "h2", hostinfo.RoleWriter))

	if !first.closed {
		t.Fatal("expected previous client to be closed on swap")
	}
	if second.closed {
		t.Fatal("new client should not be closed")
	}
	if svc.GetCurrentClient() != second {
		t.Fatal("expected current client to be the new one")
	}
}

func TestConnectGoesThroughPipeline(t *testing.T) {
	svc, dialer, _ := newTestService(t)
	host := mustHost(t, "writer", hostinfo.RoleWriter)

	conn, err := svc.Connect(context.Background(), host, driverx.ConnConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if conn == nil {
		t.Fatal("expected a connection")
	}
	if len(dialer.dialed) != 1 || dialer.dialed[0] != "writer" {
		t.Fatalf("expected dialer to be called with writer, got %v", dialer.dialed)
	}
}

func TestGetHostsDelegatesToProvider(t *testing.T) {
	svc, _, _ := newTestService(t)
	hosts, err := svc.GetHosts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(hosts))
	}
}

func TestGetHostInfoByStrategyUsesAcceptingSelector(t *testing.T) {
	svc, _, _ := newTestService(t)
	hosts, err := svc.GetHosts(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	h, err := svc.GetHostInfoByStrategy(hosts, hostinfo.RoleReader, selector.RandomStrategy)
	if err != nil {
		t.Fatal(err)
	}
	if h.Host() != "reader" {
		t.Fatalf("expected reader host, got %s", h.Host())
	}
}

func TestGetHostInfoByStrategyRejectsUnacceptedStrategy(t *testing.T) {
	svc, _, _ := newTestService(t)
	hosts, _ := svc.GetHosts(context.Background())
	if _, err := svc.GetHostInfoByStrategy(hosts, hostinfo.RoleReader, selector.FastestResponseStrategy); err == nil {
		t.Fatal("expected error: no selector accepts fastestResponse")
	}
}

func TestIsNetworkErrorClassification(t *testing.T) {
	svc, _, _ := newTestService(t)
	if !svc.IsNetworkError(errors.New("read: connection reset by peer")) {
		t.Fatal("expected connection reset to classify as network error")
	}
	if svc.IsNetworkError(errors.New("syntax error near SELECT")) {
		t.Fatal("expected syntax error not to classify as network error")
	}
}

func TestIsLoginErrorUnwraps(t *testing.T) {
	svc, _, _ := newTestService(t)
	wrapped := &AwsWrapperError{Message: "connect failed", Cause: &LoginError{Cause: errors.New("bad password")}}
	if !svc.IsLoginError(wrapped) {
		t.Fatal("expected wrapped LoginError to be detected")
	}
}

func TestUpdateAvailabilityFansOutByAlias(t *testing.T) {
	svc, _, _ := newTestService(t)
	h1 := mustHost(t, "a", hostinfo.RoleReader)
	h1.AddAlias("shared-alias")
	h2 := mustHost(t, "b", hostinfo.RoleReader)
	h2.AddAlias("shared-alias")
	h3 := mustHost(t, "c", hostinfo.RoleReader)

	svc.UpdateAvailability([]*hostinfo.HostInfo{h1, h2, h3}, []string{"shared-alias"}, hostinfo.NotAvailable)

	if h1.Availability() != hostinfo.NotAvailable || h2.Availability() != hostinfo.NotAvailable {
		t.Fatal("expected both aliased hosts to be marked unavailable")
	}
	if h3.Availability() != hostinfo.Available {
		t.Fatal("expected unrelated host to be untouched")
	}
}
