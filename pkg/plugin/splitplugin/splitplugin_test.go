package splitplugin

import (
	"context"
	"testing"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

type fakeConn struct {
	host   string
	closed bool
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) PingContext(context.Context) error { return nil }
func (c *fakeConn) Close() error                      { c.closed = true; return nil }
func (c *fakeConn) IsValid() bool                     { return true }

type fakeService struct {
	client    driverx.Conn
	host      *hostinfo.HostInfo
	hosts     []*hostinfo.HostInfo
	dialCount int
}

func (s *fakeService) GetCurrentClient() driverx.Conn         { return s.client }
func (s *fakeService) GetCurrentHostInfo() *hostinfo.HostInfo { return s.host }
func (s *fakeService) AdoptCurrentClient(client driverx.Conn, host *hostinfo.HostInfo) {
	s.client, s.host = client, host
}
func (s *fakeService) Connect(ctx context.Context, host *hostinfo.HostInfo, cfg driverx.ConnConfig) (driverx.Conn, error) {
	s.dialCount++
	return &fakeConn{host: host.Host()}, nil
}
func (s *fakeService) GetHosts(context.Context) ([]*hostinfo.HostInfo, error) { return s.hosts, nil }
func (s *fakeService) GetHostInfoByStrategy(hosts []*hostinfo.HostInfo, role hostinfo.Role, strategy selector.Strategy) (*hostinfo.HostInfo, error) {
	for _, h := range hosts {
		if h.Role() == role {
			return h, nil
		}
	}
	return nil, ErrNoReaderAvailable
}

func mustHost(t *testing.T, host string, role hostinfo.Role) *hostinfo.HostInfo {
	t.Helper()
	h, err := hostinfo.NewBuilder(host).WithPort(3306).WithRole(role).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestSplitPluginSwitchesToReaderAndBackWithoutRedial(t *testing.T) {
	w := mustHost(t, "writer-1", hostinfo.RoleWriter)
	r := mustHost(t, "reader-1", hostinfo.RoleReader)
	writerConn := &fakeConn{host: "writer-1"}
	svc := &fakeService{client: writerConn, host: w, hosts: []*hostinfo.HostInfo{w, r}}

	p := New(svc, selector.RandomStrategy, driverx.ConnConfig{}, nil)
	next := func(ctx context.Context, args any) (any, error) { return "ok", nil }

	if _, err := p.Execute(context.Background(), plugin.MethodSetReadOnly, SetReadOnlyArgs{ReadOnly: true}, next); err != nil {
		t.Fatal(err)
	}
	if svc.host.Host() != "reader-1" {
		t.Fatalf("expected current host reader-1, got %s", svc.host.Host())
	}
	if writerConn.closed {
		t.Fatal("expected writer connection to remain open (cached), not closed")
	}
	if svc.dialCount != 1 {
		t.Fatalf("expected exactly one dial for the reader, got %d", svc.dialCount)
	}

	if _, err := p.Execute(context.Background(), plugin.MethodSetReadOnly, SetReadOnlyArgs{ReadOnly: false}, next); err != nil {
		t.Fatal(err)
	}
	if svc.host.Host() != "writer-1" {
		t.Fatalf("expected current host back to writer-1, got %s", svc.host.Host())
	}
	if svc.dialCount != 1 {
		t.Fatalf("expected no additional dial switching back to the cached writer, got %d", svc.dialCount)
	}

	if _, err := p.Execute(context.Background(), plugin.MethodSetReadOnly, SetReadOnlyArgs{ReadOnly: true}, next); err != nil {
		t.Fatal(err)
	}
	if svc.dialCount != 1 {
		t.Fatalf("expected cached reader to be reused, dial count %d", svc.dialCount)
	}
}

func TestSplitPluginNoopWhenAlreadyOnTargetRole(t *testing.T) {
	w := mustHost(t, "writer-1", hostinfo.RoleWriter)
	writerConn := &fakeConn{host: "writer-1"}
	svc := &fakeService{client: writerConn, host: w, hosts: []*hostinfo.HostInfo{w}}
	p := New(svc, selector.RandomStrategy, driverx.ConnConfig{}, nil)

	next := func(ctx context.Context, args any) (any, error) { return "ok", nil }
	if _, err := p.Execute(context.Background(), plugin.MethodSetReadOnly, SetReadOnlyArgs{ReadOnly: false}, next); err != nil {
		t.Fatal(err)
	}
	if svc.dialCount != 0 {
		t.Fatalf("expected no dial when already on the target role, got %d", svc.dialCount)
	}
}

func TestSplitPluginPassesThroughOtherMethods(t *testing.T) {
	svc := &fakeService{}
	p := New(svc, selector.RandomStrategy, driverx.ConnConfig{}, nil)
	called := false
	next := func(ctx context.Context, args any) (any, error) { called = true; return "ok", nil }
	if _, err := p.Execute(context.Background(), plugin.MethodExecute, nil, next); err != nil || !called {
		t.Fatalf("expected passthrough, err=%v called=%v", err, called)
	}
}
