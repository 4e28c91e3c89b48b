package trackerplugin

import (
	"context"
	"testing"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

type fakeConn struct {
	id     int
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

func mustHost(t *testing.T, host string) *hostinfo.HostInfo {
	t.Helper()
	h, err := hostinfo.NewBuilder(host).WithPort(3306).WithRole(hostinfo.RoleWriter).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestTrackerPluginInvalidatesConnectionsOnWriterChange(t *testing.T) {
	p := New(nil)
	host := mustHost(t, "old-writer")

	conns := []*fakeConn{{id: 1}, {id: 2}, {id: 3}}
	for _, c := range conns {
		next := func(ctx context.Context, args any) (any, error) { return c, nil }
		args := plugin.ConnectArgs{Host: host}
		if _, err := p.Execute(context.Background(), plugin.MethodConnect, args, next); err != nil {
			t.Fatal(err)
		}
	}

	if got := p.OpenConnectionCount("old-writer:3306"); got != 3 {
		t.Fatalf("expected 3 tracked connections, got %d", got)
	}

	next := func(ctx context.Context, args any) (any, error) { return nil, nil }
	_, err := p.Execute(context.Background(), plugin.MethodNotifyConnectionChanged,
		NotifyConnectionChangedArgs{InvalidatedAliases: []string{"old-writer:3306"}}, next)
	if err != nil {
		t.Fatal(err)
	}

	for _, c := range conns {
		if !c.closed {
			t.Fatalf("expected connection %d to be closed", c.id)
		}
	}
	if got := p.OpenConnectionCount("old-writer:3306"); got != 0 {
		t.Fatalf("expected 0 tracked connections after invalidation, got %d", got)
	}
}

func TestTrackerPluginLeavesOtherAliasesUntouched(t *testing.T) {
	p := New(nil)
	oldWriter := mustHost(t, "old-writer")
	reader := mustHost(t, "reader-1")

	writerConn := &fakeConn{id: 1}
	readerConn := &fakeConn{id: 2}

	p.Execute(context.Background(), plugin.MethodConnect, plugin.ConnectArgs{Host: oldWriter},
		func(context.Context, any) (any, error) { return writerConn, nil })
	p.Execute(context.Background(), plugin.MethodConnect, plugin.ConnectArgs{Host: reader},
		func(context.Context, any) (any, error) { return readerConn, nil })

	p.Execute(context.Background(), plugin.MethodNotifyConnectionChanged,
		NotifyConnectionChangedArgs{InvalidatedAliases: []string{"old-writer:3306"}},
		func(context.Context, any) (any, error) { return nil, nil })

	if !writerConn.closed {
		t.Fatal("expected old writer connection closed")
	}
	if readerConn.closed {
		t.Fatal("expected reader connection to remain open")
	}
}
