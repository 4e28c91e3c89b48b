package failover

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// TestWriterFailoverScenarioS5 is spec.md's S5: the original writer
// stays unreachable, a reader surfaces a new writer partway through,
// and Task B wins with the new writer connection while the reader it
// used is closed.
func TestWriterFailoverScenarioS5(t *testing.T) {
	wOld := mustHost(t, "w-old", 3306, hostinfo.RoleWriter, hostinfo.Available)
	r1 := mustHost(t, "r1", 3306, hostinfo.RoleReader, hostinfo.Available)
	r2 := mustHost(t, "r2", 3306, hostinfo.RoleReader, hostinfo.Available)
	initial := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{wOld, r1, r2}}

	var readerClosed sync.Map // host -> bool

	start := time.Now()
	forceConnect := func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error) {
		if host.Host() == "w-old" {
			return nil, fmt.Errorf("connection refused: w-old")
		}
		return &trackedConn{fakeConn: fakeConn{host: host.Host()}, closed: &readerClosed}, nil
	}

	refresh := func(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
		c := conn.(*trackedConn)
		if c.host == "r1" || c.host == "r2" {
			if time.Since(start) < 300*time.Millisecond {
				return initial, nil // still the old topology
			}
			wNew := mustHost(t, "w-new", 3306, hostinfo.RoleWriter, hostinfo.Available)
			return &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{wNew, r1, r2}}, nil
		}
		return initial, nil
	}

	readerHandler := NewReaderHandler(dialerFunc(forceConnect), driverx.ConnConfig{}, 5*time.Second, time.Second, false, nil, nil)
	writerHandler := NewWriterHandler(forceConnect, refresh, readerHandler, 5*time.Second, 50*time.Millisecond, 50*time.Millisecond, nil, nil)

	res, err := writerHandler.Failover(context.Background(), initial, wOld)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsConnected || !res.IsNewHost {
		t.Fatalf("expected isConnected=true, isNewHost=true, got %+v", res)
	}
	if res.Client.(*trackedConn).host != "w-new" {
		t.Fatalf("expected client to w-new, got %s", res.Client.(*trackedConn).host)
	}
	if res.TaskName != "taskB" {
		t.Fatalf("expected taskB to win, got %s", res.TaskName)
	}
}

// trackedConn records whether it has been closed.
type trackedConn struct {
	fakeConn
	closed *sync.Map
}

func (c *trackedConn) Close() error {
	c.closed.Store(c.host, true)
	return nil
}

// dialerFunc adapts a forceConnect-shaped function to driverx.Dialer
// for use by the reader handler inside Task B.
type dialerFunc func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error)

func (f dialerFunc) Dial(ctx context.Context, host string, port int, cfg driverx.ConnConfig) (driverx.Conn, error) {
	h := mustHostNoTest(host, port)
	return f(ctx, h)
}

func mustHostNoTest(host string, port int) *hostinfo.HostInfo {
	h, _ := hostinfo.NewBuilder(host).WithPort(port).WithRole(hostinfo.RoleReader).WithAvailability(hostinfo.Available).Build()
	return h
}

func TestWriterFailoverTaskAWinsWhenOriginalReconnects(t *testing.T) {
	wOld := mustHost(t, "w-old", 3306, hostinfo.RoleWriter, hostinfo.Available)
	initial := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{wOld}}

	forceConnect := func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error) {
		return &fakeConn{host: host.Host()}, nil
	}
	refresh := func(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
		return initial, nil
	}

	// Task B has no readers to race with: its only candidate is the old
	// writer, whose dial keeps failing until the 200ms reader deadline,
	// so it loses to Task A, which reconnects right away.
	readerHandler := NewReaderHandler(dialerFunc(func(ctx context.Context, h *hostinfo.HostInfo) (driverx.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}), driverx.ConnConfig{}, 200*time.Millisecond, 50*time.Millisecond, false, nil, nil)

	writerHandler := NewWriterHandler(forceConnect, refresh, readerHandler, 2*time.Second, 10*time.Millisecond, 50*time.Millisecond, nil, nil)
	res, err := writerHandler.Failover(context.Background(), initial, wOld)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsConnected || res.TaskName != "taskA" {
		t.Fatalf("expected taskA to win, got %+v", res)
	}
}

func TestWriterFailoverTimesOutWhenNeitherTaskSucceeds(t *testing.T) {
	wOld := mustHost(t, "w-old", 3306, hostinfo.RoleWriter, hostinfo.Available)
	initial := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{wOld}}

	forceConnect := func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}
	readerHandler := NewReaderHandler(dialerFunc(func(ctx context.Context, h *hostinfo.HostInfo) (driverx.Conn, error) {
		return nil, fmt.Errorf("connection refused")
	}), driverx.ConnConfig{}, 100*time.Millisecond, 30*time.Millisecond, false, nil, nil)

	writerHandler := NewWriterHandler(forceConnect, nil, readerHandler, 300*time.Millisecond, 20*time.Millisecond, 20*time.Millisecond, nil, nil)
	res, err := writerHandler.Failover(context.Background(), initial, wOld)
	if err != ErrFailoverTimeout {
		t.Fatalf("got %v, want ErrFailoverTimeout", err)
	}
	if res.IsConnected {
		t.Fatal("expected isConnected=false")
	}
}
