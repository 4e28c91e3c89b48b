package failover

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

type fakeConn struct {
	host string
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) PingContext(context.Context) error { return nil }
func (c *fakeConn) Close() error                      { return nil }
func (c *fakeConn) IsValid() bool                     { return true }

// scriptedDialer dials instantly for every host in ok, after the given
// per-host delay, and fails for every other host.
type scriptedDialer struct {
	delay map[string]time.Duration
	fail  map[string]bool
}

func (d *scriptedDialer) Dial(ctx context.Context, host string, port int, cfg driverx.ConnConfig) (driverx.Conn, error) {
	if delay, ok := d.delay[host]; ok && delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.fail[host] {
		return nil, fmt.Errorf("connection refused: %s", host)
	}
	return &fakeConn{host: host}, nil
}

func mustHost(t *testing.T, host string, port int, role hostinfo.Role, avail hostinfo.Availability) *hostinfo.HostInfo {
	t.Helper()
	h, err := hostinfo.NewBuilder(host).WithPort(port).WithRole(role).WithAvailability(avail).Build()
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// TestReaderFailoverStrictModeScenarioS4 is spec.md's S4: topology
// [W, R1(avail), R2(down)], strict reader, R1 connects in 100ms,
// expected isConnected=true with R1 and the writer is never returned.
func TestReaderFailoverStrictModeScenarioS4(t *testing.T) {
	w := mustHost(t, "w", 3306, hostinfo.RoleWriter, hostinfo.Available)
	r1 := mustHost(t, "r1", 3306, hostinfo.RoleReader, hostinfo.Available)
	r2 := mustHost(t, "r2", 3306, hostinfo.RoleReader, hostinfo.NotAvailable)
	topo := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{w, r1, r2}}

	dialer := &scriptedDialer{
		delay: map[string]time.Duration{"r1": 100 * time.Millisecond},
		fail:  map[string]bool{"r2": true, "w": true},
	}

	h := NewReaderHandler(dialer, driverx.ConnConfig{}, 5*time.Second, 2*time.Second, true, nil, nil)
	res, err := h.Failover(context.Background(), topo, w)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsConnected {
		t.Fatal("expected isConnected=true")
	}
	if res.NewHost.Host() != "r1" {
		t.Fatalf("expected r1, got %s", res.NewHost.Host())
	}
	if w.Availability() != hostinfo.NotAvailable {
		t.Fatal("expected original host marked NOT_AVAILABLE")
	}
}

func TestReaderFailoverNonStrictFallsBackToWriter(t *testing.T) {
	w := mustHost(t, "w", 3306, hostinfo.RoleWriter, hostinfo.Available)
	r1 := mustHost(t, "r1", 3306, hostinfo.RoleReader, hostinfo.NotAvailable)
	topo := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{w, r1}}

	dialer := &scriptedDialer{fail: map[string]bool{"r1": true}}
	h := NewReaderHandler(dialer, driverx.ConnConfig{}, 5*time.Second, time.Second, false, nil, nil)

	res, err := h.Failover(context.Background(), topo, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.IsConnected || res.NewHost.Host() != "w" {
		t.Fatalf("expected fallback to writer, got %+v", res)
	}
}

func TestReaderFailoverTimesOutWhenNoneReachable(t *testing.T) {
	r1 := mustHost(t, "r1", 3306, hostinfo.RoleReader, hostinfo.Available)
	topo := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{r1}}

	dialer := &scriptedDialer{fail: map[string]bool{"r1": true}}
	h := NewReaderHandler(dialer, driverx.ConnConfig{}, 300*time.Millisecond, 50*time.Millisecond, true, nil, nil)

	res, err := h.Failover(context.Background(), topo, nil)
	if err != ErrFailoverTimeout {
		t.Fatalf("got %v, want ErrFailoverTimeout", err)
	}
	if res.IsConnected {
		t.Fatal("expected isConnected=false")
	}
}

// TestReaderFailoverStrictModeRejectsReElectedWriter verifies spec.md
// §4.9 step 5: in strict-reader mode, a successful connection whose
// post-connect topology refresh shows it is no longer a READER (e.g.
// it was re-elected writer mid-failover) is closed and not returned;
// with no further candidates the overall call times out rather than
// silently handing back a writer connection to a strict-reader caller.
func TestReaderFailoverStrictModeRejectsReElectedWriter(t *testing.T) {
	w := mustHost(t, "w", 3306, hostinfo.RoleWriter, hostinfo.Available)
	r1 := mustHost(t, "r1", 3306, hostinfo.RoleReader, hostinfo.Available)
	topo := &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{w, r1}}

	dialer := &scriptedDialer{}
	refresh := func(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error) {
		// r1 has since become the writer: it no longer appears as READER.
		r1AsWriter := mustHost(t, "r1", 3306, hostinfo.RoleWriter, hostinfo.Available)
		return &hostinfo.Topology{ClusterID: "c", Hosts: []*hostinfo.HostInfo{r1AsWriter}}, nil
	}

	h := NewReaderHandler(dialer, driverx.ConnConfig{}, 500*time.Millisecond, 200*time.Millisecond, true, refresh, nil)
	res, err := h.Failover(context.Background(), topo, nil)
	if err != ErrFailoverTimeout {
		t.Fatalf("got %v, want ErrFailoverTimeout", err)
	}
	if res.IsConnected {
		t.Fatal("expected isConnected=false after strict-mode rejection")
	}
}
