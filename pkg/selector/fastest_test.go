package selector

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

type fakeConn struct {
	pingDelay time.Duration
	pingErr   error
}

func (c *fakeConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeConn) PingContext(ctx context.Context) error {
	if c.pingDelay > 0 {
		time.Sleep(c.pingDelay)
	}
	return c.pingErr
}
func (c *fakeConn) Close() error  { return nil }
func (c *fakeConn) IsValid() bool { return true }

type fakeDialer struct {
	mu     sync.Mutex
	delays map[string]time.Duration
	fail   map[string]bool
}

func (d *fakeDialer) Dial(ctx context.Context, host string, port int, cfg driverx.ConnConfig) (driverx.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail[host] {
		return nil, errTestDialFailed
	}
	return &fakeConn{pingDelay: d.delays[host]}, nil
}

var errTestDialFailed = &dialFailedErr{}

type dialFailedErr struct{}

func (*dialFailedErr) Error() string { return "dial failed" }

func TestFastestResponseFallsBackToRandomWhenAllUnknown(t *testing.T) {
	a := mustHost(t, "A", hostinfo.RoleReader)
	b := mustHost(t, "B", hostinfo.RoleReader)
	d := &fakeDialer{fail: map[string]bool{"A": true, "B": true}}

	fr := NewFastestResponse(d, driverx.ConnConfig{}, time.Hour)
	defer fr.Close()

	h, err := fr.Select([]*hostinfo.HostInfo{a, b}, hostinfo.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	if h.Host() != "A" && h.Host() != "B" {
		t.Fatalf("unexpected host %s", h.Host())
	}
}

func TestFastestResponsePrefersLowerLatency(t *testing.T) {
	a := mustHost(t, "A", hostinfo.RoleReader)
	b := mustHost(t, "B", hostinfo.RoleReader)
	d := &fakeDialer{delays: map[string]time.Duration{"A": 0, "B": 0}}

	fr := NewFastestResponse(d, driverx.ConnConfig{}, time.Hour)
	defer fr.Close()

	// Force the two monitors into existence and set their latencies
	// directly so the test is deterministic instead of racing real
	// probe goroutines (their hour-long interval never fires here).
	ma := fr.monitorFor(a)
	mb := fr.monitorFor(b)
	ma.setLatest(50 * time.Millisecond)
	mb.setLatest(5 * time.Millisecond)

	h, err := fr.Select([]*hostinfo.HostInfo{a, b}, hostinfo.RoleReader)
	if err != nil {
		t.Fatal(err)
	}
	if h.Host() != "B" {
		t.Fatalf("expected B (lower latency) to win, got %s", h.Host())
	}
}

func TestFastestResponseNoEligibleHosts(t *testing.T) {
	writer := mustHost(t, "w", hostinfo.RoleWriter)
	d := &fakeDialer{}
	fr := NewFastestResponse(d, driverx.ConnConfig{}, time.Hour)
	defer fr.Close()

	if _, err := fr.Select([]*hostinfo.HostInfo{writer}, hostinfo.RoleReader); err != ErrNoEligibleHosts {
		t.Fatalf("got %v, want ErrNoEligibleHosts", err)
	}
}

func TestFastestResponseAcceptsOnlyItsStrategy(t *testing.T) {
	fr := &FastestResponse{}
	if !fr.Accepts(FastestResponseStrategy) {
		t.Fatal("expected FastestResponse to accept FastestResponseStrategy")
	}
	if fr.Accepts(RoundRobinStrategy) {
		t.Fatal("expected FastestResponse to reject RoundRobinStrategy")
	}
}
