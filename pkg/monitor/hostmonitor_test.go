package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

type probeConn struct {
	fails *int32
}

func (c *probeConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *probeConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *probeConn) PingContext(context.Context) error {
	if atomic.LoadInt32(c.fails) != 0 {
		return fmt.Errorf("connection refused")
	}
	return nil
}
func (c *probeConn) Close() error  { return nil }
func (c *probeConn) IsValid() bool { return true }

type probeDialer struct {
	fails *int32
}

func (d *probeDialer) Dial(ctx context.Context, host string, port int, cfg driverx.ConnConfig) (driverx.Conn, error) {
	return &probeConn{fails: d.fails}, nil
}

type userConn struct{ valid int32 }

func (c *userConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *userConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *userConn) PingContext(context.Context) error { return nil }
func (c *userConn) Close() error { atomic.StoreInt32(&c.valid, 0); return nil }
func (c *userConn) IsValid() bool { return atomic.LoadInt32(&c.valid) != 0 }

// TestHostMonitorAbortsOnSustainedFailure is spec.md's S6:
// failureDetectionTimeMs=1000, intervalMs=500, count=3; probe fails at
// t=1.0s, 1.5s, 2.0s; the context must be marked unhealthy shortly
// after t=2.0s.
func TestHostMonitorAbortsOnSustainedFailure(t *testing.T) {
	fails := int32(1)
	host, err := hostinfo.NewBuilder("db-1").WithPort(5432).WithRole(hostinfo.RoleWriter).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewEFMManager(&probeDialer{fails: &fails}, driverx.ConnConfig{}, time.Minute, nil)
	defer mgr.Close()

	client := &userConn{valid: 1}
	hm, ctx := mgr.StartCall(host, client, time.Second, 500*time.Millisecond, 3)

	deadline := time.After(3 * time.Second)
	for !ctx.IsHostUnhealthy() {
		select {
		case <-deadline:
			t.Fatal("context was never marked unhealthy")
		case <-time.After(50 * time.Millisecond):
		}
	}

	mgr.EndCall(hm, ctx)
	if ctx.IsActive() {
		t.Fatal("expected context to be inactive after EndCall")
	}
}

func TestHostMonitorStaysHealthyWhenProbeSucceeds(t *testing.T) {
	fails := int32(0)
	host, err := hostinfo.NewBuilder("db-2").WithPort(5432).WithRole(hostinfo.RoleWriter).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewEFMManager(&probeDialer{fails: &fails}, driverx.ConnConfig{}, time.Minute, nil)
	defer mgr.Close()

	client := &userConn{valid: 1}
	hm, ctx := mgr.StartCall(host, client, 50*time.Millisecond, 50*time.Millisecond, 3)
	time.Sleep(400 * time.Millisecond)
	if ctx.IsHostUnhealthy() {
		t.Fatal("expected context to remain healthy")
	}
	mgr.EndCall(hm, ctx)
}

func TestHostMonitorSharedAcrossAliases(t *testing.T) {
	fails := int32(0)
	host, err := hostinfo.NewBuilder("db-3").WithPort(5432).WithAlias("db-3-alias").Build()
	if err != nil {
		t.Fatal(err)
	}

	mgr := NewEFMManager(&probeDialer{fails: &fails}, driverx.ConnConfig{}, time.Minute, nil)
	defer mgr.Close()

	hm1 := mgr.monitorFor(host, time.Second, 500*time.Millisecond, 3)
	hm2, ok := mgr.monitors.Get("db-3-alias")
	if !ok || hm2 != hm1 {
		t.Fatal("expected the same monitor to be reachable by any alias")
	}
}
