package provider

import (
	"context"
	"testing"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
)

type fakeTopologyConn struct {
	rows [][]any
}

func (c *fakeTopologyConn) QueryContext(context.Context, string, ...any) (driverx.Result, error) {
	rows := make([]driverx.Row, 0, len(c.rows))
	for _, r := range c.rows {
		rows = append(rows, driverx.Row(r))
	}
	return driverx.Result{Rows: rows}, nil
}
func (c *fakeTopologyConn) ExecContext(context.Context, string, ...any) (driverx.Result, error) {
	return driverx.Result{}, nil
}
func (c *fakeTopologyConn) PingContext(context.Context) error { return nil }
func (c *fakeTopologyConn) Close() error                      { return nil }
func (c *fakeTopologyConn) IsValid() bool                     { return true }

func auroraRows() [][]any {
	now := time.Now()
	return [][]any{
		{"writer-1", true, 10.0, 0.0, now},
		{"reader-1", false, 5.0, 3.0, now},
	}
}

func TestConnectionStringProviderStaticTopology(t *testing.T) {
	p, err := NewConnectionStringProvider("c1", []string{"a.example.com", "b.example.com:3307"}, 3306)
	if err != nil {
		t.Fatal(err)
	}
	topo, err := p.Refresh(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(topo.Hosts))
	}
	if topo.Writer().Host() != "a.example.com" {
		t.Fatalf("expected first host to be writer, got %s", topo.Writer().Host())
	}
	if topo.Hosts[1].Port() != 3307 {
		t.Fatalf("expected explicit port to be honored, got %d", topo.Hosts[1].Port())
	}
}

func TestConnectionStringProviderRejectsEmptyList(t *testing.T) {
	if _, err := NewConnectionStringProvider("c1", nil, 3306); err != ErrEmptyHostList {
		t.Fatalf("got %v, want ErrEmptyHostList", err)
	}
}

func TestRDSProviderForceRefreshBuildsTopology(t *testing.T) {
	m := dialect.NewManager(nil)
	p, err := NewRDSProvider("cluster-x", []string{"writer-1.cluster-abc.us-east-1.rds.amazonaws.com"}, 3306, dialect.AuroraMySQL, m, "")
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeTopologyConn{rows: auroraRows()}

	topo, err := p.ForceRefresh(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.Hosts) != 2 {
		t.Fatalf("expected 2 hosts, got %d", len(topo.Hosts))
	}
	if w := topo.Writer(); w == nil || w.HostID() != "writer-1" {
		t.Fatalf("expected writer-1 as writer, got %v", w)
	}
}

func TestRDSProviderRefreshUsesCacheWithinTTL(t *testing.T) {
	m := dialect.NewManager(nil)
	p, err := NewRDSProvider("cluster-y", []string{"writer-1.cluster-abc.us-east-1.rds.amazonaws.com"}, 3306, dialect.AuroraMySQL, m, "")
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeTopologyConn{rows: auroraRows()}

	if _, err := p.ForceRefresh(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	// A second Refresh must not need to query again: swap in a conn
	// that would fail if queried, and expect the cached topology.
	brokenConn := &fakeTopologyConn{rows: nil}
	topo, err := p.Refresh(context.Background(), brokenConn)
	if err != nil {
		t.Fatal(err)
	}
	if len(topo.Hosts) != 2 {
		t.Fatalf("expected cached topology with 2 hosts, got %d", len(topo.Hosts))
	}
}

func TestRDSProviderInstanceHostPattern(t *testing.T) {
	m := dialect.NewManager(nil)
	p, err := NewRDSProvider("cluster-z", []string{"writer-1.cluster-abc.us-east-1.rds.amazonaws.com"}, 3306, dialect.AuroraMySQL, m, "?.abc.us-east-1.rds.amazonaws.com")
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeTopologyConn{rows: auroraRows()}
	topo, err := p.ForceRefresh(context.Background(), conn)
	if err != nil {
		t.Fatal(err)
	}
	if topo.Writer().Host() != "writer-1.abc.us-east-1.rds.amazonaws.com" {
		t.Fatalf("expected templated host, got %s", topo.Writer().Host())
	}
}

func TestRDSProviderRejectsInvalidInstanceHostPattern(t *testing.T) {
	m := dialect.NewManager(nil)
	_, err := NewRDSProvider("c", []string{"h"}, 3306, dialect.AuroraMySQL, m, "no-question-mark")
	if err != ErrInvalidHostPattern {
		t.Fatalf("got %v, want ErrInvalidHostPattern", err)
	}
}

func TestParseHostPortDefaultsWhenNoPort(t *testing.T) {
	host, port := ParseHostPort("example.com", 5432)
	if host != "example.com" || port != 5432 {
		t.Fatalf("got %s:%d", host, port)
	}
	host, port = ParseHostPort("example.com:9999", 5432)
	if host != "example.com" || port != 9999 {
		t.Fatalf("got %s:%d", host, port)
	}
}
