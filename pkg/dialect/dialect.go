// Package dialect abstracts the five vendor-specific concerns the
// wrapper needs from a database family: the default port, the
// topology query and its row parsing, a probe for "is this my
// dialect", a role query, and the list of more specific dialect codes
// to try after the first connection.
package dialect

import (
	"context"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// Code names a concrete dialect, used for user overrides and the
// endpoint→dialect cache.
type Code string

const (
	MySQL           Code = "mysql"
	AuroraMySQL     Code = "aurora-mysql"
	RDSMySQL        Code = "rds-mysql"
	Postgres        Code = "postgres"
	AuroraPostgres  Code = "aurora-postgres"
	RDSPostgres     Code = "rds-postgres"
	MultiAzMySQL    Code = "rds-multi-az-mysql"
	MultiAzPostgres Code = "rds-multi-az-postgres"
)

// Feature is a capability flag a dialect can declare to change
// failover-handler behavior, per spec.md §4.10.
type Feature int

const (
	// DisableTaskA disables the writer-failover handler's "reconnect
	// to the old writer" racer, running only the wait-for-new-writer
	// task.
	DisableTaskA Feature = iota
	// EnableWriterInTaskB allows the wait-for-new-writer task to
	// return the original writer if it was re-elected.
	EnableWriterInTaskB
)

// TopologyRow is one parsed row of a topology query result.
type TopologyRow struct {
	ServerID       string
	IsWriter       bool
	CPUUtilization float64
	ReplicaLagMs   float64
	LastUpdateTime time.Time
}

// Dialect is the per-database-family contract described in spec.md
// §4.4. Implementations must be stateless and safe for concurrent use.
type Dialect interface {
	Code() Code
	DefaultPort() int

	// TopologyQuery returns the statement used to discover the live
	// cluster topology.
	TopologyQuery() string
	// ParseTopologyRows turns a raw query result into TopologyRow
	// values. Rows older than 5 minutes must be filtered by the
	// caller except the writer row, per spec.md §4.4.
	ParseTopologyRows(res driverx.Result) ([]TopologyRow, error)

	// IsDialect probes whether conn is actually talking to this
	// dialect's database family.
	IsDialect(ctx context.Context, conn driverx.Conn) (bool, error)

	// GetHostRole returns WRITER or READER for the connected host.
	GetHostRole(ctx context.Context, conn driverx.Conn) (hostinfo.Role, error)

	// UpdateCandidates returns more specific dialect codes to probe,
	// in order, after the first successful connection.
	UpdateCandidates() []Code

	// Features reports which failover-handler capability flags this
	// dialect declares.
	Features() map[Feature]bool
}

// TopologyMaxRowAge is the 5 minute freshness window from spec.md
// §4.4: rows older than this are dropped except the writer row.
const TopologyMaxRowAge = 5 * time.Minute

// FilterStaleRows drops rows older than TopologyMaxRowAge, always
// keeping the writer row regardless of age.
func FilterStaleRows(rows []TopologyRow, now time.Time) []TopologyRow {
	out := rows[:0:0]
	for _, r := range rows {
		if r.IsWriter || now.Sub(r.LastUpdateTime) <= TopologyMaxRowAge {
			out = append(out, r)
		}
	}
	return out
}
