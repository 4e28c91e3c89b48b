package dialect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// GenericPostgres is vanilla PostgreSQL: no cluster topology.
type GenericPostgres struct{}

func (GenericPostgres) Code() Code       { return Postgres }
func (GenericPostgres) DefaultPort() int { return 5432 }

func (GenericPostgres) TopologyQuery() string { return "" }

func (GenericPostgres) ParseTopologyRows(driverx.Result) ([]TopologyRow, error) {
	return nil, fmt.Errorf("dialect %s: no topology support", Postgres)
}

func (GenericPostgres) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SELECT VERSION()")
	if err != nil {
		return false, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return false, nil
	}
	v, _ := res.Rows[0][0].(string)
	return strings.Contains(strings.ToLower(v), "postgresql"), nil
}

func (GenericPostgres) GetHostRole(ctx context.Context, conn driverx.Conn) (hostinfo.Role, error) {
	res, err := conn.QueryContext(ctx, "SELECT pg_is_in_recovery()")
	if err != nil {
		return hostinfo.RoleUnknown, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return hostinfo.RoleUnknown, fmt.Errorf("postgres: role query returned no rows")
	}
	if toBool(res.Rows[0][0]) {
		return hostinfo.RoleReader, nil
	}
	return hostinfo.RoleWriter, nil
}

func (GenericPostgres) UpdateCandidates() []Code { return []Code{AuroraPostgres, RDSPostgres} }

func (GenericPostgres) Features() map[Feature]bool { return nil }

// AuroraPostgresDialect is a cluster-aware dialect for Amazon Aurora
// PostgreSQL, using the aurora_replica_status() extension function.
type AuroraPostgresDialect struct{}

func (AuroraPostgresDialect) Code() Code       { return AuroraPostgres }
func (AuroraPostgresDialect) DefaultPort() int { return 5432 }

func (AuroraPostgresDialect) TopologyQuery() string {
	return "SELECT server_id, CASE WHEN session_id = 'MASTER_SESSION_ID' THEN true ELSE false END AS is_writer, " +
		"cpu, replica_lag_in_msec, last_update_timestamp FROM aurora_replica_status()"
}

func (AuroraPostgresDialect) ParseTopologyRows(res driverx.Result) ([]TopologyRow, error) {
	rows := make([]TopologyRow, 0, len(res.Rows))
	for _, r := range res.Rows {
		if len(r) < 5 {
			return nil, fmt.Errorf("aurora-postgres: topology row has %d columns, want 5", len(r))
		}
		id, _ := r[0].(string)
		isWriter := toBool(r[1])
		cpu, _ := toFloat(r[2])
		lag, _ := toFloat(r[3])
		ts, _ := r[4].(time.Time)
		rows = append(rows, TopologyRow{
			ServerID:       id,
			IsWriter:       isWriter,
			CPUUtilization: cpu,
			ReplicaLagMs:   lag,
			LastUpdateTime: ts,
		})
	}
	return rows, nil
}

func (AuroraPostgresDialect) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SELECT 1 FROM pg_extension WHERE extname = 'aurora_stat_utils'")
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

func (AuroraPostgresDialect) GetHostRole(ctx context.Context, conn driverx.Conn) (hostinfo.Role, error) {
	res, err := conn.QueryContext(ctx, "SELECT pg_is_in_recovery()")
	if err != nil {
		return hostinfo.RoleUnknown, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return hostinfo.RoleUnknown, fmt.Errorf("aurora-postgres: role query returned no rows")
	}
	if toBool(res.Rows[0][0]) {
		return hostinfo.RoleReader, nil
	}
	return hostinfo.RoleWriter, nil
}

func (AuroraPostgresDialect) UpdateCandidates() []Code { return nil }

func (AuroraPostgresDialect) Features() map[Feature]bool { return nil }

// RDSPostgresDialect is plain PostgreSQL running on RDS (not Aurora).
type RDSPostgresDialect struct{ GenericPostgres }

func (RDSPostgresDialect) Code() Code { return RDSPostgres }

func (RDSPostgresDialect) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SELECT 1 FROM pg_settings WHERE name = 'rds.extensions'")
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

func (RDSPostgresDialect) UpdateCandidates() []Code { return []Code{AuroraPostgres} }
