package dialect

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/inf.v0"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// Generic is a vanilla MySQL dialect: no cluster topology, no role
// awareness. It exists so the dialect manager always has a safe
// fallback before upgrading to a more specific dialect.
type Generic struct{}

func (Generic) Code() Code       { return MySQL }
func (Generic) DefaultPort() int { return 3306 }

func (Generic) TopologyQuery() string { return "" }

func (Generic) ParseTopologyRows(driverx.Result) ([]TopologyRow, error) {
	return nil, fmt.Errorf("dialect %s: no topology support", MySQL)
}

func (Generic) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SELECT VERSION()")
	if err != nil {
		return false, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return false, nil
	}
	v, _ := res.Rows[0][0].(string)
	return !strings.Contains(strings.ToLower(v), "postgres"), nil
}

func (Generic) GetHostRole(context.Context, driverx.Conn) (hostinfo.Role, error) {
	return hostinfo.RoleWriter, nil
}

func (Generic) UpdateCandidates() []Code { return []Code{AuroraMySQL, RDSMySQL} }

func (Generic) Features() map[Feature]bool { return nil }

// AuroraMySQLDialect is a cluster-aware dialect for Amazon Aurora
// MySQL, using the replica-status view to discover topology and role.
type AuroraMySQLDialect struct{}

func (AuroraMySQLDialect) Code() Code       { return AuroraMySQL }
func (AuroraMySQLDialect) DefaultPort() int { return 3306 }

func (AuroraMySQLDialect) TopologyQuery() string {
	return "SELECT SERVER_ID, CASE WHEN SESSION_ID = 'MASTER_SESSION_ID' THEN 1 ELSE 0 END AS IS_WRITER, " +
		"CPU, REPLICA_LAG_IN_MILLISECONDS, LAST_UPDATE_TIMESTAMP FROM information_schema.replica_host_status"
}

func (AuroraMySQLDialect) ParseTopologyRows(res driverx.Result) ([]TopologyRow, error) {
	rows := make([]TopologyRow, 0, len(res.Rows))
	for _, r := range res.Rows {
		if len(r) < 5 {
			return nil, fmt.Errorf("aurora-mysql: topology row has %d columns, want 5", len(r))
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

func (AuroraMySQLDialect) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SHOW VARIABLES LIKE 'aurora_version'")
	if err != nil {
		return false, err
	}
	return len(res.Rows) > 0, nil
}

func (AuroraMySQLDialect) GetHostRole(ctx context.Context, conn driverx.Conn) (hostinfo.Role, error) {
	res, err := conn.QueryContext(ctx, "SELECT SESSION_ID FROM information_schema.replica_host_status "+
		"WHERE SERVER_ID = @@aurora_server_id")
	if err != nil {
		return hostinfo.RoleUnknown, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) == 0 {
		return hostinfo.RoleUnknown, fmt.Errorf("aurora-mysql: role query returned no rows")
	}
	sessionID, _ := res.Rows[0][0].(string)
	if sessionID == "MASTER_SESSION_ID" {
		return hostinfo.RoleWriter, nil
	}
	return hostinfo.RoleReader, nil
}

func (AuroraMySQLDialect) UpdateCandidates() []Code { return nil }

func (AuroraMySQLDialect) Features() map[Feature]bool { return nil }

// RDSMySQLDialect is plain MySQL running on RDS (not Aurora): it knows
// its DNS naming convention but has no multi-writer topology to track.
type RDSMySQLDialect struct{ Generic }

func (RDSMySQLDialect) Code() Code { return RDSMySQL }

func (RDSMySQLDialect) IsDialect(ctx context.Context, conn driverx.Conn) (bool, error) {
	res, err := conn.QueryContext(ctx, "SHOW VARIABLES LIKE 'version_comment'")
	if err != nil {
		return false, err
	}
	if len(res.Rows) == 0 || len(res.Rows[0]) < 2 {
		return false, nil
	}
	comment, _ := res.Rows[0][1].(string)
	return strings.Contains(strings.ToLower(comment), "rds"), nil
}

func (RDSMySQLDialect) UpdateCandidates() []Code { return []Code{AuroraMySQL} }

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case int64:
		return t != 0
	case int:
		return t != 0
	case string:
		return t == "1" || strings.EqualFold(t, "true")
	default:
		return false
	}
}

// toFloat coerces a topology row's CPU/lag column to a float64. CPU and
// replica lag come back as a DECIMAL column from most MySQL drivers,
// which surface it as a string or *inf.Dec rather than a native float
// to avoid rounding a value callers may need exactly; inf.Dec gives us
// a lossless parse of that string before the final float64 narrowing,
// the same representation gocql uses for CQL's own decimal type.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case *inf.Dec:
		f, err := strconv.ParseFloat(t.String(), 64)
		return f, err == nil
	case string:
		d, ok := new(inf.Dec).SetString(t)
		if !ok {
			return 0, false
		}
		f, err := strconv.ParseFloat(d.String(), 64)
		return f, err == nil
	default:
		return 0, false
	}
}
