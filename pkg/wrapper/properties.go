package wrapper

import (
	"strconv"
	"strings"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/compress"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostutil"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

// FailoverMode selects which failover handler a failed operation
// dispatches to, per spec.md §4.13.
type FailoverMode string

const (
	StrictWriter    FailoverMode = "strict-writer"
	StrictReader    FailoverMode = "strict-reader"
	ReaderOrWriter  FailoverMode = "reader-or-writer"
)

// Properties is the parsed form of the configuration map described in
// spec.md §6, built once via NewProperties. Wrapper-only keys are never
// copied into Extra, which holds the remaining keys for the driver.
type Properties struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	Plugins  []string
	Strategy selector.Strategy

	RoundRobinHostWeightPairs string
	RoundRobinDefaultWeight   int

	EnableClusterAwareFailover   bool
	FailoverMode                 FailoverMode
	FailoverTimeoutMs            int64
	OpenConnectionRetryTimeoutMs int64
	OpenConnectionRetryIntervalMs int64
	ClusterTopologyRefreshRateMs int64

	FailureDetectionEnabled     bool
	FailureDetectionTimeMs      int64
	FailureDetectionIntervalMs  int64
	FailureDetectionCount       int
	MonitorDisposalTimeMs       int64

	ClusterInstanceHostPattern string
	ClusterID                  string

	DialectOverride *dialect.Code

	// WireCompression is an ordered codec preference list for the
	// `wireCompression` key (e.g. "zstd,lz4,snappy"), negotiated via
	// pkg/compress.Negotiate, which picks the first codec in the list
	// that pkg/compress supports.
	WireCompression []string

	// MonitoringOverrides holds every key prefixed `monitoring_`, with
	// the prefix stripped, per spec.md §4.12.
	MonitoringOverrides map[string]string

	// Extra holds any remaining key/value pairs to forward verbatim to
	// the driver once wrapper-only keys are stripped.
	Extra map[string]string
}

var recognizedPlugins = map[string]bool{
	"failover": true, "failover2": true, "efm": true, "efm2": true,
	"iam": true, "federatedAuth": true, "okta": true, "secretsManager": true,
	"readWriteSplitting": true, "auroraConnectionTracker": true,
	"initialConnection": true, "staleDns": true, "fastestResponseStrategy": true,
	"dev": true,
}

// wrapperOnlyKeys never get forwarded to the driver.
var wrapperOnlyKeys = map[string]bool{
	"plugins": true, "readerHostSelectorStrategy": true,
	"roundRobinHostWeightPairs": true, "roundRobinDefaultWeight": true,
	"enableClusterAwareFailover": true, "failoverMode": true,
	"failoverTimeoutMs": true, "openConnectionRetryTimeoutMs": true,
	"openConnectionRetryIntervalMs": true, "clusterTopologyRefreshRateMs": true,
	"failureDetectionEnabled": true, "failureDetectionTimeMs": true,
	"failureDetectionIntervalMs": true, "failureDetectionCount": true,
	"monitorDisposalTimeMs": true, "clusterInstanceHostPattern": true,
	"clusterId": true, "dialect": true, "wireCompression": true,
	"host": true, "port": true, "user": true, "password": true, "database": true,
}

// NewProperties parses and eagerly validates a raw configuration map,
// per spec.md §7's "Misconfiguration: thrown eagerly".
func NewProperties(raw map[string]string) (*Properties, error) {
	p := &Properties{
		Strategy:                      selector.RoundRobinStrategy,
		RoundRobinDefaultWeight:       1,
		FailoverMode:                  ReaderOrWriter,
		FailoverTimeoutMs:             60000,
		OpenConnectionRetryTimeoutMs:  30000,
		OpenConnectionRetryIntervalMs: 1000,
		ClusterTopologyRefreshRateMs:  30000,
		FailureDetectionTimeMs:        30000,
		FailureDetectionIntervalMs:    5000,
		FailureDetectionCount:         3,
		MonitorDisposalTimeMs:         60000,
		MonitoringOverrides:           map[string]string{},
		Extra:                         map[string]string{},
	}

	p.Host = raw["host"]
	p.User = raw["user"]
	p.Password = raw["password"]
	p.Database = raw["database"]
	if v, ok := raw["port"]; ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, &IllegalArgumentError{Message: "invalid port: " + v}
		}
		p.Port = port
	}

	if v, ok := raw["plugins"]; ok && v != "" {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if !recognizedPlugins[name] {
				return nil, &IllegalArgumentError{Message: "unrecognized plugin: " + name}
			}
			p.Plugins = append(p.Plugins, name)
		}
	}

	if v, ok := raw["readerHostSelectorStrategy"]; ok && v != "" {
		switch selector.Strategy(v) {
		case selector.RoundRobinStrategy, selector.RandomStrategy, selector.FastestResponseStrategy:
			p.Strategy = selector.Strategy(v)
		default:
			return nil, &IllegalArgumentError{Message: "unknown strategy: " + v}
		}
	}

	p.RoundRobinHostWeightPairs = raw["roundRobinHostWeightPairs"]
	if _, err := selector.ParseWeightPairs(p.RoundRobinHostWeightPairs); err != nil {
		return nil, &IllegalArgumentError{Message: err.Error()}
	}
	if v, ok := raw["roundRobinDefaultWeight"]; ok {
		w, err := strconv.Atoi(v)
		if err != nil || w < 1 {
			return nil, &IllegalArgumentError{Message: "roundRobinDefaultWeight must be an integer >= 1"}
		}
		p.RoundRobinDefaultWeight = w
	}

	if v, ok := raw["enableClusterAwareFailover"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &IllegalArgumentError{Message: "invalid enableClusterAwareFailover: " + v}
		}
		p.EnableClusterAwareFailover = b
	} else {
		p.EnableClusterAwareFailover = true
	}

	if v, ok := raw["failoverMode"]; ok && v != "" {
		switch FailoverMode(v) {
		case StrictWriter, StrictReader, ReaderOrWriter:
			p.FailoverMode = FailoverMode(v)
		default:
			return nil, &IllegalArgumentError{Message: "unknown failoverMode: " + v}
		}
	}

	for key, field := range map[string]*int64{
		"failoverTimeoutMs":             &p.FailoverTimeoutMs,
		"openConnectionRetryTimeoutMs":  &p.OpenConnectionRetryTimeoutMs,
		"openConnectionRetryIntervalMs": &p.OpenConnectionRetryIntervalMs,
		"clusterTopologyRefreshRateMs":  &p.ClusterTopologyRefreshRateMs,
		"failureDetectionTimeMs":        &p.FailureDetectionTimeMs,
		"failureDetectionIntervalMs":    &p.FailureDetectionIntervalMs,
		"monitorDisposalTimeMs":         &p.MonitorDisposalTimeMs,
	} {
		if v, ok := raw[key]; ok {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, &IllegalArgumentError{Message: "invalid " + key + ": " + v}
			}
			*field = n
		}
	}

	if v, ok := raw["failureDetectionEnabled"]; ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, &IllegalArgumentError{Message: "invalid failureDetectionEnabled: " + v}
		}
		p.FailureDetectionEnabled = b
	} else {
		p.FailureDetectionEnabled = true
	}
	if v, ok := raw["failureDetectionCount"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, &IllegalArgumentError{Message: "invalid failureDetectionCount: " + v}
		}
		p.FailureDetectionCount = n
	}

	p.ClusterID = raw["clusterId"]
	if v, ok := raw["clusterInstanceHostPattern"]; ok && v != "" {
		if strings.Count(v, "?") != 1 {
			return nil, &IllegalArgumentError{Message: "clusterInstanceHostPattern must contain exactly one '?'"}
		}
		kind := hostutil.Classify(strings.ReplaceAll(v, "?", "instance-1"))
		if kind == hostutil.Proxy || kind == hostutil.CustomCluster {
			return nil, &IllegalArgumentError{Message: "clusterInstanceHostPattern must not target a proxy or custom cluster endpoint"}
		}
		p.ClusterInstanceHostPattern = v
	}

	if v, ok := raw["wireCompression"]; ok && v != "" {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if err := compress.Validate(name); err != nil {
				return nil, &IllegalArgumentError{Message: err.Error()}
			}
			p.WireCompression = append(p.WireCompression, name)
		}
	}

	if v, ok := raw["dialect"]; ok && v != "" {
		if _, err := dialect.Lookup(dialect.Code(v)); err != nil {
			return nil, &IllegalArgumentError{Message: "unknown dialect code: " + v}
		}
		code := dialect.Code(v)
		p.DialectOverride = &code
	}

	for k, v := range raw {
		switch {
		case strings.HasPrefix(k, "monitoring_"):
			p.MonitoringOverrides[strings.TrimPrefix(k, "monitoring_")] = v
		case wrapperOnlyKeys[k]:
			// consumed above, not forwarded to the driver
		default:
			p.Extra[k] = v
		}
	}

	return p, nil
}

// HasPlugin reports whether name was requested in the plugins key.
func (p *Properties) HasPlugin(name string) bool {
	for _, pl := range p.Plugins {
		if pl == name {
			return true
		}
	}
	return false
}
