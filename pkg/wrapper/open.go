package wrapper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/compress"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/failover"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostutil"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/monitor"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/connectplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/devplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/efmplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/failoverplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/splitplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/staledns"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin/trackerplugin"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/provider"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/telemetry"
)

// DB is the client handle spec.md §6 promises: a minimal subset of
// database/sql's surface backed by a PluginService and its pipeline.
type DB struct {
	svc         *PluginService
	pipeline    *plugin.Pipeline
	connCfg     driverx.ConnConfig
	initialHost *hostinfo.HostInfo
	family      dialect.Code
	logger      xlog.Logger

	mu sync.Mutex
}

// openConfig holds the optional knobs OpenMySQL/OpenPostgres accept
// beyond the configuration map, following the same nil-defaulting
// style as every other optional collaborator in this module.
type openConfig struct {
	logger xlog.Logger
	tracer telemetry.Tracer
}

// Option configures OpenMySQL/OpenPostgres.
type Option func(*openConfig)

// WithLogger overrides the default logger (xlog.Default()).
func WithLogger(l xlog.Logger) Option { return func(c *openConfig) { c.logger = l } }

// WithTracer wires a telemetry.Tracer into the pipeline and failover
// handlers; the default is telemetry.NoopTracer{}.
func WithTracer(t telemetry.Tracer) Option { return func(c *openConfig) { c.tracer = t } }

// OpenMySQL parses raw per spec.md §6 and returns a *DB wired for the
// MySQL/Aurora MySQL family. dialer is the caller-supplied wire-level
// seam (no concrete MySQL client ships with this module, matching the
// "only their interfaces are specified" treatment given to credential
// providers and tracing backends).
func OpenMySQL(raw map[string]string, dialer driverx.Dialer, opts ...Option) (*DB, error) {
	return open(dialect.MySQL, 3306, raw, dialer, opts...)
}

// OpenPostgres is OpenMySQL's Postgres/Aurora Postgres counterpart.
func OpenPostgres(raw map[string]string, dialer driverx.Dialer, opts ...Option) (*DB, error) {
	return open(dialect.Postgres, 5432, raw, dialer, opts...)
}

func open(family dialect.Code, defaultPort int, raw map[string]string, dialer driverx.Dialer, opts ...Option) (*DB, error) {
	if dialer == nil {
		return nil, &IllegalArgumentError{Message: "open: a driverx.Dialer is required"}
	}
	props, err := NewProperties(raw)
	if err != nil {
		return nil, err
	}
	if props.Port == 0 {
		props.Port = defaultPort
	}

	cfg := &openConfig{logger: xlog.Default(), tracer: telemetry.NoopTracer{}}
	for _, o := range opts {
		o(cfg)
	}

	dialects := dialect.NewManager(props.DialectOverride)

	codec, err := compress.Negotiate(props.WireCompression)
	if err != nil {
		return nil, err
	}
	var compression string
	if codec != nil {
		compression = codec.Name()
	}

	connCfg := driverx.ConnConfig{
		User:        props.User,
		Password:    props.Password,
		Database:    props.Database,
		Timeout:     props.OpenConnectionRetryIntervalMs,
		Compression: compression,
	}
	monitorCfg := connCfg
	if len(props.MonitoringOverrides) > 0 {
		monitorCfg.MonitoringOverrides = props.MonitoringOverrides
	}

	rawHost := fmt.Sprintf("%s:%d", props.Host, props.Port)
	isStaticProvider := !hostutil.Classify(props.Host).IsRds() && props.ClusterID == ""

	clusterID := props.ClusterID
	if clusterID == "" && !isStaticProvider {
		// No clusterId override and the endpoint is RDS/Aurora: the
		// endpoint itself is already unique per cluster, so it doubles
		// as the topology cache key RDSProvider requires.
		clusterID = props.Host
	}

	var prov provider.Provider
	if isStaticProvider {
		prov, err = provider.NewConnectionStringProvider(clusterID, []string{rawHost}, defaultPort)
	} else {
		prov, err = provider.NewRDSProvider(clusterID, []string{rawHost}, defaultPort, family, dialects, props.ClusterInstanceHostPattern)
	}
	if err != nil {
		return nil, err
	}

	refreshInterval := time.Duration(props.ClusterTopologyRefreshRateMs) * time.Millisecond
	selectors := []selector.Selector{
		selector.NewRoundRobin(),
		selector.Random{},
		selector.NewFastestResponse(dialer, connCfg, refreshInterval),
	}

	svc := NewPluginService(props, dialer, prov, nil, dialects, selectors)

	plugins, err := buildPlugins(props, svc, dialer, dialects, connCfg, monitorCfg, family, cfg.logger, cfg.tracer)
	if err != nil {
		return nil, err
	}
	pipeline := plugin.New(plugins...)
	pipeline.SetTracer(cfg.tracer)
	svc.pipeline = pipeline

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(props.OpenConnectionRetryTimeoutMs)*time.Millisecond)
	defer cancel()
	if _, err := pipeline.Run(ctx, plugin.MethodInitHostProvider, "", failoverplugin.InitHostProviderArgs{IsStatic: isStaticProvider}, passthroughTerminal); err != nil {
		return nil, err
	}

	initialHost, err := hostinfo.NewBuilder(props.Host).WithPort(props.Port).WithRole(hostinfo.RoleWriter).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		return nil, err
	}

	return &DB{svc: svc, pipeline: pipeline, connCfg: connCfg, initialHost: initialHost, family: family, logger: cfg.logger}, nil
}

func passthroughTerminal(ctx context.Context, args any) (any, error) { return nil, nil }

// buildPlugins wires the requested plugins in a fixed, sensible order:
// the error injector first (so it can intercept anything downstream),
// then the availability-affecting plugins (EFM, failover), then the
// connect-time plugins, then the connection-tracking and read-write
// splitting plugins last since they depend on a settled current
// client.
func buildPlugins(props *Properties, svc *PluginService, dialer driverx.Dialer, dialects *dialect.Manager, connCfg, monitorCfg driverx.ConnConfig, family dialect.Code, logger xlog.Logger, tracer telemetry.Tracer) ([]plugin.Plugin, error) {
	var plugins []plugin.Plugin

	if props.HasPlugin("dev") {
		plugins = append(plugins, devplugin.New())
	}

	if props.FailureDetectionEnabled && (props.HasPlugin("efm") || props.HasPlugin("efm2")) {
		mgr := monitor.NewEFMManager(dialer, monitorCfg, time.Duration(props.MonitorDisposalTimeMs)*time.Millisecond, logger)
		detectionTime := time.Duration(props.FailureDetectionTimeMs) * time.Millisecond
		detectionInterval := time.Duration(props.FailureDetectionIntervalMs) * time.Millisecond
		plugins = append(plugins, efmplugin.New(svc, mgr, detectionTime, detectionInterval, props.FailureDetectionCount, logger))
	}

	if props.EnableClusterAwareFailover && (props.HasPlugin("failover") || props.HasPlugin("failover2")) {
		d, err := dialects.GetDialect(props.Host, family)
		if err != nil {
			return nil, err
		}
		maxFailoverTimeout := time.Duration(props.FailoverTimeoutMs) * time.Millisecond
		perAttemptTimeout := time.Duration(props.OpenConnectionRetryIntervalMs) * time.Millisecond

		reader := failover.NewReaderHandler(dialer, connCfg, maxFailoverTimeout, perAttemptTimeout,
			props.FailoverMode == StrictReader, svc.RefreshTopologyUsing, logger)
		reader.Tracer = tracer
		forceConnect := func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error) {
			return svc.ForceConnect(ctx, host, connCfg)
		}
		writer := failover.NewWriterHandler(forceConnect, svc.RefreshTopologyUsing, reader,
			maxFailoverTimeout, perAttemptTimeout, time.Duration(props.ClusterTopologyRefreshRateMs)*time.Millisecond,
			d.Features(), logger)
		writer.Tracer = tracer

		plugins = append(plugins, failoverplugin.New(svc, failoverplugin.FailoverMode(props.FailoverMode), reader, writer, logger))
	}

	if props.HasPlugin("initialConnection") {
		retryTimeout := time.Duration(props.OpenConnectionRetryTimeoutMs) * time.Millisecond
		retryInterval := time.Duration(props.OpenConnectionRetryIntervalMs) * time.Millisecond
		plugins = append(plugins, connectplugin.New(svc, retryTimeout, retryInterval, logger))
	}
	if props.HasPlugin("staleDns") {
		plugins = append(plugins, staledns.New(svc, dialer, logger))
	}

	if props.HasPlugin("auroraConnectionTracker") {
		plugins = append(plugins, trackerplugin.New(logger))
	}
	if props.HasPlugin("readWriteSplitting") {
		plugins = append(plugins, splitplugin.New(svc, props.Strategy, connCfg, logger))
	}

	// iam/federatedAuth/okta/secretsManager are recognized names
	// (Properties validates them) but no concrete credential plugin
	// ships here, per spec.md §1's non-goal carve-out; see pkg/auth.

	return plugins, nil
}

// ensureConnected opens the initial connection through the pipeline if
// none is active yet. It connects to the literally configured endpoint
// first, exactly like the teacher's session.go dials its configured
// hosts before any cluster metadata exists to discover a topology
// from, then tries to resolve the real writer from that connection and
// reconnects there if it differs. A failed topology lookup at this
// point is non-fatal, per spec.md §7's "Topology query failure:
// logged; caller uses cached data or falls back to initial host list."
func (db *DB) ensureConnected(ctx context.Context) error {
	if db.svc.GetCurrentClient() != nil {
		return nil
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.svc.GetCurrentClient() != nil {
		return nil
	}

	conn, err := db.svc.Connect(ctx, db.initialHost, db.connCfg)
	if err != nil {
		return err
	}
	db.svc.FillAliases(ctx, conn, db.initialHost)
	db.svc.SetCurrentClient(conn, db.initialHost)

	// Upgrade the generic family dialect to a more specific one (e.g.
	// aurora-mysql) now that a real connection exists to probe with,
	// per spec.md §4.4; the result is cached by host so the provider's
	// own dialect lookups pick it up on the next topology query.
	if current, err := db.svc.dialects.GetDialect(db.initialHost.Host(), db.family); err == nil {
		_, _ = db.svc.dialects.GetDialectForUpdate(ctx, conn, current, db.initialHost.Host(), db.initialHost.Host())
	}

	topo, err := db.svc.RefreshHostList(ctx)
	if err != nil {
		db.logger.Printf("open: initial topology refresh failed, falling back to the configured endpoint: %v", err)
		return nil
	}
	if w := topo.Writer(); w != nil && w.Host() != db.initialHost.Host() {
		if conn2, err := db.svc.Connect(ctx, w, db.connCfg); err == nil {
			db.svc.SetCurrentClient(conn2, w)
		}
	}
	return nil
}

func (db *DB) execute(ctx context.Context, kind failoverplugin.CallKind, stmt string, args []any) (driverx.Result, error) {
	if err := db.ensureConnected(ctx); err != nil {
		return driverx.Result{}, err
	}
	terminal := func(ctx context.Context, _ any) (any, error) {
		client := db.svc.GetCurrentClient()
		if client == nil {
			return nil, &AwsWrapperError{Message: "execute: no active connection"}
		}
		if kind == failoverplugin.CallExec {
			return client.ExecContext(ctx, stmt, args...)
		}
		return client.QueryContext(ctx, stmt, args...)
	}

	hostKey := ""
	if host := db.svc.GetCurrentHostInfo(); host != nil {
		hostKey = host.Host()
	}
	res, err := db.pipeline.Run(ctx, plugin.MethodExecute, hostKey, failoverplugin.ExecuteArgs{Kind: kind}, terminal)
	if err != nil {
		return driverx.Result{}, err
	}
	result, _ := res.(driverx.Result)
	return result, nil
}

// QueryContext runs a read statement through the pipeline.
func (db *DB) QueryContext(ctx context.Context, stmt string, args ...any) (driverx.Result, error) {
	return db.execute(ctx, failoverplugin.CallQuery, stmt, args)
}

// ExecContext runs a write statement through the pipeline.
func (db *DB) ExecContext(ctx context.Context, stmt string, args ...any) (driverx.Result, error) {
	return db.execute(ctx, failoverplugin.CallExec, stmt, args)
}

// PingContext verifies the current connection is reachable, connecting
// it first if necessary.
func (db *DB) PingContext(ctx context.Context) error {
	if err := db.ensureConnected(ctx); err != nil {
		return err
	}
	client := db.svc.GetCurrentClient()
	if client == nil {
		return &AwsWrapperError{Message: "ping: no active connection"}
	}
	return client.PingContext(ctx)
}

// BeginTx runs the beginTx call through the pipeline (so the failover
// plugin can see it before the transaction opens) and marks the
// service as transactional until the returned Tx is closed.
func (db *DB) BeginTx(ctx context.Context) (*Tx, error) {
	if _, err := db.execute(ctx, failoverplugin.CallBeginTx, "BEGIN", nil); err != nil {
		return nil, err
	}
	db.svc.SetInTransaction(true)
	return &Tx{db: db}, nil
}

// Close releases the current connection, if any.
func (db *DB) Close() error {
	if client := db.svc.GetCurrentClient(); client != nil {
		return client.Close()
	}
	return nil
}

// Tx is the handle BeginTx returns. Commit and Rollback both clear the
// in-transaction flag a mid-transaction failover checks, per spec.md
// §7's "Connection swap during transaction" handling.
type Tx struct {
	db *DB
}

func (tx *Tx) Commit(ctx context.Context) error {
	defer tx.db.svc.SetInTransaction(false)
	_, err := tx.db.execute(ctx, failoverplugin.CallExec, "COMMIT", nil)
	return err
}

func (tx *Tx) Rollback(ctx context.Context) error {
	defer tx.db.svc.SetInTransaction(false)
	_, err := tx.db.execute(ctx, failoverplugin.CallExec, "ROLLBACK", nil)
	return err
}
