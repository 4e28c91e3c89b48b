package failover

import (
	"context"
	"math/rand"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/telemetry"
)

// RefreshFunc re-queries the topology using conn, mirroring
// PluginService.RefreshHostList/ForceRefreshHostList without importing
// pkg/wrapper (which itself will depend on this package).
type RefreshFunc func(ctx context.Context, conn driverx.Conn) (*hostinfo.Topology, error)

// batchDelay is the pause between failed probe batches, per spec.md
// §4.9's "if both fail, sleep 1 s, advance to the next batch".
const batchDelay = time.Second

// batchSize is the spec's fixed "batches of two hosts" probing width.
const batchSize = 2

// ReaderHandler implements spec.md §4.9: parallel probing of reader
// candidates, racing two at a time, bounded by an overall and a
// per-attempt deadline.
type ReaderHandler struct {
	Dialer             driverx.Dialer
	ConnConfig         driverx.ConnConfig
	MaxFailoverTimeout time.Duration
	PerAttemptTimeout  time.Duration
	StrictReader       bool
	Refresh            RefreshFunc
	Logger             xlog.Logger
	Rand               *rand.Rand // nil uses the package-level source
	Tracer             telemetry.Tracer // nil uses telemetry.NoopTracer{}
}

// NewReaderHandler builds a ReaderHandler with the given tunables. A
// nil logger defaults to xlog.NopLogger{}.
func NewReaderHandler(dialer driverx.Dialer, cfg driverx.ConnConfig, maxFailoverTimeout, perAttemptTimeout time.Duration, strictReader bool, refresh RefreshFunc, logger xlog.Logger) *ReaderHandler {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &ReaderHandler{
		Dialer:             dialer,
		ConnConfig:         cfg,
		MaxFailoverTimeout: maxFailoverTimeout,
		PerAttemptTimeout:  perAttemptTimeout,
		StrictReader:       strictReader,
		Refresh:            refresh,
		Logger:             logger,
	}
}

// Failover probes reader candidates from topology (marking currentHost
// unavailable first, if non-nil) until one connects successfully or
// the overall deadline elapses.
func (h *ReaderHandler) Failover(ctx context.Context, topology *hostinfo.Topology, currentHost *hostinfo.HostInfo) (result *ReaderFailoverResult, err error) {
	tracer := h.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	ctx, span := tracer.StartSpan(ctx, "failover.reader")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	if currentHost != nil {
		currentHost.SetAvailability(hostinfo.NotAvailable)
	}

	ctx, cancel := context.WithTimeout(ctx, h.MaxFailoverTimeout)
	defer cancel()

	candidates := h.buildCandidates(topology)
	if len(candidates) == 0 {
		return &ReaderFailoverResult{Err: ErrFailoverTimeout}, ErrFailoverTimeout
	}

	start := time.Now()
	for i := 0; i < len(candidates); {
		if ctx.Err() != nil {
			return &ReaderFailoverResult{Err: ErrFailoverTimeout}, ErrFailoverTimeout
		}

		end := i + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[i:end]
		i = end

		res := h.raceBatch(ctx, batch)
		if res != nil {
			if !h.StrictReader {
				return res, nil
			}
			ok, err := h.verifyReader(ctx, res)
			if err != nil {
				h.Logger.Printf("failover: strict-reader verification failed for %s: %v", res.NewHost.Host(), err)
				_ = res.Client.Close()
				continue
			}
			if ok {
				return res, nil
			}
			h.Logger.Printf("failover: %s connected but is not a reader under strict mode, retrying", res.NewHost.Host())
			_ = res.Client.Close()
			continue
		}

		select {
		case <-ctx.Done():
			return &ReaderFailoverResult{Err: ErrFailoverTimeout}, ErrFailoverTimeout
		case <-time.After(batchDelay):
		}
	}

	h.Logger.Printf("failover: reader failover exhausted candidates after %dms", elapsedSince(start))
	return &ReaderFailoverResult{Err: ErrFailoverTimeout}, ErrFailoverTimeout
}

// verifyReader re-checks, in strict-reader mode, that the connected
// host is still present as a READER in a freshly-refreshed topology.
func (h *ReaderHandler) verifyReader(ctx context.Context, res *ReaderFailoverResult) (bool, error) {
	if h.Refresh == nil {
		return true, nil
	}
	topo, err := h.Refresh(ctx, res.Client)
	if err != nil {
		return false, err
	}
	res.Topology = topo
	for _, alias := range res.NewHost.AllAliases() {
		if topo.Contains(alias, hostinfo.RoleReader) {
			return true, nil
		}
	}
	return false, nil
}

// buildCandidates implements spec.md §4.9 step 2: shuffle the
// AVAILABLE readers, append the shuffled NOT_AVAILABLE readers, then
// optionally append the writer.
func (h *ReaderHandler) buildCandidates(topology *hostinfo.Topology) []*hostinfo.HostInfo {
	var up, down []*hostinfo.HostInfo
	for _, host := range topology.Readers() {
		if host.Availability() == hostinfo.Available {
			up = append(up, host)
		} else {
			down = append(down, host)
		}
	}
	h.shuffle(up)
	h.shuffle(down)

	candidates := append(append([]*hostinfo.HostInfo{}, up...), down...)
	if writer := topology.Writer(); writer != nil && (!h.StrictReader || len(topology.Readers()) == 0) {
		candidates = append(candidates, writer)
	}
	return candidates
}

func (h *ReaderHandler) shuffle(hosts []*hostinfo.HostInfo) {
	r := h.Rand
	swap := func(i, j int) { hosts[i], hosts[j] = hosts[j], hosts[i] }
	if r != nil {
		r.Shuffle(len(hosts), swap)
		return
	}
	rand.Shuffle(len(hosts), swap)
}

// raceBatch probes every host in batch concurrently, each bounded by
// PerAttemptTimeout, and returns the first successful connection,
// closing any other client that also happens to succeed. Returns nil
// if every probe in the batch failed or timed out.
func (h *ReaderHandler) raceBatch(ctx context.Context, batch []*hostinfo.HostInfo) *ReaderFailoverResult {
	type outcome struct {
		host   *hostinfo.HostInfo
		client driverx.Conn
		err    error
	}

	batchCtx, cancelBatch := context.WithTimeout(ctx, h.PerAttemptTimeout)
	defer cancelBatch()

	results := make(chan outcome, len(batch))
	for _, host := range batch {
		host := host
		go func() {
			client, err := h.Dialer.Dial(batchCtx, host.Host(), host.Port(), h.ConnConfig)
			results <- outcome{host: host, client: client, err: err}
		}()
	}

	var winner *outcome
	pending := len(batch)
	for pending > 0 {
		o := <-results
		pending--
		if o.err == nil && winner == nil {
			o.host.SetAvailability(hostinfo.Available)
			winner = &o
			cancelBatch() // stop the sibling probe as soon as one wins
			if pending > 0 {
				// Drain the remaining probes in the background so any
				// late success still gets its connection closed.
				go func(remaining int) {
					for ; remaining > 0; remaining-- {
						if late := <-results; late.err == nil && late.client != nil {
							_ = late.client.Close()
						}
					}
				}(pending)
			}
			break
		}
		if o.err == nil && o.client != nil {
			_ = o.client.Close()
		}
		if o.err != nil {
			h.Logger.Printf("failover: probe to %s failed: %v", o.host.Host(), o.err)
		}
	}

	if winner == nil {
		return nil
	}
	return &ReaderFailoverResult{
		IsConnected: true,
		Client:      winner.client,
		NewHost:     winner.host,
		IsNewHost:   true,
		TaskName:    "reader-failover",
	}
}
