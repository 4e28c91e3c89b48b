package selector

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// UnknownResponseTime is returned by ResponseTimeMonitor.Latest when no
// measurement has completed yet, matching spec.md §4.8's "MAX if
// unknown" so that hosts with no data sort last.
const UnknownResponseTime = time.Duration(math.MaxInt64)

// ResponseTimeMonitor pings a single host on an interval and exposes
// its most recently measured round-trip time.
type ResponseTimeMonitor struct {
	host     *hostinfo.HostInfo
	dialer   driverx.Dialer
	interval time.Duration
	cfg      driverx.ConnConfig

	mu      sync.RWMutex
	latest  time.Duration
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewResponseTimeMonitor starts a background probe loop against host,
// measuring round-trip latency every interval via a fresh ping. Call
// Stop to release it.
func NewResponseTimeMonitor(host *hostinfo.HostInfo, dialer driverx.Dialer, cfg driverx.ConnConfig, interval time.Duration) *ResponseTimeMonitor {
	m := &ResponseTimeMonitor{
		host:     host,
		dialer:   dialer,
		interval: interval,
		cfg:      cfg,
		latest:   UnknownResponseTime,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go m.loop()
	return m
}

func (m *ResponseTimeMonitor) loop() {
	defer close(m.doneCh)
	t := time.NewTicker(m.interval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-t.C:
			m.probe()
		}
	}
}

func (m *ResponseTimeMonitor) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()

	start := time.Now()
	conn, err := m.dialer.Dial(ctx, m.host.Host(), m.host.Port(), m.cfg)
	if err != nil {
		m.setLatest(UnknownResponseTime)
		return
	}
	defer conn.Close()
	if err := conn.PingContext(ctx); err != nil {
		m.setLatest(UnknownResponseTime)
		return
	}
	m.setLatest(time.Since(start))
}

func (m *ResponseTimeMonitor) setLatest(d time.Duration) {
	m.mu.Lock()
	m.latest = d
	m.mu.Unlock()
}

// Latest returns the most recently measured latency, or
// UnknownResponseTime if no successful probe has completed yet.
func (m *ResponseTimeMonitor) Latest() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest
}

// Stop halts the background probe loop and waits for it to exit.
func (m *ResponseTimeMonitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// monitorDisposalTime is how long an idle ResponseTimeMonitor survives
// in the cache before being stopped, matching the "process-wide
// sliding caches with disposal" resource model in spec.md §5.
const monitorDisposalTime = 10 * time.Minute

// FastestResponse maintains one ResponseTimeMonitor per host and
// selects the host with the lowest measured latency for the requested
// role, falling back to Random when every latency is unknown.
type FastestResponse struct {
	dialer            driverx.Dialer
	connConfig        driverx.ConnConfig
	measurementPeriod time.Duration

	monitors *cache.SlidingCache[string, *ResponseTimeMonitor]
	winners  *cache.SlidingCache[hostinfo.Role, string]
	fallback Random
}

// NewFastestResponse creates a FastestResponse selector. dialer and
// connConfig are used to open the per-host probe connections.
func NewFastestResponse(dialer driverx.Dialer, connConfig driverx.ConnConfig, measurementPeriod time.Duration) *FastestResponse {
	fr := &FastestResponse{
		dialer:            dialer,
		connConfig:        connConfig,
		measurementPeriod: measurementPeriod,
	}
	fr.monitors = cache.New[string, *ResponseTimeMonitor](time.Minute, cache.WithDisposal[string, *ResponseTimeMonitor](
		func(*ResponseTimeMonitor) bool { return true },
		func(m *ResponseTimeMonitor) { m.Stop() },
	))
	fr.winners = cache.New[hostinfo.Role, string](time.Minute)
	return fr
}

func (*FastestResponse) Accepts(s Strategy) bool { return s == FastestResponseStrategy }

func (fr *FastestResponse) monitorFor(h *hostinfo.HostInfo) *ResponseTimeMonitor {
	key := h.Host()
	return fr.monitors.ComputeIfAbsent(key, func(string) *ResponseTimeMonitor {
		return NewResponseTimeMonitor(h, fr.dialer, fr.connConfig, fr.measurementPeriod)
	}, monitorDisposalTime)
}

// Select returns the cached fastest host for role if it is still
// present in the topology; otherwise it recomputes by sorting eligible
// hosts by measured response time, falling back to Random selection
// when every measurement is unknown.
func (fr *FastestResponse) Select(hosts []*hostinfo.HostInfo, role hostinfo.Role) (*hostinfo.HostInfo, error) {
	elig := eligible(hosts, role)
	if len(elig) == 0 {
		return nil, ErrNoEligibleHosts
	}

	for _, h := range elig {
		fr.monitorFor(h)
	}

	if cachedHost, ok := fr.winners.Get(role); ok {
		if h := findByHost(elig, cachedHost); h != nil {
			return h, nil
		}
	}

	type scored struct {
		host    *hostinfo.HostInfo
		latency time.Duration
	}
	scoredHosts := make([]scored, 0, len(elig))
	allUnknown := true
	for _, h := range elig {
		lat := fr.monitorFor(h).Latest()
		if lat != UnknownResponseTime {
			allUnknown = false
		}
		scoredHosts = append(scoredHosts, scored{host: h, latency: lat})
	}

	if allUnknown {
		return fr.fallback.Select(elig, role)
	}

	sort.SliceStable(scoredHosts, func(i, j int) bool {
		return scoredHosts[i].latency < scoredHosts[j].latency
	})

	winner := scoredHosts[0].host
	fr.winners.Put(role, winner.Host(), fr.measurementPeriod)
	return winner, nil
}

// Close stops every underlying ResponseTimeMonitor.
func (fr *FastestResponse) Close() {
	fr.monitors.Clear()
}
