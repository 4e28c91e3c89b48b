package selector

import (
	"strings"
	"sync"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// clusterState is the per-cluster round-robin bookkeeping from
// spec.md §4.8: which host was last returned, how many more times it
// should repeat, the configured per-host weights, the configured
// default weight, and the last-seen raw property values (used to
// detect a property change and reset state).
type clusterState struct {
	mu                 sync.Mutex
	lastHost           string
	weightCounter      int
	clusterWeights     map[string]int
	defaultWeight      int
	lastWeightPairsRaw string
	lastDefaultWeight  int
}

const roundRobinStateTTL = 10 * time.Minute

// RoundRobin implements spec.md §4.8's weighted round-robin selector.
// Per-cluster state is cached 10 minutes, keyed by clusterID, matching
// "Shared resources: Per-cluster round-robin state: process-wide."
type RoundRobin struct {
	states *cache.SlidingCache[string, *clusterState]
}

// NewRoundRobin creates a RoundRobin selector with its own process-wide
// per-cluster state cache.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{states: cache.New[string, *clusterState](time.Minute)}
}

func (*RoundRobin) Accepts(s Strategy) bool { return s == RoundRobinStrategy }

// SelectForCluster is the full selector entry point: clusterID scopes
// the round-robin state, weightPairsRaw is the
// "roundRobinHostWeightPairs" property, defaultWeight is
// "roundRobinDefaultWeight" (>=1).
func (rr *RoundRobin) SelectForCluster(clusterID string, hosts []*hostinfo.HostInfo, role hostinfo.Role, weightPairsRaw string, defaultWeight int) (*hostinfo.HostInfo, error) {
	if defaultWeight < 1 {
		defaultWeight = 1
	}
	elig := eligible(hosts, role)
	if len(elig) == 0 {
		return nil, ErrNoEligibleHosts
	}

	weights, err := ParseWeightPairs(weightPairsRaw)
	if err != nil {
		return nil, err
	}

	st := rr.states.ComputeIfAbsent(clusterID, func(string) *clusterState {
		return &clusterState{clusterWeights: map[string]int{}}
	}, roundRobinStateTTL)

	st.mu.Lock()
	defer st.mu.Unlock()

	if weightPairsRaw != st.lastWeightPairsRaw || defaultWeight != st.lastDefaultWeight {
		st.lastWeightPairsRaw = weightPairsRaw
		st.lastDefaultWeight = defaultWeight
		st.clusterWeights = weights
		st.defaultWeight = defaultWeight
		st.lastHost = ""
		st.weightCounter = 0
	}

	if st.weightCounter > 0 && st.lastHost != "" {
		if h := findByHost(elig, st.lastHost); h != nil {
			st.weightCounter--
			return h, nil
		}
	}

	next := advance(elig, st.lastHost)
	st.lastHost = next.Host()
	w := weightFor(st.clusterWeights, next.Host())
	if w < 1 {
		w = st.defaultWeight
	}
	st.weightCounter = w - 1

	return next, nil
}

// Select implements the plain Selector interface with no weighting,
// equivalent to SelectForCluster with an empty weight-pairs property
// (spec.md scenario S3: alphabetical round robin with default weight).
func (rr *RoundRobin) Select(hosts []*hostinfo.HostInfo, role hostinfo.Role) (*hostinfo.HostInfo, error) {
	return rr.SelectForCluster("default", hosts, role, "", 1)
}

func weightFor(weights map[string]int, host string) int {
	if w, ok := weights[host]; ok {
		return w
	}
	for h, w := range weights {
		if strings.EqualFold(h, host) {
			return w
		}
	}
	return 0
}

func findByHost(hosts []*hostinfo.HostInfo, host string) *hostinfo.HostInfo {
	for _, h := range hosts {
		if h.Host() == host {
			return h
		}
	}
	return nil
}

// advance returns the eligible host following lastHost in the
// (alphabetically sorted) eligible list, wrapping around; if lastHost
// is empty or no longer present, it returns the first eligible host.
func advance(elig []*hostinfo.HostInfo, lastHost string) *hostinfo.HostInfo {
	if lastHost == "" {
		return elig[0]
	}
	for i, h := range elig {
		if h.Host() == lastHost {
			return elig[(i+1)%len(elig)]
		}
	}
	return elig[0]
}
