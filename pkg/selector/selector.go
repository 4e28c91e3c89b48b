// Package selector implements the host selectors from spec.md §4.8:
// deterministic host choice for a role given a strategy.
package selector

import (
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"strings"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// Strategy names a selection algorithm, used in Properties
// ("readerHostSelectorStrategy").
type Strategy string

const (
	RoundRobinStrategy      Strategy = "roundRobin"
	RandomStrategy          Strategy = "random"
	FastestResponseStrategy Strategy = "fastestResponse"
)

// Selector chooses one HostInfo with the given role from hosts.
type Selector interface {
	Accepts(strategy Strategy) bool
	Select(hosts []*hostinfo.HostInfo, role hostinfo.Role) (*hostinfo.HostInfo, error)
}

var ErrNoEligibleHosts = fmt.Errorf("selector: no eligible hosts for requested role")

// eligible filters hosts by role and availability, then stably sorts
// by lowercased host name, matching "Shared behavior" in spec.md §4.8.
func eligible(hosts []*hostinfo.HostInfo, role hostinfo.Role) []*hostinfo.HostInfo {
	var out []*hostinfo.HostInfo
	for _, h := range hosts {
		if h.Role() == role && h.Availability() == hostinfo.Available {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Host()) < strings.ToLower(out[j].Host())
	})
	return out
}

// ParseWeightPairs parses a "h1:w1,h2:w2" property string into a
// host→weight map. Weights must be integers >= 1.
func ParseWeightPairs(s string) (map[string]int, error) {
	out := make(map[string]int)
	if s == "" {
		return out, nil
	}
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("selector: invalid weight pair %q", pair)
		}
		w, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil || w < 1 {
			return nil, fmt.Errorf("selector: invalid weight for host %q: %q must be an integer >= 1", parts[0], parts[1])
		}
		out[strings.TrimSpace(parts[0])] = w
	}
	return out, nil
}

// SerializeWeightPairs is the left inverse of ParseWeightPairs used by
// spec.md's testable property 9 (round-trip).
func SerializeWeightPairs(weights map[string]int, order []string) string {
	parts := make([]string, 0, len(order))
	for _, h := range order {
		if w, ok := weights[h]; ok {
			parts = append(parts, fmt.Sprintf("%s:%d", h, w))
		}
	}
	return strings.Join(parts, ",")
}

// Random uniformly picks among eligible hosts.
type Random struct {
	Rand *rand.Rand // nil uses the package-level source
}

func (Random) Accepts(s Strategy) bool { return s == RandomStrategy }

func (r Random) Select(hosts []*hostinfo.HostInfo, role hostinfo.Role) (*hostinfo.HostInfo, error) {
	elig := eligible(hosts, role)
	if len(elig) == 0 {
		return nil, ErrNoEligibleHosts
	}
	n := r.intn(len(elig))
	return elig[n], nil
}

func (r Random) intn(n int) int {
	if r.Rand != nil {
		return r.Rand.Intn(n)
	}
	return rand.Intn(n)
}
