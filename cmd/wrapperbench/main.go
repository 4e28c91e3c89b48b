// Command wrapperbench load-tests the host selectors and sliding
// cache under concurrent access, the same shape of workload the
// plugin pipeline drives against them on every query: many goroutines
// calling Select and SlidingCache.PutIfAbsent concurrently against a
// fixed synthetic topology. It mirrors the teacher's
// gocql benchmark harness (concurrency knob, latency sampling,
// pprof profile flag) against this module's own selector/cache code
// instead of a live cluster.
package main

import (
	"flag"
	"fmt"
	"log"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/profile"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/cache"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/selector"
)

type config struct {
	concurrency int64
	iterations  int64
	hosts       int
	strategy    string
	profileCPU  bool
	profileMem  bool
}

func readConfig() config {
	c := config{}
	flag.Int64Var(&c.concurrency, "concurrency", 32, "number of goroutines hammering the selector")
	flag.Int64Var(&c.iterations, "iterations", 200_000, "total selections to perform")
	flag.IntVar(&c.hosts, "hosts", 6, "number of reader hosts in the synthetic topology")
	flag.StringVar(&c.strategy, "strategy", "roundRobin", "roundRobin|random")
	flag.BoolVar(&c.profileCPU, "cpuprofile", false, "write a CPU profile")
	flag.BoolVar(&c.profileMem, "memprofile", false, "write a memory profile")
	flag.Parse()
	return c
}

func main() {
	cfg := readConfig()
	log.Printf("wrapperbench configuration: %#v", cfg)

	if cfg.profileCPU && cfg.profileMem {
		log.Fatal("select one profile type")
	}
	if cfg.profileCPU {
		defer profile.Start(profile.CPUProfile).Stop()
	}
	if cfg.profileMem {
		defer profile.Start(profile.MemProfile).Stop()
	}

	hosts := syntheticTopology(cfg.hosts)

	var sel selector.Selector
	switch cfg.strategy {
	case "random":
		sel = selector.Random{}
	default:
		sel = selector.NewRoundRobin()
	}

	states := cache.New[string, int](time.Minute)

	var completed int64
	latencies := make(chan time.Duration, cfg.iterations)

	log.Println("starting selection benchmark")
	start := time.Now()

	var wg sync.WaitGroup
	for i := int64(0); i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for atomic.AddInt64(&completed, 1) <= cfg.iterations {
				t0 := time.Now()
				host, err := sel.Select(hosts, hostinfo.RoleReader)
				if err != nil {
					log.Fatalf("select: %v", err)
				}
				states.PutIfAbsent(host.Host(), 1, time.Minute)
				latencies <- time.Since(t0)
			}
		}()
	}
	wg.Wait()
	close(latencies)

	elapsed := time.Since(start)
	printLatencyInfo("select", latencies, cfg.iterations)
	log.Printf("ran %d selections across %d goroutines in %s (%d distinct hosts touched)",
		cfg.iterations, cfg.concurrency, elapsed, states.Len())
}

func syntheticTopology(n int) []*hostinfo.HostInfo {
	hosts := make([]*hostinfo.HostInfo, 0, n+1)
	writer, err := hostinfo.NewBuilder("writer.cluster-abc123.us-east-1.rds.amazonaws.com").
		WithPort(3306).WithRole(hostinfo.RoleWriter).WithAvailability(hostinfo.Available).Build()
	if err != nil {
		log.Fatal(err)
	}
	hosts = append(hosts, writer)
	for i := 0; i < n; i++ {
		h, err := hostinfo.NewBuilder(fmt.Sprintf("reader-%d.cluster-abc123.us-east-1.rds.amazonaws.com", i)).
			WithPort(3306).WithRole(hostinfo.RoleReader).WithAvailability(hostinfo.Available).Build()
		if err != nil {
			log.Fatal(err)
		}
		hosts = append(hosts, h)
	}
	return hosts
}

func printLatencyInfo(name string, ch chan time.Duration, expected int64) {
	samples := make([]time.Duration, 0, expected)
	for d := range ch {
		samples = append(samples, d)
	}
	if len(samples) == 0 {
		return
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	p50 := samples[len(samples)*50/100]
	p99 := samples[len(samples)*99/100]
	log.Printf("%s latency: p50=%s p99=%s max=%s", name, p50, p99, samples[len(samples)-1])
}
