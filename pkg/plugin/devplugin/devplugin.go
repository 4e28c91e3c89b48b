// Package devplugin implements the "dev" test-only plugin named in
// spec.md §6's plugin list but never detailed there: deterministic
// error injection so the rest of the pipeline and the failover
// handlers can be exercised against a simulated failure without a real
// database.
package devplugin

import (
	"context"
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/plugin"
)

// Plugin raises an injected error on a configured method, either every
// call (RaiseErrorOnMethod) or on a specific call number
// (RaiseErrorOnCall), then passes through normally.
type Plugin struct {
	mu sync.Mutex

	everyCall    map[plugin.Method]error
	onCallNumber map[plugin.Method]map[int]error
	counts       map[plugin.Method]int
}

// New builds an empty Plugin; raise conditions are configured
// afterward via RaiseErrorOnMethod/RaiseErrorOnCall.
func New() *Plugin {
	return &Plugin{
		everyCall:    make(map[plugin.Method]error),
		onCallNumber: make(map[plugin.Method]map[int]error),
		counts:       make(map[plugin.Method]int),
	}
}

func (p *Plugin) Name() string { return "dev" }

func (p *Plugin) Subscribes() []plugin.Method { return []plugin.Method{plugin.MethodWildcard} }

// RaiseErrorOnMethod makes every future call to method return err
// instead of reaching next. Passing a nil err clears the condition.
func (p *Plugin) RaiseErrorOnMethod(method plugin.Method, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.everyCall, method)
		return
	}
	p.everyCall[method] = err
}

// RaiseErrorOnCall makes the n-th call (1-indexed) to method return
// err instead of reaching next; calls before and after n pass through.
func (p *Plugin) RaiseErrorOnCall(method plugin.Method, n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.onCallNumber[method] == nil {
		p.onCallNumber[method] = make(map[int]error)
	}
	p.onCallNumber[method][n] = err
}

// Reset clears every configured condition and call counter.
func (p *Plugin) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.everyCall = make(map[plugin.Method]error)
	p.onCallNumber = make(map[plugin.Method]map[int]error)
	p.counts = make(map[plugin.Method]int)
}

func (p *Plugin) Execute(ctx context.Context, method plugin.Method, args any, next plugin.NextFunc) (any, error) {
	if err := p.nextError(method); err != nil {
		return nil, err
	}
	return next(ctx, args)
}

// Lookup finds the dev plugin in pipeline, if one was wired in. It
// lives here rather than in pkg/plugin/registry.go (as spec.md §9's
// design note names it) because pkg/plugin/registry.go sits in the
// package devplugin already imports; a generic typed lookup for this
// package's own type has to live on this side of that boundary.
func Lookup(pipeline *plugin.Pipeline) (*Plugin, bool) {
	pl, ok := plugin.Lookup(pipeline, "dev")
	if !ok {
		return nil, false
	}
	dev, ok := pl.(*Plugin)
	return dev, ok
}

func (p *Plugin) nextError(method plugin.Method) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.counts[method]++
	if err, ok := p.everyCall[method]; ok {
		return err
	}
	if byCall, ok := p.onCallNumber[method]; ok {
		if err, ok := byCall[p.counts[method]]; ok {
			return err
		}
	}
	return nil
}
