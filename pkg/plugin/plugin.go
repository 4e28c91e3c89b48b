// Package plugin implements the chain-of-responsibility pipeline from
// spec.md §4.7: plugins subscribe to method names, and for each call
// the pipeline builds and memoizes a chain ending in the raw driver
// call, mirroring the teacher's habit of keeping interception as a
// single small abstraction (transport's connection observers) rather
// than a framework.
package plugin

import (
	"context"
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/telemetry"
)

// Method names the intercepted pipeline entry points from spec.md
// §4.7's "special intercepted methods" list.
type Method string

const (
	MethodConnect                 Method = "connect"
	MethodForceConnect            Method = "forceConnect"
	MethodExecute                 Method = "execute"
	MethodInitHostProvider        Method = "initHostProvider"
	MethodNotifyConnectionChanged Method = "notifyConnectionChanged"
	MethodNotifyHostListChanged   Method = "notifyHostListChanged"
	MethodAcceptsStrategy         Method = "acceptsStrategy"
	MethodGetHostInfoByStrategy   Method = "getHostInfoByStrategy"

	// MethodSetReadOnly is not one of spec.md §4.7's special intercepted
	// methods; it is the read-write splitting plugin's own interception
	// point for the "SET READ ONLY" call the wrapper recognizes per
	// spec.md §1's non-goal carve-out for trivial SQL parsing.
	MethodSetReadOnly Method = "setReadOnly"

	// MethodWildcard subscribes a plugin to every method.
	MethodWildcard Method = "*"
)

// ConnectArgs is the payload threaded through the pipeline for
// MethodConnect/MethodForceConnect. It lives here, not in pkg/wrapper,
// so that connect-intercepting plugins (connectplugin, staledns) can
// type-assert on it without importing pkg/wrapper, which imports them
// back to wire the pipeline.
type ConnectArgs struct {
	Host   *hostinfo.HostInfo
	Config driverx.ConnConfig
}

// NextFunc is the continuation a plugin calls to hand control to the
// next plugin in the chain, or to the raw driver call for the last
// plugin in the chain.
type NextFunc func(ctx context.Context, args any) (any, error)

// Plugin intercepts pipeline calls it subscribes to. Execute must call
// next exactly once to continue the chain, unless it means to
// short-circuit it (e.g. to return a cached result or a typed
// failover error without reaching the driver).
type Plugin interface {
	Name() string
	Subscribes() []Method
	Execute(ctx context.Context, method Method, args any, next NextFunc) (any, error)
}

// Subscribes reports whether p is subscribed to method, honoring
// MethodWildcard.
func Subscribes(p Plugin, method Method) bool {
	for _, m := range p.Subscribes() {
		if m == method || m == MethodWildcard {
			return true
		}
	}
	return false
}

// chainKey is the memoization key from spec.md §4.7: "Per-pair
// (method, hostInfo) the built chain is memoized." Pipeline memoizes
// the filtered, ordered plugin list for a key rather than a closure,
// since the call arguments and terminal func legitimately vary call to
// call while the subscribed-plugin set for (method, host) does not.
type chainKey struct {
	method Method
	host   string
}

// Pipeline holds an ordered list of plugins and memoizes, per
// (method, host), which of them are subscribed.
type Pipeline struct {
	plugins []Plugin
	tracer  telemetry.Tracer

	mu     sync.Mutex
	chains map[chainKey][]Plugin
}

// New builds a Pipeline from plugins in the given, preserved order.
// Tracing defaults to telemetry.NoopTracer{}; use SetTracer to wire a
// real one.
func New(plugins ...Plugin) *Pipeline {
	return &Pipeline{
		plugins: plugins,
		tracer:  telemetry.NoopTracer{},
		chains:  make(map[chainKey][]Plugin),
	}
}

// SetTracer replaces the pipeline's tracer. Every Run call after this
// starts a span named after the method being dispatched.
func (p *Pipeline) SetTracer(t telemetry.Tracer) {
	if t == nil {
		t = telemetry.NoopTracer{}
	}
	p.tracer = t
}

// Run executes the pipeline for method against hostKey (an opaque
// identifier distinguishing chains per target host; callers without a
// meaningful host may pass ""), invoking terminal as the innermost
// driver call once every subscribed plugin has had a chance to
// intercept.
func (p *Pipeline) Run(ctx context.Context, method Method, hostKey string, args any, terminal NextFunc) (any, error) {
	ctx, span := p.tracer.StartSpan(ctx, "plugin."+string(method))
	defer span.End()
	span.SetAttribute("host", hostKey)

	subscribed := p.subscribedFor(method, hostKey)

	chain := terminal
	for i := len(subscribed) - 1; i >= 0; i-- {
		pl := subscribed[i]
		next := chain
		chain = func(ctx context.Context, args any) (any, error) {
			return pl.Execute(ctx, method, args, next)
		}
	}
	res, err := chain(ctx, args)
	if err != nil {
		span.RecordError(err)
	}
	return res, err
}

func (p *Pipeline) subscribedFor(method Method, hostKey string) []Plugin {
	key := chainKey{method: method, host: hostKey}

	p.mu.Lock()
	defer p.mu.Unlock()
	if subs, ok := p.chains[key]; ok {
		return subs
	}

	var subscribed []Plugin
	for _, pl := range p.plugins {
		if Subscribes(pl, method) {
			subscribed = append(subscribed, pl)
		}
	}
	p.chains[key] = subscribed
	return subscribed
}

// Reset clears every memoized chain, used after plugin configuration
// changes (rare; normally the plugin list is fixed for a pipeline's
// lifetime).
func (p *Pipeline) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chains = make(map[chainKey][]Plugin)
}

// Plugins returns the pipeline's plugin list in configured order.
func (p *Pipeline) Plugins() []Plugin {
	out := make([]Plugin, len(p.plugins))
	copy(out, p.plugins)
	return out
}
