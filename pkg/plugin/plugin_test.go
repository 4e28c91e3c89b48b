package plugin

import (
	"context"
	"fmt"
	"testing"
)

type recordingPlugin struct {
	name  string
	subs  []Method
	trace *[]string
}

func (p *recordingPlugin) Name() string         { return p.name }
func (p *recordingPlugin) Subscribes() []Method { return p.subs }
func (p *recordingPlugin) Execute(ctx context.Context, method Method, args any, next NextFunc) (any, error) {
	*p.trace = append(*p.trace, "before:"+p.name)
	res, err := next(ctx, args)
	*p.trace = append(*p.trace, "after:"+p.name)
	return res, err
}

func TestPipelineRunsSubscribedPluginsHeadFirst(t *testing.T) {
	var trace []string
	a := &recordingPlugin{name: "a", subs: []Method{MethodExecute}, trace: &trace}
	b := &recordingPlugin{name: "b", subs: []Method{MethodExecute}, trace: &trace}
	c := &recordingPlugin{name: "c", subs: []Method{MethodConnect}, trace: &trace}

	pipe := New(a, b, c)
	terminal := func(ctx context.Context, args any) (any, error) {
		trace = append(trace, "driver")
		return "ok", nil
	}

	res, err := pipe.Run(context.Background(), MethodExecute, "host1", nil, terminal)
	if err != nil {
		t.Fatal(err)
	}
	if res != "ok" {
		t.Fatalf("got %v", res)
	}

	want := []string{"before:a", "before:b", "driver", "after:b", "after:a"}
	if len(trace) != len(want) {
		t.Fatalf("trace = %v, want %v", trace, want)
	}
	for i := range want {
		if trace[i] != want[i] {
			t.Fatalf("trace[%d] = %q, want %q (full: %v)", i, trace[i], want[i], trace)
		}
	}
}

func TestPipelineMemoizesSubscribedSetPerMethodAndHost(t *testing.T) {
	var trace []string
	a := &recordingPlugin{name: "a", subs: []Method{MethodExecute}, trace: &trace}
	pipe := New(a)

	terminal := func(context.Context, any) (any, error) { return nil, nil }
	pipe.Run(context.Background(), MethodExecute, "host1", nil, terminal)
	subs1 := pipe.subscribedFor(MethodExecute, "host1")
	subs2 := pipe.subscribedFor(MethodExecute, "host1")
	if len(subs1) != 1 || len(subs2) != 1 {
		t.Fatalf("expected memoized single-plugin chain, got %v / %v", subs1, subs2)
	}
	if _, ok := pipe.chains[chainKey{method: MethodExecute, host: "host1"}]; !ok {
		t.Fatal("expected the subscribed set for (execute, host1) to be memoized")
	}
}

func TestPipelineWildcardSubscription(t *testing.T) {
	var trace []string
	w := &recordingPlugin{name: "w", subs: []Method{MethodWildcard}, trace: &trace}
	pipe := New(w)

	terminal := func(context.Context, any) (any, error) { return nil, nil }
	if _, err := pipe.Run(context.Background(), MethodNotifyHostListChanged, "", nil, terminal); err != nil {
		t.Fatal(err)
	}
	if len(trace) != 2 {
		t.Fatalf("expected wildcard plugin to run for any method, trace=%v", trace)
	}
}

type shortCircuitPlugin struct{}

func (shortCircuitPlugin) Name() string         { return "short" }
func (shortCircuitPlugin) Subscribes() []Method { return []Method{MethodConnect} }
func (shortCircuitPlugin) Execute(ctx context.Context, method Method, args any, next NextFunc) (any, error) {
	return nil, fmt.Errorf("short-circuited")
}

func TestPipelinePluginCanShortCircuit(t *testing.T) {
	pipe := New(shortCircuitPlugin{})
	called := false
	terminal := func(context.Context, any) (any, error) {
		called = true
		return nil, nil
	}
	_, err := pipe.Run(context.Background(), MethodConnect, "", nil, terminal)
	if err == nil {
		t.Fatal("expected error from short-circuiting plugin")
	}
	if called {
		t.Fatal("terminal should not have been reached")
	}
}
