package failover

import (
	"context"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/internal/xlog"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/dialect"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/telemetry"
)

// ForceConnectFunc dials host directly, bypassing the plugin pipeline,
// matching PluginService.ForceConnect's role without importing
// pkg/wrapper.
type ForceConnectFunc func(ctx context.Context, host *hostinfo.HostInfo) (driverx.Conn, error)

// WriterHandler implements spec.md §4.10: a two-task race between
// reconnecting to the original writer and waiting, via a reader
// connection, for a newly-elected writer to appear.
type WriterHandler struct {
	ForceConnect ForceConnectFunc
	Refresh      RefreshFunc
	Reader       *ReaderHandler

	MaxFailoverTimeout         time.Duration
	ReconnectionWriterInterval time.Duration
	ReadTopologyInterval       time.Duration

	Features map[dialect.Feature]bool
	Logger   xlog.Logger
	Tracer   telemetry.Tracer // nil uses telemetry.NoopTracer{}
}

// NewWriterHandler builds a WriterHandler. A nil logger defaults to
// xlog.NopLogger{}.
func NewWriterHandler(forceConnect ForceConnectFunc, refresh RefreshFunc, reader *ReaderHandler, maxFailoverTimeout, reconnectInterval, readTopologyInterval time.Duration, features map[dialect.Feature]bool, logger xlog.Logger) *WriterHandler {
	if logger == nil {
		logger = xlog.NopLogger{}
	}
	return &WriterHandler{
		ForceConnect:               forceConnect,
		Refresh:                    refresh,
		Reader:                     reader,
		MaxFailoverTimeout:         maxFailoverTimeout,
		ReconnectionWriterInterval: reconnectInterval,
		ReadTopologyInterval:       readTopologyInterval,
		Features:                   features,
		Logger:                     logger,
	}
}

// Failover races taskA (reconnect to originalWriter) against taskB
// (wait for a new writer via a reader), per spec.md §4.10's outcome
// resolution: the first task to return "wins" if it is connected, in
// error, or the dialect disables task A; otherwise the handler awaits
// the other task too.
func (h *WriterHandler) Failover(ctx context.Context, topology *hostinfo.Topology, originalWriter *hostinfo.HostInfo) (result *WriterFailoverResult, err error) {
	tracer := h.Tracer
	if tracer == nil {
		tracer = telemetry.NoopTracer{}
	}
	ctx, span := tracer.StartSpan(ctx, "failover.writer")
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	ctx, cancel := context.WithTimeout(ctx, h.MaxFailoverTimeout)
	defer cancel()

	singleTaskMode := h.Features[dialect.DisableTaskA]

	resultsA := make(chan *WriterFailoverResult, 1)
	resultsB := make(chan *WriterFailoverResult, 1)

	ctxA, cancelA := context.WithCancel(ctx)
	ctxB, cancelB := context.WithCancel(ctx)
	defer cancelA()
	defer cancelB()

	aStarted := !singleTaskMode
	if aStarted {
		go func() { resultsA <- h.taskReconnectToWriter(ctxA, originalWriter) }()
	}
	go func() { resultsB <- h.taskWaitForNewWriter(ctxB, topology, originalWriter) }()

	start := time.Now()
	var first, second *WriterFailoverResult
	var firstIsA bool

	select {
	case first = <-resultsA:
		firstIsA = true
	case first = <-resultsB:
		firstIsA = false
	case <-ctx.Done():
		cancelA()
		cancelB()
		if aStarted {
			drainWriterResult(resultsA)
		}
		drainWriterResult(resultsB)
		return &WriterFailoverResult{IsConnected: false, Err: ErrFailoverTimeout}, ErrFailoverTimeout
	}

	if first.IsConnected || first.Err != nil || singleTaskMode {
		if firstIsA {
			cancelB()
			drainWriterResult(resultsB)
		} else {
			cancelA()
			if aStarted {
				drainWriterResult(resultsA)
			}
		}
		return first, first.Err
	}

	// Neither connected nor errored outright: await the other task too.
	if firstIsA {
		cancelA()
		select {
		case second = <-resultsB:
		case <-ctx.Done():
			cancelB()
			drainWriterResult(resultsB)
			return &WriterFailoverResult{IsConnected: false, Err: ErrFailoverTimeout}, ErrFailoverTimeout
		}
	} else {
		cancelB()
		select {
		case second = <-resultsA:
		case <-ctx.Done():
			cancelA()
			drainWriterResult(resultsA)
			return &WriterFailoverResult{IsConnected: false, Err: ErrFailoverTimeout}, ErrFailoverTimeout
		}
	}

	if second.IsConnected {
		return second, nil
	}
	h.Logger.Printf("failover: writer failover exhausted both tasks after %dms", elapsedSince(start))
	return &WriterFailoverResult{IsConnected: false, Err: ErrFailoverTimeout}, ErrFailoverTimeout
}

// drainWriterResult waits in the background for a task whose result is
// no longer needed and closes its Client if it connected after all, so
// a cancelled task that raced past its ctx check doesn't leak a live
// connection. Mirrors ReaderHandler.raceBatch's background drain of
// its losing probes.
func drainWriterResult(ch <-chan *WriterFailoverResult) {
	go func() {
		if r := <-ch; r != nil && r.IsConnected && r.Client != nil {
			_ = r.Client.Close()
		}
	}()
}

// taskReconnectToWriter is Task A: repeatedly force-connects to
// originalWriter, force-refreshing topology after each success, until
// the original writer's aliases appear as the topology's current
// writer.
func (h *WriterHandler) taskReconnectToWriter(ctx context.Context, originalWriter *hostinfo.HostInfo) *WriterFailoverResult {
	var pending driverx.Conn
	defer func() {
		if pending != nil {
			_ = pending.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return &WriterFailoverResult{IsConnected: false, TaskName: "taskA"}
		case <-time.After(h.ReconnectionWriterInterval):
		}

		conn, err := h.ForceConnect(ctx, originalWriter)
		if err != nil {
			h.Logger.Printf("failover taskA: reconnect to %s failed: %v", originalWriter.Host(), err)
			continue
		}
		pending = conn

		topo, err := h.Refresh(ctx, conn)
		if err != nil {
			h.Logger.Printf("failover taskA: topology refresh via %s failed: %v", originalWriter.Host(), err)
			continue
		}

		writer := topo.Writer()
		if writer != nil && sharesAlias(writer, originalWriter) {
			pending = nil // ownership transfers to the caller
			return &WriterFailoverResult{
				IsConnected: true,
				IsNewHost:   false,
				Topology:    topo,
				Client:      conn,
				TaskName:    "taskA",
			}
		}
	}
}

// taskWaitForNewWriter is Task B: obtains a reader connection, then
// polls the topology through it until a writer distinct from
// originalWriter appears, at which point it force-connects to the new
// writer and closes the reader.
func (h *WriterHandler) taskWaitForNewWriter(ctx context.Context, initialTopology *hostinfo.Topology, originalWriter *hostinfo.HostInfo) *WriterFailoverResult {
	readerResult, err := h.Reader.Failover(ctx, initialTopology, nil)
	if err != nil || readerResult.Client == nil {
		return &WriterFailoverResult{IsConnected: false, TaskName: "taskB", Err: err}
	}
	reader := readerResult.Client
	closeReader := true
	defer func() {
		if closeReader {
			_ = reader.Close()
		}
	}()

	allowOriginalWriter := h.Features[dialect.EnableWriterInTaskB]

	for {
		select {
		case <-ctx.Done():
			return &WriterFailoverResult{IsConnected: false, TaskName: "taskB"}
		case <-time.After(h.ReadTopologyInterval):
		}

		topo, err := h.Refresh(ctx, reader)
		if err != nil {
			h.Logger.Printf("failover taskB: topology refresh via reader failed: %v", err)
			continue
		}
		if topo.IsEmpty() || len(topo.Hosts) == 1 {
			// Transient single-node/standalone view; tolerated per spec.md §4.10.
			continue
		}

		writer := topo.Writer()
		if writer == nil {
			continue
		}
		if sharesAlias(writer, originalWriter) && !allowOriginalWriter {
			continue
		}

		conn, err := h.ForceConnect(ctx, writer)
		if err != nil {
			h.Logger.Printf("failover taskB: connect to new writer %s failed: %v", writer.Host(), err)
			continue
		}
		closeReader = false
		_ = reader.Close()
		return &WriterFailoverResult{
			IsConnected: true,
			IsNewHost:   !sharesAlias(writer, originalWriter),
			Topology:    topo,
			Client:      conn,
			TaskName:    "taskB",
		}
	}
}

func sharesAlias(a, b *hostinfo.HostInfo) bool {
	if a == nil || b == nil {
		return false
	}
	for _, alias := range a.AllAliases() {
		if b.HasAlias(alias) {
			return true
		}
	}
	return false
}
