// Package failover implements spec.md §4.9/§4.10: the reader and
// writer failover handlers that probe candidate hosts and race
// reconnection strategies to restore a usable connection after an
// outage.
package failover

import (
	"fmt"
	"time"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"github.com/aws-samples/cluster-aware-db-wrapper/pkg/hostinfo"
)

// ReaderFailoverResult is the outcome of ReaderHandler.Failover.
type ReaderFailoverResult struct {
	IsConnected bool
	Client      driverx.Conn
	NewHost     *hostinfo.HostInfo
	IsNewHost   bool
	Topology    *hostinfo.Topology
	TaskName    string
	Err         error
}

// WriterFailoverResult is the outcome of WriterHandler.Failover.
type WriterFailoverResult struct {
	IsConnected bool
	IsNewHost   bool
	Topology    *hostinfo.Topology
	TaskName    string
	Client      driverx.Conn
	Err         error
}

// ErrFailoverTimeout is returned when the overall failover deadline
// elapses without a healthy host being found.
var ErrFailoverTimeout = fmt.Errorf("failover: timed out")

// elapsedSince returns the whole-millisecond duration since start, for
// populating FailoverFailedError-shaped diagnostics upstream.
func elapsedSince(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
