// Package monitor implements spec.md §4.11/§4.12: the high-frequency
// cluster topology monitor and the EFM (enhanced failure monitoring)
// per-host liveness probing subsystem.
package monitor

import (
	"sync"

	"github.com/aws-samples/cluster-aware-db-wrapper/internal/driverx"
	"go.uber.org/atomic"
)

// clientRegistry is the epoch-counter-plus-lookup emulation of a weak
// reference called for by spec.md §9's design note ("implement as an
// epoch counter plus a registry lookup if true weak references are
// unavailable"). A MonitorConnectionContext holds only an epoch, never
// the driverx.Conn itself, so a monitor goroutine can never keep a
// user's connection alive past its real lifetime: once the owning call
// deregisters, lookups for that epoch simply miss.
type clientRegistry struct {
	epoch atomic.Uint64

	mu      sync.RWMutex
	clients map[uint64]driverx.Conn
}

func newClientRegistry() *clientRegistry {
	return &clientRegistry{clients: make(map[uint64]driverx.Conn)}
}

// register hands out a fresh epoch for client and stores it, returning
// the epoch the caller must keep (not the connection itself).
func (r *clientRegistry) register(client driverx.Conn) uint64 {
	epoch := r.epoch.Inc()
	r.mu.Lock()
	r.clients[epoch] = client
	r.mu.Unlock()
	return epoch
}

// resolve looks up the connection still registered under epoch, or
// false if it has since been deregistered (the "weak reference" has
// gone stale).
func (r *clientRegistry) resolve(epoch uint64) (driverx.Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[epoch]
	return c, ok
}

// deregister drops epoch, the moment at which a resolve for it starts
// missing.
func (r *clientRegistry) deregister(epoch uint64) {
	r.mu.Lock()
	delete(r.clients, epoch)
	r.mu.Unlock()
}
