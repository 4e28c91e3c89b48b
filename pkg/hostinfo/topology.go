package hostinfo

// Topology is an ordered, immutable-once-published snapshot of a
// cluster's members, keyed by ClusterID. Callers never mutate a
// Topology in place; a refresh produces a new one and publishes it
// whole, satisfying "Topology cache updates publish the whole list at
// once; readers never see a partially-built topology" (spec.md §5).
type Topology struct {
	ClusterID string
	Hosts     []*HostInfo
}

// Writer returns the single WRITER host in the topology, or nil if
// none is currently known (the "momentary transient empty or
// single-node standalone state" the spec tolerates).
func (t Topology) Writer() *HostInfo {
	for _, h := range t.Hosts {
		if h.Role() == RoleWriter {
			return h
		}
	}
	return nil
}

// Readers returns every READER host in the topology.
func (t Topology) Readers() []*HostInfo {
	var out []*HostInfo
	for _, h := range t.Hosts {
		if h.Role() == RoleReader {
			out = append(out, h)
		}
	}
	return out
}

// ByHostID finds a member by its cluster-assigned instance id.
func (t Topology) ByHostID(id string) *HostInfo {
	for _, h := range t.Hosts {
		if h.HostID() == id {
			return h
		}
	}
	return nil
}

// ByAlias finds a member whose alias set contains alias.
func (t Topology) ByAlias(alias string) *HostInfo {
	for _, h := range t.Hosts {
		if h.HasAlias(alias) {
			return h
		}
	}
	return nil
}

// Contains reports whether host (matched by any alias) is present
// with the given role.
func (t Topology) Contains(alias string, role Role) bool {
	h := t.ByAlias(alias)
	return h != nil && h.Role() == role
}

// HostAndPortAliases returns the canonical host:port strings for every
// member, used when fanning out availability updates by alias.
func (t Topology) HostAndPortAliases() []string {
	out := make([]string, 0, len(t.Hosts))
	for _, h := range t.Hosts {
		out = append(out, canonicalAlias(h.Host(), h.Port()))
	}
	return out
}

// IsEmpty reports whether the topology currently has no members.
func (t Topology) IsEmpty() bool { return len(t.Hosts) == 0 }
