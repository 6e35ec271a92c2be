// Package peers tracks known mesh peers, heartbeat liveness, and the
// elected coordinator.
package peers

import (
	"sort"
	"time"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

// Peer is one known mesh member.
type Peer struct {
	ID              mesh.NodeID
	Name            string
	Role            string // device role from heartbeat, e.g. "sensor"
	Mode            string // NODE or COORDINATOR, recomputed locally
	FirmwareVersion string
	Hardware        string
	Uptime          int64
	MemFree         uint64
	Gauges          map[string]int64
	LastHeartbeat   time.Time
	Alive           bool
}

// Emitter receives directory notifications.
type Emitter interface {
	PeerLost(p Peer)
	CoordinatorChanged(old, now mesh.NodeID)
}

// Directory owns the peer lifecycle. It is mutated only from the node tick,
// so it carries no locks; cross-node races are absorbed by the state store's
// merge rule, not here.
type Directory struct {
	self            mesh.NodeID
	livenessTimeout time.Duration
	evictAfter      time.Duration

	peers       map[mesh.NodeID]*Peer
	coordinator mesh.NodeID
	emit        Emitter
}

// New creates a directory for the local node. evictAfter 0 means dead peers
// are demoted but never deleted.
func New(self mesh.NodeID, livenessTimeout, evictAfter time.Duration, emit Emitter) *Directory {
	d := &Directory{
		self:            self,
		livenessTimeout: livenessTimeout,
		evictAfter:      evictAfter,
		peers:           make(map[mesh.NodeID]*Peer),
		emit:            emit,
	}
	d.coordinator = self
	return d
}

// Update refreshes a peer from its heartbeat, creating it on first contact.
func (d *Directory) Update(id mesh.NodeID, hb *protocol.Heartbeat, now time.Time) {
	if id == d.self {
		return
	}
	p, ok := d.peers[id]
	if !ok {
		p = &Peer{ID: id}
		d.peers[id] = p
	}
	wasAlive := p.Alive
	p.Name = hb.Name
	p.Role = hb.Role
	p.FirmwareVersion = hb.Version
	p.Hardware = hb.Hardware
	p.Uptime = hb.Uptime
	p.MemFree = hb.MemFree
	p.Gauges = hb.Gauges
	p.LastHeartbeat = now
	p.Alive = true
	if !ok || !wasAlive {
		d.recompute()
	}
}

// Touch refreshes liveness from any message, without role hints. A peer that
// is still talking is not dead, whatever its heartbeat cadence.
func (d *Directory) Touch(id mesh.NodeID, now time.Time) {
	if id == d.self {
		return
	}
	p, ok := d.peers[id]
	if !ok {
		p = &Peer{ID: id}
		d.peers[id] = p
	}
	wasAlive := p.Alive
	p.LastHeartbeat = now
	p.Alive = true
	if !ok || !wasAlive {
		d.recompute()
	}
}

// MarkDown handles a transport peer-down event: demote immediately rather
// than waiting out the liveness timeout.
func (d *Directory) MarkDown(id mesh.NodeID, now time.Time) {
	p, ok := d.peers[id]
	if !ok || !p.Alive {
		return
	}
	p.Alive = false
	if d.emit != nil {
		d.emit.PeerLost(*p)
	}
	d.recompute()
}

// Tick sweeps heartbeat ages: peers past the liveness timeout are demoted
// (never deleted by the sweep itself), and dead peers past the eviction
// grace are removed.
func (d *Directory) Tick(now time.Time) {
	changed := false
	for id, p := range d.peers {
		age := now.Sub(p.LastHeartbeat)
		if p.Alive && age > d.livenessTimeout {
			p.Alive = false
			changed = true
			if d.emit != nil {
				d.emit.PeerLost(*p)
			}
		}
		if !p.Alive && d.evictAfter > 0 && age > d.evictAfter {
			delete(d.peers, id)
		}
	}
	if changed {
		d.recompute()
	}
}

// Coordinator returns the elected coordinator: the alive peer (including
// self) with the numerically smallest ID. Every node derives the same answer
// from the same peer view, so election needs no round trip.
func (d *Directory) Coordinator() mesh.NodeID { return d.coordinator }

// IsCoordinator reports whether the local node is the coordinator.
func (d *Directory) IsCoordinator() bool { return d.coordinator == d.self }

// Mode returns the local node's elected mode string.
func (d *Directory) Mode() string {
	if d.IsCoordinator() {
		return protocol.ModeCoordinator
	}
	return protocol.ModeNode
}

func (d *Directory) recompute() {
	lowest := d.self
	for id, p := range d.peers {
		if p.Alive && id < lowest {
			lowest = id
		}
	}
	if lowest != d.coordinator {
		old := d.coordinator
		d.coordinator = lowest
		for id, p := range d.peers {
			if id == lowest {
				p.Mode = protocol.ModeCoordinator
			} else {
				p.Mode = protocol.ModeNode
			}
		}
		if d.emit != nil {
			d.emit.CoordinatorChanged(old, lowest)
		}
	}
}

// Get returns a copy of one peer.
func (d *Directory) Get(id mesh.NodeID) (Peer, bool) {
	p, ok := d.peers[id]
	if !ok {
		return Peer{}, false
	}
	return *p, true
}

// ByName resolves a peer by display name. Resolution is local; an unknown
// name never goes over the wire.
func (d *Directory) ByName(name string) (mesh.NodeID, bool) {
	for id, p := range d.peers {
		if p.Name == name {
			return id, true
		}
	}
	return 0, false
}

// Snapshot returns all known peers sorted by ID.
func (d *Directory) Snapshot() []Peer {
	out := make([]Peer, 0, len(d.peers))
	for _, p := range d.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AliveWithRole returns the IDs of alive peers matching a device role.
func (d *Directory) AliveWithRole(role string) []mesh.NodeID {
	var out []mesh.NodeID
	for id, p := range d.peers {
		if p.Alive && p.Role == role {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// AliveCount returns the number of alive peers (excluding self).
func (d *Directory) AliveCount() int {
	n := 0
	for _, p := range d.peers {
		if p.Alive {
			n++
		}
	}
	return n
}
