package mesh

import (
	"math/rand"
	"sync"
)

// Hub is an in-process mesh for tests. Endpoints attached to the same hub can
// broadcast and unicast to each other with synchronous delivery. Delivery
// faults (duplication, reordering) can be injected to exercise the
// at-least-once, unordered contract.
type Hub struct {
	mu        sync.Mutex
	endpoints map[NodeID]*Loopback

	// DupEvery duplicates every Nth delivered payload (0 = never).
	DupEvery int
	// Shuffle buffers deliveries and releases them in random order when
	// Flush is called, instead of delivering synchronously.
	Shuffle bool
	rng     *rand.Rand

	sent    int
	pending []delivery
}

type delivery struct {
	to      NodeID // Broadcast = everyone but the sender
	from    NodeID
	payload []byte
}

// NewHub creates an empty hub.
func NewHub(seed int64) *Hub {
	return &Hub{
		endpoints: make(map[NodeID]*Loopback),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Attach creates an endpoint with the given id and joins it to the hub,
// firing peer-up on the existing members.
func (h *Hub) Attach(id NodeID) *Loopback {
	lb := &Loopback{hub: h, id: id}
	h.mu.Lock()
	existing := make([]*Loopback, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		existing = append(existing, ep)
	}
	h.endpoints[id] = lb
	h.mu.Unlock()

	for _, ep := range existing {
		ep.firePeerUp(id)
		lb.firePeerUp(ep.id)
	}
	return lb
}

// Detach removes an endpoint, firing peer-down on the remaining members.
func (h *Hub) Detach(id NodeID) {
	h.mu.Lock()
	delete(h.endpoints, id)
	rest := make([]*Loopback, 0, len(h.endpoints))
	for _, ep := range h.endpoints {
		rest = append(rest, ep)
	}
	h.mu.Unlock()

	for _, ep := range rest {
		ep.firePeerDown(id)
	}
}

func (h *Hub) send(d delivery) {
	h.mu.Lock()
	h.sent++
	dup := h.DupEvery > 0 && h.sent%h.DupEvery == 0
	if h.Shuffle {
		h.pending = append(h.pending, d)
		if dup {
			h.pending = append(h.pending, d)
		}
		h.mu.Unlock()
		return
	}
	h.mu.Unlock()

	h.deliver(d)
	if dup {
		h.deliver(d)
	}
}

// Flush delivers all buffered payloads in random order. No-op unless Shuffle
// is set.
func (h *Hub) Flush() {
	h.mu.Lock()
	batch := h.pending
	h.pending = nil
	h.rng.Shuffle(len(batch), func(i, j int) {
		batch[i], batch[j] = batch[j], batch[i]
	})
	h.mu.Unlock()

	for _, d := range batch {
		h.deliver(d)
	}
}

func (h *Hub) deliver(d delivery) {
	h.mu.Lock()
	var targets []*Loopback
	if d.to == Broadcast {
		for id, ep := range h.endpoints {
			if id != d.from {
				targets = append(targets, ep)
			}
		}
	} else if ep, ok := h.endpoints[d.to]; ok {
		targets = append(targets, ep)
	}
	h.mu.Unlock()

	for _, ep := range targets {
		ep.receive(d.payload)
	}
}

// Loopback is a single endpoint on a Hub, implementing Transport.
type Loopback struct {
	hub *Hub
	id  NodeID

	mu     sync.Mutex
	recv   func([]byte)
	peerUp func(NodeID)
	peerDn func(NodeID)
}

func (l *Loopback) SelfID() NodeID { return l.id }

func (l *Loopback) Broadcast(payload []byte) error {
	l.hub.send(delivery{to: Broadcast, from: l.id, payload: payload})
	return nil
}

func (l *Loopback) Unicast(to NodeID, payload []byte) error {
	l.hub.send(delivery{to: to, from: l.id, payload: payload})
	return nil
}

func (l *Loopback) SetReceiveHandler(fn func([]byte)) {
	l.mu.Lock()
	l.recv = fn
	l.mu.Unlock()
}

func (l *Loopback) SetPeerHandlers(up, down func(NodeID)) {
	l.mu.Lock()
	l.peerUp = up
	l.peerDn = down
	l.mu.Unlock()
}

func (l *Loopback) Close() { l.hub.Detach(l.id) }

func (l *Loopback) receive(payload []byte) {
	l.mu.Lock()
	fn := l.recv
	l.mu.Unlock()
	if fn != nil {
		fn(payload)
	}
}

func (l *Loopback) firePeerUp(id NodeID) {
	l.mu.Lock()
	fn := l.peerUp
	l.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

func (l *Loopback) firePeerDown(id NodeID) {
	l.mu.Lock()
	fn := l.peerDn
	l.mu.Unlock()
	if fn != nil {
		fn(id)
	}
}

var _ Transport = (*Loopback)(nil)
var _ Transport = (*Client)(nil)
