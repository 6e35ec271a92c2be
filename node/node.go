// Package node composes the control plane on top of a mesh transport: peer
// directory, replicated state, command routing, and OTA. All core state is
// owned by a single tick goroutine; transport callbacks and external callers
// enqueue into it rather than locking.
package node

import (
	"context"
	"errors"
	"log"
	"runtime"
	"time"

	"hivemesh/config"
	"hivemesh/mesh"
	"hivemesh/ota"
	"hivemesh/peers"
	"hivemesh/protocol"
	"hivemesh/rcp"
	"hivemesh/state"
)

const (
	inboxSize = 256
	opsSize   = 64
)

var errNoChunkSource = errors.New("node: no firmware source configured")

// Options wires a Node. Source and Reporter are only set on gateway nodes;
// every node can still coordinate a locally created rollout through Images.
type Options struct {
	Config    *config.Config
	Transport mesh.Transport
	Images    ota.ImageStore
	Source    ota.ChunkSource
	Reporter  ota.Reporter
}

// Node is one mesh participant.
type Node struct {
	cfg   *config.Config
	tr    mesh.Transport
	self  mesh.NodeID
	start time.Time

	dir    *peers.Directory
	states *state.Store
	router *rcp.Router
	dist   *ota.Distributor
	recv   *ota.Receiver
	ingest *protocol.Ingestor

	Events *EventBus

	// OnReboot is invoked when a privileged reboot command is accepted.
	// On embedded targets this restarts the process; nil just logs.
	OnReboot func()

	inbox chan []byte
	ops   chan func()

	gauges        map[string]int64
	lastHeartbeat time.Time
	lastSync      time.Time
	now           time.Time
}

// New builds a node around an attached transport.
func New(opts Options) (*Node, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	n := &Node{
		cfg:    cfg,
		tr:     opts.Transport,
		self:   opts.Transport.SelfID(),
		start:  time.Now(),
		Events: NewEventBus(),
		inbox:  make(chan []byte, inboxSize),
		ops:    make(chan func(), opsSize),
		gauges: make(map[string]int64),
		now:    time.Now(),
	}

	n.dir = peers.New(n.self, cfg.Heartbeat.LivenessTimeout, cfg.Heartbeat.EvictAfter, &peerEmitter{n: n})
	n.states = state.New(n.self)
	n.states.Watch(state.Wildcard, func(key, old, new string) {
		n.Events.Emit(Event{Type: EventStateChanged, Timestamp: n.now,
			Payload: StateChangedEvent{Key: key, Old: old, New: new}})
	})
	n.router = rcp.New(n.self, n.tr, n.dir, cfg.RCP.DefaultTimeout)

	source := opts.Source
	if source == nil {
		source = ota.ChunkSourceFunc(func(string, int) ([]byte, error) {
			return nil, errNoChunkSource
		})
	}
	n.dist = ota.NewDistributor(n.self, n.dir, n.tr, source, &reportEmitter{n: n, next: opts.Reporter}, cfg.OTA.StallTimeout)
	n.recv = ota.NewReceiver(n.self, cfg.Role, cfg.FirmwareMD5, n.tr, opts.Images, cfg.OTA.ChunkTimeout, cfg.OTA.MaxRetries)
	n.recv.OnApplied = func(jobID, md5 string) {
		n.Events.Emit(Event{Type: EventFirmwareApplied, Timestamp: n.now,
			Payload: FirmwareAppliedEvent{JobID: jobID, MD5: md5}})
	}

	n.ingest = protocol.NewIngestor(&meshHandler{n: n}, func(hdr *protocol.RawHeader) bool {
		if hdr.From == mesh.Broadcast {
			return false // no legitimate sender carries the broadcast address
		}
		return hdr.From != n.self // broadcasts echo back on some transports
	})

	n.tr.SetReceiveHandler(func(payload []byte) {
		select {
		case n.inbox <- payload:
		default:
			log.Printf("node: inbox full, dropping message")
		}
	})
	n.tr.SetPeerHandlers(
		func(id mesh.NodeID) { n.Do(func() { n.peerUp(id) }) },
		func(id mesh.NodeID) { n.Do(func() { n.dir.MarkDown(id, n.now) }) },
	)

	n.registerBuiltins()
	return n, nil
}

// Tick runs one cooperative cycle. Everything that mutates core state happens
// here, in a fixed order: external ops, inbound messages, then the periodic
// sweeps and emissions.
func (n *Node) Tick(now time.Time) {
	n.now = now

drainOps:
	for {
		select {
		case fn := <-n.ops:
			fn()
		default:
			break drainOps
		}
	}
drainInbox:
	for {
		select {
		case raw := <-n.inbox:
			n.ingest.HandleRaw(raw)
		default:
			break drainInbox
		}
	}

	n.dir.Tick(now)
	n.router.Tick(now)
	n.dist.Tick(now)
	n.recv.Tick(now)

	if now.Sub(n.lastHeartbeat) >= n.cfg.Heartbeat.Interval {
		n.lastHeartbeat = now
		n.sendHeartbeat(mesh.Broadcast)
	}
	if n.cfg.Sync.Interval > 0 && now.Sub(n.lastSync) >= n.cfg.Sync.Interval {
		n.lastSync = now
		n.sendSync(mesh.Broadcast)
	}
}

// Run drives Tick until the context is cancelled.
func (n *Node) Run(ctx context.Context) {
	n.recv.ReportAbandoned(time.Now())
	ticker := time.NewTicker(n.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-ticker.C:
			n.Tick(t)
		}
	}
}

// Do schedules fn onto the tick goroutine. It blocks when the op queue is
// full, applying backpressure to external callers.
func (n *Node) Do(fn func()) {
	n.ops <- fn
}

// DoSync schedules fn and waits for it to run.
func (n *Node) DoSync(fn func()) {
	done := make(chan struct{})
	n.ops <- func() {
		fn()
		close(done)
	}
	<-done
}

// ID returns the local node ID.
func (n *Node) ID() mesh.NodeID { return n.self }

// Name returns the configured display name.
func (n *Node) Name() string { return n.cfg.NodeName }

// peerUp handles a transport presence event: refresh liveness and push our
// state so the newcomer converges without waiting for the sync interval.
func (n *Node) peerUp(id mesh.NodeID) {
	n.dir.Touch(id, n.now)
	n.sendHeartbeat(id)
	n.sendSync(id)
}

func (n *Node) sendHeartbeat(to mesh.NodeID) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	gauges := make(map[string]int64, len(n.gauges))
	for k, v := range n.gauges {
		gauges[k] = v
	}
	hb := protocol.Heartbeat{
		Name:     n.cfg.NodeName,
		Role:     n.cfg.Role,
		Mode:     n.dir.Mode(),
		Version:  n.cfg.FirmwareVersion,
		Uptime:   int64(n.now.Sub(n.start).Seconds()),
		MemFree:  ms.HeapIdle,
		States:   n.states.Len(),
		Gauges:   gauges,
		Hardware: n.cfg.Hardware,
	}
	n.broadcastOrUnicast(to, protocol.TypeHeartbeat, &hb)
}

func (n *Node) sendSync(to mesh.NodeID) {
	sync := protocol.StateSync{Entries: n.states.Snapshot()}
	if len(sync.Entries) == 0 && to == mesh.Broadcast {
		return
	}
	n.broadcastOrUnicast(to, protocol.TypeStateSync, &sync)
}

func (n *Node) broadcastOrUnicast(to mesh.NodeID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, n.self, payload)
	if err != nil {
		log.Printf("node: encode %s: %v", msgType, err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Printf("node: encode %s envelope: %v", msgType, err)
		return
	}
	if to == mesh.Broadcast {
		err = n.tr.Broadcast(data)
	} else {
		err = n.tr.Unicast(to, data)
	}
	if err != nil {
		log.Printf("node: send %s: %v", msgType, err)
	}
}

// SetState applies a local write and broadcasts the delta. Must run on the
// tick; external callers go through Do or the exported snapshot helpers.
func (n *Node) SetState(key, value string) {
	e, changed := n.states.Set(key, value, n.now)
	if !changed {
		return
	}
	set := protocol.StateSet{Key: key, Value: value, Version: e.Version, Origin: e.Origin}
	n.broadcastOrUnicast(mesh.Broadcast, protocol.TypeStateSet, &set)
}

// SetHeartbeatGauge publishes a named gauge in subsequent heartbeats. Safe
// from any goroutine.
func (n *Node) SetHeartbeatGauge(name string, value int64) {
	n.Do(func() { n.gauges[name] = value })
}

// Peers returns a directory snapshot, marshaled through the tick.
func (n *Node) Peers() []peers.Peer {
	var out []peers.Peer
	n.DoSync(func() { out = n.dir.Snapshot() })
	return out
}

// States returns a replicated-state snapshot, marshaled through the tick.
func (n *Node) States() []protocol.StateSet {
	var out []protocol.StateSet
	n.DoSync(func() { out = n.states.Snapshot() })
	return out
}

// Coordinator returns the current election result.
func (n *Node) Coordinator() (id mesh.NodeID, self bool) {
	n.DoSync(func() {
		id = n.dir.Coordinator()
		self = n.dir.IsCoordinator()
	})
	return id, self
}

// Distributor exposes the OTA job machine. Only touch it from the tick, via
// Do or DoSync.
func (n *Node) Distributor() *ota.Distributor { return n.dist }

// SendCommand routes a command from an external caller and blocks until the
// result fires or target resolution fails.
func (n *Node) SendCommand(target rcp.Target, name string, args map[string]string, opts rcp.SendOpts) (rcp.Result, error) {
	resCh := make(chan rcp.Result, 1)
	errCh := make(chan error, 1)
	n.Do(func() {
		err := n.router.Send(target, name, args, func(res rcp.Result) {
			resCh <- res
		}, opts, n.now)
		if err != nil {
			errCh <- err
		}
	})
	select {
	case res := <-resCh:
		return res, nil
	case err := <-errCh:
		return rcp.Result{}, err
	}
}

// peerEmitter adapts directory notifications onto the event bus.
type peerEmitter struct {
	n *Node
}

func (e *peerEmitter) PeerLost(p peers.Peer) {
	log.Printf("node: peer %s (%s) lost", p.ID.ShortName(), p.Name)
	e.n.Events.Emit(Event{Type: EventPeerLost, Timestamp: e.n.now, Payload: PeerLostEvent{Peer: p}})
}

func (e *peerEmitter) CoordinatorChanged(old, now mesh.NodeID) {
	self := now == e.n.self
	if self {
		log.Printf("node: assuming coordinator role (was %s)", old.ShortName())
	} else {
		log.Printf("node: coordinator is now %s (was %s)", now.ShortName(), old.ShortName())
	}
	e.n.Events.Emit(Event{Type: EventCoordinatorChanged, Timestamp: e.n.now,
		Payload: CoordinatorChangedEvent{Old: old, New: now, Self: self}})
}

// reportEmitter tees distributor progress onto the event bus before the
// gateway reporter, if any.
type reportEmitter struct {
	n    *Node
	next ota.Reporter
}

func (e *reportEmitter) JobStarted(job *ota.Job) {
	e.n.Events.Emit(Event{Type: EventOTAJobStarted, Timestamp: e.n.now, Payload: OTAJobEvent{Job: job}})
	if e.next != nil {
		e.next.JobStarted(job)
	}
}

func (e *reportEmitter) NodeProgress(jobID string, node mesh.NodeID, p ota.NodeProgress) {
	e.n.Events.Emit(Event{Type: EventOTANodeProgress, Timestamp: e.n.now,
		Payload: OTANodeProgressEvent{JobID: jobID, Node: node, Progress: p}})
	if e.next != nil {
		e.next.NodeProgress(jobID, node, p)
	}
}

func (e *reportEmitter) JobFinished(job *ota.Job) {
	e.n.Events.Emit(Event{Type: EventOTAJobFinished, Timestamp: e.n.now, Payload: OTAJobEvent{Job: job}})
	if e.next != nil {
		e.next.JobFinished(job)
	}
}

// meshHandler dispatches decoded messages into the owning subsystems. Runs on
// the tick goroutine via the inbox drain.
type meshHandler struct {
	protocol.NoOpHandler
	n *Node
}

func (h *meshHandler) HandleHeartbeat(env *protocol.Envelope, p *protocol.Heartbeat) {
	prev, known := h.n.dir.Get(env.From)
	h.n.dir.Update(env.From, p, h.n.now)
	if !known || !prev.Alive {
		cur, _ := h.n.dir.Get(env.From)
		h.n.Events.Emit(Event{Type: EventPeerUp, Timestamp: h.n.now, Payload: PeerUpEvent{Peer: cur}})
		if !known {
			// First contact: hand the newcomer our full map right away.
			h.n.sendSync(env.From)
		}
	}
}

func (h *meshHandler) HandleStateSet(env *protocol.Envelope, p *protocol.StateSet) {
	h.n.dir.Touch(env.From, h.n.now)
	h.n.states.ApplyRemote(p.Key, p.Value, p.Version, p.Origin, h.n.now)
}

func (h *meshHandler) HandleStateSync(env *protocol.Envelope, p *protocol.StateSync) {
	h.n.dir.Touch(env.From, h.n.now)
	h.n.states.Merge(p.Entries, h.n.now)
}

func (h *meshHandler) HandleStateRequest(env *protocol.Envelope, p *protocol.StateRequest) {
	h.n.dir.Touch(env.From, h.n.now)
	h.n.sendSync(env.From)
}

func (h *meshHandler) HandleCommand(env *protocol.Envelope, p *protocol.Command) {
	h.n.dir.Touch(env.From, h.n.now)
	h.n.router.HandleCommand(env, p)
}

func (h *meshHandler) HandleCommandReply(env *protocol.Envelope, p *protocol.CommandReply) {
	h.n.dir.Touch(env.From, h.n.now)
	h.n.router.HandleReply(env, p)
}

func (h *meshHandler) HandleOTAAnnounce(env *protocol.Envelope, p *protocol.OTAAnnounce) {
	h.n.recv.HandleAnnounce(p, h.n.now)
}

func (h *meshHandler) HandleOTAChunkRequest(env *protocol.Envelope, p *protocol.OTAChunkRequest) {
	h.n.dist.HandleChunkRequest(env.From, p, h.n.now)
}

func (h *meshHandler) HandleOTAChunk(env *protocol.Envelope, p *protocol.OTAChunk) {
	h.n.recv.HandleChunk(p, h.n.now)
}

func (h *meshHandler) HandleOTAStatus(env *protocol.Envelope, p *protocol.OTAStatus) {
	h.n.dist.HandleStatus(env.From, p, h.n.now)
}
