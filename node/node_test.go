package node

import (
	"path/filepath"
	"testing"
	"time"

	"hivemesh/config"
	"hivemesh/mesh"
	"hivemesh/ota"
	"hivemesh/protocol"
	"hivemesh/rcp"
)

func testConfig(name, role string) *config.Config {
	cfg := config.Defaults()
	cfg.NodeName = name
	cfg.Role = role
	cfg.Heartbeat.Interval = time.Second
	cfg.Heartbeat.LivenessTimeout = 3 * time.Second
	cfg.Sync.Interval = 5 * time.Second
	cfg.RCP.DefaultTimeout = 2 * time.Second
	return cfg
}

func newTestNode(t *testing.T, hub *mesh.Hub, id mesh.NodeID, name, role string) *Node {
	t.Helper()
	images, err := ota.NewDualSlotStore(filepath.Join(t.TempDir(), name))
	if err != nil {
		t.Fatalf("image store: %v", err)
	}
	n, err := New(Options{
		Config:    testConfig(name, role),
		Transport: hub.Attach(id),
		Images:    images,
	})
	if err != nil {
		t.Fatalf("new node %s: %v", name, err)
	}
	return n
}

func tickAll(now time.Time, nodes ...*Node) {
	for _, n := range nodes {
		n.Tick(now)
	}
}

// settle runs enough tick rounds for heartbeats and replies to circulate.
func settle(start time.Time, rounds int, nodes ...*Node) time.Time {
	now := start
	for i := 0; i < rounds; i++ {
		now = now.Add(250 * time.Millisecond)
		tickAll(now, nodes...)
	}
	return now
}

func TestColdStartConvergence(t *testing.T) {
	hub := mesh.NewHub(1)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")
	c := newTestNode(t, hub, 30, "c", "actuator")

	settle(time.Now(), 10, a, b, c)

	for _, n := range []*Node{a, b, c} {
		if got := n.dir.Coordinator(); got != 10 {
			t.Errorf("%s: coordinator = %s, want N A (10)", n.Name(), got.ShortName())
		}
		if n.dir.AliveCount() != 2 {
			t.Errorf("%s: alive peers = %d, want 2", n.Name(), n.dir.AliveCount())
		}
	}
	if !a.dir.IsCoordinator() {
		t.Error("lowest ID must elect itself")
	}
	if p, ok := b.dir.Get(30); !ok || p.Role != "actuator" || p.Name != "c" {
		t.Errorf("b's view of c = %+v", p)
	}
}

func TestCoordinatorFailoverAndRejoin(t *testing.T) {
	hub := mesh.NewHub(2)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")
	c := newTestNode(t, hub, 30, "c", "sensor")

	now := settle(time.Now(), 10, a, b, c)

	// The coordinator drops off the mesh.
	hub.Detach(10)
	now = settle(now, 4, b, c)
	if b.dir.Coordinator() != 20 || c.dir.Coordinator() != 20 {
		t.Fatalf("failover: coordinators = %s %s, want N14",
			b.dir.Coordinator().ShortName(), c.dir.Coordinator().ShortName())
	}
	if !b.dir.IsCoordinator() {
		t.Error("next-lowest must take over")
	}

	// The lowest ID comes back and reclaims the role.
	a2 := newTestNode(t, hub, 10, "a", "sensor")
	settle(now, 10, a2, b, c)
	for _, n := range []*Node{a2, b, c} {
		if got := n.dir.Coordinator(); got != 10 {
			t.Errorf("%s: coordinator = %s after rejoin, want 10", n.Name(), got.ShortName())
		}
	}
}

func TestStateWritePropagates(t *testing.T) {
	hub := mesh.NewHub(3)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")
	c := newTestNode(t, hub, 30, "c", "sensor")

	now := settle(time.Now(), 4, a, b, c)

	a.Do(func() { a.SetState("mode", "eco") })
	settle(now, 4, a, b, c)

	for _, n := range []*Node{b, c} {
		if got := n.states.Get("mode", ""); got != "eco" {
			t.Errorf("%s: mode = %q, want eco", n.Name(), got)
		}
		e, _ := n.states.Entry("mode")
		if e.Origin != 10 || e.Version != 1 {
			t.Errorf("%s: entry = %+v", n.Name(), e)
		}
	}
}

func TestNewPeerReceivesStateOnJoin(t *testing.T) {
	hub := mesh.NewHub(4)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")

	now := settle(time.Now(), 4, a, b)
	a.Do(func() {
		a.SetState("mode", "manual")
		a.SetState("setpoint", "21.5")
	})
	now = settle(now, 4, a, b)

	// A latecomer must converge from the join push, well before the
	// periodic sync interval.
	d := newTestNode(t, hub, 40, "d", "sensor")
	settle(now, 4, a, b, d)

	if got := d.states.Get("mode", ""); got != "manual" {
		t.Errorf("late joiner mode = %q, want manual", got)
	}
	if got := d.states.Get("setpoint", ""); got != "21.5" {
		t.Errorf("late joiner setpoint = %q, want 21.5", got)
	}
}

func TestBroadcastAddressSenderRejected(t *testing.T) {
	hub := mesh.NewHub(8)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")

	now := settle(time.Now(), 6, a, b)

	// A malformed envelope claiming to come from the broadcast address
	// would win every lowest-ID election if it created a peer.
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, mesh.Broadcast,
		&protocol.Heartbeat{Name: "ghost", Role: "sensor"})
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	a.inbox <- data
	settle(now, 2, a, b)

	if _, ok := a.dir.Get(mesh.Broadcast); ok {
		t.Error("a heartbeat from the broadcast address must not create a peer")
	}
	if got := a.dir.Coordinator(); got != 10 {
		t.Errorf("coordinator = %s, want the lowest real node", got.ShortName())
	}
}

// runCommand pumps ticks while a SendCommand round trip completes.
func runCommand(t *testing.T, sender *Node, nodes []*Node, target rcp.Target, name string, args map[string]string, opts rcp.SendOpts) (rcp.Result, error) {
	t.Helper()
	type outcome struct {
		res rcp.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		res, err := sender.SendCommand(target, name, args, opts)
		ch <- outcome{res, err}
	}()

	now := time.Now()
	for i := 0; i < 100; i++ {
		select {
		case o := <-ch:
			return o.res, o.err
		default:
		}
		now = now.Add(100 * time.Millisecond)
		tickAll(now, nodes...)
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("command never completed")
	return rcp.Result{}, nil
}

func TestBroadcastPingCollectsAllReplies(t *testing.T) {
	hub := mesh.NewHub(5)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")
	c := newTestNode(t, hub, 30, "c", "sensor")
	nodes := []*Node{a, b, c}
	settle(time.Now(), 6, nodes...)

	res, err := runCommand(t, a, nodes, rcp.All(), "ping", nil,
		rcp.SendOpts{Timeout: 3 * time.Second, Expect: 2})
	if err != nil {
		t.Fatalf("ping: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("ping result = %+v, want success", res)
	}
	if len(res.Replies) != 2 {
		t.Errorf("replies = %d, want 2", len(res.Replies))
	}
	for _, r := range res.Replies {
		if !r.Ok {
			t.Errorf("reply from %s not ok: %s", r.From.ShortName(), r.Error)
		}
	}
}

func TestCommandByNameAndStatus(t *testing.T) {
	hub := mesh.NewHub(6)
	a := newTestNode(t, hub, 10, "a", "sensor")
	b := newTestNode(t, hub, 20, "b", "sensor")
	nodes := []*Node{a, b}
	settle(time.Now(), 6, nodes...)

	res, err := runCommand(t, a, nodes, rcp.ByName("b"), "status", nil, rcp.SendOpts{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !res.Ok() || len(res.Replies) != 1 {
		t.Fatalf("result = %+v", res)
	}

	// Unknown names fail locally, before anything hits the wire.
	if _, err := runCommand(t, a, nodes, rcp.ByName("nope"), "status", nil, rcp.SendOpts{Timeout: time.Second}); err == nil {
		t.Error("unknown name must fail locally")
	}
}

func TestPrivilegedCommandGating(t *testing.T) {
	hub := mesh.NewHub(7)
	a := newTestNode(t, hub, 10, "a", "sensor") // coordinator
	b := newTestNode(t, hub, 20, "b", "sensor")
	c := newTestNode(t, hub, 30, "c", "sensor")
	c.cfg.RCP.RequirePrivileged = true
	nodes := []*Node{a, b, c}
	settle(time.Now(), 6, nodes...)

	args := map[string]string{"key": "mode", "value": "eco"}

	res, err := runCommand(t, b, nodes, rcp.ByID(30), "set", args, rcp.SendOpts{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("set from peer: %v", err)
	}
	if len(res.Replies) != 1 || res.Replies[0].Ok {
		t.Fatalf("set from non-coordinator must be refused, got %+v", res)
	}

	res, err = runCommand(t, a, nodes, rcp.ByID(30), "set", args, rcp.SendOpts{Timeout: 3 * time.Second})
	if err != nil {
		t.Fatalf("set from coordinator: %v", err)
	}
	if !res.Ok() {
		t.Fatalf("set from coordinator refused: %+v", res)
	}
	if got := c.states.Get("mode", ""); got != "eco" {
		t.Errorf("mode = %q after privileged set, want eco", got)
	}
}
