package peers

import (
	"testing"
	"time"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

type recordingEmitter struct {
	lost    []mesh.NodeID
	coords  []mesh.NodeID
	changes int
}

func (r *recordingEmitter) PeerLost(p Peer) { r.lost = append(r.lost, p.ID) }
func (r *recordingEmitter) CoordinatorChanged(_, now mesh.NodeID) {
	r.coords = append(r.coords, now)
	r.changes++
}

func hb(name, role string) *protocol.Heartbeat {
	return &protocol.Heartbeat{Name: name, Role: role, Version: "1.0.0"}
}

func TestUpdateCreatesPeerOnFirstContact(t *testing.T) {
	d := New(10, 15*time.Second, 0, nil)
	now := time.Now()

	d.Update(20, hb("light", "actuator"), now)

	p, ok := d.Get(20)
	if !ok {
		t.Fatal("expected peer 20 to exist")
	}
	if !p.Alive {
		t.Error("expected new peer to be alive")
	}
	if p.Name != "light" || p.Role != "actuator" {
		t.Errorf("peer = %+v, want name=light role=actuator", p)
	}
}

func TestTickDemotesStalePeers(t *testing.T) {
	em := &recordingEmitter{}
	d := New(10, 15*time.Second, 0, em)
	now := time.Now()

	d.Update(20, hb("light", "actuator"), now)
	d.Tick(now.Add(10 * time.Second))
	if p, _ := d.Get(20); !p.Alive {
		t.Fatal("peer should still be alive within liveness timeout")
	}

	d.Tick(now.Add(20 * time.Second))
	p, ok := d.Get(20)
	if !ok {
		t.Fatal("demotion must not delete the peer")
	}
	if p.Alive {
		t.Error("expected peer to be demoted after liveness timeout")
	}
	if len(em.lost) != 1 || em.lost[0] != 20 {
		t.Errorf("lost = %v, want [20]", em.lost)
	}

	// Sweeping again must not re-fire peer-lost.
	d.Tick(now.Add(25 * time.Second))
	if len(em.lost) != 1 {
		t.Errorf("peer-lost fired %d times, want 1", len(em.lost))
	}
}

func TestEvictionAfterGracePeriod(t *testing.T) {
	d := New(10, 15*time.Second, 60*time.Second, nil)
	now := time.Now()

	d.Update(20, hb("light", "actuator"), now)
	d.Tick(now.Add(30 * time.Second))
	if _, ok := d.Get(20); !ok {
		t.Fatal("peer should survive demotion")
	}

	d.Tick(now.Add(2 * time.Minute))
	if _, ok := d.Get(20); ok {
		t.Error("expected peer to be evicted after grace period")
	}
}

func TestNoEvictionWhenDisabled(t *testing.T) {
	d := New(10, 15*time.Second, 0, nil)
	now := time.Now()

	d.Update(20, hb("light", "actuator"), now)
	d.Tick(now.Add(24 * time.Hour))
	if _, ok := d.Get(20); !ok {
		t.Error("evict_after=0 must never delete peers")
	}
}

func TestCoordinatorLowestAliveID(t *testing.T) {
	d := New(10, 15*time.Second, 0, nil)
	now := time.Now()

	if d.Coordinator() != 10 {
		t.Fatalf("alone, self must be coordinator, got %d", d.Coordinator())
	}
	if !d.IsCoordinator() {
		t.Fatal("expected IsCoordinator with no peers")
	}

	d.Update(5, hb("a", "sensor"), now)
	if d.Coordinator() != 5 {
		t.Errorf("coordinator = %d, want 5", d.Coordinator())
	}
	if d.Mode() != protocol.ModeNode {
		t.Errorf("mode = %q, want NODE", d.Mode())
	}

	d.Update(30, hb("b", "sensor"), now)
	if d.Coordinator() != 5 {
		t.Errorf("coordinator = %d, want 5 still", d.Coordinator())
	}

	// Coordinator dies: election falls back to next lowest alive.
	d.Tick(now.Add(20 * time.Second))
	if d.Coordinator() != 10 {
		t.Errorf("coordinator = %d, want self (10) after sweep", d.Coordinator())
	}
}

func TestCoordinatorDeterminism(t *testing.T) {
	// Identical alive-peer sets on two nodes yield the identical coordinator.
	now := time.Now()
	a := New(10, 15*time.Second, 0, nil)
	b := New(20, 15*time.Second, 0, nil)

	a.Update(20, hb("b", "sensor"), now)
	a.Update(7, hb("c", "sensor"), now)
	b.Update(10, hb("a", "sensor"), now)
	b.Update(7, hb("c", "sensor"), now)

	if a.Coordinator() != b.Coordinator() {
		t.Errorf("coordinators diverge: %d vs %d", a.Coordinator(), b.Coordinator())
	}
	if a.Coordinator() != 7 {
		t.Errorf("coordinator = %d, want 7", a.Coordinator())
	}
}

func TestMarkDownDemotesImmediately(t *testing.T) {
	em := &recordingEmitter{}
	d := New(10, 15*time.Second, 0, em)
	now := time.Now()

	d.Update(5, hb("a", "sensor"), now)
	if d.Coordinator() != 5 {
		t.Fatalf("coordinator = %d, want 5", d.Coordinator())
	}

	d.MarkDown(5, now)
	p, _ := d.Get(5)
	if p.Alive {
		t.Error("expected peer demoted by MarkDown")
	}
	if d.Coordinator() != 10 {
		t.Errorf("coordinator = %d, want 10 after coordinator loss", d.Coordinator())
	}
	if len(em.lost) != 1 {
		t.Errorf("peer-lost fired %d times, want 1", len(em.lost))
	}
}

func TestByName(t *testing.T) {
	d := New(10, 15*time.Second, 0, nil)
	now := time.Now()
	d.Update(20, hb("light", "actuator"), now)

	if id, ok := d.ByName("light"); !ok || id != 20 {
		t.Errorf("ByName(light) = %d,%v want 20,true", id, ok)
	}
	if _, ok := d.ByName("nope"); ok {
		t.Error("unknown name must not resolve")
	}
}

func TestAliveWithRole(t *testing.T) {
	d := New(10, 15*time.Second, 0, nil)
	now := time.Now()
	d.Update(20, hb("s1", "sensor"), now)
	d.Update(30, hb("s2", "sensor"), now)
	d.Update(40, hb("l1", "actuator"), now)
	d.MarkDown(30, now)

	got := d.AliveWithRole("sensor")
	if len(got) != 1 || got[0] != 20 {
		t.Errorf("AliveWithRole(sensor) = %v, want [20]", got)
	}
}
