package ota

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"hivemesh/mesh"
	"hivemesh/peers"
	"hivemesh/protocol"
)

type fakeSender struct {
	broadcasts [][]byte
	unicasts   map[mesh.NodeID][][]byte
}

func newFakeSender() *fakeSender {
	return &fakeSender{unicasts: make(map[mesh.NodeID][][]byte)}
}

func (f *fakeSender) Broadcast(p []byte) error {
	f.broadcasts = append(f.broadcasts, p)
	return nil
}

func (f *fakeSender) Unicast(to mesh.NodeID, p []byte) error {
	f.unicasts[to] = append(f.unicasts[to], p)
	return nil
}

func decodeEnv(t *testing.T, raw []byte) *protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return &env
}

// memSource serves a firmware image from memory, split into fixed parts.
type memSource struct {
	image    []byte
	partSize int
}

func (m *memSource) Chunk(fwID string, part int) ([]byte, error) {
	off := part * m.partSize
	end := off + m.partSize
	if end > len(m.image) {
		end = len(m.image)
	}
	return m.image[off:end], nil
}

type recordingReporter struct {
	started  []string
	finished []*Job
	progress []NodeProgress
}

func (r *recordingReporter) JobStarted(j *Job) { r.started = append(r.started, j.ID) }
func (r *recordingReporter) NodeProgress(jobID string, node mesh.NodeID, p NodeProgress) {
	r.progress = append(r.progress, p)
}
func (r *recordingReporter) JobFinished(j *Job) { r.finished = append(r.finished, j) }

func testImage(n int) ([]byte, string) {
	img := bytes.Repeat([]byte("FIRMWARE"), n)
	sum := md5.Sum(img)
	return img, hex.EncodeToString(sum[:])
}

func testDirectory(self mesh.NodeID, now time.Time, sensors ...mesh.NodeID) *peers.Directory {
	dir := peers.New(self, 15*time.Second, 0, nil)
	for _, id := range sensors {
		dir.Update(id, &protocol.Heartbeat{Name: id.ShortName(), Role: "sensor"}, now)
	}
	return dir
}

func TestNewJobValidation(t *testing.T) {
	now := time.Now()
	d := NewDistributor(1, testDirectory(1, now), newFakeSender(), &memSource{}, nil, time.Minute)

	if _, err := d.NewJob("fw1", "", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 4, false, now); err == nil {
		t.Error("empty role must be rejected")
	}
	if _, err := d.NewJob("fw1", "sensor", "esp32", "nothex", 4, false, now); err == nil {
		t.Error("malformed md5 must be rejected")
	}
	if _, err := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 0, false, now); err == nil {
		t.Error("zero parts must be rejected")
	}
	if _, err := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 4, false, now); err != nil {
		t.Errorf("valid job rejected: %v", err)
	}
}

func TestStartSnapshotsAliveTargets(t *testing.T) {
	now := time.Now()
	send := newFakeSender()
	dir := testDirectory(1, now, 20, 30)
	dir.Update(40, &protocol.Heartbeat{Name: "l1", Role: "actuator"}, now)
	dir.MarkDown(30, now) // offline at job start: excluded, not blocking

	d := NewDistributor(1, dir, send, &memSource{}, nil, time.Minute)
	job, err := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 4, false, now)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := d.Start(job.ID, now); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if job.Status != JobDistributing {
		t.Errorf("status = %s, want distributing", job.Status)
	}
	if len(job.Nodes) != 1 {
		t.Fatalf("targeted %d nodes, want 1 (only alive sensor)", len(job.Nodes))
	}
	if _, ok := job.Nodes[20]; !ok {
		t.Error("expected node 20 in targeted set")
	}
	if len(send.broadcasts) != 1 {
		t.Fatalf("announces = %d, want 1", len(send.broadcasts))
	}
	env := decodeEnv(t, send.broadcasts[0])
	if env.Type != protocol.TypeOTAAnnounce {
		t.Errorf("type = %s, want OTA_ANNOUNCE", env.Type)
	}
}

func TestFullTransferRoundTrip(t *testing.T) {
	now := time.Now()
	img, sum := testImage(300) // 2400 bytes -> 3 parts of 1024
	parts := 3

	distSend := newFakeSender()
	dir := testDirectory(1, now, 20)
	rep := &recordingReporter{}
	d := NewDistributor(1, dir, distSend, &memSource{image: img, partSize: 1024}, rep, time.Minute)

	store, err := NewDualSlotStore(t.TempDir())
	if err != nil {
		t.Fatalf("image store: %v", err)
	}
	recvSend := newFakeSender()
	r := NewReceiver(20, "sensor", "0123456789abcdef0123456789abcdef", recvSend, store, 30*time.Second, 10)

	var applied []string
	r.OnApplied = func(jobID, md5 string) { applied = append(applied, md5) }

	job, _ := d.NewJob("fw1", "sensor", "esp32", sum, parts, false, now)
	if err := d.Start(job.ID, now); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Pump announce to the receiver.
	ann := decodeEnv(t, distSend.broadcasts[0])
	var annP protocol.OTAAnnounce
	ann.DecodePayload(&annP)
	r.HandleAnnounce(&annP, now)

	// Pump request/chunk pairs until the receiver stops asking.
	for i := 0; i < parts; i++ {
		if len(recvSend.broadcasts) != i+1 {
			t.Fatalf("after %d parts: %d requests, want %d", i, len(recvSend.broadcasts), i+1)
		}
		reqEnv := decodeEnv(t, recvSend.broadcasts[i])
		var req protocol.OTAChunkRequest
		reqEnv.DecodePayload(&req)
		if req.Part != i {
			t.Fatalf("request %d asks for part %d, want strict order", i, req.Part)
		}
		d.HandleChunkRequest(20, &req, now)

		chunkEnv := decodeEnv(t, distSend.unicasts[20][i])
		var chunk protocol.OTAChunk
		chunkEnv.DecodePayload(&chunk)
		r.HandleChunk(&chunk, now)
	}

	if r.Transferring() {
		t.Fatal("transfer should be finished")
	}
	if len(applied) != 1 || applied[0] != sum {
		t.Errorf("applied = %v, want [%s]", applied, sum)
	}
	if _, pending := store.PendingSlot(); !pending {
		t.Error("expected a slot pending validation")
	}

	// Receiver's completed status finishes the job on the distributor.
	stEnv := decodeEnv(t, recvSend.broadcasts[len(recvSend.broadcasts)-1])
	var st protocol.OTAStatus
	stEnv.DecodePayload(&st)
	if st.Status != string(NodeCompleted) {
		t.Fatalf("final status = %s, want completed", st.Status)
	}
	d.HandleStatus(20, &st, now)

	if job.Status != JobCompleted {
		t.Errorf("job status = %s, want completed", job.Status)
	}
	if len(rep.finished) != 1 {
		t.Errorf("JobFinished fired %d times, want 1", len(rep.finished))
	}

	// MarkValid after "reboot" flips the active slot.
	if err := store.MarkValid(); err != nil {
		t.Fatalf("MarkValid: %v", err)
	}
	if _, pending := store.PendingSlot(); pending {
		t.Error("pending flag must clear after MarkValid")
	}
}

func TestNodeFailureDoesNotBlockOthers(t *testing.T) {
	now := time.Now()
	send := newFakeSender()
	dir := testDirectory(1, now, 20, 30)
	d := NewDistributor(1, dir, send, &memSource{image: make([]byte, 2048), partSize: 1024}, nil, time.Minute)

	job, _ := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 2, false, now)
	d.Start(job.ID, now)

	// Node 20 exhausts its retries and reports failed.
	d.HandleStatus(20, &protocol.OTAStatus{JobID: job.ID, Status: "failed", Error: "part 1 timed out after 10 retries"}, now)
	if job.Status != JobDistributing {
		t.Fatal("one node's failure must not finish the job while 30 is in flight")
	}

	// Node 30 succeeds independently.
	d.HandleStatus(30, &protocol.OTAStatus{JobID: job.ID, Status: "completed", CurrentPart: 2, TotalParts: 2}, now)

	if job.Nodes[20].Status != NodeFailed {
		t.Errorf("node 20 = %s, want failed", job.Nodes[20].Status)
	}
	if job.Nodes[30].Status != NodeCompleted {
		t.Errorf("node 30 = %s, want completed", job.Nodes[30].Status)
	}
	if job.Status != JobFailed {
		t.Errorf("job = %s, want failed once all nodes terminal with one failure", job.Status)
	}
}

func TestStallTimeoutFailsNode(t *testing.T) {
	now := time.Now()
	send := newFakeSender()
	d := NewDistributor(1, testDirectory(1, now, 20), send, &memSource{image: make([]byte, 1024), partSize: 1024}, nil, time.Minute)

	job, _ := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 1, false, now)
	d.Start(job.ID, now)

	d.Tick(now.Add(30 * time.Second))
	if job.Nodes[20].Status.Terminal() {
		t.Fatal("node must not fail before stall timeout")
	}

	d.Tick(now.Add(2 * time.Minute))
	if job.Nodes[20].Status != NodeFailed {
		t.Errorf("node = %s, want failed after stall", job.Nodes[20].Status)
	}
	if job.Status != JobFailed {
		t.Errorf("job = %s, want failed", job.Status)
	}
}

func TestReceiverSkipsMatchingMD5UnlessForced(t *testing.T) {
	now := time.Now()
	store, _ := NewDualSlotStore(t.TempDir())
	send := newFakeSender()
	cur := "d41d8cd98f00b204e9800998ecf8427e"
	r := NewReceiver(20, "sensor", cur, send, store, 30*time.Second, 10)

	r.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j1", Role: "sensor", MD5: cur, Parts: 4}, now)
	if r.Transferring() {
		t.Fatal("matching md5 without force must not download")
	}
	env := decodeEnv(t, send.broadcasts[0])
	var st protocol.OTAStatus
	env.DecodePayload(&st)
	if st.Status != string(NodeCompleted) {
		t.Errorf("skip status = %s, want completed", st.Status)
	}

	// force=true re-downloads.
	r.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j2", Role: "sensor", MD5: cur, Parts: 4, Force: true}, now)
	if !r.Transferring() {
		t.Error("force must re-download a matching image")
	}
}

func TestReceiverIgnoresRoleMismatch(t *testing.T) {
	now := time.Now()
	store, _ := NewDualSlotStore(t.TempDir())
	send := newFakeSender()
	r := NewReceiver(20, "sensor", "", send, store, 30*time.Second, 10)

	r.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j1", Role: "actuator", MD5: "d41d8cd98f00b204e9800998ecf8427e", Parts: 4}, now)
	if r.Transferring() || len(send.broadcasts) != 0 {
		t.Error("role mismatch must never apply or answer an update")
	}
}

func TestReceiverStrictChunkOrder(t *testing.T) {
	now := time.Now()
	store, _ := NewDualSlotStore(t.TempDir())
	send := newFakeSender()
	r := NewReceiver(20, "sensor", "", send, store, 30*time.Second, 10)

	r.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j1", Role: "sensor", MD5: "d41d8cd98f00b204e9800998ecf8427e", Parts: 3}, now)

	// Out-of-order and duplicate parts are ignored, no gaps permitted.
	r.HandleChunk(&protocol.OTAChunk{JobID: "j1", Part: 2, Data: []byte("x")}, now)
	r.HandleChunk(&protocol.OTAChunk{JobID: "j1", Part: 0, Data: []byte("x")}, now)
	r.HandleChunk(&protocol.OTAChunk{JobID: "j1", Part: 0, Data: []byte("x")}, now)

	reqs := 0
	for _, b := range send.broadcasts {
		if decodeEnv(t, b).Type == protocol.TypeOTAChunkRequest {
			reqs++
		}
	}
	// One initial request for part 0, one follow-up for part 1.
	if reqs != 2 {
		t.Errorf("requests = %d, want 2", reqs)
	}
}

func TestReceiverRetryBudget(t *testing.T) {
	now := time.Now()
	store, _ := NewDualSlotStore(t.TempDir())
	send := newFakeSender()
	r := NewReceiver(20, "sensor", "", send, store, 30*time.Second, 2)

	r.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j1", Role: "sensor", MD5: "d41d8cd98f00b204e9800998ecf8427e", Parts: 3}, now)

	// Each timeout re-requests; past the budget the transfer fails.
	r.Tick(now.Add(31 * time.Second))
	r.Tick(now.Add(62 * time.Second))
	if !r.Transferring() {
		t.Fatal("transfer should survive retries within budget")
	}
	r.Tick(now.Add(93 * time.Second))
	if r.Transferring() {
		t.Fatal("transfer must fail after exhausting retries")
	}

	last := decodeEnv(t, send.broadcasts[len(send.broadcasts)-1])
	if last.Type != protocol.TypeOTAStatus {
		t.Fatalf("last message = %s, want OTA_STATUS", last.Type)
	}
	var st protocol.OTAStatus
	last.DecodePayload(&st)
	if st.Status != string(NodeFailed) {
		t.Errorf("status = %s, want failed", st.Status)
	}
}

func TestReceiverReportsAbandonedTransferOnRestart(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	store1, _ := NewDualSlotStore(dir)
	send1 := newFakeSender()
	r1 := NewReceiver(20, "sensor", "", send1, store1, 30*time.Second, 10)
	r1.HandleAnnounce(&protocol.OTAAnnounce{JobID: "j1", Role: "sensor", MD5: "d41d8cd98f00b204e9800998ecf8427e", Parts: 3}, now)
	r1.HandleChunk(&protocol.OTAChunk{JobID: "j1", Part: 0, Data: []byte("half")}, now)
	// Power cycle: r1 is gone, staging file remains.

	store2, _ := NewDualSlotStore(dir)
	send2 := newFakeSender()
	r2 := NewReceiver(20, "sensor", "", send2, store2, 30*time.Second, 10)
	r2.ReportAbandoned(now)

	if len(send2.broadcasts) != 1 {
		t.Fatalf("expected 1 abandoned-transfer report, got %d", len(send2.broadcasts))
	}
	env := decodeEnv(t, send2.broadcasts[0])
	var st protocol.OTAStatus
	env.DecodePayload(&st)
	if st.JobID != "j1" || st.Status != string(NodeFailed) {
		t.Errorf("report = %+v, want j1 failed", st)
	}
	if len(store2.Abandoned()) != 0 {
		t.Error("staging data must be discarded after reporting")
	}
}

func TestCancelPendingJobOutright(t *testing.T) {
	now := time.Now()
	d := NewDistributor(1, testDirectory(1, now, 20), newFakeSender(), &memSource{}, nil, time.Minute)
	job, _ := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 2, false, now)

	if err := d.Cancel(job.ID, now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Status != JobCancelled {
		t.Errorf("job = %s, want cancelled", job.Status)
	}
}

func TestCancelDistributingSparesInFlight(t *testing.T) {
	now := time.Now()
	send := newFakeSender()
	d := NewDistributor(1, testDirectory(1, now, 20, 30), send, &memSource{image: make([]byte, 2048), partSize: 1024}, nil, time.Minute)
	job, _ := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 2, false, now)
	d.Start(job.ID, now)

	// Node 20 is mid-transfer; node 30 never started.
	d.HandleChunkRequest(20, &protocol.OTAChunkRequest{JobID: job.ID, Part: 0}, now)

	if err := d.Cancel(job.ID, now); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if job.Nodes[30].Status != NodeCancelled {
		t.Errorf("node 30 = %s, want cancelled (not started)", job.Nodes[30].Status)
	}
	if job.Nodes[20].Status != NodeDownloading {
		t.Errorf("node 20 = %s, want still downloading (in flight runs to completion)", job.Nodes[20].Status)
	}
	if job.Status != JobDistributing {
		t.Fatal("job must stay distributing until in-flight transfers finish")
	}

	// In-flight transfer completes; then the job finalizes as cancelled.
	d.HandleStatus(20, &protocol.OTAStatus{JobID: job.ID, Status: "completed", CurrentPart: 2, TotalParts: 2}, now)
	if job.Status != JobCancelled {
		t.Errorf("job = %s, want cancelled after drain", job.Status)
	}
}

func TestChunkRequestFromUntargetedNodeIgnored(t *testing.T) {
	now := time.Now()
	send := newFakeSender()
	d := NewDistributor(1, testDirectory(1, now, 20), send, &memSource{image: make([]byte, 1024), partSize: 1024}, nil, time.Minute)
	job, _ := d.NewJob("fw1", "sensor", "esp32", "d41d8cd98f00b204e9800998ecf8427e", 1, false, now)
	d.Start(job.ID, now)

	// Node 99 joined after the snapshot: excluded.
	d.HandleChunkRequest(99, &protocol.OTAChunkRequest{JobID: job.ID, Part: 0}, now)
	if len(send.unicasts[99]) != 0 {
		t.Error("untargeted node must not be served")
	}
}
