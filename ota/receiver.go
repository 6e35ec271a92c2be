package ota

import (
	"fmt"
	"log"
	"strings"
	"time"

	"hivemesh/mesh"
	"hivemesh/protocol"
)

// Receiver applies announced rollouts on an ordinary node. One transfer runs
// at a time; chunks are requested strictly in order with a bounded retry
// budget per part. Mutated only from the node tick.
type Receiver struct {
	self       mesh.NodeID
	role       string
	currentMD5 string
	send       Sender
	images     ImageStore

	chunkTimeout time.Duration
	maxRetries   int

	cur *transfer

	// OnApplied is invoked after a verified image lands in the alternate
	// slot. The host is expected to reboot and, once steady, call
	// ImageStore.MarkValid; crashing before that rolls back.
	OnApplied func(jobID, md5 string)
}

type transfer struct {
	jobID   string
	md5     string
	parts   int
	next    int
	retries int
	lastReq time.Time
	writer  ImageWriter
}

// NewReceiver creates a receiver for the local node's role and current image.
func NewReceiver(self mesh.NodeID, role, currentMD5 string, send Sender, images ImageStore, chunkTimeout time.Duration, maxRetries int) *Receiver {
	return &Receiver{
		self:         self,
		role:         role,
		currentMD5:   currentMD5,
		send:         send,
		images:       images,
		chunkTimeout: chunkTimeout,
		maxRetries:   maxRetries,
	}
}

// ReportAbandoned fails any transfer interrupted by a restart. A node that
// power-cycled mid-transfer reports failed rather than half-applying an
// image.
func (r *Receiver) ReportAbandoned(now time.Time) {
	for _, jobID := range r.images.Abandoned() {
		r.images.Discard(jobID)
		r.sendStatus(jobID, NodeFailed, 0, 0, "interrupted by restart")
		log.Printf("ota: reported abandoned transfer for job %s", jobID)
	}
}

// HandleAnnounce decides whether to opt in to a rollout: only when the role
// matches and the image differs, or force is set.
func (r *Receiver) HandleAnnounce(p *protocol.OTAAnnounce, now time.Time) {
	if p.Role != r.role {
		return
	}
	if strings.EqualFold(p.MD5, r.currentMD5) && !p.Force {
		// Already running this image: report done without downloading.
		r.sendStatus(p.JobID, NodeCompleted, p.Parts, p.Parts, "")
		log.Printf("ota: job %s matches current image, skipping", p.JobID)
		return
	}
	if r.cur != nil {
		log.Printf("ota: ignoring announce %s, transfer %s in progress", p.JobID, r.cur.jobID)
		return
	}

	writer, err := r.images.Begin(p.JobID, p.Parts)
	if err != nil {
		log.Printf("ota: begin staging for %s: %v", p.JobID, err)
		r.sendStatus(p.JobID, NodeFailed, 0, p.Parts, err.Error())
		return
	}
	r.cur = &transfer{
		jobID:  p.JobID,
		md5:    p.MD5,
		parts:  p.Parts,
		writer: writer,
	}
	log.Printf("ota: starting download for job %s (%d parts)", p.JobID, p.Parts)
	r.requestChunk(now)
}

// HandleChunk consumes one part. Parts outside the strict in-order expected
// position are ignored — no gaps permitted.
func (r *Receiver) HandleChunk(p *protocol.OTAChunk, now time.Time) {
	if r.cur == nil || p.JobID != r.cur.jobID || p.Part != r.cur.next {
		return
	}

	if err := r.cur.writer.WriteChunk(p.Part, p.Data); err != nil {
		r.fail(fmt.Sprintf("write part %d: %v", p.Part, err))
		return
	}
	r.cur.next++
	r.cur.retries = 0

	if r.cur.next < r.cur.parts {
		r.requestChunk(now)
		return
	}

	// All parts in: verify and install to the alternate slot.
	if err := r.cur.writer.Finalize(r.cur.md5); err != nil {
		r.fail(err.Error())
		return
	}
	done := r.cur
	r.cur = nil
	r.sendStatus(done.jobID, NodeCompleted, done.parts, done.parts, "")
	log.Printf("ota: job %s image staged, awaiting reboot validation", done.jobID)
	if r.OnApplied != nil {
		r.OnApplied(done.jobID, done.md5)
	}
}

// Tick re-requests a late chunk, failing the transfer once the retry budget
// is exhausted.
func (r *Receiver) Tick(now time.Time) {
	if r.cur == nil {
		return
	}
	if now.Sub(r.cur.lastReq) <= r.chunkTimeout {
		return
	}
	r.cur.retries++
	if r.cur.retries > r.maxRetries {
		r.fail(fmt.Sprintf("part %d timed out after %d retries", r.cur.next, r.maxRetries))
		return
	}
	r.requestChunk(now)
}

// Transferring reports whether a download is in flight.
func (r *Receiver) Transferring() bool { return r.cur != nil }

func (r *Receiver) requestChunk(now time.Time) {
	r.cur.lastReq = now
	req := protocol.OTAChunkRequest{JobID: r.cur.jobID, Part: r.cur.next}
	env, err := protocol.NewEnvelope(protocol.TypeOTAChunkRequest, r.self, &req)
	if err != nil {
		log.Printf("ota: encode chunk request: %v", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Printf("ota: encode chunk request envelope: %v", err)
		return
	}
	// Broadcast: after a distributor restart its ID may change, and the
	// job ID already scopes the request.
	if err := r.send.Broadcast(data); err != nil {
		log.Printf("ota: request part %d: %v", r.cur.next, err)
	}
}

func (r *Receiver) fail(reason string) {
	t := r.cur
	r.cur = nil
	t.writer.Abort()
	r.sendStatus(t.jobID, NodeFailed, t.next, t.parts, reason)
	log.Printf("ota: job %s failed: %s", t.jobID, reason)
}

func (r *Receiver) sendStatus(jobID string, status NodeState, part, parts int, errMsg string) {
	st := protocol.OTAStatus{
		JobID:       jobID,
		Status:      string(status),
		CurrentPart: part,
		TotalParts:  parts,
		Error:       errMsg,
	}
	env, err := protocol.NewEnvelope(protocol.TypeOTAStatus, r.self, &st)
	if err != nil {
		log.Printf("ota: encode status: %v", err)
		return
	}
	data, err := env.Encode()
	if err != nil {
		log.Printf("ota: encode status envelope: %v", err)
		return
	}
	if err := r.send.Broadcast(data); err != nil {
		log.Printf("ota: send status for %s: %v", jobID, err)
	}
}
