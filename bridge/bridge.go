package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"hivemesh/mesh"
	"hivemesh/ota"
	"hivemesh/store"
)

// Scheduler marshals a function onto the node tick goroutine. Distributor
// state is tick-owned, so every mutation from the poll loop goes through it.
type Scheduler interface {
	Do(fn func())
}

// Bridge polls the backend for approved rollouts, feeds them to the
// distributor, and reports progress back. It is the distributor's ChunkSource
// and Reporter on a gateway node. Reports go through the store outbox first,
// so a backend outage never loses them.
type Bridge struct {
	backend      Backend
	db           *store.DB
	dist         *ota.Distributor
	sched        Scheduler
	partSize     int
	pollInterval time.Duration

	mu   sync.Mutex
	seen map[string]string // backend update ID -> local job ID
}

// New creates a bridge. partSize must match the distributor's announce
// part size.
func New(backend Backend, db *store.DB, dist *ota.Distributor, sched Scheduler, partSize int, pollInterval time.Duration) *Bridge {
	return &Bridge{
		backend:      backend,
		db:           db,
		dist:         dist,
		sched:        sched,
		partSize:     partSize,
		pollInterval: pollInterval,
		seen:         make(map[string]string),
	}
}

// RecoverInterrupted fails jobs left distributing by a restart and queues
// fail reports for the backend. Call once at startup, before Run.
func (b *Bridge) RecoverInterrupted(now time.Time) error {
	externals, err := b.db.MarkInterrupted(now)
	if err != nil {
		return fmt.Errorf("bridge: recover: %w", err)
	}
	for _, ext := range externals {
		b.enqueue("fail", reportEnvelope{UpdateID: ext, Reason: "gateway restarted during distribution"})
		log.Printf("bridge: marked update %s failed after restart", ext)
	}

	jobs, err := b.db.LoadJobs()
	if err != nil {
		return fmt.Errorf("bridge: reload jobs: %w", err)
	}
	b.mu.Lock()
	for _, job := range jobs {
		if job.ExternalID != "" {
			b.seen[job.ExternalID] = job.ID
		}
	}
	b.mu.Unlock()
	for _, job := range jobs {
		job := job
		b.sched.Do(func() { b.dist.Restore(job) })
	}
	return nil
}

// Run polls until the context is cancelled.
func (b *Bridge) Run(ctx context.Context) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		b.poll(ctx)
		b.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (b *Bridge) poll(ctx context.Context) {
	updates, err := b.backend.PendingUpdates(ctx)
	if err != nil {
		log.Printf("bridge: poll: %v", err)
		return
	}
	for _, u := range updates {
		switch u.Status {
		case "", "pending", "approved":
			b.startUpdate(u)
		case "cancelled":
			b.cancelUpdate(u)
		default:
			log.Printf("bridge: update %s has unknown status %q", u.ID, u.Status)
		}
	}
}

func (b *Bridge) startUpdate(u Update) {
	b.mu.Lock()
	if _, ok := b.seen[u.ID]; ok {
		b.mu.Unlock()
		return
	}
	b.seen[u.ID] = "" // reserved; job ID filled in on the tick
	b.mu.Unlock()

	parts := int((u.SizeBytes + int64(b.partSize) - 1) / int64(b.partSize))
	b.sched.Do(func() {
		now := time.Now()
		job, err := b.dist.NewJob(u.FirmwareID, u.NodeType, u.Hardware, u.MD5, parts, u.Force, now)
		if err != nil {
			log.Printf("bridge: reject update %s: %v", u.ID, err)
			b.enqueue("fail", reportEnvelope{UpdateID: u.ID, Reason: err.Error()})
			return
		}
		job.ExternalID = u.ID
		b.mu.Lock()
		b.seen[u.ID] = job.ID
		b.mu.Unlock()
		if err := b.dist.Start(job.ID, now); err != nil {
			log.Printf("bridge: start update %s: %v", u.ID, err)
		}
	})
}

func (b *Bridge) cancelUpdate(u Update) {
	b.mu.Lock()
	jobID, ok := b.seen[u.ID]
	b.mu.Unlock()
	if !ok || jobID == "" {
		return
	}
	b.sched.Do(func() {
		if err := b.dist.Cancel(jobID, time.Now()); err != nil {
			log.Printf("bridge: cancel update %s: %v", u.ID, err)
		}
	})
}

// chunkFetchTimeout bounds one backend range read. Chunk runs on the node
// tick, so a slow backend must stall a single fetch, not the sweeps.
const chunkFetchTimeout = 2 * time.Second

// Chunk streams one firmware part from the backend. Called from the tick on
// each receiver chunk request.
func (b *Bridge) Chunk(firmwareID string, part int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), chunkFetchTimeout)
	defer cancel()
	return b.backend.FetchChunk(ctx, firmwareID, int64(part)*int64(b.partSize), int64(b.partSize))
}

// reportEnvelope is the outbox payload for every backend report kind.
type reportEnvelope struct {
	UpdateID string      `json:"update_id"`
	Node     string      `json:"node,omitempty"`
	Report   *NodeReport `json:"report,omitempty"`
	Reason   string      `json:"reason,omitempty"`
}

func (b *Bridge) enqueue(kind string, env reportEnvelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Printf("bridge: encode %s report: %v", kind, err)
		return
	}
	if _, err := b.db.EnqueueReport(kind, data); err != nil {
		log.Printf("bridge: enqueue %s report: %v", kind, err)
	}
}

// JobStarted persists the job and queues the start report.
func (b *Bridge) JobStarted(job *ota.Job) {
	if err := b.db.SaveJob(job); err != nil {
		log.Printf("bridge: persist job %s: %v", job.ID, err)
	}
	if job.ExternalID == "" {
		return
	}
	b.enqueue("start", reportEnvelope{UpdateID: job.ExternalID})
}

// NodeProgress persists and queues one node's transfer progress.
func (b *Bridge) NodeProgress(jobID string, node mesh.NodeID, p ota.NodeProgress) {
	if err := b.db.UpdateNodeStatus(jobID, node, p); err != nil {
		log.Printf("bridge: persist node %s of %s: %v", node.ShortName(), jobID, err)
	}
	job, ok := b.dist.Job(jobID)
	if !ok || job.ExternalID == "" {
		return
	}
	b.enqueue("progress", reportEnvelope{
		UpdateID: job.ExternalID,
		Node:     node.ShortName(),
		Report: &NodeReport{
			CurrentPart: p.CurrentPart,
			TotalParts:  p.TotalParts,
			Status:      string(p.Status),
			Error:       p.Error,
		},
	})
}

// JobFinished persists the terminal job and queues the completion report.
func (b *Bridge) JobFinished(job *ota.Job) {
	if err := b.db.SaveJob(job); err != nil {
		log.Printf("bridge: persist job %s: %v", job.ID, err)
	}
	if job.ExternalID == "" {
		return
	}
	if job.Status == ota.JobCompleted {
		b.enqueue("complete", reportEnvelope{UpdateID: job.ExternalID})
		return
	}
	b.enqueue("fail", reportEnvelope{UpdateID: job.ExternalID, Reason: failReason(job)})
}

func failReason(job *ota.Job) string {
	if job.Status == ota.JobCancelled {
		return "cancelled"
	}
	for id, p := range job.Nodes {
		if p.Status == ota.NodeFailed && p.Error != "" {
			return fmt.Sprintf("%s: %s", id.ShortName(), p.Error)
		}
	}
	return "one or more nodes failed"
}

// drain posts queued reports in order, stopping at the first failure so
// ordering holds across retries.
func (b *Bridge) drain(ctx context.Context) {
	msgs, err := b.db.ListPendingReports(50)
	if err != nil {
		log.Printf("bridge: list outbox: %v", err)
		return
	}
	for _, m := range msgs {
		var env reportEnvelope
		if err := json.Unmarshal(m.Payload, &env); err != nil {
			log.Printf("bridge: drop malformed report %d: %v", m.ID, err)
			b.db.AckReport(m.ID)
			continue
		}
		var sendErr error
		switch m.Kind {
		case "start":
			sendErr = b.backend.MarkStarted(ctx, env.UpdateID)
		case "progress":
			if env.Report != nil {
				sendErr = b.backend.ReportProgress(ctx, env.UpdateID, env.Node, *env.Report)
			}
		case "complete":
			sendErr = b.backend.Complete(ctx, env.UpdateID)
		case "fail":
			sendErr = b.backend.Fail(ctx, env.UpdateID, env.Reason)
		default:
			log.Printf("bridge: drop report %d with unknown kind %q", m.ID, m.Kind)
		}
		if sendErr != nil {
			log.Printf("bridge: deliver report %d: %v", m.ID, sendErr)
			b.db.IncrementReportRetries(m.ID)
			return
		}
		if err := b.db.AckReport(m.ID); err != nil {
			log.Printf("bridge: ack report %d: %v", m.ID, err)
			return
		}
	}
}

var (
	_ ota.ChunkSource = (*Bridge)(nil)
	_ ota.Reporter    = (*Bridge)(nil)
)
