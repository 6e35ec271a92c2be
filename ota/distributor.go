package ota

import (
	"fmt"
	"log"
	"regexp"
	"time"

	"github.com/google/uuid"

	"hivemesh/mesh"
	"hivemesh/peers"
	"hivemesh/protocol"
)

var md5Pattern = regexp.MustCompile(`^[0-9a-fA-F]{32}$`)

// Distributor runs rollout jobs on the coordinator/gateway node. Mutated
// only from the node tick.
type Distributor struct {
	self         mesh.NodeID
	dir          *peers.Directory
	send         Sender
	source       ChunkSource
	report       Reporter
	stallTimeout time.Duration

	jobs map[string]*Job
}

// NewDistributor creates a distributor. source supplies firmware bytes,
// report receives progress (use NopReporter off the gateway).
func NewDistributor(self mesh.NodeID, dir *peers.Directory, send Sender, source ChunkSource, report Reporter, stallTimeout time.Duration) *Distributor {
	if report == nil {
		report = NopReporter{}
	}
	return &Distributor{
		self:         self,
		dir:          dir,
		send:         send,
		source:       source,
		report:       report,
		stallTimeout: stallTimeout,
		jobs:         make(map[string]*Job),
	}
}

// NewJob validates and registers a rollout. Malformed metadata is rejected
// here, synchronously, and never enters the mesh.
func (d *Distributor) NewJob(firmwareID, role, hardware, md5 string, parts int, force bool, now time.Time) (*Job, error) {
	if role == "" {
		return nil, fmt.Errorf("ota: target role must not be empty")
	}
	if !md5Pattern.MatchString(md5) {
		return nil, fmt.Errorf("ota: malformed md5 %q", md5)
	}
	if parts <= 0 {
		return nil, fmt.Errorf("ota: parts must be positive, got %d", parts)
	}
	job := &Job{
		ID:         uuid.New().String(),
		FirmwareID: firmwareID,
		TargetRole: role,
		Hardware:   hardware,
		MD5:        md5,
		TotalParts: parts,
		Force:      force,
		Status:     JobPending,
		CreatedAt:  now,
		Nodes:      make(map[mesh.NodeID]*NodeProgress),
	}
	d.jobs[job.ID] = job
	return job, nil
}

// Restore re-registers a persisted job, used by the gateway after a restart.
func (d *Distributor) Restore(job *Job) {
	d.jobs[job.ID] = job
}

// SetReporter swaps the reporter in. The gateway's bridge needs the
// distributor to exist before it can be built, so it attaches afterwards.
func (d *Distributor) SetReporter(r Reporter) {
	if r == nil {
		r = NopReporter{}
	}
	d.report = r
}

// Start snapshots the targeted set (alive, role-matching peers right now —
// nodes offline at job start are excluded, not blocking) and announces the
// rollout.
func (d *Distributor) Start(jobID string, now time.Time) error {
	job, ok := d.jobs[jobID]
	if !ok {
		return fmt.Errorf("ota: unknown job %s", jobID)
	}
	if job.Status != JobPending {
		return fmt.Errorf("ota: job %s is %s, not pending", jobID, job.Status)
	}

	for _, id := range d.dir.AliveWithRole(job.TargetRole) {
		job.Nodes[id] = &NodeProgress{
			Status:       NodePending,
			TotalParts:   job.TotalParts,
			LastActivity: now,
		}
	}
	job.Status = JobDistributing
	job.StartedAt = now
	d.report.JobStarted(job)

	if len(job.Nodes) == 0 {
		// Nothing alive to target: trivially complete.
		d.finalize(job, now)
		return nil
	}

	ann := protocol.OTAAnnounce{
		JobID:    job.ID,
		Role:     job.TargetRole,
		Hardware: job.Hardware,
		MD5:      job.MD5,
		Parts:    job.TotalParts,
		Force:    job.Force,
	}
	env, err := protocol.NewEnvelope(protocol.TypeOTAAnnounce, d.self, &ann)
	if err != nil {
		return fmt.Errorf("ota: encode announce: %w", err)
	}
	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("ota: encode announce envelope: %w", err)
	}
	if err := d.send.Broadcast(data); err != nil {
		return fmt.Errorf("ota: announce job %s: %w", jobID, err)
	}
	log.Printf("ota: announced job %s role=%s parts=%d force=%v targets=%d",
		job.ID, job.TargetRole, job.TotalParts, job.Force, len(job.Nodes))
	return nil
}

// Cancel stops a job. A pending job is cancelled outright; a distributing
// job only cancels per-node transfers that haven't started — in-flight
// transfers run to completion or time out on their own.
func (d *Distributor) Cancel(jobID string, now time.Time) error {
	job, ok := d.jobs[jobID]
	if !ok {
		return fmt.Errorf("ota: unknown job %s", jobID)
	}
	switch job.Status {
	case JobPending:
		job.Status = JobCancelled
		job.CompletedAt = now
		d.report.JobFinished(job)
		return nil
	case JobDistributing:
		job.CancelRequested = true
		for id, p := range job.Nodes {
			if !p.Started && !p.Status.Terminal() {
				p.Status = NodeCancelled
				d.report.NodeProgress(job.ID, id, *p)
			}
		}
		d.maybeFinalize(job, now)
		return nil
	default:
		return fmt.Errorf("ota: job %s already %s", jobID, job.Status)
	}
}

// HandleChunkRequest serves one part to a targeted node. Requests from nodes
// outside the targeted set (joined after start, wrong role) are ignored.
func (d *Distributor) HandleChunkRequest(from mesh.NodeID, p *protocol.OTAChunkRequest, now time.Time) {
	job, ok := d.jobs[p.JobID]
	if !ok || job.Status != JobDistributing {
		return
	}
	prog, ok := job.Nodes[from]
	if !ok || prog.Status.Terminal() {
		return
	}
	if p.Part < 0 || p.Part >= job.TotalParts {
		log.Printf("ota: %s requested out-of-range part %d for job %s", from.ShortName(), p.Part, job.ID)
		return
	}

	prog.Started = true
	prog.Status = NodeDownloading
	prog.CurrentPart = p.Part
	prog.LastActivity = now
	d.report.NodeProgress(job.ID, from, *prog)

	data, err := d.source.Chunk(job.FirmwareID, p.Part)
	if err != nil {
		// The receiver's own chunk timeout drives the retry.
		log.Printf("ota: fetch part %d of %s: %v", p.Part, job.FirmwareID, err)
		return
	}
	chunk := protocol.OTAChunk{JobID: job.ID, Part: p.Part, Data: data}
	env, err := protocol.NewEnvelope(protocol.TypeOTAChunk, d.self, &chunk)
	if err != nil {
		log.Printf("ota: encode chunk: %v", err)
		return
	}
	raw, err := env.Encode()
	if err != nil {
		log.Printf("ota: encode chunk envelope: %v", err)
		return
	}
	if err := d.send.Unicast(from, raw); err != nil {
		log.Printf("ota: send part %d to %s: %v", p.Part, from.ShortName(), err)
	}
}

// HandleStatus records a receiver-side state transition.
func (d *Distributor) HandleStatus(from mesh.NodeID, p *protocol.OTAStatus, now time.Time) {
	job, ok := d.jobs[p.JobID]
	if !ok || job.Status != JobDistributing {
		return
	}
	prog, ok := job.Nodes[from]
	if !ok || prog.Status.Terminal() {
		return
	}

	prog.LastActivity = now
	prog.CurrentPart = p.CurrentPart
	prog.Error = p.Error
	switch p.Status {
	case string(NodeCompleted):
		prog.Status = NodeCompleted
	case string(NodeFailed):
		prog.Status = NodeFailed
	case string(NodeDownloading):
		prog.Status = NodeDownloading
		prog.Started = true
	default:
		log.Printf("ota: %s sent unknown status %q for job %s", from.ShortName(), p.Status, job.ID)
		return
	}
	d.report.NodeProgress(job.ID, from, *prog)
	d.maybeFinalize(job, now)
}

// Tick sweeps stalled transfers. One node stalling never blocks another's
// progress; it just flips that node to failed once the stall timeout passes.
func (d *Distributor) Tick(now time.Time) {
	for _, job := range d.jobs {
		if job.Status != JobDistributing {
			continue
		}
		for id, prog := range job.Nodes {
			if prog.Status.Terminal() {
				continue
			}
			if now.Sub(prog.LastActivity) > d.stallTimeout {
				prog.Status = NodeFailed
				prog.Error = "transfer stalled"
				d.report.NodeProgress(job.ID, id, *prog)
			}
		}
		d.maybeFinalize(job, now)
	}
}

func (d *Distributor) maybeFinalize(job *Job, now time.Time) {
	for _, prog := range job.Nodes {
		if !prog.Status.Terminal() {
			return
		}
	}
	d.finalize(job, now)
}

func (d *Distributor) finalize(job *Job, now time.Time) {
	failed := false
	for _, prog := range job.Nodes {
		if prog.Status == NodeFailed {
			failed = true
			break
		}
	}
	switch {
	case job.CancelRequested:
		job.Status = JobCancelled
	case failed:
		job.Status = JobFailed
	default:
		job.Status = JobCompleted
	}
	job.CompletedAt = now
	log.Printf("ota: job %s finished: %s", job.ID, job.Status)
	d.report.JobFinished(job)
}

// Job returns one job by ID.
func (d *Distributor) Job(id string) (*Job, bool) {
	j, ok := d.jobs[id]
	return j, ok
}

// Jobs returns all known jobs.
func (d *Distributor) Jobs() []*Job {
	out := make([]*Job, 0, len(d.jobs))
	for _, j := range d.jobs {
		out = append(out, j)
	}
	return out
}
