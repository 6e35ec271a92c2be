// Package ota distributes firmware images over the mesh: the coordinator
// side turns an image plus a target role into a chunked, per-node-tracked
// rollout, and the receiver side applies it to an alternate image slot.
package ota

import (
	"time"

	"hivemesh/mesh"
)

// JobStatus is the distributor-side job state.
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobDistributing JobStatus = "distributing"
	JobCompleted    JobStatus = "completed"
	JobFailed       JobStatus = "failed"
	JobCancelled    JobStatus = "cancelled"
)

// NodeState is one targeted node's transfer state.
type NodeState string

const (
	NodePending     NodeState = "pending"
	NodeDownloading NodeState = "downloading"
	NodeCompleted   NodeState = "completed"
	NodeFailed      NodeState = "failed"
	NodeCancelled   NodeState = "cancelled"
)

// Terminal reports whether the state is final.
func (s NodeState) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeCancelled
}

// NodeProgress tracks one node within a job.
type NodeProgress struct {
	CurrentPart  int
	TotalParts   int
	Status       NodeState
	Error        string
	Started      bool
	LastActivity time.Time
}

// Job is a firmware rollout targeting all live peers matching a role.
type Job struct {
	ID string
	// ExternalID is the backend's update ID when the rollout came through
	// the bridge, empty for locally created jobs.
	ExternalID string
	FirmwareID string
	TargetRole string
	Hardware   string
	MD5        string
	TotalParts int
	Force      bool

	Status          JobStatus
	CancelRequested bool
	CreatedAt       time.Time
	StartedAt       time.Time
	CompletedAt     time.Time

	Nodes map[mesh.NodeID]*NodeProgress
}

// Sender is the transport slice the OTA layer needs.
type Sender interface {
	Broadcast(payload []byte) error
	Unicast(to mesh.NodeID, payload []byte) error
}

// ChunkSource fetches one firmware part for a job. Implementations must be
// bounded-duration: a stalled fetch must not starve the tick.
type ChunkSource interface {
	Chunk(firmwareID string, part int) ([]byte, error)
}

// ChunkSourceFunc adapts a function to ChunkSource.
type ChunkSourceFunc func(firmwareID string, part int) ([]byte, error)

func (f ChunkSourceFunc) Chunk(firmwareID string, part int) ([]byte, error) {
	return f(firmwareID, part)
}

// Reporter observes distributor-side progress. The gateway's bridge forwards
// it to the external control plane.
type Reporter interface {
	JobStarted(job *Job)
	NodeProgress(jobID string, node mesh.NodeID, p NodeProgress)
	JobFinished(job *Job)
}

// NopReporter discards all reports.
type NopReporter struct{}

func (NopReporter) JobStarted(*Job)                                {}
func (NopReporter) NodeProgress(string, mesh.NodeID, NodeProgress) {}
func (NopReporter) JobFinished(*Job)                               {}

var _ Reporter = NopReporter{}
