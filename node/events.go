package node

import (
	"time"

	"hivemesh/mesh"
	"hivemesh/ota"
	"hivemesh/peers"
)

// EventType identifies the kind of event emitted by the Node.
type EventType int

const (
	// Peer events
	EventPeerUp EventType = iota + 1
	EventPeerLost
	EventCoordinatorChanged

	// State events
	EventStateChanged

	// OTA events
	EventOTAJobStarted
	EventOTANodeProgress
	EventOTAJobFinished
	EventFirmwareApplied
)

// Event is the envelope emitted by the Node's EventBus.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Payload   interface{}
}

// PeerUpEvent is emitted on first contact with a peer, or when a demoted peer
// comes back.
type PeerUpEvent struct {
	Peer peers.Peer
}

// PeerLostEvent is emitted when a peer misses its liveness window or the
// transport reports it gone.
type PeerLostEvent struct {
	Peer peers.Peer
}

// CoordinatorChangedEvent is emitted when the election result changes.
type CoordinatorChangedEvent struct {
	Old  mesh.NodeID
	New  mesh.NodeID
	Self bool // the local node is the new coordinator
}

// StateChangedEvent is emitted once per accepted value change, local or
// remote.
type StateChangedEvent struct {
	Key string
	Old string
	New string
}

// OTAJobEvent is emitted when a rollout starts or reaches a terminal state.
type OTAJobEvent struct {
	Job *ota.Job
}

// OTANodeProgressEvent is emitted on each per-node transfer transition.
type OTANodeProgressEvent struct {
	JobID    string
	Node     mesh.NodeID
	Progress ota.NodeProgress
}

// FirmwareAppliedEvent is emitted when a verified image has been staged and
// awaits reboot validation.
type FirmwareAppliedEvent struct {
	JobID string
	MD5   string
}
