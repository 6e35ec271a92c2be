package protocol

import (
	"encoding/json"

	"hivemesh/mesh"
)

// Heartbeat is broadcast periodically by every node.
type Heartbeat struct {
	Name     string           `json:"n"`
	Role     string           `json:"role"`
	Mode     string           `json:"mode"` // NODE or COORDINATOR
	Version  string           `json:"fw"`
	Uptime   int64            `json:"up"`
	MemFree  uint64           `json:"heap"`
	States   int              `json:"states"`
	Gauges   map[string]int64 `json:"g,omitempty"`
	Hardware string           `json:"hw,omitempty"`
}

// StateSet carries one replicated key/value update.
type StateSet struct {
	Key     string      `json:"k"`
	Value   string      `json:"v"`
	Version uint64      `json:"ver"`
	Origin  mesh.NodeID `json:"orig"`
}

// StateSync carries a full state map for merge.
type StateSync struct {
	Entries []StateSet `json:"s"`
}

// StateRequest asks every peer to answer with its full state map.
type StateRequest struct{}

// Command is a remote command addressed to the receiving node.
type Command struct {
	Name string            `json:"name"`
	Args map[string]string `json:"args,omitempty"`
}

// CommandReply carries a correlated command result.
type CommandReply struct {
	Ok     bool            `json:"ok"`
	Error  string          `json:"err,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

// OTAAnnounce advertises a firmware rollout. Nodes opt in when their role
// matches and the image differs (or force is set).
type OTAAnnounce struct {
	JobID    string `json:"job"`
	Role     string `json:"role"`
	Hardware string `json:"hw"`
	MD5      string `json:"md5"`
	Parts    int    `json:"parts"`
	Force    bool   `json:"force"`
}

// OTAChunkRequest asks the distributor for one firmware part. Parts are
// requested strictly in order per node.
type OTAChunkRequest struct {
	JobID string `json:"job"`
	Part  int    `json:"part"`
}

// OTAChunk carries one firmware part. Data is base64 on the wire.
type OTAChunk struct {
	JobID string `json:"job"`
	Part  int    `json:"part"`
	Data  []byte `json:"data"`
}

// OTAStatus reports a receiver's transfer state to the distributor.
type OTAStatus struct {
	JobID       string `json:"job"`
	Status      string `json:"status"` // downloading, completed, failed
	CurrentPart int    `json:"part"`
	TotalParts  int    `json:"parts"`
	Error       string `json:"err,omitempty"`
}
