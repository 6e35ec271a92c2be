package mesh

import (
	"fmt"
	"strings"
)

// NodeID is the transport-assigned node identifier. It is opaque to the
// layers above and stable for the lifetime of the process.
type NodeID uint32

// Broadcast is the NodeID used to address every node at once.
const Broadcast NodeID = 0

// ShortName renders a compact human-readable form of the ID, e.g. "N3F2A".
func (n NodeID) ShortName() string {
	hex := strings.ToUpper(fmt.Sprintf("%x", uint32(n)))
	if len(hex) > 4 {
		hex = hex[len(hex)-4:]
	}
	return "N" + hex
}

func (n NodeID) String() string {
	return fmt.Sprintf("%d", uint32(n))
}

// Transport is the mesh substrate consumed by the control plane. Delivery is
// best-effort: messages may be reordered, duplicated, or lost. Implementations
// must never block indefinitely in Broadcast or Unicast.
type Transport interface {
	// SelfID returns the local node identifier.
	SelfID() NodeID

	// Broadcast delivers payload to every reachable node.
	Broadcast(payload []byte) error

	// Unicast delivers payload to a single node.
	Unicast(to NodeID, payload []byte) error

	// SetReceiveHandler registers the inbound payload callback. The handler
	// may be invoked from the transport's own goroutines; receivers must
	// marshal work back onto their own scheduler.
	SetReceiveHandler(fn func(payload []byte))

	// SetPeerHandlers registers callbacks for peer up/down events, where the
	// transport can observe them. Backends without presence support may never
	// call these; liveness then falls back to heartbeat sweeps.
	SetPeerHandlers(up, down func(id NodeID))

	// Close releases the transport.
	Close()
}
