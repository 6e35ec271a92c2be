package protocol

// Message type tags.
const (
	TypeHeartbeat = "HEARTBEAT"

	// Replicated state
	TypeStateSet     = "STATE_SET"
	TypeStateSync    = "STATE_SYNC"
	TypeStateRequest = "STATE_REQUEST"

	// Remote command protocol
	TypeCommand      = "COMMAND"
	TypeCommandReply = "COMMAND_REPLY"

	// Firmware distribution
	TypeOTAAnnounce     = "OTA_ANNOUNCE"
	TypeOTAChunkRequest = "OTA_CHUNK_REQUEST"
	TypeOTAChunk        = "OTA_CHUNK"
	TypeOTAStatus       = "OTA_STATUS"
)

// Elected modes carried in heartbeats.
const (
	ModeNode        = "NODE"
	ModeCoordinator = "COORDINATOR"
)
