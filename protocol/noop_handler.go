package protocol

// NoOpHandler implements MessageHandler with no-op methods.
// Embed this and override only the methods you need.
type NoOpHandler struct{}

func (NoOpHandler) HandleHeartbeat(*Envelope, *Heartbeat)             {}
func (NoOpHandler) HandleStateSet(*Envelope, *StateSet)               {}
func (NoOpHandler) HandleStateSync(*Envelope, *StateSync)             {}
func (NoOpHandler) HandleStateRequest(*Envelope, *StateRequest)       {}
func (NoOpHandler) HandleCommand(*Envelope, *Command)                 {}
func (NoOpHandler) HandleCommandReply(*Envelope, *CommandReply)       {}
func (NoOpHandler) HandleOTAAnnounce(*Envelope, *OTAAnnounce)         {}
func (NoOpHandler) HandleOTAChunkRequest(*Envelope, *OTAChunkRequest) {}
func (NoOpHandler) HandleOTAChunk(*Envelope, *OTAChunk)               {}
func (NoOpHandler) HandleOTAStatus(*Envelope, *OTAStatus)             {}

// Compile-time check that NoOpHandler implements MessageHandler.
var _ MessageHandler = NoOpHandler{}
