package protocol

import (
	"encoding/json"
	"log"
)

// FilterFunc returns true if the message should be processed.
type FilterFunc func(hdr *RawHeader) bool

// MessageHandler defines callbacks for all protocol message types.
// Embed NoOpHandler and override only the methods you need.
type MessageHandler interface {
	HandleHeartbeat(env *Envelope, p *Heartbeat)

	HandleStateSet(env *Envelope, p *StateSet)
	HandleStateSync(env *Envelope, p *StateSync)
	HandleStateRequest(env *Envelope, p *StateRequest)

	HandleCommand(env *Envelope, p *Command)
	HandleCommandReply(env *Envelope, p *CommandReply)

	HandleOTAAnnounce(env *Envelope, p *OTAAnnounce)
	HandleOTAChunkRequest(env *Envelope, p *OTAChunkRequest)
	HandleOTAChunk(env *Envelope, p *OTAChunk)
	HandleOTAStatus(env *Envelope, p *OTAStatus)
}

// Ingestor performs two-phase decode and dispatches to a MessageHandler.
// Malformed or unknown input is dropped with a diagnostic; a misbehaving
// peer must never be able to crash the node.
type Ingestor struct {
	handler MessageHandler
	filter  FilterFunc
}

// NewIngestor creates an ingestor with the given handler and filter.
func NewIngestor(handler MessageHandler, filter FilterFunc) *Ingestor {
	return &Ingestor{
		handler: handler,
		filter:  filter,
	}
}

// HandleRaw is the entry point for raw message bytes from the transport.
func (ing *Ingestor) HandleRaw(data []byte) {
	// Phase 1: decode routing header only
	var hdr RawHeader
	if err := json.Unmarshal(data, &hdr); err != nil {
		log.Printf("protocol: header decode error: %v", err)
		return
	}

	if IsExpiredHeader(&hdr) {
		log.Printf("protocol: dropping expired message %s (t=%s)", hdr.ID, hdr.Type)
		return
	}

	if ing.filter != nil && !ing.filter(&hdr) {
		return
	}

	// Phase 2: full envelope decode
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("protocol: envelope decode error: %v", err)
		return
	}

	switch env.Type {
	case TypeHeartbeat:
		decodeAndCall(ing.handler.HandleHeartbeat, &env)
	case TypeStateSet:
		decodeAndCall(ing.handler.HandleStateSet, &env)
	case TypeStateSync:
		decodeAndCall(ing.handler.HandleStateSync, &env)
	case TypeStateRequest:
		decodeAndCall(ing.handler.HandleStateRequest, &env)
	case TypeCommand:
		decodeAndCall(ing.handler.HandleCommand, &env)
	case TypeCommandReply:
		decodeAndCall(ing.handler.HandleCommandReply, &env)
	case TypeOTAAnnounce:
		decodeAndCall(ing.handler.HandleOTAAnnounce, &env)
	case TypeOTAChunkRequest:
		decodeAndCall(ing.handler.HandleOTAChunkRequest, &env)
	case TypeOTAChunk:
		decodeAndCall(ing.handler.HandleOTAChunk, &env)
	case TypeOTAStatus:
		decodeAndCall(ing.handler.HandleOTAStatus, &env)
	default:
		log.Printf("protocol: unknown message type: %s", env.Type)
	}
}

// decodeAndCall unmarshals the payload and calls the handler method.
func decodeAndCall[T any](fn func(*Envelope, *T), env *Envelope) {
	var p T
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		log.Printf("protocol: payload decode error for %s: %v", env.Type, err)
		return
	}
	fn(env, &p)
}
