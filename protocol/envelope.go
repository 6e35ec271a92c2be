package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"hivemesh/mesh"
)

// Envelope is the universal message wrapper for all mesh traffic.
type Envelope struct {
	Type      string          `json:"t"`
	From      mesh.NodeID     `json:"from"`
	ID        string          `json:"id"`
	CorID     string          `json:"cor,omitempty"`
	ExpiresAt time.Time       `json:"exp,omitempty"`
	Payload   json.RawMessage `json:"d"`
}

// RawHeader is the minimal decode for routing decisions before full payload
// decode.
type RawHeader struct {
	Type      string      `json:"t"`
	From      mesh.NodeID `json:"from"`
	ID        string      `json:"id"`
	ExpiresAt time.Time   `json:"exp,omitempty"`
}

// NewEnvelope creates an outbound envelope with the default TTL for its type.
func NewEnvelope(msgType string, from mesh.NodeID, payload any) (*Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Envelope{
		Type:      msgType,
		From:      from,
		ID:        uuid.New().String(),
		ExpiresAt: now.Add(DefaultTTLFor(msgType)),
		Payload:   p,
	}, nil
}

// NewReply creates a reply envelope correlated to the original message.
func NewReply(msgType string, from mesh.NodeID, correlationID string, payload any) (*Envelope, error) {
	env, err := NewEnvelope(msgType, from, payload)
	if err != nil {
		return nil, err
	}
	env.CorID = correlationID
	return env, nil
}

// Encode marshals the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the raw payload into the given target.
func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}
