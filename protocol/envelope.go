package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Address identifies the origin of a mirrored message.
type Address struct {
	Role     string `json:"role"`
	Node     string `json:"node"`
	Device   string `json:"device,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Envelope wraps every message published on the plant bus.
type Envelope struct {
	Version   int             `json:"v"`
	Type      string          `json:"type"`
	ID        string          `json:"id"`
	Src       Address         `json:"src"`
	Timestamp time.Time       `json:"ts"`
	ExpiresAt time.Time       `json:"exp"`
	Payload   json.RawMessage `json:"p"`
}

// NewEnvelope creates an outbound envelope with the default TTL for msgType.
func NewEnvelope(msgType string, src Address, payload any) (*Envelope, error) {
	p, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &Envelope{
		Version:   Version,
		Type:      msgType,
		ID:        uuid.New().String(),
		Src:       src,
		Timestamp: now,
		ExpiresAt: now.Add(DefaultTTLFor(msgType)),
		Payload:   p,
	}, nil
}

// Encode marshals the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodePayload unmarshals the raw payload into target.
func (e *Envelope) DecodePayload(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// Decode parses an encoded envelope and rejects unknown versions.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported envelope version %d", env.Version)
	}
	return &env, nil
}
