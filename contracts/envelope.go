package contracts

import (
	"encoding/json"
	"fmt"
)

// Envelope is the wire shape of an RPC message
type Envelope struct {
	Payload       Payload                `json:"payload"`
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
}

// NewEnvelope builds an envelope from a payload and its routing options
func NewEnvelope(payload Payload, opts Options) *Envelope {
	if payload == nil {
		payload = Payload{}
	}
	return &Envelope{
		Payload:       payload,
		CorrelationID: opts.CorrelationID,
		ReplyTo:       opts.ReplyTo,
		Headers:       opts.Headers,
	}
}

// Options returns the routing options carried by the envelope
func (e *Envelope) Options() Options {
	return Options{
		CorrelationID: e.CorrelationID,
		ReplyTo:       e.ReplyTo,
		Headers:       e.Headers,
	}
}

// Marshal encodes the envelope as JSON
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes a JSON envelope. A missing payload decodes to an empty one.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal envelope: %w", err)
	}
	if env.Payload == nil {
		env.Payload = Payload{}
	}
	return &env, nil
}
