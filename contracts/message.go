package contracts

// Payload is a pre-decoded structured message body.
type Payload map[string]interface{}

// Clone returns a shallow copy of the payload. A nil payload clones to nil.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Options carries the reply-routing metadata attached to a message
type Options struct {
	CorrelationID string                 `json:"correlationId,omitempty"`
	ReplyTo       string                 `json:"replyTo,omitempty"`
	Headers       map[string]interface{} `json:"headers,omitempty"`
}

// IsRequest reports whether the options carry enough routing data to answer
func (o Options) IsRequest() bool {
	return o.ReplyTo != "" && o.CorrelationID != ""
}

// Clone returns a copy of the options with its own headers map
func (o Options) Clone() Options {
	out := o
	if o.Headers != nil {
		out.Headers = make(map[string]interface{}, len(o.Headers))
		for k, v := range o.Headers {
			out.Headers[k] = v
		}
	}
	return out
}
