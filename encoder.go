package kafka

import (
	"github.com/tikivn/sinek/envelope"
)

// Encoder is an interface that allow producer and consumer encode/decode envelopes
type Encoder interface {
	Decode([]byte) (*envelope.Envelope, error)
	Encode(*envelope.Envelope) ([]byte, error)
	String() string
}

// DecodeEnvelope returns nil when data is not an envelope.
func DecodeEnvelope(enc Encoder, data []byte) *envelope.Envelope {
	e, err := enc.Decode(data)
	if err != nil {
		return nil
	}
	return e
}
