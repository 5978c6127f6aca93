package json

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/tikivn/sinek/envelope"
)

func NewEncoder() *Encoder {
	return &Encoder{}
}

// Encoder writes envelopes as JSON objects.
type Encoder struct{}

func (Encoder) String() string {
	return "json"
}

func (Encoder) Decode(rawData []byte) (*envelope.Envelope, error) {
	var e envJSON
	if err := json.Unmarshal(rawData, &e); err != nil {
		return nil, errors.Wrapf(envelope.ErrDecode, "could not unmarshal envelope: %v", err)
	}
	if e.ID == "" || e.Payload == nil {
		return nil, errors.Wrap(envelope.ErrDecode, "missing id or payload")
	}

	op, err := envelope.ParseOperation(e.Operation)
	if err != nil {
		return nil, errors.Wrapf(envelope.ErrDecode, "%v", err)
	}

	partition := envelope.PartitionAny
	if e.Partition != nil {
		partition = *e.Partition
	}

	return &envelope.Envelope{
		ID:            e.ID,
		Operation:     op,
		Payload:       e.Payload,
		Partition:     partition,
		Key:           e.Key,
		CompactionKey: e.CompactionKey,
		Headers:       envelope.Headers{},
		Time:          e.Time,
	}, nil
}

func (Encoder) Encode(e *envelope.Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.New("could not marshal nil envelope")
	}
	if !e.Operation.Valid() {
		return nil, errors.Errorf("could not marshal envelope (%s): invalid operation", e.ID)
	}

	rawData, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, errors.Wrapf(err,
			"could not marshal envelope payload (%s)", e.ID)
	}

	w := envJSON{
		ID:            e.ID,
		Operation:     e.Operation.String(),
		Payload:       json.RawMessage(rawData),
		Time:          e.Time,
		Key:           e.Key,
		CompactionKey: e.CompactionKey,
	}
	if e.Partition >= 0 {
		p := e.Partition
		w.Partition = &p
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, errors.Wrapf(err,
			"could not marshal envelope (%s)", e.ID)
	}

	return data, nil
}

// Payload unmarshals a decoded envelope's payload into v.
func Payload(e *envelope.Envelope, v interface{}) error {
	switch p := e.Payload.(type) {
	case json.RawMessage:
		return json.Unmarshal(p, v)
	case []byte:
		return json.Unmarshal(p, v)
	default:
		// Not decoded by this encoder, round-trip through JSON.
		data, err := json.Marshal(p)
		if err != nil {
			return errors.Wrap(err, "could not marshal payload")
		}
		return json.Unmarshal(data, v)
	}
}

// envJSON is the envelope as written on the wire.
type envJSON struct {
	ID            string          `json:"id"`
	Operation     string          `json:"operation"`
	Payload       json.RawMessage `json:"payload"`
	Time          time.Time       `json:"time"`
	Key           string          `json:"key,omitempty"`
	Partition     *int32          `json:"partition,omitempty"`
	CompactionKey string          `json:"compactionKey,omitempty"`
}
