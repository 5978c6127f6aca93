package envelope

import (
	"time"

	"github.com/pkg/errors"
)

// PartitionAny leaves partition selection to the transport.
const PartitionAny int32 = -1

// ErrDecode is returned when a value is not a structured envelope.
var ErrDecode = errors.New("envelope: value is not an envelope")

// Operation tags what an envelope means for its id.
type Operation int

const (
	Publish Operation = iota + 1
	Update
	Unpublish
)

var operationNames = map[Operation]string{
	Publish:   "publish",
	Update:    "update",
	Unpublish: "unpublish",
}

func (o Operation) String() string {
	if s, ok := operationNames[o]; ok {
		return s
	}
	return "unknown"
}

// Valid reports whether o is one of the known operations.
func (o Operation) Valid() bool {
	_, ok := operationNames[o]
	return ok
}

// ParseOperation maps a wire tag back to its Operation.
func ParseOperation(s string) (Operation, error) {
	for op, name := range operationNames {
		if name == s {
			return op, nil
		}
	}
	return 0, errors.Errorf("envelope: unknown operation %q", s)
}

// Header is a record-level key/value pair. Headers travel with the
// transport record, never inside the encoded value.
type Header struct {
	Key   string
	Value []byte
}

// Headers keeps headers in the order they were added.
type Headers []Header

// Get returns the first value stored under key.
func (h Headers) Get(key string) ([]byte, bool) {
	for _, hdr := range h {
		if hdr.Key == key {
			return hdr.Value, true
		}
	}
	return nil, false
}

// Envelope wraps a payload with an operation tag and an identifier.
type Envelope struct {
	ID            string
	Operation     Operation
	Payload       interface{}
	Partition     int32
	Key           string
	CompactionKey string
	Headers       Headers
	Time          time.Time
}

// New builds an envelope and resolves its partition hint from
// partitionCount, partitionKey and partitionOverride.
func New(
	op Operation,
	id string,
	payload interface{},
	partitionCount int32,
	partitionKey string,
	partitionOverride int32,
	headers Headers,
) (*Envelope, error) {
	if !op.Valid() {
		return nil, errors.Errorf("envelope: invalid operation %d", op)
	}
	if id == "" {
		return nil, errors.New("envelope: id can't be empty")
	}

	partition, err := ResolvePartition(partitionCount, partitionKey, partitionOverride)
	if err != nil {
		return nil, err
	}

	if headers == nil {
		headers = Headers{}
	}
	return &Envelope{
		ID:        id,
		Operation: op,
		Payload:   payload,
		Partition: partition,
		Headers:   headers,
		Time:      time.Now().UTC(),
	}, nil
}

// RecordKey is the key the envelope is produced under: the explicit key,
// then the compaction key, then the id.
func (e *Envelope) RecordKey() string {
	switch {
	case e.Key != "":
		return e.Key
	case e.CompactionKey != "":
		return e.CompactionKey
	default:
		return e.ID
	}
}
