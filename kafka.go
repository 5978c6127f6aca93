package kafka

import (
	"context"
	"fmt"
	"time"

	"github.com/tikivn/sinek/envelope"
)

// OffsetUnknown is reported when the transport could not return an offset.
const OffsetUnknown int64 = -1

// PartitionAny lets the transport pick the partition.
const PartitionAny = envelope.PartitionAny

type (
	Header  = envelope.Header
	Headers = envelope.Headers
)

// Transport is the narrow view of a broker client the producer and the
// consumer are built on. A Transport is owned by exactly one of them.
type Transport interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg *ProducerMessage) (ProduceResult, error)
	// Poll blocks until at least one record is available or ctx is done,
	// then returns at most maxRecords records.
	Poll(ctx context.Context, topics []string, maxRecords int) ([]*Message, error)
	// CommitOffsets stores, per partition, the next offset to read.
	CommitOffsets(ctx context.Context, offsets map[TopicPartition]int64) error
	ListTopics(ctx context.Context) ([]string, error)
	Close() error
}

type TopicPartition struct {
	Topic     string
	Partition int32
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// ProducerMessage is a record handed to Transport.Send.
type ProducerMessage struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Headers   Headers
}

type ProduceResult struct {
	Partition int32
	Offset    int64
}

// Message is a record as consumed from a partition.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   Headers
	Timestamp time.Time

	// Envelope is set when Value decodes as an envelope.
	Envelope *envelope.Envelope
}

func (m *Message) TopicPartition() TopicPartition {
	return TopicPartition{Topic: m.Topic, Partition: m.Partition}
}

// String returns the value as text.
func (m *Message) String() string {
	return string(m.Value)
}

// Batch is the unit handed to a BatchHandler.
type Batch struct {
	Messages []*Message
}

func (b *Batch) Len() int {
	return len(b.Messages)
}

// Offsets returns the highest offset per partition in the batch.
func (b *Batch) Offsets() map[TopicPartition]int64 {
	offsets := make(map[TopicPartition]int64)
	for _, m := range b.Messages {
		tp := m.TopicPartition()
		if o, ok := offsets[tp]; !ok || m.Offset > o {
			offsets[tp] = m.Offset
		}
	}
	return offsets
}

// BatchHandler processes one batch. The consumer polls nothing further
// until done is called; calling done more than once is harmless.
type BatchHandler func(ctx context.Context, batch *Batch, done func()) error

type none struct{}
