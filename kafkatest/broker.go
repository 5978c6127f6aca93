// Package kafkatest provides an in-memory broker with consumer-group
// offsets, for testing producers and consumers without Kafka.
package kafkatest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	kafka "github.com/tikivn/sinek"
	"github.com/tikivn/sinek/envelope"
)

var ErrClosed = errors.New("kafkatest: transport closed")
var ErrNotConnected = errors.New("kafkatest: transport not connected")

type record struct {
	key     []byte
	value   []byte
	headers kafka.Headers
	ts      time.Time
}

// Broker holds topics as in-memory partitioned logs.
type Broker struct {
	partitions int32

	mu         sync.Mutex
	topics     map[string][][]record
	roundRobin map[string]int32
	committed  map[string]map[kafka.TopicPartition]int64
	notify     chan struct{}
	connectErr error
	sendErr    error
	sendGate   chan struct{}
}

// NewBroker returns a broker that creates topics with the given number
// of partitions on first use.
func NewBroker(partitions int32) *Broker {
	if partitions <= 0 {
		partitions = 1
	}
	return &Broker{
		partitions: partitions,
		topics:     map[string][][]record{},
		roundRobin: map[string]int32{},
		committed:  map[string]map[kafka.TopicPartition]int64{},
		notify:     make(chan struct{}),
	}
}

// CreateTopic creates name with at least one partition. An existing topic
// is left as it is.
func (b *Broker) CreateTopic(name string, partitions int32) {
	if partitions <= 0 {
		partitions = 1
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createTopic(name, partitions)
}

func (b *Broker) createTopic(name string, partitions int32) [][]record {
	if parts, ok := b.topics[name]; ok {
		return parts
	}
	parts := make([][]record, partitions)
	b.topics[name] = parts
	return parts
}

// FailConnect makes Connect return err until called with nil.
func (b *Broker) FailConnect(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connectErr = err
}

// FailSend makes Send return err until called with nil.
func (b *Broker) FailSend(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendErr = err
}

// HoldSends blocks every Send until ReleaseSends is called.
func (b *Broker) HoldSends() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendGate == nil {
		b.sendGate = make(chan struct{})
	}
}

func (b *Broker) ReleaseSends() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sendGate != nil {
		close(b.sendGate)
		b.sendGate = nil
	}
}

// Committed returns the next offset to read committed by group for tp.
func (b *Broker) Committed(group string, tp kafka.TopicPartition) (int64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, ok := b.committed[group][tp]
	return o, ok
}

// Len returns the number of records in a partition.
func (b *Broker) Len(tp kafka.TopicPartition) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	parts, ok := b.topics[tp.Topic]
	if !ok || int(tp.Partition) >= len(parts) {
		return 0
	}
	return len(parts[tp.Partition])
}

func (b *Broker) append(ctx context.Context, msg *kafka.ProducerMessage) (kafka.ProduceResult, error) {
	b.mu.Lock()
	gate := b.sendGate
	b.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return kafka.ProduceResult{}, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sendErr != nil {
		return kafka.ProduceResult{}, b.sendErr
	}

	parts := b.createTopic(msg.Topic, b.partitions)
	count := int32(len(parts))

	partition := msg.Partition
	switch {
	case partition >= 0:
		if partition >= count {
			return kafka.ProduceResult{}, errors.Errorf(
				"kafkatest: partition %d out of range for %s", partition, msg.Topic)
		}
	case len(msg.Key) > 0:
		p, err := envelope.ResolvePartition(count, string(msg.Key), envelope.PartitionAny)
		if err != nil {
			return kafka.ProduceResult{}, err
		}
		partition = p
	default:
		partition = b.roundRobin[msg.Topic] % count
		b.roundRobin[msg.Topic]++
	}

	offset := int64(len(parts[partition]))
	parts[partition] = append(parts[partition], record{
		key:     msg.Key,
		value:   msg.Value,
		headers: append(kafka.Headers(nil), msg.Headers...),
		ts:      time.Now(),
	})

	close(b.notify)
	b.notify = make(chan struct{})

	return kafka.ProduceResult{Partition: partition, Offset: offset}, nil
}

func (b *Broker) topicNames() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewTransport returns a transport that consumes as group. Each
// producer or consumer needs its own transport.
func (b *Broker) NewTransport(group string) *Transport {
	return &Transport{
		broker:    b,
		group:     group,
		positions: map[kafka.TopicPartition]int64{},
		closed:    make(chan struct{}),
	}
}

var _ kafka.Transport = (*Transport)(nil)

// Transport is a kafka.Transport backed by a Broker.
type Transport struct {
	broker *Broker
	group  string

	mu        sync.Mutex
	connected bool
	positions map[kafka.TopicPartition]int64
	next      int

	closed    chan struct{}
	closeOnce sync.Once
}

func (t *Transport) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	t.broker.mu.Lock()
	err := t.broker.connectErr
	t.broker.mu.Unlock()
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	t.connected = true
	return nil
}

func (t *Transport) ready() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		return ErrClosed
	default:
	}
	if !t.connected {
		return ErrNotConnected
	}
	return nil
}

func (t *Transport) Send(ctx context.Context, msg *kafka.ProducerMessage) (kafka.ProduceResult, error) {
	if err := t.ready(); err != nil {
		return kafka.ProduceResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return kafka.ProduceResult{}, err
	}
	return t.broker.append(ctx, msg)
}

func (t *Transport) Poll(ctx context.Context, topics []string, maxRecords int) ([]*kafka.Message, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	if maxRecords <= 0 {
		maxRecords = 1
	}

	for {
		t.broker.mu.Lock()
		msgs := t.collect(topics, maxRecords)
		notify := t.broker.notify
		t.broker.mu.Unlock()

		if len(msgs) > 0 {
			return msgs, nil
		}

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.closed:
			return nil, ErrClosed
		}
	}
}

// collect is called with the broker locked.
func (t *Transport) collect(topics []string, maxRecords int) []*kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	var tps []kafka.TopicPartition
	for _, topic := range topics {
		for p := range t.broker.topics[topic] {
			tps = append(tps, kafka.TopicPartition{Topic: topic, Partition: int32(p)})
		}
	}
	if len(tps) == 0 {
		return nil
	}

	var msgs []*kafka.Message
	start := t.next % len(tps)
	t.next++
	for i := 0; i < len(tps) && len(msgs) < maxRecords; i++ {
		tp := tps[(start+i)%len(tps)]
		pos, ok := t.positions[tp]
		if !ok {
			pos = t.broker.committed[t.group][tp]
		}

		entries := t.broker.topics[tp.Topic][tp.Partition]
		for pos < int64(len(entries)) && len(msgs) < maxRecords {
			r := entries[pos]
			msgs = append(msgs, &kafka.Message{
				Topic:     tp.Topic,
				Partition: tp.Partition,
				Offset:    pos,
				Key:       r.key,
				Value:     r.value,
				Headers:   append(kafka.Headers(nil), r.headers...),
				Timestamp: r.ts,
			})
			pos++
		}
		t.positions[tp] = pos
	}
	return msgs
}

func (t *Transport) CommitOffsets(ctx context.Context, offsets map[kafka.TopicPartition]int64) error {
	if err := t.ready(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.broker.mu.Lock()
	defer t.broker.mu.Unlock()
	group, ok := t.broker.committed[t.group]
	if !ok {
		group = map[kafka.TopicPartition]int64{}
		t.broker.committed[t.group] = group
	}
	for tp, next := range offsets {
		group[tp] = next
	}
	return nil
}

func (t *Transport) ListTopics(ctx context.Context) ([]string, error) {
	if err := t.ready(); err != nil {
		return nil, err
	}
	return t.broker.topicNames(), nil
}

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		close(t.closed)
		t.connected = false
		t.mu.Unlock()
	})
	return nil
}
