package kafka

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"
	"github.com/rcrowley/go-metrics"
	"github.com/tikivn/sinek/envelope"
)

var unknownResult = ProduceResult{Partition: PartitionAny, Offset: OffsetUnknown}

type sendOptions struct {
	key            []byte
	partition      int32
	partitionKey   string
	partitionCount int32
	compactionKey  string
	headers        Headers
}

type SendOption func(o *sendOptions)

// WithKey sets the record key.
func WithKey(key []byte) SendOption {
	return func(o *sendOptions) {
		o.key = key
	}
}

// WithPartition pins the record to a partition.
func WithPartition(partition int32) SendOption {
	return func(o *sendOptions) {
		o.partition = partition
	}
}

// WithPartitionKey places the record by hashing key over partitionCount
// partitions. BufferFormat calls use their own partitionCount.
func WithPartitionKey(key string, partitionCount int32) SendOption {
	return func(o *sendOptions) {
		o.partitionKey = key
		o.partitionCount = partitionCount
	}
}

// WithCompactionKey keys an envelope for log compaction.
func WithCompactionKey(key string) SendOption {
	return func(o *sendOptions) {
		o.compactionKey = key
	}
}

func WithHeaders(headers ...Header) SendOption {
	return func(o *sendOptions) {
		o.headers = append(o.headers, headers...)
	}
}

func newSendOptions(opts []SendOption) sendOptions {
	o := sendOptions{partition: PartitionAny}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Producer sends raw records and envelopes through its own Transport.
// Send may be called concurrently.
type Producer struct {
	transport Transport
	encoder   Encoder
	logger    log.Logger
	timeout   time.Duration
	registry  metrics.Registry

	pendingAcks metrics.Counter
	sent        metrics.Counter
	failed      metrics.Counter

	mu        sync.RWMutex
	state     State
	closed    chan none
	closeOnce sync.Once
}

func NewProducer(transport Transport, opts ...Option) *Producer {
	options := newOptions(opts)
	return &Producer{
		transport: transport,
		encoder:   options.Encoder,
		logger:    log.With(options.Logger, "component", "producer"),
		timeout:   options.Timeout,
		registry:  options.Registry,

		pendingAcks: metrics.GetOrRegisterCounter("producer.pending-acks", options.Registry),
		sent:        metrics.GetOrRegisterCounter("producer.sent", options.Registry),
		failed:      metrics.GetOrRegisterCounter("producer.errors", options.Registry),

		state:  Disconnected,
		closed: make(chan none),
	}
}

func (p *Producer) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Metrics returns the producer's diagnostics registry.
func (p *Producer) Metrics() metrics.Registry {
	return p.registry
}

// Connect makes the transport ready. It may be retried after a
// ConnectionError.
func (p *Producer) Connect(ctx context.Context) error {
	p.mu.Lock()
	switch p.state {
	case Closed:
		p.mu.Unlock()
		return ErrNotConnected
	case Connected:
		p.mu.Unlock()
		return nil
	case Connecting:
		p.mu.Unlock()
		return errors.Wrap(ErrIllegalState, "connect already in progress")
	}
	p.state = Connecting
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	err := p.transport.Connect(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == Closed {
		return ErrNotConnected
	}
	if err != nil {
		p.state = Disconnected
		return &ConnectionError{Err: err}
	}
	p.state = Connected
	level.Info(p.logger).Log("msg", "Connected")
	return nil
}

// Send produces value to topic.
func (p *Producer) Send(ctx context.Context, topic string, value []byte, opts ...SendOption) (ProduceResult, error) {
	o := newSendOptions(opts)
	partition, err := envelope.ResolvePartition(o.partitionCount, o.partitionKey, o.partition)
	if err != nil {
		return unknownResult, err
	}

	return p.send(ctx, &ProducerMessage{
		Topic:     topic,
		Key:       o.key,
		Value:     value,
		Partition: partition,
		Headers:   o.headers,
	})
}

// BufferFormat wraps payload in an envelope tagged with op and sends it.
func (p *Producer) BufferFormat(
	ctx context.Context,
	op envelope.Operation,
	topic, id string,
	payload interface{},
	partitionCount int32,
	opts ...SendOption,
) (ProduceResult, error) {
	o := newSendOptions(opts)
	e, err := envelope.New(op, id, payload, partitionCount, o.partitionKey, o.partition, o.headers)
	if err != nil {
		return unknownResult, err
	}
	e.Key = string(o.key)
	e.CompactionKey = o.compactionKey

	data, err := p.encoder.Encode(e)
	if err != nil {
		return unknownResult, errors.Wrapf(err, "could not encode envelope with %s", p.encoder)
	}

	return p.send(ctx, &ProducerMessage{
		Topic:     topic,
		Key:       []byte(e.RecordKey()),
		Value:     data,
		Partition: e.Partition,
		Headers:   e.Headers,
	})
}

func (p *Producer) BufferFormatPublish(ctx context.Context, topic, id string, payload interface{}, partitionCount int32, opts ...SendOption) (ProduceResult, error) {
	return p.BufferFormat(ctx, envelope.Publish, topic, id, payload, partitionCount, opts...)
}

func (p *Producer) BufferFormatUpdate(ctx context.Context, topic, id string, payload interface{}, partitionCount int32, opts ...SendOption) (ProduceResult, error) {
	return p.BufferFormat(ctx, envelope.Update, topic, id, payload, partitionCount, opts...)
}

func (p *Producer) BufferFormatUnpublish(ctx context.Context, topic, id string, payload interface{}, partitionCount int32, opts ...SendOption) (ProduceResult, error) {
	return p.BufferFormat(ctx, envelope.Unpublish, topic, id, payload, partitionCount, opts...)
}

// TopicList returns the topics currently known to the broker, in no
// particular order.
func (p *Producer) TopicList(ctx context.Context) ([]string, error) {
	if p.State() != Connected {
		return nil, ErrNotConnected
	}

	topics, err := p.transport.ListTopics(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "could not list topics")
	}
	return topics, nil
}

// Close releases the transport. Sends still in flight return
// ErrNotConnected.
func (p *Producer) Close() (err error) {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.state = Closed
		close(p.closed)
		p.mu.Unlock()

		err = p.transport.Close()
		level.Info(p.logger).Log("msg", "Closed", "pending_acks", p.pendingAcks.Count())
	})
	return err
}

func (p *Producer) send(ctx context.Context, msg *ProducerMessage) (ProduceResult, error) {
	if p.State() != Connected {
		return unknownResult, ErrNotConnected
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := make(chan none)
	defer close(stop)
	go func() {
		select {
		case <-p.closed:
			cancel()
		case <-stop:
		}
	}()

	res, err := p.transport.Send(ctx, msg)
	if err != nil {
		if p.State() == Closed {
			return unknownResult, ErrNotConnected
		}
		p.failed.Inc(1)
		return unknownResult, &SendError{Topic: msg.Topic, Err: err}
	}

	p.pendingAcks.Inc(1)
	p.sent.Inc(1)
	level.Debug(p.logger).Log("msg", "Sent", "topic", msg.Topic, "partition", res.Partition, "offset", res.Offset)
	return res, nil
}
