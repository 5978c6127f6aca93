package kafka

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func NewConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "sinek"
	cfg.Version = sarama.V2_0_0_0

	cfg.Consumer.Return.Errors = true
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Offsets.CommitInterval = time.Second

	cfg.Producer.Flush.MaxMessages = 1
	cfg.Producer.Return.Successes = true
	cfg.Producer.Partitioner = newPartitioner

	cfg.Producer.Retry.Max = 10
	cfg.Producer.Retry.Backoff = time.Second

	cfg.Producer.RequiredAcks = sarama.WaitForAll

	cfg.Metadata.Full = true

	return cfg
}

// NewConfigWithBatchProducer trades send latency for throughput: the sync
// producer waits up to 100ms to group records into one request.
func NewConfigWithBatchProducer() *sarama.Config {
	cfg := NewConfig()

	cfg.Producer.Flush.Messages = 1000
	cfg.Producer.Flush.MaxMessages = 10000
	cfg.Producer.Flush.Frequency = 100 * time.Millisecond

	return cfg
}

// explicitPartition marks messages whose Partition field was chosen by
// the caller.
type explicitPartition struct{}

// partitioner honours explicit partitions and hashes the key otherwise.
type partitioner struct {
	hash sarama.Partitioner
}

func newPartitioner(topic string) sarama.Partitioner {
	return &partitioner{hash: sarama.NewHashPartitioner(topic)}
}

func (p *partitioner) Partition(msg *sarama.ProducerMessage, numPartitions int32) (int32, error) {
	if _, ok := msg.Metadata.(explicitPartition); ok {
		if msg.Partition < 0 || msg.Partition >= numPartitions {
			return -1, sarama.ErrInvalidPartition
		}
		return msg.Partition, nil
	}
	return p.hash.Partition(msg, numPartitions)
}

func (p *partitioner) RequiresConsistency() bool {
	return true
}

var _ Transport = (*SaramaTransport)(nil)

// SaramaTransport is a Transport on top of a sarama client. The sync
// producer and the consumer group are created on first use.
type SaramaTransport struct {
	brokers []string
	groupID string
	config  *sarama.Config
	logger  log.Logger

	mu       sync.Mutex
	client   sarama.Client
	producer sarama.SyncProducer
	group    sarama.ConsumerGroup
	session  sarama.ConsumerGroupSession
	records  chan *sarama.ConsumerMessage
	topics   []string
	cancelFn context.CancelFunc

	waitGroup sync.WaitGroup
	closed    chan none
	closeOnce sync.Once
}

func NewSaramaTransport(brokers []string, groupID string) *SaramaTransport {
	return NewSaramaTransportWithConfig(brokers, groupID, NewConfig())
}

// NewSaramaTransportWithConfig creates a transport. An empty groupID gets
// a unique generated one.
func NewSaramaTransportWithConfig(brokers []string, groupID string, cfg *sarama.Config) *SaramaTransport {
	if groupID == "" {
		groupID = fmt.Sprintf("sinek-%s", uuid.New())
	}
	return &SaramaTransport{
		brokers: brokers,
		groupID: groupID,
		config:  cfg,
		logger:  log.NewNopLogger(),
		closed:  make(chan none),
	}
}

func (t *SaramaTransport) SetLogger(logger log.Logger) {
	t.logger = log.With(logger, "transport", "sarama", "groupID", t.groupID)
}

func (t *SaramaTransport) GroupID() string {
	return t.groupID
}

func (t *SaramaTransport) Connect(ctx context.Context) error {
	type result struct {
		client sarama.Client
		err    error
	}

	ch := make(chan result, 1)
	go func() {
		c, err := sarama.NewClient(t.brokers, t.config)
		ch <- result{c, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return errors.Wrapf(r.err, "could not connect to %v", t.brokers)
		}
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.client != nil {
			r.client.Close()
			return nil
		}
		t.client = r.client
		return nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.err == nil {
				r.client.Close()
			}
		}()
		return ctx.Err()
	}
}

func (t *SaramaTransport) syncProducer() (sarama.SyncProducer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.producer != nil {
		return t.producer, nil
	}
	if t.client == nil {
		return nil, ErrNotConnected
	}

	p, err := sarama.NewSyncProducerFromClient(t.client)
	if err != nil {
		return nil, errors.Wrap(err, "could not create producer")
	}
	t.producer = p
	return p, nil
}

func (t *SaramaTransport) Send(ctx context.Context, msg *ProducerMessage) (ProduceResult, error) {
	producer, err := t.syncProducer()
	if err != nil {
		return unknownResult, err
	}

	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Value: sarama.ByteEncoder(msg.Value),
	}
	if msg.Key != nil {
		pm.Key = sarama.ByteEncoder(msg.Key)
	}
	if msg.Partition >= 0 {
		pm.Partition = msg.Partition
		pm.Metadata = explicitPartition{}
	}
	for _, h := range msg.Headers {
		pm.Headers = append(pm.Headers, sarama.RecordHeader{Key: []byte(h.Key), Value: h.Value})
	}

	type result struct {
		partition int32
		offset    int64
		err       error
	}
	ch := make(chan result, 1)
	go func() {
		partition, offset, err := producer.SendMessage(pm)
		ch <- result{partition, offset, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return unknownResult, r.err
		}
		if t.config.Producer.RequiredAcks == sarama.NoResponse {
			r.offset = OffsetUnknown
		}
		return ProduceResult{Partition: r.partition, Offset: r.offset}, nil
	case <-ctx.Done():
		return unknownResult, ctx.Err()
	}
}

// subscribe starts the consumer group on first use and returns the
// channel its claims are drained into.
func (t *SaramaTransport) subscribe(topics []string) (<-chan *sarama.ConsumerMessage, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.records != nil {
		if fmt.Sprint(t.topics) != fmt.Sprint(topics) {
			return nil, errors.Errorf("already subscribed to %v", t.topics)
		}
		return t.records, nil
	}
	if t.client == nil {
		return nil, ErrNotConnected
	}

	group, err := sarama.NewConsumerGroupFromClient(t.groupID, t.client)
	if err != nil {
		return nil, errors.Wrapf(err, "could not join group %s", t.groupID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	records := make(chan *sarama.ConsumerMessage, t.config.ChannelBufferSize)
	handler := &consumerGroupHandler{transport: t, records: records}

	t.group = group
	t.records = records
	t.topics = topics
	t.cancelFn = cancel

	t.waitGroup.Add(2)
	go func() {
		defer t.waitGroup.Done()
		for err := range group.Errors() {
			level.Error(t.logger).Log("msg", "Consumer group error", "err", err)
		}
	}()

	go func() {
		defer t.waitGroup.Done()
		level.Info(t.logger).Log("msg", "New consumer", "topics", fmt.Sprint(topics))
		for {
			err := group.Consume(ctx, topics, handler)
			if ctx.Err() != nil {
				level.Info(t.logger).Log("msg", "Consumer exited")
				return
			}
			if err != nil {
				level.Error(t.logger).Log("msg", "Consume returned", "err", err)
				select {
				case <-time.After(t.config.Consumer.Retry.Backoff):
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return records, nil
}

func (t *SaramaTransport) Poll(ctx context.Context, topics []string, maxRecords int) ([]*Message, error) {
	records, err := t.subscribe(topics)
	if err != nil {
		return nil, err
	}

	var out []*Message
	select {
	case m := <-records:
		out = append(out, fromSarama(m))
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closed:
		return nil, ErrNotConnected
	}

	for len(out) < maxRecords {
		select {
		case m := <-records:
			out = append(out, fromSarama(m))
		default:
			return out, nil
		}
	}
	return out, nil
}

// CommitOffsets marks offsets on the current group session. sarama
// flushes marked offsets every Consumer.Offsets.CommitInterval and when
// the group closes.
func (t *SaramaTransport) CommitOffsets(_ context.Context, offsets map[TopicPartition]int64) error {
	t.mu.Lock()
	s := t.session
	t.mu.Unlock()

	if s == nil {
		return errors.New("no active group session")
	}
	for tp, next := range offsets {
		s.MarkOffset(tp.Topic, tp.Partition, next, "")
	}
	return nil
}

func (t *SaramaTransport) ListTopics(_ context.Context) ([]string, error) {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()

	if client == nil {
		return nil, ErrNotConnected
	}
	if err := client.RefreshMetadata(); err != nil {
		return nil, errors.Wrap(err, "could not refresh metadata")
	}
	return client.Topics()
}

func (t *SaramaTransport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		cancel, group, producer, client := t.cancelFn, t.group, t.producer, t.client
		t.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if group != nil {
			err = group.Close()
		}
		t.waitGroup.Wait()

		if producer != nil {
			if perr := producer.Close(); perr != nil && err == nil {
				err = perr
			}
		}
		if client != nil && !client.Closed() {
			if cerr := client.Close(); cerr != nil && err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (t *SaramaTransport) setSession(s sarama.ConsumerGroupSession) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = s
}

type consumerGroupHandler struct {
	transport *SaramaTransport
	records   chan<- *sarama.ConsumerMessage
}

func (c *consumerGroupHandler) Setup(s sarama.ConsumerGroupSession) error {
	c.transport.setSession(s)
	level.Info(c.transport.logger).Log("msg", "Session started", "claims", fmt.Sprint(s.Claims()))
	return nil
}

func (c *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error {
	c.transport.setSession(nil)
	return nil
}

func (c *consumerGroupHandler) ConsumeClaim(
	s sarama.ConsumerGroupSession,
	claim sarama.ConsumerGroupClaim,
) error {
	for msg := range claim.Messages() {
		select {
		case c.records <- msg:
		case <-s.Context().Done():
			return nil
		}
	}

	return nil
}

func fromSarama(m *sarama.ConsumerMessage) *Message {
	headers := make(Headers, 0, len(m.Headers))
	for _, h := range m.Headers {
		if h == nil {
			continue
		}
		headers = append(headers, Header{Key: string(h.Key), Value: h.Value})
	}
	return &Message{
		Topic:     m.Topic,
		Partition: m.Partition,
		Offset:    m.Offset,
		Key:       m.Key,
		Value:     m.Value,
		Headers:   headers,
		Timestamp: m.Timestamp,
	}
}
