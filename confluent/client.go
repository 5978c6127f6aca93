// Package confluent provides a sinek Transport on top of librdkafka.
package confluent

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	sinek "github.com/tikivn/sinek"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

var _ sinek.Transport = (*Transport)(nil)

// pollInterval bounds a single librdkafka poll so ctx and Close are
// observed.
const pollInterval = 100 * time.Millisecond

func NewConfig(brokers string) *kafka.ConfigMap {
	return &kafka.ConfigMap{
		"bootstrap.servers":        brokers,
		"session.timeout.ms":       6000,
		"go.events.channel.enable": false,
		"client.id":                "sinek",
		"retry.backoff.ms":         1000,
		"request.required.acks":    -1,
		"enable.auto.commit":       false,
		"auto.offset.reset":        "earliest",
	}
}

// Transport sends through a librdkafka producer and, when a group is
// set, polls through a librdkafka consumer created on first Poll.
type Transport struct {
	cfg     *kafka.ConfigMap
	groupID string
	log     *logrus.Entry

	mu       sync.Mutex
	producer *kafka.Producer
	consumer *kafka.Consumer
	topics   []string

	closed    chan struct{}
	closeOnce sync.Once
}

func NewTransport(cfg *kafka.ConfigMap, groupID string) *Transport {
	return &Transport{
		cfg:     cfg,
		groupID: groupID,
		log:     logrus.WithFields(logrus.Fields{"transport": "confluent", "groupID": groupID}),
		closed:  make(chan struct{}),
	}
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return sinek.ErrNotConnected
	default:
	}
	if t.producer != nil {
		return nil
	}

	p, err := kafka.NewProducer(t.cfg)
	if err != nil {
		return errors.Wrapf(err, "cannot create kafka producer with config %+v", t.cfg)
	}
	if _, err := p.GetMetadata(nil, false, timeoutMs(ctx)); err != nil {
		p.Close()
		return errors.Wrap(err, "could not fetch metadata")
	}

	go t.logEvents(p)
	t.producer = p
	t.log.Info("Connected")
	return nil
}

// logEvents drains producer events that have no delivery channel.
func (t *Transport) logEvents(p *kafka.Producer) {
	for ev := range p.Events() {
		switch e := ev.(type) {
		case kafka.Error:
			t.log.WithError(e).Error("Producer error")
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				t.log.WithError(e.TopicPartition.Error).Warn("Delivery failed")
			}
		}
	}
}

func (t *Transport) ListTopics(ctx context.Context) ([]string, error) {
	p, err := t.getProducer()
	if err != nil {
		return nil, err
	}

	md, err := p.GetMetadata(nil, true, timeoutMs(ctx))
	if err != nil {
		return nil, errors.Wrap(err, "could not fetch metadata")
	}

	topics := make([]string, 0, len(md.Topics))
	for name := range md.Topics {
		topics = append(topics, name)
	}
	return topics, nil
}

func (t *Transport) Close() (err error) {
	t.closeOnce.Do(func() {
		close(t.closed)

		t.mu.Lock()
		defer t.mu.Unlock()

		if t.consumer != nil {
			err = t.consumer.Close()
		}
		if t.producer != nil {
			if left := t.producer.Flush(int(pollInterval/time.Millisecond) * 50); left > 0 {
				t.log.Warnf("Closing with %d undelivered messages", left)
			}
			t.producer.Close()
		}
		t.log.Info("Closed")
	})
	return err
}

func (t *Transport) getProducer() (*kafka.Producer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return nil, sinek.ErrNotConnected
	default:
	}
	if t.producer == nil {
		return nil, sinek.ErrNotConnected
	}
	return t.producer, nil
}

func timeoutMs(ctx context.Context) int {
	deadline, ok := ctx.Deadline()
	if !ok {
		return 10000
	}
	ms := int(time.Until(deadline) / time.Millisecond)
	if ms < 1 {
		return 1
	}
	return ms
}

func toHeaders(headers sinek.Headers) []kafka.Header {
	if len(headers) == 0 {
		return nil
	}
	out := make([]kafka.Header, 0, len(headers))
	for _, h := range headers {
		out = append(out, kafka.Header{Key: h.Key, Value: h.Value})
	}
	return out
}

func fromConfluent(m *kafka.Message) *sinek.Message {
	msg := &sinek.Message{
		Partition: m.TopicPartition.Partition,
		Offset:    int64(m.TopicPartition.Offset),
		Key:       m.Key,
		Value:     m.Value,
		Timestamp: m.Timestamp,
	}
	if m.TopicPartition.Topic != nil {
		msg.Topic = *m.TopicPartition.Topic
	}
	for _, h := range m.Headers {
		msg.Headers = append(msg.Headers, sinek.Header{Key: h.Key, Value: h.Value})
	}
	return msg
}
