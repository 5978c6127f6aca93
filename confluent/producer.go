package confluent

import (
	"context"
	"time"

	"github.com/pkg/errors"
	sinek "github.com/tikivn/sinek"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

func toConfluent(msg *sinek.ProducerMessage) *kafka.Message {
	topic := msg.Topic
	partition := kafka.PartitionAny
	if msg.Partition >= 0 {
		partition = msg.Partition
	}
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{
			Topic:     &topic,
			Partition: partition,
		},
		Value:         msg.Value,
		Key:           msg.Key,
		Headers:       toHeaders(msg.Headers),
		Timestamp:     time.Now(),
		TimestampType: kafka.TimestampCreateTime,
	}
}

// Send produces msg and waits for its delivery report.
func (t *Transport) Send(ctx context.Context, msg *sinek.ProducerMessage) (sinek.ProduceResult, error) {
	unknown := sinek.ProduceResult{Partition: sinek.PartitionAny, Offset: sinek.OffsetUnknown}

	p, err := t.getProducer()
	if err != nil {
		return unknown, err
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.Produce(toConfluent(msg), deliveryChan); err != nil {
		return unknown, err
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return unknown, errors.Errorf("unexpected delivery event %v", e)
		}
		if m.TopicPartition.Error != nil {
			return unknown, errors.Wrap(m.TopicPartition.Error, "delivery failed")
		}
		return sinek.ProduceResult{
			Partition: m.TopicPartition.Partition,
			Offset:    int64(m.TopicPartition.Offset),
		}, nil
	case <-ctx.Done():
		return unknown, ctx.Err()
	case <-t.closed:
		return unknown, sinek.ErrNotConnected
	}
}
