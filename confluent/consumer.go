package confluent

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	sinek "github.com/tikivn/sinek"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

func rebalanced(c *kafka.Consumer, e kafka.Event) error {
	logrus.Infof("Consumer %v start rebalance on event %s", c, e.String())
	return nil
}

func (t *Transport) getConsumer(topics []string) (*kafka.Consumer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	select {
	case <-t.closed:
		return nil, sinek.ErrNotConnected
	default:
	}
	if t.consumer != nil {
		if fmt.Sprint(t.topics) != fmt.Sprint(topics) {
			return nil, errors.Errorf("already subscribed to %v", t.topics)
		}
		return t.consumer, nil
	}
	if t.producer == nil {
		return nil, sinek.ErrNotConnected
	}
	if t.groupID == "" {
		return nil, errors.New("consumer needs a group id")
	}
	if len(topics) == 0 {
		return nil, errors.New("topic to init consumer is empty")
	}

	cfg := kafka.ConfigMap{}
	for k, v := range *t.cfg {
		cfg[k] = v
	}
	if err := cfg.SetKey("group.id", t.groupID); err != nil {
		return nil, err
	}

	c, err := kafka.NewConsumer(&cfg)
	if err != nil {
		return nil, errors.Wrap(err, "cannot create kafka consumer")
	}
	if err := c.SubscribeTopics(topics, rebalanced); err != nil {
		c.Close()
		return nil, errors.Wrapf(err, "could not subscribe to %v", topics)
	}

	t.consumer = c
	t.topics = topics
	t.log.WithField("topics", topics).Info("New consumer")
	return c, nil
}

// Poll waits for the first record, then takes whatever else is already
// buffered up to maxRecords.
func (t *Transport) Poll(ctx context.Context, topics []string, maxRecords int) ([]*sinek.Message, error) {
	c, err := t.getConsumer(topics)
	if err != nil {
		return nil, err
	}

	var out []*sinek.Message
	timeout := int(pollInterval / time.Millisecond)
	for len(out) < maxRecords {
		select {
		case <-ctx.Done():
			if len(out) > 0 {
				return out, nil
			}
			return nil, ctx.Err()
		case <-t.closed:
			return nil, sinek.ErrNotConnected
		default:
		}

		ev := c.Poll(timeout)
		switch e := ev.(type) {
		case *kafka.Message:
			if e.TopicPartition.Error != nil {
				t.log.WithError(e.TopicPartition.Error).Warn("Consume error")
				continue
			}
			out = append(out, fromConfluent(e))
			timeout = 0
		case kafka.PartitionEOF:
			t.log.Debugf("Reached %v", e)
		case kafka.Error:
			if e.IsFatal() {
				return out, e
			}
			t.log.WithError(e).Warn("Consumer error")
		case nil:
			if len(out) > 0 {
				return out, nil
			}
		}
	}
	return out, nil
}

func (t *Transport) CommitOffsets(_ context.Context, offsets map[sinek.TopicPartition]int64) error {
	t.mu.Lock()
	c := t.consumer
	t.mu.Unlock()

	if c == nil {
		return errors.New("no active consumer")
	}

	tps := make([]kafka.TopicPartition, 0, len(offsets))
	for tp, next := range offsets {
		topic := tp.Topic
		tps = append(tps, kafka.TopicPartition{
			Topic:     &topic,
			Partition: tp.Partition,
			Offset:    kafka.Offset(next),
		})
	}

	_, err := c.CommitOffsets(tps)
	return err
}
