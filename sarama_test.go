package kafka

import (
	"context"
	"testing"

	"github.com/Shopify/sarama"
	"github.com/Shopify/sarama/mocks"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tikivn/sinek/envelope"
	"github.com/tikivn/sinek/json"
)

func newMockTransport(t *testing.T) (*SaramaTransport, *mocks.SyncProducer) {
	cfg := NewConfig()
	mp := mocks.NewSyncProducer(t, cfg)
	tr := NewSaramaTransportWithConfig([]string{"localhost:9092"}, "", cfg)
	tr.producer = mp
	return tr, mp
}

func TestSaramaPartitioner(t *testing.T) {
	p := newPartitioner("t")
	assert.True(t, p.RequiresConsistency())

	msg := &sarama.ProducerMessage{Topic: "t", Partition: 2, Metadata: explicitPartition{}}
	partition, err := p.Partition(msg, 4)
	require.NoError(t, err)
	assert.Equal(t, int32(2), partition)

	msg.Partition = 4
	_, err = p.Partition(msg, 4)
	assert.Equal(t, sarama.ErrInvalidPartition, err)

	keyed := &sarama.ProducerMessage{Topic: "t", Key: sarama.StringEncoder("user-1")}
	partition, err = p.Partition(keyed, 4)
	require.NoError(t, err)
	want, err := envelope.ResolvePartition(4, "user-1", envelope.PartitionAny)
	require.NoError(t, err)
	assert.Equal(t, want, partition)
}

func TestSaramaTransportSend(t *testing.T) {
	tr, mp := newMockTransport(t)
	defer tr.Close()

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		if string(val) != "a message" {
			return errors.Errorf("unexpected value %q", val)
		}
		return nil
	})
	mp.ExpectSendMessageAndSucceed()
	mp.ExpectSendMessageAndFail(sarama.ErrMessageSizeTooLarge)

	ctx := context.Background()
	r1, err := tr.Send(ctx, &ProducerMessage{Topic: "t", Value: []byte("a message"), Partition: PartitionAny})
	require.NoError(t, err)

	r2, err := tr.Send(ctx, &ProducerMessage{
		Topic:     "t",
		Key:       []byte("k"),
		Value:     []byte("with headers"),
		Partition: 0,
		Headers:   Headers{{Key: "myCustomKey", Value: []byte("v")}},
	})
	require.NoError(t, err)
	assert.True(t, r2.Offset > r1.Offset)

	_, err = tr.Send(ctx, &ProducerMessage{Topic: "t", Value: []byte("big"), Partition: PartitionAny})
	assert.Equal(t, sarama.ErrMessageSizeTooLarge, err)
}

func TestSaramaTransportThroughProducer(t *testing.T) {
	tr, mp := newMockTransport(t)

	mp.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		e, err := json.NewEncoder().Decode(val)
		if err != nil {
			return err
		}
		if e.Operation != envelope.Publish || e.ID != "1" {
			return errors.Errorf("unexpected envelope %+v", e)
		}
		return nil
	})
	mp.ExpectSendMessageAndFail(sarama.ErrLeaderNotAvailable)

	p := NewProducer(tr)
	p.state = Connected
	defer p.Close()

	_, err := p.BufferFormatPublish(context.Background(), "t", "1", map[string]string{"content": "x"}, 1)
	require.NoError(t, err)

	_, err = p.Send(context.Background(), "t", []byte("x"))
	var serr *SendError
	require.True(t, errors.As(err, &serr))
	assert.Equal(t, sarama.ErrLeaderNotAvailable, errors.Cause(err))
}

func TestSaramaTransportNotConnected(t *testing.T) {
	tr := NewSaramaTransport([]string{"localhost:9092"}, "group")
	assert.Equal(t, "group", tr.GroupID())

	_, err := tr.Send(context.Background(), &ProducerMessage{Topic: "t"})
	assert.Equal(t, ErrNotConnected, err)
	_, err = tr.Poll(context.Background(), []string{"t"}, 1)
	assert.Equal(t, ErrNotConnected, err)
	_, err = tr.ListTopics(context.Background())
	assert.Equal(t, ErrNotConnected, err)
	assert.Error(t, tr.CommitOffsets(context.Background(), map[TopicPartition]int64{{Topic: "t"}: 1}))
	assert.NoError(t, tr.Close())

	generated := NewSaramaTransport(nil, "")
	assert.Contains(t, generated.GroupID(), "sinek-")
}

func TestFromSarama(t *testing.T) {
	m := fromSarama(&sarama.ConsumerMessage{
		Topic:     "t",
		Partition: 1,
		Offset:    7,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers: []*sarama.RecordHeader{
			{Key: []byte("a"), Value: []byte("1")},
			nil,
			{Key: []byte("b"), Value: []byte("2")},
		},
	})
	assert.Equal(t, TopicPartition{Topic: "t", Partition: 1}, m.TopicPartition())
	assert.Equal(t, int64(7), m.Offset)
	assert.Equal(t, Headers{{Key: "a", Value: []byte("1")}, {Key: "b", Value: []byte("2")}}, m.Headers)
}
