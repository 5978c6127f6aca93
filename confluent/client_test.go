package confluent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sinek "github.com/tikivn/sinek"
	"gopkg.in/confluentinc/confluent-kafka-go.v1/kafka"
)

func TestNewConfig(t *testing.T) {
	cfg := NewConfig("localhost:9092")

	v, err := cfg.Get("bootstrap.servers", nil)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9092", v)

	v, err = cfg.Get("enable.auto.commit", nil)
	require.NoError(t, err)
	assert.Equal(t, false, v)
}

func TestTransportNotConnected(t *testing.T) {
	tr := NewTransport(NewConfig("localhost:9092"), "g")
	ctx := context.Background()

	_, err := tr.Send(ctx, &sinek.ProducerMessage{Topic: "t"})
	assert.Equal(t, sinek.ErrNotConnected, err)
	_, err = tr.Poll(ctx, []string{"t"}, 1)
	assert.Equal(t, sinek.ErrNotConnected, err)
	_, err = tr.ListTopics(ctx)
	assert.Equal(t, sinek.ErrNotConnected, err)
	assert.Error(t, tr.CommitOffsets(ctx, map[sinek.TopicPartition]int64{{Topic: "t"}: 1}))

	require.NoError(t, tr.Close())
	assert.Equal(t, sinek.ErrNotConnected, tr.Connect(ctx))
}

func TestToConfluent(t *testing.T) {
	m := toConfluent(&sinek.ProducerMessage{
		Topic:     "t",
		Key:       []byte("k"),
		Value:     []byte("v"),
		Partition: sinek.PartitionAny,
		Headers:   sinek.Headers{{Key: "myCustomKey", Value: []byte("x")}},
	})
	assert.Equal(t, "t", *m.TopicPartition.Topic)
	assert.Equal(t, kafka.PartitionAny, m.TopicPartition.Partition)
	assert.Equal(t, []kafka.Header{{Key: "myCustomKey", Value: []byte("x")}}, m.Headers)

	m = toConfluent(&sinek.ProducerMessage{Topic: "t", Partition: 3})
	assert.Equal(t, int32(3), m.TopicPartition.Partition)
	assert.Nil(t, m.Headers)
}

func TestFromConfluent(t *testing.T) {
	topic := "t"
	now := time.Now()
	m := fromConfluent(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: 2, Offset: 11},
		Key:            []byte("k"),
		Value:          []byte("v"),
		Headers:        []kafka.Header{{Key: "a", Value: []byte("1")}},
		Timestamp:      now,
	})
	assert.Equal(t, sinek.TopicPartition{Topic: "t", Partition: 2}, m.TopicPartition())
	assert.Equal(t, int64(11), m.Offset)
	assert.Equal(t, "v", m.String())
	assert.Equal(t, sinek.Headers{{Key: "a", Value: []byte("1")}}, m.Headers)
	assert.Equal(t, now, m.Timestamp)
}

func TestTimeoutMs(t *testing.T) {
	assert.Equal(t, 10000, timeoutMs(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ms := timeoutMs(ctx)
	assert.True(t, ms > 1000 && ms <= 2000)
}
