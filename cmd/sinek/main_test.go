package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sinek "github.com/tikivn/sinek"
	"github.com/tikivn/sinek/envelope"
)

func TestParseHeaders(t *testing.T) {
	headers, err := parseHeaders([]string{"a=1", "b=x=y", "c="})
	require.NoError(t, err)
	assert.Equal(t, sinek.Headers{
		{Key: "a", Value: []byte("1")},
		{Key: "b", Value: []byte("x=y")},
		{Key: "c", Value: []byte("")},
	}, headers)

	_, err = parseHeaders([]string{"=v"})
	assert.Error(t, err)
	_, err = parseHeaders([]string{"novalue"})
	assert.Error(t, err)
}

func TestPayload(t *testing.T) {
	assert.Equal(t, json.RawMessage(`{"content":"x"}`), payload(`{"content":"x"}`))
	assert.Equal(t, "plain text", payload("plain text"))
}

func TestPrintMessage(t *testing.T) {
	var buf bytes.Buffer
	printMessage(&buf, &sinek.Message{
		Topic:     "t",
		Partition: 1,
		Offset:    3,
		Key:       []byte("k"),
		Value:     []byte("v"),
		Headers:   sinek.Headers{{Key: "h", Value: []byte("1")}},
	})
	assert.Equal(t, "t/1@3 key=k h=1 value=v\n", buf.String())

	buf.Reset()
	printMessage(&buf, &sinek.Message{
		Topic: "t",
		Envelope: &envelope.Envelope{
			ID:        "2",
			Operation: envelope.Update,
			Payload:   json.RawMessage(`{"content":"x"}`),
		},
	})
	assert.Equal(t, `t/0@0 op=update id=2 payload={"content":"x"}`+"\n", buf.String())
}

func TestCommands(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["produce"])
	assert.True(t, names["consume"])
	assert.True(t, names["topics"])

	for _, flag := range []string{"op", "id", "key", "partition", "partitions", "header", "batch-producer"} {
		assert.NotNil(t, produceCmd.Flags().Lookup(flag), flag)
	}
}

func TestSaramaConfig(t *testing.T) {
	plain := saramaConfig(false)
	assert.Equal(t, 1, plain.Producer.Flush.MaxMessages)
	assert.Equal(t, 0, plain.Producer.Flush.Messages)

	batch := saramaConfig(true)
	assert.Equal(t, 1000, batch.Producer.Flush.Messages)
	assert.Equal(t, 10000, batch.Producer.Flush.MaxMessages)
	assert.Equal(t, 100*time.Millisecond, batch.Producer.Flush.Frequency)
	assert.True(t, batch.Producer.Return.Successes)
	require.NoError(t, batch.Validate())
}
