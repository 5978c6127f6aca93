package json_test

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tikivn/sinek/envelope"
	"github.com/tikivn/sinek/json"
)

type content struct {
	Content string `json:"content"`
	Tags    []string
}

func TestEncoderRoundTrip(t *testing.T) {
	enc := json.NewEncoder()
	assert.Equal(t, "json", enc.String())

	for _, op := range []envelope.Operation{envelope.Publish, envelope.Update, envelope.Unpublish} {
		t.Run(op.String(), func(t *testing.T) {
			in, err := envelope.New(op, "42", content{Content: "a message", Tags: []string{"x"}}, 1, "", 0, nil)
			require.NoError(t, err)
			in.CompactionKey = "compact-42"

			data, err := enc.Encode(in)
			require.NoError(t, err)

			out, err := enc.Decode(data)
			require.NoError(t, err)
			assert.Equal(t, "42", out.ID)
			assert.Equal(t, op, out.Operation)
			assert.Equal(t, int32(0), out.Partition)
			assert.Equal(t, "compact-42", out.CompactionKey)
			assert.Empty(t, out.Headers)
			assert.True(t, in.Time.Equal(out.Time))

			var got content
			require.NoError(t, json.Payload(out, &got))
			assert.Equal(t, content{Content: "a message", Tags: []string{"x"}}, got)
		})
	}
}

func TestEncoderUnsetPartition(t *testing.T) {
	enc := json.NewEncoder()
	in, err := envelope.New(envelope.Publish, "1", "text", 0, "", envelope.PartitionAny, nil)
	require.NoError(t, err)

	data, err := enc.Encode(in)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"partition"`)

	out, err := enc.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, envelope.PartitionAny, out.Partition)
}

func TestEncoderDecodePassThrough(t *testing.T) {
	enc := json.NewEncoder()
	for _, raw := range []string{
		"a message",
		"",
		"null",
		"12",
		`{"content":"no envelope"}`,
		`{"id":"1","operation":"delete","payload":{}}`,
		`{"id":"1","operation":"publish"}`,
	} {
		e, err := enc.Decode([]byte(raw))
		assert.Nil(t, e, raw)
		assert.True(t, errors.Is(err, envelope.ErrDecode), raw)
	}
}

func TestEncoderRejectsInvalid(t *testing.T) {
	enc := json.NewEncoder()
	_, err := enc.Encode(nil)
	assert.Error(t, err)

	_, err = enc.Encode(&envelope.Envelope{ID: "1"})
	assert.Error(t, err)

	_, err = enc.Encode(&envelope.Envelope{ID: "1", Operation: envelope.Publish, Payload: make(chan int)})
	assert.Error(t, err)
}
