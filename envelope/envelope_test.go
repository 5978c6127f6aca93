package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOperation(t *testing.T) {
	for _, op := range []Operation{Publish, Update, Unpublish} {
		parsed, err := ParseOperation(op.String())
		require.NoError(t, err)
		assert.Equal(t, op, parsed)
	}

	_, err := ParseOperation("delete")
	assert.Error(t, err)
	assert.False(t, Operation(0).Valid())
	assert.Equal(t, "unknown", Operation(42).String())
}

func TestResolvePartition(t *testing.T) {
	p, err := ResolvePartition(4, "ignored", 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), p)

	_, err = ResolvePartition(4, "", 4)
	assert.Error(t, err)

	p, err = ResolvePartition(4, "", PartitionAny)
	require.NoError(t, err)
	assert.Equal(t, PartitionAny, p)

	first, err := ResolvePartition(8, "customer-17", PartitionAny)
	require.NoError(t, err)
	assert.True(t, first >= 0 && first < 8)
	for i := 0; i < 10; i++ {
		again, err := ResolvePartition(8, "customer-17", PartitionAny)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}

	p, err = ResolvePartition(1, "any-key", PartitionAny)
	require.NoError(t, err)
	assert.Equal(t, int32(0), p)
}

func TestNew(t *testing.T) {
	e, err := New(Update, "7", map[string]string{"content": "x"}, 1, "", 0, nil)
	require.NoError(t, err)
	assert.Equal(t, int32(0), e.Partition)
	assert.NotNil(t, e.Headers)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, "7", e.RecordKey())

	e.CompactionKey = "c"
	assert.Equal(t, "c", e.RecordKey())
	e.Key = "k"
	assert.Equal(t, "k", e.RecordKey())

	_, err = New(Operation(9), "1", nil, 1, "", 0, nil)
	assert.Error(t, err)
	_, err = New(Publish, "", nil, 1, "", 0, nil)
	assert.Error(t, err)
}

func TestHeadersGet(t *testing.T) {
	h := Headers{{Key: "a", Value: []byte("1")}, {Key: "a", Value: []byte("2")}}
	v, ok := h.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "1", string(v))
	_, ok = h.Get("b")
	assert.False(t, ok)
}
