package envelope

import (
	"github.com/Shopify/sarama"
	"github.com/pkg/errors"
)

// ResolvePartition picks the partition an envelope is written to.
//
// An override (>= 0) wins. Otherwise a non-empty key is hashed into
// [0, partitionCount) with the same FNV-1a scheme sarama's hash
// partitioner uses, so keyed envelopes land where keyed raw records do.
// With neither, PartitionAny is returned and the broker decides.
func ResolvePartition(partitionCount int32, key string, override int32) (int32, error) {
	if override >= 0 {
		if partitionCount > 0 && override >= partitionCount {
			return PartitionAny, errors.Errorf(
				"envelope: partition %d out of range [0, %d)", override, partitionCount)
		}
		return override, nil
	}

	if key == "" || partitionCount <= 0 {
		return PartitionAny, nil
	}

	p := sarama.NewHashPartitioner("")
	partition, err := p.Partition(&sarama.ProducerMessage{Key: sarama.StringEncoder(key)}, partitionCount)
	if err != nil {
		return PartitionAny, errors.Wrapf(err, "envelope: could not hash key %q", key)
	}
	return partition, nil
}
