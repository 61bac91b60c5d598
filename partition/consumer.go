// Package partition implements the per-partition fetch cursor (spec
// §4.4): a thin wrapper delegating wire I/O to an external broker client
// (here, sarama) while tracking the next offset to read.
package partition

import (
	"sync/atomic"
	"time"

	"github.com/Shopify/sarama"
)

// Options configures a single partition's fetch behavior (spec §6.3).
// MaxBytes and MinBytes are batch-size tunables sarama applies at the
// client level (Consumer.Fetch.Max/Min, wired in group.New) rather than
// per ConsumePartition call, so they have no analogue here; MaxWait is
// the one knob this package itself enforces, bounding how long Fetch
// blocks for the first message.
type Options struct {
	MaxWait time.Duration
}

// BrokerClient is the narrow slice of sarama.Consumer the partition
// consumer depends on (spec §6.2's PartitionConsumer collaborator).
// *sarama's Consumer implementation satisfies it directly.
type BrokerClient interface {
	ConsumePartition(topic string, partition int32, offset int64) (sarama.PartitionConsumer, error)
}

// ResolveInitialOffset implements spec §4.4's initial_offset derivation:
// the stored offset if positive, else the tail sentinel when trail is
// set, else the head sentinel.
func ResolveInitialOffset(stored int64, trail bool) int64 {
	if stored > 0 {
		return stored
	}
	if trail {
		return sarama.OffsetNewest
	}
	return sarama.OffsetOldest
}

// Consumer is the per-partition fetch cursor the rebalancer creates on a
// successful claim and destroys on release.
type Consumer struct {
	groupID     string
	topic       string
	partitionID int32

	pc sarama.PartitionConsumer

	maxWait time.Duration
	offset  int64 // next offset to read, updated atomically
}

// New constructs a partition consumer for (topic, partitionID), obtaining
// a sarama.PartitionConsumer from client starting at initialOffset. If the
// broker reports the offset is out of range, it falls back to the oldest
// or newest available offset depending on whether initialOffset was
// already a sentinel pointing at the tail, following datasift/kafka-cg's
// consumePartition fallback.
func New(groupID string, client BrokerClient, topic string, partitionID int32, initialOffset int64, opts Options) (*Consumer, error) {
	pc, err := client.ConsumePartition(topic, partitionID, initialOffset)
	if err == sarama.ErrOffsetOutOfRange {
		fallback := sarama.OffsetOldest
		if initialOffset == sarama.OffsetNewest {
			fallback = sarama.OffsetNewest
		}
		pc, err = client.ConsumePartition(topic, partitionID, fallback)
	}
	if err != nil {
		return nil, err
	}

	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = 100 * time.Millisecond
	}

	c := &Consumer{
		groupID:     groupID,
		topic:       topic,
		partitionID: partitionID,
		pc:          pc,
		maxWait:     maxWait,
	}
	atomic.StoreInt64(&c.offset, initialOffset)
	return c, nil
}

// Partition returns the partition id this consumer owns.
func (c *Consumer) Partition() int32 { return c.partitionID }

// Topic returns the topic this consumer reads.
func (c *Consumer) Topic() string { return c.topic }

// Offset returns the next offset to read, i.e. one past the last message
// returned by Fetch (spec §4.4).
func (c *Consumer) Offset() int64 { return atomic.LoadInt64(&c.offset) }

// Fetch waits up to MaxWait for at least one message, then drains
// whatever else is already buffered without blocking further, and
// returns the batch. An empty, nil-error result means no messages arrived
// within MaxWait.
func (c *Consumer) Fetch() ([]*sarama.ConsumerMessage, error) {
	var batch []*sarama.ConsumerMessage

	select {
	case msg, ok := <-c.pc.Messages():
		if !ok {
			return batch, nil
		}
		batch = append(batch, msg)
		atomic.StoreInt64(&c.offset, msg.Offset+1)
	case err := <-c.pc.Errors():
		return nil, err
	case <-time.After(c.maxWait):
		return batch, nil
	}

drain:
	for {
		select {
		case msg, ok := <-c.pc.Messages():
			if !ok {
				break drain
			}
			batch = append(batch, msg)
			atomic.StoreInt64(&c.offset, msg.Offset+1)
		default:
			break drain
		}
	}
	return batch, nil
}

// Close releases the underlying sarama.PartitionConsumer.
func (c *Consumer) Close() error {
	return c.pc.Close()
}
