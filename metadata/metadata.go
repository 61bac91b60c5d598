// Package metadata caches the topic/broker partition map the rebalancer
// and partition consumer need (spec §4.3), backed by a sarama.Client.
package metadata

import (
	"net"
	"sort"
	"strconv"
	"sync"

	"github.com/Shopify/sarama"
)

// Client is the slice of sarama.Client the metadata view depends on. Kept
// narrow so tests can fake it; a sarama.Client satisfies it directly.
type Client interface {
	RefreshMetadata(topics ...string) error
	WritablePartitions(topic string) ([]int32, error)
	Leader(topic string, partitionID int32) (*sarama.Broker, error)
}

// Broker is the broker record derived from cluster metadata (spec §3).
type Broker struct {
	ID   int32
	Host string
	Port int32
}

// Partition is a partition id paired with its leader broker id (spec §3).
type Partition struct {
	ID             int32
	LeaderBrokerID int32
}

// View caches the partition map of a single topic and reloads on demand.
type View struct {
	client Client
	topic  string

	mu         sync.RWMutex
	partitions []Partition
}

// New creates a View for topic backed by client. Callers must call Reload
// once before use (New itself does not fetch).
func New(client Client, topic string) *View {
	return &View{client: client, topic: topic}
}

// Reload invalidates the cache and refetches metadata for the topic.
func (v *View) Reload() error {
	if err := v.client.RefreshMetadata(v.topic); err != nil {
		return err
	}

	ids, err := v.client.WritablePartitions(v.topic)
	if err != nil {
		// Unknown topic: available_partitions is empty, not an error
		// (spec §7 "Topic absent").
		v.mu.Lock()
		v.partitions = nil
		v.mu.Unlock()
		return nil
	}

	partitions := make([]Partition, 0, len(ids))
	for _, id := range ids {
		broker, err := v.client.Leader(v.topic, id)
		if err != nil || broker == nil {
			continue
		}
		partitions = append(partitions, Partition{ID: id, LeaderBrokerID: broker.ID()})
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i].ID < partitions[j].ID })

	v.mu.Lock()
	v.partitions = partitions
	v.mu.Unlock()
	return nil
}

// Partitions returns the available partitions (those with a live leader),
// sorted ascending by partition id. Empty if the topic is unknown.
func (v *View) Partitions() []Partition {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]Partition, len(v.partitions))
	copy(out, v.partitions)
	return out
}

// Leader returns the broker record for partition's leader, or ok=false if
// unknown (partition absent or no live leader).
func (v *View) Leader(partition int32) (Broker, bool) {
	broker, err := v.client.Leader(v.topic, partition)
	if err != nil || broker == nil {
		return Broker{}, false
	}
	host, portStr, splitErr := net.SplitHostPort(broker.Addr())
	var port int64
	if splitErr == nil {
		port, _ = strconv.ParseInt(portStr, 10, 32)
	} else {
		host = broker.Addr()
	}
	return Broker{ID: broker.ID(), Host: host, Port: int32(port)}, true
}

// Topic returns the topic this view caches.
func (v *View) Topic() string { return v.topic }
