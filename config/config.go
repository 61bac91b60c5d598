// Package config holds the tunables recognized by the poseidon consumer
// group (spec §6.3) plus the embedded sarama and ZooKeeper configuration.
// group.New writes MaxBytes, MinBytes and SocketTimeout into the embedded
// sarama.Config before dialing the brokers.
package config

import (
	"errors"
	"time"

	"github.com/Shopify/sarama"
	"github.com/wvanbergen/kazoo-go"
)

// Config holds every option poseidon recognizes. Unknown keys have no
// Go analogue (there's no dynamic options map); construction rejects bad
// values via Validate instead.
type Config struct {
	// Sarama is the embedded broker-client configuration, following
	// Financial-Times/kafka's Config.Config.
	Sarama *sarama.Config

	// Zookeeper supplies the coordinator session timeout (its Timeout
	// field), following kazoo-go's own Config. Its Chroot field is not
	// read: a chroot is given as a "/chroot" suffix on a coordinator
	// address (see coordinator.Dial).
	Zookeeper *kazoo.Config

	// MaxBytes caps a single fetch response. Default 1 MiB.
	MaxBytes int32

	// MaxWait bounds how long a partition consumer's Fetch waits for a
	// first message (partition.Options.MaxWait). It is not passed to the
	// broker. Default 100ms.
	MaxWait time.Duration

	// MinBytes is the minimum fetch size. Default 0.
	MinBytes int32

	// ClaimTimeout is advisory only: poseidon retries a contended claim
	// indefinitely via coordinator watches rather than enforcing a cap
	// (see DESIGN.md, Open Question: claim_timeout). It feeds the retry
	// log's rate limiter window. Default 30s.
	ClaimTimeout time.Duration

	// LoopDelay is how long FetchLoop sleeps when an iteration claimed
	// nothing or fetched nothing. Default 1s. Overridable per call via
	// FetchOptions.LoopDelay.
	LoopDelay time.Duration

	// SocketTimeout bounds broker socket RPCs. Default 10s.
	SocketTimeout time.Duration

	// Register, when false, skips member registration and the initial
	// rebalance at New(). Default true.
	Register bool

	// Trail, when true, starts a partition with no stored offset from
	// the tail (sarama.OffsetNewest) instead of the head. Default false.
	Trail bool

	// ResetOffsets, when true, deletes every offsets/<topic>/<p> node
	// before the initial rebalance. Supplements datasift/kafka-cg's
	// Offsets.ResetOffsets. Default false.
	ResetOffsets bool

	// WatchMetadata, when true, reloads metadata on a timer but never
	// triggers a rebalance from it — rebalance remains member-set-only
	// per spec's non-goals. Default false.
	WatchMetadata bool

	// OnSessionExpired, if set, is invoked when the coordinator reports
	// the ZooKeeper session expired. Diagnostic only; poseidon does not
	// attempt recovery (spec §9 Open Question).
	OnSessionExpired func()
}

// Default returns a Config with every documented default from spec §6.3.
func Default() *Config {
	return &Config{
		Sarama:        sarama.NewConfig(),
		Zookeeper:     kazoo.NewConfig(),
		MaxBytes:      1 << 20,
		MaxWait:       100 * time.Millisecond,
		MinBytes:      0,
		ClaimTimeout:  30 * time.Second,
		LoopDelay:     1 * time.Second,
		SocketTimeout: 10 * time.Second,
		Register:      true,
		Trail:         false,
	}
}

// Validate checks field invariants, following Financial-Times/kafka's
// Config.Validate shape.
func (c *Config) Validate() error {
	if c.Zookeeper != nil && c.Zookeeper.Timeout <= 0 {
		return errors.New("config: Zookeeper.Timeout must be > 0")
	}
	if c.MaxBytes <= 0 {
		return errors.New("config: MaxBytes must be > 0")
	}
	if c.ClaimTimeout < 0 {
		return errors.New("config: ClaimTimeout must be >= 0")
	}
	if c.LoopDelay < 0 {
		return errors.New("config: LoopDelay must be >= 0")
	}
	if c.SocketTimeout <= 0 {
		return errors.New("config: SocketTimeout must be > 0")
	}
	if c.Sarama != nil {
		if err := c.Sarama.Validate(); err != nil {
			return err
		}
	}
	return nil
}
