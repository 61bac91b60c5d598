// Package group implements the ConsumerGroup facade (spec §4.6): the
// public entry point that wires a coordinator session, a broker client,
// and the rebalance/partition machinery into the checkout/fetch API
// application code actually calls.
package group

import (
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/Shopify/sarama"
	"github.com/samuel/go-zookeeper/zk"

	"github.com/bsm/poseidon-cluster/config"
	"github.com/bsm/poseidon-cluster/coordinator"
	"github.com/bsm/poseidon-cluster/guid"
	"github.com/bsm/poseidon-cluster/metadata"
	"github.com/bsm/poseidon-cluster/partition"
	"github.com/bsm/poseidon-cluster/rebalance"
)

// ErrStopLoop is a sentinel a FetchBlock can return to end FetchLoop
// cleanly (spec §4.6.2: the Go idiom for "the user breaks out of their
// block", since Go has no Ruby-style block-break that unwinds the caller).
var ErrStopLoop = errors.New("group: stop fetch loop")

// ErrUnknownPartitionLeader is returned when constructing a partition
// consumer for a partition with no live leader — a fatal configuration
// error raised to the caller, not handled internally (spec §7).
var ErrUnknownPartitionLeader = errors.New("group: unknown partition leader")

// FetchBlock receives a claimed partition and the batch fetch returned
// (possibly empty). Returning commit=true makes the facade persist the
// offset afterward, subject to FetchOptions.Commit; returning a non-nil
// error aborts the call without committing and, from FetchLoop, ends the
// loop (ErrStopLoop ends it without propagating further).
type FetchBlock func(partitionID int32, messages []*sarama.ConsumerMessage) (commit bool, err error)

// CheckoutBlock is the lower-level block Checkout invokes directly with
// the claimed partition consumer, for callers that want fetch control
// themselves.
type CheckoutBlock func(c *partition.Consumer) (commit bool, err error)

// FetchOptions configures a single checkout/fetch/fetch_loop call (spec
// §4.6.1 step 6's "opts.commit").
type FetchOptions struct {
	// Commit overrides whether a truthy block result is auto-committed.
	// Nil means true (spec's "opts.commit != false" defaults to commit).
	Commit *bool

	// LoopDelay overrides the instance's LoopDelay for one FetchLoop call.
	// Zero means "use the instance default" (spec §6.3: overridable
	// per-call and per-instance).
	LoopDelay time.Duration
}

func (o FetchOptions) shouldCommit() bool {
	return o.Commit == nil || *o.Commit
}

// Coordinator is the slice of *coordinator.Coordinator the facade uses
// directly (the rebalancer narrows its own, smaller subset). Kept as an
// interface for the same reason as rebalance.Coordinator: testability
// without a live ensemble.
type Coordinator interface {
	MkdirP(p string) error
	Create(p string, data []byte, ephemeral bool) error
	Get(p string, ignoreNoNode bool) ([]byte, bool, error)
	Set(p string, data []byte) error
	Delete(p string, ignoreNoNode bool) error
	Children(p string, watch bool) ([]string, <-chan zk.Event, error)
	Register(p string, callback func(coordinator.Event)) *coordinator.Subscription
	Exists(p string, watch bool) (bool, <-chan zk.Event, error)
	Close() error
}

// MetadataView is the slice of *metadata.View the facade uses directly.
type MetadataView interface {
	Reload() error
	Partitions() []metadata.Partition
	Leader(partitionID int32) (metadata.Broker, bool)
}

// metaClient and saramaConsumer narrow the sarama client/consumer pair the
// facade needs: enough to hand partition.New a working BrokerClient and to
// close both cleanly. sarama.NewClient's and sarama.NewConsumerFromClient's
// results satisfy these respectively.
type metaClient interface {
	metadata.Client
	Close() error
}

type saramaConsumer interface {
	partition.BrokerClient
	Close() error
}

// ConsumerGroup is the public facade (spec §4.6): a single process's
// membership in one named group consuming one topic.
type ConsumerGroup struct {
	name   string
	topic  string
	selfID string
	cfg    *config.Config

	mu         sync.Mutex
	registered bool
	closed     bool

	coord      Coordinator
	client     metaClient
	consumer   saramaConsumer
	meta       MetadataView
	rebalancer *rebalance.Rebalancer

	stopMetadataWatch chan struct{}

	logger *log.Logger
}

// New dials the coordinator ensemble and the broker cluster, wires the
// metadata view and rebalancer, and — unless cfg.Register is false —
// registers the member and runs the initial rebalance (spec §4.6 new()).
func New(groupName string, brokerAddrs []string, coordinatorAddrs []string, topic string, cfg *config.Config) (*ConsumerGroup, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("group: invalid config: %w", err)
	}

	saramaCfg := cfg.Sarama
	if saramaCfg == nil {
		saramaCfg = sarama.NewConfig()
	}
	if cfg.MaxBytes > 0 {
		saramaCfg.Consumer.Fetch.Max = cfg.MaxBytes
	}
	if cfg.MinBytes > 0 {
		saramaCfg.Consumer.Fetch.Min = cfg.MinBytes
	}
	if cfg.SocketTimeout > 0 {
		saramaCfg.Net.DialTimeout = cfg.SocketTimeout
		saramaCfg.Net.ReadTimeout = cfg.SocketTimeout
		saramaCfg.Net.WriteTimeout = cfg.SocketTimeout
	}

	client, err := sarama.NewClient(brokerAddrs, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("group: new broker client: %w", err)
	}

	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("group: new broker consumer: %w", err)
	}

	sessionTimeout := 15 * time.Second
	if cfg.Zookeeper != nil && cfg.Zookeeper.Timeout > 0 {
		sessionTimeout = cfg.Zookeeper.Timeout
	}
	coord, err := coordinator.Dial(coordinatorAddrs, sessionTimeout, cfg.OnSessionExpired)
	if err != nil {
		consumer.Close()
		client.Close()
		return nil, fmt.Errorf("group: dial coordinator: %w", err)
	}

	logger := log.Default()
	meta := metadata.New(client, topic)

	cg := &ConsumerGroup{
		name:     groupName,
		topic:    topic,
		selfID:   guid.MemberID(groupName),
		cfg:      cfg,
		coord:    coord,
		client:   client,
		consumer: consumer,
		meta:     meta,
		logger:   logger,
	}
	cg.rebalancer = rebalance.New(&cg.mu, coord, meta, groupName, topic, cg.selfID, cg.newConsumer, cfg.ClaimTimeout, logger)

	if cfg.Register {
		if err := cg.Register(); err != nil {
			cg.Close()
			return nil, err
		}
	}

	if cfg.WatchMetadata {
		cg.stopMetadataWatch = make(chan struct{})
		go cg.watchMetadata()
	}
	return cg, nil
}

// watchMetadata periodically reloads the metadata cache on a timer. It
// never triggers a rebalance — rebalance stays member-set-only, per the
// spec's explicit non-goal; this only keeps Partitions()/Leader() fresh
// between member-set changes (spec §9 Open Question, opt-in supplement).
func (cg *ConsumerGroup) watchMetadata() {
	const metadataWatchInterval = 30 * time.Second
	ticker := time.NewTicker(metadataWatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cg.stopMetadataWatch:
			return
		case <-ticker.C:
			if err := cg.meta.Reload(); err != nil {
				cg.logger.Printf("group: metadata watch reload: %v", err)
			}
		}
	}
}

// SetLogger replaces the instance's diagnostic logger (defaults to
// log.Default()), following datasift/kafka-cg's ConsumerGroup.SetLogger.
func (cg *ConsumerGroup) SetLogger(logger *log.Logger) {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	cg.logger = logger
}

func (cg *ConsumerGroup) idsPath() string     { return coordinator.Join("consumers", cg.name, "ids") }
func (cg *ConsumerGroup) ownersPath() string  { return coordinator.Join("consumers", cg.name, "owners", cg.topic) }
func (cg *ConsumerGroup) offsetsPath() string { return coordinator.Join("consumers", cg.name, "offsets", cg.topic) }
func (cg *ConsumerGroup) memberPath() string  { return coordinator.Join(cg.idsPath(), cg.selfID) }
func (cg *ConsumerGroup) offsetPath(partitionID int32) string {
	return coordinator.Join(cg.offsetsPath(), strconv.FormatInt(int64(partitionID), 10))
}

// Register creates the registry directories, creates the own ephemeral
// member node, and runs the initial rebalance (which installs the
// members-directory watch as a side effect of its first Children call).
// Idempotent (spec §4.6 register!()).
func (cg *ConsumerGroup) Register() error {
	cg.mu.Lock()
	if cg.registered {
		cg.mu.Unlock()
		return nil
	}
	cg.mu.Unlock()

	for _, p := range []string{cg.idsPath(), cg.ownersPath(), cg.offsetsPath()} {
		if err := cg.coord.MkdirP(p); err != nil {
			return fmt.Errorf("group: mkdir_p %s: %w", p, err)
		}
	}

	if cg.cfg.ResetOffsets {
		if err := cg.resetOffsets(); err != nil {
			return fmt.Errorf("group: reset offsets: %w", err)
		}
	}

	if err := cg.coord.Create(cg.memberPath(), []byte("{}"), true); err != nil && !coordinator.IsNodeExists(err) {
		return fmt.Errorf("group: register member: %w", err)
	}

	cg.mu.Lock()
	cg.registered = true
	cg.mu.Unlock()

	return cg.rebalancer.RebalanceNow()
}

func (cg *ConsumerGroup) resetOffsets() error {
	children, _, err := cg.coord.Children(cg.offsetsPath(), false)
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := cg.coord.Delete(coordinator.Join(cg.offsetsPath(), c), true); err != nil {
			return err
		}
	}
	return nil
}

// newConsumer constructs the partition consumer for a freshly claimed
// partition, deriving the initial offset from the stored one (spec
// §4.4). Used as the rebalancer's NewConsumerFunc.
func (cg *ConsumerGroup) newConsumer(partitionID int32) (*partition.Consumer, error) {
	if _, ok := cg.meta.Leader(partitionID); !ok {
		return nil, fmt.Errorf("%w: partition %d", ErrUnknownPartitionLeader, partitionID)
	}

	stored := cg.readOffset(partitionID)
	initial := partition.ResolveInitialOffset(stored, cg.cfg.Trail)
	opts := partition.Options{MaxWait: cg.cfg.MaxWait}
	return partition.New(cg.name, cg.consumer, cg.topic, partitionID, initial, opts)
}

// Claimed returns the partition ids currently held, sorted ascending.
func (cg *ConsumerGroup) Claimed() []int32 {
	cg.mu.Lock()
	defer cg.mu.Unlock()
	return cg.rebalancer.ClaimedIDs()
}

// Partitions returns the topic's available partitions, id-sorted.
func (cg *ConsumerGroup) Partitions() []metadata.Partition {
	return cg.meta.Partitions()
}

// Offset reads the stored offset for partitionID; an absent node reads
// as 0 (spec §4.6 offset(p)).
func (cg *ConsumerGroup) Offset(partitionID int32) int64 {
	return cg.readOffset(partitionID)
}

func (cg *ConsumerGroup) readOffset(partitionID int32) int64 {
	data, ok, err := cg.coord.Get(cg.offsetPath(partitionID), true)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// Commit sets the stored offset for partitionID to offset, creating the
// offset node if it's missing (spec §4.6 commit(p, o)).
func (cg *ConsumerGroup) Commit(partitionID int32, offset int64) error {
	p := cg.offsetPath(partitionID)
	data := []byte(strconv.FormatInt(offset, 10))
	err := cg.coord.Set(p, data)
	if err != nil && coordinator.IsNoNode(err) {
		return cg.coord.Create(p, data, false)
	}
	return err
}

// Leader delegates to the metadata view.
func (cg *ConsumerGroup) Leader(partitionID int32) (metadata.Broker, bool) {
	return cg.meta.Leader(partitionID)
}

// Checkout implements the scheduler of spec §4.6.1: acquire the group
// lock, rotate the local consumer list, invoke block with the new head,
// release the lock, then commit unless suppressed. Returns false (with a
// nil block invocation) if nothing is currently claimed.
func (cg *ConsumerGroup) Checkout(opts FetchOptions, block CheckoutBlock) (bool, error) {
	cg.mu.Lock()
	c := cg.rebalancer.Rotate()
	if c == nil {
		cg.mu.Unlock()
		return false, nil
	}

	commitOK, berr := block(c)
	partitionID := c.Partition()
	offsetToCommit := c.Offset()
	cg.mu.Unlock()

	if berr != nil {
		return true, berr
	}
	if commitOK && opts.shouldCommit() {
		if err := cg.Commit(partitionID, offsetToCommit); err != nil {
			return true, fmt.Errorf("group: commit partition %d: %w", partitionID, err)
		}
	}
	return true, nil
}

// Fetch is Checkout specialized to call consumer.Fetch() and hand the
// batch to block (spec §4.6 fetch(opts, block)).
func (cg *ConsumerGroup) Fetch(opts FetchOptions, block FetchBlock) (bool, error) {
	return cg.Checkout(opts, func(c *partition.Consumer) (bool, error) {
		messages, err := c.Fetch()
		if err != nil {
			return false, err
		}
		return block(c.Partition(), messages)
	})
}

// FetchLoop calls Fetch forever, yielding (-1, nil) to block when nothing
// is claimed, and sleeping LoopDelay whenever an iteration claimed
// nothing or fetched nothing (spec §4.6.2). It returns when block returns
// ErrStopLoop (nil error) or any other error (that error, wrapped).
func (cg *ConsumerGroup) FetchLoop(opts FetchOptions, block FetchBlock) error {
	delay := cg.cfg.LoopDelay
	if opts.LoopDelay > 0 {
		delay = opts.LoopDelay
	}

	for {
		var hadMessages bool
		claimed, err := cg.Fetch(opts, func(partitionID int32, messages []*sarama.ConsumerMessage) (bool, error) {
			hadMessages = len(messages) > 0
			return block(partitionID, messages)
		})
		if errors.Is(err, ErrStopLoop) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("group: fetch loop: %w", err)
		}

		if !claimed {
			if _, err := block(-1, nil); err != nil {
				if errors.Is(err, ErrStopLoop) {
					return nil
				}
				return fmt.Errorf("group: fetch loop: %w", err)
			}
		}

		if !claimed || !hadMessages {
			time.Sleep(delay)
		}
	}
}

// Close releases every held partition under the group lock, deregisters
// the member node, and closes the coordinator session and broker client
// (spec §4.6 close()). Safe to call more than once.
func (cg *ConsumerGroup) Close() error {
	cg.mu.Lock()
	if cg.closed {
		cg.mu.Unlock()
		return nil
	}
	cg.closed = true
	cg.rebalancer.ReleaseAll()
	cg.mu.Unlock()

	if cg.stopMetadataWatch != nil {
		close(cg.stopMetadataWatch)
	}

	if err := cg.coord.Delete(cg.memberPath(), true); err != nil {
		cg.logger.Printf("group: deregister member: %v", err)
	}
	if cg.consumer != nil {
		if err := cg.consumer.Close(); err != nil {
			cg.logger.Printf("group: close broker consumer: %v", err)
		}
	}
	if cg.client != nil {
		if err := cg.client.Close(); err != nil {
			cg.logger.Printf("group: close broker client: %v", err)
		}
	}
	return cg.coord.Close()
}

// Reload invalidates the metadata cache and re-fetches it.
func (cg *ConsumerGroup) Reload() error {
	return cg.meta.Reload()
}
