// Package rebalance implements the rebalance protocol (spec §4.5):
// computing the assignment diff on every group membership change, safely
// releasing revoked partitions, and claiming newly owned ones.
package rebalance

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
	"golang.org/x/time/rate"

	"github.com/bsm/poseidon-cluster/assign"
	"github.com/bsm/poseidon-cluster/coordinator"
	"github.com/bsm/poseidon-cluster/metadata"
	"github.com/bsm/poseidon-cluster/partition"
)

// NewConsumerFunc constructs the partition consumer for a freshly claimed
// partition id (spec §4.4's initial-offset derivation happens inside it,
// since it depends on the stored offset the ConsumerGroup facade owns).
type NewConsumerFunc func(partitionID int32) (*partition.Consumer, error)

// Coordinator is the slice of *coordinator.Coordinator the rebalancer
// depends on, narrowed the way Financial-Times/kafka's
// consumerGroupManager/zookeeperTopicReader interfaces narrow kazoo-go —
// so tests can fake the ensemble instead of dialing a real one.
type Coordinator interface {
	Children(path string, watch bool) ([]string, <-chan zk.Event, error)
	Create(path string, data []byte, ephemeral bool) error
	Delete(path string, ignoreNoNode bool) error
	Exists(path string, watch bool) (bool, <-chan zk.Event, error)
	Register(path string, callback func(coordinator.Event)) *coordinator.Subscription
}

// MetadataView is the slice of *metadata.View the rebalancer depends on.
type MetadataView interface {
	Reload() error
	Partitions() []metadata.Partition
}

// Rebalancer holds the claim state machine and the diff/release/claim
// algorithm for one ConsumerGroup instance. All of its locked methods
// assume the caller holds mu — the same group-wide mutex the
// ConsumerGroup facade uses to serialize rebalance, checkout, and close
// (spec §5).
type Rebalancer struct {
	mu *sync.Mutex

	coord  Coordinator
	meta   MetadataView
	group  string
	topic  string
	selfID string

	newConsumer NewConsumerFunc

	pendingMu sync.Mutex
	pending   bool

	order []int32
	byID  map[int32]*partition.Consumer

	logger  *log.Logger
	limiter *rate.Limiter
}

// claimLogBurst is how many retry/contention log lines claimTimeout's
// window allows through the rate limiter (spec's claim_timeout Open
// Question: advisory only, feeds the limiter, never a hard retry cap).
const claimLogBurst = 4

// defaultClaimTimeout is used when claimTimeout <= 0, matching
// config.Default's ClaimTimeout.
const defaultClaimTimeout = 30 * time.Second

// New constructs a Rebalancer. mu is the group's shared lock; Rebalance
// (and the claim retries it schedules) always runs with it held.
// claimTimeout sizes the claim/retry log's rate-limiter window: up to
// claimLogBurst lines are allowed per claimTimeout, following
// Financial-Times/kafka's newDefaultLimiter sizing its window off a
// configured duration rather than a bare literal.
func New(mu *sync.Mutex, coord Coordinator, meta MetadataView, group, topic, selfID string, newConsumer NewConsumerFunc, claimTimeout time.Duration, logger *log.Logger) *Rebalancer {
	if logger == nil {
		logger = log.Default()
	}
	if claimTimeout <= 0 {
		claimTimeout = defaultClaimTimeout
	}
	return &Rebalancer{
		mu:          mu,
		coord:       coord,
		meta:        meta,
		group:       group,
		topic:       topic,
		selfID:      selfID,
		newConsumer: newConsumer,
		byID:        make(map[int32]*partition.Consumer),
		logger:      logger,
		limiter:     rate.NewLimiter(rate.Every(claimTimeout/claimLogBurst), claimLogBurst),
	}
}

func (r *Rebalancer) membersPath() string {
	return coordinator.Join("consumers", r.group, "ids")
}

func (r *Rebalancer) ownerPath(partitionID int32) string {
	return coordinator.Join("consumers", r.group, "owners", r.topic, fmt.Sprintf("%d", partitionID))
}

// Trigger schedules a rebalance. If one is already pending (requested but
// not yet started), the request is coalesced — no storm of queued runs
// (spec §4.5 step 1, §5).
func (r *Rebalancer) Trigger() {
	r.pendingMu.Lock()
	if r.pending {
		r.pendingMu.Unlock()
		return
	}
	r.pending = true
	r.pendingMu.Unlock()

	go r.runPending()
}

func (r *Rebalancer) runPending() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pendingMu.Lock()
	r.pending = false
	r.pendingMu.Unlock()

	if err := r.rebalanceLocked(); err != nil {
		r.logf("rebalance: %v", err)
	}
}

// RebalanceNow runs the rebalance algorithm synchronously, acquiring the
// group lock itself. Used for the initial rebalance at Register time,
// where the caller wants to observe the resulting claim set immediately.
func (r *Rebalancer) RebalanceNow() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rebalanceLocked()
}

// rebalanceLocked implements spec §4.5 steps 3-7. Caller holds mu.
func (r *Rebalancer) rebalanceLocked() error {
	if err := r.meta.Reload(); err != nil {
		return fmt.Errorf("reload metadata: %w", err)
	}

	children, watchCh, err := r.coord.Children(r.membersPath(), true)
	if err != nil {
		return fmt.Errorf("list members: %w", err)
	}
	if watchCh != nil {
		go r.awaitMembershipChange(watchCh)
	}

	partitions := r.meta.Partitions()

	rng, ok := assign.Pick(len(partitions), children, r.selfID)
	if !ok {
		r.releaseAllLocked()
		return nil
	}

	desired := make(map[int32]bool, rng.Last-rng.First+1)
	for i := rng.First; i <= rng.Last; i++ {
		desired[partitions[i].ID] = true
	}

	held := make(map[int32]bool, len(r.order))
	for _, id := range r.order {
		held[id] = true
	}

	for id := range held {
		if !desired[id] {
			r.releaseLocked(id)
		}
	}

	toClaim := make([]int32, 0, len(desired))
	for id := range desired {
		if !held[id] {
			toClaim = append(toClaim, id)
		}
	}
	sort.Slice(toClaim, func(i, j int) bool { return toClaim[i] < toClaim[j] })
	var firstErr error
	for _, id := range toClaim {
		if err := r.claimLocked(id); err != nil {
			r.logf("claim partition %d: %v", id, err)
			if firstErr == nil {
				firstErr = fmt.Errorf("claim partition %d: %w", id, err)
			}
		}
	}
	return firstErr
}

func (r *Rebalancer) awaitMembershipChange(ch <-chan zk.Event) {
	if _, ok := <-ch; !ok {
		return
	}
	r.Trigger()
}

// ClaimedIDs returns the partition ids currently held, sorted ascending
// (spec §4.6 Claimed()).
func (r *Rebalancer) ClaimedIDs() []int32 {
	out := make([]int32, len(r.order))
	copy(out, r.order)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Rotate rotates the local consumer order left by one and returns the new
// head, or nil if nothing is claimed (spec §4.6.1 step 2-3). Caller holds
// the group lock.
func (r *Rebalancer) Rotate() *partition.Consumer {
	if len(r.order) == 0 {
		return nil
	}
	r.order = append(r.order[1:], r.order[0])
	return r.byID[r.order[0]]
}

// Get returns the consumer for partitionID, if claimed.
func (r *Rebalancer) Get(partitionID int32) (*partition.Consumer, bool) {
	c, ok := r.byID[partitionID]
	return c, ok
}

// ReleaseAll releases every held partition (spec §4.6 Close()). Caller
// holds the group lock.
func (r *Rebalancer) ReleaseAll() {
	r.releaseAllLocked()
}

func (r *Rebalancer) releaseAllLocked() {
	ids := make([]int32, len(r.order))
	copy(ids, r.order)
	for _, id := range ids {
		r.releaseLocked(id)
	}
}

func (r *Rebalancer) addLocked(id int32, c *partition.Consumer) {
	r.byID[id] = c
	r.order = append(r.order, id)
}

func (r *Rebalancer) removeLocked(id int32) {
	delete(r.byID, id)
	for i, existing := range r.order {
		if existing == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *Rebalancer) releaseLocked(id int32) {
	if c, ok := r.byID[id]; ok {
		if c != nil {
			c.Close()
		}
		r.removeLocked(id)
	}
	if err := r.coord.Delete(r.ownerPath(id), true); err != nil {
		r.logf("release partition %d: %v", id, err)
	}
}

func (r *Rebalancer) logf(format string, args ...interface{}) {
	if r.limiter.Allow() {
		r.logger.Printf(format, args...)
	}
}
