// Package coordinator is a thin facade over a ZooKeeper-style hierarchical
// ephemeral-node store (spec §6.1). It exposes exactly the primitives the
// core coordination logic needs: mkdir_p, create, get, set, delete,
// children (with an optional one-shot watch), register (a long-lived
// watch with an explicit unsubscribe handle), and exists.
package coordinator

import (
	"errors"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/samuel/go-zookeeper/zk"
)

// Re-exported so callers can match the error taxonomy spec §6.1/§7 names
// without importing zk directly.
var (
	ErrNodeExists = zk.ErrNodeExists
	ErrNoNode     = zk.ErrNoNode
)

// IsNodeExists reports whether err is (or wraps) the node-exists error.
func IsNodeExists(err error) bool { return errors.Is(err, zk.ErrNodeExists) }

// IsNoNode reports whether err is (or wraps) the no-node error.
func IsNoNode(err error) bool { return errors.Is(err, zk.ErrNoNode) }

var worldACL = zk.WorldACL(zk.PermAll)

// Coordinator wraps a *zk.Conn. It is safe for concurrent use by multiple
// goroutines (the underlying zk.Conn is).
type Coordinator struct {
	conn   *zk.Conn
	events <-chan zk.Event
	chroot string

	mu     sync.Mutex
	closed bool
}

// Dial connects to the ZooKeeper ensemble at servers with the given
// session timeout, following kazoo-go's Config.Timeout default (15s) when
// the caller passes 0. servers follows kazoo-go's ParseConnectionString
// convention: any entry may carry a trailing "/chroot" suffix (e.g.
// "zk1:2181/poseidon"), split off via SplitChroot before dialing the bare
// host:port list; every path this Coordinator is given is then treated as
// chroot-relative, the same convention kazoo-go's own Kazoo type uses when
// wrapping znode paths. If onSessionExpired is non-nil it is invoked (on
// its own goroutine) when the session reports zk.StateExpired — a
// diagnostic hook only; the coordinator does not attempt recovery (spec
// §9 Open Question, §5 "core does not attempt session recovery").
func Dial(servers []string, sessionTimeout time.Duration, onSessionExpired func()) (*Coordinator, error) {
	if sessionTimeout <= 0 {
		sessionTimeout = 15 * time.Second
	}

	hosts := make([]string, len(servers))
	var chroot string
	for i, s := range servers {
		host, cr := SplitChroot(s)
		hosts[i] = host
		if cr != "" {
			chroot = cr
		}
	}

	conn, events, err := zk.Connect(hosts, sessionTimeout)
	if err != nil {
		return nil, err
	}
	c := &Coordinator{conn: conn, events: events, chroot: chroot}
	if onSessionExpired != nil {
		go c.watchSessionState(onSessionExpired)
	}
	return c, nil
}

func (c *Coordinator) watchSessionState(onSessionExpired func()) {
	for ev := range c.events {
		if ev.State == zk.StateExpired {
			onSessionExpired()
		}
	}
}

// Close closes the underlying session. All ephemeral nodes created by this
// session disappear.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.conn.Close()
	return nil
}

// abs prefixes p with the ensemble's chroot, if one was parsed off the
// dial address by SplitChroot. Every other method works in chroot-relative
// paths and calls abs only at the point it touches c.conn.
func (c *Coordinator) abs(p string) string {
	if c.chroot == "" {
		return p
	}
	return path.Join(c.chroot, p)
}

// MkdirP creates path and every ancestor that doesn't already exist, each
// as a persistent node with empty data. Idempotent.
func (c *Coordinator) MkdirP(p string) error {
	if p == "" || p == "/" {
		return nil
	}
	parent := path.Dir(p)
	if parent != "/" && parent != "." {
		if err := c.MkdirP(parent); err != nil {
			return err
		}
	}
	_, err := c.conn.Create(c.abs(p), []byte{}, 0, worldACL)
	if err != nil && !IsNodeExists(err) {
		return err
	}
	return nil
}

// Create creates path with data. If ephemeral, the node is removed when
// this session ends. Returns ErrNodeExists if the path is already present.
func (c *Coordinator) Create(p string, data []byte, ephemeral bool) error {
	var flags int32
	if ephemeral {
		flags = zk.FlagEphemeral
	}
	_, err := c.conn.Create(c.abs(p), data, flags, worldACL)
	return err
}

// Get reads the data stored at path. If the node is absent and
// ignoreNoNode is true, it returns (nil, false, nil) instead of an error
// (spec §6.1: "(nil, nil) on absence").
func (c *Coordinator) Get(p string, ignoreNoNode bool) ([]byte, bool, error) {
	data, _, err := c.conn.Get(c.abs(p))
	if err != nil {
		if ignoreNoNode && IsNoNode(err) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

// Set overwrites the data stored at path (any version). Returns
// ErrNoNode if path is absent.
func (c *Coordinator) Set(p string, data []byte) error {
	_, err := c.conn.Set(c.abs(p), data, -1)
	return err
}

// Delete removes path (any version). If the node is absent and
// ignoreNoNode is true, the absence is not treated as an error.
func (c *Coordinator) Delete(p string, ignoreNoNode bool) error {
	err := c.conn.Delete(c.abs(p), -1)
	if err != nil && ignoreNoNode && IsNoNode(err) {
		return nil
	}
	return err
}

// Children lists path's direct children. If watch is true, a one-shot
// watch is installed and the returned channel fires exactly once, the
// next time the child set changes (spec §6.1).
func (c *Coordinator) Children(p string, watch bool) ([]string, <-chan zk.Event, error) {
	if !watch {
		children, _, err := c.conn.Children(c.abs(p))
		return children, nil, err
	}
	children, _, ch, err := c.conn.ChildrenW(c.abs(p))
	return children, ch, err
}

// Exists reports whether path is present. If watch is true, a one-shot
// watch fires the next time the node is created, deleted, or its data
// changes.
func (c *Coordinator) Exists(p string, watch bool) (bool, <-chan zk.Event, error) {
	if !watch {
		ok, _, err := c.conn.Exists(c.abs(p))
		return ok, nil, err
	}
	ok, _, ch, err := c.conn.ExistsW(c.abs(p))
	return ok, ch, err
}

// Event is what Register's callback receives: a discriminated view of the
// underlying zk.Event.
type Event struct {
	Path        string
	NodeDeleted bool
	Raw         zk.Event
}

// Subscription is the handle returned by Register. Unsubscribe stops the
// watch loop; it is safe to call more than once.
type Subscription struct {
	stop chan struct{}
	once sync.Once
}

// Unsubscribe stops the watch loop started by Register. On a zero
// Subscription (no watch loop behind it) it is a no-op.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() {
		if s.stop != nil {
			close(s.stop)
		}
	})
}

// Register installs a long-lived watch on path: every time the node's
// existence or data changes, callback is invoked with an Event
// discriminating node-deleted from other changes, and the watch is
// re-armed. Register itself re-arms using ExistsW, which fires on
// creation, deletion, and data-change events — callers that only care
// about deletion (the claim-protocol retry in the rebalancer) should
// check Event.NodeDeleted.
//
// If, at watch-registration time, the node no longer exists, Register
// still succeeds (ExistsW tolerates absence) — unlike a GetW-based watch
// it never needs to unsubscribe-and-retry purely because of that race;
// the rebalancer's claim! still re-checks existence itself before
// deciding whether to retry (spec §4.5.1).
func (c *Coordinator) Register(p string, callback func(Event)) *Subscription {
	sub := &Subscription{stop: make(chan struct{})}
	go c.watchLoop(p, callback, sub)
	return sub
}

func (c *Coordinator) watchLoop(p string, callback func(Event), sub *Subscription) {
	for {
		_, ch, err := c.Exists(p, true)
		if err != nil {
			return
		}
		select {
		case <-sub.stop:
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			select {
			case <-sub.stop:
				return
			default:
			}
			callback(Event{
				Path:        ev.Path,
				NodeDeleted: ev.Type == zk.EventNodeDeleted,
				Raw:         ev,
			})
		}
	}
}

// Join is the path-builder helper used by this package's callers
// (rebalance, group) to compose the chroot-relative paths passed into
// Coordinator's methods; Coordinator.abs applies the chroot at the point
// each one reaches c.conn.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

// SplitChroot splits a "host:port/chroot" style address into its bare
// host:port and chroot parts, the way kazoo-go's ParseConnectionString
// does. Dial uses it on every server address so a caller can configure a
// chroot simply by appending it to one of the addresses it already passes.
func SplitChroot(addr string) (host, chroot string) {
	if i := strings.Index(addr, "/"); i >= 0 {
		return addr[:i], addr[i:]
	}
	return addr, ""
}
