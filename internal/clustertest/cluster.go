// Package clustertest runs an in-process cluster of fake store nodes for
// tests. Each node is a redcon server on a loopback port backed by an
// in-memory badger database. Gossip is simulated: MEET links both sides
// immediately, and the new peer shows the handshake flag for a fixed number
// of CLUSTER NODES replies.
package clustertest

import (
	"net"
	"strconv"
	"sync"
	"testing"

	"github.com/10yihang/slotctl/internal/cluster/hash"
)

const DefaultHandshakeReads = 2

type Cluster struct {
	t              testing.TB
	handshakeReads int

	mu     sync.Mutex
	nodes  []*Node
	byAddr map[string]*Node
}

type Option func(*Cluster)

// WithHandshakeReads sets how many CLUSTER NODES replies show a newly met
// peer in handshake.
func WithHandshakeReads(n int) Option {
	return func(c *Cluster) {
		c.handshakeReads = n
	}
}

// New returns an empty cluster. Nodes are stopped when the test ends.
func New(t testing.TB, opts ...Option) *Cluster {
	t.Helper()

	c := &Cluster{
		t:              t,
		handshakeReads: DefaultHandshakeReads,
		byAddr:         make(map[string]*Node),
	}
	for _, opt := range opts {
		opt(c)
	}

	t.Cleanup(func() {
		for _, n := range c.Nodes() {
			n.Kill()
		}
	})
	return c
}

// Start returns a settled cluster of masters nodes that split the slots in
// contiguous ranges, the first SlotCount%masters nodes taking one extra.
func Start(t testing.TB, masters int, opts ...Option) *Cluster {
	t.Helper()

	c := New(t, opts...)
	nodes := make([]*Node, masters)
	for i := range nodes {
		nodes[i] = c.NewNode()
	}

	size := hash.SlotCount / masters
	extra := hash.SlotCount % masters
	next := 0
	for i, n := range nodes {
		count := size
		if i < extra {
			count++
		}
		n.mu.Lock()
		for slot := next; slot < next+count; slot++ {
			n.table.Assign(slot, n.id)
		}
		n.mu.Unlock()
		next += count
	}

	for i := range nodes {
		for j := i + 1; j < len(nodes); j++ {
			join(nodes[i], nodes[j], 0)
		}
	}
	return c
}

// NewNode starts a standalone node that knows no peers and owns no slots.
func (c *Cluster) NewNode() *Node {
	c.t.Helper()

	n, err := startNode(c)
	if err != nil {
		c.t.Fatalf("start fake node: %v", err)
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, n)
	c.byAddr[n.Addr()] = n
	c.mu.Unlock()
	return n
}

func (c *Cluster) Nodes() []*Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	nodes := make([]*Node, len(c.nodes))
	copy(nodes, c.nodes)
	return nodes
}

func (c *Cluster) Node(i int) *Node {
	return c.Nodes()[i]
}

func (c *Cluster) lookup(host string, port int) *Node {
	c.mu.Lock()
	n := c.byAddr[net.JoinHostPort(host, strconv.Itoa(port))]
	c.mu.Unlock()
	if n == nil {
		return nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	return n
}

// Owner returns the node that claims slot for itself, or nil.
func (c *Cluster) Owner(slot int) *Node {
	for _, n := range c.Nodes() {
		if n.OwnerOf(slot) == n.id {
			return n
		}
	}
	return nil
}

// Set writes key on the node owning its slot.
func (c *Cluster) Set(key string, value []byte) {
	c.t.Helper()

	slot := int(hash.KeySlot(key))
	owner := c.Owner(slot)
	if owner == nil {
		c.t.Fatalf("slot %d of key %q has no owner", slot, key)
	}
	if err := owner.store.Set(key, value); err != nil {
		c.t.Fatalf("set %q: %v", key, err)
	}
}

// Get reads key from the node owning its slot.
func (c *Cluster) Get(key string) ([]byte, bool) {
	c.t.Helper()

	slot := int(hash.KeySlot(key))
	owner := c.Owner(slot)
	if owner == nil {
		return nil, false
	}
	val, ok, err := owner.store.Get(key)
	if err != nil {
		c.t.Fatalf("get %q: %v", key, err)
	}
	return val, ok
}
