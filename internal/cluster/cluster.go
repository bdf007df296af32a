// Package cluster drives a Redis-cluster-compatible store: it discovers the
// topology from a seed node, adds and removes members, and relocates slots
// with live key migration.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/10yihang/slotctl/internal/metrics"
	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

// Cluster coordinates a set of Node handles.
type Cluster struct {
	cfg Config
	log logr.Logger

	mu    sync.RWMutex
	nodes []*Node

	// slotMu serializes SETSLOT transitions cluster-wide. Key draining runs
	// outside it.
	slotMu sync.Mutex
}

type AddNodeOptions struct {
	// ForgetOnError makes a failed add forget the new address on every node.
	ForgetOnError bool
}

type DelNodeOptions struct {
	// Rebalance drains a slot-owning node before removing it.
	Rebalance bool
}

type RebalanceOptions struct {
	// Exclude lists nodes that end up with no slots.
	Exclude []Addr
}

// InitFromSeed connects to the seed, then to every peer the seed does not
// consider failed. Any connection or refresh failure closes all opened
// handles and returns an error wrapping ErrClusterInit.
func InitFromSeed(ctx context.Context, host string, port int, cfg Config) (*Cluster, error) {
	cfg = cfg.withDefaults()
	log := cfg.Logger.WithName("cluster")

	seed, err := open(ctx, host, port, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: seed %s: %w", slotctlerrors.ErrClusterInit, Addr{host, port}, err)
	}

	peers := seed.HealthyPeers()
	handles := make([]*Node, len(peers))

	var g errgroup.Group
	for i, p := range peers {
		i, p := i, p
		g.Go(func() error {
			n, err := open(ctx, p.Host, p.Port, cfg)
			if err != nil {
				return fmt.Errorf("peer %s: %w", p.Addr(), err)
			}
			handles[i] = n
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		seed.Close()
		for _, n := range handles {
			if n != nil {
				n.Close()
			}
		}
		return nil, fmt.Errorf("%w: %w", slotctlerrors.ErrClusterInit, err)
	}

	c := &Cluster{
		cfg:   cfg,
		log:   log,
		nodes: append([]*Node{seed}, handles...),
	}
	if cfg.StateManager != nil {
		cfg.StateManager.SetProvider(c)
	}
	c.changed()

	log.Info("cluster initialized", "seed", seed.Addr(), "nodes", len(c.nodes))
	return c, nil
}

// Nodes returns the known handles in insertion order, seed first.
func (c *Cluster) Nodes() []*Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	nodes := make([]*Node, len(c.nodes))
	copy(nodes, c.nodes)
	return nodes
}

// Masters returns the known handles whose last view flags them master.
func (c *Cluster) Masters() []*Node {
	var masters []*Node
	for _, n := range c.Nodes() {
		if n.IsMaster() {
			masters = append(masters, n)
		}
	}
	return masters
}

// FindNode returns the handle for host:port, or nil.
func (c *Cluster) FindNode(host string, port int) *Node {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, n := range c.nodes {
		if n.host == host && n.port == port {
			return n
		}
	}
	return nil
}

func (c *Cluster) lookup(host string, port int) (*Node, error) {
	if n := c.FindNode(host, port); n != nil {
		return n, nil
	}
	return nil, fmt.Errorf("%s: %w", Addr{host, port}, slotctlerrors.ErrNodeNotFound)
}

// Refresh refreshes every known handle concurrently. One node failing does
// not interrupt the others; the first error is returned once all finish.
func (c *Cluster) Refresh(ctx context.Context) error {
	var g errgroup.Group
	for _, n := range c.Nodes() {
		n := n
		g.Go(func() error {
			return n.Refresh(ctx)
		})
	}
	return g.Wait()
}

// AddNode introduces host:port to every known node, one MEET at a time, then
// waits for the handshakes to complete everywhere.
func (c *Cluster) AddNode(ctx context.Context, host string, port int, opts AddNodeOptions) error {
	addr := Addr{host, port}
	log := c.log.WithValues("node", addr.String())

	if c.FindNode(host, port) != nil {
		log.Info("node already known")
		return nil
	}

	nodes := c.Nodes()
	for _, n := range nodes {
		if err := n.Meet(ctx, host, port); err != nil {
			c.abortAdd(ctx, nodes, addr, opts, err)
			return fmt.Errorf("add node %s: %w", addr, err)
		}
	}

	nn, err := Connect(ctx, host, port, c.cfg)
	if err != nil {
		c.abortAdd(ctx, nodes, addr, opts, err)
		return fmt.Errorf("add node %s: %w", addr, err)
	}

	c.mu.Lock()
	c.nodes = append(c.nodes, nn)
	c.mu.Unlock()
	c.changed()

	for _, n := range c.Nodes() {
		if err := n.WaitForHandshakes(ctx); err != nil {
			return fmt.Errorf("add node %s: %w", addr, err)
		}
	}
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("add node %s: %w", addr, err)
	}

	c.changed()
	log.Info("node added", "nodes", len(c.Nodes()))
	return nil
}

func (c *Cluster) abortAdd(ctx context.Context, nodes []*Node, addr Addr, opts AddNodeOptions, cause error) {
	c.log.Error(cause, "add node failed", "node", addr.String(), "forget", opts.ForgetOnError)
	if !opts.ForgetOnError {
		return
	}

	var errs []error
	for _, n := range nodes {
		if err := n.Refresh(ctx); err != nil {
			errs = append(errs, err)
			continue
		}
		if err := n.Forget(ctx, addr.Host, addr.Port); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.log.Error(err, "cleanup after failed add incomplete", "node", addr.String())
	}
}

// DelNode removes host:port from the cluster. A node that still owns slots is
// left alone unless opts.Rebalance is set, in which case it is drained first.
func (c *Cluster) DelNode(ctx context.Context, host string, port int, opts DelNodeOptions) error {
	addr := Addr{host, port}
	log := c.log.WithValues("node", addr.String())

	target, err := c.lookup(host, port)
	if err != nil {
		return fmt.Errorf("del node: %w", err)
	}
	if err := target.Refresh(ctx); err != nil {
		return fmt.Errorf("del node %s: %w", addr, err)
	}

	if owned := target.OwnSlots(); owned.Len() > 0 {
		if !opts.Rebalance {
			log.Info("node owns slots, not removing without rebalance", "slots", owned.Len())
			return nil
		}
		log.Info("draining node before removal", "slots", owned.Len())
		if err := c.Rebalance(ctx, RebalanceOptions{Exclude: []Addr{addr}}); err != nil {
			return fmt.Errorf("del node %s: drain: %w", addr, err)
		}
	}

	for _, n := range c.Nodes() {
		if n == target {
			continue
		}
		if err := n.Forget(ctx, host, port); err != nil {
			log.Error(err, "forget failed", "on", n.Addr())
		}
	}

	c.mu.Lock()
	for i, n := range c.nodes {
		if n == target {
			c.nodes = append(c.nodes[:i:i], c.nodes[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	if err := target.Reset(ctx); err != nil {
		log.Error(err, "reset failed")
	}
	if err := target.Close(); err != nil {
		log.Error(err, "disconnect failed")
	}

	c.changed()
	log.Info("node removed", "nodes", len(c.Nodes()))
	return nil
}

// MoveSlot relocates slot and its keys from one node to another. A failure
// after the first SETSLOT leaves importing/migrating markers in place.
func (c *Cluster) MoveSlot(ctx context.Context, fromHost string, fromPort int, toHost string, toPort int, slot int) error {
	src, err := c.lookup(fromHost, fromPort)
	if err != nil {
		return fmt.Errorf("move slot %d: %w", slot, err)
	}
	dst, err := c.lookup(toHost, toPort)
	if err != nil {
		return fmt.Errorf("move slot %d: %w", slot, err)
	}

	err = c.moveSlot(ctx, src, dst, slot)
	c.changed()
	return err
}

func (c *Cluster) moveSlot(ctx context.Context, src, dst *Node, slot int) (err error) {
	defer func() {
		metrics.RecordSlotMove(err == nil)
	}()

	srcID, err := src.ID()
	if err != nil {
		return fmt.Errorf("move slot %d: %w", slot, err)
	}
	dstID, err := dst.ID()
	if err != nil {
		return fmt.Errorf("move slot %d: %w", slot, err)
	}

	c.slotMu.Lock()
	err = dst.SetSlotState(ctx, slot, SlotStateImporting, srcID)
	if err == nil {
		err = src.SetSlotState(ctx, slot, SlotStateMigrating, dstID)
	}
	c.slotMu.Unlock()
	if err != nil {
		return fmt.Errorf("move slot %d %s -> %s: %w", slot, src.Addr(), dst.Addr(), err)
	}

	keys, err := src.MigrateKeysInSlot(ctx, dst.Host(), dst.Port(), slot, 0, 0)
	if err != nil {
		return fmt.Errorf("move slot %d %s -> %s: %w", slot, src.Addr(), dst.Addr(), err)
	}

	c.slotMu.Lock()
	defer c.slotMu.Unlock()
	for _, m := range assignOrder(c.Masters(), src, dst) {
		if err := m.SetSlotState(ctx, slot, SlotStateAssign, dstID); err != nil {
			return fmt.Errorf("move slot %d %s -> %s: %w", slot, src.Addr(), dst.Addr(), err)
		}
	}

	c.log.V(1).Info("slot moved", "slot", slot, "from", src.Addr(), "to", dst.Addr(), "keys", keys)
	return nil
}

// assignOrder puts the destination first and the source second so the
// importing marker is cleared before the migrating one.
func assignOrder(masters []*Node, src, dst *Node) []*Node {
	ordered := make([]*Node, 0, len(masters)+2)
	ordered = append(ordered, dst, src)
	for _, m := range masters {
		if m != src && m != dst {
			ordered = append(ordered, m)
		}
	}
	return ordered
}

// PlanRebalance computes the moves Rebalance would make from the current
// views, without refreshing.
func (c *Cluster) PlanRebalance(exclude []Addr) ([]Allocation, error) {
	excluded := func(n *Node) bool {
		for _, a := range exclude {
			if n.host == a.Host && n.port == a.Port {
				return true
			}
		}
		return false
	}
	return planRebalance(c.Masters(), excluded)
}

// Rebalance evens out slot ownership across masters not in opts.Exclude and
// drains the excluded ones.
func (c *Cluster) Rebalance(ctx context.Context, opts RebalanceOptions) error {
	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}

	plan, err := c.PlanRebalance(opts.Exclude)
	if err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}

	total := 0
	for _, a := range plan {
		total += len(a.Slots)
	}
	metrics.SetRebalancePlanned(total)
	c.log.Info("rebalance planned", "moves", len(plan), "slots", total, "exclude", len(opts.Exclude))

	// After the first failed move no further slot is started, but moves
	// already under way run to completion.
	var (
		g      errgroup.Group
		failed atomic.Bool
	)
	g.SetLimit(c.cfg.RebalanceConcurrency)
	for _, a := range plan {
		a := a
		if failed.Load() {
			break
		}
		g.Go(func() error {
			for _, slot := range a.Slots {
				if failed.Load() {
					return nil
				}
				if err := c.moveSlot(ctx, a.Source, a.Target, slot); err != nil {
					failed.Store(true)
					return err
				}
			}
			c.log.V(1).Info("allocation done", "from", a.Source.Addr(), "to", a.Target.Addr(), "slots", len(a.Slots))
			return nil
		})
	}
	err = g.Wait()
	c.changed()
	if err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}

	if err := c.Refresh(ctx); err != nil {
		return fmt.Errorf("rebalance: %w", err)
	}
	return nil
}

// Disconnect closes every handle concurrently.
func (c *Cluster) Disconnect() error {
	nodes := c.Nodes()
	errs := make([]error, len(nodes))

	var wg sync.WaitGroup
	for i, n := range nodes {
		i, n := i, n
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.Close(); err != nil {
				errs[i] = fmt.Errorf("close %s: %w", n.Addr(), err)
			}
		}()
	}
	wg.Wait()

	return errors.Join(errs...)
}

func (c *Cluster) changed() {
	metrics.SetKnownNodes(len(c.Nodes()))
	if c.cfg.StateManager != nil {
		c.cfg.StateManager.MarkDirty()
	}
}
