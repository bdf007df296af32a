package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"

	"github.com/10yihang/slotctl/internal/cluster/migrate"
	"github.com/10yihang/slotctl/internal/cluster/topology"
	"github.com/10yihang/slotctl/internal/metrics"
	"github.com/10yihang/slotctl/internal/protocol"
	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

type SlotState int

const (
	SlotStateImporting SlotState = iota
	SlotStateMigrating
	SlotStateAssign
)

func (s SlotState) String() string {
	switch s {
	case SlotStateImporting:
		return "importing"
	case SlotStateMigrating:
		return "migrating"
	case SlotStateAssign:
		return "assign"
	default:
		return "unknown"
	}
}

func (s SlotState) wire() string {
	switch s {
	case SlotStateImporting:
		return "IMPORTING"
	case SlotStateMigrating:
		return "MIGRATING"
	default:
		return "NODE"
	}
}

// Node is the handle for one cluster member: its command channel plus the
// cluster view it reported on the last refresh.
type Node struct {
	host string
	port int
	cfg  Config
	log  logr.Logger

	conn     Commander
	migrator *migrate.Worker

	mu   sync.RWMutex
	view *topology.View
}

// Connect opens the command channel to host:port. The returned handle has no
// view until Refresh succeeds.
func Connect(ctx context.Context, host string, port int, cfg Config) (*Node, error) {
	cfg = cfg.withDefaults()
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()

	conn, err := cfg.Dialer(dialCtx, addr, cfg.CommandTimeout)
	if err != nil {
		if errors.Is(err, slotctlerrors.ErrConnection) {
			return nil, fmt.Errorf("connect %s: %w", addr, err)
		}
		return nil, fmt.Errorf("%w: connect %s: %w", slotctlerrors.ErrConnection, addr, err)
	}

	n := &Node{
		host: host,
		port: port,
		cfg:  cfg,
		log:  cfg.Logger.WithName("node").WithValues("addr", addr),
		conn: conn,
	}
	n.migrator = migrate.NewWorker(commanderFunc(n.do))
	return n, nil
}

// open connects and loads the first view, closing the channel on failure.
func open(ctx context.Context, host string, port int, cfg Config) (*Node, error) {
	n, err := Connect(ctx, host, port, cfg)
	if err != nil {
		return nil, err
	}
	if err := n.Refresh(ctx); err != nil {
		n.Close()
		return nil, err
	}
	return n, nil
}

type commanderFunc func(ctx context.Context, args ...string) (any, error)

func (f commanderFunc) Do(ctx context.Context, args ...string) (any, error) {
	return f(ctx, args...)
}

func (n *Node) do(ctx context.Context, args ...string) (any, error) {
	name := commandName(args)
	start := time.Now()
	reply, err := n.conn.Do(ctx, args...)
	metrics.RecordCommand(name, time.Since(start), err == nil)
	if err != nil {
		n.log.V(1).Info("command failed", "cmd", name, "error", err.Error())
	} else {
		n.log.V(2).Info("command", "cmd", name, "args", len(args)-1)
	}
	return reply, err
}

func commandName(args []string) string {
	if len(args) == 0 {
		return ""
	}
	name := strings.ToLower(args[0])
	if name == "cluster" && len(args) > 1 {
		name += " " + strings.ToLower(args[1])
	}
	return name
}

func (n *Node) Host() string { return n.host }

func (n *Node) Port() int { return n.port }

func (n *Node) Addr() string {
	return net.JoinHostPort(n.host, strconv.Itoa(n.port))
}

func (n *Node) String() string {
	return n.Addr()
}

// Refresh fetches CLUSTER NODES and replaces the stored view.
func (n *Node) Refresh(ctx context.Context) error {
	reply, err := n.do(ctx, "CLUSTER", "NODES")
	if err != nil {
		return fmt.Errorf("%w: %s: %w", slotctlerrors.ErrTopologyUnavailable, n.Addr(), err)
	}
	out, err := protocol.String(reply)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", slotctlerrors.ErrTopologyUnavailable, n.Addr(), err)
	}

	view, err := topology.ParseNodes(out)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", n.Addr(), err)
	}
	if view.Myself == nil {
		return fmt.Errorf("%w: %s: no myself entry in cluster nodes", slotctlerrors.ErrTopologyUnavailable, n.Addr())
	}

	n.mu.Lock()
	n.view = view
	n.mu.Unlock()
	return nil
}

func (n *Node) currentView() *topology.View {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.view
}

// Nodes returns every record of the last view, self included.
func (n *Node) Nodes() []*topology.NodeView {
	v := n.currentView()
	if v == nil {
		return nil
	}
	return v.Nodes
}

// Self returns this node's own record from the last view.
func (n *Node) Self() (*topology.NodeView, error) {
	v := n.currentView()
	if v == nil {
		return nil, fmt.Errorf("%s: %w", n.Addr(), slotctlerrors.ErrNotInitialized)
	}
	return v.Myself, nil
}

func (n *Node) ID() (string, error) {
	self, err := n.Self()
	if err != nil {
		return "", err
	}
	return self.ID, nil
}

// OwnSlots returns the slots this node owns. It is empty before the first
// refresh.
func (n *Node) OwnSlots() topology.SlotSet {
	self, err := n.Self()
	if err != nil {
		return topology.SlotSet{}
	}
	return self.Slots
}

func (n *Node) IsMaster() bool {
	self, err := n.Self()
	if err != nil {
		return false
	}
	return self.IsMaster()
}

// KnowsNode reports whether the last view has a record for host:port.
func (n *Node) KnowsNode(host string, port int) bool {
	v := n.currentView()
	return v != nil && v.Find(host, port) != nil
}

// HealthyPeers returns every peer in the last view that is not flagged fail.
func (n *Node) HealthyPeers() []*topology.NodeView {
	v := n.currentView()
	if v == nil {
		return nil
	}
	peers := make([]*topology.NodeView, 0, len(v.Nodes))
	for _, p := range v.Nodes {
		if p == v.Myself || p.Flags.Has(topology.FlagFail) {
			continue
		}
		peers = append(peers, p)
	}
	return peers
}

// Meet starts a gossip handshake with host:port unless the last view already
// lists it. Repeating MEET for a known peer can duplicate its entry.
func (n *Node) Meet(ctx context.Context, host string, port int) error {
	if n.KnowsNode(host, port) {
		n.log.Info("peer already known, skipping meet", "peer", net.JoinHostPort(host, strconv.Itoa(port)))
		return nil
	}
	if _, err := n.do(ctx, "CLUSTER", "MEET", host, strconv.Itoa(port)); err != nil {
		return fmt.Errorf("meet %s:%d from %s: %w", host, port, n.Addr(), err)
	}
	return nil
}

// Forget drops host:port from this node's peer table and refreshes. A peer
// absent from the last view is logged and ignored.
func (n *Node) Forget(ctx context.Context, host string, port int) error {
	var peer *topology.NodeView
	if v := n.currentView(); v != nil {
		peer = v.Find(host, port)
	}
	if peer == nil {
		n.log.Info("peer not known, nothing to forget", "peer", net.JoinHostPort(host, strconv.Itoa(port)))
		return nil
	}

	if _, err := n.do(ctx, "CLUSTER", "FORGET", peer.ID); err != nil {
		return fmt.Errorf("forget %s on %s: %w", peer.Addr(), n.Addr(), err)
	}
	return n.Refresh(ctx)
}

// WaitForHandshakes polls the view until no peer is flagged handshake. Only
// ctx bounds the wait.
func (n *Node) WaitForHandshakes(ctx context.Context) error {
	timer := time.NewTimer(n.cfg.HandshakePollInterval)
	defer timer.Stop()

	for {
		if err := n.Refresh(ctx); err != nil {
			return err
		}
		pending := 0
		for _, p := range n.Nodes() {
			if p.Flags.Has(topology.FlagHandshake) {
				pending++
			}
		}
		if pending == 0 {
			return nil
		}
		n.log.V(1).Info("waiting for handshakes", "pending", pending)

		timer.Reset(n.cfg.HandshakePollInterval)
		select {
		case <-ctx.Done():
			return fmt.Errorf("wait for handshakes on %s: %w", n.Addr(), ctx.Err())
		case <-timer.C:
		}
	}
}

// SetSlotState sends CLUSTER SETSLOT. The view is not updated; Refresh to
// observe the change.
func (n *Node) SetSlotState(ctx context.Context, slot int, st SlotState, nodeID string) error {
	if _, err := n.do(ctx, "CLUSTER", "SETSLOT", strconv.Itoa(slot), st.wire(), nodeID); err != nil {
		return fmt.Errorf("setslot %d %s %s on %s: %w", slot, st, nodeID, n.Addr(), err)
	}
	return nil
}

// MigrateKeysInSlot moves every key of slot to toHost:toPort in batches and
// returns the number of keys moved. Zero batchSize or timeout take the
// configured defaults.
func (n *Node) MigrateKeysInSlot(ctx context.Context, toHost string, toPort int, slot int, batchSize int, timeout time.Duration) (int, error) {
	if batchSize <= 0 {
		batchSize = n.cfg.MigrateBatchSize
	}
	if timeout <= 0 {
		timeout = n.cfg.MigrateTimeout
	}
	return n.migrator.MigrateSlot(ctx, slot, toHost, toPort, batchSize, timeout)
}

// Reset issues CLUSTER RESET SOFT, dropping slots and peers.
func (n *Node) Reset(ctx context.Context) error {
	if _, err := n.do(ctx, "CLUSTER", "RESET", "SOFT"); err != nil {
		return fmt.Errorf("reset %s: %w", n.Addr(), err)
	}
	return nil
}

func (n *Node) Close() error {
	return n.conn.Close()
}
