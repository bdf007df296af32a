package clustertest

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/redcon"

	"github.com/10yihang/slotctl/internal/cluster/hash"
	"github.com/10yihang/slotctl/internal/cluster/topology"
)

type peer struct {
	node *Node
	// handshake is the number of CLUSTER NODES replies that still show the
	// peer in handshake.
	handshake int
	failed    bool
}

// Node is a fake store node speaking the cluster subset of RESP that the
// coordinator uses.
type Node struct {
	cluster *Cluster
	id      string
	host    string
	port    int

	ln     net.Listener
	server *redcon.Server
	store  *Store

	mu       sync.Mutex
	peers    map[string]*peer
	table    *SlotTable
	failNext map[string]int
	latency  time.Duration
	closed   bool
}

func generateNodeID() string {
	b := make([]byte, 20)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func startNode(c *Cluster) (*Node, error) {
	store, err := NewStore()
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		store.Close()
		return nil, err
	}
	tcpAddr := ln.Addr().(*net.TCPAddr)

	n := &Node{
		cluster:  c,
		ln:       ln,
		id:       generateNodeID(),
		host:     tcpAddr.IP.String(),
		port:     tcpAddr.Port,
		store:    store,
		peers:    make(map[string]*peer),
		table:    NewSlotTable(),
		failNext: make(map[string]int),
	}
	n.server = redcon.NewServer(ln.Addr().String(), n.handleCommand, nil, nil)
	go n.server.Serve(ln)

	return n, nil
}

func (n *Node) ID() string { return n.id }

func (n *Node) Host() string { return n.host }

func (n *Node) Port() int { return n.port }

func (n *Node) Addr() string {
	return net.JoinHostPort(n.host, strconv.Itoa(n.port))
}

func (n *Node) Store() *Store { return n.store }

// FailNext makes the next command named cmd fail with an error reply. CLUSTER
// subcommands are named with both words, e.g. "CLUSTER MEET".
func (n *Node) FailNext(cmd string) {
	n.mu.Lock()
	n.failNext[strings.ToUpper(cmd)]++
	n.mu.Unlock()
}

// SetLatency delays every command this node handles by d, until reset with
// zero.
func (n *Node) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

// MarkFailed flags the peer with the given id as fail in this node's view.
func (n *Node) MarkFailed(id string) {
	n.mu.Lock()
	if p, ok := n.peers[id]; ok {
		p.failed = true
	}
	n.mu.Unlock()
}

// Knows reports whether id is in this node's peer table.
func (n *Node) Knows(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	_, ok := n.peers[id]
	return ok
}

// OwnedSlots returns the slots this node believes it owns.
func (n *Node) OwnedSlots() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.table.NodeSlots(n.id)
}

// OwnerOf returns the id this node believes owns slot.
func (n *Node) OwnerOf(slot int) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.table.Owner(slot)
}

// Kill stops the node's listener and closes its store.
func (n *Node) Kill() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	// Serve may not have registered the listener with the server yet, in
	// which case server.Close does nothing; closing ln refuses new
	// connections either way.
	n.server.Close()
	n.ln.Close()
	n.store.Close()
}

func (n *Node) takeFailure(name string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.failNext[name] > 0 {
		n.failNext[name]--
		return true
	}
	return false
}

func (n *Node) handleCommand(conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	args := make([]string, len(cmd.Args))
	for i, a := range cmd.Args {
		args[i] = string(a)
	}

	name := strings.ToUpper(args[0])
	if name == "CLUSTER" && len(args) > 1 {
		name += " " + strings.ToUpper(args[1])
	}
	n.mu.Lock()
	latency := n.latency
	n.mu.Unlock()
	if latency > 0 {
		time.Sleep(latency)
	}

	if n.takeFailure(name) {
		conn.WriteError("ERR injected failure for " + name)
		return
	}

	switch strings.ToUpper(args[0]) {
	case "PING":
		conn.WriteString("PONG")
	case "GET":
		n.cmdGet(conn, args[1:])
	case "SET":
		n.cmdSet(conn, args[1:])
	case "DEL":
		n.cmdDel(conn, args[1:])
	case "DBSIZE":
		count, err := n.store.Len()
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		conn.WriteInt(count)
	case "CLUSTER":
		n.handleCluster(conn, args[1:])
	case "MIGRATE":
		n.cmdMigrate(conn, args[1:])
	default:
		conn.WriteError("ERR unknown command '" + args[0] + "'")
	}
}

func (n *Node) cmdGet(conn redcon.Conn, args []string) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'get' command")
		return
	}
	val, ok, err := n.store.Get(args[0])
	switch {
	case err != nil:
		conn.WriteError("ERR " + err.Error())
	case !ok:
		conn.WriteNull()
	default:
		conn.WriteBulk(val)
	}
}

func (n *Node) cmdSet(conn redcon.Conn, args []string) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'set' command")
		return
	}
	if err := n.store.Set(args[0], []byte(args[1])); err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteString("OK")
}

func (n *Node) cmdDel(conn redcon.Conn, args []string) {
	count, err := n.store.Del(args...)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteInt(count)
}

func (n *Node) handleCluster(conn redcon.Conn, args []string) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}

	subcmd := strings.ToUpper(args[0])
	args = args[1:]

	switch subcmd {
	case "NODES":
		conn.WriteBulkString(n.clusterNodes())
	case "MYID":
		conn.WriteBulkString(n.id)
	case "MEET":
		n.clusterMeet(conn, args)
	case "FORGET":
		n.clusterForget(conn, args)
	case "ADDSLOTS":
		n.clusterAddSlots(conn, args)
	case "SETSLOT":
		n.clusterSetSlot(conn, args)
	case "GETKEYSINSLOT":
		n.clusterGetKeysInSlot(conn, args)
	case "RESET":
		n.clusterReset(conn)
	default:
		conn.WriteError("ERR unknown subcommand '" + subcmd + "'")
	}
}

func (n *Node) clusterNodes() string {
	n.mu.Lock()
	defer n.mu.Unlock()

	var buf strings.Builder
	now := time.Now().UnixMilli()

	slots := n.slotRanges(n.id)
	markers := make([]string, 0, len(n.table.importing)+len(n.table.migrating))
	for _, slot := range sortedKeys(n.table.migrating) {
		markers = append(markers, fmt.Sprintf("[%d->-%s]", slot, n.table.migrating[slot]))
	}
	for _, slot := range sortedKeys(n.table.importing) {
		markers = append(markers, fmt.Sprintf("[%d-<-%s]", slot, n.table.importing[slot]))
	}
	writeNodeLine(&buf, n.id, n.host, n.port, "myself,master", 0, 0, "connected", strings.TrimSpace(slots+" "+strings.Join(markers, " ")))

	ids := make([]string, 0, len(n.peers))
	for id := range n.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		p := n.peers[id]
		flags := "master"
		if p.handshake > 0 {
			flags = "handshake"
			p.handshake--
		}
		if p.failed {
			flags += ",fail"
		}
		writeNodeLine(&buf, id, p.node.host, p.node.port, flags, now, now, "connected", n.slotRanges(id))
	}

	return buf.String()
}

func writeNodeLine(buf *strings.Builder, id, host string, port int, flags string, ping, pong int64, link, slots string) {
	fmt.Fprintf(buf, "%s %s:%d@%d %s - %d %d 0 %s", id, host, port, port+10000, flags, ping, pong, link)
	if slots != "" {
		buf.WriteString(" ")
		buf.WriteString(slots)
	}
	buf.WriteString("\n")
}

func (n *Node) slotRanges(id string) string {
	var set topology.SlotSet
	for _, slot := range n.table.NodeSlots(id) {
		set.Add(slot)
	}
	return set.Ranges()
}

func sortedKeys(m map[int]string) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

func (n *Node) clusterMeet(conn redcon.Conn, args []string) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster meet' command")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		conn.WriteError("ERR Invalid port")
		return
	}

	target := n.cluster.lookup(args[0], port)
	if target == nil {
		conn.WriteError(fmt.Sprintf("ERR Invalid node address specified: %s:%d", args[0], port))
		return
	}
	if target != n {
		join(n, target, n.cluster.handshakeReads)
	}
	conn.WriteString("OK")
}

// join makes a and b peers and lets each learn the slots the other claims
// for itself.
func join(a, b *Node, handshakeReads int) {
	first, second := a, b
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if _, ok := a.peers[b.id]; !ok {
		a.peers[b.id] = &peer{node: b, handshake: handshakeReads}
	}
	if _, ok := b.peers[a.id]; !ok {
		b.peers[a.id] = &peer{node: a, handshake: handshakeReads}
	}
	for _, slot := range b.table.NodeSlots(b.id) {
		a.table.Assign(slot, b.id)
	}
	for _, slot := range a.table.NodeSlots(a.id) {
		b.table.Assign(slot, a.id)
	}
}

func (n *Node) clusterForget(conn redcon.Conn, args []string) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster forget' command")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	id := args[0]
	if id == n.id {
		conn.WriteError("ERR I tried hard but I can't forget myself...")
		return
	}
	if _, ok := n.peers[id]; !ok {
		conn.WriteError("ERR Unknown node " + id)
		return
	}
	delete(n.peers, id)
	n.table.Drop(id)
	conn.WriteString("OK")
}

func parseSlotArg(s string) (int, bool) {
	slot, err := strconv.Atoi(s)
	if err != nil || slot < 0 || slot >= hash.SlotCount {
		return 0, false
	}
	return slot, true
}

func (n *Node) clusterAddSlots(conn redcon.Conn, args []string) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster addslots' command")
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	slots := make([]int, 0, len(args))
	for _, arg := range args {
		slot, ok := parseSlotArg(arg)
		if !ok {
			conn.WriteError("ERR Invalid or out of range slot")
			return
		}
		if n.table.Owner(slot) != "" {
			conn.WriteError(fmt.Sprintf("ERR Slot %d is already busy", slot))
			return
		}
		slots = append(slots, slot)
	}
	for _, slot := range slots {
		n.table.Assign(slot, n.id)
	}
	conn.WriteString("OK")
}

func (n *Node) clusterSetSlot(conn redcon.Conn, args []string) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster setslot' command")
		return
	}
	slot, ok := parseSlotArg(args[0])
	if !ok {
		conn.WriteError("ERR Invalid or out of range slot")
		return
	}
	action := strings.ToUpper(args[1])

	if action == "STABLE" {
		n.mu.Lock()
		n.table.SetStable(slot)
		n.mu.Unlock()
		conn.WriteString("OK")
		return
	}
	if len(args) < 3 {
		conn.WriteError("ERR Invalid CLUSTER SETSLOT action or number of arguments")
		return
	}
	id := args[2]

	// Keys are counted before taking the lock; badger has its own locking.
	var keysLeft bool
	if action == "NODE" {
		keys, err := n.store.KeysInSlot(slot, 1)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		keysLeft = len(keys) > 0
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, known := n.peers[id]; !known && id != n.id {
		conn.WriteError("ERR I don't know about node " + id)
		return
	}

	switch action {
	case "IMPORTING":
		if n.table.Owner(slot) == n.id {
			conn.WriteError(fmt.Sprintf("ERR I'm already the owner of hash slot %d", slot))
			return
		}
		n.table.SetImporting(slot, id)
	case "MIGRATING":
		if n.table.Owner(slot) != n.id {
			conn.WriteError(fmt.Sprintf("ERR I'm not the owner of hash slot %d", slot))
			return
		}
		n.table.SetMigrating(slot, id)
	case "NODE":
		if n.table.Owner(slot) == n.id && id != n.id && keysLeft {
			conn.WriteError(fmt.Sprintf("ERR Can't assign hashslot %d to a different node while I still hold keys for this hash slot.", slot))
			return
		}
		n.table.FinishMigration(slot, id)
	default:
		conn.WriteError("ERR Invalid CLUSTER SETSLOT action or number of arguments")
		return
	}
	conn.WriteString("OK")
}

func (n *Node) clusterGetKeysInSlot(conn redcon.Conn, args []string) {
	if len(args) != 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster getkeysinslot' command")
		return
	}
	slot, ok := parseSlotArg(args[0])
	if !ok {
		conn.WriteError("ERR Invalid slot")
		return
	}
	count, err := strconv.Atoi(args[1])
	if err != nil || count < 0 {
		conn.WriteError("ERR Invalid number of keys")
		return
	}

	keys, err := n.store.KeysInSlot(slot, count)
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	conn.WriteArray(len(keys))
	for _, k := range keys {
		conn.WriteBulkString(k)
	}
}

func (n *Node) clusterReset(conn redcon.Conn) {
	count, err := n.store.Len()
	if err != nil {
		conn.WriteError("ERR " + err.Error())
		return
	}
	if count > 0 {
		conn.WriteError("ERR CLUSTER RESET can't be called with master nodes containing keys")
		return
	}

	n.mu.Lock()
	n.peers = make(map[string]*peer)
	n.table.Reset()
	n.mu.Unlock()
	conn.WriteString("OK")
}

// cmdMigrate implements MIGRATE host port key|"" db timeout [COPY] [REPLACE]
// [KEYS key...]. The destination must own or be importing each key's slot.
func (n *Node) cmdMigrate(conn redcon.Conn, args []string) {
	if len(args) < 5 {
		conn.WriteError("ERR wrong number of arguments for 'migrate' command")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		conn.WriteError("ERR Invalid port")
		return
	}

	var keys []string
	if args[2] != "" {
		keys = []string{args[2]}
	}
	var copyKeys, replace bool
	for i := 5; i < len(args); i++ {
		switch strings.ToUpper(args[i]) {
		case "COPY":
			copyKeys = true
		case "REPLACE":
			replace = true
		case "KEYS":
			if args[2] != "" {
				conn.WriteError("ERR When using MIGRATE KEYS option, the key argument must be set to the empty string")
				return
			}
			keys = args[i+1:]
			i = len(args)
		default:
			conn.WriteError("ERR syntax error")
			return
		}
	}

	target := n.cluster.lookup(args[0], port)
	if target == nil {
		conn.WriteError("IOERR error or timeout connecting to the client")
		return
	}

	values := make(map[string][]byte, len(keys))
	for _, k := range keys {
		val, ok, err := n.store.Get(k)
		if err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
		if ok {
			values[k] = val
		}
	}
	if len(values) == 0 {
		conn.WriteString("NOKEY")
		return
	}

	if err := target.receive(n.id, values, replace); err != nil {
		conn.WriteError(err.Error())
		return
	}

	if !copyKeys {
		moved := make([]string, 0, len(values))
		for k := range values {
			moved = append(moved, k)
		}
		if _, err := n.store.Del(moved...); err != nil {
			conn.WriteError("ERR " + err.Error())
			return
		}
	}
	conn.WriteString("OK")
}

// receive stores migrated keys, refusing keys for slots this node neither
// owns nor imports.
func (n *Node) receive(fromID string, values map[string][]byte, replace bool) error {
	n.mu.Lock()
	for k := range values {
		slot := int(hash.KeySlot(k))
		if n.table.Owner(slot) != n.id && n.table.importing[slot] != fromID {
			n.mu.Unlock()
			return fmt.Errorf("ERR Target instance replied with error: MOVED %d %s", slot, n.table.Owner(slot))
		}
	}
	n.mu.Unlock()

	for k, v := range values {
		if !replace {
			if _, exists, err := n.store.Get(k); err != nil {
				return fmt.Errorf("ERR %v", err)
			} else if exists {
				return errors.New("BUSYKEY Target key name already exists.")
			}
		}
		if err := n.store.Set(k, v); err != nil {
			return fmt.Errorf("ERR %v", err)
		}
	}
	return nil
}
