// Package topology parses the per-node cluster view reported by CLUSTER NODES.
package topology

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/10yihang/slotctl/internal/cluster/hash"
	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

type Flag uint16

const (
	FlagMyself Flag = 1 << iota
	FlagMaster
	FlagSlave
	FlagPFail
	FlagFail
	FlagHandshake
	FlagNoAddr
	FlagNoFailover
)

var flagNames = map[string]Flag{
	"myself":     FlagMyself,
	"master":     FlagMaster,
	"slave":      FlagSlave,
	"fail?":      FlagPFail,
	"fail":       FlagFail,
	"handshake":  FlagHandshake,
	"noaddr":     FlagNoAddr,
	"nofailover": FlagNoFailover,
}

// Flags is the set of role/health flags carried by one node record.
type Flags uint16

func ParseFlags(s string) Flags {
	var f Flags
	for _, name := range strings.Split(s, ",") {
		f |= Flags(flagNames[name])
	}
	return f
}

func (f Flags) Has(flag Flag) bool {
	return f&Flags(flag) != 0
}

func (f Flags) String() string {
	if f == 0 {
		return "noflags"
	}
	names := make([]string, 0, 4)
	for _, name := range []string{"myself", "master", "slave", "fail?", "fail", "handshake", "noaddr", "nofailover"} {
		if f.Has(flagNames[name]) {
			names = append(names, name)
		}
	}
	return strings.Join(names, ",")
}

type LinkState string

const (
	LinkStateConnected    LinkState = "connected"
	LinkStateDisconnected LinkState = "disconnected"
)

// NodeView is one node's record as seen by the reporting node. It is never
// modified after parsing.
type NodeView struct {
	ID          string
	Host        string
	Port        int
	BusPort     int
	Flags       Flags
	MasterID    string
	PingSent    int64
	PongRecv    int64
	ConfigEpoch uint64
	LinkState   LinkState

	Slots     SlotSet
	Importing map[int]string
	Migrating map[int]string
}

func (n *NodeView) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

func (n *NodeView) IsMaster() bool {
	return n.Flags.Has(FlagMaster)
}

// Is reports whether the record describes host:port.
func (n *NodeView) Is(host string, port int) bool {
	return n.Host == host && n.Port == port
}

var addrPattern = regexp.MustCompile(`^([^:@,]*):(\d+)(?:@(\d+))?(?:,.*)?$`)

// ParseLine parses a single CLUSTER NODES record.
func ParseLine(line string) (*NodeView, error) {
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return nil, malformed(line, "expected at least 8 fields, got %d", len(fields))
	}

	m := addrPattern.FindStringSubmatch(fields[1])
	if m == nil {
		return nil, malformed(line, "bad address %q", fields[1])
	}

	n := &NodeView{
		ID:        fields[0],
		Host:      m[1],
		Flags:     ParseFlags(fields[2]),
		LinkState: LinkState(fields[7]),
		Importing: make(map[int]string),
		Migrating: make(map[int]string),
	}

	var err error
	if n.Port, err = strconv.Atoi(m[2]); err != nil {
		return nil, malformed(line, "bad port %q", m[2])
	}
	if m[3] != "" {
		if n.BusPort, err = strconv.Atoi(m[3]); err != nil {
			return nil, malformed(line, "bad bus port %q", m[3])
		}
	}
	if fields[3] != "-" {
		n.MasterID = fields[3]
	}
	if n.PingSent, err = strconv.ParseInt(fields[4], 10, 64); err != nil {
		return nil, malformed(line, "bad ping-sent %q", fields[4])
	}
	if n.PongRecv, err = strconv.ParseInt(fields[5], 10, 64); err != nil {
		return nil, malformed(line, "bad pong-recv %q", fields[5])
	}
	if n.ConfigEpoch, err = strconv.ParseUint(fields[6], 10, 64); err != nil {
		return nil, malformed(line, "bad config-epoch %q", fields[6])
	}
	if n.LinkState != LinkStateConnected && n.LinkState != LinkStateDisconnected {
		return nil, malformed(line, "bad link-state %q", fields[7])
	}

	for _, token := range fields[8:] {
		if err := n.addSlotToken(token); err != nil {
			return nil, malformed(line, "%v", err)
		}
	}
	return n, nil
}

func (n *NodeView) addSlotToken(token string) error {
	if strings.HasPrefix(token, "[") {
		if !strings.HasSuffix(token, "]") {
			return fmt.Errorf("unterminated slot marker %q", token)
		}
		body := token[1 : len(token)-1]
		if i := strings.Index(body, "-<-"); i > 0 {
			slot, err := parseSlot(body[:i])
			if err != nil {
				return err
			}
			n.Importing[slot] = body[i+3:]
			return nil
		}
		if i := strings.Index(body, "->-"); i > 0 {
			slot, err := parseSlot(body[:i])
			if err != nil {
				return err
			}
			n.Migrating[slot] = body[i+3:]
			return nil
		}
		return fmt.Errorf("bad slot marker %q", token)
	}

	if start, end, ok := strings.Cut(token, "-"); ok {
		a, err := parseSlot(start)
		if err != nil {
			return err
		}
		b, err := parseSlot(end)
		if err != nil {
			return err
		}
		if a > b {
			return fmt.Errorf("reversed slot range %q", token)
		}
		n.Slots.AddRange(a, b)
		return nil
	}

	slot, err := parseSlot(token)
	if err != nil {
		return err
	}
	n.Slots.Add(slot)
	return nil
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("bad slot %q", s)
	}
	if slot < 0 || slot >= hash.SlotCount {
		return 0, fmt.Errorf("slot %d out of range", slot)
	}
	return slot, nil
}

func malformed(line, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %q", slotctlerrors.ErrMalformedTopologyLine, fmt.Sprintf(format, args...), line)
}

// View is the complete CLUSTER NODES report of one node.
type View struct {
	Nodes  []*NodeView
	Myself *NodeView
}

// ParseNodes parses a full CLUSTER NODES reply.
func ParseNodes(output string) (*View, error) {
	v := &View{}
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		n, err := ParseLine(line)
		if err != nil {
			return nil, err
		}
		v.Nodes = append(v.Nodes, n)
		if n.Flags.Has(FlagMyself) && v.Myself == nil {
			v.Myself = n
		}
	}
	return v, nil
}

// Find returns the record for host:port, if any.
func (v *View) Find(host string, port int) *NodeView {
	for _, n := range v.Nodes {
		if n.Is(host, port) {
			return n
		}
	}
	return nil
}

func (v *View) FindID(id string) *NodeView {
	for _, n := range v.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}
