package cluster

import (
	"cmp"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/exp/slices"

	"github.com/10yihang/slotctl/internal/cluster/hash"
	"github.com/10yihang/slotctl/internal/cluster/topology"
	slotctlerrors "github.com/10yihang/slotctl/pkg/errors"
)

// Addr names a node by host and port.
type Addr struct {
	Host string
	Port int
}

func ParseAddr(s string) (Addr, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return Addr{}, fmt.Errorf("parse address %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return Addr{}, fmt.Errorf("parse address %q: invalid port", s)
	}
	return Addr{Host: host, Port: port}, nil
}

func (a Addr) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// Allocation is the ordered list of slots one source hands to one target.
type Allocation struct {
	Source *Node
	Target *Node
	Slots  []int
}

type pair struct {
	source, target *Node
}

// planRebalance spreads SlotCount slots evenly over the masters not in
// excluded and drains the excluded ones. Masters are taken in the order given;
// the first SlotCount%n included masters receive one extra slot.
func planRebalance(masters []*Node, excluded func(*Node) bool) ([]Allocation, error) {
	included := 0
	for _, m := range masters {
		if !excluded(m) {
			included++
		}
	}
	if included == 0 {
		return nil, fmt.Errorf("%w: every master is excluded", slotctlerrors.ErrNoTargetAvailable)
	}

	base := hash.SlotCount / included
	extra := hash.SlotCount % included

	balance := make(map[*Node]int, len(masters))
	owned := make(map[*Node]*topology.SlotSet, len(masters))
	var sources, targets []*Node
	seen := 0
	for _, m := range masters {
		want := 0
		if !excluded(m) {
			want = base
			if seen < extra {
				want++
			}
			seen++
		}
		set := m.OwnSlots()
		owned[m] = &set
		b := set.Len() - want
		balance[m] = b
		switch {
		case b > 0:
			sources = append(sources, m)
		case b < 0:
			targets = append(targets, m)
		}
	}

	slices.SortStableFunc(sources, func(a, b *Node) int {
		return cmp.Compare(balance[b], balance[a])
	})
	slices.SortStableFunc(targets, func(a, b *Node) int {
		return cmp.Compare(balance[a], balance[b])
	})

	var plan []Allocation
	index := make(map[pair]int)

	for slot := 0; slot < hash.SlotCount; slot++ {
		var src *Node
		for _, s := range sources {
			if balance[s] <= 0 {
				continue
			}
			if owned[s].Has(slot) {
				src = s
				break
			}
		}
		if src == nil {
			continue
		}

		var dst *Node
		for _, t := range targets {
			if balance[t] < 0 {
				dst = t
				break
			}
		}
		if dst == nil {
			return nil, fmt.Errorf("%w: slot %d on %s", slotctlerrors.ErrNoTargetAvailable, slot, src.Addr())
		}

		balance[src]--
		balance[dst]++

		key := pair{src, dst}
		i, ok := index[key]
		if !ok {
			i = len(plan)
			index[key] = i
			plan = append(plan, Allocation{Source: src, Target: dst})
		}
		plan[i].Slots = append(plan[i].Slots, slot)
	}

	return plan, nil
}
