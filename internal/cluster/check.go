package cluster

import (
	"cmp"

	"golang.org/x/exp/slices"

	"github.com/10yihang/slotctl/internal/cluster/hash"
)

// Report is the result of Check.
type Report struct {
	// Unassigned lists slots no master claims.
	Unassigned []int
	// Conflicts maps a slot to the ids of every master claiming it, for
	// slots claimed more than once.
	Conflicts map[int][]string
	// Open lists importing/migrating markers still set.
	Open []OpenSlot
	// Disagreeing lists nodes whose view of slot ownership differs from
	// what the masters claim for themselves.
	Disagreeing []string
}

type OpenSlot struct {
	Node  string
	Slot  int
	State SlotState
	Peer  string
}

func (r *Report) OK() bool {
	return len(r.Unassigned) == 0 && len(r.Conflicts) == 0 && len(r.Open) == 0 && len(r.Disagreeing) == 0
}

// Check verifies that the masters' own claims cover every slot exactly once
// and that every handle's view agrees with them. It uses the current views;
// call Refresh first for a fresh answer.
func (c *Cluster) Check() *Report {
	r := &Report{Conflicts: make(map[int][]string)}

	var owner [hash.SlotCount]string
	claims := make(map[int][]string)
	for _, m := range c.Masters() {
		self, err := m.Self()
		if err != nil {
			continue
		}
		for _, slot := range self.Slots.Slots() {
			claims[slot] = append(claims[slot], self.ID)
			owner[slot] = self.ID
		}
		for slot, peer := range self.Importing {
			r.Open = append(r.Open, OpenSlot{Node: m.Addr(), Slot: slot, State: SlotStateImporting, Peer: peer})
		}
		for slot, peer := range self.Migrating {
			r.Open = append(r.Open, OpenSlot{Node: m.Addr(), Slot: slot, State: SlotStateMigrating, Peer: peer})
		}
	}

	slices.SortFunc(r.Open, func(a, b OpenSlot) int {
		if c := cmp.Compare(a.Node, b.Node); c != 0 {
			return c
		}
		return cmp.Compare(a.Slot, b.Slot)
	})

	for slot := 0; slot < hash.SlotCount; slot++ {
		switch len(claims[slot]) {
		case 0:
			r.Unassigned = append(r.Unassigned, slot)
		case 1:
		default:
			r.Conflicts[slot] = claims[slot]
		}
	}

	for _, n := range c.Nodes() {
		var seen [hash.SlotCount]string
		for _, rec := range n.Nodes() {
			for _, slot := range rec.Slots.Slots() {
				seen[slot] = rec.ID
			}
		}
		if seen != owner {
			r.Disagreeing = append(r.Disagreeing, n.Addr())
		}
	}

	return r
}
