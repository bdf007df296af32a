package topology

import (
	"math/bits"
	"strconv"
	"strings"

	"github.com/10yihang/slotctl/internal/cluster/hash"
)

// SlotSet is a fixed-size set of slots.
type SlotSet struct {
	words [hash.SlotCount / 64]uint64
}

func (s *SlotSet) Add(slot int) {
	s.words[slot/64] |= 1 << uint(slot%64)
}

func (s *SlotSet) AddRange(start, end int) {
	for slot := start; slot <= end; slot++ {
		s.Add(slot)
	}
}

func (s *SlotSet) Has(slot int) bool {
	if slot < 0 || slot >= hash.SlotCount {
		return false
	}
	return s.words[slot/64]&(1<<uint(slot%64)) != 0
}

func (s *SlotSet) Len() int {
	n := 0
	for _, w := range s.words {
		n += bits.OnesCount64(w)
	}
	return n
}

// Slots returns the members in ascending order.
func (s *SlotSet) Slots() []int {
	out := make([]int, 0, s.Len())
	for i, w := range s.words {
		for w != 0 {
			b := bits.TrailingZeros64(w)
			out = append(out, i*64+b)
			w &^= 1 << uint(b)
		}
	}
	return out
}

// Ranges formats the set the way CLUSTER NODES does: "0-5460 5462".
func (s *SlotSet) Ranges() string {
	slots := s.Slots()
	if len(slots) == 0 {
		return ""
	}

	var parts []string
	start, end := slots[0], slots[0]
	for _, slot := range slots[1:] {
		if slot == end+1 {
			end = slot
			continue
		}
		parts = append(parts, formatRange(start, end))
		start, end = slot, slot
	}
	parts = append(parts, formatRange(start, end))
	return strings.Join(parts, " ")
}

func formatRange(start, end int) string {
	if start == end {
		return strconv.Itoa(start)
	}
	return strconv.Itoa(start) + "-" + strconv.Itoa(end)
}
