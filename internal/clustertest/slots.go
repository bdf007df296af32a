package clustertest

import (
	"github.com/10yihang/slotctl/internal/cluster/hash"
)

// SlotTable is one fake node's belief about slot ownership plus its own
// importing/migrating markers. Callers hold the owning node's lock.
type SlotTable struct {
	owner     [hash.SlotCount]string
	importing map[int]string
	migrating map[int]string
}

func NewSlotTable() *SlotTable {
	return &SlotTable{
		importing: make(map[int]string),
		migrating: make(map[int]string),
	}
}

func (t *SlotTable) Owner(slot int) string {
	return t.owner[slot]
}

func (t *SlotTable) Assign(slot int, nodeID string) {
	t.owner[slot] = nodeID
}

func (t *SlotTable) SetImporting(slot int, fromNodeID string) {
	t.importing[slot] = fromNodeID
}

func (t *SlotTable) SetMigrating(slot int, toNodeID string) {
	t.migrating[slot] = toNodeID
}

func (t *SlotTable) SetStable(slot int) {
	delete(t.importing, slot)
	delete(t.migrating, slot)
}

// FinishMigration records newNodeID as the owner and clears both markers.
func (t *SlotTable) FinishMigration(slot int, newNodeID string) {
	t.owner[slot] = newNodeID
	t.SetStable(slot)
}

// NodeSlots returns the slots owned by nodeID in ascending order.
func (t *SlotTable) NodeSlots(nodeID string) []int {
	var slots []int
	for i, id := range t.owner {
		if id == nodeID {
			slots = append(slots, i)
		}
	}
	return slots
}

// Drop unassigns every slot owned by nodeID.
func (t *SlotTable) Drop(nodeID string) {
	for i, id := range t.owner {
		if id == nodeID {
			t.owner[i] = ""
		}
	}
}

func (t *SlotTable) Reset() {
	t.owner = [hash.SlotCount]string{}
	t.importing = make(map[int]string)
	t.migrating = make(map[int]string)
}
