package cluster

import (
	"strings"

	"github.com/10yihang/slotctl/internal/cluster/state"
	"github.com/10yihang/slotctl/internal/cluster/topology"
)

// The methods below expose the seed's view to state.StateManager.

func (c *Cluster) seedView() *topology.View {
	nodes := c.Nodes()
	if len(nodes) == 0 {
		return nil
	}
	return nodes[0].currentView()
}

func (c *Cluster) SeedID() string {
	if v := c.seedView(); v != nil {
		return v.Myself.ID
	}
	return ""
}

func (c *Cluster) NodeInfos() []state.NodeInfo {
	v := c.seedView()
	if v == nil {
		return nil
	}
	infos := make([]state.NodeInfo, 0, len(v.Nodes))
	for _, n := range v.Nodes {
		role := "master"
		if !n.IsMaster() {
			role = "replica"
		}
		infos = append(infos, state.NodeInfo{
			ID:       n.ID,
			Addr:     n.Addr(),
			BusPort:  n.BusPort,
			Role:     role,
			MasterID: n.MasterID,
			Flags:    n.Flags.String(),
			Slots:    n.Slots.Len(),
		})
	}
	return infos
}

func (c *Cluster) SlotMap() [16384]string {
	var m [16384]string
	v := c.seedView()
	if v == nil {
		return m
	}
	for _, n := range v.Nodes {
		for _, slot := range n.Slots.Slots() {
			m[slot] = n.ID
		}
	}
	return m
}

// Migrations collects the open importing/migrating markers every handle
// reports for itself.
func (c *Cluster) Migrations() map[int]state.MigrationState {
	out := make(map[int]state.MigrationState)
	for _, n := range c.Nodes() {
		self, err := n.Self()
		if err != nil {
			continue
		}
		for slot, src := range self.Importing {
			m := out[slot]
			m.SourceNodeID = src
			m.TargetNodeID = self.ID
			m.State = joinState(m.State, "importing")
			out[slot] = m
		}
		for slot, dst := range self.Migrating {
			m := out[slot]
			m.SourceNodeID = self.ID
			m.TargetNodeID = dst
			m.State = joinState(m.State, "migrating")
			out[slot] = m
		}
	}
	return out
}

func joinState(prev, next string) string {
	if prev == "" || strings.Contains(prev, next) {
		return next
	}
	return prev + "," + next
}
