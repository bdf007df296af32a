package state

import "time"

// CurrentStateVersion is the schema version for persistent state
const CurrentStateVersion = 1

// PersistentState is the JSON-serializable cluster state
type PersistentState struct {
	Version    int                    `json:"version"`
	SeedID     string                 `json:"seed_id"`
	SavedAt    time.Time              `json:"saved_at"`
	Nodes      []NodeInfo             `json:"nodes"`
	SlotMap    [16384]string          `json:"slot_map"`
	Migrations map[int]MigrationState `json:"migrations,omitempty"`
}

// NodeInfo stores node metadata as seen from the seed
type NodeInfo struct {
	ID       string `json:"id"`
	Addr     string `json:"addr"`
	BusPort  int    `json:"bus_port"`
	Role     string `json:"role"`
	MasterID string `json:"master_id,omitempty"`
	Flags    string `json:"flags"`
	Slots    int    `json:"slots"`
}

// MigrationState is an open importing/migrating marker pair for one slot.
// Either side is empty when only one marker was observed.
type MigrationState struct {
	SourceNodeID string `json:"source_node_id"`
	TargetNodeID string `json:"target_node_id"`
	State        string `json:"state"`
}
