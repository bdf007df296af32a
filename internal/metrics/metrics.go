package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "slotctl"
)

var (
	// CommandsTotal counts commands sent to store nodes
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Total number of commands sent to store nodes",
		},
		[]string{"cmd", "status"}, // cmd: "cluster nodes"/"migrate"/..., status: success/error
	)

	// CommandDuration measures command round trips
	CommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command round trip latency in seconds",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
		[]string{"cmd"},
	)

	// SlotMoves counts slot relocations
	SlotMoves = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "slot_moves_total",
			Help:      "Total number of slot moves",
		},
		[]string{"status"}, // success/error
	)

	// KeysMigrated counts keys moved by MIGRATE
	KeysMigrated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_migrated_total",
			Help:      "Total number of keys migrated between nodes",
		},
	)

	// KnownNodes tracks the coordinator's node list
	KnownNodes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "known_nodes",
			Help:      "Number of nodes the coordinator holds a handle for",
		},
	)

	// RebalancePlannedSlots tracks the size of the last rebalance plan
	RebalancePlannedSlots = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rebalance_planned_slots",
			Help:      "Number of slots scheduled by the last rebalance plan",
		},
	)

	// Info exposes build info
	Info = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "slotctl build info",
		},
		[]string{"version", "go_version", "os", "arch"},
	)

	// Uptime tracks uptime
	Uptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Process uptime in seconds",
		},
	)
)

// InitInfo initializes info metric
func InitInfo(version, goVersion, os, arch string) {
	Info.WithLabelValues(version, goVersion, os, arch).Set(1)
}
