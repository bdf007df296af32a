package metrics

import (
	"time"
)

// Collector collects periodic metrics
type Collector struct {
	startTime time.Time
}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{
		startTime: time.Now(),
	}
}

// Collect collects periodic metrics
func (c *Collector) Collect() {
	Uptime.Set(time.Since(c.startTime).Seconds())
}

// RecordCommand records one command round trip
func RecordCommand(cmd string, duration time.Duration, success bool) {
	CommandsTotal.WithLabelValues(cmd, status(success)).Inc()
	CommandDuration.WithLabelValues(cmd).Observe(duration.Seconds())
}

// RecordSlotMove records the outcome of a slot move
func RecordSlotMove(success bool) {
	SlotMoves.WithLabelValues(status(success)).Inc()
}

// RecordKeysMigrated adds n migrated keys
func RecordKeysMigrated(n int) {
	KeysMigrated.Add(float64(n))
}

// SetKnownNodes sets the known node count
func SetKnownNodes(n int) {
	KnownNodes.Set(float64(n))
}

// SetRebalancePlanned sets the slot count of the last plan
func SetRebalancePlanned(n int) {
	RebalancePlannedSlots.Set(float64(n))
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
