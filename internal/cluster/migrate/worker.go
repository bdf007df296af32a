// Package migrate drains the keys of one slot from a source node to a
// destination node with batched MIGRATE commands.
package migrate

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/10yihang/slotctl/internal/metrics"
	"github.com/10yihang/slotctl/internal/protocol"
)

const (
	DefaultBatchSize = 20
	DefaultTimeout   = 5 * time.Second
)

// Commander issues a command on the source node.
type Commander interface {
	Do(ctx context.Context, args ...string) (any, error)
}

type MigrationStatus int

const (
	MigrationStatusPending MigrationStatus = iota
	MigrationStatusRunning
	MigrationStatusCompleted
	MigrationStatusFailed
)

func (s MigrationStatus) String() string {
	switch s {
	case MigrationStatusPending:
		return "pending"
	case MigrationStatusRunning:
		return "running"
	case MigrationStatusCompleted:
		return "completed"
	case MigrationStatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

type MigrationProgress struct {
	Slot         int
	TargetAddr   string
	Batches      int
	MigratedKeys int
	Status       MigrationStatus
	LastError    string
	StartTime    time.Time
	EndTime      time.Time
}

// Worker moves slot keys off the node behind source. One Worker serves many
// slots concurrently; progress is tracked per slot.
type Worker struct {
	source Commander

	mu       sync.Mutex
	progress map[int]*MigrationProgress
}

func NewWorker(source Commander) *Worker {
	return &Worker{
		source:   source,
		progress: make(map[int]*MigrationProgress),
	}
}

// MigrateSlot repeatedly lists up to batchSize keys of slot and moves them to
// host:port with MIGRATE ... REPLACE KEYS, until a listing comes back empty.
// It returns the number of keys moved.
func (w *Worker) MigrateSlot(ctx context.Context, slot int, host string, port int, batchSize int, timeout time.Duration) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	progress := &MigrationProgress{
		Slot:       slot,
		TargetAddr: fmt.Sprintf("%s:%d", host, port),
		Status:     MigrationStatusRunning,
		StartTime:  time.Now(),
	}
	w.mu.Lock()
	w.progress[slot] = progress
	w.mu.Unlock()

	moved, err := w.drain(ctx, progress, slot, host, port, batchSize, timeout)

	w.mu.Lock()
	progress.EndTime = time.Now()
	if err != nil {
		progress.Status = MigrationStatusFailed
		progress.LastError = err.Error()
	} else {
		progress.Status = MigrationStatusCompleted
	}
	w.mu.Unlock()

	return moved, err
}

func (w *Worker) drain(ctx context.Context, progress *MigrationProgress, slot int, host string, port int, batchSize int, timeout time.Duration) (int, error) {
	slotArg := strconv.Itoa(slot)
	countArg := strconv.Itoa(batchSize)
	portArg := strconv.Itoa(port)
	timeoutArg := strconv.FormatInt(timeout.Milliseconds(), 10)

	moved := 0
	for {
		reply, err := w.source.Do(ctx, "CLUSTER", "GETKEYSINSLOT", slotArg, countArg)
		if err != nil {
			return moved, fmt.Errorf("get keys in slot %d: %w", slot, err)
		}
		keys, err := protocol.Strings(reply)
		if err != nil {
			return moved, fmt.Errorf("get keys in slot %d: %w", slot, err)
		}
		if len(keys) == 0 {
			return moved, nil
		}

		args := make([]string, 0, 8+len(keys))
		args = append(args, "MIGRATE", host, portArg, "", "0", timeoutArg, "REPLACE", "KEYS")
		args = append(args, keys...)
		if _, err := w.source.Do(ctx, args...); err != nil {
			return moved, fmt.Errorf("migrate %d keys of slot %d to %s: %w", len(keys), slot, progress.TargetAddr, err)
		}

		moved += len(keys)
		metrics.RecordKeysMigrated(len(keys))

		w.mu.Lock()
		progress.Batches++
		progress.MigratedKeys = moved
		w.mu.Unlock()
	}
}

func (w *Worker) GetProgress(slot int) *MigrationProgress {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p, ok := w.progress[slot]; ok {
		copy := *p
		return &copy
	}
	return nil
}
