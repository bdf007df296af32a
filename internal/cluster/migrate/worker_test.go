package migrate

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeSource holds keys per slot and moves them on MIGRATE.
type fakeSource struct {
	mu       sync.Mutex
	keys     map[int][]string
	moved    []string
	commands [][]string
	failOn   string
}

func (f *fakeSource) Do(_ context.Context, args ...string) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.commands = append(f.commands, args)
	if f.failOn != "" && args[0] == f.failOn {
		return nil, errors.New("IOERR error or timeout connecting to the target instance")
	}

	switch args[0] {
	case "CLUSTER":
		slot, _ := strconv.Atoi(args[2])
		count, _ := strconv.Atoi(args[3])
		keys := f.keys[slot]
		if len(keys) > count {
			keys = keys[:count]
		}
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = k
		}
		return out, nil
	case "MIGRATE":
		batch := args[8:]
		for slot, keys := range f.keys {
			f.keys[slot] = remove(keys, batch)
		}
		f.moved = append(f.moved, batch...)
		return "OK", nil
	}
	return nil, errors.New("ERR unknown command")
}

func remove(keys, drop []string) []string {
	out := keys[:0]
	for _, k := range keys {
		found := false
		for _, d := range drop {
			if k == d {
				found = true
				break
			}
		}
		if !found {
			out = append(out, k)
		}
	}
	return out
}

func makeKeys(n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = "key" + strconv.Itoa(i)
	}
	return keys
}

func TestWorker_MigrateSlot(t *testing.T) {
	src := &fakeSource{keys: map[int][]string{100: makeKeys(45), 101: {"other"}}}
	w := NewWorker(src)

	moved, err := w.MigrateSlot(context.Background(), 100, "10.0.0.2", 6380, 20, 2*time.Second)
	if err != nil {
		t.Fatalf("MigrateSlot() error = %v", err)
	}
	if moved != 45 {
		t.Errorf("moved = %d, want 45", moved)
	}
	if len(src.keys[100]) != 0 {
		t.Errorf("slot 100 still holds %v", src.keys[100])
	}
	if len(src.keys[101]) != 1 {
		t.Errorf("slot 101 should be untouched, got %v", src.keys[101])
	}

	progress := w.GetProgress(100)
	if progress == nil {
		t.Fatal("no progress found")
	}
	if progress.Batches != 3 {
		t.Errorf("Batches = %d, want 3", progress.Batches)
	}
	if progress.Status != MigrationStatusCompleted {
		t.Errorf("Status = %v, want completed", progress.Status)
	}
	if progress.TargetAddr != "10.0.0.2:6380" {
		t.Errorf("TargetAddr = %q", progress.TargetAddr)
	}
}

func TestWorker_MigrateCommandShape(t *testing.T) {
	src := &fakeSource{keys: map[int][]string{7: {"a", "b"}}}
	w := NewWorker(src)

	if _, err := w.MigrateSlot(context.Background(), 7, "127.0.0.1", 7001, 20, 1500*time.Millisecond); err != nil {
		t.Fatalf("MigrateSlot() error = %v", err)
	}

	got := strings.Join(src.commands[1], " ")
	want := "MIGRATE 127.0.0.1 7001  0 1500 REPLACE KEYS a b"
	if got != want {
		t.Errorf("command = %q, want %q", got, want)
	}
	if last := strings.Join(src.commands[len(src.commands)-1], " "); last != "CLUSTER GETKEYSINSLOT 7 20" {
		t.Errorf("last command = %q, want a final GETKEYSINSLOT returning no keys", last)
	}
}

func TestWorker_EmptySlot(t *testing.T) {
	src := &fakeSource{keys: map[int][]string{}}
	w := NewWorker(src)

	moved, err := w.MigrateSlot(context.Background(), 1000, "127.0.0.1", 7001, 0, 0)
	if err != nil {
		t.Fatalf("MigrateSlot() error = %v", err)
	}
	if moved != 0 {
		t.Errorf("moved = %d, want 0", moved)
	}
	if len(src.commands) != 1 {
		t.Errorf("expected a single GETKEYSINSLOT, got %v", src.commands)
	}
	if src.commands[0][3] != strconv.Itoa(DefaultBatchSize) {
		t.Errorf("batch size = %s, want default %d", src.commands[0][3], DefaultBatchSize)
	}
}

func TestWorker_MigrateFailure(t *testing.T) {
	src := &fakeSource{keys: map[int][]string{5: makeKeys(3)}, failOn: "MIGRATE"}
	w := NewWorker(src)

	_, err := w.MigrateSlot(context.Background(), 5, "127.0.0.1", 7001, 20, time.Second)
	if err == nil {
		t.Fatal("MigrateSlot() error = nil, want error")
	}

	progress := w.GetProgress(5)
	if progress.Status != MigrationStatusFailed {
		t.Errorf("Status = %v, want failed", progress.Status)
	}
	if progress.LastError == "" {
		t.Error("LastError should be recorded")
	}
}

func TestWorker_GetProgress(t *testing.T) {
	w := NewWorker(&fakeSource{})

	if progress := w.GetProgress(999); progress != nil {
		t.Errorf("expected nil progress for non-existent slot, got %v", progress)
	}
}
