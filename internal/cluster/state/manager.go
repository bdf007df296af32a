// Package state journals the coordinator's last observed cluster layout to
// disk. The journal is observational; nothing reads it back to recover.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

const (
	stateFileName        = "cluster-state.json"
	saveDebounceDuration = 100 * time.Millisecond
)

type ClusterStateProvider interface {
	SeedID() string
	NodeInfos() []NodeInfo
	SlotMap() [16384]string
	Migrations() map[int]MigrationState
}

type StateManager struct {
	dataDir  string
	log      logr.Logger
	provider atomic.Pointer[providerBox]

	dirty atomic.Bool
	mu    sync.Mutex

	saveCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type providerBox struct {
	ClusterStateProvider
}

func NewStateManager(dataDir string, log logr.Logger) (*StateManager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if log.GetSink() == nil {
		log = logr.Discard()
	}

	m := &StateManager{
		dataDir: dataDir,
		log:     log.WithName("state"),
		saveCh:  make(chan struct{}, 1),
		doneCh:  make(chan struct{}),
	}

	m.wg.Add(1)
	go m.saveLoop()

	return m, nil
}

func (m *StateManager) SetProvider(provider ClusterStateProvider) {
	m.provider.Store(&providerBox{provider})
}

func (m *StateManager) getProvider() ClusterStateProvider {
	if box := m.provider.Load(); box != nil {
		return box.ClusterStateProvider
	}
	return nil
}

func (m *StateManager) saveLoop() {
	defer m.wg.Done()

	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-m.saveCh:
			if timer != nil {
				timer.Stop()
			}
			timer = time.NewTimer(saveDebounceDuration)
			timerC = timer.C

		case <-timerC:
			timerC = nil
			timer = nil
			if m.dirty.Load() && m.getProvider() != nil {
				if err := m.save(); err != nil {
					m.log.Error(err, "state save failed", "path", m.FilePath())
				}
			}

		case <-m.doneCh:
			if timer != nil {
				timer.Stop()
			}
			return
		}
	}
}

// MarkDirty schedules a debounced save.
func (m *StateManager) MarkDirty() {
	m.dirty.Store(true)
	select {
	case m.saveCh <- struct{}{}:
	default:
	}
}

// Load reads the journal in the manager's data directory. A missing file
// yields (nil, nil).
func (m *StateManager) Load() (*PersistentState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Load(m.dataDir)
}

// Load reads the journal stored under dataDir. A missing file yields
// (nil, nil).
func Load(dataDir string) (*PersistentState, error) {
	path := filepath.Join(dataDir, stateFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state file: %w", err)
	}

	var state PersistentState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}

	if state.Version != CurrentStateVersion {
		return nil, fmt.Errorf("unsupported state version: %d", state.Version)
	}

	return &state, nil
}

func (m *StateManager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	provider := m.getProvider()
	m.dirty.Store(false)

	state := PersistentState{
		Version:    CurrentStateVersion,
		SeedID:     provider.SeedID(),
		SavedAt:    time.Now().UTC(),
		Nodes:      provider.NodeInfos(),
		SlotMap:    provider.SlotMap(),
		Migrations: provider.Migrations(),
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("marshal state: %w", err)
	}

	path := filepath.Join(m.dataDir, stateFileName)
	tempPath := path + ".tmp"

	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		m.dirty.Store(true)
		return fmt.Errorf("write temp file: %w", err)
	}

	f, err := os.OpenFile(tempPath, os.O_RDONLY, 0)
	if err == nil {
		_ = f.Sync()
		_ = f.Close()
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		m.dirty.Store(true)
		return fmt.Errorf("rename state file: %w", err)
	}

	m.log.V(1).Info("state saved", "path", path, "nodes", len(state.Nodes))
	return nil
}

func (m *StateManager) Save() error {
	if m.getProvider() == nil {
		return fmt.Errorf("provider not set")
	}
	return m.save()
}

// Close stops the save loop and flushes a pending save. Closing twice is a
// no-op.
func (m *StateManager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.doneCh)
		m.wg.Wait()

		if m.dirty.Load() && m.getProvider() != nil {
			err = m.save()
		}
	})
	return err
}

func (m *StateManager) FilePath() string {
	return filepath.Join(m.dataDir, stateFileName)
}
