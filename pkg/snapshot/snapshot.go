// Package snapshot persists the scorer's preferred-node snapshot. Readers
// see either the previous or the complete new snapshot, never a partial one.
package snapshot

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"keyfleet/pkg/config"
	"keyfleet/pkg/model"
)

// Store reads and writes the score snapshot.
type Store interface {
	// Load returns ok=false when no snapshot was ever saved.
	Load(ctx context.Context) (snap model.ScoreSnapshot, ok bool, err error)
	Save(ctx context.Context, snap model.ScoreSnapshot) error
}

// Open builds the backend selected by cfg.SnapshotBackend.
func Open(cfg config.Config, log *zap.Logger) (Store, error) {
	switch cfg.SnapshotBackend {
	case "", "file":
		return NewFileStore(cfg.SnapshotPath), nil
	case "consul":
		return NewConsulStore(cfg.ConsulAddr, cfg.SnapshotKey, log)
	case "etcd":
		return NewEtcdStore(cfg.EtcdEndpoints, cfg.SnapshotKey)
	default:
		return nil, fmt.Errorf("unsupported snapshot backend %q", cfg.SnapshotBackend)
	}
}

// MemoryStore keeps the snapshot in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	snap *model.ScoreSnapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load(context.Context) (model.ScoreSnapshot, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap == nil {
		return model.ScoreSnapshot{}, false, nil
	}
	s := *m.snap
	s.ChosenIDs = append([]uint(nil), m.snap.ChosenIDs...)
	return s, true, nil
}

func (m *MemoryStore) Save(_ context.Context, snap model.ScoreSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.ChosenIDs = append([]uint(nil), snap.ChosenIDs...)
	m.snap = &snap
	return nil
}
