//go:build consul

package snapshot

import (
	"context"
	"encoding/json"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"

	"keyfleet/pkg/model"
)

// ConsulStore keeps the snapshot in Consul KV.
type ConsulStore struct {
	kv  *consulapi.KV
	key string
	log *zap.Logger
}

// NewConsulStore creates a Consul-backed store (requires build tag consul).
func NewConsulStore(addr, key string, log *zap.Logger) (Store, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	log = log.Named("snapshot").With(zap.String("backend", "consul"), zap.String("key", key))
	log.Info("using consul snapshot store", zap.String("addr", cfg.Address))
	return &ConsulStore{kv: cli.KV(), key: key, log: log}, nil
}

func (s *ConsulStore) Load(ctx context.Context) (model.ScoreSnapshot, bool, error) {
	var snap model.ScoreSnapshot
	pair, _, err := s.kv.Get(s.key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		s.log.Warn("consul snapshot load failed", zap.Error(err))
		return snap, false, err
	}
	if pair == nil {
		return snap, false, nil
	}
	if err := json.Unmarshal(pair.Value, &snap); err != nil {
		return snap, false, fmt.Errorf("decode %s: %w", s.key, err)
	}
	return snap, true, nil
}

func (s *ConsulStore) Save(ctx context.Context, snap model.ScoreSnapshot) error {
	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(&consulapi.KVPair{Key: s.key, Value: b}, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		s.log.Warn("consul snapshot save failed", zap.Error(err))
		return err
	}
	return nil
}
