package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"keyfleet/pkg/model"
)

// EtcdStore keeps the snapshot under a single etcd key so several
// keyfleet replicas share one scorer result.
type EtcdStore struct {
	client *clientv3.Client
	key    string
}

// NewEtcdStore dials the etcd cluster at endpoints. The caller must call
// Close when finished.
func NewEtcdStore(endpoints []string, key string) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("etcd dial: %w", err)
	}
	return &EtcdStore{client: client, key: key}, nil
}

func (e *EtcdStore) Load(ctx context.Context) (model.ScoreSnapshot, bool, error) {
	var snap model.ScoreSnapshot
	resp, err := e.client.Get(ctx, e.key)
	if err != nil {
		return snap, false, fmt.Errorf("etcd get %s: %w", e.key, err)
	}
	if len(resp.Kvs) == 0 {
		return snap, false, nil
	}
	if err := json.Unmarshal(resp.Kvs[0].Value, &snap); err != nil {
		return snap, false, fmt.Errorf("decode %s: %w", e.key, err)
	}
	return snap, true, nil
}

func (e *EtcdStore) Save(ctx context.Context, snap model.ScoreSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if _, err := e.client.Put(ctx, e.key, string(data)); err != nil {
		return fmt.Errorf("etcd put %s: %w", e.key, err)
	}
	return nil
}

// Close releases the underlying etcd client connection.
func (e *EtcdStore) Close() error {
	return e.client.Close()
}
