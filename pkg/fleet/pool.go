package fleet

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"keyfleet/pkg/driver"
	"keyfleet/pkg/model"
)

type pooledDriver struct {
	drv       driver.Driver
	updatedAt time.Time
}

// Pool caches one driver per node so authenticated sessions survive
// across operations. A node whose record changed gets a fresh driver.
type Pool struct {
	factory driver.Factory
	mu      sync.Mutex
	cache   *lru.Cache[uint, pooledDriver]
}

func NewPool(factory driver.Factory, size int) (*Pool, error) {
	if size <= 0 {
		size = 128
	}
	cache, err := lru.New[uint, pooledDriver](size)
	if err != nil {
		return nil, err
	}
	return &Pool{factory: factory, cache: cache}, nil
}

// Get returns the driver bound to node.
func (p *Pool) Get(node model.Node) (driver.Driver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cached, ok := p.cache.Get(node.ID); ok && cached.updatedAt.Equal(node.UpdatedAt) {
		return cached.drv, nil
	}
	drv, err := p.factory(node)
	if err != nil {
		return nil, fmt.Errorf("driver for node %s: %w", node.Label(), err)
	}
	p.cache.Add(node.ID, pooledDriver{drv: drv, updatedAt: node.UpdatedAt})
	return drv, nil
}

// Evict drops the cached driver of a node.
func (p *Pool) Evict(nodeID uint) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache.Remove(nodeID)
}

// Len is the number of cached drivers.
func (p *Pool) Len() int {
	return p.cache.Len()
}
