//go:build !consul

package snapshot

import "go.uber.org/zap"

// NewConsulStore returns a memory store when the consul build tag is not enabled.
func NewConsulStore(addr, key string, log *zap.Logger) (Store, error) {
	if log != nil {
		log.Warn("consul snapshot store requested but consul build tag not enabled; using memory store",
			zap.String("addr", addr), zap.String("key", key))
	}
	return NewMemoryStore(), nil
}
