//go:build !consul

package persist

import (
	"go.uber.org/zap"

	"repo-cipher/pkg/logging"
)

// NewConsulKV returns a memory KV when the consul build tag is not enabled.
func NewConsulKV(addr, _, _ string, logger *zap.Logger) (KV, error) {
	logging.OrNop(logger).Warn("consul storage requested but consul build tag not enabled; using memory storage",
		zap.String("addr", addr))
	return NewMemoryKV(), nil
}
