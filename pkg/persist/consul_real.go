//go:build consul

package persist

import (
	"context"
	"fmt"

	consulapi "github.com/hashicorp/consul/api"
	"go.uber.org/zap"
)

// ConsulKV stores values under a key prefix in Consul KV.
type ConsulKV struct {
	cli    *consulapi.Client
	prefix string
}

// NewConsulKV creates a Consul-backed KV (requires build tag consul).
func NewConsulKV(addr, token, prefix string, _ *zap.Logger) (KV, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	if token != "" {
		cfg.Token = token
	}
	cli, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("consul client: %w", err)
	}
	return &ConsulKV{cli: cli, prefix: prefix}, nil
}

func (c *ConsulKV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	kv, _, err := c.cli.KV().Get(c.prefix+key, (&consulapi.QueryOptions{}).WithContext(ctx))
	if err != nil {
		return nil, false, fmt.Errorf("consul get %s: %w", key, err)
	}
	if kv == nil {
		return nil, false, nil
	}
	return kv.Value, true, nil
}

func (c *ConsulKV) Set(ctx context.Context, key string, value []byte) error {
	_, err := c.cli.KV().Put(&consulapi.KVPair{Key: c.prefix + key, Value: value}, (&consulapi.WriteOptions{}).WithContext(ctx))
	if err != nil {
		return fmt.Errorf("consul put %s: %w", key, err)
	}
	return nil
}

func (c *ConsulKV) Delete(ctx context.Context, key string) error {
	if _, err := c.cli.KV().Delete(c.prefix+key, (&consulapi.WriteOptions{}).WithContext(ctx)); err != nil {
		return fmt.Errorf("consul delete %s: %w", key, err)
	}
	return nil
}

func (c *ConsulKV) Close() error { return nil }
