package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"repo-cipher/pkg/logging"
	"repo-cipher/pkg/model"
)

// Persister serialises the active and archived task lists to a KV under two fixed keys.
type Persister struct {
	kv     KV
	logger *zap.Logger

	mu      sync.Mutex
	digests map[string]uint64 // last bytes written or read per key
}

func NewPersister(kv KV, logger *zap.Logger) *Persister {
	return &Persister{
		kv:      kv,
		logger:  logging.OrNop(logger).Named("persist"),
		digests: make(map[string]uint64),
	}
}

// Load reads both lists. A key holding malformed JSON yields an empty list; only
// storage errors are returned.
func (p *Persister) Load(ctx context.Context) (active, archived []model.Task, err error) {
	active, err = p.loadKey(ctx, KeyTasks)
	if err != nil {
		return nil, nil, err
	}
	archived, err = p.loadKey(ctx, KeyArchivedTasks)
	if err != nil {
		return nil, nil, err
	}
	return active, archived, nil
}

func (p *Persister) loadKey(ctx context.Context, key string) ([]model.Task, error) {
	b, ok, err := p.kv.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", key, err)
	}
	if !ok || len(b) == 0 {
		return []model.Task{}, nil
	}
	var tasks []model.Task
	if err := json.Unmarshal(b, &tasks); err != nil {
		p.logger.Warn("ignoring malformed task list", zap.String("key", key), zap.Error(err))
		return []model.Task{}, nil
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	p.mu.Lock()
	p.digests[key] = xxhash.Sum64(b)
	p.mu.Unlock()
	return tasks, nil
}

// Save writes both lists, skipping a key whose serialised form is unchanged.
func (p *Persister) Save(ctx context.Context, active, archived []model.Task) error {
	if err := p.saveKey(ctx, KeyTasks, active); err != nil {
		return err
	}
	return p.saveKey(ctx, KeyArchivedTasks, archived)
}

func (p *Persister) saveKey(ctx context.Context, key string, tasks []model.Task) error {
	if tasks == nil {
		tasks = []model.Task{}
	}
	b, err := json.Marshal(tasks)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	sum := xxhash.Sum64(b)
	p.mu.Lock()
	prev, seen := p.digests[key]
	p.mu.Unlock()
	if seen && prev == sum {
		return nil
	}
	if err := p.kv.Set(ctx, key, b); err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	p.mu.Lock()
	p.digests[key] = sum
	p.mu.Unlock()
	p.logger.Debug("saved", zap.String("key", key), zap.Int("tasks", len(tasks)), zap.Int("bytes", len(b)))
	return nil
}
