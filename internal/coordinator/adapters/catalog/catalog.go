// Package catalog caches the instance-type catalog fetched from an
// AgentCreator, keyed by region, so the placement engine does not make a
// pricing-API round trip on every provisioning decision.
package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gridflow/coordinator/internal/coordinator/domain/chooser"
	"github.com/gridflow/coordinator/pkg/cache"
	"github.com/gridflow/coordinator/pkg/logger"
)

// Store wraps a Redis-backed cache.Cache, falling back to an in-process
// copy whenever Redis is unreachable rather than failing the caller —
// a stale local catalog is always better than blocking every placement
// decision on cache availability.
type Store struct {
	remote cache.Cache
	log    logger.Logger

	mu    sync.RWMutex
	local map[string][]chooser.InstanceType
}

func New(remote cache.Cache, log logger.Logger) *Store {
	if log == nil {
		log = logger.NewNop()
	}
	return &Store{remote: remote, log: log, local: map[string][]chooser.InstanceType{}}
}

func key(region string) string {
	return fmt.Sprintf("instance-catalog:%s", region)
}

func (s *Store) Get(ctx context.Context, region string) ([]chooser.InstanceType, bool) {
	if s.remote != nil {
		var rows []chooser.InstanceType
		if err := s.remote.Get(ctx, key(region), &rows); err == nil {
			return rows, true
		} else if err != cache.ErrCacheMiss {
			s.log.Warn("catalog cache read failed, falling back to local copy", "region", region, "error", err)
		}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows, ok := s.local[region]
	return rows, ok
}

func (s *Store) Set(ctx context.Context, region string, rows []chooser.InstanceType, ttl time.Duration) {
	s.mu.Lock()
	s.local[region] = rows
	s.mu.Unlock()

	if s.remote == nil {
		return
	}
	if err := s.remote.Set(ctx, key(region), rows, ttl); err != nil {
		s.log.Warn("catalog cache write failed, serving from local copy only", "region", region, "error", err)
	}
}
