package ratelimit

import (
	"context"
	"time"

	"github.com/patrickmn/go-cache"
)

// MemoryRepository keeps records in process. Suitable for a single instance
// and for tests; counters are lost on restart.
type MemoryRepository struct {
	c *cache.Cache
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{c: cache.New(recordTTL, 10*time.Minute)}
}

func (m *MemoryRepository) Get(ctx context.Context, userID string) (*Record, error) {
	v, ok := m.c.Get(userID)
	if !ok {
		return nil, nil
	}
	rec := v.(Record)
	return &rec, nil
}

func (m *MemoryRepository) Save(ctx context.Context, userID string, rec *Record) error {
	m.c.Set(userID, *rec, cache.DefaultExpiration)
	return nil
}
