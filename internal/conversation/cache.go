package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/patrickmn/go-cache"
)

// CachedStore remembers which conversation a connection is bound to, so a
// reconnect skips the user+connection lookup. Rows are always read from the
// underlying store: every message bumps message_count and the context
// version, so a cached row would be stale after the first write.
type CachedStore struct {
	Store
	c *cache.Cache
}

func NewCachedStore(s Store, ttl time.Duration) *CachedStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedStore{Store: s, c: cache.New(ttl, 2*ttl)}
}

func connKey(userID, connectionRef string) string {
	return "conn:" + userID + ":" + connectionRef
}

func (s *CachedStore) GetByConnection(ctx context.Context, userID, connectionRef string) (*Conversation, error) {
	key := connKey(userID, connectionRef)
	if v, ok := s.c.Get(key); ok {
		c, err := s.Store.Get(ctx, v.(string))
		if !errors.Is(err, ErrNotFound) {
			return c, err
		}
		s.c.Delete(key)
	}
	c, err := s.Store.GetByConnection(ctx, userID, connectionRef)
	if err != nil {
		return nil, err
	}
	s.c.SetDefault(key, c.ID)
	return c, nil
}

func (s *CachedStore) Create(ctx context.Context, userID, connectionRef string) (*Conversation, error) {
	c, err := s.Store.Create(ctx, userID, connectionRef)
	if err != nil {
		return nil, err
	}
	s.c.SetDefault(connKey(userID, connectionRef), c.ID)
	return c, nil
}
