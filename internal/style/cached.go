package style

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore fronts a Store with a bounded LRU. Writes go through to the
// backing store before the cache is updated.
type CachedStore struct {
	next  Store
	cache *lru.Cache[string, Profile]
}

func NewCachedStore(next Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 512
	}
	cache, err := lru.New[string, Profile](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{next: next, cache: cache}, nil
}

func (s *CachedStore) Get(ctx context.Context, userID string) (Profile, bool, error) {
	if p, ok := s.cache.Get(userID); ok {
		return p, true, nil
	}
	p, ok, err := s.next.Get(ctx, userID)
	if err != nil || !ok {
		return p, ok, err
	}
	s.cache.Add(userID, p)
	return p, true, nil
}

func (s *CachedStore) Put(ctx context.Context, p Profile) error {
	if err := s.next.Put(ctx, p); err != nil {
		s.cache.Remove(p.UserID)
		return err
	}
	s.cache.Add(p.UserID, p)
	return nil
}

func (s *CachedStore) Close() error {
	s.cache.Purge()
	return s.next.Close()
}
