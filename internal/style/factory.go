package style

import (
	"context"
	"strings"
)

// NewStore creates a postgres-backed store when configured, otherwise
// in-memory, fronted by an LRU of cacheSize profiles.
func NewStore(ctx context.Context, databaseURL string, cacheSize int) (Store, error) {
	var backing Store
	if strings.TrimSpace(databaseURL) == "" {
		backing = NewInMemoryStore()
	} else {
		pg, err := NewPostgresStore(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		backing = pg
	}
	cached, err := NewCachedStore(backing, cacheSize)
	if err != nil {
		_ = backing.Close()
		return nil, err
	}
	return cached, nil
}
