package ticket

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
)

type MemoryStore struct {
	ttl time.Duration

	mu    sync.Mutex
	cache *gocache.Cache
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:   ttl,
		cache: gocache.New(ttl, ttl),
	}
}

func (s *MemoryStore) Issue(_ context.Context, userID, tenantID string) (string, time.Duration, error) {
	token, err := newToken()
	if err != nil {
		return "", 0, err
	}
	s.cache.Set(token, Ticket{
		ID:       uuid.NewString(),
		UserID:   userID,
		TenantID: tenantID,
		IssuedAt: time.Now().UTC(),
	}, s.ttl)
	return token, s.ttl, nil
}

func (s *MemoryStore) Consume(_ context.Context, token string) (Ticket, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Ticket{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.cache.Get(token)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	s.cache.Delete(token)
	t, ok := v.(Ticket)
	if !ok {
		return Ticket{}, ErrNotFound
	}
	return t, nil
}

// Len reports live tickets, expired-but-unswept entries excluded.
func (s *MemoryStore) Len() int {
	return len(s.cache.Items())
}
