package ticket

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// DefaultTTL is how long an unconsumed ticket stays valid.
const DefaultTTL = 60 * time.Second

var ErrNotFound = errors.New("ticket not found")

// Ticket is a single-use credential exchanged for one socket connection.
type Ticket struct {
	ID       string    `json:"id"`
	UserID   string    `json:"user_id"`
	TenantID string    `json:"tenant_id"`
	IssuedAt time.Time `json:"issued_at"`
}

// Store issues tickets and consumes them at most once.
type Store interface {
	Issue(ctx context.Context, userID, tenantID string) (token string, ttl time.Duration, err error)
	// Consume atomically looks up and deletes the ticket. Missing, expired
	// and already consumed tokens all return ErrNotFound.
	Consume(ctx context.Context, token string) (Ticket, error)
}

func newToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
