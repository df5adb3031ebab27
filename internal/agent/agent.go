package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request is one user turn handed to the reasoning backend.
type Request struct {
	GraphID      string         `json:"graph_id,omitempty"`
	BranchID     string         `json:"branch_id,omitempty"`
	SessionID    string         `json:"session_id"`
	UserID       string         `json:"user_id,omitempty"`
	TenantID     string         `json:"tenant_id,omitempty"`
	Transcript   string         `json:"transcript"`
	IsScribeMode bool           `json:"is_scribe_mode"`
	StartMs      int64          `json:"start_ms"`
	EndMs        int64          `json:"end_ms"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Reply is the backend's answer to one turn.
type Reply struct {
	AgentResponse string
	ShouldSpeak   bool
	SpeechRate    float64
	Policy        map[string]any
	Metadata      map[string]any
}

// Adapter turns a transcript into a reply.
type Adapter interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

type Config struct {
	Mode    string
	HTTPURL string
	Timeout time.Duration
	Retries int
}

// NewAdapter selects the backend. "auto" uses HTTP when a URL is configured
// and the echo mock otherwise.
func NewAdapter(cfg Config) (Adapter, string, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	switch mode {
	case "auto":
		if strings.TrimSpace(cfg.HTTPURL) != "" {
			return NewHTTPAdapter(cfg.HTTPURL, cfg.Timeout, cfg.Retries), "http", nil
		}
		return NewMockAdapter(), "mock", nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, "", errors.New("agent HTTP url is required for http mode")
		}
		return NewHTTPAdapter(cfg.HTTPURL, cfg.Timeout, cfg.Retries), "http", nil
	case "mock":
		return NewMockAdapter(), "mock", nil
	default:
		return nil, "", fmt.Errorf("unsupported agent mode %q", cfg.Mode)
	}
}
