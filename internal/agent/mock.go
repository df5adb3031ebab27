package agent

import (
	"context"
	"strings"
)

// MockAdapter echoes the transcript back. Scribe mode stays silent.
type MockAdapter struct{}

func NewMockAdapter() *MockAdapter { return &MockAdapter{} }

func (a *MockAdapter) Respond(ctx context.Context, req Request) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	text := strings.TrimSpace(req.Transcript)
	if text == "" {
		return Reply{}, nil
	}
	if req.IsScribeMode {
		return Reply{AgentResponse: "Noted.", ShouldSpeak: false, SpeechRate: 1}, nil
	}
	return Reply{AgentResponse: "You said: " + text, ShouldSpeak: true, SpeechRate: 1}, nil
}
