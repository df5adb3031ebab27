package speech

import (
	"context"
	"strings"
)

// Mock is a local fallback used when no speech provider is configured. It
// transcribes any non-empty audio to a fixed phrase and "synthesizes" text
// by returning its bytes.
type Mock struct {
	Text string
}

// MockFormat tags synthesized frames that carry raw text bytes.
const MockFormat = "mock_text_bytes"

func NewMock() *Mock { return &Mock{Text: "simulated voice input"} }

func (m *Mock) Transcribe(ctx context.Context, audio []byte, _ string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(audio) == 0 {
		return "", nil
	}
	return m.Text, nil
}

func (m *Mock) Synthesize(ctx context.Context, req SynthesisRequest) (Audio, error) {
	if err := ctx.Err(); err != nil {
		return Audio{}, err
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return Audio{}, ErrEmptyText
	}
	return Audio{Data: []byte(text), Format: MockFormat}, nil
}

func (m *Mock) Format() string { return MockFormat }
