package speech

import (
	"context"
	"errors"
)

var ErrEmptyText = errors.New("empty synthesis text")

// Transcriber turns one utterance into text. mime names the container of
// audio (audio/wav for decoded PCM).
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, mime string) (string, error)
}

type SynthesisRequest struct {
	Text  string
	Voice string
	Speed float64
}

// Audio is one synthesized segment.
type Audio struct {
	Data   []byte
	Format string
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req SynthesisRequest) (Audio, error)
	// Format names the encoding Synthesize returns, announced before
	// synthesis starts.
	Format() string
}
