package speech

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
)

// FailoverTranscriber prefers primary and switches to fallback when primary
// fails. Once fallback succeeds it stays active until it fails itself; then
// primary is retried.
type FailoverTranscriber struct {
	primary        Transcriber
	fallback       Transcriber
	fallbackActive atomic.Bool
}

func NewFailoverTranscriber(primary, fallback Transcriber) *FailoverTranscriber {
	return &FailoverTranscriber{primary: primary, fallback: fallback}
}

func (f *FailoverTranscriber) Transcribe(ctx context.Context, audio []byte, mime string) (string, error) {
	if f.fallbackActive.Load() {
		text, err := f.fallback.Transcribe(ctx, audio, mime)
		if err == nil {
			return text, nil
		}
		if ctx.Err() != nil {
			return "", err
		}
		f.fallbackActive.Store(false)
		text, pErr := f.primary.Transcribe(ctx, audio, mime)
		if pErr == nil {
			return text, nil
		}
		return "", fmt.Errorf("fallback failed: %w; primary failed: %v", err, pErr)
	}

	text, err := f.primary.Transcribe(ctx, audio, mime)
	if err == nil {
		return text, nil
	}
	if errors.Is(err, context.Canceled) || ctx.Err() != nil {
		return "", err
	}
	text, fbErr := f.fallback.Transcribe(ctx, audio, mime)
	if fbErr != nil {
		return "", fmt.Errorf("primary failed: %w; fallback failed: %v", err, fbErr)
	}
	f.fallbackActive.Store(true)
	return text, nil
}
