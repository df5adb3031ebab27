package vad

import (
	"errors"
	"fmt"
)

var ErrUnknownEngine = errors.New("unknown vad engine")

// Event is emitted by a Segmenter while it consumes PCM.
type Event interface {
	vadEvent()
}

// SpeechStart marks the first voiced frame of a new utterance.
type SpeechStart struct {
	// SampleOffset counts samples since the start of the stream.
	SampleOffset int64
}

// Segment is one completed utterance of PCM16LE mono audio.
type Segment struct {
	PCM         []byte
	StartSample int64
	EndSample   int64
	SpeechMs    int64
}

func (SpeechStart) vadEvent() {}
func (*Segment) vadEvent()    {}

// Segmenter turns a continuous PCM stream into utterances. Implementations
// are not safe for concurrent use.
type Segmenter interface {
	// Push consumes PCM bytes of any length; partial frames carry over.
	Push(pcm []byte) []Event
	// Flush ends any utterance in progress and returns it, or nil.
	Flush() *Segment
}

// New builds the segmenter named by cfg.Engine.
func New(cfg Config) (Segmenter, error) {
	cfg = cfg.Normalize()
	switch cfg.Engine {
	case EngineEnergy:
		return NewEnergy(cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, cfg.Engine)
	}
}
