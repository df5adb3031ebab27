package transcode

import (
	"context"
	"io"
	"strings"
	"time"
)

// DefaultGrace is how long a process gets to exit after an interrupt
// before it is killed.
const DefaultGrace = 1500 * time.Millisecond

// Options describes one decode stream.
type Options struct {
	SampleRate int
	// InputFormat is an optional client hint (webm, ogg, mp3, wav, mulaw, alaw).
	InputFormat string
}

// Process converts one continuous compressed stream written to Stdin into
// mono PCM16LE at Options.SampleRate on Stdout. Stdout chunks are not
// aligned to frame or sample boundaries.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	// Stderr yields diagnostic text. Callers must drain it.
	Stderr() io.Reader
	// Stop terminates the process, forcing it after grace. Safe to call
	// more than once.
	Stop(grace time.Duration) error
}

type Starter interface {
	Start(ctx context.Context, opts Options) (Process, error)
}

// Selector routes G.711 input to the in-process decoder and everything
// else to ffmpeg.
type Selector struct {
	FFmpeg Starter
	G711   Starter
}

func NewSelector(ffmpegPath string) *Selector {
	return &Selector{
		FFmpeg: NewFFmpeg(ffmpegPath),
		G711:   G711{},
	}
}

func (s *Selector) Start(ctx context.Context, opts Options) (Process, error) {
	if isG711(opts.InputFormat) && s.G711 != nil {
		return s.G711.Start(ctx, opts)
	}
	return s.FFmpeg.Start(ctx, opts)
}

func isG711(format string) bool {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "mulaw", "ulaw", "pcmu", "alaw", "pcma":
		return true
	}
	return false
}
