package transcode

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/audio"
	"github.com/zaf/g711"
)

const g711Rate = 8000

// G711 decodes raw 8 kHz mu-law or a-law in-process and resamples it to the
// requested rate. No subprocess is involved.
type G711 struct{}

func (G711) Start(ctx context.Context, opts Options) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	decode := g711.DecodeUlaw
	if f := strings.ToLower(opts.InputFormat); f == "alaw" || f == "pcma" {
		decode = g711.DecodeAlaw
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	p := &g711Process{
		inR:  inR,
		inW:  inW,
		outR: outR,
		errR: errR,
		done: make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		defer errW.Close()
		err := decodeLoop(inR, outW, decode, rate)
		if err != nil {
			_, _ = io.WriteString(errW, "g711: "+err.Error()+"\n")
		}
		_ = outW.CloseWithError(io.EOF)
	}()
	return p, nil
}

func decodeLoop(in io.Reader, out io.Writer, decode func([]byte) []byte, rate int) error {
	buf := make([]byte, 1600)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			samples := audio.Samples(decode(buf[:n]))
			if _, werr := out.Write(audio.PCMBytes(audio.Resample(samples, g711Rate, rate))); werr != nil {
				return werr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

type g711Process struct {
	inR  *io.PipeReader
	inW  *io.PipeWriter
	outR *io.PipeReader
	errR *io.PipeReader
	done chan struct{}

	stopOnce sync.Once
}

func (p *g711Process) Stdin() io.WriteCloser { return p.inW }
func (p *g711Process) Stdout() io.Reader     { return p.outR }
func (p *g711Process) Stderr() io.Reader     { return p.errR }

func (p *g711Process) Stop(grace time.Duration) error {
	p.stopOnce.Do(func() {
		if grace <= 0 {
			grace = DefaultGrace
		}
		_ = p.inW.Close()
		select {
		case <-p.done:
			return
		case <-time.After(grace):
		}
		_ = p.inR.CloseWithError(io.ErrClosedPipe)
		_ = p.outR.Close()
		_ = p.errR.Close()
		<-p.done
	})
	return nil
}
