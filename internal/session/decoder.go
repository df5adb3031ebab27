package session

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/transcode"
	"github.com/ent0n29/parley/internal/utterance"
	"github.com/ent0n29/parley/internal/vad"
)

var errTranscoderExited = errors.New("transcoder exited")

// decoder feeds one continuous compressed stream through a transcoder and
// segments the PCM it yields.
type decoder struct {
	proc transcode.Process
	in   chan []byte
	rate int

	// streamStart anchors sample offsets to wall-clock epoch milliseconds.
	streamStart int64

	segMu sync.Mutex
	seg   vad.Segmenter

	stopOnce sync.Once
	stopErr  error
}

// startDecoder spawns a transcoder and attaches it to the session. If the
// transcoder dies while the session is live, the decoder is stopped and
// detached so the next server-mode start spawns a fresh one.
func (c *Controller) startDecoder(seg vad.Segmenter, rate int, inputFormat string) error {
	if c.deps.Transcoder == nil {
		return errors.New("no transcoder configured")
	}
	proc, err := c.deps.Transcoder.Start(c.ctx, transcode.Options{SampleRate: rate, InputFormat: inputFormat})
	if err != nil {
		return err
	}
	d := &decoder{
		proc:        proc,
		in:          make(chan []byte, c.opts.TranscodeQueueSize),
		rate:        rate,
		streamStart: time.Now().UnixMilli(),
		seg:         seg,
	}

	c.mu.Lock()
	c.decoder = d
	c.mu.Unlock()

	g, gctx := errgroup.WithContext(c.ctx)
	g.Go(guard(func() error { return d.feed(gctx, c.opts.TranscodeGrace) }))
	g.Go(guard(func() error { return d.pump(c) }))
	g.Go(guard(func() error { return d.drainStderr(c.log) }))

	c.goSafe("decoder", func() {
		err := g.Wait()
		if err == nil || c.ctx.Err() != nil {
			return
		}
		c.log.Warn("audio decoder failed", zap.Error(err))
		c.detachDecoder(d)
		_ = c.send(protocol.NewError("audio decoder failed: " + err.Error()))
	})
	return nil
}

// detachDecoder stops d and clears it from the session if it is still the
// active decoder.
func (c *Controller) detachDecoder(d *decoder) {
	if err := d.stop(c.opts.TranscodeGrace); err != nil {
		c.log.Debug("stop failed decoder", zap.Error(err))
	}
	c.mu.Lock()
	if c.decoder == d {
		c.decoder = nil
	}
	c.mu.Unlock()
}

// enqueue never blocks. When the queue is full the oldest chunk is dropped
// and enqueue reports true.
func (d *decoder) enqueue(chunk []byte) (dropped bool) {
	for {
		select {
		case d.in <- chunk:
			return dropped
		default:
		}
		select {
		case <-d.in:
			dropped = true
		default:
		}
	}
}

// flush closes any utterance in progress. It shares segMu with pump so a
// flush never interleaves with a push.
func (d *decoder) flush() *vad.Segment {
	d.segMu.Lock()
	defer d.segMu.Unlock()
	return d.seg.Flush()
}

func (d *decoder) epochMs(sample int64) int64 {
	return d.streamStart + sample*1000/int64(d.rate)
}

func (d *decoder) feed(ctx context.Context, grace time.Duration) error {
	stdin := d.proc.Stdin()
	for {
		select {
		case <-ctx.Done():
			return nil
		case chunk := <-d.in:
			if _, err := stdin.Write(chunk); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				// Unblocks pump, which would otherwise wait on a live process.
				_ = d.proc.Stop(grace)
				return fmt.Errorf("write transcoder input: %w", err)
			}
		}
	}
}

func (d *decoder) pump(c *Controller) error {
	out := d.proc.Stdout()
	buf := make([]byte, 8192)
	for {
		n, err := out.Read(buf)
		if n > 0 {
			d.segMu.Lock()
			events := d.seg.Push(buf[:n])
			d.segMu.Unlock()
			for _, ev := range events {
				switch e := ev.(type) {
				case vad.SpeechStart:
					_ = c.send(protocol.VADSpeechStart{
						Type:         protocol.TypeVADSpeechStart,
						StartEpochMs: d.epochMs(e.SampleOffset),
					})
				case *vad.Segment:
					c.emitSegment(d, e)
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				if c.ctx.Err() != nil {
					return nil
				}
				return errTranscoderExited
			}
			return err
		}
	}
}

func (d *decoder) drainStderr(log *zap.Logger) error {
	scanner := bufio.NewScanner(d.proc.Stderr())
	for scanner.Scan() {
		log.Debug("transcoder", zap.String("stderr", scanner.Text()))
	}
	return nil
}

// stop closes input and terminates the process.
func (d *decoder) stop(grace time.Duration) error {
	d.stopOnce.Do(func() {
		_ = d.proc.Stdin().Close()
		d.stopErr = d.proc.Stop(grace)
	})
	return d.stopErr
}

func (c *Controller) emitSegment(d *decoder, seg *vad.Segment) {
	start, end := d.epochMs(seg.StartSample), d.epochMs(seg.EndSample)
	_ = c.send(protocol.VADUtteranceEnd{
		Type:         protocol.TypeVADUtteranceEnd,
		StartEpochMs: start,
		EndEpochMs:   end,
		SpeechMs:     seg.SpeechMs,
	})
	c.submit(utterance.Utterance{
		Audio:        seg.PCM,
		Format:       utterance.FormatPCM16,
		SampleRate:   d.rate,
		StartEpochMs: start,
		EndEpochMs:   end,
		SpeechMs:     seg.SpeechMs,
	})
}

func guard(fn func() error) func() error {
	return func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("decoder panic: %v", r)
			}
		}()
		return fn()
	}
}
