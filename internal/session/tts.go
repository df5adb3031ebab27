package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/speech"
)

const (
	minSpeechRate = 0.85
	maxSpeechRate = 2.0

	previewChars = 80
)

type synthResult struct {
	audio speech.Audio
	err   error
}

// speak streams text as a sequence of synthesized segments. It always ends
// with tts_done, whether the stream completed, failed, or was interrupted.
func (c *Controller) speak(text string, rate float64, utteranceEndMs int64) {
	done := make(chan struct{})
	c.streamMu.Lock()
	c.streamDone = done
	c.streamMu.Unlock()
	interrupted := c.interrupt.Arm()

	var pending <-chan synthResult
	defer func() {
		_ = c.send(protocol.NewTTSDone())
		c.streamMu.Lock()
		if c.streamDone == done {
			c.streamDone = nil
		}
		c.streamMu.Unlock()
		close(done)
		// One synthesis at a time: let an abandoned call unwind before the
		// worker moves on.
		if pending != nil {
			timer := time.NewTimer(c.opts.InterruptWait)
			select {
			case <-pending:
			case <-timer.C:
				c.log.Warn("abandoned synthesis did not return")
			}
			timer.Stop()
		}
	}()

	voice := c.resolveVoice(c.ctx)
	speed := clampSpeechRate(rate)
	format := c.deps.Synthesizer.Format()
	firstAudio := true

	for i, segment := range speech.SplitSegments(text, c.opts.MaxSegmentChars) {
		seq := i + 1
		if fired(interrupted) || c.ctx.Err() != nil {
			return
		}
		_ = c.send(protocol.TTSStart{
			Type:   protocol.TypeTTSStart,
			Seq:    seq,
			Format: format,
			Voice:  voice,
			Text:   speech.Preview(segment, previewChars),
		})

		started := time.Now()
		synthCtx, cancel := context.WithCancel(c.ctx)
		result := c.synthesize(synthCtx, speech.SynthesisRequest{Text: segment, Voice: voice, Speed: speed})

		select {
		case <-interrupted:
			cancel()
			pending = result
			return
		case <-c.ctx.Done():
			cancel()
			pending = result
			return
		case r := <-result:
			cancel()
			c.observeStage("tts", time.Since(started))
			if r.err != nil {
				c.providerError(c.opts.SynthesizerName, r.err)
				c.log.Warn("synthesis failed", zap.Int("seq", seq), zap.Error(r.err))
				_ = c.send(protocol.TTSError{Type: protocol.TypeTTSError, Message: r.err.Error(), Seq: seq})
				continue
			}
			if fired(interrupted) {
				return
			}
			if err := c.sendBinary(r.audio.Data); err != nil {
				return
			}
			if firstAudio {
				firstAudio = false
				if utteranceEndMs > 0 && c.deps.Metrics != nil {
					c.deps.Metrics.ObserveFirstAudioLatency(time.Since(time.UnixMilli(utteranceEndMs)))
				}
			}
			_ = c.send(protocol.TTSEnd{Type: protocol.TypeTTSEnd, Seq: seq})
		}
	}
}

func (c *Controller) synthesize(ctx context.Context, req speech.SynthesisRequest) <-chan synthResult {
	out := make(chan synthResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				out <- synthResult{err: fmt.Errorf("synthesizer panic: %v", r)}
			}
		}()
		a, err := c.deps.Synthesizer.Synthesize(ctx, req)
		out <- synthResult{audio: a, err: err}
	}()
	return out
}

// clampSpeechRate maps an agent-provided rate into the range providers
// accept. Zero or negative means normal speed.
func clampSpeechRate(rate float64) float64 {
	switch {
	case rate <= 0:
		return 1
	case rate < minSpeechRate:
		return minSpeechRate
	case rate > maxSpeechRate:
		return maxSpeechRate
	default:
		return rate
	}
}

func fired(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
