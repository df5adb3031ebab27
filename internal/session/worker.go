package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/parley/internal/agent"
	"github.com/ent0n29/parley/internal/audio"
	"github.com/ent0n29/parley/internal/policy"
	"github.com/ent0n29/parley/internal/protocol"
	"github.com/ent0n29/parley/internal/reliability"
	"github.com/ent0n29/parley/internal/style"
	"github.com/ent0n29/parley/internal/utterance"
)

// runWorker is the only consumer of the utterance queue, so utterances of
// one session are transcribed, answered and spoken strictly in order.
func (c *Controller) runWorker() {
	for {
		u, err := c.queue.Pop(c.ctx)
		if err != nil {
			return
		}
		c.process(u)
	}
}

func (c *Controller) process(u utterance.Utterance) {
	p := c.snapshot()
	_ = c.send(protocol.ProcessingStart{
		Type:         protocol.TypeProcessingStart,
		StartEpochMs: u.StartEpochMs,
		EndEpochMs:   u.EndEpochMs,
		SpeechMs:     u.SpeechMs,
		Bytes:        len(u.Audio),
		QueueDepth:   c.queue.Len(),
	})

	payload, mime, err := c.prepareAudio(u)
	if err != nil {
		c.countDrop("oversize")
		_ = c.send(protocol.NewWarning(err.Error()))
		return
	}

	sttStart := time.Now()
	text, err := c.deps.Transcriber.Transcribe(c.ctx, payload, mime)
	c.observeStage("stt", time.Since(sttStart))
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.providerError(c.opts.TranscriberName, err)
		c.log.Warn("transcription failed", zap.Error(err))
		_ = c.send(protocol.NewSTTError(err.Error()))
		return
	}
	text = strings.TrimSpace(text)
	_ = c.send(protocol.Transcript{Type: protocol.TypeTranscript, Text: text, Final: true})
	if text == "" {
		return
	}
	redacted, _ := policy.RedactTranscript(text)
	c.log.Debug("transcript", zap.String("session_id", p.SessionID), zap.String("text", redacted))
	c.observeStyle(p, u, text)

	if p.Pipeline == protocol.PipelineSTT {
		return
	}

	agentStart := time.Now()
	reply, err := c.deps.Agent.Respond(c.ctx, agent.Request{
		GraphID:      p.GraphID,
		BranchID:     p.BranchID,
		SessionID:    p.SessionID,
		UserID:       c.principal.UserID,
		TenantID:     c.principal.TenantID,
		Transcript:   text,
		IsScribeMode: p.IsScribeMode,
		StartMs:      u.StartEpochMs,
		EndMs:        u.EndEpochMs,
		Metadata:     p.Metadata,
	})
	c.observeStage("agent", time.Since(agentStart))
	if err != nil {
		if c.ctx.Err() != nil {
			return
		}
		c.providerError(c.opts.AgentName, err)
		c.log.Warn("agent request failed", zap.Error(err))
		_ = c.send(protocol.NewAgentError(err.Error()))
		return
	}

	_ = c.send(protocol.AgentReply{
		Type:          protocol.TypeAgentReply,
		Transcript:    text,
		AgentResponse: reply.AgentResponse,
		ShouldSpeak:   reply.ShouldSpeak,
		SpeechRate:    reply.SpeechRate,
		Policy:        reply.Policy,
		Metadata:      reply.Metadata,
	})
	if !reply.ShouldSpeak || strings.TrimSpace(reply.AgentResponse) == "" {
		return
	}
	c.speak(reply.AgentResponse, reply.SpeechRate, u.EndEpochMs)
}

// prepareAudio enforces size caps and wraps decoded PCM as WAV.
func (c *Controller) prepareAudio(u utterance.Utterance) ([]byte, string, error) {
	if u.Format == utterance.FormatPCM16 {
		if len(u.Audio) > c.opts.MaxPCMBytes {
			return nil, "", fmt.Errorf("utterance of %d bytes exceeds the %d byte PCM limit; dropped", len(u.Audio), c.opts.MaxPCMBytes)
		}
		rate := u.SampleRate
		if rate <= 0 {
			rate = audio.DefaultSampleRate
		}
		wav, err := audio.EncodeWAVPCM16LE(u.Audio, rate)
		if err != nil {
			return nil, "", err
		}
		return wav, "audio/wav", nil
	}

	if len(u.Audio) > c.opts.MaxCompressedBytes {
		return nil, "", fmt.Errorf("utterance of %d bytes exceeds the %d byte limit; dropped", len(u.Audio), c.opts.MaxCompressedBytes)
	}
	mime := u.Format
	if mime == "" {
		mime = audio.ContainerMIME("", u.Audio)
	}
	return u.Audio, mime, nil
}

// observeStyle feeds the learner without holding up the turn.
func (c *Controller) observeStyle(p params, u utterance.Utterance, text string) {
	if c.deps.Learner == nil {
		return
	}
	obs := style.Observation{
		UserID:     c.principal.UserID,
		TenantID:   c.principal.TenantID,
		SessionID:  p.SessionID,
		Transcript: text,
		SpeechMs:   u.SpeechMs,
		DurationMs: u.EndEpochMs - u.StartEpochMs,
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("style observe panic", zap.Any("panic", r))
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.LearningTimeout)
		defer cancel()
		if err := c.deps.Learner.Observe(ctx, obs); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("style observe failed", zap.Error(err))
		}
	}()
}

func (c *Controller) observeStage(stage string, d time.Duration) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ObserveStage(stage, d)
	}
}

func (c *Controller) providerError(provider string, err error) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ProviderErrors.WithLabelValues(provider, reliability.Code(err)).Inc()
	}
}
