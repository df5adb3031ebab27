package style

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/parley/internal/vad"
)

const (
	emaAlpha = 0.2

	fastWPM = 170.0
	slowWPM = 110.0

	fastEndSilenceMS    = 550
	neutralEndSilenceMS = 700
	slowEndSilenceMS    = 900

	interruptionStepMS = 40
	maxEndSilenceMS    = 1500
)

// Observation describes one transcribed user utterance.
type Observation struct {
	UserID     string
	TenantID   string
	SessionID  string
	Transcript string
	SpeechMs   int64
	DurationMs int64
}

// Learner adapts per-user VAD settings from observed speech. Every method
// is safe for concurrent use.
type Learner struct {
	store Store
	now   func() time.Time

	mu sync.Mutex
}

func NewLearner(store Store) *Learner {
	return &Learner{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// AdjustVAD applies the learned end-of-speech silence to cfg. Users without
// a profile get cfg back unchanged.
func (l *Learner) AdjustVAD(ctx context.Context, userID string, cfg vad.Config) (vad.Config, error) {
	if userID == "" {
		return cfg, nil
	}
	p, ok, err := l.store.Get(ctx, userID)
	if err != nil {
		return cfg, fmt.Errorf("adjust vad: %w", err)
	}
	if !ok || p.EndSilenceMS <= 0 {
		return cfg, nil
	}
	cfg.EndSilenceMs = p.EndSilenceMS
	return cfg.Normalize(), nil
}

// PreferredVoice returns the stored voice for userID, or "" when none.
func (l *Learner) PreferredVoice(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", nil
	}
	p, ok, err := l.store.Get(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("preferred voice: %w", err)
	}
	if !ok {
		return "", nil
	}
	return p.VoiceID, nil
}

func (l *Learner) Observe(ctx context.Context, obs Observation) error {
	if obs.UserID == "" || obs.SpeechMs <= 0 {
		return nil
	}
	return l.update(ctx, obs.UserID, obs.TenantID, func(p *Profile) {
		words := float64(len(strings.Fields(obs.Transcript)))
		wpm := words / (float64(obs.SpeechMs) / 60000)

		p.Utterances++
		if p.Utterances == 1 {
			p.AvgSpeechMS = float64(obs.SpeechMs)
			p.AvgWordsPerMin = wpm
		} else {
			p.AvgSpeechMS = ema(p.AvgSpeechMS, float64(obs.SpeechMs))
			p.AvgWordsPerMin = ema(p.AvgWordsPerMin, wpm)
		}

		target := neutralEndSilenceMS
		switch {
		case p.AvgWordsPerMin >= fastWPM:
			target = fastEndSilenceMS
		case p.AvgWordsPerMin > 0 && p.AvgWordsPerMin < slowWPM:
			target = slowEndSilenceMS
		}
		if p.EndSilenceMS == 0 {
			p.EndSilenceMS = target
		} else {
			p.EndSilenceMS = int(ema(float64(p.EndSilenceMS), float64(target)))
		}
	})
}

// RecordInterruption counts a barge-in. Interruptions suggest replies start
// before the user is done, so the learned end silence grows.
func (l *Learner) RecordInterruption(ctx context.Context, userID, tenantID string) error {
	if userID == "" {
		return nil
	}
	return l.update(ctx, userID, tenantID, func(p *Profile) {
		p.Interruptions++
		if p.EndSilenceMS == 0 {
			p.EndSilenceMS = neutralEndSilenceMS
		}
		p.EndSilenceMS += interruptionStepMS
		if p.EndSilenceMS > maxEndSilenceMS {
			p.EndSilenceMS = maxEndSilenceMS
		}
	})
}

// SetVoice pins the voice used for userID in future sessions.
func (l *Learner) SetVoice(ctx context.Context, userID, tenantID, voiceID string) error {
	return l.update(ctx, userID, tenantID, func(p *Profile) {
		p.VoiceID = voiceID
	})
}

func (l *Learner) update(ctx context.Context, userID, tenantID string, mutate func(*Profile)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok, err := l.store.Get(ctx, userID)
	if err != nil {
		return fmt.Errorf("load style profile: %w", err)
	}
	if !ok {
		p = Profile{UserID: userID, TenantID: tenantID}
	}
	mutate(&p)
	p.UpdatedAt = l.now()
	return l.store.Put(ctx, p)
}

func ema(prev, sample float64) float64 {
	return prev*(1-emaAlpha) + sample*emaAlpha
}
