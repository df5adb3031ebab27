package vad

import (
	"fmt"
	"strings"

	"github.com/spf13/cast"
)

const EngineEnergy = "energy"

// Config is fixed once a segmenter has been built from it.
type Config struct {
	SampleRateHz    int     `json:"sample_rate_hz"`
	FrameMs         int     `json:"frame_ms"`
	SpeechThreshold float64 `json:"speech_threshold"`
	EndSilenceMs    int     `json:"end_silence_ms"`
	MinSpeechMs     int     `json:"min_speech_ms"`
	PreRollMs       int     `json:"pre_roll_ms"`
	MaxUtteranceMs  int     `json:"max_utterance_ms"`
	Engine          string  `json:"engine"`
	ModelPath       string  `json:"model_path,omitempty"`
}

func DefaultConfig() Config {
	return Config{
		SampleRateHz:    16000,
		FrameMs:         30,
		SpeechThreshold: 0.5,
		EndSilenceMs:    700,
		MinSpeechMs:     250,
		PreRollMs:       200,
		MaxUtteranceMs:  30000,
		Engine:          EngineEnergy,
	}
}

// Merge applies loosely typed client overrides. Numbers may arrive as JSON
// numbers or strings. Unknown keys are ignored; out-of-range values are
// clamped by Normalize.
func (c Config) Merge(overrides map[string]any) (Config, error) {
	out := c
	for key, raw := range overrides {
		if raw == nil {
			continue
		}
		var err error
		switch key {
		case "sample_rate_hz", "sample_rate":
			out.SampleRateHz, err = cast.ToIntE(raw)
		case "frame_ms":
			out.FrameMs, err = cast.ToIntE(raw)
		case "speech_threshold", "threshold":
			out.SpeechThreshold, err = cast.ToFloat64E(raw)
		case "end_silence_ms":
			out.EndSilenceMs, err = cast.ToIntE(raw)
		case "min_speech_ms":
			out.MinSpeechMs, err = cast.ToIntE(raw)
		case "pre_roll_ms":
			out.PreRollMs, err = cast.ToIntE(raw)
		case "max_utterance_ms":
			out.MaxUtteranceMs, err = cast.ToIntE(raw)
		case "engine":
			out.Engine, err = cast.ToStringE(raw)
		case "model_path":
			out.ModelPath, err = cast.ToStringE(raw)
		}
		if err != nil {
			return c, fmt.Errorf("vad_config.%s: %w", key, err)
		}
	}
	return out.Normalize(), nil
}

// Normalize clamps every field into its supported range.
func (c Config) Normalize() Config {
	switch c.SampleRateHz {
	case 8000, 16000, 24000, 48000:
	default:
		c.SampleRateHz = 16000
	}
	switch c.FrameMs {
	case 10, 20, 30:
	default:
		c.FrameMs = 30
	}
	c.SpeechThreshold = clampFloat(c.SpeechThreshold, 0.05, 0.95)
	c.EndSilenceMs = clampInt(c.EndSilenceMs, 100, 5000)
	c.MinSpeechMs = clampInt(c.MinSpeechMs, 0, 5000)
	c.PreRollMs = clampInt(c.PreRollMs, 0, 2000)
	c.MaxUtteranceMs = clampInt(c.MaxUtteranceMs, 1000, 120000)
	c.Engine = strings.ToLower(strings.TrimSpace(c.Engine))
	if c.Engine == "" {
		c.Engine = EngineEnergy
	}
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
