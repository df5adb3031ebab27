package vad

import "github.com/ent0n29/parley/internal/audio"

// Energy classifies frames by RMS level. A frame scores
// clamp((dBFS+60)/50, 0, 1) and counts as voiced at or above
// SpeechThreshold.
type Energy struct {
	cfg        Config
	frameBytes int

	pending []byte
	offset  int64 // samples consumed as whole frames

	preRoll       [][]byte
	preRollFrames int

	inSpeech     bool
	buf          []byte
	startSample  int64
	voicedFrames int
	silenceMs    int
	silenceBytes int
}

func NewEnergy(cfg Config) *Energy {
	cfg = cfg.Normalize()
	frameBytes := cfg.SampleRateHz * cfg.FrameMs / 1000 * audio.BytesPerSample
	return &Energy{
		cfg:           cfg,
		frameBytes:    frameBytes,
		preRollFrames: cfg.PreRollMs / cfg.FrameMs,
	}
}

func Score(frame []byte) float64 {
	s := (audio.DBFS(frame) + 60) / 50
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (e *Energy) Push(pcm []byte) []Event {
	var events []Event
	data := pcm
	if len(e.pending) > 0 {
		data = append(e.pending, pcm...)
		e.pending = nil
	}
	for len(data) >= e.frameBytes {
		frame := data[:e.frameBytes:e.frameBytes]
		data = data[e.frameBytes:]
		events = append(events, e.frame(frame)...)
		e.offset += int64(e.frameBytes / audio.BytesPerSample)
	}
	if len(data) > 0 {
		e.pending = append([]byte(nil), data...)
	}
	return events
}

func (e *Energy) frame(frame []byte) []Event {
	voiced := Score(frame) >= e.cfg.SpeechThreshold

	if !e.inSpeech {
		if !voiced {
			e.pushPreRoll(frame)
			return nil
		}
		e.inSpeech = true
		e.startSample = e.offset
		e.buf = e.buf[:0]
		for _, f := range e.preRoll {
			e.buf = append(e.buf, f...)
			e.startSample -= int64(len(f) / audio.BytesPerSample)
		}
		e.preRoll = e.preRoll[:0]
		e.buf = append(e.buf, frame...)
		e.voicedFrames = 1
		e.silenceMs, e.silenceBytes = 0, 0
		return []Event{SpeechStart{SampleOffset: e.offset}}
	}

	e.buf = append(e.buf, frame...)
	if voiced {
		e.voicedFrames++
		e.silenceMs, e.silenceBytes = 0, 0
	} else {
		e.silenceMs += e.cfg.FrameMs
		e.silenceBytes += len(frame)
	}

	if e.silenceMs >= e.cfg.EndSilenceMs {
		if seg := e.finish(true); seg != nil {
			return []Event{seg}
		}
		return nil
	}
	if audio.DurationMs(len(e.buf), e.cfg.SampleRateHz) >= int64(e.cfg.MaxUtteranceMs) {
		if seg := e.finish(false); seg != nil {
			return []Event{seg}
		}
	}
	return nil
}

func (e *Energy) pushPreRoll(frame []byte) {
	if e.preRollFrames == 0 {
		return
	}
	if len(e.preRoll) == e.preRollFrames {
		copy(e.preRoll, e.preRoll[1:])
		e.preRoll = e.preRoll[:len(e.preRoll)-1]
	}
	e.preRoll = append(e.preRoll, append([]byte(nil), frame...))
}

// finish closes the current utterance. Utterances with less voiced audio
// than MinSpeechMs are discarded when gate is set.
func (e *Energy) finish(gate bool) *Segment {
	speechMs := int64(e.voicedFrames * e.cfg.FrameMs)
	pcm := e.buf[:len(e.buf)-e.silenceBytes]
	start := e.startSample

	e.inSpeech = false
	e.voicedFrames = 0
	e.silenceMs, e.silenceBytes = 0, 0

	if gate && speechMs < int64(e.cfg.MinSpeechMs) {
		e.buf = e.buf[:0]
		return nil
	}
	out := append([]byte(nil), pcm...)
	e.buf = e.buf[:0]
	return &Segment{
		PCM:         out,
		StartSample: start,
		EndSample:   start + int64(len(out)/audio.BytesPerSample),
		SpeechMs:    speechMs,
	}
}

func (e *Energy) Flush() *Segment {
	if !e.inSpeech {
		return nil
	}
	return e.finish(false)
}

// Config returns the normalized configuration in use.
func (e *Energy) Config() Config { return e.cfg }
