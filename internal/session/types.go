package session

import (
	"context"
	"time"

	"github.com/ent0n29/parley/internal/style"
	"github.com/ent0n29/parley/internal/vad"
)

// State is the lifecycle position of one connection.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Principal is the identity a ticket resolved to.
type Principal struct {
	UserID   string
	TenantID string
	TicketID string
}

// StyleLearner personalises VAD and voice per user. All calls are best
// effort: the controller logs failures and carries on.
type StyleLearner interface {
	AdjustVAD(ctx context.Context, userID string, cfg vad.Config) (vad.Config, error)
	PreferredVoice(ctx context.Context, userID string) (string, error)
	Observe(ctx context.Context, obs style.Observation) error
	RecordInterruption(ctx context.Context, userID, tenantID string) error
	SetVoice(ctx context.Context, userID, tenantID, voiceID string) error
}

// Limits and timings for one connection.
type Options struct {
	DefaultVoice string

	MaxClientBufferBytes int
	MaxPCMBytes          int
	MaxCompressedBytes   int
	ReadLimitBytes       int64

	TranscodeQueueSize int
	UtteranceQueueSize int
	MaxSegmentChars    int

	WriteTimeout    time.Duration
	PingInterval    time.Duration
	InterruptWait   time.Duration
	TranscodeGrace  time.Duration
	ShutdownWait    time.Duration
	LearningTimeout time.Duration

	TranscriberName string
	SynthesizerName string
	AgentName       string
}

func DefaultOptions() Options {
	return Options{
		DefaultVoice:         "alloy",
		MaxClientBufferBytes: 12 << 20,
		MaxPCMBytes:          3 << 20,
		MaxCompressedBytes:   12 << 20,
		ReadLimitBytes:       13 << 20,
		TranscodeQueueSize:   64,
		UtteranceQueueSize:   4,
		MaxSegmentChars:      160,
		WriteTimeout:         10 * time.Second,
		PingInterval:         30 * time.Second,
		InterruptWait:        2 * time.Second,
		TranscodeGrace:       1500 * time.Millisecond,
		ShutdownWait:         5 * time.Second,
		LearningTimeout:      3 * time.Second,
		TranscriberName:      "stt",
		SynthesizerName:      "tts",
		AgentName:            "agent",
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.DefaultVoice == "" {
		o.DefaultVoice = d.DefaultVoice
	}
	if o.MaxClientBufferBytes <= 0 {
		o.MaxClientBufferBytes = d.MaxClientBufferBytes
	}
	if o.MaxPCMBytes <= 0 {
		o.MaxPCMBytes = d.MaxPCMBytes
	}
	if o.MaxCompressedBytes <= 0 {
		o.MaxCompressedBytes = d.MaxCompressedBytes
	}
	if o.ReadLimitBytes <= 0 {
		o.ReadLimitBytes = d.ReadLimitBytes
	}
	if o.TranscodeQueueSize <= 0 {
		o.TranscodeQueueSize = d.TranscodeQueueSize
	}
	if o.UtteranceQueueSize <= 0 {
		o.UtteranceQueueSize = d.UtteranceQueueSize
	}
	if o.MaxSegmentChars <= 0 {
		o.MaxSegmentChars = d.MaxSegmentChars
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = d.WriteTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = d.PingInterval
	}
	if o.InterruptWait <= 0 {
		o.InterruptWait = d.InterruptWait
	}
	if o.TranscodeGrace <= 0 {
		o.TranscodeGrace = d.TranscodeGrace
	}
	if o.ShutdownWait <= 0 {
		o.ShutdownWait = d.ShutdownWait
	}
	if o.LearningTimeout <= 0 {
		o.LearningTimeout = d.LearningTimeout
	}
	if o.TranscriberName == "" {
		o.TranscriberName = d.TranscriberName
	}
	if o.SynthesizerName == "" {
		o.SynthesizerName = d.SynthesizerName
	}
	if o.AgentName == "" {
		o.AgentName = d.AgentName
	}
	return o
}
